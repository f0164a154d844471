// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package capture defines the audio capture and speech playback capabilities
// the chat client depends on, plus the implementations it ships with.
package capture

import (
	"context"
	"errors"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrCaptureUnavailable is returned by Acquire when the environment offers no
// microphone or recognition capability. It is recoverable.
var ErrCaptureUnavailable = errors.New("audio capture unavailable")

// =============================================================================
// CAPTURE CAPABILITY
// =============================================================================

// EventKind tells what a capture Event carries.
type EventKind int

const (
	// EventAudio carries a chunk of raw recorded audio.
	EventAudio EventKind = iota
	// EventPartial carries an interim recognition result.
	EventPartial
	// EventFinal carries a final recognition result.
	EventFinal
	// EventError reports a capture failure. The stream ends after it.
	EventError
)

// Event is one item produced by an open capture stream.
type Event struct {
	Kind  EventKind
	Audio []byte
	Text  string
	Err   error
}

// Stream is an acquired capture handle.
//
// Events is closed when the source runs dry or after Close. Close releases the
// device; it is safe to call more than once.
type Stream interface {
	Events() <-chan Event
	Close() error
}

// Provider grants exclusive capture handles.
type Provider interface {
	Acquire(ctx context.Context) (Stream, error)
}

// =============================================================================
// PLAYBACK CAPABILITY
// =============================================================================

// Playback speaks text aloud.
type Playback interface {
	// Speak blocks until the text has been handed off or ctx ends.
	Speak(ctx context.Context, text string) error
	// Cancel stops anything currently being spoken.
	Cancel()
}

// Silent is a Playback that does nothing.
type Silent struct{}

// Speak implements Playback.
func (Silent) Speak(context.Context, string) error { return nil }

// Cancel implements Playback.
func (Silent) Cancel() {}

// =============================================================================
// UNAVAILABLE PROVIDER
// =============================================================================

// Unavailable is the Provider for environments without a microphone.
type Unavailable struct{}

// Acquire always fails with ErrCaptureUnavailable.
func (Unavailable) Acquire(context.Context) (Stream, error) {
	return nil, ErrCaptureUnavailable
}
