// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and turns.
package model

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// =============================================================================
// VOICE STATE
// =============================================================================

// VoiceState is the voice capture lifecycle of the composer.
type VoiceState int

const (
	VoiceIdle VoiceState = iota
	VoiceRecording
	VoiceProcessing
)

// String returns the string representation of the voice state.
func (v VoiceState) String() string {
	switch v {
	case VoiceIdle:
		return "idle"
	case VoiceRecording:
		return "recording"
	case VoiceProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// =============================================================================
// ATTACHMENTS
// =============================================================================

// Attachment is a file handle queued for the next submission.
type Attachment struct {
	Name string
	Size int64

	// Open returns a fresh reader over the attachment contents.
	Open func() (io.ReadCloser, error)
}

// FileAttachment builds an attachment backed by a file on disk.
func FileAttachment(path string) (Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("attach %s: %w", path, err)
	}
	if info.IsDir() {
		return Attachment{}, fmt.Errorf("attach %s: is a directory", path)
	}
	return Attachment{
		Name: filepath.Base(path),
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// BytesAttachment builds an in-memory attachment.
func BytesAttachment(name string, data []byte) Attachment {
	return Attachment{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(string(data))), nil
		},
	}
}

// =============================================================================
// PENDING INPUT
// =============================================================================

// PendingInput is what the user has composed but not yet submitted.
type PendingInput struct {
	Text        string
	Attachments []Attachment
	Voice       VoiceState
}

// IsEmpty reports whether there is nothing to submit.
func (p PendingInput) IsEmpty() bool {
	return strings.TrimSpace(p.Text) == "" && len(p.Attachments) == 0
}

// Clone returns a copy whose attachment slice is not shared.
func (p PendingInput) Clone() PendingInput {
	c := p
	c.Attachments = append([]Attachment(nil), p.Attachments...)
	return c
}
