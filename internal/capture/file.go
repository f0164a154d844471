// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// ErrCaptureBusy is returned when a handle is requested while another one is
// still held.
var ErrCaptureBusy = errors.New("audio capture already in use")

// DefaultChunkBytes is the audio chunk size FileProvider emits.
const DefaultChunkBytes = 32 * 1024

// =============================================================================
// FILE PROVIDER
// =============================================================================

// FileProvider plays a recorded audio file as if it came from a microphone.
//
// If a sidecar file named "<path>.txt" exists its contents are delivered as a
// final recognition result after the audio, standing in for a speech-to-text
// engine.
type FileProvider struct {
	Path       string
	ChunkBytes int

	mu   sync.Mutex
	held bool
}

// NewFileProvider returns a provider for the audio file at path. An empty
// path yields a provider that reports ErrCaptureUnavailable.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{Path: path, ChunkBytes: DefaultChunkBytes}
}

// Acquire opens the file and starts streaming it.
func (p *FileProvider) Acquire(ctx context.Context) (Stream, error) {
	if p.Path == "" {
		return nil, ErrCaptureUnavailable
	}

	p.mu.Lock()
	if p.held {
		p.mu.Unlock()
		return nil, ErrCaptureBusy
	}
	f, err := os.Open(p.Path)
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	p.held = true
	p.mu.Unlock()

	chunk := p.ChunkBytes
	if chunk <= 0 {
		chunk = DefaultChunkBytes
	}

	s := &fileStream{
		file:    f,
		events:  make(chan Event),
		done:    make(chan struct{}),
		release: p.release,
	}
	go s.run(ctx, chunk, p.Path+".txt")
	return s, nil
}

func (p *FileProvider) release() {
	p.mu.Lock()
	p.held = false
	p.mu.Unlock()
}

// fileStream is the Stream returned by FileProvider.
type fileStream struct {
	file      *os.File
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	release   func()
}

func (s *fileStream) Events() <-chan Event { return s.events }

func (s *fileStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.file.Close()
		s.release()
	})
	return err
}

func (s *fileStream) run(ctx context.Context, chunk int, sidecar string) {
	defer close(s.events)

	buf := make([]byte, chunk)
	for {
		n, err := s.file.Read(buf)
		if n > 0 {
			audio := make([]byte, n)
			copy(audio, buf[:n])
			if !s.emit(ctx, Event{Kind: EventAudio, Audio: audio}) {
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.emit(ctx, Event{Kind: EventError, Err: err})
			return
		}
	}

	if text, err := os.ReadFile(sidecar); err == nil {
		if t := strings.TrimSpace(string(text)); t != "" {
			s.emit(ctx, Event{Kind: EventFinal, Text: t})
		}
	}
}

func (s *fileStream) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}
