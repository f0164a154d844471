// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package exchange

import (
	"context"
	"sync"
)

// Session is the runtime state of one open exchange. It is created by
// Engine.Open and becomes terminal exactly once.
type Session struct {
	chatID string

	mu       sync.Mutex
	target   int64
	text     string
	err      error
	terminal bool
	done     chan struct{}

	// release frees the chat's in-flight slot. It runs before done is
	// closed so a waiter woken by Done can submit again at once.
	release func()
}

func newSession(chatID string, target int64, release func()) *Session {
	return &Session{
		chatID:  chatID,
		target:  target,
		done:    make(chan struct{}),
		release: release,
	}
}

// ChatID returns the chat the exchange belongs to.
func (s *Session) ChatID() string {
	return s.chatID
}

// TargetTurnID returns the id of the assistant turn receiving the reply.
func (s *Session) TargetTurnID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Text returns the reply accumulated so far.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

// Err returns the terminal error, or nil while open or after success.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Terminal reports whether the exchange has ended.
func (s *Session) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Done is closed when the exchange ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the exchange ends and returns its error.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) update(target int64, text string) {
	s.mu.Lock()
	s.target = target
	s.text = text
	s.mu.Unlock()
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.terminal = true
	s.err = err
	s.mu.Unlock()
	if s.release != nil {
		s.release()
	}
	close(s.done)
}
