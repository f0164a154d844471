// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package exchange

import (
	"context"
	"sync"
)

// =============================================================================
// IN-FLIGHT REGISTRY
// =============================================================================

// Registry tracks which chats have an open exchange and holds the cancel
// function for each. At most one exchange per chat may be registered.
//
// The text engine and the voice bridge share one Registry so a chat never has
// both kinds of exchange open at once.
type Registry struct {
	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
}

type slot struct {
	cancel context.CancelFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]*slot)}
}

// Acquire reserves the slot for chatID. The returned release function frees
// it and is safe to call more than once. Acquire fails with
// ErrExchangeInFlight when the slot is taken and ErrEngineClosed after
// CancelAll.
func (r *Registry) Acquire(chatID string, cancel context.CancelFunc) (release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrEngineClosed
	}
	if _, busy := r.slots[chatID]; busy {
		return nil, ErrExchangeInFlight
	}

	s := &slot{cancel: cancel}
	r.slots[chatID] = s

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.slots[chatID] == s {
				delete(r.slots, chatID)
			}
		})
	}, nil
}

// Busy reports whether chatID has an open exchange.
func (r *Registry) Busy(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.slots[chatID]
	return busy
}

// Cancel cancels the open exchange for chatID, if any. The slot itself is
// freed by the exchange when it winds down.
func (r *Registry) Cancel(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[chatID]; ok && s.cancel != nil {
		s.cancel()
	}
}

// CancelAll cancels every open exchange and refuses new ones.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, s := range r.slots {
		if s.cancel != nil {
			s.cancel()
		}
	}
}
