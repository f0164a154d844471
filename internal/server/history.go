// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"strings"
	"sync"
)

// Exchange is one question and its answer.
type Exchange struct {
	User      string
	Assistant string
}

// History keeps the most recent exchanges of every chat.
type History struct {
	window int

	mu    sync.Mutex
	chats map[string][]Exchange
}

// NewHistory keeps up to window exchanges per chat. A window of zero or
// less keeps nothing.
func NewHistory(window int) *History {
	return &History{window: window, chats: make(map[string][]Exchange)}
}

// Recent returns a copy of chatID's retained exchanges, oldest first.
func (h *History) Recent(chatID string) []Exchange {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Exchange(nil), h.chats[chatID]...)
}

// Record appends an exchange and drops the oldest ones beyond the window.
func (h *History) Record(chatID string, ex Exchange) {
	if h.window <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	list := append(h.chats[chatID], ex)
	if len(list) > h.window {
		list = append([]Exchange(nil), list[len(list)-h.window:]...)
	}
	h.chats[chatID] = list
}

// Chats returns how many chats have history.
func (h *History) Chats() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.chats)
}

// ============================================================================
// BOUNDARY BUFFER
// ============================================================================

// boundaryBuffer collects streamed text and hands it on in pieces that end
// at one of the flush characters, so the client sees whole words and
// sentences.
type boundaryBuffer struct {
	flushOn string
	out     func(string) error
	buf     strings.Builder
}

func newBoundaryBuffer(flushOn string, out func(string) error) *boundaryBuffer {
	return &boundaryBuffer{flushOn: flushOn, out: out}
}

func (b *boundaryBuffer) Write(s string) error {
	for _, r := range s {
		b.buf.WriteRune(r)
		if strings.ContainsRune(b.flushOn, r) {
			if err := b.Flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush hands on whatever is buffered.
func (b *boundaryBuffer) Flush() error {
	if b.buf.Len() == 0 {
		return nil
	}
	chunk := b.buf.String()
	b.buf.Reset()
	return b.out(chunk)
}
