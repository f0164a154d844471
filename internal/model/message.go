// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and turns.
package model

import (
	"sync/atomic"
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// =============================================================================
// TURN TYPE
// =============================================================================

// Turn is one message entry in a chat session.
//
// Turns are values. The transcript store hands out copies, so a Turn held by a
// caller never changes underneath it.
type Turn struct {
	ID        int64     `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// lastTurnID backs NextTurnID. Ids are unique for the process lifetime.
var lastTurnID atomic.Int64

// NextTurnID returns a new, strictly increasing turn id.
func NextTurnID() int64 {
	for {
		prev := lastTurnID.Load()
		next := time.Now().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if lastTurnID.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// NewTurn creates a turn with a fresh id.
func NewTurn(role Role, text string) Turn {
	return Turn{
		ID:        NextTurnID(),
		Role:      role,
		Text:      text,
		CreatedAt: time.Now(),
	}
}

// NewUserTurn creates a user turn. Its text is fixed from here on.
func NewUserTurn(text string) Turn {
	return NewTurn(RoleUser, text)
}

// NewPlaceholderTurn creates the empty assistant turn that a streamed reply
// is merged into.
func NewPlaceholderTurn() Turn {
	return NewTurn(RoleAssistant, "")
}

// IsAssistant reports whether the turn was authored by the assistant.
func (t Turn) IsAssistant() bool {
	return t.Role == RoleAssistant
}

// WithText returns a copy of the turn carrying text.
func (t Turn) WithText(text string) Turn {
	t.Text = text
	return t
}

// Preview returns a truncated preview of the turn text.
// Uses rune-based truncation to handle Unicode correctly.
func (t Turn) Preview(maxLen int) string {
	runes := []rune(t.Text)
	if len(runes) <= maxLen {
		return t.Text
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
