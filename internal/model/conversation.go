// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and turns.
package model

import (
	"time"

	"github.com/google/uuid"
)

// DefaultTitle is the title every chat starts with.
const DefaultTitle = "New Chat"

// titleLength is the rune budget for titles derived from the first user turn.
const titleLength = 50

// =============================================================================
// CHAT SESSION TYPE
// =============================================================================

// ChatSession holds one conversation and its metadata.
//
// Messages is the only field that changes after creation. The transcript store
// owns the live value; everything else works on snapshots from Clone.
type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Turn    `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// titled is set once the title has been derived from a user turn or set
	// explicitly.
	titled bool
}

// NewChatSession creates a new, empty chat session with a generated ID.
func NewChatSession(title string) *ChatSession {
	now := time.Now()
	c := &ChatSession{
		ID:        uuid.NewString(),
		Title:     DefaultTitle,
		Messages:  make([]Turn, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if title != "" {
		c.Title = title
		c.titled = true
	}
	return c
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// HasTurn reports whether a turn with id already exists in the session.
func (c *ChatSession) HasTurn(id int64) bool {
	for _, t := range c.Messages {
		if t.ID == id {
			return true
		}
	}
	return false
}

// Push appends turns without any checks. Callers guard id uniqueness.
func (c *ChatSession) Push(turns ...Turn) {
	c.Messages = append(c.Messages, turns...)
	c.UpdatedAt = time.Now()
	c.updateTitle()
}

// SetLast overwrites the last turn. It is a no-op on an empty session.
func (c *ChatSession) SetLast(t Turn) {
	if len(c.Messages) == 0 {
		return
	}
	c.Messages[len(c.Messages)-1] = t
	c.UpdatedAt = time.Now()
}

// LastTurn returns the most recent turn and whether one exists.
func (c *ChatSession) LastTurn() (Turn, bool) {
	if len(c.Messages) == 0 {
		return Turn{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// MessageCount returns the number of turns.
func (c *ChatSession) MessageCount() int {
	return len(c.Messages)
}

// IsEmpty returns true if there are no turns.
func (c *ChatSession) IsEmpty() bool {
	return len(c.Messages) == 0
}

// =============================================================================
// TITLE MANAGEMENT
// =============================================================================

// updateTitle derives a title from the first user turn if none was set.
func (c *ChatSession) updateTitle() {
	if c.titled {
		return
	}
	for _, t := range c.Messages {
		if t.Role == RoleUser && t.Text != "" {
			c.Title = t.Preview(titleLength)
			c.titled = true
			return
		}
	}
}

// SetTitle manually sets the chat title.
func (c *ChatSession) SetTitle(title string) {
	c.Title = title
	c.titled = true
	c.UpdatedAt = time.Now()
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// Clone creates a deep copy of the chat session.
func (c *ChatSession) Clone() *ChatSession {
	clone := *c
	clone.Messages = make([]Turn, len(c.Messages))
	copy(clone.Messages, c.Messages)
	return &clone
}

// Meta holds lightweight metadata for listing chats.
type Meta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// GetMeta returns metadata about the chat.
func (c *ChatSession) GetMeta() Meta {
	return Meta{
		ID:           c.ID,
		Title:        c.Title,
		MessageCount: len(c.Messages),
		UpdatedAt:    c.UpdatedAt,
	}
}
