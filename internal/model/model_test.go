// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and turns.
package model

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// =============================================================================
// TURN TESTS
// =============================================================================

func TestNextTurnID_StrictlyIncreasing(t *testing.T) {
	prev := NextTurnID()
	for i := 0; i < 1000; i++ {
		id := NextTurnID()
		if id <= prev {
			t.Fatalf("NextTurnID() = %d after %d, want strictly increasing", id, prev)
		}
		prev = id
	}
}

func TestNextTurnID_ConcurrentUnique(t *testing.T) {
	const workers = 16
	const perWorker = 200

	var mu sync.Mutex
	seen := make(map[int64]bool, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := NextTurnID()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate turn id %d", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestNewPlaceholderTurn(t *testing.T) {
	turn := NewPlaceholderTurn()

	if turn.Role != RoleAssistant {
		t.Errorf("Role = %q, want assistant", turn.Role)
	}
	if turn.Text != "" {
		t.Errorf("Text = %q, want empty", turn.Text)
	}
	if !turn.IsAssistant() {
		t.Error("IsAssistant should be true")
	}
}

func TestTurn_WithTextLeavesOriginal(t *testing.T) {
	turn := NewPlaceholderTurn()
	updated := turn.WithText("Hi")

	if turn.Text != "" {
		t.Errorf("original Text = %q, want empty", turn.Text)
	}
	if updated.Text != "Hi" || updated.ID != turn.ID {
		t.Errorf("WithText = %+v, want same id with text Hi", updated)
	}
}

func TestTurn_Preview(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		maxLen int
		want   string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"truncated", "hello world", 8, "hello..."},
		{"unicode", "héllo wörld", 8, "héllo..."},
		{"tiny budget", "hello", 2, "he"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := NewUserTurn(tc.text).Preview(tc.maxLen)
			if got != tc.want {
				t.Errorf("Preview(%d) = %q, want %q", tc.maxLen, got, tc.want)
			}
		})
	}
}

func TestRole_DisplayName(t *testing.T) {
	if RoleUser.DisplayName() != "You" {
		t.Errorf("RoleUser.DisplayName() = %q", RoleUser.DisplayName())
	}
	if RoleAssistant.DisplayName() != "Assistant" {
		t.Errorf("RoleAssistant.DisplayName() = %q", RoleAssistant.DisplayName())
	}
}

// =============================================================================
// CHAT SESSION TESTS
// =============================================================================

func TestNewChatSession(t *testing.T) {
	chat := NewChatSession("")

	if chat.ID == "" {
		t.Error("ID should not be empty")
	}
	if chat.Title != DefaultTitle {
		t.Errorf("Title = %q, want %q", chat.Title, DefaultTitle)
	}
	if !chat.IsEmpty() {
		t.Error("new chat should be empty")
	}
	if other := NewChatSession(""); other.ID == chat.ID {
		t.Error("chat ids should be unique")
	}
}

func TestChatSession_TitleFromFirstUserTurn(t *testing.T) {
	chat := NewChatSession("")
	chat.Push(NewUserTurn("What is retrieval augmented generation?"), NewPlaceholderTurn())

	if chat.Title != "What is retrieval augmented generation?" {
		t.Errorf("Title = %q", chat.Title)
	}

	chat.Push(NewUserTurn("second question"))
	if chat.Title != "What is retrieval augmented generation?" {
		t.Errorf("Title changed to %q after second turn", chat.Title)
	}
}

func TestChatSession_ExplicitTitleIsKept(t *testing.T) {
	chat := NewChatSession("Research")
	chat.Push(NewUserTurn("hello"))

	if chat.Title != "Research" {
		t.Errorf("Title = %q, want Research", chat.Title)
	}
}

func TestChatSession_SetLastAndClone(t *testing.T) {
	chat := NewChatSession("")
	chat.SetLast(NewUserTurn("ignored"))
	if !chat.IsEmpty() {
		t.Fatal("SetLast on empty chat should be a no-op")
	}

	placeholder := NewPlaceholderTurn()
	chat.Push(NewUserTurn("hello"), placeholder)
	clone := chat.Clone()

	chat.SetLast(placeholder.WithText("Hi"))

	last, ok := chat.LastTurn()
	if !ok || last.Text != "Hi" {
		t.Errorf("LastTurn = %+v, want text Hi", last)
	}
	cloneLast, _ := clone.LastTurn()
	if cloneLast.Text != "" {
		t.Errorf("clone shares storage: last text %q", cloneLast.Text)
	}
	if !chat.HasTurn(placeholder.ID) {
		t.Error("HasTurn should find the placeholder")
	}
}

// =============================================================================
// PENDING INPUT TESTS
// =============================================================================

func TestPendingInput_IsEmpty(t *testing.T) {
	tests := []struct {
		name  string
		input PendingInput
		want  bool
	}{
		{"zero", PendingInput{}, true},
		{"whitespace", PendingInput{Text: "  \n"}, true},
		{"text", PendingInput{Text: "hi"}, false},
		{"attachment only", PendingInput{Attachments: []Attachment{BytesAttachment("a.txt", nil)}}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.input.IsEmpty(); got != tc.want {
				t.Errorf("IsEmpty() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFileAttachment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0600); err != nil {
		t.Fatal(err)
	}

	att, err := FileAttachment(path)
	if err != nil {
		t.Fatalf("FileAttachment: %v", err)
	}
	if att.Name != "notes.txt" || att.Size != 5 {
		t.Errorf("attachment = %s/%d, want notes.txt/5", att.Name, att.Size)
	}

	rc, err := att.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" {
		t.Errorf("contents = %q", data)
	}

	if _, err := FileAttachment(dir); err == nil {
		t.Error("FileAttachment on a directory should fail")
	}
	if _, err := FileAttachment(filepath.Join(dir, "missing")); err == nil {
		t.Error("FileAttachment on a missing file should fail")
	}
}

func TestVoiceState_String(t *testing.T) {
	if VoiceIdle.String() != "idle" || VoiceRecording.String() != "recording" || VoiceProcessing.String() != "processing" {
		t.Error("unexpected VoiceState strings")
	}
}
