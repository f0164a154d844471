// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/transcript"
)

// streamPrinter renders transcript changes of the active chat as they
// arrive. Assistant replies are printed incrementally: each change prints
// only what was added since the last one.
type streamPrinter struct {
	store  *transcript.Store
	labels bool

	mu      sync.Mutex
	w       io.Writer
	printed map[int64]string
	open    int64          // turn whose line is still open, or 0
	skip    map[string]int // user turns to leave unprinted, per chat
}

func newStreamPrinter(store *transcript.Store, w io.Writer, labels bool) *streamPrinter {
	return &streamPrinter{
		store:   store,
		labels:  labels,
		w:       w,
		printed: make(map[int64]string),
		skip:    make(map[string]int),
	}
}

// Printf writes a line of REPL output, closing any open reply line first.
func (p *streamPrinter) Printf(format string, a ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLineLocked()
	fmt.Fprintf(p.w, format, a...)
}

// expectUser marks the next user turn of chatID as already shown, because
// the user just typed it.
func (p *streamPrinter) expectUser(chatID string) {
	p.mu.Lock()
	p.skip[chatID]++
	p.mu.Unlock()
}

// cancelExpect undoes expectUser when no turn was written.
func (p *streamPrinter) cancelExpect(chatID string) {
	p.mu.Lock()
	if p.skip[chatID] > 0 {
		p.skip[chatID]--
	}
	p.mu.Unlock()
}

// endLine terminates an open reply line.
func (p *streamPrinter) endLine() {
	p.mu.Lock()
	p.endLineLocked()
	p.mu.Unlock()
}

func (p *streamPrinter) endLineLocked() {
	if p.open != 0 {
		fmt.Fprintln(p.w)
		p.open = 0
	}
}

// OnChange is subscribed to the transcript store.
func (p *streamPrinter) OnChange(c transcript.Change) {
	if c.ChatID != p.store.ActiveID() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	t := c.Turn
	if t.Role == model.RoleUser {
		if p.skip[c.ChatID] > 0 {
			p.skip[c.ChatID]--
			return
		}
		if p.labels {
			p.endLineLocked()
			fmt.Fprintf(p.w, "%s: %s\n", RenderRole(t.Role), t.Text)
		}
		return
	}

	prev := p.printed[t.ID]
	if p.open != t.ID {
		p.endLineLocked()
		if p.labels {
			fmt.Fprintf(p.w, "%s: ", RenderRole(t.Role))
		}
		p.open = t.ID
		prev = ""
	}

	if strings.HasPrefix(t.Text, prev) {
		fmt.Fprint(p.w, t.Text[len(prev):])
	} else {
		// The reply was rewritten, as when a failure replaces it with the
		// error message.
		fmt.Fprintln(p.w)
		fmt.Fprint(p.w, WarningStyle.Render(t.Text))
	}
	p.printed[t.ID] = t.Text
}
