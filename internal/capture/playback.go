// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package capture

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// ErrNoPlaybackCommand is returned by NewCommandPlayback for an empty command.
var ErrNoPlaybackCommand = errors.New("playback command is empty")

// CommandPlayback speaks text by piping it into an external text-to-speech
// program such as "espeak" or "say". Only one utterance runs at a time; a new
// Speak interrupts the previous one.
type CommandPlayback struct {
	name string
	args []string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewCommandPlayback parses a command line like "espeak -s 160".
func NewCommandPlayback(command string) (*CommandPlayback, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, ErrNoPlaybackCommand
	}
	return &CommandPlayback{name: fields[0], args: fields[1:]}, nil
}

// Speak runs the command with text on stdin and waits for it to finish.
func (p *CommandPlayback) Speak(ctx context.Context, text string) error {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	cmd := exec.CommandContext(ctx, p.name, p.args...)
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("playback %s: %w: %s", p.name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Cancel stops the utterance in progress, if any.
func (p *CommandPlayback) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}
