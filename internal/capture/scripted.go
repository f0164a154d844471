// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package capture

import (
	"context"
	"sync"
)

// Scripted is a Provider that replays a fixed list of events. It is meant for
// tests and demos.
//
// With Hold set, the event channel stays open after the script has been
// delivered, the way a live microphone keeps recording until told to stop.
type Scripted struct {
	Events []Event
	Hold   bool
	Err    error

	mu       sync.Mutex
	held     bool
	acquired int
	released int
}

// Acquire implements Provider.
func (p *Scripted) Acquire(ctx context.Context) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	if p.held {
		return nil, ErrCaptureBusy
	}
	p.held = true
	p.acquired++

	s := &scriptedStream{
		events: make(chan Event),
		done:   make(chan struct{}),
		owner:  p,
	}
	go s.run(ctx, append([]Event(nil), p.Events...), p.Hold)
	return s, nil
}

// Held reports whether a handle is currently out.
func (p *Scripted) Held() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}

// Counts returns how many handles were acquired and released.
func (p *Scripted) Counts() (acquired, released int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, p.released
}

type scriptedStream struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
	owner  *Scripted
}

func (s *scriptedStream) Events() <-chan Event { return s.events }

func (s *scriptedStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.owner.mu.Lock()
		s.owner.held = false
		s.owner.released++
		s.owner.mu.Unlock()
	})
	return nil
}

func (s *scriptedStream) run(ctx context.Context, events []Event, hold bool) {
	defer close(s.events)
	for _, ev := range events {
		select {
		case s.events <- ev:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
	if hold {
		select {
		case <-s.done:
		case <-ctx.Done():
		}
	}
}
