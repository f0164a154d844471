// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transcript holds every open chat session and the turns inside it.
package transcript

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jeranaias/ragchat/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrChatNotFound is returned for an unknown chat id.
	ErrChatNotFound = errors.New("chat not found")

	// ErrDuplicateTurn is returned when a turn id already exists in the chat.
	ErrDuplicateTurn = errors.New("duplicate turn id")

	// ErrActiveChatEmpty is returned by NewChat while the active chat has no
	// turns yet.
	ErrActiveChatEmpty = errors.New("active chat is still empty")
)

// =============================================================================
// CHANGE NOTIFICATIONS
// =============================================================================

// ChangeKind describes what a write did to a chat.
type ChangeKind int

const (
	TurnAppended ChangeKind = iota
	TurnReplaced
)

// Change is delivered to subscribers after every completed write.
type Change struct {
	ChatID string
	Kind   ChangeKind
	Turn   model.Turn
}

// =============================================================================
// STORE
// =============================================================================

// chatEntry guards one chat. mu protects the chat itself; notifyMu keeps
// change callbacks for the chat in write order without holding mu.
type chatEntry struct {
	mu       sync.Mutex
	notifyMu sync.Mutex
	chat     *model.ChatSession
}

// Store is the in-memory transcript of every chat session.
//
// Each chat has its own lock, so writes to different chats never contend.
// The registry lock is only taken to look chats up or change the chat list.
//
// Subscribers must not write to the store from inside a callback.
type Store struct {
	mu     sync.RWMutex
	chats  map[string]*chatEntry
	order  []string // newest first
	active string

	subMu   sync.RWMutex
	subs    map[int]func(Change)
	nextSub int

	log zerolog.Logger
}

// NewStore creates an empty store.
func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		chats: make(map[string]*chatEntry),
		subs:  make(map[int]func(Change)),
		log:   logger.With().Str("component", "transcript").Logger(),
	}
}

// =============================================================================
// SESSION REGISTRY
// =============================================================================

// Create registers a new chat at the top of the list and returns a snapshot.
// The first chat created becomes the active one.
func (s *Store) Create(title string) *model.ChatSession {
	chat := model.NewChatSession(title)

	s.mu.Lock()
	s.chats[chat.ID] = &chatEntry{chat: chat}
	s.order = append([]string{chat.ID}, s.order...)
	if s.active == "" {
		s.active = chat.ID
	}
	s.mu.Unlock()

	s.log.Debug().Str("chat_id", chat.ID).Msg("chat created")
	return chat.Clone()
}

// NewChat creates a chat and makes it active. It refuses while the active
// chat has no turns, so there is never more than one blank chat in play.
func (s *Store) NewChat() (*model.ChatSession, error) {
	s.mu.Lock()
	if e, ok := s.chats[s.active]; ok {
		e.mu.Lock()
		empty := len(e.chat.Messages) == 0
		e.mu.Unlock()
		if empty {
			s.mu.Unlock()
			return nil, ErrActiveChatEmpty
		}
	}

	chat := model.NewChatSession("")
	s.chats[chat.ID] = &chatEntry{chat: chat}
	s.order = append([]string{chat.ID}, s.order...)
	s.active = chat.ID
	snapshot := chat.Clone()
	s.mu.Unlock()

	s.log.Debug().Str("chat_id", chat.ID).Msg("chat created")
	return snapshot, nil
}

// Get returns a snapshot of a chat.
func (s *Store) Get(chatID string) (*model.ChatSession, error) {
	e, err := s.entry(chatID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chat.Clone(), nil
}

// List returns metadata for every chat, newest first.
func (s *Store) List() []model.Meta {
	s.mu.RLock()
	entries := make([]*chatEntry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.chats[id])
	}
	s.mu.RUnlock()

	metas := make([]model.Meta, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		metas = append(metas, e.chat.GetMeta())
		e.mu.Unlock()
	}
	return metas
}

// SetActive selects the chat the user is looking at.
func (s *Store) SetActive(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	s.active = chatID
	return nil
}

// ActiveID returns the id of the active chat, or "" when there is none.
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Active returns a snapshot of the active chat.
func (s *Store) Active() (*model.ChatSession, error) {
	id := s.ActiveID()
	if id == "" {
		return nil, ErrChatNotFound
	}
	return s.Get(id)
}

// Len returns the number of chats.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// =============================================================================
// TURN OPERATIONS
// =============================================================================

// Append adds turns to the end of a chat in one atomic step. Turns with a
// zero id get a fresh one. No two turns in a chat may share an id.
func (s *Store) Append(chatID string, turns ...model.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	e, err := s.entry(chatID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	batch := make(map[int64]bool, len(turns))
	for i := range turns {
		if turns[i].ID == 0 {
			turns[i].ID = model.NextTurnID()
		}
		if batch[turns[i].ID] || e.chat.HasTurn(turns[i].ID) {
			e.mu.Unlock()
			return fmt.Errorf("%w: %d", ErrDuplicateTurn, turns[i].ID)
		}
		batch[turns[i].ID] = true
	}
	e.chat.Push(turns...)
	e.notifyMu.Lock()
	e.mu.Unlock()

	for _, t := range turns {
		s.publish(Change{ChatID: chatID, Kind: TurnAppended, Turn: t})
	}
	e.notifyMu.Unlock()
	return nil
}

// ReplaceLast is the compare-and-update primitive used for fragment merging.
//
// If the last turn satisfies predicate it is replaced by mutator(&last),
// keeping its id. Otherwise mutator(nil) is appended as a new turn. Every
// turn before the last is left alone. The resulting turn is returned.
func (s *Store) ReplaceLast(chatID string, predicate func(model.Turn) bool, mutator func(last *model.Turn) model.Turn) (model.Turn, error) {
	e, err := s.entry(chatID)
	if err != nil {
		return model.Turn{}, err
	}

	e.mu.Lock()
	var change Change
	last, ok := e.chat.LastTurn()
	if ok && predicate(last) {
		next := mutator(&last)
		next.ID = last.ID
		e.chat.SetLast(next)
		change = Change{ChatID: chatID, Kind: TurnReplaced, Turn: next}
	} else {
		next := mutator(nil)
		if next.ID == 0 {
			next.ID = model.NextTurnID()
		}
		if e.chat.HasTurn(next.ID) {
			e.mu.Unlock()
			return model.Turn{}, fmt.Errorf("%w: %d", ErrDuplicateTurn, next.ID)
		}
		e.chat.Push(next)
		change = Change{ChatID: chatID, Kind: TurnAppended, Turn: next}
	}
	e.notifyMu.Lock()
	e.mu.Unlock()

	s.publish(change)
	e.notifyMu.Unlock()
	return change.Turn, nil
}

// Messages returns a copy of the turns of a chat.
func (s *Store) Messages(chatID string) ([]model.Turn, error) {
	e, err := s.entry(chatID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Turn, len(e.chat.Messages))
	copy(out, e.chat.Messages)
	return out, nil
}

// Last returns the most recent turn of a chat.
func (s *Store) Last(chatID string) (model.Turn, bool, error) {
	e, err := s.entry(chatID)
	if err != nil {
		return model.Turn{}, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.chat.LastTurn()
	return t, ok, nil
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe registers fn for every completed write. The returned function
// removes the subscription.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) publish(c Change) {
	s.subMu.RLock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) entry(chatID string) (*chatEntry, error) {
	s.mu.RLock()
	e, ok := s.chats[chatID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	return e, nil
}
