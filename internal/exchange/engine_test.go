// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package exchange

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/transcript"
)

// =============================================================================
// FAKES
// =============================================================================

type item struct {
	text string
	err  error
}

// fakeStream yields whatever is pushed into items and ends when it is closed.
type fakeStream struct {
	ctx    context.Context
	items  chan item
	closed chan struct{}
	once   sync.Once
}

func (s *fakeStream) Next() (string, error) {
	select {
	case it, ok := <-s.items:
		if !ok {
			return "", io.EOF
		}
		return it.text, it.err
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeTransport struct {
	mu       sync.Mutex
	sendErr  error
	items    chan item
	payloads []Payload
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{items: make(chan item, 64)}
}

func (f *fakeTransport) Send(ctx context.Context, p Payload) (FragmentStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &fakeStream{ctx: ctx, items: f.items, closed: make(chan struct{})}, nil
}

func (f *fakeTransport) push(fragments ...string) {
	for _, frag := range fragments {
		f.items <- item{text: frag}
	}
}

type recordingPlayback struct {
	spoken chan string
	err    error
}

func (p *recordingPlayback) Speak(_ context.Context, text string) error {
	p.spoken <- text
	return p.err
}

func (p *recordingPlayback) Cancel() {}

// =============================================================================
// HELPERS
// =============================================================================

func newTestEngine(t *testing.T, config *EngineConfig) (*Engine, *transcript.Store, string) {
	t.Helper()
	store := transcript.NewStore(zerolog.Nop())
	chat := store.Create("")
	engine := NewEngine(store, config)
	t.Cleanup(engine.Close)
	return engine, store, chat.ID
}

func lastText(t *testing.T, store *transcript.Store, chatID string) string {
	t.Helper()
	last, ok, err := store.Last(chatID)
	require.NoError(t, err)
	require.True(t, ok)
	return last.Text
}

func waitDone(t *testing.T, s *Session) error {
	t.Helper()
	select {
	case <-s.Done():
		return s.Err()
	case <-time.After(5 * time.Second):
		t.Fatal("exchange did not finish")
		return nil
	}
}

func roles(turns []model.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Role.String() + ":" + t.Text
	}
	return out
}

// =============================================================================
// TESTS
// =============================================================================

func TestEngine_StreamsFragmentsIntoPlaceholder(t *testing.T) {
	ft := newFakeTransport()
	engine, store, chatID := newTestEngine(t, &EngineConfig{Transport: ft})

	sess, err := engine.Open(context.Background(), Request{ChatID: chatID, Text: "hello"})
	require.NoError(t, err)

	turns, err := store.Messages(chatID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:hello", "assistant:"}, roles(turns))
	assert.Equal(t, turns[1].ID, sess.TargetTurnID())
	assert.True(t, engine.Busy(chatID))

	ft.push("Hi")
	require.Eventually(t, func() bool { return lastText(t, store, chatID) == "Hi" }, time.Second, 5*time.Millisecond)

	ft.push(" there")
	require.Eventually(t, func() bool { return lastText(t, store, chatID) == "Hi there" }, time.Second, 5*time.Millisecond)

	close(ft.items)
	require.NoError(t, waitDone(t, sess))

	turns, err = store.Messages(chatID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:hello", "assistant:Hi there"}, roles(turns))
	assert.Equal(t, "Hi there", sess.Text())
	assert.False(t, engine.Busy(chatID))

	require.Len(t, ft.payloads, 1)
	assert.Equal(t, chatID, ft.payloads[0].ChatID)
	assert.Equal(t, "hello", ft.payloads[0].Message)
}

func TestEngine_FinalTextIndependentOfChunking(t *testing.T) {
	const reply = "Retrieval augmented generation → grounded answers, ünïcödé and 🦊 included."

	for _, size := range []int{1, 2, 3, 5, 8, 13, len(reply)} {
		ft := newFakeTransport()
		ft.items = make(chan item, len(reply)+1)
		engine, store, chatID := newTestEngine(t, &EngineConfig{Transport: ft})

		sess, err := engine.Open(context.Background(), Request{ChatID: chatID, Text: "q"})
		require.NoError(t, err)

		for i := 0; i < len(reply); i += size {
			end := i + size
			if end > len(reply) {
				end = len(reply)
			}
			ft.push(reply[i:end])
		}
		close(ft.items)

		require.NoError(t, waitDone(t, sess))
		assert.Equal(t, reply, lastText(t, store, chatID), "chunk size %d", size)
	}
}

func TestEngine_SendFailureWritesErrorMessage(t *testing.T) {
	ft := newFakeTransport()
	ft.sendErr = &TransportError{Type: ErrTypeStatus, Message: "submit request failed", StatusCode: 502}
	engine, store, chatID := newTestEngine(t, &EngineConfig{Transport: ft})

	sess, err := engine.Open(context.Background(), Request{ChatID: chatID, Text: "hello"})
	require.NoError(t, err)

	err = waitDone(t, sess)
	assert.ErrorIs(t, err, ErrStatus)

	turns, _ := store.Messages(chatID)
	assert.Equal(t, []string{"user:hello", "assistant:" + DefaultErrorMessage}, roles(turns))
	assert.False(t, engine.Busy(chatID))
}

func TestEngine_MidStreamErrorOverwrites(t *testing.T) {
	ft := newFakeTransport()
	engine, store, chatID := newTestEngine(t, &EngineConfig{Transport: ft, ErrorMessage: "oops"})

	sess, err := engine.Open(context.Background(), Request{ChatID: chatID, Text: "hello"})
	require.NoError(t, err)

	ft.push("partial answ")
	ft.items <- item{err: errors.New("connection reset")}

	err = waitDone(t, sess)
	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, ErrStream)
	assert.Equal(t, "oops", lastText(t, store, chatID))
}

func TestEngine_ErrorBeforeAnyFragment(t *testing.T) {
	ft := newFakeTransport()
	engine, store, chatID := newTestEngine(t, &EngineConfig{Transport: ft})

	sess, err := engine.Open(context.Background(), Request{ChatID: chatID, Text: "hello"})
	require.NoError(t, err)
	ft.items <- item{err: errors.New("boom")}

	require.Error(t, waitDone(t, sess))
	turns, _ := store.Messages(chatID)
	require.Len(t, turns, 2)
	assert.Equal(t, DefaultErrorMessage, turns[1].Text)
}

func TestEngine_EmptyReplyIsNotAnError(t *testing.T) {
	ft := newFakeTransport()
	engine, store, chatID := newTestEngine(t, &EngineConfig{Transport: ft})

	sess, err := engine.Open(context.Background(), Request{ChatID: chatID, Text: "hello"})
	require.NoError(t, err)
	close(ft.items)

	require.NoError(t, waitDone(t, sess))
	assert.Equal(t, "", lastText(t, store, chatID))
}

func TestEngine_SecondOpenRejected(t *testing.T) {
	ft := newFakeTransport()
	engine, store, chatID := newTestEngine(t, &EngineConfig{Transport: ft})

	sess, err := engine.Open(context.Background(), Request{ChatID: chatID, Text: "first"})
	require.NoError(t, err)

	_, err = engine.Open(context.Background(), Request{ChatID: chatID, Text: "second"})
	assert.ErrorIs(t, err, ErrExchangeInFlight)

	turns, _ := store.Messages(chatID)
	assert.Len(t, turns, 2, "no duplicate placeholder")

	close(ft.items)
	require.NoError(t, waitDone(t, sess))

	// The slot is free again once the first exchange is terminal.
	ft2 := newFakeTransport()
	engine.config.Transport = ft2
	sess2, err := engine.Open(context.Background(), Request{ChatID: chatID, Text: "third"})
	require.NoError(t, err)
	close(ft2.items)
	require.NoError(t, waitDone(t, sess2))
}

func TestEngine_OpenValidation(t *testing.T) {
	engine, _, _ := newTestEngine(t, &EngineConfig{Transport: newFakeTransport()})

	_, err := engine.Open(context.Background(), Request{ChatID: "missing", Text: "hi"})
	assert.ErrorIs(t, err, transcript.ErrChatNotFound)

	_, err = engine.Open(context.Background(), Request{ChatID: "missing", Text: "  "})
	assert.ErrorIs(t, err, ErrEmptyRequest)
}

func TestEngine_AttachmentOnlyRequest(t *testing.T) {
	ft := newFakeTransport()
	engine, _, chatID := newTestEngine(t, &EngineConfig{Transport: ft})

	sess, err := engine.Open(context.Background(), Request{
		ChatID:      chatID,
		Attachments: []model.Attachment{model.BytesAttachment("notes.txt", []byte("x"))},
	})
	require.NoError(t, err)
	close(ft.items)
	require.NoError(t, waitDone(t, sess))

	require.Len(t, ft.payloads, 1)
	require.Len(t, ft.payloads[0].Attachments, 1)
	assert.Equal(t, "notes.txt", ft.payloads[0].Attachments[0].Name)
}

func TestEngine_SpeaksFinishedReply(t *testing.T) {
	ft := newFakeTransport()
	pb := &recordingPlayback{spoken: make(chan string, 1), err: errors.New("no speaker")}
	engine, _, chatID := newTestEngine(t, &EngineConfig{Transport: ft, Playback: pb})

	sess, err := engine.Open(context.Background(), Request{ChatID: chatID, Text: "hi", Speak: true})
	require.NoError(t, err)
	ft.push("Hello", " world")
	close(ft.items)

	// A playback failure never turns into an exchange error.
	require.NoError(t, waitDone(t, sess))

	select {
	case text := <-pb.spoken:
		assert.Equal(t, "Hello world", text)
	case <-time.After(time.Second):
		t.Fatal("reply was not spoken")
	}
}

func TestEngine_DoesNotSpeakEmptyReply(t *testing.T) {
	ft := newFakeTransport()
	pb := &recordingPlayback{spoken: make(chan string, 1)}
	engine, _, chatID := newTestEngine(t, &EngineConfig{Transport: ft, Playback: pb})

	sess, err := engine.Open(context.Background(), Request{ChatID: chatID, Text: "hi", Speak: true})
	require.NoError(t, err)
	close(ft.items)
	require.NoError(t, waitDone(t, sess))

	select {
	case text := <-pb.spoken:
		t.Fatalf("unexpected playback of %q", text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngine_TimeoutIsTransportError(t *testing.T) {
	ft := newFakeTransport()
	engine, store, chatID := newTestEngine(t, &EngineConfig{Transport: ft, Timeout: 30 * time.Millisecond})

	sess, err := engine.Open(context.Background(), Request{ChatID: chatID, Text: "hello"})
	require.NoError(t, err)
	ft.push("slow")

	err = waitDone(t, sess)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, DefaultErrorMessage, lastText(t, store, chatID))
}

func TestEngine_CloseKeepsPartialText(t *testing.T) {
	ft := newFakeTransport()
	store := transcript.NewStore(zerolog.Nop())
	chatID := store.Create("").ID
	engine := NewEngine(store, &EngineConfig{Transport: ft})

	sess, err := engine.Open(context.Background(), Request{ChatID: chatID, Text: "hello"})
	require.NoError(t, err)
	ft.push("half an ans")
	require.Eventually(t, func() bool { return lastText(t, store, chatID) == "half an ans" }, time.Second, 5*time.Millisecond)

	engine.Close()

	assert.True(t, sess.Terminal())
	assert.ErrorIs(t, sess.Err(), context.Canceled)
	assert.Equal(t, "half an ans", lastText(t, store, chatID))

	_, err = engine.Open(context.Background(), Request{ChatID: chatID, Text: "again"})
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngine_ChatsAreIndependent(t *testing.T) {
	store := transcript.NewStore(zerolog.Nop())
	a := store.Create("a").ID
	b := store.Create("b").ID

	ft := newFakeTransport()
	engine := NewEngine(store, &EngineConfig{Transport: ft})
	defer engine.Close()

	sa, err := engine.Open(context.Background(), Request{ChatID: a, Text: "one"})
	require.NoError(t, err)
	sb, err := engine.Open(context.Background(), Request{ChatID: b, Text: "two"})
	require.NoError(t, err, "a busy chat does not block another chat")

	close(ft.items)
	require.NoError(t, waitDone(t, sa))
	require.NoError(t, waitDone(t, sb))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	cancelled := false

	release, err := r.Acquire("c1", func() { cancelled = true })
	require.NoError(t, err)
	assert.True(t, r.Busy("c1"))

	_, err = r.Acquire("c1", nil)
	assert.ErrorIs(t, err, ErrExchangeInFlight)

	r.Cancel("c1")
	assert.True(t, cancelled)
	assert.True(t, r.Busy("c1"), "cancel does not free the slot")

	release()
	release()
	assert.False(t, r.Busy("c1"))

	r.CancelAll()
	_, err = r.Acquire("c2", nil)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestTransportError(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := &TransportError{Type: ErrTypeConnection, Message: "failed to reach submit endpoint", Cause: cause}

	assert.ErrorIs(t, err, ErrConnection)
	assert.NotErrorIs(t, err, ErrStatus)
	assert.ErrorIs(t, err, cause)
	assert.True(t, strings.Contains(err.Error(), "refused"))

	status := &TransportError{Type: ErrTypeStatus, Message: "submit request failed", StatusCode: 500}
	assert.Contains(t, status.Error(), "status 500")
	assert.Equal(t, "status", ErrTypeStatus.String())
}

func TestEngine_SlotFreeOnceDone(t *testing.T) {
	t.Run("send failure", func(t *testing.T) {
		ft := newFakeTransport()
		ft.sendErr = &TransportError{Type: ErrTypeConnection, Message: "refused"}
		engine, _, chatID := newTestEngine(t, &EngineConfig{Transport: ft})

		for i := 0; i < 500; i++ {
			sess, err := engine.Open(context.Background(), Request{ChatID: chatID, Text: "again"})
			require.NoError(t, err, "open %d", i)
			require.Error(t, waitDone(t, sess))
			require.False(t, engine.Busy(chatID), "open %d", i)
		}
	})

	t.Run("completed stream", func(t *testing.T) {
		ft := newFakeTransport()
		engine, _, chatID := newTestEngine(t, &EngineConfig{Transport: ft})

		for i := 0; i < 200; i++ {
			sess, err := engine.Open(context.Background(), Request{ChatID: chatID, Text: "again"})
			require.NoError(t, err, "open %d", i)
			ft.items <- item{text: "ok"}
			ft.items <- item{err: io.EOF}
			require.NoError(t, waitDone(t, sess))
			require.False(t, engine.Busy(chatID), "open %d", i)
		}
	})
}
