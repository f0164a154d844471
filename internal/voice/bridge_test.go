// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package voice

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/ragchat/internal/exchange"
	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/transcript"
)

// voiceServer is a scripted voice endpoint.
type voiceServer struct {
	*httptest.Server

	replies []string
	// abort drops the connection without a close frame after the marker.
	abort bool

	mu       sync.Mutex
	chatID   string
	audio    bytes.Buffer
	frames   int
	marker   string
	lastAt   time.Time
	markerAt time.Time
}

func newVoiceServer(t *testing.T, replies []string, abort bool) *voiceServer {
	t.Helper()
	vs := &voiceServer{replies: replies, abort: abort}
	upgrader := websocket.Upgrader{}

	vs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		vs.mu.Lock()
		vs.chatID = r.URL.Query().Get("chat_id")
		vs.mu.Unlock()

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			vs.mu.Lock()
			if mt == websocket.BinaryMessage {
				vs.audio.Write(data)
				vs.frames++
				vs.lastAt = time.Now()
				vs.mu.Unlock()
				continue
			}
			vs.marker = string(data)
			vs.markerAt = time.Now()
			vs.mu.Unlock()
			break
		}

		for _, reply := range vs.replies {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
		}
		if vs.abort {
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		// Wait for the client to answer the close.
		conn.SetReadDeadline(time.Now().Add(time.Second))
		conn.ReadMessage()
	}))
	t.Cleanup(vs.Close)
	return vs
}

func (vs *voiceServer) wsURL() string {
	return "ws" + strings.TrimPrefix(vs.URL, "http")
}

func newTestBridge(t *testing.T, url string) (*Bridge, *transcript.Store, string) {
	t.Helper()
	store := transcript.NewStore(zerolog.Nop())
	chat := store.Create("")
	b := NewBridge(store, &Config{
		URL:        url,
		EndDelay:   20 * time.Millisecond,
		FrameBytes: 4,
	})
	return b, store, chat.ID
}

func texts(t *testing.T, store *transcript.Store, chatID string) []string {
	t.Helper()
	turns, err := store.Messages(chatID)
	require.NoError(t, err)
	out := make([]string, len(turns))
	for i, turn := range turns {
		out[i] = turn.Role.String() + ":" + turn.Text
	}
	return out
}

func TestBridge_SendsAudioThenMarker(t *testing.T) {
	vs := newVoiceServer(t, []string{"Hi", " there"}, false)
	b, store, chatID := newTestBridge(t, vs.wsURL())

	audio := []byte("0123456789")
	require.NoError(t, b.SendAudio(context.Background(), chatID, audio))

	vs.mu.Lock()
	defer vs.mu.Unlock()
	assert.Equal(t, chatID, vs.chatID)
	assert.Equal(t, audio, vs.audio.Bytes())
	assert.Equal(t, 3, vs.frames)
	assert.Equal(t, DefaultEndMarker, vs.marker)
	assert.GreaterOrEqual(t, vs.markerAt.Sub(vs.lastAt), 15*time.Millisecond)

	assert.Equal(t, []string{"assistant:Hi there"}, texts(t, store, chatID))
	assert.False(t, b.Busy(chatID))
}

func TestBridge_DoesNotTouchEarlierReply(t *testing.T) {
	vs := newVoiceServer(t, []string{"new answer"}, false)
	b, store, chatID := newTestBridge(t, vs.wsURL())

	require.NoError(t, store.Append(chatID,
		model.NewUserTurn("typed question"),
		model.NewTurn(model.RoleAssistant, "old answer"),
	))

	require.NoError(t, b.SendAudio(context.Background(), chatID, []byte("audio")))

	assert.Equal(t, []string{
		"user:typed question",
		"assistant:old answer",
		"assistant:new answer",
	}, texts(t, store, chatID))
}

func TestBridge_AbortWritesErrorTurn(t *testing.T) {
	vs := newVoiceServer(t, []string{"partial"}, true)
	b, store, chatID := newTestBridge(t, vs.wsURL())

	err := b.SendAudio(context.Background(), chatID, []byte("audio"))
	require.Error(t, err)
	assert.True(t, IsChannel(err))

	assert.Equal(t, []string{"assistant:" + exchange.DefaultErrorMessage}, texts(t, store, chatID))
	assert.False(t, b.Busy(chatID))
}

func TestBridge_DialFailureWritesErrorTurn(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	b, store, chatID := newTestBridge(t, url)
	err := b.SendAudio(context.Background(), chatID, []byte("audio"))

	var ce *ChannelError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "dial", ce.Op)
	assert.Equal(t, []string{"assistant:" + exchange.DefaultErrorMessage}, texts(t, store, chatID))
}

func TestBridge_Validation(t *testing.T) {
	b, _, chatID := newTestBridge(t, DefaultURL)

	assert.ErrorIs(t, b.SendAudio(context.Background(), chatID, nil), ErrNoAudio)
	assert.ErrorIs(t, b.SendAudio(context.Background(), "missing", []byte("a")), transcript.ErrChatNotFound)
}

func TestBridge_SharesRegistryWithEngine(t *testing.T) {
	vs := newVoiceServer(t, []string{"x"}, false)
	store := transcript.NewStore(zerolog.Nop())
	chatID := store.Create("").ID
	registry := exchange.NewRegistry()

	release, err := registry.Acquire(chatID, nil)
	require.NoError(t, err)

	b := NewBridge(store, &Config{URL: vs.wsURL(), Registry: registry, EndDelay: time.Millisecond})
	err = b.SendAudio(context.Background(), chatID, []byte("audio"))
	assert.ErrorIs(t, err, exchange.ErrExchangeInFlight)
	assert.Empty(t, texts(t, store, chatID))

	release()
	require.NoError(t, b.SendAudio(context.Background(), chatID, []byte("audio")))
}

func TestBridge_CancelKeepsPartialReply(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("thinking"))
		// Never close; the client has to give up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	b, store, chatID := newTestBridge(t, "ws"+strings.TrimPrefix(srv.URL, "http"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.SendAudio(ctx, chatID, []byte("audio")) }()

	require.Eventually(t, func() bool {
		last, ok, _ := store.Last(chatID)
		return ok && last.Text == "thinking"
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("SendAudio did not return after cancel")
	}
	assert.Equal(t, []string{"assistant:thinking"}, texts(t, store, chatID))
}
