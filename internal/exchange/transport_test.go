// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package exchange

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/ragchat/internal/model"
)

func collect(t *testing.T, fs FragmentStream) (string, error) {
	t.Helper()
	var sb strings.Builder
	for {
		frag, err := fs.Next()
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(frag)
	}
}

func TestHTTPTransport_SendsMultipartForm(t *testing.T) {
	type received struct {
		chatID, message string
		files           map[string]string
	}
	got := make(chan received, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		rec := received{
			chatID:  r.FormValue("chat_id"),
			message: r.FormValue("message"),
			files:   map[string]string{},
		}
		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			require.NoError(t, err)
			data, _ := io.ReadAll(f)
			f.Close()
			rec.files[fh.Filename] = string(data)
		}
		got <- rec
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	tr := NewHTTPTransport(&TransportConfig{URL: srv.URL})
	fs, err := tr.Send(context.Background(), Payload{
		ChatID:  "chat-1",
		Message: "summarize these",
		Attachments: []model.Attachment{
			model.BytesAttachment("a.txt", []byte("alpha")),
			model.BytesAttachment("b.md", []byte("# beta")),
		},
	})
	require.NoError(t, err)
	defer fs.Close()

	text, err := collect(t, fs)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)

	rec := <-got
	assert.Equal(t, "chat-1", rec.chatID)
	assert.Equal(t, "summarize these", rec.message)
	assert.Equal(t, map[string]string{"a.txt": "alpha", "b.md": "# beta"}, rec.files)
}

func TestHTTPTransport_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(&TransportConfig{URL: srv.URL})
	_, err := tr.Send(context.Background(), Payload{ChatID: "c", Message: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatus)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Contains(t, te.Error(), "index not loaded")
}

func TestHTTPTransport_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransport(&TransportConfig{URL: url})
	_, err := tr.Send(context.Background(), Payload{ChatID: "c", Message: "hello"})
	assert.ErrorIs(t, err, ErrConnection)
}

func TestHTTPTransport_RuneSplitAcrossChunks(t *testing.T) {
	word := []byte("café ☕!")
	// Split inside the two-byte é and inside the three-byte ☕.
	cuts := [][]byte{word[:4], word[4:7], word[7:8], word[8:]}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, c := range cuts {
			w.Write(c)
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(&TransportConfig{URL: srv.URL, ReadBuffer: 2})
	fs, err := tr.Send(context.Background(), Payload{ChatID: "c", Message: "coffee?"})
	require.NoError(t, err)
	defer fs.Close()

	var frags []string
	for {
		frag, err := fs.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		frags = append(frags, frag)
	}

	assert.Equal(t, "café ☕!", strings.Join(frags, ""))
	for _, f := range frags {
		assert.NotContains(t, f, "�", "no fragment may carry a mangled rune")
	}
}

func TestEngine_OverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, part := range []string{"Hi", " there"} {
			io.WriteString(w, part)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	engine, store, chatID := newTestEngine(t, &EngineConfig{
		Transport: NewHTTPTransport(&TransportConfig{URL: srv.URL}),
	})

	sess, err := engine.Open(context.Background(), Request{ChatID: chatID, Text: "hello"})
	require.NoError(t, err)
	require.NoError(t, waitDone(t, sess))

	turns, err := store.Messages(chatID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:hello", "assistant:Hi there"}, roles(turns))
}

func TestEngine_OverHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	engine, store, chatID := newTestEngine(t, &EngineConfig{
		Transport: NewHTTPTransport(&TransportConfig{URL: srv.URL}),
	})

	sess, err := engine.Open(context.Background(), Request{ChatID: chatID, Text: "hello"})
	require.NoError(t, err)
	assert.ErrorIs(t, waitDone(t, sess), ErrStatus)

	turns, _ := store.Messages(chatID)
	assert.Equal(t, []string{"user:hello", "assistant:Sorry, there was an error processing your request."}, roles(turns))
}
