// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

const (
	DefaultAddr          = "127.0.0.1:8000"
	DefaultFlushOn       = ".!? "
	DefaultEndMarker     = "__END__"
	DefaultHistoryWindow = 3
	DefaultMaxUpload     = 32 << 20
	DefaultMaxAudio      = 16 << 20
)

// Config holds configuration for a Server.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8000)
	Addr string

	// FlushOn lists the characters after which a streamed reply is flushed.
	FlushOn string

	// EndMarker is the text frame that ends a voice utterance.
	EndMarker string

	// HistoryWindow is how many exchanges per chat are passed back to the
	// responder (default: 3)
	HistoryWindow int

	// Responder writes the replies (default: EchoResponder)
	Responder Responder

	// MaxUpload bounds a /chat request body; MaxAudio one voice utterance.
	MaxUpload int64
	MaxAudio  int64

	CORS        *CORSConfig
	RateLimiter *RateLimiter
	Logger      *zerolog.Logger
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:          DefaultAddr,
		FlushOn:       DefaultFlushOn,
		EndMarker:     DefaultEndMarker,
		HistoryWindow: DefaultHistoryWindow,
		Responder:     &EchoResponder{},
		MaxUpload:     DefaultMaxUpload,
		MaxAudio:      DefaultMaxAudio,
		CORS:          DefaultCORSConfig(),
	}
}

// ============================================================================
// SERVER
// ============================================================================

// Server is a development back end speaking the chat client's wire
// contract: multipart submissions answered with a streamed text body, and a
// WebSocket voice channel answered with text frames.
type Server struct {
	config   *Config
	router   *mux.Router
	handler  http.Handler
	history  *History
	upgrader websocket.Upgrader
	log      zerolog.Logger
	started  time.Time

	mu     sync.Mutex
	server *http.Server
}

// New creates a server. A nil config uses DefaultConfig.
func New(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	// Fill in defaults for any zero values
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}
	if config.FlushOn == "" {
		config.FlushOn = DefaultFlushOn
	}
	if config.EndMarker == "" {
		config.EndMarker = DefaultEndMarker
	}
	if config.HistoryWindow == 0 {
		config.HistoryWindow = DefaultHistoryWindow
	}
	if config.Responder == nil {
		config.Responder = &EchoResponder{}
	}
	if config.MaxUpload <= 0 {
		config.MaxUpload = DefaultMaxUpload
	}
	if config.MaxAudio <= 0 {
		config.MaxAudio = DefaultMaxAudio
	}
	if config.CORS == nil {
		config.CORS = DefaultCORSConfig()
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	s := &Server{
		config:  config,
		router:  mux.NewRouter(),
		history: NewHistory(config.HistoryWindow),
		log:     logger.With().Str("component", "server").Logger(),
		started: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || config.CORS.allowedOrigin(origin) != ""
		},
	}

	s.setupRoutes()

	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(s.log),
		LoggingMiddleware(s.log),
		CORSMiddleware(config.CORS),
	}
	if config.RateLimiter != nil {
		middlewares = append(middlewares, RateLimitMiddleware(config.RateLimiter, s.log))
	}
	s.handler = Chain(middlewares...)(s.router)
	return s
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	s.router.HandleFunc("/voice", s.handleVoice).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the server's HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// History returns the per-chat exchange history.
func (s *Server) History() *History {
	return s.history
}

// ============================================================================
// CHAT ENDPOINT
// ============================================================================

// MaxFileText bounds how much of each uploaded text file reaches a responder.
const MaxFileText = 8 << 10

// handleChat answers a multipart submission (chat_id, message, files) with a
// text/plain body streamed in word and sentence sized pieces. A responder
// failure before anything was written is a 502; after that the connection
// is dropped so the client sees a broken stream.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUpload)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	chatID := strings.TrimSpace(r.FormValue("chat_id"))
	if chatID == "" {
		s.writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	message := r.FormValue("message")

	var files []FileInfo
	for _, fh := range r.MultipartForm.File["files"] {
		files = append(files, FileInfo{
			Name: fh.Filename,
			Size: fh.Size,
			Text: leadingText(fh, MaxFileText),
		})
	}
	if strings.TrimSpace(message) == "" && len(files) == 0 {
		s.writeError(w, http.StatusBadRequest, "message or files required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	logger := s.log.With().Str("chat_id", chatID).Str("responder", s.config.Responder.Name()).Logger()
	logger.Debug().Int("files", len(files)).Msg("chat request")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	wrote := false
	buf := newBoundaryBuffer(s.config.FlushOn, func(chunk string) error {
		if _, err := io.WriteString(w, chunk); err != nil {
			return err
		}
		flusher.Flush()
		wrote = true
		return nil
	})

	reply, err := s.respond(r.Context(), Prompt{
		ChatID:  chatID,
		Message: message,
		Files:   files,
		History: s.history.Recent(chatID),
	}, buf)
	if err != nil {
		logger.Warn().Err(err).Bool("partial", wrote).Msg("reply failed")
		if !wrote {
			s.writeError(w, http.StatusBadGateway, "responder failed: "+err.Error())
			return
		}
		panic(http.ErrAbortHandler)
	}

	s.history.Record(chatID, Exchange{User: message, Assistant: reply})
	logger.Debug().Int("bytes", len(reply)).Msg("chat reply done")
}

// respond runs the responder through buf and returns the full reply.
func (s *Server) respond(ctx context.Context, p Prompt, buf *boundaryBuffer) (string, error) {
	var reply strings.Builder
	err := s.config.Responder.Respond(ctx, p, func(delta string) error {
		reply.WriteString(delta)
		return buf.Write(delta)
	})
	if err == nil {
		err = buf.Flush()
	}
	return reply.String(), err
}

// ============================================================================
// VOICE ENDPOINT
// ============================================================================

// handleVoice collects binary audio frames until the end marker arrives,
// answers with text frames and closes the channel normally. A responder
// failure closes it with an internal-error code instead.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	chatID := strings.TrimSpace(r.URL.Query().Get("chat_id"))
	if chatID == "" {
		s.writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.config.MaxAudio)

	logger := s.log.With().Str("chat_id", chatID).Logger()

	var audio bytes.Buffer
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("voice channel read failed")
			}
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			audio.Write(data)
		case websocket.TextMessage:
			if string(data) != s.config.EndMarker {
				logger.Debug().Str("frame", string(data)).Msg("ignoring text frame")
				continue
			}
			s.answerVoice(r.Context(), conn, chatID, audio.Bytes(), logger)
			return
		}
	}
}

func (s *Server) answerVoice(ctx context.Context, conn *websocket.Conn, chatID string, audio []byte, logger zerolog.Logger) {
	message := transcribe(audio)
	logger.Debug().Int("audio_bytes", len(audio)).Str("transcript", message).Msg("utterance received")

	buf := newBoundaryBuffer(s.config.FlushOn, func(chunk string) error {
		return conn.WriteMessage(websocket.TextMessage, []byte(chunk))
	})
	reply, err := s.respond(ctx, Prompt{
		ChatID:  chatID,
		Message: message,
		History: s.history.Recent(chatID),
	}, buf)

	deadline := time.Now().Add(time.Second)
	if err != nil {
		logger.Warn().Err(err).Msg("voice reply failed")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "reply failed"), deadline)
		return
	}

	s.history.Record(chatID, Exchange{User: message, Assistant: reply})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

// transcribe stands in for speech recognition: a payload that is printable
// UTF-8 text is taken as its own transcript, anything else is described by
// size.
func transcribe(audio []byte) string {
	if len(audio) > 0 && utf8.Valid(audio) {
		text := strings.TrimSpace(string(audio))
		printable := text != ""
		for _, r := range text {
			if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
				printable = false
				break
			}
		}
		if printable {
			return text
		}
	}
	return fmt.Sprintf("[%d bytes of audio]", len(audio))
}

// ============================================================================
// HEALTH ENDPOINT
// ============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Responder string `json:"responder"`
	Chats     int    `json:"chats"`
	Uptime    string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Responder: s.config.Responder.Name(),
		Chats:     s.history.Chats(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// ListenAndServe serves until Shutdown is called. It returns nil after a
// clean shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("responder", s.config.Responder.Name()).
		Int("history_window", s.config.HistoryWindow).
		Msg("server started")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.log.Info().Msg("server shutting down")
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"code":    status,
		},
	})
}

// leadingText returns up to limit bytes from the start of an uploaded file
// when it is UTF-8 text. Binary files and unreadable parts yield "".
func leadingText(fh *multipart.FileHeader, limit int) string {
	f, err := fh.Open()
	if err != nil {
		return ""
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(limit)))
	if err != nil || bytes.IndexByte(data, 0) >= 0 {
		return ""
	}
	// The limit may split the final rune.
	for cut := 0; cut < utf8.UTFMax && len(data) > 0 && !utf8.Valid(data); cut++ {
		data = data[:len(data)-1]
	}
	if !utf8.Valid(data) {
		return ""
	}
	return string(data)
}
