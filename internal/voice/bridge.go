// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package voice

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jeranaias/ragchat/internal/capture"
	"github.com/jeranaias/ragchat/internal/exchange"
	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/transcript"
)

// =============================================================================
// ERRORS
// =============================================================================

// ChannelError is a failure of the voice channel.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return "voice channel " + e.Op + ": " + e.Err.Error()
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// IsChannel reports whether err is a ChannelError.
func IsChannel(err error) bool {
	var ce *ChannelError
	return errors.As(err, &ce)
}

// ErrNoAudio is returned by SendAudio for an empty payload.
var ErrNoAudio = errors.New("no audio to send")

// =============================================================================
// CONFIGURATION
// =============================================================================

// Defaults for Config.
const (
	DefaultURL              = "ws://127.0.0.1:8000/voice"
	DefaultEndMarker        = "__END__"
	DefaultEndDelay         = 500 * time.Millisecond
	DefaultFrameBytes       = 8 * 1024
	DefaultFramesPerSecond  = 50
	DefaultHandshakeTimeout = 10 * time.Second
)

// Config holds configuration for a Bridge.
type Config struct {
	// URL of the voice endpoint; chat_id is added as a query parameter.
	URL string

	// EndMarker is the text frame that ends an utterance.
	EndMarker string

	// EndDelay is the pause between the last audio frame and EndMarker.
	EndDelay time.Duration

	// FrameBytes is the size of each binary audio frame.
	FrameBytes int

	// FramesPerSecond paces audio frames. Zero sends them unpaced.
	FramesPerSecond float64

	// HandshakeTimeout bounds the WebSocket handshake.
	HandshakeTimeout time.Duration

	// ErrorMessage is written into the reply turn when the channel fails.
	ErrorMessage string

	// Registry is shared with the exchange engine (default: new)
	Registry *exchange.Registry

	// Playback and Speak control whether finished replies are read aloud.
	Playback capture.Playback
	Speak    bool

	Logger *zerolog.Logger
}

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() *Config {
	return &Config{
		URL:              DefaultURL,
		EndMarker:        DefaultEndMarker,
		EndDelay:         DefaultEndDelay,
		FrameBytes:       DefaultFrameBytes,
		FramesPerSecond:  DefaultFramesPerSecond,
		HandshakeTimeout: DefaultHandshakeTimeout,
		ErrorMessage:     exchange.DefaultErrorMessage,
	}
}

// =============================================================================
// BRIDGE
// =============================================================================

// Bridge sends recorded audio over a WebSocket and merges the text replies
// into the transcript. Each SendAudio call uses its own connection.
type Bridge struct {
	store  *transcript.Store
	config *Config
	dialer *websocket.Dialer
	log    zerolog.Logger
}

// NewBridge creates a bridge writing into store.
func NewBridge(store *transcript.Store, config *Config) *Bridge {
	if config == nil {
		config = DefaultConfig()
	}

	// Fill in defaults for any zero values
	if config.URL == "" {
		config.URL = DefaultURL
	}
	if config.EndMarker == "" {
		config.EndMarker = DefaultEndMarker
	}
	if config.EndDelay == 0 {
		config.EndDelay = DefaultEndDelay
	}
	if config.FrameBytes <= 0 {
		config.FrameBytes = DefaultFrameBytes
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if config.ErrorMessage == "" {
		config.ErrorMessage = exchange.DefaultErrorMessage
	}
	if config.Registry == nil {
		config.Registry = exchange.NewRegistry()
	}
	if config.Playback == nil {
		config.Playback = capture.Silent{}
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Bridge{
		store:  store,
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		log:    logger.With().Str("component", "voice").Logger(),
	}
}

// SendAudio runs one voice exchange for chatID and blocks until the channel
// closes.
//
// The audio goes out as binary frames followed, after EndDelay, by the
// EndMarker text frame. Every text frame received is a reply fragment; the
// first one creates a new assistant turn and later ones extend it. A channel
// failure writes the error message into that turn (creating it if needed) and
// returns a *ChannelError. Cancelling ctx closes the channel and keeps the
// partial reply.
func (b *Bridge) SendAudio(ctx context.Context, chatID string, audio []byte) error {
	if len(audio) == 0 {
		return ErrNoAudio
	}
	if _, err := b.store.Get(chatID); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	release, err := b.config.Registry.Acquire(chatID, cancel)
	if err != nil {
		return err
	}
	defer release()

	logger := b.log.With().Str("chat_id", chatID).Int("audio_bytes", len(audio)).Logger()
	x := &voiceExchange{bridge: b, chatID: chatID, log: logger}

	target, err := b.endpoint(chatID)
	if err != nil {
		return x.fail(ctx, &ChannelError{Op: "dial", Err: err})
	}

	conn, _, err := b.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return x.fail(ctx, &ChannelError{Op: "dial", Err: err})
	}
	defer conn.Close()
	logger.Debug().Str("url", target).Msg("voice channel open")

	// Unblock ReadMessage when the exchange is torn down.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	writeCtx, stopWrite := context.WithCancel(ctx)
	defer stopWrite()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.writeAudio(writeCtx, conn, audio); err != nil && writeCtx.Err() == nil {
			logger.Debug().Err(err).Msg("audio upload stopped")
		}
	}()

	err = x.readReplies(conn)
	stopWrite()
	wg.Wait()

	if err != nil {
		return x.fail(ctx, err)
	}

	logger.Debug().Int("fragments", x.fragments).Msg("voice exchange complete")
	if b.config.Speak && x.text.Len() > 0 {
		go func(text string) {
			if err := b.config.Playback.Speak(context.Background(), text); err != nil {
				logger.Debug().Err(err).Msg("playback failed")
			}
		}(x.text.String())
	}
	return nil
}

// Busy reports whether chatID has an open exchange of either kind.
func (b *Bridge) Busy(chatID string) bool {
	return b.config.Registry.Busy(chatID)
}

func (b *Bridge) endpoint(chatID string) (string, error) {
	u, err := url.Parse(b.config.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("chat_id", chatID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// writeAudio sends the payload as paced binary frames, waits EndDelay, then
// sends the end marker.
func (b *Bridge) writeAudio(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	limit := rate.Inf
	if b.config.FramesPerSecond > 0 {
		limit = rate.Limit(b.config.FramesPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	for off := 0; off < len(audio); off += b.config.FrameBytes {
		end := off + b.config.FrameBytes
		if end > len(audio) {
			end = len(audio)
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, audio[off:end]); err != nil {
			return err
		}
	}

	timer := time.NewTimer(b.config.EndDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(b.config.EndMarker))
}

// =============================================================================
// VOICE EXCHANGE
// =============================================================================

// voiceExchange is the merge state of one SendAudio call. Only the reading
// goroutine touches it.
type voiceExchange struct {
	bridge    *Bridge
	chatID    string
	target    int64
	text      strings.Builder
	fragments int
	log       zerolog.Logger
}

// readReplies merges text frames until the channel closes. A normal close
// returns nil.
func (x *voiceExchange) readReplies(conn *websocket.Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				return nil
			}
			return &ChannelError{Op: "read", Err: err}
		}
		if mt != websocket.TextMessage {
			x.log.Debug().Int("bytes", len(data)).Msg("ignoring binary reply frame")
			continue
		}

		x.text.Write(data)
		x.fragments++
		if err := x.merge(x.text.String()); err != nil {
			return &ChannelError{Op: "merge", Err: err}
		}
	}
}

// merge writes text into this exchange's assistant turn, creating the turn on
// the first fragment. A reply from an earlier exchange is never touched.
func (x *voiceExchange) merge(text string) error {
	target := x.target
	t, err := x.bridge.store.ReplaceLast(x.chatID,
		func(last model.Turn) bool {
			return target != 0 && last.IsAssistant() && last.ID == target
		},
		func(last *model.Turn) model.Turn {
			if last == nil {
				return model.NewTurn(model.RoleAssistant, text)
			}
			return last.WithText(text)
		})
	if err != nil {
		return err
	}
	x.target = t.ID
	return nil
}

func (x *voiceExchange) fail(ctx context.Context, err error) error {
	// Closing the connection on teardown surfaces as a read error.
	if ctx.Err() != nil {
		x.log.Debug().Msg("voice exchange cancelled")
		return ctx.Err()
	}

	x.log.Warn().Err(err).Msg("voice exchange failed")
	if mergeErr := x.merge(x.bridge.config.ErrorMessage); mergeErr != nil {
		x.log.Error().Err(mergeErr).Msg("could not write error reply")
	}
	return err
}
