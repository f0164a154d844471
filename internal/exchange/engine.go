// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package exchange

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/ragchat/internal/capture"
	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/transcript"
)

// DefaultErrorMessage is written into the assistant turn when an exchange fails.
const DefaultErrorMessage = "Sorry, there was an error processing your request."

// DefaultExchangeTimeout bounds a whole exchange unless configured otherwise.
const DefaultExchangeTimeout = 5 * time.Minute

// =============================================================================
// ENGINE CONFIGURATION
// =============================================================================

// EngineConfig holds the collaborators and knobs of an Engine.
type EngineConfig struct {
	// Transport dispatches requests (default: HTTPTransport with defaults)
	Transport Transport

	// Playback speaks finished replies when a request asks for it (default: Silent)
	Playback capture.Playback

	// Registry tracks open exchanges; share it with the voice bridge (default: new)
	Registry *Registry

	// ErrorMessage replaces the reply text on failure (default: DefaultErrorMessage)
	ErrorMessage string

	// Timeout bounds one exchange. Zero means unbounded.
	Timeout time.Duration

	// Logger for exchange events (default: disabled)
	Logger *zerolog.Logger
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Transport:    NewHTTPTransport(nil),
		Playback:     capture.Silent{},
		Registry:     NewRegistry(),
		ErrorMessage: DefaultErrorMessage,
		Timeout:      DefaultExchangeTimeout,
	}
}

// =============================================================================
// ENGINE
// =============================================================================

// Request is one user submission.
type Request struct {
	ChatID      string
	Text        string
	Attachments []model.Attachment

	// Speak hands the finished reply to the playback capability.
	Speak bool
}

// Engine runs streamed exchanges and merges their fragments into the
// transcript store.
//
// Each exchange is consumed by a single goroutine, so fragments of one reply
// are merged strictly in arrival order. The Engine is safe for concurrent use.
type Engine struct {
	store  *transcript.Store
	config *EngineConfig
	log    zerolog.Logger
	wg     sync.WaitGroup
}

// NewEngine creates an engine writing into store.
func NewEngine(store *transcript.Store, config *EngineConfig) *Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}

	// Fill in defaults for any zero values
	if config.Transport == nil {
		config.Transport = NewHTTPTransport(nil)
	}
	if config.Playback == nil {
		config.Playback = capture.Silent{}
	}
	if config.Registry == nil {
		config.Registry = NewRegistry()
	}
	if config.ErrorMessage == "" {
		config.ErrorMessage = DefaultErrorMessage
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Engine{
		store:  store,
		config: config,
		log:    logger.With().Str("component", "exchange").Logger(),
	}
}

// Registry returns the in-flight registry the engine uses.
func (e *Engine) Registry() *Registry {
	return e.config.Registry
}

// ErrorMessage returns the text written into a failed reply.
func (e *Engine) ErrorMessage() string {
	return e.config.ErrorMessage
}

// Busy reports whether chatID has an open exchange.
func (e *Engine) Busy(chatID string) bool {
	return e.config.Registry.Busy(chatID)
}

// Open starts an exchange for req.
//
// It reserves the chat's in-flight slot, appends the user turn and an empty
// assistant placeholder, and returns while the reply streams in the
// background. Cancelling ctx tears the exchange down.
func (e *Engine) Open(ctx context.Context, req Request) (*Session, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyRequest
	}
	if _, err := e.store.Get(req.ChatID); err != nil {
		return nil, err
	}

	var cancel context.CancelFunc
	if e.config.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	release, err := e.config.Registry.Acquire(req.ChatID, cancel)
	if err != nil {
		cancel()
		return nil, err
	}

	user := model.NewUserTurn(req.Text)
	placeholder := model.NewPlaceholderTurn()
	if err := e.store.Append(req.ChatID, user, placeholder); err != nil {
		release()
		cancel()
		return nil, err
	}

	s := newSession(req.ChatID, placeholder.ID, func() {
		release()
		cancel()
	})
	e.log.Debug().
		Str("chat_id", req.ChatID).
		Int64("turn_id", placeholder.ID).
		Int("attachments", len(req.Attachments)).
		Msg("exchange opened")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx, s, req)
	}()
	return s, nil
}

// Close cancels every open exchange, waits for them to wind down and refuses
// new ones.
func (e *Engine) Close() {
	e.config.Registry.CancelAll()
	e.wg.Wait()
}

// run consumes one exchange. It is the only writer to the session's
// placeholder turn.
func (e *Engine) run(ctx context.Context, s *Session, req Request) {
	logger := e.log.With().Str("chat_id", s.chatID).Int64("turn_id", s.TargetTurnID()).Logger()

	stream, err := e.config.Transport.Send(ctx, Payload{
		ChatID:      req.ChatID,
		Message:     req.Text,
		Attachments: req.Attachments,
	})
	if err != nil {
		s.finish(e.fail(ctx, s, err, logger))
		return
	}
	defer stream.Close()

	var acc strings.Builder
	fragments := 0
	for {
		if ctx.Err() != nil {
			s.finish(e.fail(ctx, s, ctx.Err(), logger))
			return
		}

		frag, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.finish(e.fail(ctx, s, err, logger))
			return
		}
		if frag == "" {
			continue
		}

		acc.WriteString(frag)
		fragments++
		if err := e.merge(s, acc.String()); err != nil {
			logger.Error().Err(err).Msg("merge failed")
			s.finish(err)
			return
		}
	}

	text := acc.String()
	logger.Debug().Int("fragments", fragments).Int("chars", len(text)).Msg("exchange complete")

	if req.Speak && text != "" {
		go e.speak(text, logger)
	}
	s.finish(nil)
}

// merge writes the whole accumulated text into the session's assistant turn.
func (e *Engine) merge(s *Session, text string) error {
	target := s.TargetTurnID()
	t, err := e.store.ReplaceLast(s.chatID,
		func(last model.Turn) bool {
			return last.IsAssistant() && last.ID == target
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
	s.update(t.ID, text)
	return nil
}

// fail converts err into the terminal state of the session. A teardown
// cancel keeps the partial reply; every other failure overwrites it with the
// fixed error message.
func (e *Engine) fail(ctx context.Context, s *Session, err error, logger zerolog.Logger) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Debug().Msg("exchange cancelled")
		return context.Canceled
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = &TransportError{Type: ErrTypeTimeout, Message: "exchange timed out", Cause: err}
	}
	if !IsTransport(err) {
		err = &TransportError{Type: ErrTypeStream, Message: "response stream broken", Cause: err}
	}

	logger.Warn().Err(err).Msg("exchange failed")
	if mergeErr := e.merge(s, e.config.ErrorMessage); mergeErr != nil {
		logger.Error().Err(mergeErr).Msg("could not write error reply")
	}
	return err
}

// speak hands text to the playback capability. Failures are only logged.
func (e *Engine) speak(text string, logger zerolog.Logger) {
	if err := e.config.Playback.Speak(context.Background(), text); err != nil {
		logger.Debug().Err(err).Msg("playback failed")
	}
}
