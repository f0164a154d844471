// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workspace assembles the chat client: one transcript store, the
// text exchange engine and voice bridge sharing an in-flight registry, the
// capture and playback capabilities, and one input controller per chat.
package workspace

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jeranaias/ragchat/internal/capture"
	"github.com/jeranaias/ragchat/internal/config"
	"github.com/jeranaias/ragchat/internal/exchange"
	"github.com/jeranaias/ragchat/internal/input"
	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/transcript"
	"github.com/jeranaias/ragchat/internal/voice"
)

// ErrClosed is returned once the workspace has been closed.
var ErrClosed = errors.New("workspace closed")

// =============================================================================
// OPTIONS
// =============================================================================

// Options configures a Workspace. Only Config is required; the remaining
// fields override what would otherwise be built from it.
type Options struct {
	Config *config.Config

	// Transport replaces the HTTP transport built from endpoint.submit_url.
	Transport exchange.Transport

	// Provider replaces the capture source built from voice.capture_file.
	Provider capture.Provider

	// Playback replaces the command playback built from the playback section.
	Playback capture.Playback

	// OnVoice is told about every voice state change of every chat.
	OnVoice func(chatID string, state model.VoiceState)

	Logger *zerolog.Logger
}

// =============================================================================
// WORKSPACE
// =============================================================================

// Workspace owns every long-lived component of a client session.
// It is safe for concurrent use.
type Workspace struct {
	store    *transcript.Store
	engine   *exchange.Engine
	bridge   *voice.Bridge
	provider capture.Provider
	playback capture.Playback

	inputConfig input.Config
	onVoice     func(string, model.VoiceState)
	log         zerolog.Logger

	mu          sync.Mutex
	controllers map[string]*input.Controller
	closed      bool
}

// New builds a workspace from opts and opens its first chat.
func New(opts Options) (*Workspace, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	playback := opts.Playback
	if playback == nil {
		var err error
		playback, err = playbackFromConfig(cfg)
		if err != nil {
			return nil, err
		}
	}

	provider := opts.Provider
	if provider == nil {
		provider = providerFromConfig(cfg)
	}

	transport := opts.Transport
	if transport == nil {
		transport = exchange.NewHTTPTransport(&exchange.TransportConfig{
			URL:        cfg.Endpoint.SubmitURL,
			ReadBuffer: cfg.Stream.ReadBuffer,
		})
	}

	store := transcript.NewStore(logger)
	registry := exchange.NewRegistry()

	engine := exchange.NewEngine(store, &exchange.EngineConfig{
		Transport:    transport,
		Playback:     playback,
		Registry:     registry,
		ErrorMessage: cfg.Stream.ErrorMessage,
		Timeout:      cfg.Stream.ExchangeTimeout.Duration,
		Logger:       &logger,
	})

	bridge := voice.NewBridge(store, &voice.Config{
		URL:              cfg.Endpoint.VoiceURL,
		EndMarker:        cfg.Voice.EndMarker,
		EndDelay:         cfg.Voice.EndDelay.Duration,
		FrameBytes:       cfg.Voice.FrameBytes,
		FramesPerSecond:  cfg.Voice.FramesPerSecond,
		HandshakeTimeout: cfg.Voice.HandshakeTimeout.Duration,
		ErrorMessage:     cfg.Stream.ErrorMessage,
		Registry:         registry,
		Playback:         playback,
		Speak:            cfg.Playback.Enabled,
		Logger:           &logger,
	})

	w := &Workspace{
		store:    store,
		engine:   engine,
		bridge:   bridge,
		provider: provider,
		playback: playback,
		inputConfig: input.Config{
			MaxCapture: cfg.Voice.MaxCapture.Duration,
			AutoSubmit: cfg.Voice.AutoSubmit,
			Speak:      cfg.Playback.Enabled,
			Logger:     &logger,
		},
		onVoice:     opts.OnVoice,
		log:         logger.With().Str("component", "workspace").Logger(),
		controllers: make(map[string]*input.Controller),
	}

	store.Create("")
	w.log.Debug().
		Str("submit_url", cfg.Endpoint.SubmitURL).
		Str("voice_url", cfg.Endpoint.VoiceURL).
		Bool("speak", cfg.Playback.Enabled).
		Msg("workspace ready")
	return w, nil
}

func playbackFromConfig(cfg *config.Config) (capture.Playback, error) {
	if !cfg.Playback.Enabled {
		return capture.Silent{}, nil
	}
	p, err := capture.NewCommandPlayback(cfg.Playback.Command)
	if err != nil {
		return nil, fmt.Errorf("playback: %w", err)
	}
	return p, nil
}

func providerFromConfig(cfg *config.Config) capture.Provider {
	if cfg.Voice.CaptureFile == "" {
		return capture.Unavailable{}
	}
	return capture.NewFileProvider(cfg.Voice.CaptureFile)
}

// Store returns the transcript store.
func (w *Workspace) Store() *transcript.Store {
	return w.store
}

// Engine returns the text exchange engine.
func (w *Workspace) Engine() *exchange.Engine {
	return w.engine
}

// Chats lists chats newest first.
func (w *Workspace) Chats() []model.Meta {
	return w.store.List()
}

// NewChat opens a chat and makes it active. It fails with
// transcript.ErrActiveChatEmpty while the active chat has no turns.
func (w *Workspace) NewChat() (*model.ChatSession, error) {
	if w.isClosed() {
		return nil, ErrClosed
	}
	return w.store.NewChat()
}

// Switch makes chatID the active chat. Exchanges in other chats keep
// streaming into their own transcripts.
func (w *Workspace) Switch(chatID string) error {
	if w.isClosed() {
		return ErrClosed
	}
	return w.store.SetActive(chatID)
}

// Active returns the active chat and its controller.
func (w *Workspace) Active() (*model.ChatSession, *input.Controller, error) {
	chat, err := w.store.Active()
	if err != nil {
		return nil, nil, err
	}
	ctrl, err := w.Controller(chat.ID)
	if err != nil {
		return nil, nil, err
	}
	return chat, ctrl, nil
}

// Controller returns the input controller of chatID, creating it on first use.
func (w *Workspace) Controller(chatID string) (*input.Controller, error) {
	if _, err := w.store.Get(chatID); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrClosed
	}
	if ctrl, ok := w.controllers[chatID]; ok {
		return ctrl, nil
	}

	cfg := w.inputConfig
	if w.onVoice != nil {
		notify := w.onVoice
		cfg.OnVoice = func(v model.VoiceState) { notify(chatID, v) }
	}
	ctrl := input.New(chatID, w.engine, w.bridge, w.provider, cfg)
	w.controllers[chatID] = ctrl
	return ctrl, nil
}

// Close cancels every open exchange, releases any held capture device and
// stops playback. It is safe to call more than once.
func (w *Workspace) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	controllers := make([]*input.Controller, 0, len(w.controllers))
	for _, ctrl := range w.controllers {
		controllers = append(controllers, ctrl)
	}
	w.mu.Unlock()

	var errs []error
	for _, ctrl := range controllers {
		if err := ctrl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	w.engine.Close()
	w.playback.Cancel()

	w.log.Debug().Int("controllers", len(controllers)).Msg("workspace closed")
	return errors.Join(errs...)
}

func (w *Workspace) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
