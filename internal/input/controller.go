// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package input

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/ragchat/internal/capture"
	"github.com/jeranaias/ragchat/internal/exchange"
	"github.com/jeranaias/ragchat/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrVoiceActive is returned for typing, attaching or submitting while
	// voice capture is recording or processing.
	ErrVoiceActive = errors.New("voice capture in progress")

	// ErrNotRecording is returned by StopVoice when nothing is being recorded.
	ErrNotRecording = errors.New("not recording")

	// ErrNoSuchAttachment is returned by RemoveAttachment for a bad index.
	ErrNoSuchAttachment = errors.New("no such attachment")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("input controller closed")
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Exchanger opens text exchanges. *exchange.Engine implements it.
type Exchanger interface {
	Open(ctx context.Context, req exchange.Request) (*exchange.Session, error)
	Busy(chatID string) bool
}

// AudioSender relays raw audio to the voice endpoint. *voice.Bridge
// implements it.
type AudioSender interface {
	SendAudio(ctx context.Context, chatID string, audio []byte) error
}

// =============================================================================
// STATE
// =============================================================================

// State is the controller's coarse state.
type State int

const (
	StateIdle State = iota
	StateComposing
	StateRecording
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateComposing:
		return "composing"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	default:
		return "idle"
	}
}

// DefaultMaxCapture bounds a recording when no limit is configured.
const DefaultMaxCapture = 5 * time.Second

// Config holds the settings of a Controller.
type Config struct {
	// MaxCapture bounds one recording (default: 5s)
	MaxCapture time.Duration

	// AutoSubmit sends recognized speech straight away instead of leaving it
	// in the composer.
	AutoSubmit bool

	// Speak asks for every reply to be read aloud.
	Speak bool

	// OnVoice is called after every voice state change, outside any lock.
	OnVoice func(model.VoiceState)

	Logger *zerolog.Logger
}

// SubmitOptions tune one submission.
type SubmitOptions struct {
	Speak bool
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller owns the pending input of one chat: composed text, queued
// attachments and the voice capture lifecycle.
//
// Typing and attaching are disabled while voice capture is active, and a
// submission is refused while the chat has an open exchange. The capture
// handle is released on every exit path.
type Controller struct {
	chatID   string
	exchange Exchanger
	audio    AudioSender
	provider capture.Provider
	config   Config
	log      zerolog.Logger

	// ctx bounds background voice work; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   model.PendingInput
	stop      chan struct{}
	voiceDone chan struct{}
	closed    bool
}

// New creates a controller for chatID. audio may be nil when no voice
// endpoint is available; provider may be nil when there is no microphone.
func New(chatID string, ex Exchanger, audio AudioSender, provider capture.Provider, config Config) *Controller {
	if provider == nil {
		provider = capture.Unavailable{}
	}
	if config.MaxCapture <= 0 {
		config.MaxCapture = DefaultMaxCapture
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		chatID:   chatID,
		exchange: ex,
		audio:    audio,
		provider: provider,
		config:   config,
		log:      logger.With().Str("component", "input").Str("chat_id", chatID).Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ChatID returns the chat this controller composes for.
func (c *Controller) ChatID() string {
	return c.chatID
}

// Pending returns a copy of the pending input.
func (c *Controller) Pending() model.PendingInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Clone()
}

// State returns the coarse controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.pending.Voice {
	case model.VoiceRecording:
		return StateRecording
	case model.VoiceProcessing:
		return StateProcessing
	}
	if c.pending.IsEmpty() {
		return StateIdle
	}
	return StateComposing
}

// Awaiting reports whether the chat is waiting on a reply.
func (c *Controller) Awaiting() bool {
	return c.exchange.Busy(c.chatID)
}

// SetText replaces the composed text.
func (c *Controller) SetText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return err
	}
	c.pending.Text = text
	return nil
}

// Attach queues files for the next submission.
func (c *Controller) Attach(files ...model.Attachment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return err
	}
	c.pending.Attachments = append(c.pending.Attachments, files...)
	return nil
}

// RemoveAttachment drops the queued attachment at index i.
func (c *Controller) RemoveAttachment(i int) (model.Attachment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return model.Attachment{}, err
	}
	if i < 0 || i >= len(c.pending.Attachments) {
		return model.Attachment{}, ErrNoSuchAttachment
	}
	removed := c.pending.Attachments[i]
	c.pending.Attachments = append(c.pending.Attachments[:i:i], c.pending.Attachments[i+1:]...)
	return removed, nil
}

func (c *Controller) editableLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.pending.Voice != model.VoiceIdle {
		return ErrVoiceActive
	}
	return nil
}

// Submit commits the pending input as a user turn and opens an exchange.
//
// Empty input is a no-op returning (nil, nil). While voice capture is active
// it fails with ErrVoiceActive, and while the chat already has an open
// exchange it fails with exchange.ErrExchangeInFlight; in both cases neither
// the transcript nor the pending input changes. On success the pending input
// is cleared in the same step that commits the turns.
func (c *Controller) Submit(ctx context.Context, opts SubmitOptions) (*exchange.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return nil, err
	}
	if c.pending.IsEmpty() {
		return nil, nil
	}

	sess, err := c.exchange.Open(ctx, exchange.Request{
		ChatID:      c.chatID,
		Text:        strings.TrimSpace(c.pending.Text),
		Attachments: c.pending.Attachments,
		Speak:       opts.Speak || c.config.Speak,
	})
	if err != nil {
		return nil, err
	}

	c.pending.Text = ""
	c.pending.Attachments = nil
	c.log.Debug().Int64("turn_id", sess.TargetTurnID()).Msg("submitted")
	return sess, nil
}

// =============================================================================
// VOICE CAPTURE
// =============================================================================

// StartVoice acquires the capture device and starts recording.
//
// ctx bounds only the device grant. If the device is unavailable the
// controller returns to idle and the error (wrapping
// capture.ErrCaptureUnavailable) is returned; the transcript is untouched.
func (c *Controller) StartVoice(ctx context.Context) error {
	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.exchange.Busy(c.chatID) {
		c.mu.Unlock()
		return exchange.ErrExchangeInFlight
	}
	c.pending.Voice = model.VoiceRecording
	c.mu.Unlock()
	c.notify(model.VoiceRecording)

	stream, err := c.provider.Acquire(ctx)
	if err != nil {
		c.setVoice(model.VoiceIdle)
		c.log.Warn().Err(err).Msg("voice capture unavailable")
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stream.Close()
		c.setVoice(model.VoiceIdle)
		return ErrClosed
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.stop = stop
	c.voiceDone = done
	c.mu.Unlock()

	c.log.Debug().Dur("max_capture", c.config.MaxCapture).Msg("recording")
	go c.record(stream, stop, done)
	return nil
}

// StopVoice ends the recording. Processing of what was captured continues in
// the background; WaitVoice blocks until it is finished.
func (c *Controller) StopVoice() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending.Voice != model.VoiceRecording || c.stop == nil {
		return ErrNotRecording
	}
	close(c.stop)
	c.stop = nil
	return nil
}

// WaitVoice blocks until voice capture and processing are back to idle.
func (c *Controller) WaitVoice(ctx context.Context) error {
	c.mu.Lock()
	done := c.voiceDone
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the capture device, cancels voice processing and waits for
// it to finish. Further calls fail with ErrClosed.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	done := c.voiceDone
	c.mu.Unlock()

	c.cancel()
	if done != nil {
		<-done
	}
	return nil
}

// captured is what one recording produced.
type captured struct {
	audio   bytes.Buffer
	finals  []string
	partial string
	err     error
}

// text returns the recognized speech, preferring final results.
func (r *captured) text() string {
	if len(r.finals) > 0 {
		return strings.TrimSpace(strings.Join(r.finals, " "))
	}
	return strings.TrimSpace(r.partial)
}

// record drains the capture stream until it is stopped, times out or runs
// dry, then hands the result on.
func (c *Controller) record(stream capture.Stream, stop <-chan struct{}, done chan struct{}) {
	defer close(done)

	var res captured
	timer := time.NewTimer(c.config.MaxCapture)
	defer timer.Stop()

	events := stream.Events()
loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			switch ev.Kind {
			case capture.EventAudio:
				res.audio.Write(ev.Audio)
			case capture.EventPartial:
				res.partial = ev.Text
			case capture.EventFinal:
				res.finals = append(res.finals, ev.Text)
			case capture.EventError:
				res.err = ev.Err
				break loop
			}
		case <-stop:
			break loop
		case <-timer.C:
			c.log.Debug().Msg("maximum capture length reached")
			break loop
		case <-c.ctx.Done():
			res.err = c.ctx.Err()
			break loop
		}
	}

	if err := stream.Close(); err != nil {
		c.log.Debug().Err(err).Msg("closing capture stream")
	}

	c.mu.Lock()
	c.stop = nil
	c.mu.Unlock()

	if res.err != nil {
		c.log.Warn().Err(res.err).Msg("voice capture failed")
		c.setVoice(model.VoiceIdle)
		return
	}

	c.setVoice(model.VoiceProcessing)
	c.process(&res)
}

// process turns a finished recording into composer text, a submission or a
// voice exchange, and returns the controller to idle.
func (c *Controller) process(res *captured) {
	if text := res.text(); text != "" {
		c.mu.Lock()
		if c.pending.Text != "" && !strings.HasSuffix(c.pending.Text, " ") {
			c.pending.Text += " "
		}
		c.pending.Text += text
		c.pending.Voice = model.VoiceIdle
		c.mu.Unlock()
		c.notify(model.VoiceIdle)

		if c.config.AutoSubmit {
			if _, err := c.Submit(c.ctx, SubmitOptions{}); err != nil {
				c.log.Warn().Err(err).Msg("auto submit failed")
			}
		}
		return
	}

	if res.audio.Len() > 0 && c.audio != nil {
		if err := c.audio.SendAudio(c.ctx, c.chatID, res.audio.Bytes()); err != nil {
			c.log.Warn().Err(err).Msg("voice exchange failed")
		}
	} else {
		c.log.Debug().Msg("nothing captured")
	}
	c.setVoice(model.VoiceIdle)
}

func (c *Controller) setVoice(v model.VoiceState) {
	c.mu.Lock()
	c.pending.Voice = v
	c.mu.Unlock()
	c.notify(v)
}

func (c *Controller) notify(v model.VoiceState) {
	if c.config.OnVoice != nil {
		c.config.OnVoice(v)
	}
}
