// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat and one-shot ask commands for ragchat.
//
// Usage:
//
//	ragchat chat [--submit-url URL] [--voice-url URL] [--capture FILE] [--speak]
//	ragchat ask "your question"
//
// The chat command runs a line-based REPL with slash commands for managing
// chats, attachments and voice capture. Replies stream in as they arrive.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/rs/zerolog"

	"github.com/jeranaias/ragchat/internal/capture"
	"github.com/jeranaias/ragchat/internal/config"
	"github.com/jeranaias/ragchat/internal/exchange"
	"github.com/jeranaias/ragchat/internal/input"
	"github.com/jeranaias/ragchat/internal/logging"
	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/transcript"
	"github.com/jeranaias/ragchat/internal/util"
	"github.com/jeranaias/ragchat/internal/workspace"
)

// =============================================================================
// LINE INPUT
// =============================================================================

// errPromptAborted is returned by ReadLine when the user pressed Ctrl+C at
// the prompt.
var errPromptAborted = errors.New("prompt aborted")

// lineReader reads one line of user input. io.EOF ends the session.
type lineReader interface {
	ReadLine(prompt string) (string, error)
	AppendHistory(line string)
	Close() error
}

// linerReader is the interactive line editor with persistent history.
type linerReader struct {
	state       *liner.State
	historyPath string
}

func newLinerReader() *linerReader {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)

	r := &linerReader{state: state}
	if dir, err := config.ConfigDir(); err == nil {
		r.historyPath = filepath.Join(dir, "chat_history")
		if f, err := os.Open(r.historyPath); err == nil {
			_, _ = state.ReadHistory(f)
			f.Close()
		}
	}
	return r
}

func (r *linerReader) ReadLine(prompt string) (string, error) {
	line, err := r.state.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", errPromptAborted
	}
	return line, err
}

func (r *linerReader) AppendHistory(line string) {
	r.state.AppendHistory(line)
}

// Close saves the history and restores the terminal.
func (r *linerReader) Close() error {
	if r.historyPath != "" {
		if err := os.MkdirAll(filepath.Dir(r.historyPath), 0700); err == nil {
			if f, err := os.OpenFile(r.historyPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
				_, _ = r.state.WriteHistory(f)
				f.Close()
			}
		}
	}
	return r.state.Close()
}

// scannerReader reads lines from a non-interactive source such as a pipe.
type scannerReader struct {
	scanner *bufio.Scanner
}

func newScannerReader(in io.Reader) *scannerReader {
	return &scannerReader{scanner: bufio.NewScanner(in)}
}

func (r *scannerReader) ReadLine(string) (string, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

func (r *scannerReader) AppendHistory(string) {}

func (r *scannerReader) Close() error { return nil }

// =============================================================================
// CHAT COMMAND
// =============================================================================

// ChatOptions configures HandleChat.
type ChatOptions struct {
	Config *config.Config

	// ConfigPath is watched for changes while the chat runs (optional).
	ConfigPath string

	// In is read line by line when Interactive is false (default: stdin).
	In io.Reader
	// Out receives the transcript (default: stdout).
	Out io.Writer
	// Interactive selects the line editor with history.
	Interactive bool

	// Interrupts cancels the reply being streamed (default: SIGINT).
	Interrupts <-chan os.Signal

	// Provider replaces the capture source built from the config.
	Provider capture.Provider

	Logger zerolog.Logger
}

// chatSession is the state of one REPL run.
type chatSession struct {
	ws         *workspace.Workspace
	in         lineReader
	out        *streamPrinter
	interrupts <-chan os.Signal
	speak      bool
	log        zerolog.Logger
}

// HandleChat runs the interactive chat until the user quits, input ends or
// ctx is cancelled.
func HandleChat(ctx context.Context, opts ChatOptions) error {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	logger := opts.Logger.With().Str("component", "chat").Logger()

	interrupts := opts.Interrupts
	if interrupts == nil {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)
		defer signal.Stop(sigCh)
		interrupts = sigCh
	}

	ws, err := workspace.New(workspace.Options{
		Config:   cfg,
		Provider: opts.Provider,
		Logger:   &opts.Logger,
		OnVoice: func(chatID string, state model.VoiceState) {
			logger.Debug().Str("chat_id", chatID).Stringer("voice", state).Msg("voice state")
		},
	})
	if err != nil {
		return NewCommandError("chat", "start", err)
	}
	defer func() {
		if err := ws.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing workspace")
		}
	}()

	var in lineReader
	if opts.Interactive {
		in = newLinerReader()
	} else {
		src := opts.In
		if src == nil {
			src = os.Stdin
		}
		in = newScannerReader(src)
	}
	defer in.Close()

	s := &chatSession{
		ws:         ws,
		in:         in,
		out:        newStreamPrinter(ws.Store(), out, true),
		interrupts: interrupts,
		speak:      cfg.Playback.Enabled,
		log:        logger,
	}
	unsubscribe := ws.Store().Subscribe(s.out.OnChange)
	defer unsubscribe()

	if opts.ConfigPath != "" {
		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		go s.watchConfig(watchCtx, opts.ConfigPath)
	}

	if opts.Interactive {
		s.printWelcome(cfg)
	}
	return s.loop(ctx)
}

// loop reads and dispatches input lines.
func (s *chatSession) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := s.in.ReadLine(s.prompt())
		if errors.Is(err, errPromptAborted) {
			s.out.Printf("%s\n", DimStyle.Render("(Ctrl+D or /quit to exit)"))
			continue
		}
		if errors.Is(err, io.EOF) {
			s.waitBackground(ctx)
			s.out.Printf("%s\n", InfoStyle.Render("Goodbye!"))
			return nil
		}
		if err != nil {
			return NewCommandError("chat", "read", err)
		}

		line = strings.TrimSpace(line)
		if line != "" {
			s.in.AppendHistory(line)
		}

		if strings.HasPrefix(line, "/") {
			keepGoing, err := s.handleSlashCommand(ctx, line)
			if err != nil {
				s.out.Printf("%s %v\n", ErrorStyle.Render("[Error]"), err)
			}
			if !keepGoing {
				s.out.Printf("%s\n", InfoStyle.Render("Goodbye!"))
				return nil
			}
			continue
		}

		if err := s.handleLine(ctx, line); err != nil {
			s.out.Printf("%s %v\n", ErrorStyle.Render("[Error]"), err)
		}
	}
}

// handleLine submits typed text. An empty line stops a recording or sends
// what is already composed, such as recognized speech.
func (s *chatSession) handleLine(ctx context.Context, line string) error {
	_, ctrl, err := s.ws.Active()
	if err != nil {
		return err
	}

	if line == "" {
		if ctrl.Pending().Voice == model.VoiceRecording {
			return s.stopVoice(ctx, ctrl)
		}
		if ctrl.Pending().IsEmpty() {
			return nil
		}
		return s.submit(ctx, ctrl)
	}

	if err := ctrl.SetText(line); err != nil {
		if errors.Is(err, input.ErrVoiceActive) {
			return fmt.Errorf("%w (press Enter or /stop to finish recording)", err)
		}
		return err
	}
	return s.submit(ctx, ctrl)
}

// submit sends the composed input and streams the reply until it finishes
// or the user interrupts it.
func (s *chatSession) submit(ctx context.Context, ctrl *input.Controller) error {
	exCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chatID := ctrl.ChatID()
	s.out.expectUser(chatID)
	sess, err := ctrl.Submit(exCtx, input.SubmitOptions{Speak: s.speak})
	if err != nil || sess == nil {
		s.out.cancelExpect(chatID)
		if errors.Is(err, exchange.ErrExchangeInFlight) {
			return fmt.Errorf("%w; wait for the current reply", err)
		}
		return err
	}

	select {
	case <-sess.Done():
	case <-s.interrupts:
		cancel()
		<-sess.Done()
		s.out.Printf("%s\n", WarningStyle.Render("[Cancelled]"))
	case <-ctx.Done():
		cancel()
		<-sess.Done()
	}
	s.out.endLine()

	if err := sess.Err(); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug().Err(err).Str("chat_id", chatID).Msg("exchange failed")
		s.out.Printf("%s\n", DimStyle.Render(fmt.Sprintf("(%v)", err)))
	}
	return nil
}

// waitBackground lets a voice exchange of the active chat finish before
// the session ends.
func (s *chatSession) waitBackground(ctx context.Context) {
	_, ctrl, err := s.ws.Active()
	if err != nil {
		return
	}
	if ctrl.Pending().Voice == model.VoiceRecording {
		_ = ctrl.StopVoice()
	}
	_ = ctrl.WaitVoice(ctx)
	s.out.endLine()
}

// prompt renders the chat title, pending attachments and voice state.
func (s *chatSession) prompt() string {
	chat, ctrl, err := s.ws.Active()
	if err != nil {
		return "> "
	}

	var b strings.Builder
	b.WriteString(util.Preview(chat.Title, 24))
	pending := ctrl.Pending()
	if n := len(pending.Attachments); n > 0 {
		fmt.Fprintf(&b, " (%d file%s)", n, plural(n))
	}
	switch pending.Voice {
	case model.VoiceRecording:
		b.WriteString(" [rec]")
	case model.VoiceProcessing:
		b.WriteString(" [...]")
	}
	b.WriteString("> ")
	return b.String()
}

// watchConfig follows the config file and applies the settings that can
// change while the chat runs.
func (s *chatSession) watchConfig(ctx context.Context, path string) {
	err := config.Watch(ctx, path, func(cfg *config.Config, err error) {
		if err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("config reload failed")
			return
		}
		config.SetGlobal(cfg)
		level := logging.SetLevel(cfg.Log.Level)
		s.log.Info().Str("path", path).Stringer("log_level", level).Msg("config reloaded")
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("config watch stopped")
	}
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand processes slash commands.
// Returns (keepGoing, error) where keepGoing=false means exit.
func (s *chatSession) handleSlashCommand(ctx context.Context, line string) (bool, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true, nil
	}
	command := strings.ToLower(parts[0])
	args := parts[1:]

	switch command {
	case "/help", "/h", "/?", "/":
		s.printHelp()
		return true, nil

	case "/quit", "/q", "/exit":
		s.waitBackground(ctx)
		return false, nil

	case "/new", "/n":
		return true, s.cmdNew()

	case "/chats", "/ls":
		s.printChats()
		return true, nil

	case "/switch", "/sw":
		return true, s.cmdSwitch(args)

	case "/attach", "/a":
		return true, s.cmdAttach(line, args)

	case "/detach":
		return true, s.cmdDetach(args)

	case "/files":
		return true, s.printFiles()

	case "/voice", "/v":
		return true, s.cmdVoice(ctx)

	case "/stop":
		_, ctrl, err := s.ws.Active()
		if err != nil {
			return true, err
		}
		return true, s.stopVoice(ctx, ctrl)

	case "/speak":
		s.speak = !s.speak
		s.out.Printf("%s Read replies aloud: %s\n", InfoStyle.Render("[Speak]"), onOff(s.speak))
		return true, nil

	case "/history":
		return true, s.printHistory()

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
}

func (s *chatSession) cmdNew() error {
	chat, err := s.ws.NewChat()
	if errors.Is(err, transcript.ErrActiveChatEmpty) {
		return errors.New("this chat is still empty; send a message first")
	}
	if err != nil {
		return err
	}
	s.out.Printf("%s %s\n", SuccessStyle.Render("[New chat]"), chat.Title)
	return nil
}

func (s *chatSession) cmdSwitch(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /switch N (see /chats)")
	}
	n, err := strconv.Atoi(args[0])
	chats := s.ws.Chats()
	if err != nil || n < 1 || n > len(chats) {
		return fmt.Errorf("no chat %q (see /chats)", args[0])
	}

	target := chats[n-1]
	if err := s.ws.Switch(target.ID); err != nil {
		return err
	}
	s.out.Printf("%s %s\n", SuccessStyle.Render("[Switched]"), target.Title)
	return s.printHistory()
}

// cmdAttach queues files. Paths may contain spaces when quoted as a whole:
// /attach "my notes.txt".
func (s *chatSession) cmdAttach(line string, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: /attach PATH [PATH...]")
	}
	_, ctrl, err := s.ws.Active()
	if err != nil {
		return err
	}

	paths := args
	if rest := strings.TrimSpace(line[len(strings.Fields(line)[0]):]); strings.HasPrefix(rest, `"`) {
		if unquoted, err := strconv.Unquote(rest); err == nil {
			paths = []string{unquoted}
		}
	}

	files := make([]model.Attachment, 0, len(paths))
	for _, p := range paths {
		a, err := model.FileAttachment(p)
		if err != nil {
			return err
		}
		files = append(files, a)
	}
	if err := ctrl.Attach(files...); err != nil {
		return err
	}
	for _, a := range files {
		s.out.Printf("%s %s (%s)\n", SuccessStyle.Render("[Attached]"), a.Name, formatBytes(a.Size))
	}
	return nil
}

func (s *chatSession) cmdDetach(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /detach N (see /files)")
	}
	_, ctrl, err := s.ws.Active()
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("no attachment %q (see /files)", args[0])
	}
	removed, err := ctrl.RemoveAttachment(n - 1)
	if err != nil {
		return err
	}
	s.out.Printf("%s %s\n", InfoStyle.Render("[Detached]"), removed.Name)
	return nil
}

func (s *chatSession) cmdVoice(ctx context.Context) error {
	_, ctrl, err := s.ws.Active()
	if err != nil {
		return err
	}
	if err := ctrl.StartVoice(ctx); err != nil {
		if errors.Is(err, capture.ErrCaptureUnavailable) {
			return errors.New("no audio capture available; set voice.capture_file or use --capture")
		}
		return err
	}
	s.out.Printf("%s Recording... press Enter or /stop to finish\n", RenderVoice(model.VoiceRecording))
	return nil
}

// stopVoice ends the recording and waits until the utterance has been
// handled, streaming any reply that comes back.
func (s *chatSession) stopVoice(ctx context.Context, ctrl *input.Controller) error {
	if err := ctrl.StopVoice(); err != nil && !errors.Is(err, input.ErrNotRecording) {
		return err
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.interrupts:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	if err := ctrl.WaitVoice(waitCtx); err != nil {
		s.out.endLine()
		return fmt.Errorf("still processing voice input: %w", err)
	}
	s.out.endLine()

	if text := ctrl.Pending().Text; text != "" {
		s.out.Printf("%s %s\n", InfoStyle.Render("[Heard]"), text)
		s.out.Printf("%s\n", DimStyle.Render("Press Enter to send, or type to replace."))
	}
	return nil
}

// =============================================================================
// DISPLAY FUNCTIONS
// =============================================================================

func (s *chatSession) printWelcome(cfg *config.Config) {
	s.out.Printf("\n%s\n%s\n", TitleStyle.Render("ragchat interactive chat"), RenderSeparator(30))
	s.out.Printf("%s %s\n", LabelStyle.Render("Endpoint:"), ValueStyle.Render(cfg.Endpoint.SubmitURL))
	s.out.Printf("%s %s\n", LabelStyle.Render("Voice:   "), ValueStyle.Render(cfg.Endpoint.VoiceURL))
	s.out.Printf("\n%s\n\n", DimStyle.Render("Type your message and press Enter. Commands: /help, /quit"))
}

func (s *chatSession) printHelp() {
	commands := []struct {
		cmd  string
		desc string
	}{
		{"/new", "Start a new chat"},
		{"/chats", "List chats"},
		{"/switch N", "Switch to chat N"},
		{"/attach PATH...", "Attach files to the next message"},
		{"/detach N", "Remove attachment N"},
		{"/files", "List pending attachments"},
		{"/voice", "Start recording"},
		{"/stop", "Stop recording and send"},
		{"/speak", "Toggle reading replies aloud"},
		{"/history", "Show this chat's transcript"},
		{"/quit", "Exit"},
	}

	s.out.Printf("\n%s\n%s\n", SectionStyle.Render("Available Commands"), RenderSeparator(20))
	for _, c := range commands {
		s.out.Printf("  %s  %s\n", InfoStyle.Render(util.PadRight(c.cmd, 16)), c.desc)
	}
	s.out.Printf("\n%s\n\n", DimStyle.Render("Tip: Ctrl+C cancels the current reply, Ctrl+D exits"))
}

func (s *chatSession) printChats() {
	activeID := s.ws.Store().ActiveID()
	for i, meta := range s.ws.Chats() {
		marker := " "
		if meta.ID == activeID {
			marker = "*"
		}
		s.out.Printf("  %s%2d. %s %s\n",
			marker, i+1,
			util.PadRight(util.Preview(meta.Title, 30), 30),
			DimStyle.Render(fmt.Sprintf("%d message%s, %s", meta.MessageCount, plural(meta.MessageCount), formatAge(meta.UpdatedAt))))
	}
}

func (s *chatSession) printFiles() error {
	_, ctrl, err := s.ws.Active()
	if err != nil {
		return err
	}
	files := ctrl.Pending().Attachments
	if len(files) == 0 {
		s.out.Printf("%s\n", DimStyle.Render("[No attachments]"))
		return nil
	}
	for i, a := range files {
		s.out.Printf("  %d. %s %s\n", i+1, a.Name, DimStyle.Render(formatBytes(a.Size)))
	}
	return nil
}

func (s *chatSession) printHistory() error {
	chat, err := s.ws.Store().Active()
	if err != nil {
		return err
	}
	turns, err := s.ws.Store().Messages(chat.ID)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		s.out.Printf("%s\n", DimStyle.Render("[No messages yet]"))
		return nil
	}
	for _, t := range turns {
		s.out.Printf("%s: %s\n", RenderRole(t.Role), t.Text)
	}
	return nil
}

// =============================================================================
// ASK COMMAND
// =============================================================================

// HandleAsk sends one message in a fresh chat and prints the reply to w.
func HandleAsk(ctx context.Context, w io.Writer, cfg *config.Config, message string, logger zerolog.Logger) error {
	ws, err := workspace.New(workspace.Options{Config: cfg, Logger: &logger})
	if err != nil {
		return NewCommandError("ask", "start", err)
	}
	defer ws.Close()

	printer := newStreamPrinter(ws.Store(), w, false)
	unsubscribe := ws.Store().Subscribe(printer.OnChange)
	defer unsubscribe()

	_, ctrl, err := ws.Active()
	if err != nil {
		return err
	}
	if err := ctrl.SetText(message); err != nil {
		return err
	}

	printer.expectUser(ctrl.ChatID())
	sess, err := ctrl.Submit(ctx, input.SubmitOptions{Speak: cfg.Playback.Enabled})
	if err != nil {
		return NewCommandError("ask", "submit", err)
	}
	if sess == nil {
		return &UsageError{Command: "ask", Reason: "a message is required"}
	}

	err = sess.Wait(ctx)
	printer.endLine()
	if err != nil {
		return NewCommandError("ask", "receive", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// formatAge renders how long ago t was, coarsely.
func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
