// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/ragchat/internal/config"
	"github.com/jeranaias/ragchat/internal/server"
)

// shutdownTimeout bounds the graceful drain of the development server.
const shutdownTimeout = 5 * time.Second

// HandleServe runs the development back end until ctx is cancelled.
func HandleServe(ctx context.Context, w io.Writer, cfg *config.Config, logger zerolog.Logger) error {
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return NewCommandError("serve", "listen", err)
	}
	return serve(ctx, w, cfg, ln, logger)
}

// serve runs the server on an open listener.
func serve(ctx context.Context, w io.Writer, cfg *config.Config, ln net.Listener, logger zerolog.Logger) error {
	srvLogger := logger.With().Str("component", "server").Logger()
	responder := server.NewResponderFromEnv(cfg.Server.OpenAIModel)

	srv := server.New(&server.Config{
		Addr:          cfg.Server.Addr,
		FlushOn:       cfg.Server.FlushOn,
		EndMarker:     cfg.Voice.EndMarker,
		HistoryWindow: cfg.Server.HistoryWindow,
		Responder:     responder,
		RateLimiter:   server.DefaultRateLimiter(),
		Logger:        &srvLogger,
	})

	addr := ln.Addr().String()
	fmt.Fprintf(w, "%s Serving on http://%s\n", SuccessStyle.Render("[OK]"), addr)
	fmt.Fprintf(w, "  %s %s\n", LabelStyle.Render("Chat: "), ValueStyle.Render("http://"+addr+"/chat"))
	fmt.Fprintf(w, "  %s %s\n", LabelStyle.Render("Voice:"), ValueStyle.Render("ws://"+addr+"/voice"))
	fmt.Fprintf(w, "  %s %s\n", LabelStyle.Render("Model:"), ValueStyle.Render(responder.Name()))
	fmt.Fprintln(w, DimStyle.Render("Press Ctrl+C to stop."))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return NewCommandError("serve", "run", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return NewCommandError("serve", "shutdown", err)
	}
	// Unblocks Serve if it had not registered with the server yet.
	_ = ln.Close()
	if err := <-errCh; err != nil && !errors.Is(err, net.ErrClosed) {
		return NewCommandError("serve", "run", err)
	}
	return nil
}
