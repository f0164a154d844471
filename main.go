// ragchat - A streaming chat client with voice input.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeranaias/ragchat/internal/cli"
	"github.com/jeranaias/ragchat/internal/config"
	"github.com/jeranaias/ragchat/internal/logging"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	// Sync version info with cli package
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	cmd, args, err := cli.Parse(argv)
	if args.NoColor {
		cli.SetColorsEnabled(false)
	}
	if err != nil {
		cli.DisplayError(os.Stderr, err, args.JSON)
		return cli.ExitCode(err)
	}

	// Commands that need no configuration
	switch cmd {
	case cli.CmdHelp:
		cli.PrintUsage(os.Stdout)
		return cli.ExitSuccess
	case cli.CmdVersion:
		cli.PrintVersion(os.Stdout)
		return cli.ExitSuccess
	case cli.CmdConfig:
		// Runs before loading so a broken file can still be inspected and fixed.
		return exit(cli.HandleConfig(os.Stdout, args), args.JSON)
	}

	cfg, path, err := loadConfig(args)
	if err != nil {
		return exit(err, args.JSON)
	}
	if err := args.Apply(cfg); err != nil {
		return exit(err, args.JSON)
	}
	config.SetGlobal(cfg)

	logger := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
	})
	logger.Debug().Str("version", Version).Str("command", cmd.String()).Str("config", path).Msg("starting")

	switch cmd {
	case cli.CmdChat:
		err = cli.HandleChat(context.Background(), cli.ChatOptions{
			Config:      cfg,
			ConfigPath:  path,
			Interactive: cli.IsTTY() && cli.IsStdoutTTY(),
			Logger:      logger,
		})

	case cli.CmdAsk:
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err = cli.HandleAsk(ctx, os.Stdout, cfg, args.Message, logger)
		stop()

	case cli.CmdServe:
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err = cli.HandleServe(ctx, os.Stdout, cfg, logger)
		stop()
	}
	return exit(err, args.JSON)
}

// loadConfig loads the file named by --config, or the default file when
// present. It returns the path of the file in effect, or "" when running on
// defaults.
func loadConfig(args cli.Args) (*config.Config, string, error) {
	if args.ConfigPath != "" {
		cfg, err := config.LoadFromPath(args.ConfigPath)
		return cfg, args.ConfigPath, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, "", err
	}
	path, err := config.Path()
	if err != nil {
		return cfg, "", nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return cfg, "", nil
	}
	return cfg, path, nil
}

func exit(err error, jsonMode bool) int {
	if err != nil {
		cli.DisplayError(os.Stderr, err, jsonMode)
	}
	return cli.ExitCode(err)
}
