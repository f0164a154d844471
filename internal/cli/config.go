// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - The config command: show, get, set, keys and path.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/jeranaias/ragchat/internal/config"
)

// HandleConfig runs the config command, writing to w.
func HandleConfig(w io.Writer, args Args) error {
	path, err := configPath(args)
	if err != nil {
		return NewCommandError("config", "path", err)
	}

	switch args.Subcommand {
	case "", "show":
		return handleConfigShow(w, args, path)
	case "get":
		return handleConfigGet(w, args, path)
	case "set":
		return handleConfigSet(w, args, path)
	case "keys":
		return handleConfigKeys(w, args)
	case "path":
		return handleConfigPath(w, args, path)
	default:
		return &UsageError{Command: "config", Reason: fmt.Sprintf("unknown subcommand %q", args.Subcommand)}
	}
}

// configPath resolves the file the config command works on.
func configPath(args Args) (string, error) {
	if args.ConfigPath != "" {
		return args.ConfigPath, nil
	}
	return config.Path()
}

// loadEffective loads the configuration the client would run with,
// environment overrides included.
func loadEffective(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		cfg := config.Default()
		cfg.ApplyEnvOverrides()
		return cfg, nil
	}
	return config.LoadFromPath(path)
}

// loadFile loads only what is in the file, without environment overrides,
// so that set never persists an environment value.
func loadFile(path string) (*config.Config, error) {
	cfg := config.Default()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}

	var err error
	if strings.HasSuffix(path, ".json") {
		err = config.LoadJSON(cfg, path)
	} else {
		err = config.LoadTOML(cfg, path)
	}
	return cfg, err
}

func handleConfigShow(w io.Writer, args Args, path string) error {
	cfg, err := loadEffective(path)
	if err != nil {
		return NewCommandError("config", "show", err)
	}

	if args.JSON {
		fmt.Fprintln(w, cfg.String())
		return nil
	}

	fmt.Fprintln(w, TitleStyle.Render("ragchat Configuration"))
	fmt.Fprintln(w, DimStyle.Render(path))
	fmt.Fprintln(w, RenderSeparator(41))

	section := ""
	for _, key := range config.Keys() {
		prefix, name, _ := strings.Cut(key, ".")
		if prefix != section {
			section = prefix
			fmt.Fprintln(w)
			fmt.Fprintln(w, SectionStyle.Render("["+section+"]"))
		}
		value, err := cfg.Get(key)
		if err != nil {
			return NewCommandError("config", "show", err)
		}
		fmt.Fprintf(w, "  %s %s\n",
			LabelStyle.Render(fmt.Sprintf("%-18s", name+":")),
			ValueStyle.Render(formatValue(value)))
	}
	fmt.Fprintln(w)
	return nil
}

func handleConfigGet(w io.Writer, args Args, path string) error {
	cfg, err := loadEffective(path)
	if err != nil {
		return NewCommandError("config", "get", err)
	}
	value, err := cfg.Get(args.ConfigKey)
	if err != nil {
		return NewCommandError("config", "get", err)
	}

	if args.JSON {
		return writeJSON(w, map[string]interface{}{
			"key":   args.ConfigKey,
			"value": formatValue(value),
		})
	}
	fmt.Fprintln(w, formatValue(value))
	return nil
}

func handleConfigSet(w io.Writer, args Args, path string) error {
	cfg, err := loadFile(path)
	if err != nil {
		return NewCommandError("config", "set", err)
	}
	if err := cfg.Set(args.ConfigKey, args.ConfigVal); err != nil {
		return NewCommandError("config", "set", err)
	}
	if err := cfg.Validate(); err != nil {
		return NewCommandError("config", "set", err)
	}

	if strings.HasSuffix(path, ".json") {
		err = config.SaveJSON(cfg, path)
	} else {
		err = config.SaveTOML(cfg, path)
	}
	if err != nil {
		return NewCommandError("config", "set", err)
	}

	value, _ := cfg.Get(args.ConfigKey)
	fmt.Fprintf(w, "%s %s = %s\n",
		SuccessStyle.Render("[OK]"),
		args.ConfigKey,
		formatValue(value))
	return nil
}

func handleConfigKeys(w io.Writer, args Args) error {
	keys := config.Keys()
	if args.JSON {
		return writeJSON(w, keys)
	}
	for _, key := range keys {
		fmt.Fprintln(w, key)
	}
	return nil
}

func handleConfigPath(w io.Writer, args Args, path string) error {
	if args.JSON {
		_, statErr := os.Stat(path)
		return writeJSON(w, map[string]interface{}{
			"path":   path,
			"exists": statErr == nil,
		})
	}
	fmt.Fprintln(w, path)
	return nil
}

// formatValue renders a config value for display.
func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return `""`
		}
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
