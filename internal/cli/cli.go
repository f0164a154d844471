// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command-line argument parsing for ragchat.
//
// Commands:
//   - ragchat               Start interactive chat (default)
//   - ragchat chat          Start interactive chat
//   - ragchat ask "..."     Send one message and print the reply
//   - ragchat serve         Run the development back end
//   - ragchat config        Show or change configuration
//   - ragchat version       Show version information
//   - ragchat help          Show help
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/jeranaias/ragchat/internal/config"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// COMMANDS
// =============================================================================

// Command represents a CLI command.
type Command int

const (
	// CmdChat starts the interactive chat (default).
	CmdChat Command = iota
	// CmdAsk sends a single message and prints the reply.
	CmdAsk
	// CmdServe runs the development back end.
	CmdServe
	// CmdConfig shows or changes configuration.
	CmdConfig
	// CmdVersion shows version information.
	CmdVersion
	// CmdHelp shows help.
	CmdHelp
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CmdChat:
		return "chat"
	case CmdAsk:
		return "ask"
	case CmdServe:
		return "serve"
	case CmdConfig:
		return "config"
	case CmdVersion:
		return "version"
	case CmdHelp:
		return "help"
	default:
		return "unknown"
	}
}

// =============================================================================
// ARGUMENTS
// =============================================================================

// Args holds parsed command-line arguments.
type Args struct {
	// Global flags
	ConfigPath string
	LogLevel   string
	NoColor    bool
	Quiet      bool
	Verbose    bool
	JSON       bool

	// chat and ask
	SubmitURL   string
	VoiceURL    string
	CaptureFile string
	Speak       bool
	Message     string

	// serve
	Addr  string
	Model string

	// config
	Subcommand string
	ConfigKey  string
	ConfigVal  string

	// Raw holds the arguments that followed the command word.
	Raw []string
}

// Apply copies the flag overrides onto cfg and validates the result.
func (a Args) Apply(cfg *config.Config) error {
	if a.SubmitURL != "" {
		cfg.Endpoint.SubmitURL = a.SubmitURL
	}
	if a.VoiceURL != "" {
		cfg.Endpoint.VoiceURL = a.VoiceURL
	}
	if a.CaptureFile != "" {
		cfg.Voice.CaptureFile = a.CaptureFile
	}
	if a.Speak {
		cfg.Playback.Enabled = true
	}
	if a.Addr != "" {
		cfg.Server.Addr = a.Addr
	}
	if a.Model != "" {
		cfg.Server.OpenAIModel = a.Model
	}
	switch {
	case a.LogLevel != "":
		cfg.Log.Level = a.LogLevel
	case a.Verbose:
		cfg.Log.Level = "debug"
	case a.Quiet:
		cfg.Log.Level = "error"
	}
	return cfg.Validate()
}

// =============================================================================
// USAGE
// =============================================================================

const usageText = `ragchat - streaming chat client

Usage:
  ragchat [flags] [command] [args]

Commands:
  chat                 Start interactive chat (default)
  ask <message>        Send one message and print the reply
  serve                Run the development back end
  config [sub]         Show or change configuration
                         show | get <key> | set <key> <value> | keys | path
  version              Show version information
  help                 Show this help

Global flags:
  --config <path>      Use this config file instead of ~/.ragchat/config.toml
  --log-level <level>  debug, info, warn, error or off
  --no-color           Disable colored output
  -q, --quiet          Only log errors
  -v, --verbose        Log debug output
  --json               JSON output (config show/get/keys/path)

Chat and ask flags:
  --submit-url <url>   Chat endpoint (multipart POST)
  --voice-url <url>    Voice endpoint (WebSocket)
  --capture <file>     Use a raw audio file as the microphone
  --speak              Read replies aloud

Serve flags:
  --addr <host:port>   Listen address (default: 127.0.0.1:8000)
  --model <name>       OpenAI model when OPENAI_API_KEY is set

Environment:
  RAGCHAT_SUBMIT_URL, RAGCHAT_VOICE_URL, RAGCHAT_LOG_LEVEL,
  RAGCHAT_EXCHANGE_TIMEOUT, RAGCHAT_PLAYBACK_COMMAND, RAGCHAT_SERVER_ADDR,
  OPENAI_API_KEY, NO_COLOR

Version: %s
`

// PrintUsage writes the usage text to w.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, usageText, Version)
}

// PrintVersion writes version information to w.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "ragchat version %s\n", Version)
	fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Build date: %s\n", BuildDate)
}

// =============================================================================
// PARSING
// =============================================================================

// Parse parses argv (without the program name) into a command and its
// arguments.
func Parse(argv []string) (Command, Args, error) {
	remaining, parsed, err := parseGlobalFlags(argv)
	if err != nil {
		return CmdHelp, parsed, err
	}

	if len(remaining) == 0 {
		return CmdChat, parsed, nil
	}

	cmd := strings.ToLower(remaining[0])
	remaining = remaining[1:]
	parsed.Raw = remaining

	switch cmd {
	case "chat":
		return CmdChat, parsed, parseClientArgs(&parsed, remaining, false)

	case "ask":
		if err := parseClientArgs(&parsed, remaining, true); err != nil {
			return CmdAsk, parsed, err
		}
		if strings.TrimSpace(parsed.Message) == "" {
			return CmdAsk, parsed, &UsageError{Command: "ask", Reason: "a message is required"}
		}
		return CmdAsk, parsed, nil

	case "serve", "server":
		return CmdServe, parsed, parseServeArgs(&parsed, remaining)

	case "config":
		return CmdConfig, parsed, parseConfigArgs(&parsed, remaining)

	case "version", "--version":
		return CmdVersion, parsed, nil

	case "help", "-h", "--help":
		return CmdHelp, parsed, nil

	default:
		return CmdHelp, parsed, &UsageError{Reason: fmt.Sprintf("unknown command %q", cmd)}
	}
}

// parseGlobalFlags extracts global flags from args and returns the rest.
// Global flags stop at the first argument that is not one of them.
func parseGlobalFlags(args []string) ([]string, Args, error) {
	var parsed Args

	i := 0
	for ; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")

		switch name {
		case "--config":
			v, next, err := flagValue(args, i, value, hasValue)
			if err != nil {
				return nil, parsed, err
			}
			parsed.ConfigPath, i = v, next
		case "--log-level":
			v, next, err := flagValue(args, i, value, hasValue)
			if err != nil {
				return nil, parsed, err
			}
			parsed.LogLevel, i = v, next
		case "--no-color":
			parsed.NoColor = true
		case "-q", "--quiet":
			parsed.Quiet = true
		case "-v", "--verbose":
			parsed.Verbose = true
		case "--json":
			parsed.JSON = true
		default:
			return args[i:], parsed, nil
		}
	}
	return nil, parsed, nil
}

// parseClientArgs parses the flags shared by chat and ask. With collect set,
// positional words are joined into the message.
func parseClientArgs(args *Args, remaining []string, collect bool) error {
	var words []string

	for i := 0; i < len(remaining); i++ {
		arg := remaining[i]
		name, value, hasValue := strings.Cut(arg, "=")

		var target *string
		switch name {
		case "--submit-url":
			target = &args.SubmitURL
		case "--voice-url":
			target = &args.VoiceURL
		case "--capture":
			target = &args.CaptureFile
		case "--speak":
			args.Speak = true
			continue
		case "--":
			words = append(words, remaining[i+1:]...)
			i = len(remaining)
			continue
		default:
			if strings.HasPrefix(arg, "-") && len(arg) > 1 {
				return &UsageError{Command: commandName(collect), Reason: fmt.Sprintf("unknown flag %s", arg)}
			}
			if !collect {
				return &UsageError{Command: "chat", Reason: fmt.Sprintf("unexpected argument %q", arg)}
			}
			words = append(words, arg)
			continue
		}

		v, next, err := flagValue(remaining, i, value, hasValue)
		if err != nil {
			return err
		}
		*target, i = v, next
	}

	args.Message = strings.Join(words, " ")
	return nil
}

func commandName(collect bool) string {
	if collect {
		return "ask"
	}
	return "chat"
}

// parseServeArgs parses serve-specific flags.
func parseServeArgs(args *Args, remaining []string) error {
	for i := 0; i < len(remaining); i++ {
		name, value, hasValue := strings.Cut(remaining[i], "=")

		var target *string
		switch name {
		case "--addr":
			target = &args.Addr
		case "--model":
			target = &args.Model
		default:
			return &UsageError{Command: "serve", Reason: fmt.Sprintf("unexpected argument %q", remaining[i])}
		}

		v, next, err := flagValue(remaining, i, value, hasValue)
		if err != nil {
			return err
		}
		*target, i = v, next
	}
	return nil
}

// parseConfigArgs parses the config subcommand and its operands.
func parseConfigArgs(args *Args, remaining []string) error {
	p := NewArgParser(remaining)
	if p.BoolFlag("json") {
		args.JSON = true
	}

	args.Subcommand = strings.ToLower(p.Subcommand())
	switch args.Subcommand {
	case "", "show", "keys", "path":
	case "get":
		args.ConfigKey = p.Positional(1)
		if args.ConfigKey == "" {
			return &UsageError{Command: "config get", Reason: "a key is required"}
		}
	case "set":
		args.ConfigKey = p.Positional(1)
		if args.ConfigKey == "" || p.PositionalCount() < 3 {
			return &UsageError{Command: "config set", Reason: "a key and a value are required"}
		}
		args.ConfigVal = JoinPositionalArgs(p, 2)
	default:
		return &UsageError{Command: "config", Reason: fmt.Sprintf("unknown subcommand %q", args.Subcommand)}
	}
	return nil
}

// flagValue returns the value of the flag at args[i], either inline
// (--flag=value) or from the next argument, and the index of the last
// argument consumed.
func flagValue(args []string, i int, inline string, hasInline bool) (string, int, error) {
	if hasInline {
		return inline, i, nil
	}
	if i+1 >= len(args) || strings.HasPrefix(args[i+1], "--") {
		name, _, _ := strings.Cut(args[i], "=")
		return "", i, &UsageError{Reason: fmt.Sprintf("flag %s needs a value", name)}
	}
	return args[i+1], i + 1, nil
}
