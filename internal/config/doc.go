// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for ragchat.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.ragchat/config.toml
//   - ~/.ragchat/config.json
//   - Built-in defaults
//
// Example config.toml:
//
//	[endpoint]
//	submit_url = "http://127.0.0.1:8000/chat"
//	voice_url  = "ws://127.0.0.1:8000/voice"
//
//	[stream]
//	exchange_timeout = "5m"   # "0s" disables the limit
//
//	[voice]
//	max_capture = "5s"
//	end_delay   = "500ms"
//	end_marker  = "__END__"
//
//	[playback]
//	enabled = true
//	command = "espeak"
//
// Usage:
//
//	cfg := config.Global()
//	timeout := cfg.Stream.ExchangeTimeout.Duration
//
// Watch reloads a config file when it changes on disk.
package config
