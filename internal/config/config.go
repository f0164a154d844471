// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/ragchat/internal/util"
)

// =============================================================================
// DURATION
// =============================================================================

// Duration is a time.Duration written as "5s" or "2m30s" in both TOML and JSON.
type Duration struct {
	time.Duration
}

// D wraps a time.Duration.
func D(d time.Duration) Duration {
	return Duration{Duration: d}
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete ragchat configuration.
type Config struct {
	Endpoint EndpointConfig `toml:"endpoint" json:"endpoint"`
	Stream   StreamConfig   `toml:"stream" json:"stream"`
	Voice    VoiceConfig    `toml:"voice" json:"voice"`
	Playback PlaybackConfig `toml:"playback" json:"playback"`
	Log      LogConfig      `toml:"log" json:"log"`
	Server   ServerConfig   `toml:"server" json:"server"`
}

// EndpointConfig locates the remote chat service.
type EndpointConfig struct {
	// SubmitURL receives multipart submissions and streams the reply
	SubmitURL string `toml:"submit_url" json:"submit_url"`
	// VoiceURL is the WebSocket voice endpoint; chat_id is appended
	VoiceURL string `toml:"voice_url" json:"voice_url"`
}

// StreamConfig tunes the text exchange.
type StreamConfig struct {
	// ExchangeTimeout bounds one exchange; "0s" means unbounded
	ExchangeTimeout Duration `toml:"exchange_timeout" json:"exchange_timeout"`
	// ReadBuffer is the maximum fragment size in bytes
	ReadBuffer int `toml:"read_buffer" json:"read_buffer"`
	// ErrorMessage replaces the reply when an exchange fails
	ErrorMessage string `toml:"error_message" json:"error_message"`
}

// VoiceConfig tunes voice capture and the voice channel.
type VoiceConfig struct {
	// MaxCapture bounds one recording
	MaxCapture Duration `toml:"max_capture" json:"max_capture"`
	// EndDelay is the pause before the end marker is sent
	EndDelay Duration `toml:"end_delay" json:"end_delay"`
	// EndMarker is the text frame that ends an utterance
	EndMarker string `toml:"end_marker" json:"end_marker"`
	// FrameBytes is the binary audio frame size
	FrameBytes int `toml:"frame_bytes" json:"frame_bytes"`
	// FramesPerSecond paces audio frames; 0 sends them unpaced
	FramesPerSecond float64 `toml:"frames_per_second" json:"frames_per_second"`
	// AutoSubmit sends recognized speech without waiting for the user
	AutoSubmit bool `toml:"auto_submit" json:"auto_submit"`
	// HandshakeTimeout bounds the WebSocket handshake
	HandshakeTimeout Duration `toml:"handshake_timeout" json:"handshake_timeout"`
	// CaptureFile is a recorded audio file used as the microphone
	CaptureFile string `toml:"capture_file" json:"capture_file"`
}

// PlaybackConfig controls reading replies aloud.
type PlaybackConfig struct {
	Enabled bool `toml:"enabled" json:"enabled"`
	// Command receives the reply text on stdin, e.g. "espeak"
	Command string `toml:"command" json:"command"`
}

// LogConfig controls logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error, off
	Level string `toml:"level" json:"level"`
	// Pretty selects human-readable console output over JSON
	Pretty bool `toml:"pretty" json:"pretty"`
}

// ServerConfig configures the development server.
type ServerConfig struct {
	Addr string `toml:"addr" json:"addr"`
	// FlushOn lists the characters after which a streamed reply is flushed
	FlushOn string `toml:"flush_on" json:"flush_on"`
	// OpenAIModel is used when OPENAI_API_KEY is set
	OpenAIModel string `toml:"openai_model" json:"openai_model"`
	// HistoryWindow is how many past exchanges per chat are kept as context
	HistoryWindow int `toml:"history_window" json:"history_window"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			SubmitURL: "http://127.0.0.1:8000/chat",
			VoiceURL:  "ws://127.0.0.1:8000/voice",
		},
		Stream: StreamConfig{
			ExchangeTimeout: D(5 * time.Minute),
			ReadBuffer:      4096,
			ErrorMessage:    "Sorry, there was an error processing your request.",
		},
		Voice: VoiceConfig{
			MaxCapture:       D(5 * time.Second),
			EndDelay:         D(500 * time.Millisecond),
			EndMarker:        "__END__",
			FrameBytes:       8192,
			FramesPerSecond:  50,
			AutoSubmit:       false,
			HandshakeTimeout: D(10 * time.Second),
		},
		Playback: PlaybackConfig{
			Enabled: false,
			Command: "espeak",
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
		Server: ServerConfig{
			Addr:          "127.0.0.1:8000",
			FlushOn:       ".!? ",
			OpenAIModel:   "gpt-4o-mini",
			HistoryWindow: 3,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the ragchat configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".ragchat"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Path returns the config file Load would read: the TOML file if present,
// else the JSON file if present, else the TOML path.
func Path() (string, error) {
	tomlPath, err := ConfigPathTOML()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(tomlPath); err == nil {
		return tomlPath, nil
	}
	jsonPath, err := ConfigPathJSON()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath, nil
	}
	return tomlPath, nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default location.
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return finish(Default())
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return finish(Default())
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific file path with full validation.
// Keys missing from the file keep their default values.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	return finish(cfg)
}

// LoadTOML decodes a TOML file on top of cfg.
func LoadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON decodes a JSON file on top of cfg.
func LoadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration to a TOML file atomically.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# ragchat configuration file\n")
	buf.WriteString("# Generated by ragchat - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes the configuration to a JSON file atomically.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// MaxCaptureLimit is the longest recording the configuration accepts.
const MaxCaptureLimit = time.Minute

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true,
	"error": true, "off": true, "disabled": true,
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if err := checkURL(c.Endpoint.SubmitURL, "http", "https"); err != nil {
		add("endpoint.submit_url", err.Error())
	}
	if err := checkURL(c.Endpoint.VoiceURL, "ws", "wss"); err != nil {
		add("endpoint.voice_url", err.Error())
	}

	if c.Stream.ExchangeTimeout.Duration < 0 {
		add("stream.exchange_timeout", "must not be negative")
	}
	if c.Stream.ReadBuffer < 4 {
		add("stream.read_buffer", "must be at least 4 bytes")
	}
	if strings.TrimSpace(c.Stream.ErrorMessage) == "" {
		add("stream.error_message", "must not be empty")
	}

	if c.Voice.MaxCapture.Duration <= 0 || c.Voice.MaxCapture.Duration > MaxCaptureLimit {
		add("voice.max_capture", fmt.Sprintf("must be between 0 and %s", MaxCaptureLimit))
	}
	if c.Voice.EndDelay.Duration < 0 {
		add("voice.end_delay", "must not be negative")
	}
	if c.Voice.EndMarker == "" {
		add("voice.end_marker", "must not be empty")
	}
	if c.Voice.FrameBytes <= 0 {
		add("voice.frame_bytes", "must be positive")
	}
	if c.Voice.FramesPerSecond < 0 {
		add("voice.frames_per_second", "must not be negative")
	}
	if c.Voice.HandshakeTimeout.Duration < 0 {
		add("voice.handshake_timeout", "must not be negative")
	}

	if c.Playback.Enabled && strings.TrimSpace(c.Playback.Command) == "" {
		add("playback.command", "required when playback is enabled")
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		add("log.level", fmt.Sprintf("unknown level %q", c.Log.Level))
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		add("server.addr", "must not be empty")
	}
	if c.Server.HistoryWindow < 0 {
		add("server.history_window", "must not be negative")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return errors.New("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}

// SetDefaults sets default values for zero-value fields that have no
// meaningful zero.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Endpoint.SubmitURL == "" {
		c.Endpoint.SubmitURL = defaults.Endpoint.SubmitURL
	}
	if c.Endpoint.VoiceURL == "" {
		c.Endpoint.VoiceURL = defaults.Endpoint.VoiceURL
	}
	if c.Stream.ReadBuffer == 0 {
		c.Stream.ReadBuffer = defaults.Stream.ReadBuffer
	}
	if c.Stream.ErrorMessage == "" {
		c.Stream.ErrorMessage = defaults.Stream.ErrorMessage
	}
	if c.Voice.MaxCapture.Duration == 0 {
		c.Voice.MaxCapture = defaults.Voice.MaxCapture
	}
	if c.Voice.EndMarker == "" {
		c.Voice.EndMarker = defaults.Voice.EndMarker
	}
	if c.Voice.FrameBytes == 0 {
		c.Voice.FrameBytes = defaults.Voice.FrameBytes
	}
	if c.Voice.HandshakeTimeout.Duration == 0 {
		c.Voice.HandshakeTimeout = defaults.Voice.HandshakeTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.FlushOn == "" {
		c.Server.FlushOn = defaults.Server.FlushOn
	}
	if c.Server.OpenAIModel == "" {
		c.Server.OpenAIModel = defaults.Server.OpenAIModel
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - RAGCHAT_SUBMIT_URL: overrides endpoint.submit_url
//   - RAGCHAT_VOICE_URL: overrides endpoint.voice_url
//   - RAGCHAT_LOG_LEVEL: overrides log.level
//   - RAGCHAT_EXCHANGE_TIMEOUT: overrides stream.exchange_timeout (e.g. "90s")
//   - RAGCHAT_PLAYBACK_COMMAND: sets playback.command and enables playback
//   - RAGCHAT_SERVER_ADDR: overrides server.addr
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RAGCHAT_SUBMIT_URL"); v != "" {
		c.Endpoint.SubmitURL = v
	}
	if v := os.Getenv("RAGCHAT_VOICE_URL"); v != "" {
		c.Endpoint.VoiceURL = v
	}
	if v := os.Getenv("RAGCHAT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RAGCHAT_EXCHANGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Stream.ExchangeTimeout = D(d)
		}
	}
	if v := os.Getenv("RAGCHAT_PLAYBACK_COMMAND"); v != "" {
		c.Playback.Command = v
		c.Playback.Enabled = true
	}
	if v := os.Getenv("RAGCHAT_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "voice.max_capture").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation (e.g., "voice.max_capture").
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if strings.TrimSpace(key) == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct || field.Type() == reflect.TypeOf(Duration{}) {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(string(part[0])))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		if u, ok := field.Addr().Interface().(encoding.TextUnmarshaler); ok {
			return u.UnmarshalText([]byte(strVal))
		}
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			lower := strings.ToLower(strVal)
			field.SetBool(lower == "1" || lower == "true" || lower == "yes")
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// Keys returns all configuration keys in dot notation.
func Keys() []string {
	var keys []string
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		section := t.Field(i)
		prefix := section.Tag.Get("toml")
		for j := 0; j < section.Type.NumField(); j++ {
			keys = append(keys, prefix+"."+section.Type.Field(j).Tag.Get("toml"))
		}
	}
	return keys
}

// Clone creates a copy of the configuration. Config holds no reference
// types, so a value copy is deep.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns a JSON rendering of the config for debugging.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	SetGlobal(cfg)
	return nil
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
