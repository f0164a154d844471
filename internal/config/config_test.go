// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateHome points the config directory at a temp dir and clears overrides.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	for _, key := range []string{
		"RAGCHAT_SUBMIT_URL", "RAGCHAT_VOICE_URL", "RAGCHAT_LOG_LEVEL",
		"RAGCHAT_EXCHANGE_TIMEOUT", "RAGCHAT_PLAYBACK_COMMAND", "RAGCHAT_SERVER_ADDR",
	} {
		t.Setenv(key, "")
	}
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.Stream.ExchangeTimeout.Duration)
	assert.Equal(t, 5*time.Second, cfg.Voice.MaxCapture.Duration)
	assert.Equal(t, "__END__", cfg.Voice.EndMarker)
	assert.Equal(t, 3, cfg.Server.HistoryWindow)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	isolateHome(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Endpoint, cfg.Endpoint)
}

func TestLoadFromPath_TOML(t *testing.T) {
	dir := isolateHome(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, `
[endpoint]
submit_url = "https://chat.example.com/chat"

[stream]
exchange_timeout = "0s"

[voice]
max_capture = "12s"
auto_submit = true
`)

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.com/chat", cfg.Endpoint.SubmitURL)
	assert.Equal(t, Default().Endpoint.VoiceURL, cfg.Endpoint.VoiceURL, "missing keys keep defaults")
	assert.Zero(t, cfg.Stream.ExchangeTimeout.Duration, "explicit zero timeout survives")
	assert.Equal(t, 12*time.Second, cfg.Voice.MaxCapture.Duration)
	assert.True(t, cfg.Voice.AutoSubmit)
}

func TestLoadFromPath_JSON(t *testing.T) {
	dir := isolateHome(t)
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"voice": {"end_delay": "250ms"}, "log": {"level": "debug"}}`)

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Voice.EndDelay.Duration)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_PrefersTOMLOverJSON(t *testing.T) {
	home := isolateHome(t)
	writeFile(t, filepath.Join(home, ".ragchat", "config.toml"), "[log]\nlevel = \"warn\"\n")
	writeFile(t, filepath.Join(home, ".ragchat", "config.json"), `{"log": {"level": "error"}}`)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadFromPath_BadDuration(t *testing.T) {
	dir := isolateHome(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "[voice]\nmax_capture = \"soon\"\n")

	_, err := LoadFromPath(path)
	assert.Error(t, err)
}

func TestLoadFromPath_InvalidConfig(t *testing.T) {
	dir := isolateHome(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "[endpoint]\nvoice_url = \"http://127.0.0.1/voice\"\n")

	_, err := LoadFromPath(path)
	require.Error(t, err)

	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, "endpoint.voice_url", verrs[0].Field)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"submit scheme", func(c *Config) { c.Endpoint.SubmitURL = "ftp://host/chat" }, "endpoint.submit_url"},
		{"submit host", func(c *Config) { c.Endpoint.SubmitURL = "http:///chat" }, "endpoint.submit_url"},
		{"voice scheme", func(c *Config) { c.Endpoint.VoiceURL = "https://host/voice" }, "endpoint.voice_url"},
		{"negative timeout", func(c *Config) { c.Stream.ExchangeTimeout = D(-time.Second) }, "stream.exchange_timeout"},
		{"tiny buffer", func(c *Config) { c.Stream.ReadBuffer = 2 }, "stream.read_buffer"},
		{"zero capture", func(c *Config) { c.Voice.MaxCapture = D(0) }, "voice.max_capture"},
		{"long capture", func(c *Config) { c.Voice.MaxCapture = D(2 * time.Minute) }, "voice.max_capture"},
		{"zero frame", func(c *Config) { c.Voice.FrameBytes = 0 }, "voice.frame_bytes"},
		{"empty marker", func(c *Config) { c.Voice.EndMarker = "" }, "voice.end_marker"},
		{"playback without command", func(c *Config) {
			c.Playback.Enabled = true
			c.Playback.Command = " "
		}, "playback.command"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var verrs ValidateErrors
			require.True(t, errors.As(err, &verrs))
			fields := make([]string, 0, len(verrs))
			for _, v := range verrs {
				fields = append(fields, v.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	isolateHome(t)
	t.Setenv("RAGCHAT_SUBMIT_URL", "http://10.0.0.5:9000/chat")
	t.Setenv("RAGCHAT_EXCHANGE_TIMEOUT", "90s")
	t.Setenv("RAGCHAT_PLAYBACK_COMMAND", "say")
	t.Setenv("RAGCHAT_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:9000/chat", cfg.Endpoint.SubmitURL)
	assert.Equal(t, 90*time.Second, cfg.Stream.ExchangeTimeout.Duration)
	assert.True(t, cfg.Playback.Enabled)
	assert.Equal(t, "say", cfg.Playback.Command)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestApplyEnvOverrides_BadTimeoutIgnored(t *testing.T) {
	isolateHome(t)
	t.Setenv("RAGCHAT_EXCHANGE_TIMEOUT", "later")

	cfg := Default()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, 5*time.Minute, cfg.Stream.ExchangeTimeout.Duration)
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	dir := isolateHome(t)
	path := filepath.Join(dir, "nested", "config.toml")

	cfg := Default()
	cfg.Voice.MaxCapture = D(7 * time.Second)
	cfg.Playback.Enabled = true
	require.NoError(t, SaveTOML(cfg, path))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSaveJSON_RoundTrip(t *testing.T) {
	dir := isolateHome(t)
	path := filepath.Join(dir, "config.json")

	cfg := Default()
	cfg.Stream.ReadBuffer = 64
	require.NoError(t, SaveJSON(cfg, path))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 64, loaded.Stream.ReadBuffer)
}

func TestGetSet(t *testing.T) {
	cfg := Default()

	v, err := cfg.Get("endpoint.submit_url")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8000/chat", v)

	require.NoError(t, cfg.Set("voice.max_capture", "9s"))
	assert.Equal(t, 9*time.Second, cfg.Voice.MaxCapture.Duration)

	require.NoError(t, cfg.Set("voice.auto-submit", "yes"))
	assert.True(t, cfg.Voice.AutoSubmit)

	require.NoError(t, cfg.Set("stream.read_buffer", "128"))
	assert.Equal(t, 128, cfg.Stream.ReadBuffer)

	require.NoError(t, cfg.Set("voice.frames_per_second", 25))
	assert.Equal(t, 25.0, cfg.Voice.FramesPerSecond)

	assert.Error(t, cfg.Set("stream.read_buffer", "many"))
	assert.Error(t, cfg.Set("voice.max_capture", "forever"))

	_, err = cfg.Get("voice.nope")
	assert.Error(t, err)
	_, err = cfg.Get("voice.max_capture.duration")
	assert.Error(t, err)
	_, err = cfg.Get("")
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	cfg := Default()
	keys := Keys()
	assert.Contains(t, keys, "endpoint.submit_url")
	assert.Contains(t, keys, "voice.max_capture")
	for _, key := range keys {
		_, err := cfg.Get(key)
		assert.NoError(t, err, key)
	}
}

func TestClone(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()
	clone.Log.Level = "error"
	assert.Equal(t, "info", cfg.Log.Level)
}

// TestConfig_ConcurrentAccess tests that Global() and SetGlobal()
// can be safely called concurrently without race conditions.
// Run with: go test -race -v ./internal/config/
func TestConfig_ConcurrentAccess(t *testing.T) {
	isolateHome(t)
	ResetGlobalForTesting()
	defer ResetGlobalForTesting()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetGlobal(Default())
		}()
		go func() {
			defer wg.Done()
			if Global() == nil {
				t.Error("Global() returned nil")
			}
		}()
	}
	wg.Wait()
}

func TestReloadGlobal(t *testing.T) {
	home := isolateHome(t)
	ResetGlobalForTesting()
	defer ResetGlobalForTesting()

	assert.Equal(t, "info", Global().Log.Level)

	writeFile(t, filepath.Join(home, ".ragchat", "config.toml"), "[log]\nlevel = \"error\"\n")
	require.NoError(t, ReloadGlobal())
	assert.Equal(t, "error", Global().Log.Level)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := isolateHome(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "[log]\nlevel = \"info\"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		cfg *Config
		err error
	}
	results := make(chan result, 8)
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- Watch(ctx, path, func(cfg *Config, err error) {
			results <- result{cfg, err}
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "[log]\nlevel = \"debug\"\n")

	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.Equal(t, "debug", r.cfg.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}

	cancel()
	select {
	case err := <-watchDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatch_ReportsInvalidFile(t *testing.T) {
	dir := isolateHome(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 8)
	go func() {
		_ = Watch(ctx, path, func(_ *Config, err error) {
			errs <- err
		})
	}()

	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "[stream]\nread_buffer = 1\n")

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no callback after invalid write")
	}
}
