// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// agentConfig is the resolved runtime configuration: defaults,
// overlaid by the --config file, overlaid by explicitly-set flags.
type agentConfig struct {
	// ServerURL is the coordination server websocket endpoint.
	// Required unless the session file provides one.
	ServerURL string

	// StateDir holds the session file, the scan cache, and anything
	// else the agent persists between runs.
	StateDir string

	// TokenFile, when set, is read instead of the session file's
	// token ("-" reads stdin). ATELIER_TOKEN overrides both.
	TokenFile string

	// HeartbeatInterval is the agent.status notify period. Zero
	// disables the heartbeat.
	HeartbeatInterval time.Duration

	// ShutdownGrace bounds the best-effort shutdown RPC.
	ShutdownGrace time.Duration

	// ScanIgnores are glob patterns excluded from every workspace
	// scan, in addition to each workspace's own options file.
	ScanIgnores []string

	// CompressionFloor is the payload size below which envelope
	// compression is skipped. Zero takes the transport default.
	CompressionFloor int

	// MinBackoff and MaxBackoff bound the transport reconnect
	// backoff. Zero takes the transport defaults.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// LogLevel is the slog level for the process.
	LogLevel slog.Level
}

func defaultAgentConfig() agentConfig {
	return agentConfig{
		StateDir:          "/var/lib/atelier",
		HeartbeatInterval: 60 * time.Second,
		ShutdownGrace:     3 * time.Second,
		LogLevel:          slog.LevelInfo,
	}
}

// configFile is the YAML shape of the --config file. Durations are
// strings in Go duration syntax ("90s", "2m"); unknown keys are
// rejected so typos fail loudly instead of silently taking defaults.
type configFile struct {
	ServerURL           string   `yaml:"server_url"`
	StateDir            string   `yaml:"state_dir"`
	TokenFile           string   `yaml:"token_file"`
	HeartbeatInterval   string   `yaml:"heartbeat_interval"`
	ShutdownGrace       string   `yaml:"shutdown_grace"`
	ScanIgnores         []string `yaml:"scan_ignores"`
	CompressionFloor    int      `yaml:"compression_floor"`
	ReconnectMinBackoff string   `yaml:"reconnect_min_backoff"`
	ReconnectMaxBackoff string   `yaml:"reconnect_max_backoff"`
	LogLevel            string   `yaml:"log_level"`
}

// loadConfigFile overlays the YAML file at path onto cfg. Empty
// fields in the file leave cfg untouched.
func loadConfigFile(cfg *agentConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	var file configFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}

	if file.ServerURL != "" {
		cfg.ServerURL = file.ServerURL
	}
	if file.StateDir != "" {
		cfg.StateDir = file.StateDir
	}
	if file.TokenFile != "" {
		cfg.TokenFile = file.TokenFile
	}
	if len(file.ScanIgnores) > 0 {
		cfg.ScanIgnores = file.ScanIgnores
	}
	if file.CompressionFloor != 0 {
		cfg.CompressionFloor = file.CompressionFloor
	}

	durations := []struct {
		value  string
		key    string
		target *time.Duration
	}{
		{file.HeartbeatInterval, "heartbeat_interval", &cfg.HeartbeatInterval},
		{file.ShutdownGrace, "shutdown_grace", &cfg.ShutdownGrace},
		{file.ReconnectMinBackoff, "reconnect_min_backoff", &cfg.MinBackoff},
		{file.ReconnectMaxBackoff, "reconnect_max_backoff", &cfg.MaxBackoff},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("config %s: %s: %w", path, d.key, err)
		}
		*d.target = parsed
	}

	if file.LogLevel != "" {
		level, err := parseLogLevel(file.LogLevel)
		if err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		cfg.LogLevel = level
	}
	return nil
}

func parseLogLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", name, err)
	}
	return level, nil
}

// validate checks the resolved configuration. The server URL may
// still be empty here — the session file can provide it — so it is
// only validated for syntax when present.
func (c *agentConfig) validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.ServerURL != "" {
		parsed, err := url.Parse(c.ServerURL)
		if err != nil {
			return fmt.Errorf("server_url: %w", err)
		}
		if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
			return fmt.Errorf("server_url scheme must be ws or wss, got %q", parsed.Scheme)
		}
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeat_interval must not be negative")
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown_grace must be positive")
	}
	if c.MinBackoff < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("reconnect backoff bounds must not be negative")
	}
	if c.MaxBackoff > 0 && c.MinBackoff > c.MaxBackoff {
		return fmt.Errorf("reconnect_min_backoff exceeds reconnect_max_backoff")
	}
	return nil
}
