// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Atelier-agent is the headless workspace-sharing agent. It holds one
// persistent session with the coordination server, shares the
// workspaces the server assigns to this machine, and keeps that
// sharing alive across network drops.
//
// The server is the source of truth: it pushes the full set of
// workspaces the agent should be sharing, and the agent reconciles
// its local state against every push. When the link drops, the
// transport reconnects with backoff and the agent replays its tracked
// workspaces in one resync request so the server can restore sharing
// without a full re-registration.
//
// On startup:
//  1. Loads configuration (flags over --config file over defaults).
//  2. Loads the access token ($ATELIER_TOKEN, --token-file, or the
//     session file written by "atelier login").
//  3. Connects and authenticates; failure here is fatal.
//  4. Runs until SIGINT/SIGTERM, then sends a best-effort shutdown
//     notice and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/atelier-collab/atelier/lib/secret"
	"github.com/atelier-collab/atelier/rpc"
	"github.com/atelier-collab/atelier/workspace"
)

// version is stamped by the build; "devel" for plain go build.
var version = "devel"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath        string
		serverURL         string
		stateDir          string
		tokenFile         string
		logLevel          string
		heartbeatInterval time.Duration
		shutdownGrace     time.Duration
		showVersion       bool
	)

	defaults := defaultAgentConfig()
	flag.StringVar(&configPath, "config", os.Getenv("ATELIER_CONFIG"), "path to the agent config file (YAML)")
	flag.StringVar(&serverURL, "server-url", "", "coordination server websocket URL (wss://...)")
	flag.StringVar(&stateDir, "state-dir", defaults.StateDir, "directory for agent state (session file, scan cache)")
	flag.StringVar(&tokenFile, "token-file", "", "file holding the access token, or - for stdin")
	flag.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flag.DurationVar(&heartbeatInterval, "heartbeat-interval", defaults.HeartbeatInterval, "agent.status notify period (0 disables)")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", defaults.ShutdownGrace, "how long the shutdown notice may take before the process exits anyway")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("atelier-agent %s\n", version)
		return nil
	}

	cfg := defaults
	if configPath != "" {
		if err := loadConfigFile(&cfg, configPath); err != nil {
			return err
		}
	}
	// Explicitly-set flags win over the config file.
	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server-url":
			cfg.ServerURL = serverURL
		case "state-dir":
			cfg.StateDir = stateDir
		case "token-file":
			cfg.TokenFile = tokenFile
		case "heartbeat-interval":
			cfg.HeartbeatInterval = heartbeatInterval
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		case "log-level":
			level, err := parseLogLevel(logLevel)
			if err != nil {
				flagErr = err
				return
			}
			cfg.LogLevel = level
		}
	})
	if flagErr != nil {
		return flagErr
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	token, err := loadToken(&cfg)
	if err != nil {
		return err
	}
	defer token.Close()

	if identity, err := rpc.ParseIdentity(token.String()); err == nil {
		if identity.Expired(time.Now()) {
			logger.Warn("access token is expired, the server will reject it",
				"expired_at", identity.ExpiresAt,
			)
		}
		logger.Info("starting atelier-agent",
			"version", version,
			"agent_id", identity.AgentID,
			"server", cfg.ServerURL,
		)
	} else {
		// Opaque (non-JWT) tokens are fine; the server decides.
		logger.Info("starting atelier-agent", "version", version, "server", cfg.ServerURL)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	// The scan cache only accelerates rescans; a machine that cannot
	// open it just hashes every file every time.
	var cache *workspace.ScanCache
	cache, err = workspace.OpenScanCache(workspace.ScanCacheConfig{
		Path:   filepath.Join(cfg.StateDir, "scancache.db"),
		Logger: logger,
	})
	if err != nil {
		logger.Warn("scan cache unavailable, rescans will re-hash everything", "error", err)
		cache = nil
	} else {
		defer cache.Close()
	}

	client, err := rpc.NewClient(rpc.Config{
		ServerURL:        cfg.ServerURL,
		Token:            token,
		AgentVersion:     version,
		Logger:           logger,
		CompressionFloor: cfg.CompressionFloor,
		MinBackoff:       cfg.MinBackoff,
		MaxBackoff:       cfg.MaxBackoff,
	})
	if err != nil {
		return err
	}

	// The agent subscribes to assignment pushes in NewAgent, before
	// Connect, so an assignment set sent immediately after the
	// handshake cannot be missed.
	agent := NewAgent(AgentConfig{
		Session:     client,
		Logger:      logger,
		Cache:       cache,
		ScanIgnores: cfg.ScanIgnores,
	})

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.ServerURL, err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		agent.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		agent.Supervise(ctx)
	}()
	go func() {
		defer wg.Done()
		agent.Heartbeat(ctx, cfg.HeartbeatInterval)
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down")

	agent.Shutdown(cfg.ShutdownGrace)
	client.Close()
	wg.Wait()
	return nil
}

// loadToken resolves the access token: $ATELIER_TOKEN (read and
// unset), then --token-file, then the session file written by
// "atelier login". The session file may also supply the server URL
// when no flag or config value set one.
func loadToken(cfg *agentConfig) (*secret.Buffer, error) {
	token, err := secret.FromEnv("ATELIER_TOKEN")
	if err != nil {
		return nil, err
	}
	if token != nil {
		if cfg.ServerURL == "" {
			return nil, fmt.Errorf("server_url is required when the token comes from $ATELIER_TOKEN")
		}
		return token, nil
	}

	if cfg.TokenFile != "" {
		if cfg.ServerURL == "" {
			return nil, fmt.Errorf("server_url is required when the token comes from --token-file")
		}
		return secret.ReadFromPath(cfg.TokenFile)
	}

	session, err := loadAgentSession(sessionFilePath(cfg.StateDir))
	if err != nil {
		return nil, err
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = session.ServerURL
		if err := cfg.validate(); err != nil {
			return nil, err
		}
	}
	return secret.NewFromBytes([]byte(session.AccessToken))
}
