// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// agentSession is the saved authentication state: written by
// "atelier login", read here at startup. The access token proves the
// agent's identity to the coordination server.
type agentSession struct {
	AgentID     string `json:"agent_id"`
	AccessToken string `json:"access_token"`
	ServerURL   string `json:"server_url"`
}

// sessionFilePath returns the first session file that exists: the
// agent state directory's own session.json, then the CLI's well-known
// path ($ATELIER_SESSION_FILE, $XDG_CONFIG_HOME/atelier/session.json,
// ~/.config/atelier/session.json). When none exists the state-dir
// path is returned so the error message names the preferred location.
func sessionFilePath(stateDir string) string {
	candidates := []string{filepath.Join(stateDir, "session.json")}
	if envPath := os.Getenv("ATELIER_SESSION_FILE"); envPath != "" {
		candidates = append(candidates, envPath)
	}
	if configDir := os.Getenv("XDG_CONFIG_HOME"); configDir != "" {
		candidates = append(candidates, filepath.Join(configDir, "atelier", "session.json"))
	} else if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "atelier", "session.json"))
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return candidates[0]
}

// loadAgentSession reads and validates a session file.
func loadAgentSession(path string) (*agentSession, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no session at %s — run \"atelier login\" first", path)
		}
		return nil, fmt.Errorf("reading session file %s: %w", path, err)
	}

	var session agentSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("parsing session file %s: %w", path, err)
	}
	if session.AccessToken == "" {
		return nil, fmt.Errorf("session file %s has no access_token", path)
	}
	if session.ServerURL == "" {
		return nil, fmt.Errorf("session file %s has no server_url", path)
	}
	return &session, nil
}
