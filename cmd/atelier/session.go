// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// operatorSession is the credential state persisted by "atelier login"
// and consumed by the agent daemon at startup.
type operatorSession struct {
	AgentID     string `json:"agent_id"`
	AccessToken string `json:"access_token"`
	ServerURL   string `json:"server_url"`
}

// sessionPath resolves the session file location. ATELIER_SESSION_FILE
// overrides the XDG default.
func sessionPath() (string, error) {
	if path := os.Getenv("ATELIER_SESSION_FILE"); path != "" {
		return path, nil
	}
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return filepath.Join(base, "atelier", "session.json"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("atelier: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "atelier", "session.json"), nil
}

// saveSession writes the session file with owner-only permissions.
func saveSession(path string, session *operatorSession) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("atelier: create session directory: %w", err)
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("atelier: encode session: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("atelier: write session file: %w", err)
	}
	return nil
}

// loadSession reads and validates the session file.
func loadSession(path string) (*operatorSession, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("atelier: no session at %s (run \"atelier login\" first)", path)
		}
		return nil, fmt.Errorf("atelier: read session file: %w", err)
	}
	var session operatorSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("atelier: parse session file %s: %w", path, err)
	}
	if session.AccessToken == "" || session.ServerURL == "" {
		return nil, fmt.Errorf("atelier: session file %s is incomplete (run \"atelier login\" again)", path)
	}
	return &session, nil
}
