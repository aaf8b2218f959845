// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/atelier-collab/atelier/lib/secret"
	"github.com/atelier-collab/atelier/rpc"
)

// loginCommand returns the "login" command for authenticating an agent.
// It validates the token by dialing the coordination server, then saves
// the session to the well-known path so "atelier-agent" can pick it up
// without any flags.
func loginCommand() *command {
	var tokenFile string

	return &command{
		Name:    "login",
		Summary: "Authenticate against a coordination server",
		Description: `Log in to an Atelier coordination server and save the session locally.

The access token is validated by performing a full connection handshake
before anything is written. On success the session is saved to
~/.config/atelier/session.json (or $ATELIER_SESSION_FILE if set, or
$XDG_CONFIG_HOME/atelier/session.json), with mode 0600 since it contains
the token. The agent daemon reads the same file at startup.

The token can be provided via --token-file or prompted interactively.`,
		Usage: "atelier login <server-url> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("login", pflag.ContinueOnError)
			flags.StringVar(&tokenFile, "token-file", "", "path to file containing the access token (default: prompt)")
			return flags
		},
		Run: func(args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("server URL is required\n\nUsage: atelier login <server-url> [flags]")
			}
			serverURL := args[0]
			if len(args) > 1 {
				return fmt.Errorf("unexpected argument: %s", args[1])
			}

			token, err := readLoginToken(tokenFile)
			if err != nil {
				return err
			}
			defer token.Close()

			// Parse the token locally first for a fast, clear failure
			// on expired or malformed tokens.
			identity, err := rpc.ParseIdentity(token.String())
			if err != nil {
				return fmt.Errorf("invalid token: %w", err)
			}
			if !identity.ExpiresAt.IsZero() && time.Now().After(identity.ExpiresAt) {
				return fmt.Errorf("token expired at %s", identity.ExpiresAt.Format(time.RFC3339))
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			client, err := rpc.NewClient(rpc.Config{
				ServerURL:    serverURL,
				Token:        token,
				AgentVersion: version,
				Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
			})
			if err != nil {
				return fmt.Errorf("create client: %w", err)
			}
			defer client.Close()

			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			agentID := identity.AgentID
			if hello := client.Identity(); hello != nil && hello.AgentID != "" {
				agentID = hello.AgentID
			}

			path, err := sessionPath()
			if err != nil {
				return err
			}
			session := &operatorSession{
				AgentID:     agentID,
				AccessToken: token.String(),
				ServerURL:   serverURL,
			}
			if err := saveSession(path, session); err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "Logged in as %s\n", agentID)
			fmt.Fprintf(os.Stderr, "Session saved to %s\n", path)
			return nil
		},
	}
}

// readLoginToken reads the access token. An empty or "-" tokenFile means
// an interactive prompt with echo disabled.
func readLoginToken(tokenFile string) (*secret.Buffer, error) {
	if tokenFile != "" && tokenFile != "-" {
		return secret.ReadFromPath(tokenFile)
	}

	stdinFD := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFD) {
		return nil, fmt.Errorf("no terminal available for interactive token prompt (use --token-file)")
	}

	fmt.Fprint(os.Stderr, "Access token: ")
	tokenBytes, err := term.ReadPassword(stdinFD)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading token: %w", err)
	}

	buffer, err := secret.NewFromBytes(tokenBytes)
	if err != nil {
		secret.Zero(tokenBytes)
		return nil, err
	}
	return buffer, nil
}
