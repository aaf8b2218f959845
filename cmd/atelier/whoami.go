// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/atelier-collab/atelier/rpc"
)

// whoamiCommand returns the "whoami" command. It reports the saved
// session's identity from the token claims alone, without contacting
// the coordination server.
func whoamiCommand() *command {
	return &command{
		Name:    "whoami",
		Summary: "Show the current session identity",
		Description: `Show the identity of the saved session.

Reads the session file written by "atelier login" and decodes the token
claims locally. The server is not contacted, so an expired token is
reported rather than rejected.`,
		Usage: "atelier whoami",
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}

			path, err := sessionPath()
			if err != nil {
				return err
			}
			session, err := loadSession(path)
			if err != nil {
				return err
			}

			identity, err := rpc.ParseIdentity(session.AccessToken)
			if err != nil {
				return fmt.Errorf("saved token is unreadable: %w (run \"atelier login\" again)", err)
			}

			fmt.Fprintf(os.Stdout, "Agent:   %s\n", identity.AgentID)
			fmt.Fprintf(os.Stdout, "Server:  %s\n", session.ServerURL)
			if identity.Issuer != "" {
				fmt.Fprintf(os.Stdout, "Issuer:  %s\n", identity.Issuer)
			}
			switch {
			case identity.ExpiresAt.IsZero():
				fmt.Fprintf(os.Stdout, "Expires: never\n")
			case time.Now().After(identity.ExpiresAt):
				fmt.Fprintf(os.Stdout, "Expires: %s (EXPIRED)\n", identity.ExpiresAt.Format(time.RFC3339))
			default:
				fmt.Fprintf(os.Stdout, "Expires: %s\n", identity.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Fprintf(os.Stdout, "Session: %s\n", path)
			return nil
		},
	}
}
