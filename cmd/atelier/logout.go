// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
)

// logoutCommand returns the "logout" command, which deletes the saved
// session file. The token itself is not revoked server-side.
func logoutCommand() *command {
	return &command{
		Name:    "logout",
		Summary: "Delete the saved session",
		Usage:   "atelier logout",
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			path, err := sessionPath()
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintf(os.Stderr, "No session at %s\n", path)
					return nil
				}
				return fmt.Errorf("remove session file: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Logged out; removed %s\n", path)
			return nil
		},
	}
}
