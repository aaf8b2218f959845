// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Command atelier is the operator CLI for the Atelier collaboration
// platform. It manages the local credential session consumed by the
// atelier-agent daemon.
package main

import (
	"fmt"
	"os"
)

// version is stamped at build time via -ldflags.
var version = "devel"

func main() {
	root := &command{
		Name:    "atelier",
		Summary: "Operator CLI for the Atelier collaboration platform",
		Description: `atelier manages credentials for the Atelier agent daemon.

Log in once with "atelier login"; the agent daemon and later CLI
invocations use the saved session transparently.`,
		Subcommands: []*command{
			loginCommand(),
			whoamiCommand(),
			logoutCommand(),
			versionCommand(),
		},
	}

	if err := root.execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "atelier: %s\n", err)
		os.Exit(1)
	}
}

func versionCommand() *command {
	return &command{
		Name:    "version",
		Summary: "Print the CLI version",
		Usage:   "atelier version",
		Run: func(args []string) error {
			fmt.Fprintf(os.Stdout, "atelier %s\n", version)
			return nil
		},
	}
}
