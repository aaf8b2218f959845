// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
)

// ReadFromPath reads a secret from a file, or from stdin when path is
// "-". Surrounding whitespace is trimmed (files routinely end in a
// newline); an empty result is an error. All intermediate copies are
// zeroed before returning.
func ReadFromPath(path string) (*Buffer, error) {
	var data []byte

	if path == "-" {
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, fmt.Errorf("secret: reading stdin: %w", err)
			}
			return nil, fmt.Errorf("secret: stdin is empty")
		}
		data = scanner.Bytes()
	} else {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("secret: reading %s: %w", path, err)
		}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("secret: %s holds no value", path)
	}

	buffer, err := NewFromBytes(trimmed)
	Zero(data)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}

// FromEnv reads a secret from an environment variable and unsets it so
// child processes and later /proc readers cannot see it. Returns nil
// with no error when the variable is unset or empty.
func FromEnv(name string) (*Buffer, error) {
	value := os.Getenv(name)
	if value == "" {
		return nil, nil
	}
	os.Unsetenv(name)

	buffer, err := NewFromBytes([]byte(value))
	if err != nil {
		return nil, fmt.Errorf("secret: from $%s: %w", name, err)
	}
	return buffer, nil
}
