// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

// OptionsFileName is the per-workspace options file, looked up in the
// content root. The format is JSON extended with // line comments,
// /* block comments */, and trailing commas, since the file is
// hand-edited.
const OptionsFileName = ".atelier.jsonc"

// Options are the per-workspace scan settings.
type Options struct {
	// Ignore lists path.Match globs excluded from scans. Matched
	// directories are pruned entirely. Merged with the built-in
	// defaults and any agent-level ignores.
	Ignore []string `json:"ignore"`

	// MaxDepth limits how deep scans descend: 1 means direct children
	// of the root only. Zero or absent means unlimited.
	MaxDepth int `json:"max_depth"`
}

// loadOptions reads and parses the options file from the given content
// root. A missing file yields zero-value options; a present but
// malformed file is an error so typos surface at workspace creation
// instead of silently scanning everything.
func loadOptions(root string) (Options, error) {
	var options Options

	data, err := os.ReadFile(filepath.Join(root, OptionsFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return options, nil
	}
	if err != nil {
		return options, fmt.Errorf("workspace: reading %s: %w", OptionsFileName, err)
	}

	if err := json.Unmarshal(jsonc.ToJSON(data), &options); err != nil {
		return options, fmt.Errorf("workspace: parsing %s: %w", OptionsFileName, err)
	}

	if options.MaxDepth < 0 {
		return options, fmt.Errorf("workspace: %s: max_depth must not be negative", OptionsFileName)
	}
	for _, glob := range options.Ignore {
		if _, err := path.Match(glob, ""); err != nil {
			return options, fmt.Errorf("workspace: %s: ignore glob %q: %w", OptionsFileName, glob, err)
		}
	}

	return options, nil
}
