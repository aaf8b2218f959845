// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Domain separation keys for BLAKE3 keyed hashing. Fixed constants —
// changing them invalidates every digest in that domain, including all
// scan cache rows. The byte values are the ASCII encoding of the
// domain name, zero-padded to 32 bytes, so the keys are readable in
// hex dumps without weakening the keyed mode.
var (
	manifestDomainKey = [32]byte{
		'a', 't', 'e', 'l', 'i', 'e', 'r', '.', 'w', 'o', 'r', 'k', 's', 'p', 'a', 'c',
		'e', '.', 'm', 'a', 'n', 'i', 'f', 'e', 's', 't', '.', 'v', '1', 0, 0, 0,
	}

	fileDomainKey = [32]byte{
		'a', 't', 'e', 'l', 'i', 'e', 'r', '.', 'w', 'o', 'r', 'k', 's', 'p', 'a', 'c',
		'e', '.', 'f', 'i', 'l', 'e', '.', 'v', '1', 0, 0, 0, 0, 0, 0, 0,
	}
)

// ignoreMatcher is a list of path.Match globs. A relative slash-path
// is ignored when any glob matches the path, its base name, or any
// ancestor directory (path or base name), so "node_modules" prunes
// the directory at any depth, "*.log" skips log files everywhere, and
// a watcher event deep inside a pruned directory still reads as
// ignored.
type ignoreMatcher []string

func (m ignoreMatcher) match(relative string) bool {
	for prefix := relative; prefix != "" && prefix != "." && prefix != "/"; prefix = path.Dir(prefix) {
		base := path.Base(prefix)
		for _, glob := range m {
			if matched, err := path.Match(glob, prefix); err == nil && matched {
				return true
			}
			if matched, err := path.Match(glob, base); err == nil && matched {
				return true
			}
		}
	}
	return false
}

// defaultIgnores are pruned from every scan regardless of options.
var defaultIgnores = []string{".git"}

// mergeIgnores combines the default, per-workspace, and agent-level
// ignore globs, deduplicated in that order.
func mergeIgnores(fromOptions, extra []string) ignoreMatcher {
	seen := make(map[string]struct{}, len(defaultIgnores)+len(fromOptions)+len(extra))
	var merged ignoreMatcher
	for _, group := range [][]string{defaultIgnores, fromOptions, extra} {
		for _, glob := range group {
			if _, dup := seen[glob]; dup {
				continue
			}
			seen[glob] = struct{}{}
			merged = append(merged, glob)
		}
	}
	return merged
}

// scanner walks one content root and produces its manifest.
type scanner struct {
	root     string
	ignore   ignoreMatcher
	maxDepth int // 0 = unlimited; 1 = direct children only

	// cached maps relative path → prior scan row. Files whose size and
	// mtime match their cached row reuse the cached digest instead of
	// re-reading content.
	cached map[string]FileDigest
}

// scanResult is the outcome of one scan pass.
type scanResult struct {
	entries uint64
	digest  [32]byte
	rows    []FileDigest // sorted by path, for the cache write-back
	dirs    []string     // traversed directories, for the watcher
}

// run walks the root, digesting every regular file not excluded by
// the ignore globs or the depth limit, and folds the sorted manifest
// into the root digest. Files that vanish mid-walk are skipped; any
// other filesystem error aborts the scan.
func (s *scanner) run(ctx context.Context) (*scanResult, error) {
	var rows []FileDigest
	dirs := []string{s.root}

	err := filepath.WalkDir(s.root, func(current string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if current == s.root {
				return walkErr
			}
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if current == s.root {
			return nil
		}

		relative, err := filepath.Rel(s.root, current)
		if err != nil {
			return err
		}
		relative = filepath.ToSlash(relative)
		depth := strings.Count(relative, "/") + 1

		if entry.IsDir() {
			if s.ignore.match(relative) {
				return fs.SkipDir
			}
			// A directory at the depth limit can only contain entries
			// beyond it.
			if s.maxDepth > 0 && depth >= s.maxDepth {
				return fs.SkipDir
			}
			dirs = append(dirs, current)
			return nil
		}

		if s.ignore.match(relative) {
			return nil
		}
		if s.maxDepth > 0 && depth > s.maxDepth {
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		row := FileDigest{
			Path:    relative,
			Size:    info.Size(),
			MtimeNS: info.ModTime().UnixNano(),
		}
		if prior, ok := s.cached[relative]; ok && prior.Size == row.Size && prior.MtimeNS == row.MtimeNS {
			row.Digest = prior.Digest
		} else {
			digest, err := hashFileContent(current)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			row.Digest = digest
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })

	return &scanResult{
		entries: uint64(len(rows)),
		digest:  manifestDigest(rows),
		rows:    rows,
		dirs:    dirs,
	}, nil
}

// manifestDigest computes the manifest-domain keyed digest over the
// sorted rows. Each row is folded in as
// path || NUL || size(8B BE) || mtime_ns(8B BE) || file digest(32B);
// paths cannot contain NUL, so the encoding is unambiguous.
func manifestDigest(rows []FileDigest) [32]byte {
	hasher, err := blake3.NewKeyed(manifestDomainKey[:])
	if err != nil {
		panic("workspace: BLAKE3 keyed hash initialization failed: " + err.Error())
	}

	var scratch [8]byte
	for i := range rows {
		hasher.Write([]byte(rows[i].Path))
		hasher.Write([]byte{0})
		binary.BigEndian.PutUint64(scratch[:], uint64(rows[i].Size))
		hasher.Write(scratch[:])
		binary.BigEndian.PutUint64(scratch[:], uint64(rows[i].MtimeNS))
		hasher.Write(scratch[:])
		hasher.Write(rows[i].Digest[:])
	}

	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// hashFileContent computes the file-domain keyed digest of a file's
// contents, streaming so large files do not load into memory.
func hashFileContent(name string) ([32]byte, error) {
	var digest [32]byte

	file, err := os.Open(name)
	if err != nil {
		return digest, err
	}
	defer file.Close()

	hasher, err := blake3.NewKeyed(fileDomainKey[:])
	if err != nil {
		panic("workspace: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	if _, err := io.Copy(hasher, file); err != nil {
		return digest, fmt.Errorf("hashing %s: %w", name, err)
	}
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}
