// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// writeFile creates a file (and its parent directories) under root.
// The relative path is slash-separated.
func writeFile(t *testing.T, root, relative, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(relative))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", relative, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", relative, err)
	}
}

func runScan(t *testing.T, root string, ignore []string, maxDepth int, cached map[string]FileDigest) *scanResult {
	t.Helper()
	s := &scanner{
		root:     root,
		ignore:   mergeIgnores(ignore, nil),
		maxDepth: maxDepth,
		cached:   cached,
	}
	result, err := s.run(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	return result
}

func TestScanDeterministic(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha")
	writeFile(t, root, "sub/b.txt", "beta")
	writeFile(t, root, "sub/deep/c.txt", "gamma")

	first := runScan(t, root, nil, 0, nil)
	if first.entries != 3 {
		t.Fatalf("entries = %d, want 3", first.entries)
	}

	second := runScan(t, root, nil, 0, nil)
	if second.digest != first.digest {
		t.Errorf("rescan of unchanged tree produced a different digest")
	}
	if second.entries != first.entries {
		t.Errorf("rescan entries = %d, want %d", second.entries, first.entries)
	}
}

func TestScanDigestReflectsChanges(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "aaaa")
	before := runScan(t, root, nil, 0, nil)

	// Same size, different content.
	writeFile(t, root, "a.txt", "bbbb")
	after := runScan(t, root, nil, 0, nil)
	if after.digest == before.digest {
		t.Errorf("digest unchanged after file content changed")
	}

	writeFile(t, root, "new.txt", "fresh")
	withNew := runScan(t, root, nil, 0, nil)
	if withNew.entries != 2 {
		t.Errorf("entries = %d, want 2", withNew.entries)
	}
	if withNew.digest == after.digest {
		t.Errorf("digest unchanged after file added")
	}
}

func TestScanIgnoreGlobs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/main.go", "package main")
	writeFile(t, root, "src/trace.log", "noise")
	writeFile(t, root, "debug.log", "noise")
	writeFile(t, root, "node_modules/pkg/index.js", "junk")
	writeFile(t, root, ".git/config", "[core]")

	result := runScan(t, root, []string{"node_modules", "*.log"}, 0, nil)
	if result.entries != 1 {
		t.Fatalf("entries = %d, want 1", result.entries)
	}
	if got := result.rows[0].Path; got != "src/main.go" {
		t.Errorf("surviving path = %q, want src/main.go", got)
	}

	// Changes inside an ignored directory must not move the digest.
	writeFile(t, root, "node_modules/pkg/other.js", "more junk")
	rescan := runScan(t, root, []string{"node_modules", "*.log"}, 0, nil)
	if rescan.digest != result.digest {
		t.Errorf("digest moved after change inside ignored directory")
	}
}

func TestScanMaxDepth(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "top.txt", "1")
	writeFile(t, root, "sub/mid.txt", "2")
	writeFile(t, root, "sub/deep/low.txt", "3")

	tests := []struct {
		maxDepth    int
		wantEntries uint64
	}{
		{maxDepth: 0, wantEntries: 3},
		{maxDepth: 1, wantEntries: 1},
		{maxDepth: 2, wantEntries: 2},
		{maxDepth: 3, wantEntries: 3},
	}
	for _, test := range tests {
		result := runScan(t, root, nil, test.maxDepth, nil)
		if result.entries != test.wantEntries {
			t.Errorf("maxDepth %d: entries = %d, want %d",
				test.maxDepth, result.entries, test.wantEntries)
		}
	}
}

func TestScanReusesCachedDigests(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "f.txt", "stable contents")

	first := runScan(t, root, nil, 0, nil)

	// Hand the scanner a cached row matching the file's size and
	// mtime but carrying a sentinel digest. If the scanner trusts the
	// cache it must surface the sentinel instead of re-hashing.
	var sentinel [32]byte
	for i := range sentinel {
		sentinel[i] = 0xAA
	}
	cached := map[string]FileDigest{
		"f.txt": {
			Path:    "f.txt",
			Size:    first.rows[0].Size,
			MtimeNS: first.rows[0].MtimeNS,
			Digest:  sentinel,
		},
	}
	reused := runScan(t, root, nil, 0, cached)
	if reused.rows[0].Digest != sentinel {
		t.Fatalf("cached digest not reused")
	}
	if reused.digest == first.digest {
		t.Errorf("manifest digest ignored the per-file digests")
	}

	// A content change moves size or mtime, invalidating the row.
	writeFile(t, root, "f.txt", "different contents now")
	fresh := runScan(t, root, nil, 0, cached)
	if fresh.rows[0].Digest == sentinel {
		t.Errorf("stale cache row reused after the file changed")
	}
}

func TestScanSkipsIrregularEntries(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "real.txt", "content")
	if err := os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	result := runScan(t, root, nil, 0, nil)
	if result.entries != 1 {
		t.Errorf("entries = %d, want 1 (symlink should be skipped)", result.entries)
	}
}

func TestScanCancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &scanner{root: root}
	if _, err := s.run(ctx); err == nil {
		t.Fatalf("scan with cancelled context succeeded")
	}
}

func TestMergeIgnores(t *testing.T) {
	merged := mergeIgnores([]string{"*.log", ".git"}, []string{"*.log", "build"})
	want := []string{".git", "*.log", "build"}
	if len(merged) != len(want) {
		t.Fatalf("merged = %v, want %v", merged, want)
	}
	for i := range want {
		if merged[i] != want[i] {
			t.Errorf("merged[%d] = %q, want %q", i, merged[i], want[i])
		}
	}
}

func TestIgnoreMatcher(t *testing.T) {
	matcher := ignoreMatcher{"node_modules", "*.log", "build/out"}

	tests := []struct {
		path string
		want bool
	}{
		{"node_modules", true},
		{"src/node_modules", true},
		{"node_modules/pkg/deep/index.js", true}, // under a pruned directory
		{"debug.log", true},
		{"nested/deep/trace.log", true},
		{"build/out", true},
		{"build/out/artifact.bin", true},
		{"src/main.go", false},
		{"logs", false},
		{"build", false},
	}
	for _, test := range tests {
		if got := matcher.match(test.path); got != test.want {
			t.Errorf("match(%q) = %v, want %v", test.path, got, test.want)
		}
	}
}
