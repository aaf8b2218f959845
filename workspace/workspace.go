// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace manages a locally-shareable workspace: a directory
// tree on this machine that the agent registers with the coordination
// server so collaborators can attach to it.
//
// A Workspace is created from a local path, indexed (walked and
// digested) before its first registration, and then carries two
// orthogonal pieces of state: the indexing lifecycle
// (Created → Indexing → Ready) and the share state (Unshared ↔ Shared,
// with ResharePending → Reshared on session resync after a reconnect).
// All share-state transitions are validated; an illegal transition is
// an error, never a panic, because the reconciliation engine treats
// per-workspace failures as recoverable.
//
// Indexing produces root descriptors: the content root's entry count,
// a keyed BLAKE3 digest of its file manifest, and a revision counter
// that increments on every rescan. A filesystem watcher marks the scan
// dirty in the background; the next Descriptors call rescans. Watching
// is best-effort — if the watcher cannot be established the workspace
// still works, its descriptors just go stale until something forces a
// rescan.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/atelier-collab/atelier/rpc"
)

// State is the indexing lifecycle of a workspace.
type State int

const (
	// StateCreated means the workspace exists but its content root has
	// not been walked yet.
	StateCreated State = iota

	// StateIndexing means a scan of the content root is in progress.
	StateIndexing

	// StateReady means the content root has been indexed and root
	// descriptors are available.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateIndexing:
		return "indexing"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ShareState is the registration state of a workspace with the
// coordination server.
type ShareState int

const (
	// ShareUnshared means the server has not acknowledged this
	// workspace (or it has been released).
	ShareUnshared ShareState = iota

	// ShareShared means the server acknowledged registration and
	// assigned a project ID.
	ShareShared

	// ShareResharePending means a session resync is in flight and the
	// workspace was included in the resync snapshot.
	ShareResharePending

	// ShareReshared means the server confirmed the workspace survived
	// a reconnect.
	ShareReshared
)

func (s ShareState) String() string {
	switch s {
	case ShareUnshared:
		return "unshared"
	case ShareShared:
		return "shared"
	case ShareResharePending:
		return "reshare-pending"
	case ShareReshared:
		return "reshared"
	default:
		return fmt.Sprintf("sharestate(%d)", int(s))
	}
}

// Config holds the parameters for creating a workspace handle.
type Config struct {
	// ID is the server-assigned workspace ID from the assignment that
	// requested this workspace. Required, nonzero. Stable across
	// reconnects; also used as the root descriptor ID.
	ID uint64

	// Name is the display name. Defaults to the base name of the path.
	Name string

	// Logger receives operational messages. Defaults to slog.Default().
	Logger *slog.Logger

	// Cache is the shared scan cache. Optional; without it every scan
	// re-hashes every file.
	Cache *ScanCache

	// ExtraIgnores are agent-level ignore globs merged with the
	// workspace's own options file.
	ExtraIgnores []string

	// DisableWatch turns off filesystem watching. Used by tests that
	// need deterministic rescan timing.
	DisableWatch bool
}

// Workspace is one locally-shareable workspace. Methods are safe for
// concurrent use; mutations are expected to come from a single owner
// (the agent run loop) with other goroutines only reading.
type Workspace struct {
	id      uint64
	path    string
	name    string
	logger  *slog.Logger
	cache   *ScanCache
	options Options
	ignore  ignoreMatcher

	watcher *rootWatcher // nil when disabled or setup failed
	dirty   atomic.Bool

	// scanMu serializes scans so a rescan cannot interleave with the
	// initial indexing pass.
	scanMu sync.Mutex

	mu        sync.Mutex
	state     State
	share     ShareState
	projectID uint64
	entries   uint64
	digest    [32]byte
	revision  uint64
}

// CreateLocal creates a workspace handle for an existing local
// directory. It validates the path, loads the per-workspace options
// file (.atelier.jsonc) if present, and starts the filesystem watcher.
// Watch setup failure is logged and otherwise ignored. The content
// root is not walked until AwaitIndexed.
func CreateLocal(ctx context.Context, path string, cfg Config) (*Workspace, error) {
	if cfg.ID == 0 {
		return nil, fmt.Errorf("workspace: ID is required")
	}

	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolving %s: %w", path, err)
	}
	info, err := os.Stat(absolute)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace: %s is not a directory", absolute)
	}

	options, err := loadOptions(absolute)
	if err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = filepath.Base(absolute)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Workspace{
		id:      cfg.ID,
		path:    absolute,
		name:    name,
		logger:  logger.With("workspace", cfg.ID),
		cache:   cfg.Cache,
		options: options,
		ignore:  mergeIgnores(options.Ignore, cfg.ExtraIgnores),
		state:   StateCreated,
		share:   ShareUnshared,
	}

	if !cfg.DisableWatch {
		// The watcher goroutine must not touch workspace fields: it
		// gets the immutable ignore matcher and a closure over the
		// atomic dirty flag.
		matcher := w.ignore
		watcher, err := newRootWatcher(rootWatcherConfig{
			root:      absolute,
			logger:    w.logger,
			ignore:    matcher.match,
			markDirty: func() { w.dirty.Store(true) },
		})
		if err != nil {
			w.logger.Warn("workspace watch unavailable, descriptors may go stale",
				"path", absolute,
				"error", err,
			)
		} else {
			w.watcher = watcher
		}
	}

	w.logger.Info("workspace created", "path", absolute, "name", name)
	return w, nil
}

// ID returns the server-assigned workspace ID.
func (w *Workspace) ID() uint64 { return w.id }

// Path returns the absolute content root path.
func (w *Workspace) Path() string { return w.path }

// Name returns the display name.
func (w *Workspace) Name() string { return w.name }

// State returns the current indexing lifecycle state.
func (w *Workspace) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// ShareState returns the current registration state.
func (w *Workspace) ShareState() ShareState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.share
}

// ProjectID returns the session-scoped project ID assigned by the
// server, and whether one is currently assigned.
func (w *Workspace) ProjectID() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.projectID, w.share != ShareUnshared
}

// Revision returns the scan revision: 1 after the initial indexing
// pass, incremented on every rescan.
func (w *Workspace) Revision() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.revision
}

// AwaitIndexed walks the content root and computes its manifest
// digest. The first successful call moves the workspace to StateReady;
// subsequent calls return immediately. A failed scan leaves the
// workspace in StateCreated so the next assignment push can retry.
func (w *Workspace) AwaitIndexed(ctx context.Context) error {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	w.mu.Lock()
	if w.state == StateReady {
		w.mu.Unlock()
		return nil
	}
	w.state = StateIndexing
	w.mu.Unlock()

	result, err := w.scanOnce(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.state = StateCreated
		return fmt.Errorf("workspace: indexing %s: %w", w.path, err)
	}
	w.state = StateReady
	w.entries = result.entries
	w.digest = result.digest
	w.revision = 1
	w.logger.Info("workspace indexed", "entries", result.entries, "revision", 1)
	return nil
}

// Descriptors returns the workspace's root descriptors for
// registration and resync payloads. It waits for the initial indexing
// pass, and rescans first if the watcher has marked the content root
// dirty (bumping the revision).
func (w *Workspace) Descriptors(ctx context.Context) ([]rpc.RootDescriptor, error) {
	if err := w.AwaitIndexed(ctx); err != nil {
		return nil, err
	}

	if w.dirty.CompareAndSwap(true, false) {
		if err := w.rescan(ctx); err != nil {
			// Re-mark so the next call retries.
			w.dirty.Store(true)
			return nil, err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	descriptor := rpc.RootDescriptor{
		ID:       w.id,
		Name:     w.name,
		Path:     w.path,
		Entries:  w.entries,
		Digest:   append([]byte(nil), w.digest[:]...),
		Revision: w.revision,
	}
	return []rpc.RootDescriptor{descriptor}, nil
}

// rescan re-walks the content root and bumps the revision.
func (w *Workspace) rescan(ctx context.Context) error {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	result, err := w.scanOnce(ctx)
	if err != nil {
		return fmt.Errorf("workspace: rescanning %s: %w", w.path, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = result.entries
	w.digest = result.digest
	w.revision++
	w.logger.Debug("workspace rescanned", "entries", result.entries, "revision", w.revision)
	return nil
}

// scanOnce runs a single scan pass, consulting the scan cache for
// unchanged-file digests and writing the fresh manifest back. Cache
// trouble degrades to a full re-hash, never to a scan failure.
func (w *Workspace) scanOnce(ctx context.Context) (*scanResult, error) {
	var cached map[string]FileDigest
	if w.cache != nil {
		snapshot, err := w.cache.Snapshot(ctx, w.path)
		if err != nil {
			w.logger.Warn("scan cache read failed, re-hashing all files", "error", err)
		} else {
			cached = snapshot
		}
	}

	s := &scanner{
		root:     w.path,
		ignore:   w.ignore,
		maxDepth: w.options.MaxDepth,
		cached:   cached,
	}
	result, err := s.run(ctx)
	if err != nil {
		return nil, err
	}

	if w.cache != nil {
		if err := w.cache.Replace(ctx, w.path, result.rows); err != nil {
			w.logger.Warn("scan cache write failed", "error", err)
		}
	}
	if w.watcher != nil {
		w.watcher.watchDirs(result.dirs)
	}
	return result, nil
}

// MarkShared records the server's acknowledgment of a workspace
// registration. Valid only from the unshared state.
func (w *Workspace) MarkShared(projectID uint64) error {
	if projectID == 0 {
		return fmt.Errorf("workspace: project ID must be nonzero")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.share != ShareUnshared {
		return fmt.Errorf("workspace: cannot mark %s workspace shared", w.share)
	}
	w.share = ShareShared
	w.projectID = projectID
	w.logger.Info("workspace shared", "project_id", projectID)
	return nil
}

// MarkUnshared releases the server registration. Valid from any shared
// state; the project ID is cleared.
func (w *Workspace) MarkUnshared() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.share == ShareUnshared {
		return fmt.Errorf("workspace: already unshared")
	}
	previous := w.projectID
	w.share = ShareUnshared
	w.projectID = 0
	w.logger.Info("workspace unshared", "project_id", previous)
	return nil
}

// MarkResharePending records that the workspace was included in a
// session resync snapshot. A workspace already pending stays pending
// (back-to-back reconnects), but an unshared workspace has no project
// ID to resync and is rejected.
func (w *Workspace) MarkResharePending() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.share {
	case ShareShared, ShareReshared, ShareResharePending:
		w.share = ShareResharePending
		return nil
	default:
		return fmt.Errorf("workspace: cannot resync an unshared workspace")
	}
}

// MarkReshared records the server's confirmation that the workspace
// survived a reconnect. Valid only while a resync is pending, and the
// confirmation must carry the workspace's own project ID.
func (w *Workspace) MarkReshared(entry rpc.ResyncedWorkspace) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.share != ShareResharePending {
		return fmt.Errorf("workspace: cannot mark %s workspace reshared", w.share)
	}
	if entry.ProjectID != w.projectID {
		return fmt.Errorf("workspace: reshare confirmation for project %d, want %d",
			entry.ProjectID, w.projectID)
	}
	w.share = ShareReshared
	w.logger.Info("workspace reshared", "project_id", w.projectID)
	return nil
}

// Close stops the filesystem watcher. The handle remains readable
// (released workspaces are still inspected by tests and status
// reporting) but no longer notices filesystem changes. Idempotent.
func (w *Workspace) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.close()
}
