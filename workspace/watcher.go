// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// rootWatcherConfig wires a watcher to its workspace without sharing
// mutable state: the ignore filter and dirty callback are closures the
// watcher goroutine may call at any time.
type rootWatcherConfig struct {
	root      string
	logger    *slog.Logger
	ignore    func(relative string) bool
	markDirty func()
}

// rootWatcher watches a content root and its subdirectories for
// changes. Filesystem notification is not recursive, so the watch set
// is seeded with the root, extended as scans discover directories, and
// patched live when a directory is created between scans.
type rootWatcher struct {
	root      string
	fsw       *fsnotify.Watcher
	logger    *slog.Logger
	ignore    func(string) bool
	markDirty func()

	mu      sync.Mutex
	watched map[string]struct{}

	closeOnce sync.Once
	closeErr  error
}

func newRootWatcher(cfg rootWatcherConfig) (*rootWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fsw.Add(cfg.root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", cfg.root, err)
	}

	w := &rootWatcher{
		root:      cfg.root,
		fsw:       fsw,
		logger:    cfg.logger,
		ignore:    cfg.ignore,
		markDirty: cfg.markDirty,
		watched:   map[string]struct{}{cfg.root: {}},
	}
	go w.loop()
	return w, nil
}

// loop drains events until the watcher is closed. Both channels close
// on fsnotify.Watcher.Close, ending the goroutine.
func (w *rootWatcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("workspace watcher error", "error", err)
		}
	}
}

func (w *rootWatcher) handle(event fsnotify.Event) {
	relative, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		// An event we cannot place relative to the root still means
		// something changed.
		w.markDirty()
		return
	}
	relative = filepath.ToSlash(relative)
	if relative != "." && w.ignore(relative) {
		return
	}
	w.markDirty()

	// A directory created between scans must be watched immediately,
	// or changes inside it go unseen until the next full rescan.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addDir(event.Name)
		}
	}
}

// addDir adds one directory to the watch set.
func (w *rootWatcher) addDir(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[dir]; ok {
		return
	}
	if err := w.fsw.Add(dir); err != nil {
		w.logger.Debug("watch add failed", "dir", dir, "error", err)
		return
	}
	w.watched[dir] = struct{}{}
}

// watchDirs syncs the watch set to the directories the latest scan
// traversed: stale watches are dropped, new directories added.
func (w *rootWatcher) watchDirs(dirs []string) {
	fresh := make(map[string]struct{}, len(dirs))
	for _, dir := range dirs {
		fresh[dir] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range w.watched {
		if _, keep := fresh[dir]; keep {
			continue
		}
		// Removing a watch on an already-deleted directory errors;
		// the kernel dropped it for us.
		_ = w.fsw.Remove(dir)
		delete(w.watched, dir)
	}
	for dir := range fresh {
		if _, ok := w.watched[dir]; ok {
			continue
		}
		if err := w.fsw.Add(dir); err != nil {
			w.logger.Debug("watch add failed", "dir", dir, "error", err)
			continue
		}
		w.watched[dir] = struct{}{}
	}
}

// close shuts down the watcher and its goroutine. Idempotent.
func (w *rootWatcher) close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.fsw.Close()
	})
	return w.closeErr
}
