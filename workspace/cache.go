// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/atelier-collab/atelier/lib/sqlitepool"
)

// FileDigest is one scan cache row: the content digest of a file at a
// given size and modification time. A rescan reuses the digest when
// both still match, skipping the content read.
type FileDigest struct {
	Path    string // root-relative, slash-separated
	Size    int64
	MtimeNS int64
	Digest  [32]byte
}

// Rows are keyed by content root so one database serves every
// workspace the agent tracks. Dropping a root cascades to its entries.
const scanCacheSchema = `
CREATE TABLE IF NOT EXISTS roots (
	id   INTEGER PRIMARY KEY,
	path TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS entries (
	root_id  INTEGER NOT NULL REFERENCES roots(id) ON DELETE CASCADE,
	path     TEXT NOT NULL,
	size     INTEGER NOT NULL,
	mtime_ns INTEGER NOT NULL,
	digest   BLOB NOT NULL,
	PRIMARY KEY (root_id, path)
);
`

// ScanCacheConfig holds the parameters for opening a scan cache.
type ScanCacheConfig struct {
	// Path is the SQLite database file, typically under the agent
	// state directory. The parent directory must exist.
	Path string

	// PoolSize is the connection pool size. Defaults per sqlitepool.
	PoolSize int

	// Logger receives operational messages. Defaults to slog.Default().
	Logger *slog.Logger
}

// ScanCache persists per-file content digests between scans. It is an
// accelerator, not a source of truth: every read path tolerates a
// missing or damaged cache by re-hashing, and callers treat cache
// errors as degradation rather than failure.
type ScanCache struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// OpenScanCache opens (creating if necessary) the scan cache database.
func OpenScanCache(cfg ScanCacheConfig) (*ScanCache, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("workspace: scan cache: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("workspace: scan cache: %w", err)
	}

	cache := &ScanCache{pool: pool, logger: logger}
	if err := cache.ensureSchema(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("workspace: scan cache: %w", err)
	}
	return cache, nil
}

func (c *ScanCache) ensureSchema() error {
	conn, err := c.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)
	return sqlitex.ExecuteScript(conn, scanCacheSchema, nil)
}

// Close closes the underlying connection pool.
func (c *ScanCache) Close() error {
	return c.pool.Close()
}

// Snapshot returns every cached row for a content root, keyed by
// relative path. An unknown root yields an empty map. A row with a
// malformed digest makes the whole snapshot an error; the caller falls
// back to a full re-hash.
func (c *ScanCache) Snapshot(ctx context.Context, root string) (map[string]FileDigest, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("workspace: scan cache: snapshot: %w", err)
	}
	defer c.pool.Put(conn)

	snapshot := make(map[string]FileDigest)
	err = sqlitex.Execute(conn,
		`SELECT e.path, e.size, e.mtime_ns, e.digest
		 FROM entries e JOIN roots r ON e.root_id = r.id
		 WHERE r.path = ?`,
		&sqlitex.ExecOptions{
			Args: []any{root},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var row FileDigest
				row.Path = stmt.ColumnText(0)
				row.Size = stmt.ColumnInt64(1)
				row.MtimeNS = stmt.ColumnInt64(2)
				if stmt.ColumnLen(3) != len(row.Digest) {
					return fmt.Errorf("row %q has %d-byte digest, want %d",
						row.Path, stmt.ColumnLen(3), len(row.Digest))
				}
				stmt.ColumnBytes(3, row.Digest[:])
				snapshot[row.Path] = row
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("workspace: scan cache: snapshot %s: %w", root, err)
	}
	return snapshot, nil
}

// Replace swaps a root's cached rows for the given manifest in one
// transaction, so a concurrent snapshot never observes a half-written
// scan.
func (c *ScanCache) Replace(ctx context.Context, root string, rows []FileDigest) (err error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("workspace: scan cache: replace: %w", err)
	}
	defer c.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("workspace: scan cache: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		"INSERT INTO roots (path) VALUES (?) ON CONFLICT (path) DO NOTHING",
		&sqlitex.ExecOptions{Args: []any{root}})
	if err != nil {
		return fmt.Errorf("workspace: scan cache: upsert root %s: %w", root, err)
	}

	var rootID int64
	found := false
	err = sqlitex.Execute(conn, "SELECT id FROM roots WHERE path = ?", &sqlitex.ExecOptions{
		Args: []any{root},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rootID = stmt.ColumnInt64(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("workspace: scan cache: look up root %s: %w", root, err)
	}
	if !found {
		return fmt.Errorf("workspace: scan cache: root %s missing after upsert", root)
	}

	err = sqlitex.Execute(conn, "DELETE FROM entries WHERE root_id = ?",
		&sqlitex.ExecOptions{Args: []any{rootID}})
	if err != nil {
		return fmt.Errorf("workspace: scan cache: clear root %s: %w", root, err)
	}

	for i := range rows {
		err = sqlitex.Execute(conn,
			"INSERT INTO entries (root_id, path, size, mtime_ns, digest) VALUES (?, ?, ?, ?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{rootID, rows[i].Path, rows[i].Size, rows[i].MtimeNS, rows[i].Digest[:]},
			})
		if err != nil {
			return fmt.Errorf("workspace: scan cache: insert %s: %w", rows[i].Path, err)
		}
	}
	return nil
}

// Forget drops a root and all its rows, for workspaces the agent has
// released. Forgetting an unknown root is a no-op.
func (c *ScanCache) Forget(ctx context.Context, root string) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("workspace: scan cache: forget: %w", err)
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM roots WHERE path = ?",
		&sqlitex.ExecOptions{Args: []any{root}})
	if err != nil {
		return fmt.Errorf("workspace: scan cache: forget %s: %w", root, err)
	}
	return nil
}
