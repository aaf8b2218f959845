// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the Atelier-standard SQLite connection
// pool. Components that need local structured storage (the workspace
// scan cache, primarily) open a pool here instead of wiring zombiezen
// directly, so every database in the system carries the same pragmas
// and the same Take/Put discipline.
//
// The package is intentionally thin: it applies standard pragmas and
// exposes the underlying zombiezen types. Consumers write SQL and use
// sqlitex.Execute; there is no query-builder layer.
package sqlitepool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config holds the parameters for opening a SQLite connection pool.
// Path is required; everything else has a usable default.
type Config struct {
	// Path is the filesystem path to the database file. The parent
	// directory must exist; the file is created on first open. Use
	// ":memory:" with PoolSize 1 for an in-memory database (each
	// in-memory connection is independent, so a larger pool would see
	// different databases).
	Path string

	// PoolSize is the number of connections. Zero or negative means
	// max(runtime.NumCPU(), 4). SQLite serializes writes regardless of
	// pool size; extra connections only help concurrent readers.
	PoolSize int

	// Logger receives operational messages (open, close, pragma
	// failures). Nil means discard.
	Logger *slog.Logger

	// OnConnect runs once per connection after the standard pragmas.
	// Use it for schema creation or extra pragmas. An error discards
	// the connection and surfaces from Take.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a fixed-size pool of SQLite connections. It wraps
// sqlitex.Pool and exposes the same Take/Put API.
//
// Pool is safe for concurrent use. Individual connections are not:
// each goroutine must Take its own connection and Put it back.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates a connection pool over the database at cfg.Path,
// creating the file if needed. Connections are initialized lazily on
// first Take. The caller must Close the pool when done.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, cfg.OnConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite pool opened",
		"path", cfg.Path,
		"pool_size", poolSize,
	)

	return &Pool{
		inner:  inner,
		logger: logger,
		path:   cfg.Path,
	}, nil
}

// Take borrows a connection from the pool, blocking until one is
// available or ctx is cancelled. The caller MUST call Put when done,
// typically via defer:
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Safe to call with nil (no-op).
// The caller must not use the connection afterwards.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Close closes every connection, blocking until borrowed connections
// are returned. After Close, Take returns an error.
func (p *Pool) Close() error {
	err := p.inner.Close()
	if err != nil {
		p.logger.Error("sqlite pool close error",
			"path", p.path,
			"error", err,
		)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

// prepareConnection applies the standard pragmas, then the optional
// OnConnect callback. Runs once per connection, on first use.
//
//   - journal_mode=WAL: readers never block the writer.
//   - synchronous=NORMAL: survives process crashes; the cache can be
//     rebuilt by rescanning if the OS goes down mid-write.
//   - busy_timeout=5000: wait for a write lock rather than failing
//     with SQLITE_BUSY.
//   - foreign_keys=ON: the scan cache uses ON DELETE CASCADE between
//     roots and their entries.
//   - cache_size=-4096: 4 MB page cache; these databases are small.
//   - temp_store=MEMORY: temp indexes in memory.
func prepareConnection(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-4096",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}

	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("sqlitepool: OnConnect: %w", err)
		}
	}

	return nil
}
