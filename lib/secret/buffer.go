// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds sensitive material — access tokens, passwords —
// in memory the Go runtime cannot move or leak: an anonymous mmap
// region locked against swap with mlock and excluded from core dumps
// with madvise(MADV_DONTDUMP). Close zeros, unlocks, and unmaps.
package secret

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer is protected storage for one secret. Not copyable after
// creation; access after Close panics. Close is idempotent.
type Buffer struct {
	mu     sync.Mutex
	region []byte
	size   int
	closed bool
}

// New allocates a zero-filled protected buffer of the given size.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	if err := unix.Mlock(region); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}

	// Best effort: MADV_DONTDUMP is not supported everywhere, and a
	// buffer that merely stays in core dumps is still better than no
	// buffer at all.
	_ = unix.Madvise(region, unix.MADV_DONTDUMP)

	return &Buffer{region: region, size: size}, nil
}

// NewFromBytes copies source into protected memory and zeros source in
// place, so the caller's slice no longer holds the secret.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: empty source")
	}

	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.region, source)
	Zero(source)
	return buffer, nil
}

// Bytes returns the secret, pointing directly into the protected
// region. Do not retain the slice beyond the Buffer's lifetime.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.region[:b.size]
}

// String returns the secret as a heap string. Strings escape the
// protected region, so use this only at API boundaries that require
// one (request headers, JSON fields) and keep the value short-lived.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return string(b.region[:b.size])
}

// Len returns the secret's size in bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Close zeros the secret and releases the region.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	Zero(b.region)

	var firstErr error
	if err := unix.Munlock(b.region); err != nil {
		firstErr = fmt.Errorf("secret: munlock: %w", err)
	}
	if err := unix.Munmap(b.region); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("secret: munmap: %w", err)
	}
	b.region = nil
	return firstErr
}

// Zero overwrites data with zero bytes. For scrubbing transient heap
// copies on error paths; protected buffers zero themselves on Close.
func Zero(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
