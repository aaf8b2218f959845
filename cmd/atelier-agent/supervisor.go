// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/atelier-collab/atelier/rpc"
)

// Supervise watches connectivity and triggers a session resync on
// every reconnect. It never resyncs the very first connection:
// startup sharing is driven by assignment pushes, and resyncing a
// session that never shared anything would claim state the server
// does not have.
//
// The distinction is made structurally. Transitions that accumulated
// before supervision began are drained without acting; if the session
// is then already connected, that connection is the initial one and
// the supervisor waits for it to drop before entering the main loop.
// Thereafter every transition to Connected is by definition a
// reconnect, and the resync runs to completion before the next
// transition is consumed — so back-to-back reconnects cannot
// interleave their resyncs.
//
// Supervise returns when the context is cancelled or the status
// stream closes (the session is permanently over); both are clean
// exits.
func (a *Agent) Supervise(ctx context.Context) {
	updates := a.session.StatusUpdates()

	if !drainStatus(updates) {
		a.logger.Info("status stream closed, supervision over")
		return
	}
	if a.session.Status() == rpc.StatusConnected {
		a.logger.Debug("supervision started while connected, waiting for first drop")
		if !awaitDisconnect(ctx, updates) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-updates:
			if !ok {
				a.logger.Info("status stream closed, supervision over")
				return
			}
			if status != rpc.StatusConnected {
				continue
			}
			a.logger.Info("link restored, resyncing session")
			if err := a.requestResync(ctx); err != nil {
				// Not fatal to supervision: the server's next
				// assignment push is authoritative, and later
				// reconnects must still resync.
				a.logger.Error("session resync failed", "error", err)
			}
		}
	}
}

// drainStatus discards transitions buffered before supervision began.
// Acting on them would replay history: only the current status
// matters at startup. Returns false when the stream is already
// closed.
func drainStatus(updates <-chan rpc.Status) bool {
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

// awaitDisconnect consumes transitions until the link leaves the
// connected state. Returns false when supervision should end instead
// (context cancelled or stream closed).
func awaitDisconnect(ctx context.Context, updates <-chan rpc.Status) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case status, ok := <-updates:
			if !ok {
				return false
			}
			if status != rpc.StatusConnected {
				return true
			}
		}
	}
}
