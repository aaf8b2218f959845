// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"testing"
	"time"

	"github.com/atelier-collab/atelier/lib/testutil"
	"github.com/atelier-collab/atelier/rpc"
)

// loopHarness runs the agent's run loop and connection supervisor the
// way main does, and tears both down at test end.
type loopHarness struct {
	cancel  context.CancelFunc
	runDone chan struct{}
	supDone chan struct{}
}

func startLoops(t *testing.T, agent *Agent) *loopHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &loopHarness{
		cancel:  cancel,
		runDone: make(chan struct{}),
		supDone: make(chan struct{}),
	}
	go func() {
		defer close(h.runDone)
		agent.Run(ctx)
	}()
	go func() {
		defer close(h.supDone)
		agent.Supervise(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		h.waitStopped(t)
	})
	return h
}

func (h *loopHarness) waitStopped(t *testing.T) {
	t.Helper()
	testutil.RequireClosed(t, h.runDone, 5*time.Second, "run loop stopping")
	testutil.RequireClosed(t, h.supDone, 5*time.Second, "supervisor stopping")
}

// TestSuperviseFirstConnectIsNotAReconnect covers the startup guard:
// when supervision begins on an already-connected session, no resync
// happens until the link has dropped and come back.
func TestSuperviseFirstConnectIsNotAReconnect(t *testing.T) {
	session := newMockSession(t)
	agent := newTestAgent(t, session)

	// The initial connect happened before supervision started: the
	// transition sits buffered and the current status is Connected.
	session.setStatus(rpc.StatusConnecting)
	session.setStatus(rpc.StatusConnected)

	startLoops(t, agent)

	// A reconnect cycle triggers exactly one resync. Seeing it proves
	// the buffered startup transitions were not treated as one.
	session.setStatus(rpc.StatusDisconnected)
	session.setStatus(rpc.StatusConnecting)
	session.setStatus(rpc.StatusConnected)

	waitUntil(t, func() bool {
		return len(session.resyncRequests()) == 1
	}, "resync after the first real reconnect")

	if got := len(session.resyncRequests()); got != 1 {
		t.Fatalf("resync requests = %d, want 1", got)
	}
}

// TestSuperviseRepeatedReconnects: every disconnect/connect edge
// resyncs once, and resyncs never interleave.
func TestSuperviseRepeatedReconnects(t *testing.T) {
	session := newMockSession(t)
	agent := newTestAgent(t, session)
	session.setStatus(rpc.StatusConnected)
	startLoops(t, agent)

	for cycle := 1; cycle <= 3; cycle++ {
		session.setStatus(rpc.StatusDisconnected)
		session.setStatus(rpc.StatusConnected)
		want := cycle
		waitUntil(t, func() bool {
			return len(session.resyncRequests()) == want
		}, "resync for reconnect cycle")
	}
}

// TestSuperviseStartupWhileDisconnected: when the first observed
// status is not Connected, the supervisor goes straight to the main
// loop and the next Connected transition resyncs. This is the
// supervisor-raced-the-connect case; the guard only suppresses the
// common already-connected startup.
func TestSuperviseStartupWhileDisconnected(t *testing.T) {
	session := newMockSession(t)
	agent := newTestAgent(t, session)
	startLoops(t, agent)

	session.setStatus(rpc.StatusConnecting)
	session.setStatus(rpc.StatusConnected)

	waitUntil(t, func() bool {
		return len(session.resyncRequests()) == 1
	}, "resync on first Connected observed in the main loop")
}

func TestSuperviseIgnoresNonConnectedTransitions(t *testing.T) {
	session := newMockSession(t)
	agent := newTestAgent(t, session)
	session.setStatus(rpc.StatusConnected)
	startLoops(t, agent)

	session.setStatus(rpc.StatusDisconnected)
	session.setStatus(rpc.StatusConnecting)
	session.setStatus(rpc.StatusDisconnected)
	session.setStatus(rpc.StatusConnecting)
	session.setStatus(rpc.StatusConnected)

	waitUntil(t, func() bool {
		return len(session.resyncRequests()) == 1
	}, "single resync for the eventual reconnect")
}

// TestSuperviseStatusStreamClose: the stream closing ends supervision
// cleanly, whether it happens at startup or mid-loop.
func TestSuperviseStatusStreamClose(t *testing.T) {
	t.Run("mid-loop", func(t *testing.T) {
		session := newMockSession(t)
		agent := newTestAgent(t, session)
		session.setStatus(rpc.StatusConnected)
		h := startLoops(t, agent)

		session.closeStatus()
		testutil.RequireClosed(t, h.supDone, 5*time.Second, "supervisor exit on stream close")
	})

	t.Run("during first-connect wait", func(t *testing.T) {
		session := newMockSession(t)
		agent := newTestAgent(t, session)
		session.setStatus(rpc.StatusConnected)

		// Drain happens first, so the closed stream is observed in
		// the disconnect wait.
		done := make(chan struct{})
		go func() {
			defer close(done)
			agent.Supervise(context.Background())
		}()
		waitUntil(t, func() bool { return len(session.statusCh) == 0 }, "supervisor to drain")
		session.closeStatus()
		testutil.RequireClosed(t, done, 5*time.Second, "supervisor exit on stream close")
	})
}

// TestSuperviseResyncFailureKeepsWatching: a failed resync must not
// end supervision; the next reconnect still resyncs.
func TestSuperviseResyncFailureKeepsWatching(t *testing.T) {
	session := newMockSession(t)
	agent := newTestAgent(t, session)
	session.setStatus(rpc.StatusConnected)

	session.setResyncFunc(func(req rpc.ResyncSessionRequest) (rpc.ResyncSessionResponse, error) {
		return rpc.ResyncSessionResponse{}, rpc.ErrNotConnected
	})

	startLoops(t, agent)

	session.setStatus(rpc.StatusDisconnected)
	session.setStatus(rpc.StatusConnected)
	waitUntil(t, func() bool {
		return len(session.resyncRequests()) == 1
	}, "first (failing) resync")

	session.setResyncFunc(nil)
	session.setStatus(rpc.StatusDisconnected)
	session.setStatus(rpc.StatusConnected)
	waitUntil(t, func() bool {
		return len(session.resyncRequests()) == 2
	}, "resync after the failed one")
}
