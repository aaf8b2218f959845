// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/atelier-collab/atelier/lib/clock"
	"github.com/atelier-collab/atelier/lib/codec"
	"github.com/atelier-collab/atelier/rpc"
	"github.com/atelier-collab/atelier/workspace"
)

// session is the slice of *rpc.Client the agent consumes. Tests
// substitute a scripted fake; production wires the real client.
type session interface {
	Request(ctx context.Context, msgType string, in, out any) error
	Notify(ctx context.Context, msgType string, in any) error
	Status() rpc.Status
	StatusUpdates() <-chan rpc.Status
	Subscribe(msgType string) <-chan codec.RawMessage
	InstanceID() string
}

// AgentConfig holds the dependencies for creating an Agent.
type AgentConfig struct {
	// Session is the server session. Required. The agent subscribes
	// to assignment pushes at construction time, so create the agent
	// before calling Connect on the client.
	Session session

	// Logger receives operational messages. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock drives the heartbeat and uptime reporting. Defaults to
	// the real clock.
	Clock clock.Clock

	// Cache is the shared workspace scan cache. Optional.
	Cache *workspace.ScanCache

	// ScanIgnores are agent-level ignore globs applied to every
	// workspace in addition to its own options file.
	ScanIgnores []string

	// DisableWatch turns off filesystem watching on workspaces.
	// Tests use it for deterministic rescan timing.
	DisableWatch bool
}

// Agent is the session singleton: it owns the tracked-workspace map
// and is the only writer to it. Reconciliation (assignment pushes)
// and the resync protocol both execute on the run loop goroutine, so
// conflicting mutations are serialized by construction; the mutex
// exists for observer goroutines reading the map.
type Agent struct {
	session      session
	logger       *slog.Logger
	clock        clock.Clock
	cache        *workspace.ScanCache
	scanIgnores  []string
	disableWatch bool
	startedAt    time.Time

	// assignments delivers workspace.assignments pushes in arrival
	// order. The channel is the serialization point: the run loop is
	// its only consumer, so two assignment sets never apply
	// concurrently no matter how fast the server pushes.
	assignments <-chan codec.RawMessage

	// resyncs carries resync requests from the connection supervisor
	// onto the run loop, where they execute with the same
	// serialization as assignment applications.
	resyncs chan resyncRequest

	mu      sync.RWMutex
	tracked map[uint64]*workspace.Workspace
}

// resyncRequest asks the run loop to execute one resync pass. The
// result channel (capacity 1) receives the outcome so the supervisor
// can wait for completion before consuming further status
// transitions.
type resyncRequest struct {
	result chan error
}

// NewAgent creates the agent and subscribes to assignment pushes.
func NewAgent(cfg AgentConfig) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	return &Agent{
		session:      cfg.Session,
		logger:       logger,
		clock:        clk,
		cache:        cfg.Cache,
		scanIgnores:  cfg.ScanIgnores,
		disableWatch: cfg.DisableWatch,
		startedAt:    clk.Now(),
		assignments:  cfg.Session.Subscribe(rpc.MsgAssignments),
		resyncs:      make(chan resyncRequest),
		tracked:      make(map[uint64]*workspace.Workspace),
	}
}

// Run is the agent's main loop: it applies assignment pushes in
// arrival order and serves resync requests from the supervisor, one
// at a time. Returns when the context is cancelled or the session
// ends (assignment channel closed).
func (a *Agent) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case raw, ok := <-a.assignments:
			if !ok {
				a.logger.Info("session over, run loop exiting")
				return
			}
			var set rpc.WorkspaceAssignments
			if err := codec.Unmarshal(raw, &set); err != nil {
				a.logger.Warn("dropping undecodable assignment push", "error", err)
				continue
			}
			if err := a.applyAssignments(ctx, &set); err != nil {
				// Partial failure: the failed workspaces stay
				// untracked, so the server's next push retries them.
				a.logger.Error("assignment set applied with failures", "error", err)
			}

		case req := <-a.resyncs:
			req.result <- a.resyncSession(ctx)
		}
	}
}

// requestResync schedules one resync pass on the run loop and waits
// for it to finish.
func (a *Agent) requestResync(ctx context.Context) error {
	req := resyncRequest{result: make(chan error, 1)}
	select {
	case a.resyncs <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown sends the best-effort termination notice, bounded by the
// grace period. Failure is logged and otherwise ignored: the server
// notices the websocket closing either way.
func (a *Agent) Shutdown(grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := a.session.Request(ctx, rpc.MsgShutdown, rpc.ShutdownSessionRequest{}, nil); err != nil {
		a.logger.Debug("shutdown notice not delivered", "error", err)
		return
	}
	a.logger.Info("shutdown acknowledged by server")
}

// Lookup returns the tracked workspace for id, or nil. This is the
// weak back-reference surface for observers: callers read the handle
// but never control its membership in the tracked set.
func (a *Agent) Lookup(id uint64) *workspace.Workspace {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tracked[id]
}

// TrackedIDs returns the sorted IDs of all tracked workspaces.
func (a *Agent) TrackedIDs() []uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]uint64, 0, len(a.tracked))
	for id := range a.tracked {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// TrackedCount returns the number of tracked workspaces.
func (a *Agent) TrackedCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.tracked)
}
