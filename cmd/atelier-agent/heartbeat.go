// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"time"

	"github.com/atelier-collab/atelier/rpc"
)

// Heartbeat periodically notifies the server the agent is alive, with
// the tracked-workspace count and uptime. One-way and best-effort: a
// failed notify (the link is down, the session is closing) is logged
// at debug and the ticker keeps going. A non-positive interval
// disables the heartbeat entirely.
func (a *Agent) Heartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update := rpc.AgentStatusUpdate{
				InstanceID:    a.session.InstanceID(),
				Tracked:       a.TrackedCount(),
				UptimeSeconds: int64(a.clock.Now().Sub(a.startedAt) / time.Second),
			}
			if err := a.session.Notify(ctx, rpc.MsgAgentStatus, update); err != nil {
				a.logger.Debug("status heartbeat not delivered", "error", err)
			}
		}
	}
}
