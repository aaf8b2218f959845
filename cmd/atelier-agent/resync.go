// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"slices"

	"github.com/atelier-collab/atelier/rpc"
	"github.com/atelier-collab/atelier/workspace"
)

// resyncSession replays the tracked-workspace state to the server
// after a reconnect, so sharing resumes without re-registering every
// workspace from scratch. One RPC carries the full snapshot: each
// workspace's project ID from before the disconnect plus its current
// root descriptors.
//
// The response lists the subset the server restored. Workspaces
// absent from it stay tracked but unreshared — the next assignment
// push decides their fate; nothing is dropped on a partial resync.
// Per-workspace trouble (a stale descriptor, a rejected confirmation)
// is logged and skipped so one bad workspace cannot block the rest.
func (a *Agent) resyncSession(ctx context.Context) error {
	snapshot := a.snapshotTracked()

	request := rpc.ResyncSessionRequest{}
	pending := make(map[uint64]*workspace.Workspace)

	for _, w := range snapshot {
		projectID, shared := w.ProjectID()
		if !shared {
			// Mid-registration: no project ID to restore yet. The
			// share RPC in flight will fail over the dead link and
			// the next push retries the whole add.
			continue
		}
		roots, err := w.Descriptors(ctx)
		if err != nil {
			a.logger.Warn("skipping workspace in resync, descriptors unavailable",
				"workspace", w.ID(),
				"error", err,
			)
			continue
		}
		if err := w.MarkResharePending(); err != nil {
			a.logger.Warn("skipping workspace in resync",
				"workspace", w.ID(),
				"error", err,
			)
			continue
		}
		request.Reshared = append(request.Reshared, rpc.ResyncWorkspace{
			ProjectID: projectID,
			Roots:     roots,
		})
		pending[projectID] = w
	}

	// An empty snapshot still resyncs: the server uses the request as
	// the rejoin signal for the session itself.
	a.logger.Info("resyncing session", "workspaces", len(request.Reshared))

	var response rpc.ResyncSessionResponse
	if err := a.session.Request(ctx, rpc.MsgResync, request, &response); err != nil {
		return fmt.Errorf("resync request: %w", err)
	}

	restored := 0
	for _, entry := range response.Reshared {
		w, ok := pending[entry.ProjectID]
		if !ok {
			a.logger.Warn("server restored an unrequested project", "project_id", entry.ProjectID)
			continue
		}
		if err := w.MarkReshared(entry); err != nil {
			a.logger.Warn("reshare confirmation not applied",
				"workspace", w.ID(),
				"project_id", entry.ProjectID,
				"error", err,
			)
			continue
		}
		restored++
	}

	if restored < len(request.Reshared) {
		a.logger.Warn("session resync partially restored",
			"requested", len(request.Reshared),
			"restored", restored,
		)
	} else {
		a.logger.Info("session resynced", "restored", restored)
	}
	return nil
}

// snapshotTracked returns the tracked workspaces ordered by ID, for
// deterministic resync payloads.
func (a *Agent) snapshotTracked() []*workspace.Workspace {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]uint64, 0, len(a.tracked))
	for id := range a.tracked {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	snapshot := make([]*workspace.Workspace, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, a.tracked[id])
	}
	return snapshot
}
