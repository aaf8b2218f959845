// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/atelier-collab/atelier/rpc"
	"github.com/atelier-collab/atelier/workspace"
)

// applyAssignments reconciles the tracked set against one pushed
// assignment set. The push is a full snapshot: everything tracked but
// absent from it is removed, everything listed but untracked is
// added. Additions run first, sequentially and in push order, so a
// removal never observes a half-created sibling; removals follow once
// every addition has settled.
//
// Per-workspace failures are collected instead of aborting the pass:
// a workspace that fails to share stays untracked, and the server's
// next push (if it still lists the workspace) retries it. Re-applying
// an identical set is a no-op.
func (a *Agent) applyAssignments(ctx context.Context, set *rpc.WorkspaceAssignments) error {
	toAdd, toRemove := a.diffAssignments(set)
	if len(toAdd) == 0 && len(toRemove) == 0 {
		a.logger.Debug("assignment set already applied", "tracked", a.TrackedCount())
		return nil
	}

	a.logger.Info("applying assignment set",
		"desired", len(set.Workspaces),
		"add", len(toAdd),
		"remove", len(toRemove),
	)

	var errs []error
	for _, assignment := range toAdd {
		if err := a.addWorkspace(ctx, assignment); err != nil {
			a.logger.Error("sharing workspace failed",
				"workspace", assignment.ID,
				"path", assignment.Path,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("workspace %d: %w", assignment.ID, err))
		}
	}

	for _, id := range toRemove {
		a.removeWorkspace(ctx, id)
	}

	return errors.Join(errs...)
}

// diffAssignments computes the add/remove sets under a read view of
// the tracked map. Additions keep push order; removals are sorted for
// stable logs.
func (a *Agent) diffAssignments(set *rpc.WorkspaceAssignments) (toAdd []rpc.WorkspaceAssignment, toRemove []uint64) {
	desired := make(map[uint64]bool, len(set.Workspaces))

	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, assignment := range set.Workspaces {
		desired[assignment.ID] = true
		if _, ok := a.tracked[assignment.ID]; !ok {
			toAdd = append(toAdd, assignment)
		}
	}
	for id := range a.tracked {
		if !desired[id] {
			toRemove = append(toRemove, id)
		}
	}
	slices.Sort(toRemove)
	return toAdd, toRemove
}

// addWorkspace takes one assignment through the full share sequence:
// create the local handle, index the content root, register it with
// the server, record the assigned project ID, and only then insert it
// into the tracked map. On any failure the handle is released and the
// map is untouched.
func (a *Agent) addWorkspace(ctx context.Context, assignment rpc.WorkspaceAssignment) error {
	w, err := workspace.CreateLocal(ctx, assignment.Path, workspace.Config{
		ID:           assignment.ID,
		Name:         assignment.Name,
		Logger:       a.logger,
		Cache:        a.cache,
		ExtraIgnores: a.scanIgnores,
		DisableWatch: a.disableWatch,
	})
	if err != nil {
		return err
	}

	if err := w.AwaitIndexed(ctx); err != nil {
		w.Close()
		return err
	}
	roots, err := w.Descriptors(ctx)
	if err != nil {
		w.Close()
		return err
	}

	var response rpc.ShareWorkspaceResponse
	err = a.session.Request(ctx, rpc.MsgShare, rpc.ShareWorkspaceRequest{
		WorkspaceID: assignment.ID,
		Roots:       roots,
	}, &response)
	if err != nil {
		w.Close()
		return err
	}
	if err := w.MarkShared(response.ProjectID); err != nil {
		w.Close()
		return err
	}

	a.mu.Lock()
	a.tracked[assignment.ID] = w
	a.mu.Unlock()
	return nil
}

// removeWorkspace drops one workspace from the tracked set and
// releases it, including its scan cache rows. The server already
// considers it unshared (it left the desired set), so local trouble
// here is logged, never propagated.
func (a *Agent) removeWorkspace(ctx context.Context, id uint64) {
	a.mu.Lock()
	w := a.tracked[id]
	delete(a.tracked, id)
	a.mu.Unlock()

	if w == nil {
		return
	}
	if err := w.MarkUnshared(); err != nil {
		a.logger.Warn("unsharing removed workspace", "workspace", id, "error", err)
	}
	if err := w.Close(); err != nil {
		a.logger.Warn("closing removed workspace", "workspace", id, "error", err)
	}
	if a.cache != nil {
		if err := a.cache.Forget(ctx, w.Path()); err != nil {
			a.logger.Warn("forgetting removed workspace's cache rows", "workspace", id, "error", err)
		}
	}
	a.logger.Info("workspace removed from tracking", "workspace", id)
}
