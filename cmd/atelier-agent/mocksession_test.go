// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/atelier-collab/atelier/lib/codec"
	"github.com/atelier-collab/atelier/lib/testutil"
	"github.com/atelier-collab/atelier/rpc"
)

// mockSession is a scripted in-process coordination server: the agent
// talks to it through the same interface it uses for the real
// transport, and tests control connectivity transitions, push
// assignment sets, and inspect every request the agent issued.
//
// Request bodies roundtrip through the CBOR codec, so the mock
// exercises the same struct tags as the wire.
type mockSession struct {
	t          *testing.T
	instanceID string
	statusCh   chan rpc.Status

	mu sync.Mutex

	// shareFunc and resyncFunc script the server's answers. Nil means
	// the defaults: shares get sequential project IDs starting at
	// 1001, resyncs restore everything requested. Set through
	// setShareFunc/setResyncFunc so tests can rescript mid-flight.
	shareFunc  func(req rpc.ShareWorkspaceRequest) (rpc.ShareWorkspaceResponse, error)
	resyncFunc func(req rpc.ResyncSessionRequest) (rpc.ResyncSessionResponse, error)

	// shutdownErr and notifyErr fail the corresponding calls.
	shutdownErr error
	notifyErr   error

	status        rpc.Status
	subs          map[string]chan codec.RawMessage
	shares        []rpc.ShareWorkspaceRequest
	resyncs       []rpc.ResyncSessionRequest
	notifies      []rpc.AgentStatusUpdate
	shutdowns     int
	nextProjectID uint64
}

func newMockSession(t *testing.T) *mockSession {
	t.Helper()
	return &mockSession{
		t:             t,
		instanceID:    testutil.UniqueID("test-instance"),
		statusCh:      make(chan rpc.Status, 16),
		status:        rpc.StatusDisconnected,
		subs:          make(map[string]chan codec.RawMessage),
		nextProjectID: 1000,
	}
}

func (m *mockSession) Request(ctx context.Context, msgType string, in, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch msgType {
	case rpc.MsgShare:
		var req rpc.ShareWorkspaceRequest
		if err := reencode(in, &req); err != nil {
			return err
		}
		m.mu.Lock()
		m.shares = append(m.shares, req)
		m.mu.Unlock()

		response, err := m.answerShare(req)
		if err != nil {
			return err
		}
		return reencode(response, out)

	case rpc.MsgResync:
		var req rpc.ResyncSessionRequest
		if err := reencode(in, &req); err != nil {
			return err
		}
		m.mu.Lock()
		m.resyncs = append(m.resyncs, req)
		m.mu.Unlock()

		response, err := m.answerResync(req)
		if err != nil {
			return err
		}
		return reencode(response, out)

	case rpc.MsgShutdown:
		m.mu.Lock()
		m.shutdowns++
		m.mu.Unlock()
		return m.shutdownErr

	default:
		return fmt.Errorf("mock: unexpected request type %q", msgType)
	}
}

func (m *mockSession) answerShare(req rpc.ShareWorkspaceRequest) (rpc.ShareWorkspaceResponse, error) {
	m.mu.Lock()
	scripted := m.shareFunc
	m.mu.Unlock()
	if scripted != nil {
		return scripted(req)
	}
	m.mu.Lock()
	m.nextProjectID++
	id := m.nextProjectID
	m.mu.Unlock()
	return rpc.ShareWorkspaceResponse{ProjectID: id}, nil
}

func (m *mockSession) answerResync(req rpc.ResyncSessionRequest) (rpc.ResyncSessionResponse, error) {
	m.mu.Lock()
	scripted := m.resyncFunc
	m.mu.Unlock()
	if scripted != nil {
		return scripted(req)
	}
	var response rpc.ResyncSessionResponse
	for _, entry := range req.Reshared {
		response.Reshared = append(response.Reshared, rpc.ResyncedWorkspace{ProjectID: entry.ProjectID})
	}
	return response, nil
}

// setShareFunc rescripts the share answer.
func (m *mockSession) setShareFunc(f func(rpc.ShareWorkspaceRequest) (rpc.ShareWorkspaceResponse, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shareFunc = f
}

// setResyncFunc rescripts the resync answer.
func (m *mockSession) setResyncFunc(f func(rpc.ResyncSessionRequest) (rpc.ResyncSessionResponse, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resyncFunc = f
}

func (m *mockSession) Notify(ctx context.Context, msgType string, in any) error {
	if msgType != rpc.MsgAgentStatus {
		return fmt.Errorf("mock: unexpected notify type %q", msgType)
	}
	var update rpc.AgentStatusUpdate
	if err := reencode(in, &update); err != nil {
		return err
	}
	m.mu.Lock()
	m.notifies = append(m.notifies, update)
	m.mu.Unlock()
	return m.notifyErr
}

func (m *mockSession) Status() rpc.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *mockSession) StatusUpdates() <-chan rpc.Status {
	return m.statusCh
}

func (m *mockSession) Subscribe(msgType string) <-chan codec.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.subs[msgType]; ok {
		return ch
	}
	ch := make(chan codec.RawMessage, 16)
	m.subs[msgType] = ch
	return ch
}

func (m *mockSession) InstanceID() string {
	return m.instanceID
}

// setStatus records a connectivity transition and delivers it.
func (m *mockSession) setStatus(status rpc.Status) {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
	testutil.RequireSend(m.t, m.statusCh, status, 5*time.Second, "status transition delivery")
}

// closeStatus ends the status stream, simulating session teardown.
func (m *mockSession) closeStatus() {
	close(m.statusCh)
}

// pushAssignments delivers one workspace.assignments push.
func (m *mockSession) pushAssignments(set rpc.WorkspaceAssignments) {
	m.t.Helper()
	raw, err := codec.Marshal(set)
	if err != nil {
		m.t.Fatalf("encoding assignments: %v", err)
	}
	m.mu.Lock()
	ch, ok := m.subs[rpc.MsgAssignments]
	m.mu.Unlock()
	if !ok {
		m.t.Fatal("no assignments subscriber")
	}
	testutil.RequireSend(m.t, ch, codec.RawMessage(raw), 5*time.Second, "assignments push delivery")
}

// shareRequests returns a copy of every workspace.share request seen.
func (m *mockSession) shareRequests() []rpc.ShareWorkspaceRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]rpc.ShareWorkspaceRequest(nil), m.shares...)
}

// resyncRequests returns a copy of every session.resync request seen.
func (m *mockSession) resyncRequests() []rpc.ResyncSessionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]rpc.ResyncSessionRequest(nil), m.resyncs...)
}

// statusNotifies returns a copy of every agent.status notify seen.
func (m *mockSession) statusNotifies() []rpc.AgentStatusUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]rpc.AgentStatusUpdate(nil), m.notifies...)
}

func (m *mockSession) shutdownCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdowns
}

// reencode roundtrips a value through the codec, converting between
// the caller's request struct and the mock's typed view.
func reencode(in, out any) error {
	if out == nil {
		return nil
	}
	raw, err := codec.Marshal(in)
	if err != nil {
		return fmt.Errorf("mock: encoding: %w", err)
	}
	if err := codec.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("mock: decoding: %w", err)
	}
	return nil
}

// waitUntil polls until the condition holds or the deadline passes.
// The run loop applies assignments asynchronously; tests wait on the
// observable outcome rather than on internals.
func waitUntil(t *testing.T, condition func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newWorkspaceDir creates a content root with a few files to scan.
func newWorkspaceDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeTestFile(t, dir, "main.go", "package main\n\nfunc main() {}\n")
	writeTestFile(t, dir, "notes/design.md", "# design\n")
	return dir
}

func writeTestFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// newTestAgent wires an agent to the mock with watching disabled.
func newTestAgent(t *testing.T, session *mockSession) *Agent {
	t.Helper()
	return NewAgent(AgentConfig{
		Session:      session,
		Logger:       testLogger(),
		DisableWatch: true,
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
