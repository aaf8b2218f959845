// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

// ProtocolVersion is sent in the hello handshake. The server rejects
// versions it cannot serve.
const ProtocolVersion = 1

// Message types. Requests expect a correlated response; pushes and
// notifies are one-way.
const (
	// MsgHello is the first request on every new connection. It
	// authenticates the session; nothing else is accepted before it.
	MsgHello = "session.hello"

	// MsgResync asks the server to restore previously shared
	// workspaces after a reconnect.
	MsgResync = "session.resync"

	// MsgShutdown tells the server the agent is terminating on
	// purpose. Fire-and-forget.
	MsgShutdown = "session.shutdown"

	// MsgShare registers one workspace for sharing and yields its
	// session-scoped project ID.
	MsgShare = "workspace.share"

	// MsgAssignments is the server push carrying the full set of
	// workspaces the agent should be sharing. Each push supersedes
	// the previous one entirely.
	MsgAssignments = "workspace.assignments"

	// MsgAgentStatus is a one-way notify with agent liveness info.
	MsgAgentStatus = "agent.status"
)

// HelloRequest opens a session. The token authenticates the agent;
// the instance ID distinguishes restarts of the same agent from each
// other in server logs.
type HelloRequest struct {
	Token           string `cbor:"token"`
	InstanceID      string `cbor:"instance_id"`
	AgentVersion    string `cbor:"agent_version,omitempty"`
	ProtocolVersion int    `cbor:"protocol_version"`
}

// HelloResponse confirms authentication.
type HelloResponse struct {
	// AgentID is the server-side identity the token resolved to.
	AgentID string `cbor:"agent_id"`
	// ServerVersion is informational, for logs.
	ServerVersion string `cbor:"server_version,omitempty"`
}

// WorkspaceAssignment names one workspace the agent should share:
// the server-assigned workspace ID (stable across reconnects) and
// the local filesystem path holding its content.
type WorkspaceAssignment struct {
	ID   uint64 `cbor:"id"`
	Path string `cbor:"path"`
	Name string `cbor:"name,omitempty"`
}

// WorkspaceAssignments is the MsgAssignments push body: the complete
// desired set, never a delta.
type WorkspaceAssignments struct {
	Workspaces []WorkspaceAssignment `cbor:"workspaces"`
}

// RootDescriptor summarizes one content root for the server: entry
// count, manifest digest, and a revision counter that increases
// whenever the local content changes. The server compares digests to
// decide what needs re-uploading after a resync.
type RootDescriptor struct {
	ID       uint64 `cbor:"id"`
	Name     string `cbor:"name"`
	Path     string `cbor:"path"`
	Entries  uint64 `cbor:"entries"`
	Digest   []byte `cbor:"digest"`
	Revision uint64 `cbor:"revision"`
}

// ShareWorkspaceRequest is the MsgShare body.
type ShareWorkspaceRequest struct {
	WorkspaceID uint64           `cbor:"workspace_id"`
	Roots       []RootDescriptor `cbor:"roots"`
}

// ShareWorkspaceResponse carries the session-scoped project ID the
// server assigned to the shared workspace.
type ShareWorkspaceResponse struct {
	ProjectID uint64 `cbor:"project_id"`
}

// ResyncWorkspace is one entry of a resync request: the project ID
// from before the disconnect plus the current root descriptors.
type ResyncWorkspace struct {
	ProjectID uint64           `cbor:"project_id"`
	Roots     []RootDescriptor `cbor:"roots"`
}

// ResyncSessionRequest is the MsgResync body: every workspace the
// agent still considers shared, in one request.
type ResyncSessionRequest struct {
	Reshared []ResyncWorkspace `cbor:"reshared"`
}

// ResyncedWorkspace is one entry of the resync response.
type ResyncedWorkspace struct {
	ProjectID uint64 `cbor:"project_id"`
}

// ResyncSessionResponse lists the subset of requested workspaces the
// server actually restored. Entries absent from the list were not
// restored; the agent keeps tracking them and waits for the next
// assignment push.
type ResyncSessionResponse struct {
	Reshared []ResyncedWorkspace `cbor:"reshared"`
}

// ShutdownSessionRequest is the (empty) MsgShutdown body.
type ShutdownSessionRequest struct{}

// ShutdownSessionResponse is the (empty) MsgShutdown response body.
type ShutdownSessionResponse struct{}

// AgentStatusUpdate is the MsgAgentStatus notify body.
type AgentStatusUpdate struct {
	InstanceID    string `cbor:"instance_id"`
	Tracked       int    `cbor:"tracked"`
	UptimeSeconds int64  `cbor:"uptime_seconds"`
}
