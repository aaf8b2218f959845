// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

// Status describes the connectivity of a Client. Transitions are
// delivered on the channel returned by [Client.StatusUpdates]; the
// current value is available from [Client.Status].
type Status int

const (
	// StatusDisconnected means no usable link to the server. The
	// client starts here and returns here after a connection drops,
	// before the reconnect loop begins dialing.
	StatusDisconnected Status = iota

	// StatusConnecting means a dial plus handshake is in progress.
	StatusConnecting

	// StatusConnected means the session handshake completed and
	// requests can be issued.
	StatusConnected

	// StatusClosed means the session is permanently over: Close was
	// called or the server rejected the credentials. The status
	// channel is closed after this value is observed; there will be
	// no further transitions.
	StatusClosed
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}
