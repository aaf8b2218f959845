// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"fmt"
)

// ServerError represents a structured error response from the
// coordination server. Callers can use errors.As to extract the
// structured information:
//
//	var serverErr *rpc.ServerError
//	if errors.As(err, &serverErr) {
//	    if serverErr.Code == rpc.ErrCodeUnauthorized { ... }
//	}
type ServerError struct {
	// Code is the machine-readable error code (e.g. "unauthorized",
	// "workspace_not_found").
	Code string `cbor:"code"`
	// Message is the human-readable description from the server.
	Message string `cbor:"message,omitempty"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server: %s: %s", e.Code, e.Message)
}

// Error codes the coordination server is known to return.
const (
	ErrCodeUnauthorized      = "unauthorized"
	ErrCodeTokenExpired      = "token_expired"
	ErrCodeForbidden         = "forbidden"
	ErrCodeInvalidRequest    = "invalid_request"
	ErrCodeWorkspaceNotFound = "workspace_not_found"
	ErrCodeProjectNotFound   = "project_not_found"
	ErrCodeRateLimited       = "rate_limited"
	ErrCodeInternal          = "internal"
)

// IsServerError checks whether err is a *ServerError with the given
// error code.
func IsServerError(err error, code string) bool {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Code == code
	}
	return false
}

// isAuthError reports whether err is a credential rejection. Auth
// errors are terminal for the session: the token will not become
// valid by retrying, so the reconnect loop gives up instead of
// hammering the server.
func isAuthError(err error) bool {
	return IsServerError(err, ErrCodeUnauthorized) ||
		IsServerError(err, ErrCodeTokenExpired) ||
		IsServerError(err, ErrCodeForbidden)
}

var (
	// ErrNotConnected is returned by Request and Notify when there is
	// no established link. In-flight requests also fail with this
	// error when the link drops; callers re-issue on the next
	// desired-state push rather than retrying blindly.
	ErrNotConnected = errors.New("rpc: not connected")

	// ErrClosed is returned once the client has been closed, either
	// explicitly or after a terminal auth rejection.
	ErrClosed = errors.New("rpc: session closed")
)
