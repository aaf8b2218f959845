// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the information an access token claims about its
// holder. It comes from parsing the token locally without signature
// verification — verification is the server's job at handshake time.
// Use it for display and pre-flight expiry warnings only, never for
// authorization decisions.
type Identity struct {
	// AgentID is the token subject.
	AgentID string
	// Issuer is the coordination server that minted the token.
	Issuer string
	// ExpiresAt is zero when the token carries no expiry.
	ExpiresAt time.Time
}

// Expired reports whether the token was expired at the given instant.
// Tokens without an expiry never report expired.
func (id *Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && now.After(id.ExpiresAt)
}

// ParseIdentity extracts the identity claims from an access token
// without verifying its signature.
func ParseIdentity(token string) (*Identity, error) {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("rpc: parsing token: %w", err)
	}

	identity := &Identity{
		AgentID: claims.Subject,
		Issuer:  claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}
