// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
)

// =============================================================================
// Errors
// =============================================================================

// ErrUnauthorized is returned by an AuthProvider when the supplied
// credential does not match.
var ErrUnauthorized = errors.New("unauthorized")

// =============================================================================
// Types
// =============================================================================

// AuthInfo describes an authenticated caller.
//
// The relay has no user directory, so Subject is a fixed label describing
// how the caller was admitted ("shared-secret" or "anonymous").
type AuthInfo struct {
	Subject string
}

// =============================================================================
// Interfaces
// =============================================================================

// AuthProvider validates a credential presented on a side channel (header
// or query parameter).
//
// # Description
//
// Validate is called once per HTTP request and once per websocket
// connection, right after the transport handshake.
//
// # Inputs
//
//   - ctx: Request context.
//   - credential: The raw credential, or "" when none was supplied.
//
// # Outputs
//
//   - *AuthInfo: Caller info on success.
//   - error: ErrUnauthorized when the credential is rejected.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	Validate(ctx context.Context, credential string) (*AuthInfo, error)
}

// =============================================================================
// Shared Secret Provider
// =============================================================================

// SharedSecretProvider admits callers presenting a configured secret.
//
// An empty secret disables the check and every caller is admitted. The
// comparison runs in constant time over the secret bytes.
type SharedSecretProvider struct {
	secret []byte
}

// NewSharedSecretProvider creates a provider for secret.
func NewSharedSecretProvider(secret string) *SharedSecretProvider {
	return &SharedSecretProvider{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (p *SharedSecretProvider) Enabled() bool {
	return len(p.secret) > 0
}

// Validate implements AuthProvider.
func (p *SharedSecretProvider) Validate(_ context.Context, credential string) (*AuthInfo, error) {
	if !p.Enabled() {
		return &AuthInfo{Subject: "anonymous"}, nil
	}
	if credential == "" {
		return nil, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(credential), p.secret) != 1 {
		return nil, ErrUnauthorized
	}
	return &AuthInfo{Subject: "shared-secret"}, nil
}

// =============================================================================
// No-op Provider
// =============================================================================

// NopAuthProvider admits every caller. Used when no secret is configured and
// in tests.
type NopAuthProvider struct{}

// Validate implements AuthProvider.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{Subject: "anonymous"}, nil
}

var (
	_ AuthProvider = (*SharedSecretProvider)(nil)
	_ AuthProvider = (*NopAuthProvider)(nil)
)
