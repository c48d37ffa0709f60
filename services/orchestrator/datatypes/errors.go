// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrUnauthorized is returned when the shared secret is missing or wrong.
	// It aliases the extension-level sentinel so callers can match either.
	ErrUnauthorized = extensions.ErrUnauthorized

	// ErrStoreUnavailable indicates the external keyed store could not be
	// reached. It is never recovered locally.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrInvalidConversation indicates a conversation that violates the
	// non-empty / index-0-system invariants.
	ErrInvalidConversation = errors.New("invalid conversation")
)

// =============================================================================
// Typed Errors
// =============================================================================

// ValidationError reports a missing or empty required field in an inbound
// frame or request body. It is turn-scoped: the connection stays open.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ProtocolError reports an undecodable inbound frame. It is
// connection-fatal.
type ProtocolError struct {
	Cause error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Cause)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// RelayError reports an upstream transport or protocol failure while
// streaming a completion. StatusCode is zero when no HTTP response was
// obtained.
type RelayError struct {
	StatusCode int
	Cause      error
}

func (e *RelayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream status %d: %v", e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("upstream: %v", e.Cause)
}

func (e *RelayError) Unwrap() error {
	return e.Cause
}

// StoreError wraps a failed Session Store operation. It matches
// ErrStoreUnavailable via errors.Is.
type StoreError struct {
	Op    string
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("session store %s: %v", e.Op, e.Cause)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Cause}
}
