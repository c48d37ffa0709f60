// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the data structures shared by the relay service.
//
// This file contains the conversation model persisted per user. A
// Conversation is an ordered list of role-tagged messages whose first element
// is always the system prompt.
package datatypes

import (
	"fmt"
)

// =============================================================================
// Roles
// =============================================================================

const (
	// RoleSystem tags the fixed system prompt at index 0.
	RoleSystem = "system"

	// RoleUser tags a human turn.
	RoleUser = "user"

	// RoleAssistant tags a committed model reply.
	RoleAssistant = "assistant"
)

// =============================================================================
// Message
// =============================================================================

// Message is a single role-tagged entry of a conversation.
//
// Messages are treated as immutable once appended; Conversation helpers
// always return copies instead of editing in place.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// IsValidRole reports whether role is one of system, user, or assistant.
func IsValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// =============================================================================
// Conversation
// =============================================================================

// Conversation is the ordered message history of one user.
//
// # Invariants
//
//   - Never empty for a conversation that exists.
//   - Index 0 is always a system message.
//
// Insertion order is significant and preserved by every helper.
type Conversation []Message

// NewConversation creates a conversation containing only the system prompt.
func NewConversation(systemPrompt string) Conversation {
	return Conversation{{Role: RoleSystem, Content: systemPrompt}}
}

// Validate checks the structural invariants of the conversation.
//
// # Outputs
//
//   - error: ErrInvalidConversation (wrapped with detail) if the
//     conversation is empty, index 0 is not a system message, or any
//     message carries an unknown role. Nil otherwise.
func (c Conversation) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidConversation)
	}
	if c[0].Role != RoleSystem {
		return fmt.Errorf("%w: index 0 has role %q", ErrInvalidConversation, c[0].Role)
	}
	for i, m := range c {
		if !IsValidRole(m.Role) {
			return fmt.Errorf("%w: index %d has role %q", ErrInvalidConversation, i, m.Role)
		}
	}
	return nil
}

// Append returns a copy of the conversation with one message added.
// The receiver is not modified.
func (c Conversation) Append(role, content string) Conversation {
	out := make(Conversation, len(c), len(c)+1)
	copy(out, c)
	return append(out, Message{Role: role, Content: content})
}

// Clone returns an independent copy of the conversation.
func (c Conversation) Clone() Conversation {
	if c == nil {
		return nil
	}
	out := make(Conversation, len(c))
	copy(out, c)
	return out
}

// Equal reports whether both conversations hold the same messages in the
// same order.
func (c Conversation) Equal(other Conversation) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}
