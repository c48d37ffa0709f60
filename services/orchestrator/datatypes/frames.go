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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Frame Types
// =============================================================================

const (
	// FrameTypeChat is an inbound chat turn.
	FrameTypeChat = "chat"

	// FrameTypeClear is an inbound request to drop the user's session.
	FrameTypeClear = "clear"

	// FrameTypeToken carries one streamed fragment.
	FrameTypeToken = "token"

	// FrameTypeDone marks a committed turn.
	FrameTypeDone = "done"

	// FrameTypeCleared acknowledges a clear request.
	FrameTypeCleared = "cleared"

	// FrameTypeError names a turn-scoped or fatal failure.
	FrameTypeError = "error"
)

const (
	// DefaultTemperature is used when a chat frame omits temperature.
	DefaultTemperature = 0.2

	// DefaultMaxTokens is used when a chat frame omits max_tokens.
	DefaultMaxTokens = 800
)

// Error frame messages shown to clients.
const (
	MsgUserIDRequired     = "user_id required"
	MsgEmptyMessage       = "empty message"
	MsgUnauthorized       = "Unauthorized"
	MsgStoreUnavailable   = "session store unavailable"
	MsgRateLimited        = "rate limit exceeded"
	MsgMaxTokensPositive  = "max_tokens must be positive"
	MsgUpstreamFailurePfx = "upstream request failed: "
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// frameValidate validates inbound frame fields and HTTP request bodies.
var frameValidate = validator.New()

// =============================================================================
// Inbound Frames
// =============================================================================

// InboundFrame is one decoded client frame.
//
// # Description
//
// Chat:  {"type":"chat","user_id":"...","text":"...","temperature":0.2,"max_tokens":800}
// Clear: {"type":"clear","user_id":"..."}
//
// Temperature and MaxTokens are pointers so an omitted field can be told
// apart from an explicit zero.
type InboundFrame struct {
	Type        string   `json:"type"`
	UserID      string   `json:"user_id"`
	Text        string   `json:"text"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// DecodeFrame parses a raw frame payload.
//
// # Outputs
//
//   - InboundFrame: The normalized frame (see Normalize).
//   - error: *ProtocolError if the payload is not a JSON object matching
//     the frame shape.
func DecodeFrame(payload []byte) (InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return InboundFrame{}, &ProtocolError{Cause: err}
	}
	f.Normalize()
	return f, nil
}

// Normalize trims identifiers and text, lower-cases the type and defaults
// it to chat.
func (f *InboundFrame) Normalize() {
	f.UserID = strings.TrimSpace(f.UserID)
	f.Text = strings.TrimSpace(f.Text)
	f.Type = strings.ToLower(strings.TrimSpace(f.Type))
	if f.Type == "" {
		f.Type = FrameTypeChat
	}
}

// ValidateUserID checks the field every frame type requires.
func (f *InboundFrame) ValidateUserID() error {
	if err := frameValidate.Var(f.UserID, "required"); err != nil {
		return &ValidationError{Field: "user_id", Message: MsgUserIDRequired}
	}
	return nil
}

// ValidateChat checks the fields a chat frame requires beyond user_id.
func (f *InboundFrame) ValidateChat() error {
	if err := frameValidate.Var(f.Text, "required"); err != nil {
		return &ValidationError{Field: "text", Message: MsgEmptyMessage}
	}
	if f.MaxTokens != nil {
		if err := frameValidate.Var(*f.MaxTokens, "gt=0"); err != nil {
			return &ValidationError{Field: "max_tokens", Message: MsgMaxTokensPositive}
		}
	}
	return nil
}

// TemperatureOrDefault returns the requested temperature or 0.2.
func (f *InboundFrame) TemperatureOrDefault() float64 {
	if f.Temperature == nil {
		return DefaultTemperature
	}
	return *f.Temperature
}

// MaxTokensOrDefault returns the requested max_tokens or 800.
func (f *InboundFrame) MaxTokensOrDefault() int {
	if f.MaxTokens == nil {
		return DefaultMaxTokens
	}
	return *f.MaxTokens
}

// =============================================================================
// Outbound Frames
// =============================================================================

// OutboundFrame is one event sent to the client.
type OutboundFrame struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

// TokenFrame carries one streamed fragment.
func TokenFrame(text string) OutboundFrame {
	return OutboundFrame{Type: FrameTypeToken, Text: text}
}

// DoneFrame marks a committed turn.
func DoneFrame() OutboundFrame {
	return OutboundFrame{Type: FrameTypeDone}
}

// ClearedFrame acknowledges a clear.
func ClearedFrame() OutboundFrame {
	return OutboundFrame{Type: FrameTypeCleared}
}

// ErrorFrame names a failure.
func ErrorFrame(message string) OutboundFrame {
	return OutboundFrame{Type: FrameTypeError, Message: message}
}

// UnknownTypeFrame reports an unsupported frame type.
func UnknownTypeFrame(frameType string) OutboundFrame {
	return ErrorFrame(fmt.Sprintf("Unknown type: %s", frameType))
}

// =============================================================================
// HTTP Bodies
// =============================================================================

// ClearRequest is the body of POST /api/clear.
type ClearRequest struct {
	UserID string `json:"user_id" binding:"required,min=1" validate:"required,min=1"`
}

// Validate checks the body outside of gin binding.
func (r *ClearRequest) Validate() error {
	r.UserID = strings.TrimSpace(r.UserID)
	if err := frameValidate.Struct(r); err != nil {
		return &ValidationError{Field: "user_id", Message: MsgUserIDRequired}
	}
	return nil
}
