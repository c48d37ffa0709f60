// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"

	"github.com/AleutianAI/AleutianRelay/services/orchestrator/datatypes"
)

// GenerationParams carries the per-turn sampling settings forwarded
// upstream. Both fields are always sent, including a zero temperature.
type GenerationParams struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// StreamCallback receives one non-empty delta at a time, in arrival order.
// Returning an error stops the stream and abandons the upstream request.
type StreamCallback func(delta string) error

// ChatStreamer is the Streaming Relay seam consumed by the protocol handler.
//
// # Description
//
// ChatStream issues exactly one upstream request per call. It returns nil
// when the upstream ends the stream normally (termination sentinel or a
// clean close), otherwise an error. The stream is not restartable: calling
// again issues a new request.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple connections.
type ChatStreamer interface {
	ChatStream(ctx context.Context, conv datatypes.Conversation, params GenerationParams, cb StreamCallback) error
}
