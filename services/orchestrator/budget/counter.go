// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package budget

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianRelay/services/orchestrator/datatypes"
	"github.com/pkoukk/tiktoken-go"
)

// EncodingApprox selects the heuristic counter instead of a BPE tokenizer.
const EncodingApprox = "approx"

// TokenCounter returns an approximate token count for a piece of text.
//
// Counts are estimates. Nothing downstream relies on them matching the
// upstream model's chat template exactly.
type TokenCounter interface {
	CountTokens(text string) int
}

// CounterFunc adapts a plain function to TokenCounter.
type CounterFunc func(text string) int

// CountTokens implements TokenCounter.
func (f CounterFunc) CountTokens(text string) int {
	return f(text)
}

// =============================================================================
// Approximate Counter
// =============================================================================

// ApproxCounter estimates one token per CharsPerToken runes, rounding up.
type ApproxCounter struct {
	CharsPerToken int
}

// CountTokens implements TokenCounter.
func (c ApproxCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	per := c.CharsPerToken
	if per <= 0 {
		per = 4
	}
	n := utf8.RuneCountInString(text)
	return (n + per - 1) / per
}

// =============================================================================
// Tiktoken Counter
// =============================================================================

// TiktokenCounter counts tokens with a BPE encoding from tiktoken-go.
//
// The encoding tables are loaded once at construction; the first load for
// an encoding may fetch the table over the network.
type TiktokenCounter struct {
	encoding string
	tke      *tiktoken.Tiktoken
	mu       sync.Mutex
}

// NewTiktokenCounter loads the named encoding (for example cl100k_base).
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	tke, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer encoding %q: %w", encoding, err)
	}
	return &TiktokenCounter{encoding: encoding, tke: tke}, nil
}

// Encoding returns the encoding name.
func (c *TiktokenCounter) Encoding() string {
	return c.encoding
}

// CountTokens implements TokenCounter.
func (c *TiktokenCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tke.Encode(text, nil, nil))
}

// NewCounter builds the process-wide counter for encoding.
//
// "approx" (or an empty name) selects ApproxCounter. Any other name is
// loaded through tiktoken-go; if loading fails the heuristic counter is used
// and a warning is logged, so a missing tokenizer table never blocks
// startup.
func NewCounter(encoding string, logger *slog.Logger) TokenCounter {
	if logger == nil {
		logger = slog.Default()
	}
	encoding = strings.TrimSpace(encoding)
	if encoding == "" || strings.EqualFold(encoding, EncodingApprox) {
		return ApproxCounter{CharsPerToken: 4}
	}
	counter, err := NewTiktokenCounter(encoding)
	if err != nil {
		logger.Warn("Tokenizer unavailable, using approximate counter",
			"encoding", encoding, "error", err)
		return ApproxCounter{CharsPerToken: 4}
	}
	logger.Info("Tokenizer loaded", "encoding", encoding)
	return counter
}

// CountConversation sums the counter over every message's content.
func CountConversation(counter TokenCounter, conv datatypes.Conversation) int {
	total := 0
	for _, m := range conv {
		total += counter.CountTokens(m.Content)
	}
	return total
}
