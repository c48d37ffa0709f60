// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package budget keeps a conversation within the model's context window.
//
// # Algorithm
//
// While the conversation is longer than the minimum kept length and its
// approximate token count exceeds the effective budget, the oldest
// non-system message (index 1) is dropped. Index 0 is never removed,
// whatever min_keep says.
//
// When the minimum length is reached first, the conversation is allowed to
// stay over budget: the guaranteed tail wins over the token estimate.
package budget

import (
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/datatypes"
)

// Trim returns a copy of conv that fits tokenBudget, keeping at least
// minKeep messages and always the system message at index 0.
//
// # Inputs
//
//   - conv: The conversation to trim. Not modified.
//   - counter: Per-message token estimator.
//   - tokenBudget: Effective budget (context size minus generation reserve).
//   - minKeep: Minimum number of messages to keep. Values below 1 are
//     treated as 1.
//
// # Outputs
//
//   - datatypes.Conversation: The trimmed copy. A conversation at or below
//     minKeep is returned unchanged (as a copy).
func Trim(conv datatypes.Conversation, counter TokenCounter, tokenBudget, minKeep int) datatypes.Conversation {
	out := conv.Clone()
	floor := minKeep
	if floor < 1 {
		floor = 1
	}
	if len(out) <= floor {
		return out
	}

	counts := make([]int, len(out))
	total := 0
	for i, m := range out {
		counts[i] = counter.CountTokens(m.Content)
		total += counts[i]
	}

	for len(out) > floor && total > tokenBudget {
		total -= counts[1]
		out = append(out[:1], out[2:]...)
		counts = append(counts[:1], counts[2:]...)
	}
	return out
}

// Config holds the budget parameters.
type Config struct {
	// MaxContextTokens is the model context size.
	MaxContextTokens int

	// ReserveForGeneration is held back for the reply.
	ReserveForGeneration int

	// MinKeepMessages is the guaranteed history length, system included.
	MinKeepMessages int
}

// Budgeter applies Trim with fixed parameters and a process-wide counter.
//
// # Thread Safety
//
// Safe for concurrent use when the counter is.
type Budgeter struct {
	counter TokenCounter
	config  Config
}

// New creates a Budgeter.
func New(counter TokenCounter, config Config) *Budgeter {
	return &Budgeter{counter: counter, config: config}
}

// EffectiveBudget returns max(1, MaxContextTokens - ReserveForGeneration).
func (b *Budgeter) EffectiveBudget() int {
	budget := b.config.MaxContextTokens - b.config.ReserveForGeneration
	if budget < 1 {
		return 1
	}
	return budget
}

// Trim trims conv to the configured budget.
func (b *Budgeter) Trim(conv datatypes.Conversation) datatypes.Conversation {
	return Trim(conv, b.counter, b.EffectiveBudget(), b.config.MinKeepMessages)
}

// Count returns the approximate token count of conv.
func (b *Budgeter) Count(conv datatypes.Conversation) int {
	return CountConversation(b.counter, conv)
}
