// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
	"time"
)

// streamingTurn accumulates the deltas of one in-flight assistant reply.
//
// # Description
//
// A turn is owned by exactly one connection goroutine and is never shared,
// so it carries no lock. The reply is hashed incrementally so the commit
// can be logged by digest instead of content.
//
// A turn ends in exactly one of Finalize (committed) or Discard (abandoned).
type streamingTurn struct {
	startedAt  time.Time
	firstDelta time.Time
	text       strings.Builder
	hasher     hash.Hash
	fragments  int
}

func newStreamingTurn(now time.Time) *streamingTurn {
	return &streamingTurn{startedAt: now, hasher: sha256.New()}
}

// Write appends one delta. first reports whether this was the first one.
func (t *streamingTurn) Write(delta string, now time.Time) (first bool) {
	if t.fragments == 0 {
		t.firstDelta = now
		first = true
	}
	t.fragments++
	t.text.WriteString(delta)
	t.hasher.Write([]byte(delta))
	return first
}

// TimeToFirstDelta is zero until the first Write.
func (t *streamingTurn) TimeToFirstDelta() time.Duration {
	if t.fragments == 0 {
		return 0
	}
	return t.firstDelta.Sub(t.startedAt)
}

// Fragments is the number of deltas written.
func (t *streamingTurn) Fragments() int {
	return t.fragments
}

// Finalize returns the full reply and its hex SHA-256.
func (t *streamingTurn) Finalize() (string, string) {
	return t.text.String(), hex.EncodeToString(t.hasher.Sum(nil))
}

// Discard drops the partial reply.
func (t *streamingTurn) Discard() {
	t.text.Reset()
	t.hasher.Reset()
	t.fragments = 0
}
