// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session persists one conversation per user in Redis.
//
// # Keys
//
// Keys are derived one-way from the user id:
//
//	<prefix>user:<hex(sha256(user_id))>:chat
//
// so raw user ids never reach the store or the logs.
//
// # Consistency
//
// Access is read-modify-write per turn without locking. Two connections
// writing the same user concurrently race and the later Save wins; the
// other turn's update is lost. This is an accepted limitation.
//
// # Failure
//
// Any Redis error other than a missing key is returned as a
// *datatypes.StoreError matching datatypes.ErrStoreUnavailable. Nothing is
// retried locally.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/orchestrator/datatypes"
	"github.com/redis/go-redis/v9"
)

// =============================================================================
// Interface
// =============================================================================

// Store maps a user id to its conversation.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the user's conversation, creating and persisting a
	// system-only conversation when none exists. It never reports "not
	// found".
	Load(ctx context.Context, userID string) (datatypes.Conversation, error)

	// Save overwrites the user's conversation and resets its TTL.
	Save(ctx context.Context, userID string, conv datatypes.Conversation) error

	// Clear deletes the user's conversation.
	Clear(ctx context.Context, userID string) error
}

// =============================================================================
// Keys
// =============================================================================

// Key derives the storage key for userID.
func Key(prefix, userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return prefix + "user:" + hex.EncodeToString(sum[:]) + ":chat"
}

// =============================================================================
// Redis Store
// =============================================================================

// Config holds the store parameters.
type Config struct {
	// KeyPrefix namespaces every key, for example "metalgpt:".
	KeyPrefix string

	// TTL is applied on every write.
	TTL time.Duration

	// SystemPrompt seeds newly created conversations.
	SystemPrompt string
}

// RedisStore implements Store on a go-redis client.
type RedisStore struct {
	client redis.UniversalClient
	config Config
	logger *slog.Logger
}

// NewRedisStore wraps an existing client. The store does not own the
// client's lifecycle unless Close is called.
func NewRedisStore(client redis.UniversalClient, config Config, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, config: config, logger: logger}
}

// NewClient parses a redis:// or rediss:// URL and creates a client.
//
// The client connects lazily; use Ping to probe reachability.
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Key derives the storage key for userID with the configured prefix.
func (s *RedisStore) Key(userID string) string {
	return Key(s.config.KeyPrefix, userID)
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, userID string) (datatypes.Conversation, error) {
	key := s.Key(userID)

	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return s.create(ctx, key)
	}
	if err != nil {
		return nil, storeErr("load", err)
	}

	conv, err := decode(raw)
	if err != nil {
		s.logger.Warn("Stored conversation is corrupt, starting a fresh one",
			"session_key", key, "error", err)
		return s.reset(ctx, key)
	}
	return conv, nil
}

// Save implements Store.
//
// A conversation violating the datatypes.Conversation invariants is refused
// with datatypes.ErrInvalidConversation and nothing is written.
func (s *RedisStore) Save(ctx context.Context, userID string, conv datatypes.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	return s.write(ctx, "save", s.Key(userID), conv)
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.Key(userID)).Err(); err != nil {
		return storeErr("clear", err)
	}
	return nil
}

// Ping probes the server.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// create persists a system-only conversation unless another writer got
// there first, in which case that writer's value is returned.
func (s *RedisStore) create(ctx context.Context, key string) (datatypes.Conversation, error) {
	conv := datatypes.NewConversation(s.config.SystemPrompt)
	data, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("encode conversation: %w", err)
	}

	created, err := s.client.SetNX(ctx, key, data, s.config.TTL).Result()
	if err != nil {
		return nil, storeErr("create", err)
	}
	if created {
		s.logger.Debug("Session created", "session_key", key)
		return conv, nil
	}

	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return s.reset(ctx, key)
	}
	if err != nil {
		return nil, storeErr("load", err)
	}
	existing, err := decode(raw)
	if err != nil {
		return s.reset(ctx, key)
	}
	return existing, nil
}

// reset overwrites key with a fresh system-only conversation.
func (s *RedisStore) reset(ctx context.Context, key string) (datatypes.Conversation, error) {
	conv := datatypes.NewConversation(s.config.SystemPrompt)
	if err := s.write(ctx, "create", key, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *RedisStore) write(ctx context.Context, op, key string, conv datatypes.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	if err := s.client.Set(ctx, key, data, s.config.TTL).Err(); err != nil {
		return storeErr(op, err)
	}
	return nil
}

// decode parses a stored value and checks the conversation invariants.
func decode(raw []byte) (datatypes.Conversation, error) {
	var conv datatypes.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if err := conv.Validate(); err != nil {
		return nil, err
	}
	return conv, nil
}

// storeErr classifies a Redis failure. Context cancellation belongs to the
// caller, not to the store, and is passed through unchanged.
func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("session %s: %w", op, err)
	}
	return &datatypes.StoreError{Op: op, Cause: err}
}

var _ Store = (*RedisStore)(nil)
