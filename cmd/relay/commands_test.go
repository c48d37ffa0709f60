// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"testing"

	"github.com/AleutianAI/AleutianRelay/services/orchestrator/config"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/session"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(config.New())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestClearCommand(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_URL", "redis://"+mr.Addr()+"/0")
	t.Setenv("REDIS_PREFIX", "metalgpt:")

	key := session.Key("metalgpt:", "alice")
	require.NoError(t, mr.Set(key, `[{"role":"system","content":"s"}]`))
	require.NoError(t, mr.Set(session.Key("metalgpt:", "bob"), `[{"role":"system","content":"s"}]`))

	out, err := execute(t, "clear", "--user-id", " alice ")
	require.NoError(t, err)
	assert.Contains(t, out, "Session cleared.")
	assert.False(t, mr.Exists(key))
	assert.True(t, mr.Exists(session.Key("metalgpt:", "bob")), "other users are untouched")
}

func TestClearCommand_RequiresUserID(t *testing.T) {
	_, err := execute(t, "clear")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user-id")

	_, err = execute(t, "clear", "--user-id", "   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be empty")
}

func TestClearCommand_StoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_URL", "redis://"+mr.Addr()+"/0")
	mr.Close()

	_, err := execute(t, "clear", "--user-id", "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, datatypes.ErrStoreUnavailable)
}

func TestClearCommand_InvalidConfig(t *testing.T) {
	t.Setenv("SESSION_TTL_SECONDS", "-5")

	_, err := execute(t, "clear", "--user-id", "alice")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestServeCommand_FlagsBindIntoConfig(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")

	v := config.New()
	serve, _, err := newRootCmd(v).Find([]string{"serve"})
	require.NoError(t, err)
	require.NoError(t, serve.ParseFlags([]string{"--port", "9191", "--log-level", "debug"}))

	cfg, err := config.Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestServeCommand_RejectsArguments(t *testing.T) {
	_, err := execute(t, "serve", "extra")
	assert.Error(t, err)
}
