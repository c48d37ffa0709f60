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
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/llm"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/budget"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

const testSystemPrompt = "S"

// fakeStore is an in-memory session.Store that counts calls.
type fakeStore struct {
	mu     sync.Mutex
	convs  map[string]datatypes.Conversation
	loads  int
	saves  int
	clears int
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{convs: make(map[string]datatypes.Conversation)}
}

func (s *fakeStore) Load(_ context.Context, userID string) (datatypes.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.err != nil {
		return nil, s.err
	}
	conv, ok := s.convs[userID]
	if !ok {
		conv = datatypes.NewConversation(testSystemPrompt)
		s.convs[userID] = conv
	}
	return conv.Clone(), nil
}

func (s *fakeStore) Save(_ context.Context, userID string, conv datatypes.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.err != nil {
		return s.err
	}
	s.convs[userID] = conv.Clone()
	return nil
}

func (s *fakeStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	if s.err != nil {
		return s.err
	}
	delete(s.convs, userID)
	return nil
}

func (s *fakeStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStore) get(userID string) datatypes.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[userID].Clone()
}

func (s *fakeStore) counts() (loads, saves, clears int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads, s.saves, s.clears
}

func (s *fakeStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// fakeRelay is a scripted llm.ChatStreamer.
type fakeRelay struct {
	mu         sync.Mutex
	deltas     []string
	err        error
	block      bool
	started    chan struct{}
	canceled   chan struct{}
	gate       chan struct{}
	tail       []string
	returned   chan struct{}
	lastCtx    context.Context
	calls      int
	lastConv   datatypes.Conversation
	lastParams llm.GenerationParams
}

func (r *fakeRelay) ChatStream(ctx context.Context, conv datatypes.Conversation,
	params llm.GenerationParams, cb llm.StreamCallback) error {

	r.mu.Lock()
	r.calls++
	r.lastConv = conv.Clone()
	r.lastParams = params
	r.lastCtx = ctx
	deltas, err, block := r.deltas, r.err, r.block
	started, canceled := r.started, r.canceled
	gate, tail, returned := r.gate, r.tail, r.returned
	r.mu.Unlock()

	if returned != nil {
		defer close(returned)
	}
	for _, d := range deltas {
		if cbErr := cb(d); cbErr != nil {
			return fmt.Errorf("stream callback: %w", cbErr)
		}
	}
	if gate != nil {
		// Held regardless of ctx, like an upstream that keeps sending.
		close(started)
		<-gate
		for _, d := range tail {
			if cbErr := cb(d); cbErr != nil {
				return fmt.Errorf("stream callback: %w", cbErr)
			}
		}
		return nil
	}
	if block {
		close(started)
		<-ctx.Done()
		close(canceled)
		return fmt.Errorf("upstream stream abandoned: %w", ctx.Err())
	}
	return err
}

func (r *fakeRelay) script(deltas []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas, r.err = deltas, err
}

// blockAfter makes the next stream hold open after deltas until cancelled.
func (r *fakeRelay) blockAfter(deltas []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = deltas
	r.block = true
	r.started = make(chan struct{})
	r.canceled = make(chan struct{})
}

// gateAfter makes the next stream send deltas, wait for the returned gate
// to close without watching ctx, then send tail and succeed.
func (r *fakeRelay) gateAfter(deltas, tail []string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas, r.tail = deltas, tail
	r.gate = make(chan struct{})
	r.started = make(chan struct{})
	r.returned = make(chan struct{})
	return r.gate
}

// streamCanceled reports whether the last stream's context is done.
func (r *fakeRelay) streamCanceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCtx != nil && r.lastCtx.Err() != nil
}

func (r *fakeRelay) snapshot() (int, datatypes.Conversation, llm.GenerationParams) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.lastConv, r.lastParams
}

type socketFixture struct {
	server  *httptest.Server
	socket  *ChatSocket
	store   *fakeStore
	relay   *fakeRelay
	metrics *observability.RelayMetrics
}

func defaultBudgeter() *budget.Budgeter {
	return budget.New(budget.ApproxCounter{CharsPerToken: 4}, budget.Config{
		MaxContextTokens:     16384,
		ReserveForGeneration: 1200,
		MinKeepMessages:      6,
	})
}

func newSocketFixture(t *testing.T, secret string, cfg ChatSocketConfig) *socketFixture {
	t.Helper()
	return newSocketFixtureWithBudget(t, secret, cfg, defaultBudgeter())
}

func newSocketFixtureWithBudget(t *testing.T, secret string, cfg ChatSocketConfig, b *budget.Budgeter) *socketFixture {
	t.Helper()
	store := newFakeStore()
	relay := &fakeRelay{}
	metrics := observability.NewRelayMetrics(prometheus.NewRegistry())

	socket := NewChatSocket(ChatSocketDeps{
		Store:    store,
		Relay:    relay,
		Budgeter: b,
		Auth:     extensions.NewSharedSecretProvider(secret),
		Metrics:  metrics,
	}, cfg)

	router := gin.New()
	router.GET("/ws", socket.Handle)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &socketFixture{server: server, socket: socket, store: store, relay: relay, metrics: metrics}
}

func (f *socketFixture) dial(t *testing.T, query string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func readFrame(t *testing.T, conn *websocket.Conn) datatypes.OutboundFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame datatypes.OutboundFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// readUntilDone collects frames through the first done or error frame.
func readUntilDone(t *testing.T, conn *websocket.Conn) []datatypes.OutboundFrame {
	t.Helper()
	var frames []datatypes.OutboundFrame
	for {
		f := readFrame(t, conn)
		frames = append(frames, f)
		if f.Type == datatypes.FrameTypeDone || f.Type == datatypes.FrameTypeError {
			return frames
		}
	}
}

// readClose reads until the server's close frame and returns its code.
func readClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr.Code
	}
}

func chatFrame(userID, text string) map[string]any {
	return map[string]any{"type": "chat", "user_id": userID, "text": text}
}

// =============================================================================
// Authentication
// =============================================================================

func TestChatSocket_Unauthorized(t *testing.T) {
	f := newSocketFixture(t, "s3cret", ChatSocketConfig{})
	conn := f.dial(t, "", nil)

	frame := readFrame(t, conn)
	assert.Equal(t, datatypes.ErrorFrame("Unauthorized"), frame)
	assert.Equal(t, CloseUnauthorized, readClose(t, conn))

	loads, saves, clears := f.store.counts()
	assert.Zero(t, loads+saves+clears)
	calls, _, _ := f.relay.snapshot()
	assert.Zero(t, calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConnectionsTotal.WithLabelValues("unauthorized")))
}

func TestChatSocket_WrongCredential(t *testing.T) {
	f := newSocketFixture(t, "s3cret", ChatSocketConfig{})
	conn := f.dial(t, "?api_key=nope", nil)

	assert.Equal(t, datatypes.MsgUnauthorized, readFrame(t, conn).Message)
	assert.Equal(t, CloseUnauthorized, readClose(t, conn))
}

func TestChatSocket_AuthorizedChannels(t *testing.T) {
	f := newSocketFixture(t, "s3cret", ChatSocketConfig{})
	f.relay.script([]string{"ok"}, nil)

	header := http.Header{}
	header.Set("X-API-Key", "s3cret")
	viaHeader := f.dial(t, "", header)
	viaQuery := f.dial(t, "?api_key=s3cret", nil)

	for _, conn := range []*websocket.Conn{viaHeader, viaQuery} {
		sendFrame(t, conn, chatFrame("alice", "hi"))
		frames := readUntilDone(t, conn)
		assert.Equal(t, datatypes.FrameTypeDone, frames[len(frames)-1].Type)
	}
}

// =============================================================================
// Chat Turns
// =============================================================================

func TestChatSocket_ChatTurnCommits(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{})
	f.relay.script([]string{"Aus", "tenite", " is γ-iron."}, nil)
	conn := f.dial(t, "", nil)

	sendFrame(t, conn, chatFrame("alice", "  What is austenite?  "))
	frames := readUntilDone(t, conn)

	require.Len(t, frames, 4)
	var streamed strings.Builder
	for _, fr := range frames[:3] {
		assert.Equal(t, datatypes.FrameTypeToken, fr.Type)
		streamed.WriteString(fr.Text)
	}
	assert.Equal(t, datatypes.DoneFrame(), frames[3])

	conv := f.store.get("alice")
	require.Len(t, conv, 3)
	assert.Equal(t, datatypes.Message{Role: datatypes.RoleSystem, Content: testSystemPrompt}, conv[0])
	assert.Equal(t, datatypes.Message{Role: datatypes.RoleUser, Content: "What is austenite?"}, conv[1])
	assert.Equal(t, datatypes.RoleAssistant, conv[2].Role)
	assert.Equal(t, streamed.String(), conv[2].Content)

	_, relayConv, params := f.relay.snapshot()
	assert.Len(t, relayConv, 2)
	assert.Equal(t, llm.GenerationParams{Temperature: 0.2, MaxTokens: 800}, params)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues("committed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.DeltasTotal))
}

func TestChatSocket_ForwardsGenerationParams(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{})
	conn := f.dial(t, "", nil)

	sendFrame(t, conn, map[string]any{"user_id": "alice", "text": "hi", "temperature": 0.0, "max_tokens": 50})
	frames := readUntilDone(t, conn)

	assert.Equal(t, []datatypes.OutboundFrame{datatypes.DoneFrame()}, frames)
	_, _, params := f.relay.snapshot()
	assert.Equal(t, llm.GenerationParams{Temperature: 0, MaxTokens: 50}, params)

	// An empty reply is still committed.
	conv := f.store.get("alice")
	require.Len(t, conv, 3)
	assert.Equal(t, "", conv[2].Content)
}

func TestChatSocket_HistoryAccumulatesAcrossTurns(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{})
	f.relay.script([]string{"reply"}, nil)
	conn := f.dial(t, "", nil)

	for i := 0; i < 3; i++ {
		sendFrame(t, conn, chatFrame("alice", fmt.Sprintf("q%d", i)))
		readUntilDone(t, conn)
	}

	assert.Len(t, f.store.get("alice"), 7)
	_, relayConv, _ := f.relay.snapshot()
	assert.Len(t, relayConv, 6)
	assert.Equal(t, "q2", relayConv[5].Content)
}

func TestChatSocket_TrimsToBudget(t *testing.T) {
	f := newSocketFixtureWithBudget(t, "", ChatSocketConfig{},
		budget.New(budget.CounterFunc(func(string) int { return 3 }), budget.Config{
			MaxContextTokens:     10,
			ReserveForGeneration: 0,
			MinKeepMessages:      2,
		}))
	f.relay.script([]string{"a"}, nil)
	conn := f.dial(t, "", nil)

	for i := 0; i < 4; i++ {
		sendFrame(t, conn, chatFrame("alice", fmt.Sprintf("q%d", i)))
		readUntilDone(t, conn)
	}

	conv := f.store.get("alice")
	assert.Equal(t, datatypes.RoleSystem, conv[0].Role)
	assert.LessOrEqual(t, len(conv)*3, 10)
	assert.Equal(t, "a", conv[len(conv)-1].Content)
	assert.Positive(t, testutil.ToFloat64(f.metrics.TrimmedMessagesTotal))
}

// =============================================================================
// Validation and Dispatch
// =============================================================================

func TestChatSocket_EmptyTextIsRejectedWithoutSideEffects(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{})
	conn := f.dial(t, "", nil)

	sendFrame(t, conn, chatFrame("alice", "   "))
	sendFrame(t, conn, map[string]any{"type": "clear", "user_id": "alice"})

	assert.Equal(t, datatypes.ErrorFrame("empty message"), readFrame(t, conn))
	// The next frame answers the clear, so exactly one error was sent.
	assert.Equal(t, datatypes.ClearedFrame(), readFrame(t, conn))

	loads, saves, _ := f.store.counts()
	assert.Zero(t, loads)
	assert.Zero(t, saves)
	calls, _, _ := f.relay.snapshot()
	assert.Zero(t, calls)
}

func TestChatSocket_MissingUserID(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{})
	conn := f.dial(t, "", nil)

	for _, frame := range []map[string]any{
		{"type": "chat", "text": "hi"},
		{"type": "clear"},
		{"type": "bogus", "user_id": "  "},
		{},
	} {
		sendFrame(t, conn, frame)
		assert.Equal(t, datatypes.ErrorFrame("user_id required"), readFrame(t, conn))
	}

	sendFrame(t, conn, map[string]any{"type": "clear", "user_id": "alice"})
	assert.Equal(t, datatypes.ClearedFrame(), readFrame(t, conn))

	loads, saves, clears := f.store.counts()
	assert.Equal(t, []int{0, 0, 1}, []int{loads, saves, clears})
}

func TestChatSocket_UnknownType(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{})
	conn := f.dial(t, "", nil)

	sendFrame(t, conn, map[string]any{"type": " Summarize ", "user_id": "alice"})
	assert.Equal(t, datatypes.ErrorFrame("Unknown type: summarize"), readFrame(t, conn))
}

func TestChatSocket_NonPositiveMaxTokens(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{})
	conn := f.dial(t, "", nil)

	sendFrame(t, conn, map[string]any{"user_id": "alice", "text": "hi", "max_tokens": 0})
	assert.Equal(t, datatypes.ErrorFrame(datatypes.MsgMaxTokensPositive), readFrame(t, conn))
	calls, _, _ := f.relay.snapshot()
	assert.Zero(t, calls)
}

func TestChatSocket_ClearDeletesSession(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{})
	f.relay.script([]string{"x"}, nil)
	conn := f.dial(t, "", nil)

	sendFrame(t, conn, chatFrame("alice", "hi"))
	readUntilDone(t, conn)
	require.Len(t, f.store.get("alice"), 3)

	sendFrame(t, conn, map[string]any{"type": "CLEAR", "user_id": "alice"})
	assert.Equal(t, datatypes.ClearedFrame(), readFrame(t, conn))
	assert.Nil(t, f.store.get("alice"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ClearsTotal.WithLabelValues("ws")))
}

// =============================================================================
// Failures
// =============================================================================

func TestChatSocket_RelayFailureDiscardsPartialTurn(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{})
	f.relay.script([]string{"partial"}, &datatypes.RelayError{
		StatusCode: http.StatusServiceUnavailable,
		Cause:      errors.New("model is loading"),
	})
	conn := f.dial(t, "", nil)

	sendFrame(t, conn, chatFrame("alice", "hi"))
	frames := readUntilDone(t, conn)

	assert.Equal(t, []datatypes.OutboundFrame{
		datatypes.TokenFrame("partial"),
		datatypes.ErrorFrame("upstream request failed: status 503: model is loading"),
	}, frames)
	assert.Len(t, f.store.get("alice"), 1)
	_, saves, _ := f.store.counts()
	assert.Zero(t, saves)

	// The connection stays in Ready.
	f.relay.script([]string{"fine"}, nil)
	sendFrame(t, conn, chatFrame("alice", "again"))
	frames = readUntilDone(t, conn)
	assert.Equal(t, datatypes.DoneFrame(), frames[len(frames)-1])
	assert.Equal(t, "fine", f.store.get("alice")[2].Content)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues("relay_error")))
}

func TestChatSocket_TransportRelayFailure(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{})
	f.relay.script(nil, &datatypes.RelayError{Cause: errors.New("connection refused")})
	conn := f.dial(t, "", nil)

	sendFrame(t, conn, chatFrame("alice", "hi"))
	assert.Equal(t, datatypes.ErrorFrame("upstream request failed: connection refused"), readFrame(t, conn))
}

func TestChatSocket_UndecodableFrameCloses(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{})
	conn := f.dial(t, "", nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, websocket.CloseUnsupportedData, readClose(t, conn))
}

func TestChatSocket_WrongFieldTypeCloses(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{})
	conn := f.dial(t, "", nil)

	sendFrame(t, conn, map[string]any{"user_id": "alice", "text": "hi", "temperature": "hot"})
	assert.Equal(t, websocket.CloseUnsupportedData, readClose(t, conn))
}

func TestChatSocket_StoreUnavailableCloses(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{})
	f.store.setErr(&datatypes.StoreError{Op: "load", Cause: errors.New("dial tcp: connection refused")})
	conn := f.dial(t, "", nil)

	sendFrame(t, conn, chatFrame("alice", "hi"))
	assert.Equal(t, datatypes.ErrorFrame("session store unavailable"), readFrame(t, conn))
	assert.Equal(t, websocket.CloseInternalServerErr, readClose(t, conn))

	calls, _, _ := f.relay.snapshot()
	assert.Zero(t, calls)
}

func TestChatSocket_OversizedFrameCloses(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{MaxFrameBytes: 64})
	conn := f.dial(t, "", nil)

	sendFrame(t, conn, chatFrame("alice", strings.Repeat("x", 200)))
	assert.Equal(t, websocket.CloseMessageTooBig, readClose(t, conn))
}

func TestChatSocket_RateLimited(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{FrameRate: 0.001, FrameBurst: 1})
	conn := f.dial(t, "", nil)

	clear := map[string]any{"type": "clear", "user_id": "alice"}
	sendFrame(t, conn, clear)
	assert.Equal(t, datatypes.ClearedFrame(), readFrame(t, conn))
	sendFrame(t, conn, clear)
	assert.Equal(t, datatypes.ErrorFrame("rate limit exceeded"), readFrame(t, conn))

	_, _, clears := f.store.counts()
	assert.Equal(t, 1, clears)
}

// =============================================================================
// Cancellation
// =============================================================================

func TestChatSocket_DisconnectMidStreamPersistsNothing(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{})
	f.relay.blockAfter([]string{"first"})
	conn := f.dial(t, "", nil)

	sendFrame(t, conn, chatFrame("alice", "hi"))
	assert.Equal(t, datatypes.TokenFrame("first"), readFrame(t, conn))
	f.relay.mu.Lock()
	started, canceled := f.relay.started, f.relay.canceled
	f.relay.mu.Unlock()
	<-started
	require.NoError(t, conn.Close())

	select {
	case <-canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("relay was not cancelled after client disconnect")
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.ActiveConnections) == 0
	}, 5*time.Second, 10*time.Millisecond)

	_, saves, _ := f.store.counts()
	assert.Zero(t, saves)
	assert.Len(t, f.store.get("alice"), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues("abandoned")))
}

func TestChatSocket_FrameFloodThenDisconnectPersistsNothing(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{})
	gate := f.relay.gateAfter([]string{"first"}, []string{" late"})
	f.relay.mu.Lock()
	started, returned := f.relay.started, f.relay.returned
	f.relay.mu.Unlock()
	conn := f.dial(t, "", nil)

	sendFrame(t, conn, chatFrame("alice", "hi"))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("relay stream did not start")
	}
	for i := 0; i < inboundQueueSize+4; i++ {
		sendFrame(t, conn, map[string]any{"type": "clear", "user_id": "bob"})
	}
	require.NoError(t, conn.Close())

	require.Eventually(t, f.relay.streamCanceled, 5*time.Second, 10*time.Millisecond)
	close(gate)
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("relay stream did not return")
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.ActiveConnections) == 0
	}, 5*time.Second, 10*time.Millisecond)

	_, saves, clears := f.store.counts()
	assert.Zero(t, saves)
	assert.Zero(t, clears)
	assert.Len(t, f.store.get("alice"), 1)
}

func TestChatSocket_FrameBacklogClosesWithPolicyViolation(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{})
	gate := f.relay.gateAfter(nil, []string{"late"})
	f.relay.mu.Lock()
	started, returned := f.relay.started, f.relay.returned
	f.relay.mu.Unlock()
	conn := f.dial(t, "", nil)

	sendFrame(t, conn, chatFrame("alice", "hi"))
	<-started
	for i := 0; i < inboundQueueSize+4; i++ {
		sendFrame(t, conn, map[string]any{"type": "clear", "user_id": "bob"})
	}

	assert.Equal(t, websocket.ClosePolicyViolation, readClose(t, conn))
	assert.True(t, f.relay.streamCanceled())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ErrorsTotal.WithLabelValues("protocol")))

	close(gate)
	<-returned
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.ActiveConnections) == 0
	}, 5*time.Second, 10*time.Millisecond)
	_, saves, clears := f.store.counts()
	assert.Zero(t, saves)
	assert.Zero(t, clears)
}

func TestChatSocket_ShutdownRefusesLaterUpgrades(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.socket.Shutdown(ctx))
	assert.False(t, f.socket.enter())

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestChatSocket_ShutdownClosesConnections(t *testing.T) {
	f := newSocketFixture(t, "", ChatSocketConfig{})
	conn := f.dial(t, "", nil)

	// Make sure the connection reached Ready before shutting down.
	sendFrame(t, conn, map[string]any{"type": "clear", "user_id": "alice"})
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.socket.Shutdown(ctx))

	assert.Equal(t, websocket.CloseGoingAway, readClose(t, conn))

	// New upgrades are refused.
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func TestDescribeRelayError(t *testing.T) {
	assert.Equal(t, "upstream request failed: status 502: bad gateway",
		describeRelayError(&datatypes.RelayError{StatusCode: 502, Cause: errors.New("bad gateway")}))
	assert.Equal(t, "upstream request failed: eof",
		describeRelayError(fmt.Errorf("wrapped: %w", &datatypes.RelayError{Cause: errors.New("eof")})))
	assert.Equal(t, "upstream request failed: boom", describeRelayError(errors.New("boom")))
}

func TestStreamingTurn(t *testing.T) {
	start := time.Unix(100, 0)
	turn := newStreamingTurn(start)
	assert.Zero(t, turn.TimeToFirstDelta())

	assert.True(t, turn.Write("Hel", start.Add(300*time.Millisecond)))
	assert.False(t, turn.Write("lo", start.Add(time.Second)))
	assert.Equal(t, 300*time.Millisecond, turn.TimeToFirstDelta())
	assert.Equal(t, 2, turn.Fragments())

	text, digest := turn.Finalize()
	assert.Equal(t, "Hello", text)
	// sha256("Hello")
	assert.Equal(t, "185f8db32271fe25f561a6fc938b2e264306ec304eda518007d1764826381969", digest)

	turn.Discard()
	text, _ = turn.Finalize()
	assert.Empty(t, text)
	assert.Zero(t, turn.Fragments())
}
