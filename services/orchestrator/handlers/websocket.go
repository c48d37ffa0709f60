// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP and websocket handlers of the relay.
//
// The websocket handler owns one client connection's lifecycle:
//
//	Connecting ─► Authenticating ─► Ready ◄──────────────────────────┐
//	                   │              │ frame                         │
//	                   │              ▼                               │
//	                   │         Dispatching ─► Streaming ─► Committing
//	                   ▼              │
//	                 Closed ◄─────────┘ (protocol error, store down, disconnect)
//
// Turns on one connection are strictly sequential. Nothing is persisted
// until a stream has ended normally.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/llm"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/budget"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/session"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var handlerTracer = otel.Tracer("aleutian.relay.handlers")

// =============================================================================
// Constants
// =============================================================================

const (
	// CloseUnauthorized is sent after the "Unauthorized" error frame.
	CloseUnauthorized = 4401

	// closeReasonInvalid accompanies websocket.CloseUnsupportedData.
	closeReasonInvalid = "Invalid data format"

	// inboundQueueSize bounds frames read ahead while a turn is streaming.
	// A client that pipelines more is closed with 1008.
	inboundQueueSize = 16

	closeReasonBacklog = "too many pending frames"

	defaultWriteTimeout = 10 * time.Second
	closeGrace          = time.Second
)

// =============================================================================
// Configuration
// =============================================================================

// ChatSocketConfig holds per-connection limits.
type ChatSocketConfig struct {
	// MaxFrameBytes caps one inbound frame. Larger frames close the
	// connection with 1009. Zero disables the cap.
	MaxFrameBytes int64

	// FrameRate is the sustained inbound frames per second allowed on one
	// connection. Zero disables throttling.
	FrameRate float64

	// FrameBurst is the number of frames allowed above FrameRate at once.
	FrameBurst int

	// WriteTimeout bounds each outbound frame write. Zero means 10s.
	WriteTimeout time.Duration
}

// ChatSocketDeps are the process-wide collaborators shared by every
// connection. They are created once at startup and must be safe for
// concurrent use.
type ChatSocketDeps struct {
	Store    session.Store
	Relay    llm.ChatStreamer
	Budgeter *budget.Budgeter
	Auth     extensions.AuthProvider
	Metrics  *observability.RelayMetrics
	Logger   *slog.Logger
}

// =============================================================================
// Handler
// =============================================================================

// ChatSocket serves the /ws chat protocol.
//
// # Description
//
// Each connection authenticates once after the handshake, then processes
// chat and clear frames one at a time. See the package documentation for
// the state machine.
//
// # Thread Safety
//
// Handle may be called concurrently; connections share only the
// collaborators in ChatSocketDeps.
type ChatSocket struct {
	deps     ChatSocketDeps
	config   ChatSocketConfig
	upgrader websocket.Upgrader

	// mu orders running.Add against Shutdown's Wait.
	mu      sync.Mutex
	closed  bool
	root    context.Context
	stop    context.CancelFunc
	running sync.WaitGroup
}

// NewChatSocket creates the websocket handler.
func NewChatSocket(deps ChatSocketDeps, config ChatSocketConfig) *ChatSocket {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Auth == nil {
		deps.Auth = &extensions.NopAuthProvider{}
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}

	root, stop := context.WithCancel(context.Background())
	return &ChatSocket{
		deps:   deps,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		root: root,
		stop: stop,
	}
}

// Handle upgrades the request and runs the connection until it closes.
func (h *ChatSocket) Handle(c *gin.Context) {
	if !h.enter() {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	defer h.running.Done()

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.deps.Logger.Warn("Failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	conn := h.newConnection(ws)

	if _, err := middleware.Authenticate(c.Request.Context(), h.deps.Auth, c.Request); err != nil {
		h.deps.Metrics.RecordConnection(false)
		h.deps.Metrics.RecordError(observability.ErrorCodeUnauthorized)
		conn.logger.Info("Websocket connection rejected", "reason", "unauthorized")
		if conn.send(datatypes.ErrorFrame(datatypes.MsgUnauthorized)) == nil {
			conn.closeWith(CloseUnauthorized, datatypes.MsgUnauthorized)
		}
		return
	}

	h.deps.Metrics.RecordConnection(true)
	h.deps.Metrics.ConnectionOpened()
	defer h.deps.Metrics.ConnectionClosed()

	conn.logger.Info("Websocket client connected", "remote", c.ClientIP())
	conn.run()
}

// Shutdown stops accepting connections, closes every open connection with
// 1001 Going Away, and waits for them to finish or for ctx to expire.
// In-flight turns are abandoned and not persisted.
func (h *ChatSocket) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.stop()
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("websocket shutdown: %w", ctx.Err())
	}
}

// enter registers a connection unless Shutdown has begun.
func (h *ChatSocket) enter() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.running.Add(1)
	return true
}

// =============================================================================
// Connection
// =============================================================================

// inbound is one raw frame, or the read error that ended the connection.
type inbound struct {
	payload []byte
	err     error
}

// writeError marks a failed outbound write: the client is gone.
type writeError struct {
	err error
}

func (e *writeError) Error() string { return "websocket write: " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// connection is the per-client state. Only run's goroutine writes to ws;
// only readLoop reads from it.
type connection struct {
	h       *ChatSocket
	ws      *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
	limiter *rate.Limiter
	frames  chan inbound
}

func (h *ChatSocket) newConnection(ws *websocket.Conn) *connection {
	ctx, cancel := context.WithCancel(h.root)
	conn := &connection{
		h:      h,
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		logger: h.deps.Logger.With("conn_id", uuid.New().String()),
		frames: make(chan inbound, inboundQueueSize),
	}
	if h.config.FrameRate > 0 {
		burst := h.config.FrameBurst
		if burst < 1 {
			burst = 1
		}
		conn.limiter = rate.NewLimiter(rate.Limit(h.config.FrameRate), burst)
	}
	if h.config.MaxFrameBytes > 0 {
		ws.SetReadLimit(h.config.MaxFrameBytes)
	}
	return conn
}

// run is the Ready loop. It returns when the connection is Closed.
func (c *connection) run() {
	defer c.cancel()
	go c.readLoop()

	for {
		select {
		case <-c.ctx.Done():
			c.closeIfShuttingDown()
			return

		case in := <-c.frames:
			if c.ctx.Err() != nil {
				c.closeIfShuttingDown()
				return
			}
			if in.err != nil {
				c.logDisconnect(in.err)
				return
			}
			if c.limiter != nil && !c.limiter.Allow() {
				c.h.deps.Metrics.RecordError(observability.ErrorCodeRateLimited)
				if err := c.send(datatypes.ErrorFrame(datatypes.MsgRateLimited)); err != nil {
					return
				}
				continue
			}
			if err := c.dispatch(in.payload); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *connection) closeIfShuttingDown() {
	if c.h.root.Err() != nil {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// readLoop pumps inbound frames. It never blocks on the queue, so a
// disconnect is always observed while a turn streams. A read error cancels
// the connection context first, so an in-flight turn observes the
// disconnect before the error reaches run. A full queue closes the
// connection with 1008 and cancels it the same way.
func (c *connection) readLoop() {
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			c.cancel()
			select {
			case c.frames <- inbound{err: err}:
			default:
			}
			return
		}
		if c.ctx.Err() != nil {
			return
		}
		select {
		case c.frames <- inbound{payload: payload}:
		default:
			c.cancel()
			c.h.deps.Metrics.RecordError(observability.ErrorCodeProtocol)
			c.logger.Info("Closing connection on frame backlog", "queued", inboundQueueSize)
			c.closeWith(websocket.ClosePolicyViolation, closeReasonBacklog)
			return
		}
	}
}

// dispatch handles one frame. A non-nil error closes the connection.
func (c *connection) dispatch(payload []byte) error {
	frame, err := datatypes.DecodeFrame(payload)
	if err != nil {
		return err
	}

	if err := frame.ValidateUserID(); err != nil {
		return c.reject(err)
	}

	switch frame.Type {
	case datatypes.FrameTypeClear:
		return c.clear(frame)
	case datatypes.FrameTypeChat:
		return c.chat(frame)
	default:
		c.h.deps.Metrics.RecordError(observability.ErrorCodeUnknownType)
		return c.send(datatypes.UnknownTypeFrame(frame.Type))
	}
}

// reject reports a turn-scoped validation failure.
func (c *connection) reject(err error) error {
	var vErr *datatypes.ValidationError
	if !errors.As(err, &vErr) {
		return err
	}
	c.h.deps.Metrics.RecordError(observability.ErrorCodeValidation)
	return c.send(datatypes.ErrorFrame(vErr.Message))
}

func (c *connection) clear(frame datatypes.InboundFrame) error {
	if err := c.h.deps.Store.Clear(c.ctx, frame.UserID); err != nil {
		return err
	}
	c.h.deps.Metrics.RecordClear(observability.SurfaceWebsocket)
	c.logger.Info("Session cleared", "session", session.Key("", frame.UserID))
	return c.send(datatypes.ClearedFrame())
}

// chat runs one turn: Dispatching, Streaming, Committing.
func (c *connection) chat(frame datatypes.InboundFrame) error {
	if err := frame.ValidateChat(); err != nil {
		return c.reject(err)
	}

	sessionRef := session.Key("", frame.UserID)
	logger := c.logger.With("session", sessionRef)
	turn := newStreamingTurn(time.Now())

	ctx, span := handlerTracer.Start(c.ctx, "ws.ChatTurn", trace.WithAttributes(
		attribute.String("relay.session", sessionRef),
	))
	defer span.End()

	status, err := c.runTurn(ctx, frame, turn, logger)
	span.SetAttributes(
		attribute.String("relay.turn_status", string(status)),
		attribute.Int("relay.deltas", turn.Fragments()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.h.deps.Metrics.RecordTurn(status, time.Since(turn.startedAt).Seconds())
	return err
}

func (c *connection) runTurn(ctx context.Context, frame datatypes.InboundFrame,
	turn *streamingTurn, logger *slog.Logger) (observability.TurnStatus, error) {

	deps := c.h.deps

	conv, err := deps.Store.Load(ctx, frame.UserID)
	if err != nil {
		return turnStatusFor(ctx, err), err
	}
	conv = c.trim(conv.Append(datatypes.RoleUser, frame.Text))

	params := llm.GenerationParams{
		Temperature: frame.TemperatureOrDefault(),
		MaxTokens:   frame.MaxTokensOrDefault(),
	}
	relayErr := deps.Relay.ChatStream(ctx, conv, params, func(delta string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if turn.Write(delta, time.Now()) {
			deps.Metrics.RecordTimeToFirstToken(turn.TimeToFirstDelta().Seconds())
		}
		deps.Metrics.RecordDelta()
		return c.send(datatypes.TokenFrame(delta))
	})

	if relayErr != nil {
		turn.Discard()

		var wErr *writeError
		if ctx.Err() != nil || errors.As(relayErr, &wErr) {
			logger.Info("Turn abandoned by client")
			return observability.TurnAbandoned, relayErr
		}

		deps.Metrics.RecordError(observability.ErrorCodeRelay)
		logger.Warn("Upstream relay failed, turn discarded", "error", relayErr)
		return observability.TurnRelayError, c.send(datatypes.ErrorFrame(describeRelayError(relayErr)))
	}

	if err := ctx.Err(); err != nil {
		turn.Discard()
		return observability.TurnAbandoned, err
	}

	reply, digest := turn.Finalize()
	conv = c.trim(conv.Append(datatypes.RoleAssistant, reply))

	if err := deps.Store.Save(ctx, frame.UserID, conv); err != nil {
		return turnStatusFor(ctx, err), err
	}

	logger.Info("Turn committed",
		"messages", len(conv),
		"deltas", turn.Fragments(),
		"reply_sha256", digest,
	)
	return observability.TurnCommitted, c.send(datatypes.DoneFrame())
}

// trim applies the context budget and records dropped messages.
func (c *connection) trim(conv datatypes.Conversation) datatypes.Conversation {
	trimmed := c.h.deps.Budgeter.Trim(conv)
	c.h.deps.Metrics.RecordTrimmed(len(conv) - len(trimmed))
	return trimmed
}

// fail closes the connection for an error dispatch could not absorb.
func (c *connection) fail(err error) {
	var (
		protoErr *datatypes.ProtocolError
		wErr     *writeError
	)
	switch {
	case errors.As(err, &protoErr):
		c.h.deps.Metrics.RecordError(observability.ErrorCodeProtocol)
		c.logger.Info("Closing connection on undecodable frame", "error", err)
		c.closeWith(websocket.CloseUnsupportedData, closeReasonInvalid)

	case errors.Is(err, datatypes.ErrStoreUnavailable):
		c.h.deps.Metrics.RecordError(observability.ErrorCodeStore)
		c.logger.Error("Session store unavailable, closing connection", "error", err)
		if c.send(datatypes.ErrorFrame(datatypes.MsgStoreUnavailable)) == nil {
			c.closeWith(websocket.CloseInternalServerErr, datatypes.MsgStoreUnavailable)
		}

	case errors.As(err, &wErr), c.ctx.Err() != nil:
		c.logDisconnect(err)
		if c.h.root.Err() != nil {
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
		}

	default:
		c.logger.Error("Closing connection on internal error", "error", err)
		c.closeWith(websocket.CloseInternalServerErr, "internal error")
	}
}

// send writes one outbound frame.
func (c *connection) send(frame datatypes.OutboundFrame) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.h.config.WriteTimeout))
	if err := c.ws.WriteJSON(frame); err != nil {
		return &writeError{err: err}
	}
	return nil
}

// closeWith sends a close frame. Errors are ignored: the peer may be gone.
func (c *connection) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(closeGrace))
}

func (c *connection) logDisconnect(err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		c.logger.Info("Websocket client disconnected")
		return
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		c.h.deps.Metrics.RecordError(observability.ErrorCodeProtocol)
		c.logger.Info("Websocket closed on oversized frame")
		return
	}
	c.logger.Info("Websocket client disconnected", "error", err)
}

// turnStatusFor classifies a Load or Save failure.
func turnStatusFor(ctx context.Context, err error) observability.TurnStatus {
	if ctx.Err() != nil && !errors.Is(err, datatypes.ErrStoreUnavailable) {
		return observability.TurnAbandoned
	}
	return observability.TurnStoreError
}

// describeRelayError renders the client-facing message for a relay fault.
func describeRelayError(err error) string {
	var relayErr *datatypes.RelayError
	if errors.As(err, &relayErr) {
		if relayErr.StatusCode != 0 {
			return fmt.Sprintf("%sstatus %d: %v", datatypes.MsgUpstreamFailurePfx, relayErr.StatusCode, relayErr.Cause)
		}
		return datatypes.MsgUpstreamFailurePfx + relayErr.Cause.Error()
	}
	return datatypes.MsgUpstreamFailurePfx + err.Error()
}
