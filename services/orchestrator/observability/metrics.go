// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for the relay.
//
// # Description
//
// Prometheus metrics cover the connection lifecycle and chat turns:
//   - Connection counters and an active-connection gauge
//   - Turn outcomes (committed, relay error, store error, abandoned)
//   - Error frames by code
//   - Latency histograms (time to first delta, total turn duration)
//   - Trimmed-message and clear counters
//
// Tracing is OpenTelemetry over OTLP/gRPC, see InitTracer.
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is a no-op on a nil *RelayMetrics, so components can
// run without metrics in tests.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for relay metrics
const relaySubsystem = "relay"

// RelayMetrics holds all Prometheus metrics for the chat relay.
//
// # Fields
//
//   - ConnectionsTotal: Connections by result (accepted, unauthorized)
//   - ActiveConnections: Currently open websocket connections
//   - TurnsTotal: Chat turns by status
//   - ErrorsTotal: Error frames and fatal closes by code
//   - TimeToFirstTokenSeconds: Turn start to first delta
//   - TurnDurationSeconds: Turn start to commit or failure
//   - DeltasTotal: Deltas relayed to clients
//   - TrimmedMessagesTotal: Messages dropped by the budgeter
//   - ClearsTotal: Session clears by surface (ws, http, cli)
type RelayMetrics struct {
	ConnectionsTotal        *prometheus.CounterVec
	ActiveConnections       prometheus.Gauge
	TurnsTotal              *prometheus.CounterVec
	ErrorsTotal             *prometheus.CounterVec
	TimeToFirstTokenSeconds prometheus.Histogram
	TurnDurationSeconds     *prometheus.HistogramVec
	DeltasTotal             prometheus.Counter
	TrimmedMessagesTotal    prometheus.Counter
	ClearsTotal             *prometheus.CounterVec
}

// NewRelayMetrics creates and registers all relay metrics on reg.
//
// # Inputs
//
//   - reg: Registry to register on. Pass prometheus.DefaultRegisterer in
//     production and prometheus.NewRegistry() in tests.
//
// # Outputs
//
//   - *RelayMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice with the same registry (duplicate registration).
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	factory := promauto.With(reg)

	return &RelayMetrics{
		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "connections_total",
				Help:      "Total websocket connections by auth result",
			},
			[]string{"result"},
		),

		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "active_connections",
				Help:      "Number of currently open websocket connections",
			},
		),

		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "turns_total",
				Help:      "Total chat turns by outcome",
			},
			[]string{"status"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "errors_total",
				Help:      "Total relay errors by code",
			},
			[]string{"error_code"},
		),

		TimeToFirstTokenSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from turn start to first relayed delta in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		TurnDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "turn_duration_seconds",
				Help:      "Total chat turn duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		DeltasTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "deltas_total",
				Help:      "Total streamed deltas relayed to clients",
			},
		),

		TrimmedMessagesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "trimmed_messages_total",
				Help:      "Total messages dropped to fit the context budget",
			},
		),

		ClearsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "clears_total",
				Help:      "Total session clears by surface",
			},
			[]string{"surface"},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	ErrorCodeValidation   ErrorCode = "validation"
	ErrorCodeUnknownType  ErrorCode = "unknown_type"
	ErrorCodeRateLimited  ErrorCode = "rate_limited"
	ErrorCodeProtocol     ErrorCode = "protocol"
	ErrorCodeRelay        ErrorCode = "relay"
	ErrorCodeStore        ErrorCode = "store"
	ErrorCodeUnauthorized ErrorCode = "unauthorized"
)

// TurnStatus is the outcome of one chat turn.
type TurnStatus string

const (
	TurnCommitted  TurnStatus = "committed"
	TurnRelayError TurnStatus = "relay_error"
	TurnStoreError TurnStatus = "store_error"

	// TurnAbandoned means the client went away mid-turn.
	TurnAbandoned TurnStatus = "abandoned"
)

// Surface names where a clear came from.
type Surface string

const (
	SurfaceWebsocket Surface = "ws"
	SurfaceHTTP      Surface = "http"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordConnection counts a connection attempt.
//
// # Inputs
//
//   - authorized: Whether the connection passed the auth check.
func (m *RelayMetrics) RecordConnection(authorized bool) {
	if m == nil {
		return
	}
	result := "accepted"
	if !authorized {
		result = "unauthorized"
	}
	m.ConnectionsTotal.WithLabelValues(result).Inc()
}

// ConnectionOpened increments the active connections gauge.
func (m *RelayMetrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (m *RelayMetrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// RecordError records one error frame or fatal close.
func (m *RelayMetrics) RecordError(code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(code)).Inc()
}

// RecordTurn records a finished chat turn.
//
// # Inputs
//
//   - status: The turn outcome.
//   - seconds: Turn duration in seconds.
func (m *RelayMetrics) RecordTurn(status TurnStatus, seconds float64) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(string(status)).Inc()
	m.TurnDurationSeconds.WithLabelValues(string(status)).Observe(seconds)
}

// RecordTimeToFirstToken records the first-delta latency of a turn.
func (m *RelayMetrics) RecordTimeToFirstToken(seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.Observe(seconds)
}

// RecordDelta counts one relayed delta.
func (m *RelayMetrics) RecordDelta() {
	if m == nil {
		return
	}
	m.DeltasTotal.Inc()
}

// RecordTrimmed adds the number of messages a trim removed.
func (m *RelayMetrics) RecordTrimmed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TrimmedMessagesTotal.Add(float64(n))
}

// RecordClear counts a session clear.
func (m *RelayMetrics) RecordClear(surface Surface) {
	if m == nil {
		return
	}
	m.ClearsTotal.WithLabelValues(string(surface)).Inc()
}
