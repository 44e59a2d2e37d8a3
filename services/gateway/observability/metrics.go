// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the gateway.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "polychat"

// Subsystem for fan-out streaming metrics
const streamingSubsystem = "streaming"

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode classifies streaming errors for metrics labeling.
type ErrorCode string

const (
	// ErrorCodeUpstream indicates an upstream provider failure.
	ErrorCodeUpstream ErrorCode = "upstream_error"

	// ErrorCodeTimeout indicates a first-byte watchdog timeout.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeUnsupported indicates a capability mismatch.
	ErrorCodeUnsupported ErrorCode = "unsupported"

	// ErrorCodeValidation indicates a rejected request body.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeInternal indicates an internal gateway error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates the UI went away mid-stream.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Streaming Metrics
// =============================================================================

// StreamingMetrics holds all Prometheus metrics for fan-out streaming.
//
// # Thread Safety
//
// All operations are thread-safe.
type StreamingMetrics struct {
	// RequestsTotal counts send requests by status.
	// Labels: status (success, error)
	RequestsTotal *prometheus.CounterVec

	// AttemptsTotal counts upstream network attempts.
	// Labels: model, tier (0 primary, 1 retry, 2 fallback)
	AttemptsTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to the first delta.
	// Labels: model
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures whole fan-out duration.
	StreamDurationSeconds prometheus.Histogram

	// ActiveStreams tracks currently open model sessions.
	ActiveStreams prometheus.Gauge

	// ErrorsTotal counts errors by code.
	// Labels: error_code
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts SSE keepalive pings sent to the UI.
	KeepAlivesTotal prometheus.Counter

	// ClientDisconnectsTotal counts UI disconnections mid-stream.
	ClientDisconnectsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of StreamingMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *StreamingMetrics

// InitMetrics creates and registers all gateway metrics. Call once at
// startup; a second call panics on duplicate registration.
func InitMetrics() *StreamingMetrics {
	DefaultMetrics = &StreamingMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Fan-out send requests by status.",
			},
			[]string{"status"},
		),
		AttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "attempts_total",
				Help:      "Upstream network attempts by model and retry tier.",
			},
			[]string{"model", "tier"},
		),
		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Latency from send to first delta per model.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"model"},
		),
		StreamDurationSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total fan-out duration until all sessions settle.",
				Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Currently open model sessions.",
			},
		),
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Streaming errors by code.",
			},
			[]string{"error_code"},
		),
		KeepAlivesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "SSE keepalive pings sent to clients.",
			},
		),
		ClientDisconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Clients that disconnected during streaming.",
			},
		),
	}
	return DefaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed send request.
func (m *StreamingMetrics) RecordRequest(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(status).Inc()
}

// RecordAttempt records one upstream network attempt.
func (m *StreamingMetrics) RecordAttempt(model string, tier string) {
	m.AttemptsTotal.WithLabelValues(model, tier).Inc()
}

// RecordError records a streaming error.
func (m *StreamingMetrics) RecordError(code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(code)).Inc()
}

// StreamStarted increments the active sessions gauge.
func (m *StreamingMetrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active sessions gauge.
func (m *StreamingMetrics) StreamEnded() {
	m.ActiveStreams.Dec()
}

// RecordTimeToFirstToken records first-delta latency for one model.
func (m *StreamingMetrics) RecordTimeToFirstToken(model string, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(model).Observe(seconds)
}

// RecordStreamDuration records the whole fan-out duration.
func (m *StreamingMetrics) RecordStreamDuration(seconds float64) {
	m.StreamDurationSeconds.Observe(seconds)
}

// RecordKeepAlive records one keepalive ping.
func (m *StreamingMetrics) RecordKeepAlive() {
	m.KeepAlivesTotal.Inc()
}

// RecordClientDisconnect records one mid-stream client disconnect.
func (m *StreamingMetrics) RecordClientDisconnect() {
	m.ClientDisconnectsTotal.Inc()
}
