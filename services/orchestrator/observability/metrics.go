// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring chat
// operations. Metrics include:
//   - Gateway calls and provider attempts (by provider, mode, final state)
//   - Gateway latency histograms and fallback counters
//   - Chat request outcomes (by flow and status) and guest rejections
//   - Streaming chunks, keepalives, disconnects and active streams
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. *Metrics plugs into
// llm.WithObserver, services.WithChatObserver and the streaming handler.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian_chat"

// Subsystems
const (
	gatewaySubsystem   = "gateway"
	chatSubsystem      = "chat"
	streamingSubsystem = "streaming"
)

// Compile-time interface checks.
var (
	_ llm.CallObserver      = (*Metrics)(nil)
	_ services.ChatObserver = (*Metrics)(nil)
)

// Metrics holds all Prometheus metrics for the chat orchestrator.
//
// # Description
//
// Create one per registry with NewMetrics. Production code passes
// prometheus.DefaultRegisterer; tests pass an isolated registry.
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	// CallsTotal counts GetReply calls.
	// Labels: provider, mode, state (success, failed)
	CallsTotal *prometheus.CounterVec

	// AttemptsTotal counts provider attempts, including retries.
	// Labels: provider
	AttemptsTotal *prometheus.CounterVec

	// CallDurationSeconds measures GetReply latency including retries.
	// Labels: provider, state
	CallDurationSeconds *prometheus.HistogramVec

	// FallbacksTotal counts replies replaced by fallback text.
	// Labels: provider, reason (no_content, unavailable)
	FallbacksTotal *prometheus.CounterVec

	// RequestsTotal counts chat, thread-chat and file requests.
	// Labels: flow (guest, thread, file), status
	RequestsTotal *prometheus.CounterVec

	// GuestRejectionsTotal counts guest messages refused at the ceiling.
	GuestRejectionsTotal prometheus.Counter

	// StreamChunksTotal counts SSE chunk events written.
	StreamChunksTotal prometheus.Counter

	// KeepAlivesTotal counts keepalive comments sent.
	KeepAlivesTotal prometheus.Counter

	// ClientDisconnectsTotal counts streams the client abandoned.
	ClientDisconnectsTotal prometheus.Counter

	// ActiveStreams tracks open SSE responses.
	ActiveStreams prometheus.Gauge
}

// NewMetrics creates and registers all metrics with reg.
//
// # Limitations
//
//   - Panics if called twice with the same registerer (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "calls_total",
				Help:      "Total gateway calls by provider, mode and final state",
			},
			[]string{"provider", "mode", "state"},
		),

		AttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "provider_attempts_total",
				Help:      "Total provider attempts including retries",
			},
			[]string{"provider"},
		),

		CallDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "call_duration_seconds",
				Help:      "Gateway call duration in seconds including retries",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"provider", "state"},
		),

		FallbacksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "fallbacks_total",
				Help:      "Total replies replaced by fallback text",
			},
			[]string{"provider", "reason"},
		),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "requests_total",
				Help:      "Total chat requests by flow and status",
			},
			[]string{"flow", "status"},
		),

		GuestRejectionsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "guest_rejections_total",
				Help:      "Total guest messages refused at the session ceiling",
			},
		),

		StreamChunksTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "chunks_total",
				Help:      "Total SSE chunk events written",
			},
		),

		KeepAlivesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
		),

		ClientDisconnectsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
		),

		ActiveStreams: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
		),
	}
}

// =============================================================================
// Observers
// =============================================================================

// ObserveCall records one gateway call.
func (m *Metrics) ObserveCall(r llm.CallReport) {
	state := r.State.String()
	m.CallsTotal.WithLabelValues(r.Provider, r.Mode, state).Inc()
	m.AttemptsTotal.WithLabelValues(r.Provider).Add(float64(r.Attempts))
	m.CallDurationSeconds.WithLabelValues(r.Provider, state).Observe(r.Duration.Seconds())

	if r.Fallback != "" {
		m.FallbacksTotal.WithLabelValues(r.Provider, r.Fallback).Inc()
	}
}

// ObserveChat records one request outcome.
func (m *Metrics) ObserveChat(flow, status string) {
	m.RequestsTotal.WithLabelValues(flow, status).Inc()
	if status == services.StatusGuestLimit {
		m.GuestRejectionsTotal.Inc()
	}
}

// StreamStarted increments the active stream gauge.
func (m *Metrics) StreamStarted() { m.ActiveStreams.Inc() }

// StreamEnded decrements the active stream gauge.
func (m *Metrics) StreamEnded() { m.ActiveStreams.Dec() }

// RecordChunk counts one chunk event.
func (m *Metrics) RecordChunk() { m.StreamChunksTotal.Inc() }

// RecordKeepAlive counts one keepalive comment.
func (m *Metrics) RecordKeepAlive() { m.KeepAlivesTotal.Inc() }

// RecordDisconnect counts one abandoned stream.
func (m *Metrics) RecordDisconnect() { m.ClientDisconnectsTotal.Inc() }
