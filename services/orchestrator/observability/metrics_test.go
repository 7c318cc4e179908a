// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
)

// ============================================================================
// Test Helper: Create isolated metrics for testing
// ============================================================================

// newTestMetrics registers metrics in a private registry so tests never
// collide with the global one.
func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

// ============================================================================
// Registration
// ============================================================================

func TestNewMetrics_RegistersEverything(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Vectors only export series once a label set is used.
	m.ObserveCall(llm.CallReport{Provider: "groq", Mode: "fast", State: llm.StateSuccess, Attempts: 1})
	m.ObserveCall(llm.CallReport{Provider: "groq", Mode: "fast", State: llm.StateFailed, Attempts: 1, Fallback: "unavailable"})
	m.ObserveChat(services.FlowThread, services.StatusOK)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"aleutian_chat_gateway_calls_total",
		"aleutian_chat_gateway_provider_attempts_total",
		"aleutian_chat_gateway_call_duration_seconds",
		"aleutian_chat_gateway_fallbacks_total",
		"aleutian_chat_chat_requests_total",
		"aleutian_chat_chat_guest_rejections_total",
		"aleutian_chat_streaming_chunks_total",
		"aleutian_chat_streaming_keepalives_total",
		"aleutian_chat_streaming_client_disconnects_total",
		"aleutian_chat_streaming_active_streams",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

// ============================================================================
// ObserveCall
// ============================================================================

func TestObserveCall(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ObserveCall(llm.CallReport{
		Mode: "fast", Provider: "groq", State: llm.StateSuccess,
		Attempts: 3, Duration: 1500 * time.Millisecond,
	})
	m.ObserveCall(llm.CallReport{
		Mode: "fast", Provider: "groq", State: llm.StateFailed,
		Attempts: 1, Fallback: "unavailable",
	})
	m.ObserveCall(llm.CallReport{
		Mode: "balanced", Provider: "gemini", State: llm.StateSuccess,
		Attempts: 1, Fallback: "no_content",
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("groq", "fast", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("groq", "fast", "failed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("groq")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FallbacksTotal.WithLabelValues("groq", "unavailable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FallbacksTotal.WithLabelValues("gemini", "no_content")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.FallbacksTotal))
	assert.Equal(t, 3, testutil.CollectAndCount(m.CallDurationSeconds))
}

// ============================================================================
// ObserveChat
// ============================================================================

func TestObserveChat(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ObserveChat(services.FlowGuest, services.StatusOK)
	m.ObserveChat(services.FlowGuest, services.StatusGuestLimit)
	m.ObserveChat(services.FlowGuest, services.StatusGuestLimit)
	m.ObserveChat(services.FlowThread, services.StatusNotFound)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("guest", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("guest", "guest_limit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("thread", "not_found")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GuestRejectionsTotal))
}

// ============================================================================
// Streaming
// ============================================================================

func TestStreamingMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.StreamStarted()
	m.StreamStarted()
	m.RecordChunk()
	m.RecordChunk()
	m.RecordChunk()
	m.RecordKeepAlive()
	m.RecordDisconnect()
	m.StreamEnded()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StreamChunksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeepAlivesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientDisconnectsTotal))
}
