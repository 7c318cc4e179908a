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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// SSE event names.
const (
	EventChunk = "chunk"
	EventDone  = "done"
	EventError = "error"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing Server-Sent Events to HTTP responses.
//
// # Description
//
// SSEWriter abstracts SSE event serialization and writing, enabling
// testability and separation from HTTP response mechanics. Implementations
// handle the SSE wire format (id, event, data lines) internally. Every
// event gets a fresh UUID id.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
// The keepalive goroutine and the handler write to the same stream.
//
// # Assumptions
//
//   - Caller has called SetSSEHeaders before the first write
type SSEWriter interface {
	// WriteChunk writes one "chunk" event carrying part of the reply.
	WriteChunk(chunk string) error

	// WriteDone writes the final "done" event.
	WriteDone(done datatypes.StreamDone) error

	// WriteError writes an "error" event. The message must be safe to show
	// to the client.
	WriteError(errMsg string) error

	// WriteKeepAlive sends an SSE comment line to keep proxies from timing
	// out the connection while the reply is computed.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter creates an SSEWriter.
//
// # Outputs
//
//   - error: Non-nil if w does not implement http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) writeEvent(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "id: %s\nevent: %s\ndata: %s\n\n", uuid.NewString(), event, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteChunk(chunk string) error {
	return w.writeEvent(EventChunk, datatypes.StreamChunk{Chunk: chunk})
}

func (w *sseWriter) WriteDone(done datatypes.StreamDone) error {
	done.Done = true
	return w.writeEvent(EventDone, done)
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.writeEvent(EventError, datatypes.ErrorResponse{Error: errMsg})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the headers required for an event stream and
// disables proxy buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Compile-time interface check.
var _ SSEWriter = (*sseWriter)(nil)
