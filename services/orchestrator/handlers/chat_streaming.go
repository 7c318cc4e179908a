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
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
)

// Streaming defaults.
const (
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultChunkDelay        = 30 * time.Millisecond
)

// StreamConfig tunes HandleChatStream. Zero values take defaults; a
// negative ChunkDelay disables the delay.
type StreamConfig struct {
	KeepAliveInterval time.Duration
	ChunkDelay        time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.ChunkDelay == 0 {
		c.ChunkDelay = DefaultChunkDelay
	}
	return c
}

// StreamObserver receives streaming lifecycle events. Implemented by
// *observability.Metrics.
type StreamObserver interface {
	StreamStarted()
	StreamEnded()
	RecordChunk()
	RecordKeepAlive()
	RecordDisconnect()
}

type nopStreamObserver struct{}

func (nopStreamObserver) StreamStarted()    {}
func (nopStreamObserver) StreamEnded()      {}
func (nopStreamObserver) RecordChunk()      {}
func (nopStreamObserver) RecordKeepAlive()  {}
func (nopStreamObserver) RecordDisconnect() {}

type sendOutcome struct {
	result *services.SendResult
	err    error
}

// HandleChatStream handles POST /api/chat/stream.
//
// # Description
//
// The body is validated and the turn preflighted before the stream
// opens; anything Send would reject up front is answered as a JSON error
// with its usual status. Once open, keepalive comments are sent every
// KeepAliveInterval while the reply is computed. The finished reply is
// emitted word by word as "chunk" events, followed by one "done" event.
// Failures of the turn itself become a single "error" event.
//
// A client that disconnects while the reply is computed cancels the turn
// and nothing is persisted. A client that disconnects during chunking
// only stops the chunking; the exchange is already stored.
//
// # Inputs
//
//   - sender: Chat turn runner.
//   - cfg: Keepalive interval and chunk delay.
//   - observer: Streaming metrics. May be nil.
func HandleChatStream(sender ChatSender, cfg StreamConfig, observer StreamObserver) gin.HandlerFunc {
	cfg = cfg.withDefaults()
	if observer == nil {
		observer = nopStreamObserver{}
	}

	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleChatStream")
		defer span.End()

		req, ok := bindChatRequest(c)
		if !ok {
			return
		}
		sendReq := toSendRequest(c, req)
		if err := sender.Preflight(ctx, sendReq); err != nil {
			respondError(c, err)
			return
		}

		SetSSEHeaders(c.Writer)
		c.Status(http.StatusOK)
		sse, err := NewSSEWriter(c.Writer)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			respondError(c, err)
			return
		}
		observer.StreamStarted()
		defer observer.StreamEnded()
		c.Writer.Flush()

		done := make(chan sendOutcome, 1)
		go func() {
			result, err := sender.Send(ctx, sendReq)
			done <- sendOutcome{result: result, err: err}
		}()

		outcome, ok := awaitReply(ctx, sse, cfg.KeepAliveInterval, done, observer)
		if !ok {
			observer.RecordDisconnect()
			slog.Info("stream client disconnected before reply")
			return
		}
		if outcome.err != nil {
			_, msg := statusFor(outcome.err)
			span.SetAttributes(attribute.String("stream.error", msg))
			if err := sse.WriteError(msg); err != nil {
				slog.Warn("failed to write stream error", "error", err)
			}
			return
		}

		result := outcome.result
		span.SetAttributes(attribute.String("chat.model_used", result.ModelUsed))
		if !emitChunks(ctx, sse, result.Reply, cfg.ChunkDelay, observer) {
			observer.RecordDisconnect()
			return
		}
		if err := sse.WriteDone(datatypes.StreamDone{
			ThreadID:               result.ThreadID,
			ModelUsed:              result.ModelUsed,
			GuestMessagesRemaining: result.GuestMessagesRemaining,
		}); err != nil {
			slog.Warn("failed to write stream done", "error", err)
		}
	}
}

// awaitReply sends keepalives until the turn finishes. It returns false if
// the client went away first.
func awaitReply(ctx context.Context, sse SSEWriter, interval time.Duration, done <-chan sendOutcome, observer StreamObserver) (sendOutcome, bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case outcome := <-done:
			return outcome, true
		case <-ctx.Done():
			return sendOutcome{}, false
		case <-ticker.C:
			if err := sse.WriteKeepAlive(); err != nil {
				return sendOutcome{}, false
			}
			observer.RecordKeepAlive()
		}
	}
}

// emitChunks writes reply word by word. Concatenating the chunks yields
// reply exactly. Returns false if the client went away.
func emitChunks(ctx context.Context, sse SSEWriter, reply string, delay time.Duration, observer StreamObserver) bool {
	words := strings.SplitAfter(reply, " ")
	for i, word := range words {
		if word == "" {
			continue
		}
		if i > 0 && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return false
			case <-timer.C:
			}
		}
		if err := sse.WriteChunk(word); err != nil {
			return false
		}
		observer.RecordChunk()
	}
	return true
}
