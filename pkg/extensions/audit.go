// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// Audit event types emitted by the chat service.
const (
	AuditThreadCreated     = "thread.created"
	AuditThreadDeleted     = "thread.deleted"
	AuditThreadCleared     = "thread.cleared"
	AuditGuestLimitReached = "guest.limit_reached"
	AuditAuthFailed        = "auth.failed"
)

// AuditEvent is a security-relevant action.
//
// Events never carry message content; only identifiers and outcomes.
type AuditEvent struct {
	EventType    string
	Timestamp    time.Time
	UserID       string
	ResourceType string
	ResourceID   string
	Outcome      string
	Metadata     map[string]any
}

// AuditLogger records audit events.
//
// Implementations must be safe for concurrent use and should not block the
// request path; a failed Log call is reported but never fails the request.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log does nothing.
func (l *NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

// SlogAuditLogger writes audit events as structured log records under the
// "audit" group.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger returns an AuditLogger backed by logger.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger}
}

// Log emits the event at Info level.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	attrs := []any{
		slog.String("event_type", event.EventType),
		slog.Time("timestamp", event.Timestamp),
		slog.String("user_id", event.UserID),
		slog.String("resource_type", event.ResourceType),
		slog.String("resource_id", event.ResourceID),
		slog.String("outcome", event.Outcome),
	}
	if len(event.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", event.Metadata))
	}
	l.logger.InfoContext(ctx, "audit", slog.Group("audit", attrs...))
	return nil
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
