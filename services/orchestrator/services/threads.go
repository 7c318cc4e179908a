// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/threads"
)

// =============================================================================
// Thread Management
// =============================================================================

// CreateThread creates an empty thread. The mode is the explicit value,
// else the owner's stored preference, else the registry default.
func (s *ChatService) CreateThread(ctx context.Context, ownerID string, req datatypes.CreateThreadRequest) (*datatypes.Thread, error) {
	ctx, span := s.threadSpan(ctx, "ChatService.CreateThread", ownerID, "")
	defer span.End()

	th, err := s.createThread(ctx, ownerID, req)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	s.auditThread(ctx, extensions.AuditThreadCreated, ownerID, th.ThreadID)
	return th, nil
}

func (s *ChatService) createThread(ctx context.Context, ownerID string, req datatypes.CreateThreadRequest) (*datatypes.Thread, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	mode, err := s.knownMode(req.ModelMode)
	if err != nil {
		return nil, err
	}
	if mode == "" {
		pref, err := s.store.ModelPreference(ctx, ownerID)
		if err != nil {
			return nil, fmt.Errorf("load model preference: %w", err)
		}
		mode = s.replier.ResolveMode(pref)
	}
	return s.store.Create(ctx, ownerID, threads.CreateOptions{
		Title:     req.Title,
		ModelMode: mode,
		Tags:      req.Tags,
	})
}

// GetThread returns one of ownerID's threads.
func (s *ChatService) GetThread(ctx context.Context, ownerID, threadID string) (*datatypes.Thread, error) {
	ctx, span := s.threadSpan(ctx, "ChatService.GetThread", ownerID, threadID)
	defer span.End()

	th, err := s.store.Get(ctx, threadID, ownerID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return th, nil
}

// ListThreads returns one page of thread summaries.
func (s *ChatService) ListThreads(ctx context.Context, ownerID string, opts threads.ListOptions) (*datatypes.ThreadListResponse, error) {
	ctx, span := s.threadSpan(ctx, "ChatService.ListThreads", ownerID, "")
	defer span.End()

	opts = opts.Normalize()
	list, total, err := s.store.List(ctx, ownerID, opts)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return &datatypes.ThreadListResponse{
		Threads:    summaries(list),
		Pagination: datatypes.NewPagination(opts.Page, opts.PageSize, total),
	}, nil
}

// SearchThreads matches query against titles, message content and tags.
func (s *ChatService) SearchThreads(ctx context.Context, ownerID, query string, limit int) ([]datatypes.ThreadSummary, error) {
	ctx, span := s.threadSpan(ctx, "ChatService.SearchThreads", ownerID, "")
	defer span.End()

	if strings.TrimSpace(query) == "" {
		err := datatypes.Invalid("q", "search query is required")
		recordError(span, err)
		return nil, err
	}
	list, err := s.store.Search(ctx, ownerID, query, limit)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return summaries(list), nil
}

// UpdateThread applies a partial update. A model mode must be configured.
func (s *ChatService) UpdateThread(ctx context.Context, ownerID, threadID string, req datatypes.UpdateThreadRequest) (*datatypes.Thread, error) {
	ctx, span := s.threadSpan(ctx, "ChatService.UpdateThread", ownerID, threadID)
	defer span.End()

	th, err := s.updateThread(ctx, ownerID, threadID, req)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return th, nil
}

func (s *ChatService) updateThread(ctx context.Context, ownerID, threadID string, req datatypes.UpdateThreadRequest) (*datatypes.Thread, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ModelMode != nil {
		mode, err := s.knownMode(*req.ModelMode)
		if err != nil {
			return nil, err
		}
		req.ModelMode = &mode
	}
	return s.store.Update(ctx, threadID, ownerID, req.ToUpdate())
}

// DeleteThread removes a thread.
func (s *ChatService) DeleteThread(ctx context.Context, ownerID, threadID string) error {
	ctx, span := s.threadSpan(ctx, "ChatService.DeleteThread", ownerID, threadID)
	defer span.End()

	if err := s.store.Delete(ctx, threadID, ownerID); err != nil {
		recordError(span, err)
		return err
	}
	s.auditThread(ctx, extensions.AuditThreadDeleted, ownerID, threadID)
	return nil
}

// ClearThread removes every message but keeps the thread.
func (s *ChatService) ClearThread(ctx context.Context, ownerID, threadID string) (*datatypes.Thread, error) {
	ctx, span := s.threadSpan(ctx, "ChatService.ClearThread", ownerID, threadID)
	defer span.End()

	th, err := s.store.ClearMessages(ctx, threadID, ownerID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	s.auditThread(ctx, extensions.AuditThreadCleared, ownerID, threadID)
	return th, nil
}

// EditLastMessage replaces the content of the thread's last message.
func (s *ChatService) EditLastMessage(ctx context.Context, ownerID, threadID string, req datatypes.EditMessageRequest) (*datatypes.Thread, error) {
	ctx, span := s.threadSpan(ctx, "ChatService.EditLastMessage", ownerID, threadID)
	defer span.End()

	if err := req.Validate(); err != nil {
		recordError(span, err)
		return nil, err
	}
	th, err := s.store.EditLastMessage(ctx, threadID, ownerID, req.Content)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return th, nil
}

// =============================================================================
// Model Preference
// =============================================================================

// ModelPreference returns ownerID's default mode, resolved against the
// registry.
func (s *ChatService) ModelPreference(ctx context.Context, ownerID string) (string, error) {
	pref, err := s.store.ModelPreference(ctx, ownerID)
	if err != nil {
		return "", err
	}
	return s.replier.ResolveMode(pref), nil
}

// SetModelPreference stores ownerID's default mode. Unknown modes are
// rejected.
func (s *ChatService) SetModelPreference(ctx context.Context, ownerID string, req datatypes.ModelPreferenceRequest) (string, error) {
	ctx, span := s.threadSpan(ctx, "ChatService.SetModelPreference", ownerID, "")
	defer span.End()

	if err := req.Validate(); err != nil {
		recordError(span, err)
		return "", err
	}
	mode, err := s.knownMode(req.ModelMode)
	if err != nil {
		recordError(span, err)
		return "", err
	}
	if err := s.store.SetModelPreference(ctx, ownerID, mode); err != nil {
		recordError(span, err)
		return "", err
	}
	return mode, nil
}

// =============================================================================
// Helpers
// =============================================================================

// knownMode normalizes mode and rejects keys the registry does not know.
// An empty mode is returned as is.
func (s *ChatService) knownMode(mode string) (string, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		return "", nil
	}
	if s.replier.ResolveMode(mode) != mode {
		return "", datatypes.Invalid("modelMode", "unknown model mode %q", mode)
	}
	return mode, nil
}

func (s *ChatService) threadSpan(ctx context.Context, name, ownerID, threadID string) (context.Context, trace.Span) {
	return chatTracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("chat.owner_id", ownerID),
		attribute.String("chat.thread_id", threadID),
	))
}

func summaries(list []*datatypes.Thread) []datatypes.ThreadSummary {
	out := make([]datatypes.ThreadSummary, 0, len(list))
	for _, th := range list {
		out = append(out, th.Summary())
	}
	return out
}
