// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services provides business logic services for the orchestrator.
//
// This package contains service structs that encapsulate business logic,
// separating it from HTTP handlers. Services are responsible for:
//   - Resolving identity and model selection for a chat turn
//   - Applying thread and guest rules before any side effect
//   - Calling the AI Response Gateway and persisting the exchange
//
// Services are designed to be:
//   - Testable: Dependencies are injected via constructors
//   - Composable: ChatService and FileService share one Replier
//   - Traceable: All methods accept context for distributed tracing
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/guest"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/threads"
)

// chatTracer is the OpenTelemetry tracer for ChatService operations.
var chatTracer = otel.Tracer("aleutian.orchestrator.services.chat")

// Compile-time interface implementation checks.
var (
	_ Replier      = (*llm.Gateway)(nil)
	_ ChatObserver = NopChatObserver{}
)

// =============================================================================
// Interfaces
// =============================================================================

// Replier produces assistant replies.
//
// # Description
//
// Implemented by *llm.Gateway. GetReply never fails and never returns an
// empty string; provider failures surface as fallback text.
type Replier interface {
	GetReply(ctx context.Context, history []llm.ChatMessage, modelMode, systemPrompt string) string

	// ResolveMode returns the configured mode GetReply would use for mode.
	ResolveMode(mode string) string
}

// ChatObserver receives one outcome per chat, thread or file request.
type ChatObserver interface {
	ObserveChat(flow, status string)
}

// NopChatObserver discards observations.
type NopChatObserver struct{}

func (NopChatObserver) ObserveChat(string, string) {}

// Request flows.
const (
	FlowGuest  = "guest"
	FlowThread = "thread"
	FlowFile   = "file"
)

// Request outcomes.
const (
	StatusOK         = "ok"
	StatusValidation = "validation"
	StatusGuestLimit = "guest_limit"
	StatusCapacity   = "capacity"
	StatusNotFound   = "not_found"
	StatusCanceled   = "canceled"
	StatusError      = "error"
)

// statusOf classifies err for ChatObserver.
func statusOf(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, datatypes.ErrValidation), errors.Is(err, datatypes.ErrUnsupportedFileType),
		errors.Is(err, datatypes.ErrPayloadTooLarge):
		return StatusValidation
	case errors.Is(err, datatypes.ErrGuestLimitExceeded):
		return StatusGuestLimit
	case errors.Is(err, datatypes.ErrCapacityExceeded):
		return StatusCapacity
	case errors.Is(err, datatypes.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusCanceled
	default:
		return StatusError
	}
}

// =============================================================================
// Request and Result Types
// =============================================================================

// SendRequest is one chat turn.
type SendRequest struct {
	// OwnerID is the authenticated user. Empty means guest.
	OwnerID string

	// GuestKey identifies the guest: the client address holds the
	// allowance, the optional session splits its history.
	GuestKey guest.Key

	// IsGuest forces the guest path even when OwnerID is set.
	IsGuest bool

	// ThreadID continues an existing thread. Empty starts a new one.
	ThreadID string

	Message string

	// ModelMode overrides every other model selection when set.
	ModelMode string
}

// Guest reports whether the request takes the guest path.
func (r SendRequest) Guest() bool {
	return r.IsGuest || strings.TrimSpace(r.OwnerID) == ""
}

// SendResult is the outcome of a successful turn.
type SendResult struct {
	Reply     string
	ThreadID  string
	ModelUsed string

	// GuestMessagesRemaining is set on the guest path only.
	GuestMessagesRemaining *int
}

// =============================================================================
// ChatService
// =============================================================================

// ChatOption configures a ChatService.
type ChatOption func(*ChatService)

// WithChatLogger sets the service logger.
func WithChatLogger(logger *slog.Logger) ChatOption {
	return func(s *ChatService) { s.logger = logger }
}

// WithChatObserver records per-request outcomes.
func WithChatObserver(o ChatObserver) ChatOption {
	return func(s *ChatService) { s.observer = o }
}

// WithAuditLogger records thread lifecycle and guest-limit events.
func WithAuditLogger(a extensions.AuditLogger) ChatOption {
	return func(s *ChatService) { s.audit = a }
}

// WithSystemPrompt replaces the gateway's default chat system prompt.
func WithSystemPrompt(prompt string) ChatOption {
	return func(s *ChatService) { s.systemPrompt = prompt }
}

// WithChatClock replaces time.Now. Used by tests.
func WithChatClock(now func() time.Time) ChatOption {
	return func(s *ChatService) { s.now = now }
}

// ChatService runs chat turns and thread management.
//
// # Description
//
// Send validates the message, resolves identity and model, reads history
// from the thread or guest session, asks the Replier for a reply and
// persists the user and assistant messages together. Guests are held to a
// per-session ceiling and nothing they send is persisted.
//
// # Thread Safety
//
// Safe for concurrent use. Per-thread atomicity comes from threads.Store.
type ChatService struct {
	replier      Replier
	store        threads.Store
	guests       *guest.Tracker
	audit        extensions.AuditLogger
	observer     ChatObserver
	logger       *slog.Logger
	systemPrompt string
	now          func() time.Time
}

// NewChatService creates a ChatService.
//
// # Inputs
//
//   - replier: Reply source, normally *llm.Gateway.
//   - store: Thread persistence.
//   - guests: Guest session tracker.
func NewChatService(replier Replier, store threads.Store, guests *guest.Tracker, opts ...ChatOption) *ChatService {
	s := &ChatService{
		replier:  replier,
		store:    store,
		guests:   guests,
		audit:    &extensions.NopAuditLogger{},
		observer: NopChatObserver{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send runs one chat turn.
//
// # Description
//
// Stages run in order and validation precedes every side effect:
//
//  1. Validate the message (blank, NUL, non-UTF-8, over 4000 characters).
//  2. Guest path: reserve a slot, use the session history, commit the
//     exchange to the session only.
//  3. Authenticated path: load the thread (unknown ID is NotFound), check
//     capacity, pick the model (override, thread, preference, default),
//     then append both messages in one store call, or create the thread
//     with both messages when no ThreadID was given.
//
// If ctx is cancelled while the reply is computed nothing is persisted and
// a guest slot is returned.
//
// # Outputs
//
//   - *SendResult: Reply text, thread and model used.
//   - error: ValidationError, CapacityError, ErrNotFound or a store error.
//     Provider failures never surface here.
func (s *ChatService) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	flow := FlowThread
	if req.Guest() {
		flow = FlowGuest
	}

	ctx, span := chatTracer.Start(ctx, "ChatService.Send",
		trace.WithAttributes(
			attribute.String("chat.flow", flow),
			attribute.String("chat.thread_id", req.ThreadID),
		),
	)
	defer span.End()

	result, err := s.send(ctx, flow, req)
	s.observer.ObserveChat(flow, statusOf(err))
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("chat.model_used", result.ModelUsed))
	return result, nil
}

// Preflight runs the checks Send would reject req on, without computing a
// reply or claiming anything.
//
// # Description
//
// It validates the message, then checks the guest ceiling on the guest
// path, or the thread's ownership and capacity when req continues a
// thread. Streaming callers use it to answer with a plain error before
// the stream opens. Send repeats every check, so a request that races
// past Preflight is still rejected.
//
// # Outputs
//
//   - error: The error Send would return, or nil.
func (s *ChatService) Preflight(ctx context.Context, req SendRequest) error {
	flow := FlowThread
	if req.Guest() {
		flow = FlowGuest
	}

	ctx, span := chatTracer.Start(ctx, "ChatService.Preflight",
		trace.WithAttributes(
			attribute.String("chat.flow", flow),
			attribute.String("chat.thread_id", req.ThreadID),
		),
	)
	defer span.End()

	err := s.preflight(ctx, flow, req)
	if err != nil {
		s.observer.ObserveChat(flow, statusOf(err))
		recordError(span, err)
	}
	return err
}

func (s *ChatService) preflight(ctx context.Context, flow string, req SendRequest) error {
	if _, err := datatypes.ValidateUserMessage(req.Message); err != nil {
		return err
	}
	if flow == FlowGuest {
		if err := s.guests.Check(req.GuestKey); err != nil {
			s.auditGuestLimit(ctx, err)
			return err
		}
		return nil
	}
	_, err := s.loadThread(ctx, req)
	return err
}

func (s *ChatService) send(ctx context.Context, flow string, req SendRequest) (*SendResult, error) {
	text, err := datatypes.ValidateUserMessage(req.Message)
	if err != nil {
		return nil, err
	}
	if flow == FlowGuest {
		return s.sendGuest(ctx, req, text)
	}
	return s.sendThread(ctx, req, text)
}

func (s *ChatService) sendGuest(ctx context.Context, req SendRequest, text string) (*SendResult, error) {
	res, err := s.guests.Reserve(req.GuestKey)
	if err != nil {
		s.auditGuestLimit(ctx, err)
		return nil, err
	}

	modelUsed := s.replier.ResolveMode(req.ModelMode)
	user := datatypes.NewMessage(datatypes.RoleUser, text, s.now())
	reply := s.reply(ctx, append(res.History, user), modelUsed)

	if err := ctx.Err(); err != nil {
		res.Release()
		return nil, fmt.Errorf("guest chat: %w", err)
	}

	assistant := datatypes.NewMessage(datatypes.RoleAssistant, reply, s.now())
	assistant.Metadata.Model = modelUsed
	res.Commit(user, assistant)

	remaining := res.Remaining
	s.logger.Info("guest chat completed", "mode", modelUsed, "remaining", remaining)
	return &SendResult{Reply: reply, ModelUsed: modelUsed, GuestMessagesRemaining: &remaining}, nil
}

func (s *ChatService) sendThread(ctx context.Context, req SendRequest, text string) (*SendResult, error) {
	thread, err := s.loadThread(ctx, req)
	if err != nil {
		return nil, err
	}
	var history []datatypes.Message
	if thread != nil {
		history = thread.Messages
	}

	modelUsed, err := s.selectModel(ctx, req, thread)
	if err != nil {
		return nil, err
	}

	user := datatypes.NewMessage(datatypes.RoleUser, text, s.now())
	reply := s.reply(ctx, append(history, user), modelUsed)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}

	assistant := datatypes.NewMessage(datatypes.RoleAssistant, reply, s.now())
	assistant.Metadata.Model = modelUsed

	if thread != nil {
		if _, err := s.store.Append(ctx, thread.ThreadID, req.OwnerID, user, assistant); err != nil {
			// A turn that filled the thread meanwhile is the caller's
			// capacity error, reported as is.
			if errors.Is(err, datatypes.ErrCapacityExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("persist exchange: %w", err)
		}
	} else {
		thread, err = s.store.Create(ctx, req.OwnerID, threads.CreateOptions{
			ModelMode: modelUsed,
			Messages:  []datatypes.Message{user, assistant},
		})
		if err != nil {
			return nil, fmt.Errorf("create thread: %w", err)
		}
		s.auditThread(ctx, extensions.AuditThreadCreated, req.OwnerID, thread.ThreadID)
	}

	s.logger.Info("chat completed",
		"thread_id", thread.ThreadID,
		"owner_id", req.OwnerID,
		"mode", modelUsed,
	)
	return &SendResult{Reply: reply, ThreadID: thread.ThreadID, ModelUsed: modelUsed}, nil
}

// loadThread returns the thread req continues, or nil when it starts a new
// one. An unknown or foreign thread is NotFound; a thread that cannot hold
// another exchange is a CapacityError.
func (s *ChatService) loadThread(ctx context.Context, req SendRequest) (*datatypes.Thread, error) {
	if req.ThreadID == "" {
		return nil, nil
	}
	thread, err := s.store.Get(ctx, req.ThreadID, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	if len(thread.Messages)+2 > datatypes.MaxThreadMessages {
		return nil, &datatypes.CapacityError{Resource: datatypes.ResourceThreadMessages, Limit: datatypes.MaxThreadMessages}
	}
	return thread, nil
}

// selectModel applies model precedence: request override, thread
// setting, stored preference, registry default.
func (s *ChatService) selectModel(ctx context.Context, req SendRequest, thread *datatypes.Thread) (string, error) {
	if mode := strings.TrimSpace(req.ModelMode); mode != "" {
		return s.replier.ResolveMode(mode), nil
	}
	if thread != nil && thread.Settings.Model != "" {
		return s.replier.ResolveMode(thread.Settings.Model), nil
	}
	pref, err := s.store.ModelPreference(ctx, req.OwnerID)
	if err != nil {
		return "", fmt.Errorf("load model preference: %w", err)
	}
	return s.replier.ResolveMode(pref), nil
}

// reply converts history for the gateway and clamps the result to what a
// stored message can hold.
func (s *ChatService) reply(ctx context.Context, history []datatypes.Message, mode string) string {
	return datatypes.ClampContent(s.replier.GetReply(ctx, toChatMessages(history), mode, s.systemPrompt))
}

func toChatMessages(msgs []datatypes.Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// =============================================================================
// Helpers
// =============================================================================

func (s *ChatService) auditThread(ctx context.Context, eventType, ownerID, threadID string) {
	s.auditLog(ctx, extensions.AuditEvent{
		EventType:    eventType,
		UserID:       ownerID,
		ResourceType: "thread",
		ResourceID:   threadID,
		Outcome:      "success",
	})
}

func (s *ChatService) auditGuestLimit(ctx context.Context, err error) {
	if !errors.Is(err, datatypes.ErrGuestLimitExceeded) {
		return
	}
	s.auditLog(ctx, extensions.AuditEvent{
		EventType:    extensions.AuditGuestLimitReached,
		ResourceType: "guest_session",
		Outcome:      "denied",
		Metadata:     map[string]any{"limit": s.guests.Limit()},
	})
}

func (s *ChatService) auditLog(ctx context.Context, event extensions.AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	if err := s.audit.Log(ctx, event); err != nil {
		s.logger.Warn("audit log failed", "event", event.EventType, "error", err)
	}
}

// recordError marks span failed unless err is an expected client error.
func recordError(span trace.Span, err error) {
	switch statusOf(err) {
	case StatusValidation, StatusNotFound, StatusGuestLimit, StatusCapacity:
		span.SetAttributes(attribute.String("chat.rejected", err.Error()))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
