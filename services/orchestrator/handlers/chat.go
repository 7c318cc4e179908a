// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the gin HTTP handlers of the chat orchestrator.
//
// Handlers bind and validate request bodies, call a service and map the
// result or error to JSON. Every error body is {"error": "..."}.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
)

var chatTracer = otel.Tracer("aleutian.orchestrator.handlers")

// ChatSender runs one chat turn. Implemented by *services.ChatService.
type ChatSender interface {
	Send(ctx context.Context, req services.SendRequest) (*services.SendResult, error)

	// Preflight returns the error Send would reject req with, without
	// running the turn.
	Preflight(ctx context.Context, req services.SendRequest) error
}

var _ ChatSender = (*services.ChatService)(nil)

// bindChatRequest parses and validates a chat body.
func bindChatRequest(c *gin.Context) (*datatypes.ChatRequest, bool) {
	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return nil, false
	}
	if err := req.Validate(); err != nil {
		respondError(c, err)
		return nil, false
	}
	return &req, true
}

// toSendRequest combines the body with the caller's identity.
func toSendRequest(c *gin.Context, req *datatypes.ChatRequest) services.SendRequest {
	return services.SendRequest{
		OwnerID:   middleware.UserID(c),
		GuestKey:  middleware.GuestKey(c),
		IsGuest:   req.IsGuest,
		ThreadID:  req.ThreadID,
		Message:   req.Message,
		ModelMode: req.ModelMode,
	}
}

// HandleChat handles POST /api/chat.
//
// # Description
//
// Runs one turn and returns the assistant message. Authenticated callers
// get the threadId; guests get guestMessagesRemaining instead.
func HandleChat(sender ChatSender) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleChat")
		defer span.End()

		req, ok := bindChatRequest(c)
		if !ok {
			return
		}

		result, err := sender.Send(ctx, toSendRequest(c, req))
		if err != nil {
			respondError(c, err)
			return
		}
		span.SetAttributes(attribute.String("chat.model_used", result.ModelUsed))

		slog.Debug("chat reply sent", "thread_id", result.ThreadID, "mode", result.ModelUsed)
		c.JSON(http.StatusOK, datatypes.ChatResponse{
			Success: true,
			Message: datatypes.ChatReply{
				Role:    datatypes.RoleAssistant,
				Content: result.Reply,
			},
			ThreadID:               result.ThreadID,
			ModelUsed:              result.ModelUsed,
			GuestMessagesRemaining: result.GuestMessagesRemaining,
		})
	}
}
