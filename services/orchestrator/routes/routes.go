// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes holds the orchestrator's route table.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
)

// Dependencies are the collaborators the route table binds to.
//
// # Required Fields
//
//   - Chat, Threads, Models, Files
//
// # Optional Fields
//
//   - Auth: Defaults to NopAuthProvider.
//   - Audit: Defaults to NopAuditLogger.
//   - Limiter: Nil disables rate limiting.
//   - Metrics: Nil leaves /metrics unregistered.
//   - StreamObserver: Nil disables streaming metrics.
type Dependencies struct {
	Chat    handlers.ChatSender
	Threads handlers.ThreadManager
	Models  handlers.ModelCatalog
	Files   handlers.FileAnalyzer

	Auth  extensions.AuthProvider
	Audit extensions.AuditLogger

	Limiter        *middleware.RateLimiter
	Stream         handlers.StreamConfig
	StreamObserver handlers.StreamObserver
	Metrics        http.Handler
}

// SetupRoutes registers every endpoint on router.
//
// # Description
//
// Chat, streaming, model listing and file analysis accept anonymous
// callers (guest flow). Thread management and preferences require a valid
// bearer token. Every /api route is rate limited per caller.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	if deps.Auth == nil {
		deps.Auth = &extensions.NopAuthProvider{}
	}
	if deps.Audit == nil {
		deps.Audit = &extensions.NopAuditLogger{}
	}

	router.GET("/health", handlers.HandleHealth())
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	router.NoRoute(handlers.HandleNotFound())

	api := router.Group("/api")

	// Identity is resolved before rate limiting so users are keyed by ID.
	optional := api.Group("", middleware.OptionalAuth(deps.Auth))
	required := api.Group("", middleware.RequireAuth(deps.Auth, deps.Audit))
	if deps.Limiter != nil {
		optional.Use(middleware.RateLimit(deps.Limiter))
		required.Use(middleware.RateLimit(deps.Limiter))
	}

	optional.POST("/chat", handlers.HandleChat(deps.Chat))
	optional.POST("/chat/stream", handlers.HandleChatStream(deps.Chat, deps.Stream, deps.StreamObserver))
	optional.GET("/models", handlers.HandleListModels(deps.Models))
	optional.POST("/files/analyze", handlers.HandleAnalyzeFile(deps.Files))

	required.GET("/threads", handlers.HandleListThreads(deps.Threads))
	required.GET("/threads/search", handlers.HandleSearchThreads(deps.Threads))
	required.POST("/thread", handlers.HandleCreateThread(deps.Threads))
	thread := required.Group("/thread/:threadId")
	{
		thread.GET("", handlers.HandleGetThread(deps.Threads))
		thread.PATCH("", handlers.HandleUpdateThread(deps.Threads))
		thread.DELETE("", handlers.HandleDeleteThread(deps.Threads))
		thread.DELETE("/messages", handlers.HandleClearThread(deps.Threads))
		thread.PATCH("/messages/last", handlers.HandleEditLastMessage(deps.Threads))
	}
	required.PUT("/preferences/model", handlers.HandleSetModelPreference(deps.Threads))
}
