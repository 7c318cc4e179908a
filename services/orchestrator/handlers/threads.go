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
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/threads"
)

// ThreadManager is the thread API used by the handlers. Implemented by
// *services.ChatService.
type ThreadManager interface {
	CreateThread(ctx context.Context, ownerID string, req datatypes.CreateThreadRequest) (*datatypes.Thread, error)
	GetThread(ctx context.Context, ownerID, threadID string) (*datatypes.Thread, error)
	ListThreads(ctx context.Context, ownerID string, opts threads.ListOptions) (*datatypes.ThreadListResponse, error)
	SearchThreads(ctx context.Context, ownerID, query string, limit int) ([]datatypes.ThreadSummary, error)
	UpdateThread(ctx context.Context, ownerID, threadID string, req datatypes.UpdateThreadRequest) (*datatypes.Thread, error)
	DeleteThread(ctx context.Context, ownerID, threadID string) error
	ClearThread(ctx context.Context, ownerID, threadID string) (*datatypes.Thread, error)
	EditLastMessage(ctx context.Context, ownerID, threadID string, req datatypes.EditMessageRequest) (*datatypes.Thread, error)
	SetModelPreference(ctx context.Context, ownerID string, req datatypes.ModelPreferenceRequest) (string, error)
}

var _ ThreadManager = (*services.ChatService)(nil)

// HandleListThreads handles GET /api/threads?page=&limit=&archived=.
func HandleListThreads(mgr ThreadManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		opts := threads.ListOptions{}
		var err error
		if opts.Page, err = intQuery(c, "page", 1); err != nil {
			respondError(c, err)
			return
		}
		if opts.PageSize, err = intQuery(c, "limit", threads.DefaultPageSize); err != nil {
			respondError(c, err)
			return
		}
		if raw, ok := c.GetQuery("archived"); ok && raw != "" {
			archived, perr := strconv.ParseBool(raw)
			if perr != nil {
				respondError(c, datatypes.Invalid("archived", "must be true or false"))
				return
			}
			opts.Archived = &archived
		}

		resp, err := mgr.ListThreads(c.Request.Context(), middleware.UserID(c), opts)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleSearchThreads handles GET /api/threads/search?q=&limit=.
func HandleSearchThreads(mgr ThreadManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := intQuery(c, "limit", threads.DefaultSearchLimit)
		if err != nil {
			respondError(c, err)
			return
		}
		found, err := mgr.SearchThreads(c.Request.Context(), middleware.UserID(c), c.Query("q"), limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"threads": found})
	}
}

// HandleCreateThread handles POST /api/thread. An empty body is allowed.
func HandleCreateThread(mgr ThreadManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateThreadRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				respondBindError(c, err)
				return
			}
		}
		th, err := mgr.CreateThread(c.Request.Context(), middleware.UserID(c), req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, datatypes.ThreadResponse{Thread: th})
	}
}

// HandleGetThread handles GET /api/thread/:threadId.
func HandleGetThread(mgr ThreadManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		th, err := mgr.GetThread(c.Request.Context(), middleware.UserID(c), c.Param("threadId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.ThreadResponse{Thread: th})
	}
}

// HandleUpdateThread handles PATCH /api/thread/:threadId.
func HandleUpdateThread(mgr ThreadManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.UpdateThreadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
		th, err := mgr.UpdateThread(c.Request.Context(), middleware.UserID(c), c.Param("threadId"), req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.ThreadResponse{Thread: th})
	}
}

// HandleDeleteThread handles DELETE /api/thread/:threadId.
func HandleDeleteThread(mgr ThreadManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := mgr.DeleteThread(c.Request.Context(), middleware.UserID(c), c.Param("threadId")); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// HandleClearThread handles DELETE /api/thread/:threadId/messages.
func HandleClearThread(mgr ThreadManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		th, err := mgr.ClearThread(c.Request.Context(), middleware.UserID(c), c.Param("threadId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.ThreadResponse{Thread: th})
	}
}

// HandleEditLastMessage handles PATCH /api/thread/:threadId/messages/last.
func HandleEditLastMessage(mgr ThreadManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.EditMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
		th, err := mgr.EditLastMessage(c.Request.Context(), middleware.UserID(c), c.Param("threadId"), req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.ThreadResponse{Thread: th})
	}
}

// HandleSetModelPreference handles PUT /api/preferences/model.
func HandleSetModelPreference(mgr ThreadManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ModelPreferenceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
		mode, err := mgr.SetModelPreference(c.Request.Context(), middleware.UserID(c), req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"modelMode": mode})
	}
}

// intQuery parses an integer query parameter, returning def when absent.
func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, datatypes.Invalid(name, "must be an integer")
	}
	return v, nil
}
