// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides gin middleware for the chat orchestrator.
//
// # Description
//
// RequireAuth and OptionalAuth resolve the caller's identity through an
// extensions.AuthProvider. RateLimit throttles callers per identity.
// RequestLogger writes one structured log line per request.
package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/guest"
)

// =============================================================================
// Context Keys
// =============================================================================

// authInfoKey is the gin context key for the authenticated identity.
const authInfoKey = "aleutian_auth_info"

// GuestSessionHeader carries a client-generated guest session ID. It
// separates conversations but never adds to the per-IP allowance.
const GuestSessionHeader = "X-Guest-Session"

// SetAuthInfo stores the authenticated identity in the gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the identity stored by RequireAuth or OptionalAuth,
// or nil for an anonymous caller.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// UserID returns the authenticated user ID, or "" for anonymous callers.
func UserID(c *gin.Context) string {
	if info := GetAuthInfo(c); info != nil {
		return info.UserID
	}
	return ""
}

// GuestKey identifies an anonymous caller. The client IP holds the guest
// allowance; the X-Guest-Session header, when present, only separates
// that client's conversations.
func GuestKey(c *gin.Context) guest.Key {
	key := guest.Key{Client: "ip:" + c.ClientIP()}
	if id := strings.TrimSpace(c.GetHeader(GuestSessionHeader)); id != "" && len(id) <= 128 {
		key.Session = id
	}
	return key
}

// =============================================================================
// Middleware
// =============================================================================

// RequireAuth rejects requests without a valid bearer token.
//
// # Description
//
// A missing token is 401 and an unrecognized one is 403. Failures are
// written to audit.
//
// # Inputs
//
//   - provider: Token validator.
//   - audit: Receives auth.failed events. May be nil.
func RequireAuth(provider extensions.AuthProvider, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			status, msg := http.StatusForbidden, "invalid or expired token"
			if errors.Is(err, extensions.ErrUnauthorized) {
				status, msg = http.StatusUnauthorized, "no token provided"
			}
			if audit != nil {
				_ = audit.Log(c.Request.Context(), extensions.AuditEvent{
					EventType:    extensions.AuditAuthFailed,
					Timestamp:    time.Now().UTC(),
					ResourceType: "route",
					ResourceID:   c.FullPath(),
					Outcome:      "denied",
					Metadata:     map[string]any{"status": status, "client_ip": c.ClientIP()},
				})
			}
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// OptionalAuth resolves the identity when it can and otherwise continues
// anonymously. Invalid tokens are treated like missing ones.
func OptionalAuth(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authInfo, err := provider.Validate(c.Request.Context(), extractBearerToken(c)); err == nil && authInfo != nil {
			SetAuthInfo(c, authInfo)
		}
		c.Next()
	}
}

// extractBearerToken returns the token from "Authorization: Bearer <t>".
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
