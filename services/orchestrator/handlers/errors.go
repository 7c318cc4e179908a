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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// msgInternal is shown for every unclassified failure.
const msgInternal = "internal server error"

// statusFor maps an error to its HTTP status and client-safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, datatypes.ErrValidation),
		errors.Is(err, datatypes.ErrCapacityExceeded),
		errors.Is(err, datatypes.ErrUnsupportedFileType):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, extensions.ErrUnauthorized):
		return http.StatusUnauthorized, "no token provided"
	case errors.Is(err, extensions.ErrForbidden):
		return http.StatusForbidden, "invalid or expired token"
	case errors.Is(err, datatypes.ErrNotFound):
		return http.StatusNotFound, "thread not found"
	case errors.Is(err, datatypes.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error()
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

// respondError writes {error} with the status for err. Internal errors
// are logged and replaced by a generic message.
func respondError(c *gin.Context, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "request failed",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"error", err,
		)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, datatypes.ErrorResponse{Error: msg})
}

// respondBindError reports a malformed request body.
func respondBindError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
}
