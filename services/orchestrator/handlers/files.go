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
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
)

// FileAnalyzer analyzes one upload. Implemented by *services.FileService.
type FileAnalyzer interface {
	AnalyzeFile(ctx context.Context, req services.FileRequest) (*datatypes.FileAnalysisResponse, error)
	MaxFileSize() int64
}

var _ FileAnalyzer = (*services.FileService)(nil)

// multipartOverhead allows for multipart framing around the file part.
const multipartOverhead = 1 << 20

// HandleAnalyzeFile handles POST /api/files/analyze (multipart "file",
// optional "modelMode").
func HandleAnalyzeFile(analyzer FileAnalyzer) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := analyzer.MaxFileSize()
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)

		header, err := c.FormFile("file")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				respondError(c, fmt.Errorf("%w: upload exceeds the %s limit", datatypes.ErrPayloadTooLarge, humanize.IBytes(uint64(limit))))
				return
			}
			respondError(c, datatypes.Invalid("file", "no file uploaded"))
			return
		}
		if header.Size > limit {
			respondError(c, fmt.Errorf("%w: %s exceeds the %s limit",
				datatypes.ErrPayloadTooLarge, humanize.IBytes(uint64(header.Size)), humanize.IBytes(uint64(limit))))
			return
		}

		f, err := header.Open()
		if err != nil {
			respondError(c, fmt.Errorf("open upload: %w", err))
			return
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, limit+1))
		if err != nil {
			respondError(c, fmt.Errorf("read upload: %w", err))
			return
		}

		resp, err := analyzer.AnalyzeFile(c.Request.Context(), services.FileRequest{
			Filename:  header.Filename,
			Data:      data,
			ModelMode: c.PostForm("modelMode"),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
