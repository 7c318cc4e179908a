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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// ModelCatalog lists selectable model modes. Implemented by *llm.Gateway.
type ModelCatalog interface {
	Available() []llm.ModelConfig
	ResolveMode(mode string) string
}

var _ ModelCatalog = (*llm.Gateway)(nil)

// HandleListModels handles GET /api/models. Only modes whose provider is
// configured are listed.
func HandleListModels(catalog ModelCatalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		available := catalog.Available()
		models := make([]datatypes.ModelInfo, 0, len(available))
		for _, m := range available {
			models = append(models, datatypes.ModelInfo{
				Mode:     m.Mode,
				Label:    m.Label,
				Provider: m.Provider,
				Model:    m.Model,
			})
		}
		c.JSON(http.StatusOK, datatypes.ModelsResponse{
			Models:  models,
			Default: catalog.ResolveMode(""),
		})
	}
}
