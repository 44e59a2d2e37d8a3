// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/polychat-dev/polychat/services/gateway/datatypes"
	"github.com/polychat-dev/polychat/services/llm"
)

// ModelsHandler serves the model catalog.
type ModelsHandler struct {
	registry *llm.Registry
}

// NewModelsHandler creates the model catalog handler.
func NewModelsHandler(registry *llm.Registry) *ModelsHandler {
	if registry == nil {
		panic("handlers: nil model registry")
	}
	return &ModelsHandler{registry: registry}
}

// HandleListModels handles GET /v1/models.
//
// Returns every configured model with its capabilities so the client can
// gate vision input and render thinking panes without probing upstreams.
func (h *ModelsHandler) HandleListModels(c *gin.Context) {
	models := h.registry.Models()
	infos := make([]datatypes.ModelInfo, 0, len(models))
	for _, m := range models {
		infos = append(infos, datatypes.ModelInfo{
			ID:               m.ID,
			DisplayName:      m.DisplayName,
			Provider:         m.Provider,
			Fallback:         m.Fallback,
			SupportsVision:   m.SupportsVision,
			SupportsThinking: m.SupportsThinking,
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": infos})
}
