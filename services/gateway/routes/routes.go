// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polychat-dev/polychat/pkg/extensions"
	"github.com/polychat-dev/polychat/services/gateway/conversation"
	"github.com/polychat-dev/polychat/services/gateway/handlers"
	"github.com/polychat-dev/polychat/services/gateway/middleware"
)

// Deps bundles everything the route table needs.
type Deps struct {
	Store         *conversation.Store
	StreamHandler *handlers.StreamHandler
	ChatHandler   *handlers.ChatHandler
	ModelsHandler *handlers.ModelsHandler
	AuthProvider  extensions.AuthProvider
	RateLimiter   *middleware.RateLimiter
}

// SetupRoutes installs the gateway's route table on the router.
//
// Health and metrics stay outside the authenticated group so probes and
// scrapers work without credentials.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/healthz", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(deps.AuthProvider))
	if deps.RateLimiter != nil {
		v1.Use(deps.RateLimiter.Middleware())
	}
	{
		v1.GET("/models", deps.ModelsHandler.HandleListModels)

		chats := v1.Group("/chats")
		{
			chats.POST("", deps.ChatHandler.HandleCreateChat)
			chats.GET("", deps.ChatHandler.HandleListChats)
			chats.GET("/:id", deps.ChatHandler.HandleGetChat)
			chats.DELETE("/:id", deps.ChatHandler.HandleDeleteChat)
			chats.POST("/:id/activate", deps.ChatHandler.HandleActivateChat)
			chats.POST("/:id/messages", deps.StreamHandler.HandleSendMessage)
			chats.POST("/:id/stop", deps.StreamHandler.HandleStopGeneration)
			chats.GET("/:id/ws", handlers.HandleChatWebSocket(deps.Store))
		}
	}
}
