// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/polychat-dev/polychat/services/gateway/conversation"
	"github.com/polychat-dev/polychat/services/gateway/datatypes"
)

// =============================================================================
// Handler Definition
// =============================================================================

// ChatHandler serves chat lifecycle endpoints: create, list, fetch, delete
// and activate.
type ChatHandler struct {
	store *conversation.Store
}

// NewChatHandler creates the chat CRUD handler.
func NewChatHandler(store *conversation.Store) *ChatHandler {
	if store == nil {
		panic("handlers: nil conversation store")
	}
	return &ChatHandler{store: store}
}

// =============================================================================
// Endpoints
// =============================================================================

// HandleCreateChat handles POST /v1/chats.
//
// Creates a new chat and makes it active. The title is optional; an empty
// title is filled in by the titling rule once the first message arrives.
func (h *ChatHandler) HandleCreateChat(c *gin.Context) {
	var req datatypes.CreateChatRequest
	// An empty body is fine; only reject bodies that fail to parse.
	if c.Request.ContentLength > 0 {
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse("invalid request body"))
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse("invalid request: validation failed"))
			return
		}
	}

	chat := h.store.CreateChat(req.Title)
	slog.Info("Chat created", "chatId", chat.ID)
	c.JSON(http.StatusCreated, chat)
}

// HandleListChats handles GET /v1/chats.
//
// Returns summaries for every chat, most recent first, with the active
// chat flagged.
func (h *ChatHandler) HandleListChats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"chats": h.store.Chats()})
}

// HandleGetChat handles GET /v1/chats/:id.
func (h *ChatHandler) HandleGetChat(c *gin.Context) {
	chat, err := h.store.Chat(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, datatypes.NewErrorResponse("chat not found"))
		return
	}
	c.JSON(http.StatusOK, chat)
}

// HandleDeleteChat handles DELETE /v1/chats/:id.
//
// Deleting the active chat promotes the most recently updated remaining
// chat to active.
func (h *ChatHandler) HandleDeleteChat(c *gin.Context) {
	chatID := c.Param("id")
	if err := h.store.DeleteChat(chatID); err != nil {
		c.JSON(http.StatusNotFound, datatypes.NewErrorResponse("chat not found"))
		return
	}
	slog.Info("Chat deleted", "chatId", chatID)
	c.JSON(http.StatusOK, gin.H{"deleted": true, "active": h.store.ActiveChatID()})
}

// HandleActivateChat handles POST /v1/chats/:id/activate.
func (h *ChatHandler) HandleActivateChat(c *gin.Context) {
	chatID := c.Param("id")
	if err := h.store.SetActive(chatID); err != nil {
		c.JSON(http.StatusNotFound, datatypes.NewErrorResponse("chat not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": chatID})
}
