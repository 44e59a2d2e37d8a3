// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polychat-dev/polychat/services/gateway/conversation"
	"github.com/polychat-dev/polychat/services/gateway/datatypes"
)

// newChatRouter builds a router with the chat CRUD endpoints mounted.
func newChatRouter(store *conversation.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewChatHandler(store)

	router := gin.New()
	router.POST("/v1/chats", handler.HandleCreateChat)
	router.GET("/v1/chats", handler.HandleListChats)
	router.GET("/v1/chats/:id", handler.HandleGetChat)
	router.DELETE("/v1/chats/:id", handler.HandleDeleteChat)
	router.POST("/v1/chats/:id/activate", handler.HandleActivateChat)
	return router
}

func TestNewChatHandler_PanicsOnNilStore(t *testing.T) {
	assert.Panics(t, func() {
		NewChatHandler(nil)
	})
}

func TestHandleCreateChat_EmptyBody(t *testing.T) {
	store := conversation.NewStore("")
	router := newChatRouter(store)

	req, _ := http.NewRequest("POST", "/v1/chats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var chat datatypes.Chat
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chat))
	assert.NotEmpty(t, chat.ID)
	assert.Empty(t, chat.Title)
	assert.Equal(t, chat.ID, store.ActiveChatID(), "a new chat becomes active")
}

func TestHandleCreateChat_WithTitle(t *testing.T) {
	router := newChatRouter(conversation.NewStore(""))

	body, _ := json.Marshal(datatypes.CreateChatRequest{Title: "Planning session"})
	req, _ := http.NewRequest("POST", "/v1/chats", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var chat datatypes.Chat
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chat))
	assert.Equal(t, "Planning session", chat.Title)
}

func TestHandleCreateChat_RejectsBadJSON(t *testing.T) {
	router := newChatRouter(conversation.NewStore(""))

	req, _ := http.NewRequest("POST", "/v1/chats", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleListChats(t *testing.T) {
	store := conversation.NewStore("")
	router := newChatRouter(store)

	store.CreateChat("first")
	store.CreateChat("second")

	req, _ := http.NewRequest("GET", "/v1/chats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Chats []datatypes.ChatSummary `json:"chats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Chats, 2)
	assert.Equal(t, "first", body.Chats[0].Title)
	assert.True(t, body.Chats[1].Active)
}

func TestHandleGetChat(t *testing.T) {
	store := conversation.NewStore("")
	router := newChatRouter(store)
	chat := store.CreateChat("fetch me")

	req, _ := http.NewRequest("GET", "/v1/chats/"+chat.ID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var got datatypes.Chat
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, chat.ID, got.ID)
	assert.Equal(t, "fetch me", got.Title)
}

func TestHandleGetChat_NotFound(t *testing.T) {
	router := newChatRouter(conversation.NewStore(""))

	req, _ := http.NewRequest("GET", "/v1/chats/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleDeleteChat(t *testing.T) {
	store := conversation.NewStore("")
	router := newChatRouter(store)
	keep := store.CreateChat("keep")
	drop := store.CreateChat("drop")

	req, _ := http.NewRequest("DELETE", "/v1/chats/"+drop.ID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Deleted bool   `json:"deleted"`
		Active  string `json:"active"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Deleted)
	assert.Equal(t, keep.ID, body.Active, "survivor becomes active")

	req, _ = http.NewRequest("DELETE", "/v1/chats/"+drop.ID, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleActivateChat(t *testing.T) {
	store := conversation.NewStore("")
	router := newChatRouter(store)
	first := store.CreateChat("")
	store.CreateChat("")

	req, _ := http.NewRequest("POST", "/v1/chats/"+first.ID+"/activate", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first.ID, store.ActiveChatID())

	req, _ = http.NewRequest("POST", "/v1/chats/nope/activate", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
