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
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polychat-dev/polychat/services/gateway/conversation"
	"github.com/polychat-dev/polychat/services/gateway/datatypes"
	"github.com/polychat-dev/polychat/services/llm"
)

// =============================================================================
// Test Setup
// =============================================================================

// newUpstream starts a fake chat-completions server that streams a short
// SSE answer for every request.
func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range []string{"Answer from ", req.Model} {
			payload, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{
					{"delta": map[string]any{"content": chunk}},
				},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	t.Cleanup(server.Close)
	return server
}

// newTestRegistry writes a registry file pointing at the upstream and
// loads it.
func newTestRegistry(t *testing.T, upstreamURL string) *llm.Registry {
	t.Helper()
	content := fmt.Sprintf(`
adapters:
  local:
    endpoint: %s/v1/chat/completions
models:
  - id: alpha
    display_name: Alpha
    provider: local
  - id: beta
    display_name: Beta
    provider: local
`, upstreamURL)

	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	registry, err := llm.NewRegistry(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })
	return registry
}

// newStreamRouter wires a StreamHandler onto a test router.
func newStreamRouter(t *testing.T, store *conversation.Store, registry *llm.Registry) (*gin.Engine, *StreamHandler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	handler := NewStreamHandler(store, registry, nil, llm.SessionConfig{
		FirstByteTimeout: 2 * time.Second,
	}, 0)

	router := gin.New()
	router.POST("/v1/chats/:id/messages", handler.HandleSendMessage)
	router.POST("/v1/chats/:id/stop", handler.HandleStopGeneration)
	return router, handler
}

func sendMessage(t *testing.T, router *gin.Engine, chatID string, req datatypes.SendMessageRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq, _ := http.NewRequest("POST", "/v1/chats/"+chatID+"/messages", bytes.NewBuffer(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)
	return w
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewStreamHandler_PanicsOnNilDeps(t *testing.T) {
	store := conversation.NewStore("")
	registry := newTestRegistry(t, "http://127.0.0.1:1")

	assert.Panics(t, func() {
		NewStreamHandler(nil, registry, nil, llm.SessionConfig{}, 0)
	})
	assert.Panics(t, func() {
		NewStreamHandler(store, nil, nil, llm.SessionConfig{}, 0)
	})
}

// =============================================================================
// Send Endpoint Tests
// =============================================================================

func TestHandleSendMessage_StreamsAllModels(t *testing.T) {
	upstream := newUpstream(t)
	store := conversation.NewStore("")
	router, _ := newStreamRouter(t, store, newTestRegistry(t, upstream.URL))

	chat := store.CreateChat("")
	w := sendMessage(t, router, chat.ID, datatypes.SendMessageRequest{
		Content: "compare yourselves",
		Models:  []string{"alpha", "beta"},
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSEEvents(t, w.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "status", events[0].Event)
	assert.Equal(t, "done", events[len(events)-1].Event)

	done := decodeEvent(t, events[len(events)-1])
	assert.Equal(t, chat.ID, done.ChatId)

	// Each model settles with its own final text in the store.
	respAlpha, err := store.Response(chat.ID, "alpha", 0)
	require.NoError(t, err)
	assert.Equal(t, "Answer from alpha", respAlpha.Content)
	assert.False(t, respAlpha.Streaming)

	respBeta, err := store.Response(chat.ID, "beta", 0)
	require.NoError(t, err)
	assert.Equal(t, "Answer from beta", respBeta.Content)
	assert.False(t, respBeta.Streaming)

	// Update events are tagged with the model that produced them.
	models := map[string]bool{}
	for _, ev := range events {
		if ev.Event != "update" {
			continue
		}
		update := decodeEvent(t, ev)
		models[update.Model] = true
		assert.Equal(t, 0, update.MsgIndex)
		require.NotNil(t, update.Response)
	}
	assert.True(t, models["alpha"])
	assert.True(t, models["beta"])
}

func TestHandleSendMessage_SetsTruncatedTitle(t *testing.T) {
	upstream := newUpstream(t)
	store := conversation.NewStore("")
	router, _ := newStreamRouter(t, store, newTestRegistry(t, upstream.URL))

	chat := store.CreateChat("")
	w := sendMessage(t, router, chat.ID, datatypes.SendMessageRequest{
		Content: "how do I profile memory allocations",
		Models:  []string{"alpha"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var title string
	titleIndex, lastUpdateIndex := -1, -1
	for i, ev := range parseSSEEvents(t, w.Body.String()) {
		switch ev.Event {
		case "title":
			title = decodeEvent(t, ev).Message
			titleIndex = i
		case "update":
			lastUpdateIndex = i
		}
	}
	assert.Equal(t, "how do I profile memory allocations", title)

	// The title is derived only after every session has settled.
	require.GreaterOrEqual(t, titleIndex, 0)
	assert.Greater(t, titleIndex, lastUpdateIndex)

	got, err := store.Chat(chat.ID)
	require.NoError(t, err)
	assert.Equal(t, title, got.Title)
}

func TestHandleSendMessage_GreetingGetsSentinelTitle(t *testing.T) {
	upstream := newUpstream(t)
	store := conversation.NewStore("")
	router, _ := newStreamRouter(t, store, newTestRegistry(t, upstream.URL))

	chat := store.CreateChat("")
	w := sendMessage(t, router, chat.ID, datatypes.SendMessageRequest{
		Content: "hey there",
		Models:  []string{"alpha"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	got, err := store.Chat(chat.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.SentinelTitle, got.Title)
}

func TestHandleSendMessage_UnknownModelSettlesSlot(t *testing.T) {
	upstream := newUpstream(t)
	store := conversation.NewStore("")
	router, _ := newStreamRouter(t, store, newTestRegistry(t, upstream.URL))

	chat := store.CreateChat("")
	w := sendMessage(t, router, chat.ID, datatypes.SendMessageRequest{
		Content: "hello models",
		Models:  []string{"alpha", "ghost"},
	})
	require.Equal(t, http.StatusOK, w.Code, "an unknown model must not fail the whole send")

	resp, err := store.Response(chat.ID, "ghost", 0)
	require.NoError(t, err)
	assert.False(t, resp.Streaming)
	assert.Contains(t, resp.Error, "unknown model")

	resp, err = store.Response(chat.ID, "alpha", 0)
	require.NoError(t, err)
	assert.Equal(t, "Answer from alpha", resp.Content)
}

func TestHandleSendMessage_RejectsInvalidRequests(t *testing.T) {
	upstream := newUpstream(t)
	store := conversation.NewStore("")
	router, _ := newStreamRouter(t, store, newTestRegistry(t, upstream.URL))
	chat := store.CreateChat("")

	// Malformed JSON.
	req, _ := http.NewRequest("POST", "/v1/chats/"+chat.ID+"/messages", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Empty content.
	w = sendMessage(t, router, chat.ID, datatypes.SendMessageRequest{Models: []string{"alpha"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// No models.
	w = sendMessage(t, router, chat.ID, datatypes.SendMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown chat.
	w = sendMessage(t, router, "missing", datatypes.SendMessageRequest{
		Content: "hi",
		Models:  []string{"alpha"},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleSendMessage_SecondTurnCarriesHistory(t *testing.T) {
	var lastMessages []map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []map[string]any `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		lastMessages = req.Messages

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "ok"}},
			},
		})
	}))
	defer upstream.Close()

	store := conversation.NewStore("Be terse.")
	router, _ := newStreamRouter(t, store, newTestRegistry(t, upstream.URL))
	chat := store.CreateChat("")

	w := sendMessage(t, router, chat.ID, datatypes.SendMessageRequest{
		Content: "first question",
		Models:  []string{"alpha"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = sendMessage(t, router, chat.ID, datatypes.SendMessageRequest{
		Content: "second question",
		Models:  []string{"alpha"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	// system, first user, alpha's answer, second user.
	require.Len(t, lastMessages, 4)
	assert.Equal(t, "system", lastMessages[0]["role"])
	assert.Equal(t, "first question", lastMessages[1]["content"])
	assert.Equal(t, "assistant", lastMessages[2]["role"])
	assert.Equal(t, "ok", lastMessages[2]["content"])
	assert.Equal(t, "second question", lastMessages[3]["content"])
}

func TestHandleSendMessage_RejectsConcurrentGeneration(t *testing.T) {
	upstream := newUpstream(t)
	store := conversation.NewStore("")
	router, handler := newStreamRouter(t, store, newTestRegistry(t, upstream.URL))
	chat := store.CreateChat("")

	// Registration alone holds the chat, even before the first request's
	// fan-out has started streaming.
	pending := llm.NewFanOut(llm.FanOutConfig{Session: handler.sessionCfg})
	require.True(t, handler.register(chat.ID, pending))
	assert.False(t, handler.register(chat.ID, llm.NewFanOut(llm.FanOutConfig{Session: handler.sessionCfg})))

	w := sendMessage(t, router, chat.ID, datatypes.SendMessageRequest{
		Content: "am I too early",
		Models:  []string{"alpha"},
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	// The chat frees up once the earlier generation unregisters.
	handler.unregister(chat.ID)
	w = sendMessage(t, router, chat.ID, datatypes.SendMessageRequest{
		Content: "second try",
		Models:  []string{"alpha"},
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

// =============================================================================
// Stop Endpoint Tests
// =============================================================================

func TestHandleStopGeneration_NoActiveGeneration(t *testing.T) {
	upstream := newUpstream(t)
	store := conversation.NewStore("")
	router, _ := newStreamRouter(t, store, newTestRegistry(t, upstream.URL))
	chat := store.CreateChat("")

	req, _ := http.NewRequest("POST", "/v1/chats/"+chat.ID+"/stop", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Stopped bool `json:"stopped"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Stopped, "stop is idempotent when nothing is running")
}

func TestStreamHandler_GeneratingReflectsRegistry(t *testing.T) {
	upstream := newUpstream(t)
	store := conversation.NewStore("")
	_, handler := newStreamRouter(t, store, newTestRegistry(t, upstream.URL))

	assert.False(t, handler.Generating("nope"))
}
