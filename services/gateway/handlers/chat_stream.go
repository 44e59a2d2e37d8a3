// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the gateway's HTTP endpoints.
//
// The streaming send endpoint is the core of the service: one user message
// fans out to every selected model concurrently, and each model's partial
// response is re-streamed to the client as SSE update events tagged with
// the model ID. The conversation store is the source of truth; the SSE
// stream is a live projection of store changes for the sending client.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/polychat-dev/polychat/services/gateway/conversation"
	"github.com/polychat-dev/polychat/services/gateway/datatypes"
	"github.com/polychat-dev/polychat/services/gateway/observability"
	"github.com/polychat-dev/polychat/services/llm"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval is the interval for sending keepalive pings.
	// Set to 15s to stay well under typical LB timeouts (60s for ALB/Nginx).
	heartbeatInterval = 15 * time.Second

	// titleTimeout bounds the title generation call so a slow summarizer
	// never outlives the stream by much.
	titleTimeout = 20 * time.Second
)

// =============================================================================
// Handler Definition
// =============================================================================

// StreamHandler serves the send and stop endpoints.
//
// # Description
//
// StreamHandler owns the per-chat fan-out registry: at most one generation
// runs per chat at any time, and a stop request addresses the fan-out
// currently registered for that chat. All other state lives in the
// conversation store.
//
// # Thread Safety
//
// Safe for concurrent use. The active-generation map is guarded by a mutex;
// store and registry are safe on their own.
type StreamHandler struct {
	store      *conversation.Store
	registry   *llm.Registry
	titler     *llm.Titler
	sessionCfg llm.SessionConfig
	maxModels  int64

	mu     sync.Mutex
	active map[string]*llm.FanOut
}

// NewStreamHandler creates the streaming chat handler.
//
// # Inputs
//
//   - store: Conversation store. Must not be nil.
//   - registry: Model registry. Must not be nil.
//   - titler: Title generator. May be nil; titles then use truncation only.
//   - sessionCfg: Per-session tuning shared by all fan-outs.
//   - maxConcurrent: Cap on concurrently streaming sessions per send (0 = no cap).
func NewStreamHandler(store *conversation.Store, registry *llm.Registry, titler *llm.Titler, sessionCfg llm.SessionConfig, maxConcurrent int64) *StreamHandler {
	if store == nil {
		panic("handlers: nil conversation store")
	}
	if registry == nil {
		panic("handlers: nil model registry")
	}
	return &StreamHandler{
		store:      store,
		registry:   registry,
		titler:     titler,
		sessionCfg: sessionCfg,
		maxModels:  maxConcurrent,
		active:     make(map[string]*llm.FanOut),
	}
}

// =============================================================================
// Send Endpoint
// =============================================================================

// HandleSendMessage handles POST /v1/chats/:id/messages.
//
// # Description
//
// Appends the user message to the chat, fans it out to every requested
// model, and streams per-model response snapshots back as SSE update
// events until all sessions settle. One model's failure never interrupts
// the others; the stream always finishes with a done event.
//
// Response events:
//
//	event: status
//	data: {"type":"status","message":"Contacting models...",...}
//
//	event: update
//	data: {"type":"update","model":"llama3:8b","msg_index":0,"response":{...},...}
//
//	event: title
//	data: {"type":"title","message":"OAuth token rotation",...}
//
//	event: done
//	data: {"type":"done","chat_id":"...",...}
//
// # Limitations
//
//   - One generation per chat; a second send while one is running gets 409.
//   - Errors after the SSE stream opens are sent as events, not HTTP errors.
func (h *StreamHandler) HandleSendMessage(c *gin.Context) {
	startTime := time.Now()

	ctx, span := otel.Tracer("polychat.gateway").Start(c.Request.Context(), "HandleSendMessage")
	defer span.End()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted()
		defer m.StreamEnded()
	}

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(success)
			m.RecordStreamDuration(time.Since(startTime).Seconds())
		}
	}()

	chatID := c.Param("id")
	span.SetAttributes(attribute.String("chat.id", chatID))

	// Step 1: Parse and validate request
	var req datatypes.SendMessageRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		recordValidationError()
		c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse("invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Send request validation failed", "error", err, "chatId", chatID)
		recordValidationError()
		c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse("invalid request: validation failed"))
		return
	}
	span.SetAttributes(attribute.Int("request.model_count", len(req.Models)))

	// Step 2: Ensure the chat exists and is not mid-generation
	if _, err := h.store.Chat(chatID); err != nil {
		c.JSON(http.StatusNotFound, datatypes.NewErrorResponse("chat not found"))
		return
	}
	fanout := llm.NewFanOut(llm.FanOutConfig{
		MaxConcurrent: h.maxModels,
		Session:       h.sessionCfg,
	})
	if !h.register(chatID, fanout) {
		c.JSON(http.StatusConflict, datatypes.NewErrorResponse("generation already in progress"))
		return
	}
	defer h.unregister(chatID)

	// Step 3: Append the user message
	msgIndex, err := h.store.AppendUserMessage(chatID, req.UserMessage())
	if err != nil {
		span.RecordError(err)
		recordValidationError()
		c.JSON(http.StatusUnprocessableEntity, datatypes.NewErrorResponse(err.Error()))
		return
	}
	span.SetAttributes(attribute.Int("chat.msg_index", msgIndex))

	// Step 4: Open the SSE stream
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse("streaming not supported"))
		return
	}
	if err := writer.WriteStatus("Contacting models..."); err != nil {
		slog.Error("Failed to write status event", "error", err, "chatId", chatID)
		return
	}

	// Step 5: Resolve targets; unknown models settle immediately as errors
	targets := h.resolveTargets(chatID, msgIndex, req.Models, writer)

	// Step 6: Start heartbeat goroutine to prevent connection timeouts
	heartbeatDone := make(chan struct{})
	go h.runHeartbeat(ctx, writer, heartbeatDone)

	// Step 7: Fan out and project every session update into the store and
	// the SSE stream
	firstToken := &sync.Map{}
	fanout.Send(ctx, targets, func(u llm.Update) {
		h.applyUpdate(chatID, msgIndex, u, writer, startTime, firstToken)
	})

	// Step 8: Derive the title once every session has settled. The
	// heartbeat keeps running so a slow summarizer cannot idle out the
	// connection before the done event.
	h.maybeSetTitle(ctx, chatID, writer)
	close(heartbeatDone)

	if ctx.Err() != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordClientDisconnect()
		}
		slog.Info("Client disconnected mid-stream", "chatId", chatID)
		return
	}

	success = true
	if err := writer.WriteDone(chatID); err != nil {
		slog.Debug("Failed to write done event", "error", err, "chatId", chatID)
	}
}

// =============================================================================
// Stop Endpoint
// =============================================================================

// HandleStopGeneration handles POST /v1/chats/:id/stop.
//
// Signals every in-flight session for the chat to stop. Idempotent: a chat
// with no active generation still gets 200, with stopped=false.
func (h *StreamHandler) HandleStopGeneration(c *gin.Context) {
	chatID := c.Param("id")

	h.mu.Lock()
	fanout := h.active[chatID]
	h.mu.Unlock()

	if fanout == nil {
		c.JSON(http.StatusOK, gin.H{"stopped": false})
		return
	}

	fanout.StopAll()
	slog.Info("Stop requested", "chatId", chatID)
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

// Generating reports whether the chat has an active generation.
func (h *StreamHandler) Generating(chatID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	fanout := h.active[chatID]
	return fanout != nil && fanout.Generating()
}

// =============================================================================
// Internals
// =============================================================================

// register installs the fan-out as the chat's active generation. Returns
// false when one is already registered. Presence in the map is the guard:
// an entry exists from registration until the deferred unregister, so a
// request still setting up its stream blocks a second send for the chat.
func (h *StreamHandler) register(chatID string, fanout *llm.FanOut) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.active[chatID]; exists {
		return false
	}
	h.active[chatID] = fanout
	return true
}

func (h *StreamHandler) unregister(chatID string) {
	h.mu.Lock()
	delete(h.active, chatID)
	h.mu.Unlock()
}

// resolveTargets maps requested model IDs to fan-out targets. Each model
// gets its own history so a model only ever sees its own prior answers.
// Unknown IDs settle their slot immediately with an error instead of
// failing the whole send.
func (h *StreamHandler) resolveTargets(chatID string, msgIndex int, models []string, writer SSEWriter) []llm.Target {
	targets := make([]llm.Target, 0, len(models))
	for _, id := range models {
		model, adapter, err := h.registry.Resolve(id)
		if err != nil {
			slog.Warn("Unknown model requested", "model", id, "chatId", chatID)
			h.settleSlot(chatID, msgIndex, id, "unknown model: "+id, writer)
			continue
		}
		history, err := h.store.HistoryForModel(chatID, id)
		if err != nil {
			h.settleSlot(chatID, msgIndex, id, "history unavailable", writer)
			continue
		}
		// Seed the slot so the UI shows a pending response right away.
		streaming := true
		_ = h.store.UpdateResponse(chatID, id, msgIndex, conversation.ResponsePatch{
			Streaming: &streaming,
		})
		if resp, err := h.store.Response(chatID, id, msgIndex); err == nil {
			_ = writer.WriteUpdate(id, msgIndex, resp)
		}
		targets = append(targets, llm.Target{
			Model:   model,
			Adapter: adapter,
			History: history,
		})
	}
	return targets
}

// settleSlot writes a terminal error into a response slot and mirrors it
// to the SSE stream.
func (h *StreamHandler) settleSlot(chatID string, msgIndex int, modelID, errMsg string, writer SSEWriter) {
	streaming := false
	_ = h.store.UpdateResponse(chatID, modelID, msgIndex, conversation.ResponsePatch{
		Streaming: &streaming,
		Error:     &errMsg,
	})
	if resp, err := h.store.Response(chatID, modelID, msgIndex); err == nil {
		_ = writer.WriteUpdate(modelID, msgIndex, resp)
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(observability.ErrorCodeValidation)
	}
}

// applyUpdate projects one session update into the store and the SSE
// stream. Terminal stop and error updates patch flags only, so the text
// streamed before the interruption stays in the slot.
func (h *StreamHandler) applyUpdate(chatID string, msgIndex int, u llm.Update, writer SSEWriter, startTime time.Time, firstToken *sync.Map) {
	patch := patchFromUpdate(u)
	if err := h.store.UpdateResponse(chatID, u.Model, msgIndex, patch); err != nil {
		slog.Debug("Failed to apply response patch", "error", err, "model", u.Model)
		return
	}

	if m := observability.DefaultMetrics; m != nil {
		if u.Streaming && (u.Content != "" || u.Thinking != "") {
			if _, seen := firstToken.LoadOrStore(u.Model, struct{}{}); !seen {
				m.RecordTimeToFirstToken(u.Model, time.Since(startTime).Seconds())
			}
		}
		if !u.Streaming {
			switch {
			case u.Unsupported:
				m.RecordError(observability.ErrorCodeUnsupported)
			case u.Error != "":
				m.RecordError(observability.ErrorCodeUpstream)
			}
		}
	}

	resp, err := h.store.Response(chatID, u.Model, msgIndex)
	if err != nil {
		return
	}
	if err := writer.WriteUpdate(u.Model, msgIndex, resp); err != nil {
		slog.Debug("Failed to write update event", "error", err, "model", u.Model)
	}
}

// patchFromUpdate converts a session update into a store patch.
func patchFromUpdate(u llm.Update) conversation.ResponsePatch {
	streaming := u.Streaming
	patch := conversation.ResponsePatch{Streaming: &streaming}

	switch {
	case u.Streaming:
		patch.Content = &u.Content
		patch.Thinking = &u.Thinking
		patch.ThinkingTime = &u.ThinkingTime
	case u.Stopped:
		stopped := true
		patch.Stopped = &stopped
	case u.Unsupported:
		unsupported := true
		patch.Unsupported = &unsupported
		patch.Error = &u.Error
	case u.Error != "":
		patch.Error = &u.Error
	default:
		// Completed: final text replaces the last snapshot.
		patch.Content = &u.Content
		patch.Thinking = &u.Thinking
		patch.ThinkingTime = &u.ThinkingTime
	}
	return patch
}

// maybeSetTitle applies the chat titling rule: greetings defer to the
// second message via the "New Conversation" sentinel, everything else is
// summarized once, with truncation as the fallback.
func (h *StreamHandler) maybeSetTitle(ctx context.Context, chatID string, writer SSEWriter) {
	chat, err := h.store.Chat(chatID)
	if err != nil {
		return
	}
	source, setSentinel, needed := conversation.TitleSource(chat)
	if !needed {
		return
	}

	if setSentinel {
		if err := h.store.SetTitle(chatID, conversation.SentinelTitle); err == nil {
			_ = writer.WriteTitle(conversation.SentinelTitle)
		}
		return
	}

	maxChars := llm.DefaultTitleChars
	title := ""
	if h.titler != nil {
		maxChars = h.titler.MaxChars()
		titleCtx, cancel := context.WithTimeout(ctx, titleTimeout)
		defer cancel()
		generated, err := h.titler.Title(titleCtx, source)
		if err != nil {
			slog.Warn("Title generation failed, using truncation", "error", err, "chatId", chatID)
		} else {
			title = generated
		}
	}
	if title == "" {
		title = llm.FallbackTitle(source, maxChars)
	}

	if err := h.store.SetTitle(chatID, title); err != nil {
		return
	}
	_ = writer.WriteTitle(title)
}

// runHeartbeat sends SSE comments every heartbeatInterval until done is
// closed or the request context ends. Write failures stop the heartbeat;
// the main stream notices the dead connection on its own.
func (h *StreamHandler) runHeartbeat(ctx context.Context, writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive()
			}
		}
	}
}

func recordValidationError() {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(observability.ErrorCodeValidation)
	}
}
