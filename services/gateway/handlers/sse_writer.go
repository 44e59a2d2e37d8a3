// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polychat-dev/polychat/services/gateway/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing Server-Sent Events to HTTP
// responses.
//
// # Description
//
// SSEWriter abstracts SSE event serialization and writing, enabling
// testability and separation from HTTP response mechanics. Implementations
// handle the SSE wire format (event: type\ndata: json\n\n) internally.
//
// Each event is automatically assigned:
//   - Id: UUID v4 for ordering and deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//   - Hash: SHA-256 hash of event content for integrity
//   - PrevHash: Hash of previous event for chain verification
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
// Streaming handlers emit updates from all model sessions concurrently.
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders before writing
type SSEWriter interface {
	// WriteEvent writes a single SSE event to the response.
	//
	// Populates event metadata (Id, CreatedAt, Hash, PrevHash), serializes
	// to JSON, and writes in SSE format. Flushes immediately after writing.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus writes a status event with the given message.
	WriteStatus(message string) error

	// WriteUpdate writes an update event carrying one model's current
	// response snapshot for the message at msgIndex.
	WriteUpdate(model string, msgIndex int, resp datatypes.Response) error

	// WriteTitle writes a title event announcing the chat's new title.
	WriteTitle(title string) error

	// WriteError writes an error event and signals stream failure.
	//
	// The message must already be sanitized; internal details are not
	// exposed to clients.
	WriteError(errMsg string) error

	// WriteDone writes the final event indicating stream completion.
	// Includes the chat ID for conversation continuity. Should only be
	// called once per stream.
	WriteDone(chatID string) error

	// WriteKeepAlive sends an SSE comment (": ping\n\n") to keep the TCP
	// connection active during long operations. Comments are ignored by
	// clients but reset load balancer timeout counters (Nginx default 60s).
	// Does not update the hash chain.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter for HTTP SSE responses.
//
// # Description
//
// sseWriter wraps an http.ResponseWriter to emit SSE-formatted events.
// Each event is written in the format:
//
//	event: {type}
//	data: {json}
//
// The writer maintains a hash chain for integrity verification:
//   - Each event's Hash is SHA-256 of its content
//   - Each event's PrevHash links to the previous event
//
// # Thread Safety
//
// Thread-safe via mutex. Multiple goroutines can write events concurrently.
// Hash chain integrity is maintained across concurrent writes.
//
// # Limitations
//
//   - Cannot be reused across requests
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewSSEWriter creates a new SSEWriter for the given ResponseWriter.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready to write SSE events.
//   - error: Non-nil if ResponseWriter doesn't support flushing.
//
// # Examples
//
//	SetSSEHeaders(w)
//	writer, err := NewSSEWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	writer.WriteStatus("Contacting models...")
//	writer.WriteDone("chat-123")
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:   w,
		flusher:  flusher,
		prevHash: "",
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// WriteEvent writes a single SSE event to the response.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Populate metadata
	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash

	// Compute hash of event content (before setting Hash field)
	event.Hash = event.ComputeHash()

	// Update chain for next event
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Write SSE format: event: type\ndata: json\n\n
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// WriteStatus writes a status event with the given message.
func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventTypeStatus,
		Message: message,
	})
}

// WriteUpdate writes an update event with one model's response snapshot.
func (w *sseWriter) WriteUpdate(model string, msgIndex int, resp datatypes.Response) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:     datatypes.EventTypeUpdate,
		Model:    model,
		MsgIndex: msgIndex,
		Response: &resp,
	})
}

// WriteTitle writes a title event.
func (w *sseWriter) WriteTitle(title string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventTypeTitle,
		Message: title,
	})
}

// WriteError writes an error event.
func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  datatypes.EventTypeError,
		Error: errMsg,
	})
}

// WriteDone writes the done event with the chat ID.
func (w *sseWriter) WriteDone(chatID string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:   datatypes.EventTypeDone,
		ChatId: chatID,
	})
}

// WriteKeepAlive sends a comment line to keep the connection alive.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// Sets Content-Type: text/event-stream, Cache-Control: no-cache,
// Connection: keep-alive and X-Accel-Buffering: no (disables nginx
// buffering). Must be called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
