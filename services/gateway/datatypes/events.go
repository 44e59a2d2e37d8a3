// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// =============================================================================
// Stream Event Types
// =============================================================================

// Event type constants for SSE stream events.
const (
	EventTypeStatus = "status"
	EventTypeUpdate = "update"
	EventTypeTitle  = "title"
	EventTypeError  = "error"
	EventTypeDone   = "done"
)

// StreamEvent is a single server-sent event in a message stream.
//
// # Description
//
// Every event carries metadata for ordering and integrity verification:
//   - Id: UUID v4 for deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//   - Hash: SHA-256 of event content
//   - PrevHash: hash of the previous event, forming a chain
//
// The payload fields depend on Type:
//   - "status": Message holds a human-readable progress line
//   - "update": Model, MsgIndex and Response carry one model's snapshot
//   - "title": Message holds the new chat title
//   - "error": Error holds a sanitized failure message
//   - "done": ChatId identifies the completed conversation
type StreamEvent struct {
	Type      string `json:"type"`
	Id        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
	Hash      string `json:"hash"`
	PrevHash  string `json:"prev_hash"`

	Model    string    `json:"model,omitempty"`
	MsgIndex int       `json:"msg_index,omitempty"`
	Response *Response `json:"response,omitempty"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
	ChatId   string    `json:"chat_id,omitempty"`
}

// ComputeHash returns the SHA-256 hash of the event content.
//
// The hash covers Id, Type, CreatedAt, PrevHash and every payload field;
// the Response payload is JSON-serialized for a stable byte form. The
// Hash field itself is excluded, so a receiver can recompute and compare.
// Both the SSE writer and client-side chain verification use this.
func (e StreamEvent) ComputeHash() string {
	responseJSON := ""
	if e.Response != nil {
		if data, err := json.Marshal(e.Response); err == nil {
			responseJSON = string(data)
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%d|%s|%s|%s|%s",
		e.Id,
		e.Type,
		e.CreatedAt,
		e.PrevHash,
		e.Model,
		e.MsgIndex,
		e.Message,
		e.Error,
		e.ChatId,
		responseJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}
