// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the gateway service.
//
// This file contains the conversation data model: Chat, Message, and
// Response. Request/response types for the HTTP surface live in requests.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Byte length, not rune count, to bound memory for hostile payloads.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerChat is the maximum number of messages retained in a chat.
	MaxMessagesPerChat = 500

	// MaxModelsPerSend is the maximum number of models one send may fan out to.
	MaxModelsPerSend = 12

	// MaxAttachmentBytes is the maximum size of a single base64 attachment.
	MaxAttachmentBytes = 8 * 1024 * 1024 // 8MB
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for gateway datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes validates that a string field does not exceed
// MaxMessageContentBytes. Checks byte length (not rune count) to prevent
// memory exhaustion with large payloads.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// =============================================================================
// Roles
// =============================================================================

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// =============================================================================
// Conversation Model
// =============================================================================

// Attachment is one inline image attachment on a user message.
//
// Data is base64-encoded. The gateway passes attachments through to
// providers as multimodal content parts; it never decodes them.
type Attachment struct {
	MimeType string `json:"mime_type" validate:"required"`
	Data     string `json:"data" validate:"required"`
}

// Message is one turn in a chat.
//
// The primary model keeps assistant content inside Response, keyed by
// model id, not as separate Message entries. The assistant role appears
// only in flattened per-model histories built for upstream calls.
type Message struct {
	Role    string       `json:"role" validate:"required,oneof=system user assistant"`
	Content string       `json:"content" validate:"maxbytes"`
	Images  []Attachment `json:"images,omitempty" validate:"omitempty,dive"`
}

// HasImages reports whether the message carries at least one attachment.
func (m Message) HasImages() bool {
	return len(m.Images) > 0
}

// Response is one model's answer to one user message.
//
// # Description
//
// Content and Thinking grow monotonically while Streaming is true.
// ThinkingTime is set exactly once, when reasoning ends, and is never
// recomputed afterwards. The terminal outcomes are mutually exclusive:
// normal completion (Streaming false, no flag), Stopped, Error, or
// Unsupported.
//
// # Thread Safety
//
// Response values are owned by the conversation store; callers receive
// copies and must mutate through the store's patch operation.
type Response struct {
	Content      string `json:"content"`
	Thinking     string `json:"thinking,omitempty"`
	ThinkingTime string `json:"thinking_time,omitempty"`
	Streaming    bool   `json:"streaming"`
	Stopped      bool   `json:"stopped,omitempty"`
	Unsupported  bool   `json:"unsupported,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Terminal reports whether the response has reached a terminal outcome.
func (r Response) Terminal() bool {
	return !r.Streaming
}

// Chat is one conversation thread.
//
// # Description
//
// Messages is append-only during normal operation; edits are modeled as
// new appends. Responses maps model id to message index to that model's
// Response for the user message at that index. UpdatedAt is bumped on
// every message or response mutation.
//
// # Serialization
//
// Chat is a plain data value with no functions or live handles, so the
// whole store state can be snapshotted as one JSON blob.
type Chat struct {
	ID        string                       `json:"id"`
	Title     string                       `json:"title,omitempty"`
	Messages  []Message                    `json:"messages"`
	Responses map[string]map[int]*Response `json:"responses"`
	CreatedAt int64                        `json:"created_at"`
	UpdatedAt int64                        `json:"updated_at"`
}

// NewChat constructs an empty chat with a fresh id and timestamps.
func NewChat() *Chat {
	now := time.Now().UnixMilli()
	return &Chat{
		ID:        uuid.New().String(),
		Messages:  []Message{},
		Responses: map[string]map[int]*Response{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// UserMessageCount returns the number of user-role messages in the chat.
func (c *Chat) UserMessageCount() int {
	n := 0
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}
