// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the gateway service.
//
// This file contains request and response types for the HTTP surface.
// The conversation model lives in chat.go.
package datatypes

import (
	"fmt"
	"time"
)

// =============================================================================
// Send Message Request
// =============================================================================

// SendMessageRequest is the body of POST /v1/chats/:id/messages.
//
// # Description
//
// Carries one user message plus the set of model ids to fan out to.
// The response to this request is an SSE stream of per-model updates,
// not a JSON body.
//
// # Validation
//
// Uses go-playground/validator:
//   - Content: required, max 32768 bytes (maxbytes)
//   - Models: required, 1-12 ids
//   - Images: each attachment requires mime type and data
//
// # Examples
//
//	req := SendMessageRequest{
//	    Content: "Explain recursion",
//	    Models:  []string{"gpt-x", "claude-y"},
//	}
type SendMessageRequest struct {
	Content string       `json:"content" validate:"required,maxbytes"`
	Models  []string     `json:"models" validate:"required,min=1,max=12"`
	Images  []Attachment `json:"images,omitempty" validate:"omitempty,dive"`
}

// Validate checks the request against its validation tags plus the
// attachment size bound, which the tag grammar cannot express.
func (r *SendMessageRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid send request: %w", err)
	}
	for i, img := range r.Images {
		if len(img.Data) > MaxAttachmentBytes {
			return fmt.Errorf("attachment %d exceeds %d bytes", i, MaxAttachmentBytes)
		}
	}
	return nil
}

// UserMessage converts the request into the Message appended to the chat.
func (r *SendMessageRequest) UserMessage() Message {
	return Message{
		Role:    RoleUser,
		Content: r.Content,
		Images:  r.Images,
	}
}

// =============================================================================
// Chat CRUD Types
// =============================================================================

// CreateChatRequest is the body of POST /v1/chats. All fields optional.
type CreateChatRequest struct {
	Title string `json:"title,omitempty" validate:"omitempty,maxbytes"`
}

// Validate checks the request against its validation tags.
func (r *CreateChatRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid create request: %w", err)
	}
	return nil
}

// ChatSummary is the list-view projection of a chat.
type ChatSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title,omitempty"`
	MessageCount int    `json:"message_count"`
	Active       bool   `json:"active"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// ErrorResponse is the uniform JSON error body for non-streaming endpoints.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewErrorResponse builds an ErrorResponse stamped with the current time.
func NewErrorResponse(msg string) ErrorResponse {
	return ErrorResponse{
		Error:     msg,
		Timestamp: time.Now().UnixMilli(),
	}
}

// =============================================================================
// Model Listing Types
// =============================================================================

// ModelInfo is the public projection of one registry entry.
type ModelInfo struct {
	ID               string `json:"id"`
	DisplayName      string `json:"display_name"`
	Provider         string `json:"provider"`
	Fallback         string `json:"fallback,omitempty"`
	SupportsVision   bool   `json:"supports_vision"`
	SupportsThinking bool   `json:"supports_thinking"`
}
