// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides upstream model streaming for the Polychat gateway.
//
// This file contains the per-provider adapter. One Session implementation
// drives every provider; the adapter captures the small set of things that
// actually differ between them (endpoint, auth shape, inline think tags).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/polychat-dev/polychat/services/gateway/datatypes"
)

// =============================================================================
// Model Descriptor
// =============================================================================

// ModelConfig is the static descriptor of one selectable model.
type ModelConfig struct {
	// ID is the primary model id sent upstream.
	ID string `json:"id" yaml:"id"`

	// Fallback is an alternate model id substituted after the primary
	// repeatedly fails. Empty means no fallback tier.
	Fallback string `json:"fallback,omitempty" yaml:"fallback"`

	// DisplayName is the UI label.
	DisplayName string `json:"display_name" yaml:"display_name"`

	// Provider is the adapter key this model streams through.
	Provider string `json:"provider" yaml:"provider"`

	SupportsVision   bool `json:"supports_vision" yaml:"supports_vision"`
	SupportsThinking bool `json:"supports_thinking" yaml:"supports_thinking"`
}

// =============================================================================
// Provider Adapter
// =============================================================================

// Adapter captures the provider-specific shape of a chat-completions call.
//
// # Description
//
// Every provider speaks a POST chat-completions dialect with JSON body
// {model, messages, stream}. Adapters differ only in endpoint URL, auth
// requirements, extra headers, and whether reasoning arrives inline as
// <think> tags in content instead of a separate field.
//
// # Thread Safety
//
// Adapter is an immutable value after construction and safe to share.
type Adapter struct {
	// Name is the adapter key, also used to look up credentials.
	Name string `json:"name" yaml:"name"`

	// Endpoint is the chat-completions URL.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// RequiresAuth enables the Authorization: Bearer header.
	RequiresAuth bool `json:"requires_auth" yaml:"requires_auth"`

	// Headers are extra static request headers (API version pins and
	// similar provider quirks).
	Headers map[string]string `json:"headers,omitempty" yaml:"headers"`

	// InlineThinkTags marks providers that wrap reasoning in literal
	// <think>...</think> markers inside content deltas.
	InlineThinkTags bool `json:"inline_think_tags" yaml:"inline_think_tags"`
}

// chatRequest is the upstream request body.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// wireMessage holds either a plain string content or multimodal parts.
type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imageURLPart `json:"image_url,omitempty"`
}

type imageURLPart struct {
	URL string `json:"url"`
}

// NewRequest builds the HTTP request for one attempt against modelID.
//
// Messages with attachments are encoded as multimodal content parts with
// base64 data URLs; text-only messages stay plain strings.
func (a Adapter) NewRequest(ctx context.Context, modelID string, messages []datatypes.Message, token string, stream bool) (*http.Request, error) {
	body := chatRequest{
		Model:    modelID,
		Messages: make([]wireMessage, 0, len(messages)),
		Stream:   stream,
	}
	for _, m := range messages {
		body.Messages = append(body.Messages, encodeMessage(m))
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}
	if a.RequiresAuth && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req, nil
}

// encodeMessage converts one history message to its wire form.
func encodeMessage(m datatypes.Message) wireMessage {
	if len(m.Images) == 0 {
		return wireMessage{Role: m.Role, Content: m.Content}
	}

	parts := []contentPart{{Type: "text", Text: m.Content}}
	for _, img := range m.Images {
		parts = append(parts, contentPart{
			Type: "image_url",
			ImageURL: &imageURLPart{
				URL: fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
			},
		})
	}
	return wireMessage{Role: m.Role, Content: parts}
}
