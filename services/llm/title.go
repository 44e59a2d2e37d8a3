// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides upstream model streaming for the Polychat gateway.
//
// This file contains the one-shot chat title summarizer. Title generation
// is auxiliary and non-streamed: fire-and-forget relative to the fan-out,
// with plain truncation as the fallback when the call fails.
package llm

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultTitleChars is the character budget for derived chat titles.
const DefaultTitleChars = 48

// titleSystemPrompt instructs the summarization model.
const titleSystemPrompt = "Summarize the user's message into a chat title of at most six words. " +
	"Reply with the title only: no quotes, no trailing punctuation."

// TitlerConfig configures the title summarizer.
type TitlerConfig struct {
	// BaseURL is the OpenAI-compatible API base, e.g. "https://api.example.com/v1".
	BaseURL string

	// Token is the bearer token, possibly empty for local backends.
	Token string

	// Model is the model id used for summarization.
	Model string

	// MaxChars is the title character budget. Zero means DefaultTitleChars.
	MaxChars int
}

// Titler derives short chat titles from first user messages.
type Titler struct {
	client   *openai.Client
	model    string
	maxChars int
}

// NewTitler creates a title summarizer against an OpenAI-compatible API.
func NewTitler(cfg TitlerConfig) *Titler {
	clientCfg := openai.DefaultConfig(cfg.Token)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultTitleChars
	}
	return &Titler{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    cfg.Model,
		maxChars: maxChars,
	}
}

// Title summarizes one user message into a short title.
//
// On any upstream failure the caller should fall back to FallbackTitle;
// this method never invents a title locally.
func (t *Titler) Title(ctx context.Context, message string) (string, error) {
	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     t.model,
		MaxTokens: 24,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: titleSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: message},
		},
	})
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("title generation returned no choices")
	}

	title := cleanTitle(resp.Choices[0].Message.Content)
	if title == "" {
		return "", fmt.Errorf("title generation returned empty title")
	}
	return clipTitle(title, t.maxChars), nil
}

// MaxChars returns the configured character budget.
func (t *Titler) MaxChars() int {
	return t.maxChars
}

// FallbackTitle derives a title by truncating the message itself.
func FallbackTitle(message string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultTitleChars
	}
	title := cleanTitle(message)
	if title == "" {
		return "Untitled chat"
	}
	return clipTitle(title, maxChars)
}

// cleanTitle collapses whitespace and strips wrapping quotes and trailing
// sentence punctuation that summarization models tend to add.
func cleanTitle(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, `"'`)
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return r == '.' || r == '!' || r == ':'
	})
	return strings.TrimSpace(s)
}

// clipTitle truncates to the character budget on a rune boundary.
func clipTitle(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	clipped := strings.TrimRightFunc(string(runes[:maxChars]), unicode.IsSpace)
	return clipped + "..."
}
