// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package client is a Go client for the Polychat gateway API.
//
// The client wraps the chat CRUD endpoints and the streaming send
// endpoint. Streaming responses are delivered through a callback per SSE
// event, and the collected event sequence can be checked for tampering
// with the chain verifier in this package.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/polychat-dev/polychat/services/gateway/datatypes"
)

// =============================================================================
// Client
// =============================================================================

// EventCallback receives each parsed stream event. Returning an error
// stops the stream.
type EventCallback func(event datatypes.StreamEvent) error

// Config controls client construction.
type Config struct {
	// BaseURL is the gateway root, e.g. "http://localhost:8090".
	BaseURL string

	// Token, when non-empty, is sent as a bearer token on every request.
	Token string

	// HTTPClient overrides the default client. The default has no
	// timeout: streaming requests are bounded by context, not a fixed
	// deadline.
	HTTPClient *http.Client
}

// Client talks to one Polychat gateway.
//
// # Thread Safety
//
// Safe for concurrent use. Each Send call reads its own response stream.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a gateway client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    httpClient,
	}
}

// =============================================================================
// Chat CRUD
// =============================================================================

// CreateChat creates a new chat and returns it.
func (c *Client) CreateChat(ctx context.Context, title string) (datatypes.Chat, error) {
	var body io.Reader
	if title != "" {
		data, err := json.Marshal(datatypes.CreateChatRequest{Title: title})
		if err != nil {
			return datatypes.Chat{}, err
		}
		body = bytes.NewReader(data)
	}

	var chat datatypes.Chat
	if err := c.doJSON(ctx, http.MethodPost, "/v1/chats", body, http.StatusCreated, &chat); err != nil {
		return datatypes.Chat{}, err
	}
	return chat, nil
}

// ListChats returns summaries for every chat.
func (c *Client) ListChats(ctx context.Context) ([]datatypes.ChatSummary, error) {
	var out struct {
		Chats []datatypes.ChatSummary `json:"chats"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/chats", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

// GetChat fetches one chat with its full message and response state.
func (c *Client) GetChat(ctx context.Context, chatID string) (datatypes.Chat, error) {
	var chat datatypes.Chat
	if err := c.doJSON(ctx, http.MethodGet, "/v1/chats/"+chatID, nil, http.StatusOK, &chat); err != nil {
		return datatypes.Chat{}, err
	}
	return chat, nil
}

// ListModels returns the models the gateway can stream from.
func (c *Client) ListModels(ctx context.Context) ([]datatypes.ModelInfo, error) {
	var out struct {
		Models []datatypes.ModelInfo `json:"models"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/models", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// Stop signals the chat's in-flight generation to stop. Returns whether
// anything was actually running.
func (c *Client) Stop(ctx context.Context, chatID string) (bool, error) {
	var out struct {
		Stopped bool `json:"stopped"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/chats/"+chatID+"/stop", nil, http.StatusOK, &out); err != nil {
		return false, err
	}
	return out.Stopped, nil
}

// =============================================================================
// Streaming Send
// =============================================================================

// Send posts one message to the chat and streams the response events.
//
// # Description
//
// The callback is invoked once per SSE event in arrival order. The stream
// is complete when a done or error event arrives, the server closes the
// connection, or ctx is cancelled. The returned slice holds every event
// received, in order, for chain verification.
//
// # Inputs
//
//   - ctx: Cancels the stream when done.
//   - chatID: Target chat. Must exist on the gateway.
//   - req: Message content and model set.
//   - callback: Per-event hook. May be nil when only the collected
//     events are wanted.
func (c *Client) Send(ctx context.Context, chatID string, req datatypes.SendMessageRequest, callback EventCallback) ([]datatypes.StreamEvent, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chats/"+chatID+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.setAuth(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(resp)
	}

	return readEventStream(ctx, resp.Body, callback)
}

// readEventStream parses SSE events off the wire until a terminal event
// or EOF. Comment lines (keepalives) are skipped.
func readEventStream(ctx context.Context, r io.Reader, callback EventCallback) ([]datatypes.StreamEvent, error) {
	var events []datatypes.StreamEvent

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLine string
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return events, ctx.Err()
		default:
		}

		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
		case line == "" && dataLine != "":
			var event datatypes.StreamEvent
			if err := json.Unmarshal([]byte(dataLine), &event); err != nil {
				return events, fmt.Errorf("malformed stream event: %w", err)
			}
			dataLine = ""

			events = append(events, event)
			if callback != nil {
				if err := callback(event); err != nil {
					return events, err
				}
			}
			if event.Type == datatypes.EventTypeDone || event.Type == datatypes.EventTypeError {
				return events, nil
			}
		default:
			// event: lines carry the same type as the payload; comments
			// and unknown lines are ignored.
		}
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("read stream: %w", err)
	}
	return events, nil
}

// =============================================================================
// Internals
// =============================================================================

func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, wantStatus int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.errorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// errorFromResponse turns a non-success response into an error carrying
// the gateway's error message when one is present.
func (c *Client) errorFromResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body datatypes.ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("gateway returned %d", resp.StatusCode)
}

// WaitSettled polls the chat until no response slot is still streaming,
// for callers that stopped a generation and want the final state.
func (c *Client) WaitSettled(ctx context.Context, chatID string, interval time.Duration) (datatypes.Chat, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		chat, err := c.GetChat(ctx, chatID)
		if err != nil {
			return datatypes.Chat{}, err
		}
		settled := true
		for _, byIndex := range chat.Responses {
			for _, resp := range byIndex {
				if resp.Streaming {
					settled = false
				}
			}
		}
		if settled {
			return chat, nil
		}

		select {
		case <-ctx.Done():
			return chat, ctx.Err()
		case <-ticker.C:
		}
	}
}
