// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides upstream model streaming for the Polychat gateway.
//
// This file contains the incremental SSE stream decoder. The decoder is
// responsible only for converting raw bytes into Delta values; it performs
// no I/O, retry handling, or state management. That separation keeps the
// provider field-extraction chain auditable and independently testable.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// Delta Types
// =============================================================================

// DeltaType identifies one kind of decoded stream fragment.
type DeltaType string

const (
	// DeltaReasoning is an incremental fragment of provider reasoning text.
	DeltaReasoning DeltaType = "reasoning"

	// DeltaContent is an incremental fragment of answer text.
	DeltaContent DeltaType = "content"

	// DeltaDone marks the end of the stream. Emitted at most once.
	DeltaDone DeltaType = "done"

	// DeltaError carries an error payload embedded in the stream body.
	DeltaError DeltaType = "error"
)

// Delta is one structured fragment decoded from a provider stream.
type Delta struct {
	Type DeltaType
	Text string
	Err  string
}

// doneSentinel terminates OpenAI-style SSE streams.
const doneSentinel = "[DONE]"

// =============================================================================
// Stream Decoder
// =============================================================================

// StreamDecoder converts raw byte chunks from one HTTP response body into
// Delta values, tolerant of SSE lines split across chunk boundaries.
//
// SSE Format Reference (https://developer.mozilla.org/en-US/docs/Web/API/Server-sent_events):
//
//	data: {"choices":[{"delta":{"content":"Hello"}}]}\n
//	\n
//	data: [DONE]\n
//
// Lines are buffered until a newline completes them; the trailing partial
// fragment is retained for the next chunk. Blank lines and ":" comment
// lines are delimiters and ignored. Malformed JSON payloads are dropped
// silently, never surfaced as errors: partial fragments are expected from
// real providers.
//
// Thread Safety:
//
//	StreamDecoder is stateful and owned by exactly one reading goroutine.
//	It must not be shared.
type StreamDecoder struct {
	remainder string
	done      bool
}

// NewStreamDecoder creates a decoder for one stream.
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{}
}

// Feed decodes one raw chunk and returns the deltas completed by it.
//
// Returns a nil or empty slice when the chunk completed no event, which
// is normal mid-stream. Feed never fails: malformed lines are skipped.
func (d *StreamDecoder) Feed(chunk []byte) []Delta {
	if d.done {
		return nil
	}

	d.remainder += string(chunk)

	var deltas []Delta
	for {
		idx := strings.IndexByte(d.remainder, '\n')
		if idx < 0 {
			break
		}
		line := d.remainder[:idx]
		d.remainder = d.remainder[idx+1:]

		deltas = append(deltas, d.decodeLine(line)...)
		if d.done {
			break
		}
	}
	return deltas
}

// Close signals stream end. Any buffered complete payload is decoded, and
// a final DeltaDone is emitted if the stream never sent the sentinel.
func (d *StreamDecoder) Close() []Delta {
	if d.done {
		return nil
	}

	var deltas []Delta
	if d.remainder != "" {
		deltas = append(deltas, d.decodeLine(d.remainder)...)
		d.remainder = ""
	}
	if !d.done {
		d.done = true
		deltas = append(deltas, Delta{Type: DeltaDone})
	}
	return deltas
}

// decodeLine decodes one complete SSE line.
func (d *StreamDecoder) decodeLine(line string) []Delta {
	line = strings.TrimSpace(line)

	// Empty lines are event delimiters
	if line == "" {
		return nil
	}

	// Comments start with ":"
	if strings.HasPrefix(line, ":") {
		return nil
	}

	var payload string
	switch {
	case strings.HasPrefix(line, "data: "):
		payload = strings.TrimPrefix(line, "data: ")
	case strings.HasPrefix(line, "data:"):
		// Some servers omit the space after the colon
		payload = strings.TrimPrefix(line, "data:")
	default:
		// Non-data SSE fields (event:, id:, retry:) carry no payload we use
		return nil
	}

	if strings.TrimSpace(payload) == doneSentinel {
		d.done = true
		return []Delta{{Type: DeltaDone}}
	}

	return extractDeltas([]byte(payload))
}

// =============================================================================
// Field Extraction Chain
// =============================================================================

// wirePayload is the union of the payload shapes providers emit.
// Providers nest text differently; see extractDeltas for the fixed
// fallback chain applied over these fields.
type wirePayload struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
	Choices []struct {
		Delta struct {
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
			Thinking         string `json:"thinking"`
			Content          string `json:"content"`
		} `json:"delta"`
		Message struct {
			ReasoningContent string `json:"reasoning_content"`
			Content          string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
	Delta struct {
		Thinking string `json:"thinking"`
		Content  string `json:"content"`
	} `json:"delta"`
	Content string `json:"content"`
	Text    string `json:"text"`
}

// extractDeltas parses one JSON payload and applies the extraction chain.
//
// Reasoning fields are checked before content fields, and within each
// group the first non-empty match wins:
//
//	reasoning: choices[0].delta.reasoning_content, .reasoning, .thinking,
//	           delta.thinking
//	content:   choices[0].delta.content, choices[0].message.content,
//	           choices[0].text, delta.content, content, text
//
// Malformed JSON yields no deltas. An embedded error object yields a
// single DeltaError.
func extractDeltas(payload []byte) []Delta {
	var raw wirePayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		// Truncated or invalid fragment. Skip the line, keep the stream.
		return nil
	}

	if raw.Error != nil && raw.Error.Message != "" {
		return []Delta{{Type: DeltaError, Err: raw.Error.Message}}
	}

	var deltas []Delta

	reasoning := ""
	switch {
	case len(raw.Choices) > 0 && raw.Choices[0].Delta.ReasoningContent != "":
		reasoning = raw.Choices[0].Delta.ReasoningContent
	case len(raw.Choices) > 0 && raw.Choices[0].Delta.Reasoning != "":
		reasoning = raw.Choices[0].Delta.Reasoning
	case len(raw.Choices) > 0 && raw.Choices[0].Delta.Thinking != "":
		reasoning = raw.Choices[0].Delta.Thinking
	case raw.Delta.Thinking != "":
		reasoning = raw.Delta.Thinking
	}
	if reasoning != "" {
		deltas = append(deltas, Delta{Type: DeltaReasoning, Text: reasoning})
	}

	content := ""
	switch {
	case len(raw.Choices) > 0 && raw.Choices[0].Delta.Content != "":
		content = raw.Choices[0].Delta.Content
	case len(raw.Choices) > 0 && raw.Choices[0].Message.Content != "":
		content = raw.Choices[0].Message.Content
	case len(raw.Choices) > 0 && raw.Choices[0].Text != "":
		content = raw.Choices[0].Text
	case raw.Delta.Content != "":
		content = raw.Delta.Content
	case raw.Content != "":
		content = raw.Content
	case raw.Text != "":
		content = raw.Text
	}
	if content != "" {
		deltas = append(deltas, Delta{Type: DeltaContent, Text: content})
	}

	return deltas
}

// ExtractFinalBody extracts answer and reasoning text from a single
// non-streaming JSON response body.
//
// Providers in non-streaming fallback mode return one JSON object with the
// answer under choices[0].message.content or one of the alternate shapes
// covered by the same extraction chain as the streaming path.
func ExtractFinalBody(body []byte) (content, reasoning string, err error) {
	var raw wirePayload
	if jsonErr := json.Unmarshal(body, &raw); jsonErr != nil {
		return "", "", fmt.Errorf("failed to parse response body: %w", jsonErr)
	}
	if raw.Error != nil && raw.Error.Message != "" {
		return "", "", fmt.Errorf("provider error: %s", raw.Error.Message)
	}

	for _, d := range extractDeltas(body) {
		switch d.Type {
		case DeltaReasoning:
			reasoning = d.Text
		case DeltaContent:
			content = d.Text
		}
	}
	return content, reasoning, nil
}
