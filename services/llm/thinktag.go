// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides upstream model streaming for the Polychat gateway.
//
// This file reconstructs the reasoning/answer split for providers that
// inline reasoning as literal <think>...</think> markers in plain content
// deltas instead of emitting a separate reasoning field.
package llm

import (
	"strings"
	"time"
)

const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

// tagState tracks progress through the inline think-tag markers.
type tagState int

const (
	tagStateNone tagState = iota
	tagStateInside
	tagStateAfter
)

// Split is the {thinking, content} pair produced on each update.
//
// The shape is identical whether reasoning arrived via native fields or
// inline tags, so downstream consumers never need to know which path
// produced it.
type Split struct {
	Thinking string
	Content  string
}

// ThinkTagExtractor accumulates raw content-delta text for one session and
// splits it into thinking and answer segments.
//
// # Description
//
// Three states: no tag seen, inside think (opening tag seen, closing not
// yet), after think (closing tag seen). While inside, everything after the
// opening tag is thinking and the answer is empty, re-evaluated as text
// arrives. The transition to after-think fires exactly once, the instant
// the closing tag appears anywhere in the accumulated text; its timestamp
// is recorded then and never recomputed. If no opening tag ever appears,
// the entire text is plain answer.
//
// # Thread Safety
//
// Owned by one session goroutine. Not safe for concurrent use.
type ThinkTagExtractor struct {
	raw      strings.Builder
	state    tagState
	closedAt time.Time

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewThinkTagExtractor creates an extractor in the no-tag-seen state.
func NewThinkTagExtractor() *ThinkTagExtractor {
	return &ThinkTagExtractor{now: time.Now}
}

// Feed appends one content fragment and returns the current split.
func (e *ThinkTagExtractor) Feed(text string) Split {
	e.raw.WriteString(text)
	return e.Current()
}

// Current returns the split for the text accumulated so far, advancing the
// tag state if new markers have appeared.
func (e *ThinkTagExtractor) Current() Split {
	raw := e.raw.String()

	if e.state == tagStateNone {
		if strings.Contains(raw, thinkOpenTag) {
			e.state = tagStateInside
		}
	}

	if e.state == tagStateInside {
		open := strings.Index(raw, thinkOpenTag) + len(thinkOpenTag)
		if strings.Contains(raw[open:], thinkCloseTag) {
			// One-shot transition. The timestamp is frozen here.
			e.state = tagStateAfter
			e.closedAt = e.now()
		} else {
			return Split{Thinking: raw[open:]}
		}
	}

	if e.state == tagStateAfter {
		open := strings.Index(raw, thinkOpenTag) + len(thinkOpenTag)
		closing := open + strings.Index(raw[open:], thinkCloseTag)
		return Split{
			Thinking: strings.TrimSpace(raw[open:closing]),
			Content:  strings.TrimSpace(raw[closing+len(thinkCloseTag):]),
		}
	}

	return Split{Content: raw}
}

// ClosedAt returns the recorded transition time and whether the closing
// tag has been seen. The time never changes after the transition.
func (e *ThinkTagExtractor) ClosedAt() (time.Time, bool) {
	return e.closedAt, e.state == tagStateAfter
}
