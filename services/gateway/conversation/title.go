// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation owns the chat/message/response state.
//
// This file contains the title derivation rule. The actual summarization
// call lives in services/llm; this rule only decides whether and from
// which message a title should be derived.
package conversation

import (
	"strings"
	"unicode"

	"github.com/polychat-dev/polychat/services/gateway/datatypes"
)

// SentinelTitle is the placeholder title for chats whose opener was a
// bare greeting. Real derivation is deferred until a second user message
// exists.
const SentinelTitle = "New Conversation"

// greetingVocabulary is the fixed set of conversational openers that do
// not make useful titles. Matched case-insensitively after punctuation is
// stripped.
var greetingVocabulary = map[string]struct{}{
	"hi":             {},
	"hello":          {},
	"hey":            {},
	"hey there":      {},
	"hi there":       {},
	"hiya":           {},
	"yo":             {},
	"sup":            {},
	"whats up":       {},
	"howdy":          {},
	"hola":           {},
	"greetings":      {},
	"good morning":   {},
	"good afternoon": {},
	"good evening":   {},
	"how are you":    {},
	"hows it going":  {},
}

// IsGreeting reports whether the message is a bare conversational
// greeting: lower-cased, punctuation stripped, whitespace collapsed, then
// matched against the fixed vocabulary.
func IsGreeting(message string) bool {
	normalized := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, message)
	normalized = strings.Join(strings.Fields(normalized), " ")

	_, ok := greetingVocabulary[normalized]
	return ok
}

// TitleSource decides what to do about a chat's title after a send
// settles.
//
// Returns:
//   - source: the user message text to summarize, when needed is true and
//     setSentinel is false
//   - setSentinel: the chat should get SentinelTitle (greeting opener,
//     no second message yet)
//   - needed: any title action is required at all
func TitleSource(chat datatypes.Chat) (source string, setSentinel bool, needed bool) {
	switch chat.Title {
	case "":
		first, ok := nthUserMessage(chat, 0)
		if !ok {
			return "", false, false
		}
		if IsGreeting(first.Content) {
			if _, hasSecond := nthUserMessage(chat, 1); hasSecond {
				second, _ := nthUserMessage(chat, 1)
				return second.Content, false, true
			}
			return "", true, true
		}
		return first.Content, false, true

	case SentinelTitle:
		second, ok := nthUserMessage(chat, 1)
		if !ok {
			return "", false, false
		}
		return second.Content, false, true

	default:
		return "", false, false
	}
}

// nthUserMessage returns the n-th user-role message (0-based).
func nthUserMessage(chat datatypes.Chat, n int) (datatypes.Message, bool) {
	seen := 0
	for _, m := range chat.Messages {
		if m.Role != datatypes.RoleUser {
			continue
		}
		if seen == n {
			return m, true
		}
		seen++
	}
	return datatypes.Message{}, false
}
