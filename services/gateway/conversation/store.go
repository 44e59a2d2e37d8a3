// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation owns the chat/message/response state that model
// sessions write and the UI reads.
//
// The store is the only shared mutable state in the gateway. Sessions
// write to disjoint (model, message-index) slots; the store's lock guards
// the surrounding map structure and the merge itself. The whole state is
// plain data, serializable as one JSON blob for snapshot persistence.
package conversation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/polychat-dev/polychat/services/gateway/datatypes"
)

// =============================================================================
// Change Events
// =============================================================================

// ChangeKind identifies what mutated.
type ChangeKind string

const (
	ChangeChatCreated ChangeKind = "chat_created"
	ChangeChatDeleted ChangeKind = "chat_deleted"
	ChangeMessage     ChangeKind = "message"
	ChangeResponse    ChangeKind = "response"
	ChangeTitle       ChangeKind = "title"
)

// Change is one store mutation event delivered to subscribers.
type Change struct {
	Kind     ChangeKind `json:"kind"`
	ChatID   string     `json:"chat_id"`
	ModelID  string     `json:"model_id,omitempty"`
	MsgIndex int        `json:"msg_index,omitempty"`
}

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls further behind than this loses events rather than blocking
// streaming writes.
const subscriberBuffer = 64

// =============================================================================
// Response Patch
// =============================================================================

// ResponsePatch is a partial Response update. Nil fields are left
// untouched by the merge, so frequent streaming updates never discard
// unrelated state in the slot.
type ResponsePatch struct {
	Content      *string
	Thinking     *string
	ThinkingTime *string
	Streaming    *bool
	Stopped      *bool
	Unsupported  *bool
	Error        *string
}

// =============================================================================
// Store
// =============================================================================

// Store holds every chat and the active-chat pointer.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Read methods return copies,
// never references into the store's own state.
type Store struct {
	systemPrompt string

	mu     sync.RWMutex
	chats  map[string]*datatypes.Chat
	order  []string
	active string

	subMu   sync.Mutex
	subs    map[int]subscriber
	nextSub int
}

type subscriber struct {
	chatID string
	ch     chan Change
}

// NewStore creates an empty store. The system prompt leads every
// per-model history built by HistoryForModel.
func NewStore(systemPrompt string) *Store {
	return &Store{
		systemPrompt: systemPrompt,
		chats:        map[string]*datatypes.Chat{},
		subs:         map[int]subscriber{},
	}
}

// =============================================================================
// Chat Lifecycle
// =============================================================================

// CreateChat creates a chat, makes it active, and returns a copy.
func (s *Store) CreateChat(title string) datatypes.Chat {
	chat := datatypes.NewChat()
	chat.Title = title

	s.mu.Lock()
	s.chats[chat.ID] = chat
	s.order = append(s.order, chat.ID)
	s.active = chat.ID
	copied := copyChat(chat)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeChatCreated, ChatID: chat.ID})
	return copied
}

// Chat returns a deep copy of one chat.
func (s *Store) Chat(id string) (datatypes.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[id]
	if !ok {
		return datatypes.Chat{}, fmt.Errorf("chat %q not found", id)
	}
	return copyChat(chat), nil
}

// Chats returns list-view summaries in creation order.
func (s *Store) Chats() []datatypes.ChatSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summaries := make([]datatypes.ChatSummary, 0, len(s.order))
	for _, id := range s.order {
		chat := s.chats[id]
		summaries = append(summaries, datatypes.ChatSummary{
			ID:           chat.ID,
			Title:        chat.Title,
			MessageCount: len(chat.Messages),
			Active:       id == s.active,
			CreatedAt:    chat.CreatedAt,
			UpdatedAt:    chat.UpdatedAt,
		})
	}
	return summaries
}

// ActiveChatID returns the active chat id, or empty when none exists.
func (s *Store) ActiveChatID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActive marks one chat as active.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[id]; !ok {
		return fmt.Errorf("chat %q not found", id)
	}
	s.active = id
	return nil
}

// DeleteChat removes a chat. Deleting the active chat activates the most
// recently updated remaining chat, or clears the view when none remain.
func (s *Store) DeleteChat(id string) error {
	s.mu.Lock()
	if _, ok := s.chats[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("chat %q not found", id)
	}
	delete(s.chats, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.active == id {
		s.active = ""
		var latest int64
		for _, chat := range s.chats {
			if chat.UpdatedAt >= latest {
				latest = chat.UpdatedAt
				s.active = chat.ID
			}
		}
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeChatDeleted, ChatID: id})
	return nil
}

// =============================================================================
// Messages and Responses
// =============================================================================

// AppendUserMessage appends one user message and returns its index.
func (s *Store) AppendUserMessage(chatID string, msg datatypes.Message) (int, error) {
	s.mu.Lock()
	chat, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("chat %q not found", chatID)
	}
	if len(chat.Messages) >= datatypes.MaxMessagesPerChat {
		s.mu.Unlock()
		return 0, fmt.Errorf("chat %q is full (%d messages)", chatID, datatypes.MaxMessagesPerChat)
	}
	msg.Role = datatypes.RoleUser
	chat.Messages = append(chat.Messages, msg)
	idx := len(chat.Messages) - 1
	chat.UpdatedAt = time.Now().UnixMilli()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessage, ChatID: chatID, MsgIndex: idx})
	return idx, nil
}

// Response returns a copy of one response slot.
func (s *Store) Response(chatID, modelID string, msgIndex int) (datatypes.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return datatypes.Response{}, fmt.Errorf("chat %q not found", chatID)
	}
	resp, ok := chat.Responses[modelID][msgIndex]
	if !ok {
		return datatypes.Response{}, fmt.Errorf("no response for model %q at index %d", modelID, msgIndex)
	}
	return *resp, nil
}

// UpdateResponse merges a patch into the (model, message-index) slot,
// creating the slot on first touch. Exactly one Response object exists
// per slot for the life of the chat; retries mutate it in place.
func (s *Store) UpdateResponse(chatID, modelID string, msgIndex int, patch ResponsePatch) error {
	s.mu.Lock()
	chat, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("chat %q not found", chatID)
	}
	if msgIndex < 0 || msgIndex >= len(chat.Messages) {
		s.mu.Unlock()
		return fmt.Errorf("message index %d out of range for chat %q", msgIndex, chatID)
	}

	if chat.Responses[modelID] == nil {
		chat.Responses[modelID] = map[int]*datatypes.Response{}
	}
	resp, ok := chat.Responses[modelID][msgIndex]
	if !ok {
		resp = &datatypes.Response{}
		chat.Responses[modelID][msgIndex] = resp
	}

	if patch.Content != nil {
		resp.Content = *patch.Content
	}
	if patch.Thinking != nil {
		resp.Thinking = *patch.Thinking
	}
	if patch.ThinkingTime != nil {
		resp.ThinkingTime = *patch.ThinkingTime
	}
	if patch.Streaming != nil {
		resp.Streaming = *patch.Streaming
	}
	if patch.Stopped != nil {
		resp.Stopped = *patch.Stopped
	}
	if patch.Unsupported != nil {
		resp.Unsupported = *patch.Unsupported
	}
	if patch.Error != nil {
		resp.Error = *patch.Error
	}
	chat.UpdatedAt = time.Now().UnixMilli()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeResponse, ChatID: chatID, ModelID: modelID, MsgIndex: msgIndex})
	return nil
}

// SetTitle sets the chat title.
func (s *Store) SetTitle(chatID, title string) error {
	s.mu.Lock()
	chat, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("chat %q not found", chatID)
	}
	chat.Title = title
	chat.UpdatedAt = time.Now().UnixMilli()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeTitle, ChatID: chatID})
	return nil
}

// =============================================================================
// Per-model History
// =============================================================================

// HistoryForModel builds the message list sent to one model: the system
// prompt, then each prior user message followed by that model's own
// completed answer, if any. A model only ever sees its own answers; other
// models' responses never leak into its history. This is what keeps the
// fan-out genuinely independent per model instead of a shared thread.
func (s *Store) HistoryForModel(chatID, modelID string) ([]datatypes.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("chat %q not found", chatID)
	}

	history := make([]datatypes.Message, 0, 2*len(chat.Messages)+1)
	if s.systemPrompt != "" {
		history = append(history, datatypes.Message{
			Role:    datatypes.RoleSystem,
			Content: s.systemPrompt,
		})
	}

	for i, msg := range chat.Messages {
		if msg.Role != datatypes.RoleUser {
			continue
		}
		history = append(history, msg)
		resp, ok := chat.Responses[modelID][i]
		if !ok || resp.Streaming || resp.Content == "" {
			continue
		}
		history = append(history, datatypes.Message{
			Role:    datatypes.RoleAssistant,
			Content: resp.Content,
		})
	}
	return history, nil
}

// =============================================================================
// Snapshot Persistence
// =============================================================================

// storeState is the serialized shape of the whole store.
type storeState struct {
	Active string                     `json:"active,omitempty"`
	Order  []string                   `json:"order"`
	Chats  map[string]*datatypes.Chat `json:"chats"`
}

// Snapshot serializes the full store state as one JSON blob.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := json.Marshal(storeState{
		Active: s.active,
		Order:  s.order,
		Chats:  s.chats,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot store: %w", err)
	}
	return data, nil
}

// Restore replaces the store state from a snapshot blob. In-progress
// streaming flags are cleared: a restored process has no live sessions.
func (s *Store) Restore(data []byte) error {
	var state storeState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to restore store: %w", err)
	}
	if state.Chats == nil {
		state.Chats = map[string]*datatypes.Chat{}
	}
	for _, chat := range state.Chats {
		if chat.Responses == nil {
			chat.Responses = map[string]map[int]*datatypes.Response{}
		}
		for _, byIndex := range chat.Responses {
			for _, resp := range byIndex {
				resp.Streaming = false
			}
		}
	}

	s.mu.Lock()
	s.chats = state.Chats
	s.order = state.Order
	s.active = state.Active
	if _, ok := s.chats[s.active]; !ok {
		s.active = ""
	}
	s.mu.Unlock()
	return nil
}

// =============================================================================
// Subscriptions
// =============================================================================

// Subscribe registers for change events. An empty chatID subscribes to
// every chat. The returned cancel function must be called to release the
// subscription. Slow subscribers lose events instead of blocking writers.
func (s *Store) Subscribe(chatID string) (<-chan Change, func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Change, subscriberBuffer)
	s.subs[id] = subscriber{chatID: chatID, ch: ch}
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify(change Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		if sub.chatID != "" && sub.chatID != change.ChatID {
			continue
		}
		select {
		case sub.ch <- change:
		default:
		}
	}
}

// =============================================================================
// Copy Helpers
// =============================================================================

func copyChat(c *datatypes.Chat) datatypes.Chat {
	copied := *c
	copied.Messages = make([]datatypes.Message, len(c.Messages))
	copy(copied.Messages, c.Messages)
	copied.Responses = make(map[string]map[int]*datatypes.Response, len(c.Responses))
	for model, byIndex := range c.Responses {
		copied.Responses[model] = make(map[int]*datatypes.Response, len(byIndex))
		for idx, resp := range byIndex {
			r := *resp
			copied.Responses[model][idx] = &r
		}
	}
	return copied
}
