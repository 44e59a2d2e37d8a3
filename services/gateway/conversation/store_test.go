// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polychat-dev/polychat/services/gateway/datatypes"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestStore_CreateAndActivate(t *testing.T) {
	store := NewStore("")

	first := store.CreateChat("")
	second := store.CreateChat("")
	assert.Equal(t, second.ID, store.ActiveChatID(), "newest chat should be active")

	require.NoError(t, store.SetActive(first.ID))
	assert.Equal(t, first.ID, store.ActiveChatID())

	err := store.SetActive("nope")
	assert.Error(t, err)
	assert.Equal(t, first.ID, store.ActiveChatID(), "failed activation should not change the pointer")
}

func TestStore_ChatReturnsCopy(t *testing.T) {
	store := NewStore("")
	chat := store.CreateChat("original")
	_, err := store.AppendUserMessage(chat.ID, datatypes.Message{Content: "hello world"})
	require.NoError(t, err)

	copied, err := store.Chat(chat.ID)
	require.NoError(t, err)
	copied.Title = "mutated"
	copied.Messages[0].Content = "mutated"

	fresh, err := store.Chat(chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", fresh.Title)
	assert.Equal(t, "hello world", fresh.Messages[0].Content)
}

func TestStore_ChatNotFound(t *testing.T) {
	store := NewStore("")
	_, err := store.Chat("missing")
	assert.Error(t, err)
}

func TestStore_Summaries(t *testing.T) {
	store := NewStore("")
	a := store.CreateChat("alpha")
	b := store.CreateChat("beta")
	_, err := store.AppendUserMessage(a.ID, datatypes.Message{Content: "one"})
	require.NoError(t, err)

	summaries := store.Chats()
	require.Len(t, summaries, 2)
	assert.Equal(t, a.ID, summaries[0].ID, "summaries should preserve creation order")
	assert.Equal(t, 1, summaries[0].MessageCount)
	assert.False(t, summaries[0].Active)
	assert.Equal(t, b.ID, summaries[1].ID)
	assert.True(t, summaries[1].Active)
}

func TestStore_AppendUserMessage(t *testing.T) {
	store := NewStore("")
	chat := store.CreateChat("")

	idx, err := store.AppendUserMessage(chat.ID, datatypes.Message{
		Role:    datatypes.RoleAssistant,
		Content: "first",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	idx, err = store.AppendUserMessage(chat.ID, datatypes.Message{Content: "second"})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	got, err := store.Chat(chat.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.RoleUser, got.Messages[0].Role, "role is always forced to user")

	_, err = store.AppendUserMessage("missing", datatypes.Message{Content: "x"})
	assert.Error(t, err)
}

func TestStore_AppendUserMessageCap(t *testing.T) {
	store := NewStore("")
	chat := store.CreateChat("")
	for i := 0; i < datatypes.MaxMessagesPerChat; i++ {
		_, err := store.AppendUserMessage(chat.ID, datatypes.Message{Content: "m"})
		require.NoError(t, err)
	}
	_, err := store.AppendUserMessage(chat.ID, datatypes.Message{Content: "overflow"})
	assert.Error(t, err)
}

func TestStore_UpdateResponseMergesPatch(t *testing.T) {
	store := NewStore("")
	chat := store.CreateChat("")
	idx, err := store.AppendUserMessage(chat.ID, datatypes.Message{Content: "question"})
	require.NoError(t, err)

	require.NoError(t, store.UpdateResponse(chat.ID, "llama3:8b", idx, ResponsePatch{
		Content:   strPtr("partial answ"),
		Streaming: boolPtr(true),
	}))
	require.NoError(t, store.UpdateResponse(chat.ID, "llama3:8b", idx, ResponsePatch{
		Thinking: strPtr("considering the options"),
	}))

	resp, err := store.Response(chat.ID, "llama3:8b", idx)
	require.NoError(t, err)
	assert.Equal(t, "partial answ", resp.Content, "nil patch fields must not discard prior state")
	assert.Equal(t, "considering the options", resp.Thinking)
	assert.True(t, resp.Streaming)

	require.NoError(t, store.UpdateResponse(chat.ID, "llama3:8b", idx, ResponsePatch{
		Content:   strPtr("partial answer, finished"),
		Streaming: boolPtr(false),
	}))
	resp, err = store.Response(chat.ID, "llama3:8b", idx)
	require.NoError(t, err)
	assert.Equal(t, "partial answer, finished", resp.Content)
	assert.False(t, resp.Streaming)
	assert.Equal(t, "considering the options", resp.Thinking)
}

func TestStore_UpdateResponseBounds(t *testing.T) {
	store := NewStore("")
	chat := store.CreateChat("")

	err := store.UpdateResponse(chat.ID, "m", 0, ResponsePatch{Content: strPtr("x")})
	assert.Error(t, err, "no message at index 0 yet")

	_, err = store.AppendUserMessage(chat.ID, datatypes.Message{Content: "q"})
	require.NoError(t, err)

	assert.Error(t, store.UpdateResponse(chat.ID, "m", -1, ResponsePatch{}))
	assert.Error(t, store.UpdateResponse(chat.ID, "m", 5, ResponsePatch{}))
	assert.Error(t, store.UpdateResponse("missing", "m", 0, ResponsePatch{}))
}

func TestStore_ResponseNotFound(t *testing.T) {
	store := NewStore("")
	chat := store.CreateChat("")
	_, err := store.AppendUserMessage(chat.ID, datatypes.Message{Content: "q"})
	require.NoError(t, err)

	_, err = store.Response(chat.ID, "never-asked", 0)
	assert.Error(t, err)
}

func TestStore_HistoryForModelIsolation(t *testing.T) {
	store := NewStore("Answer briefly.")
	chat := store.CreateChat("")

	idx0, err := store.AppendUserMessage(chat.ID, datatypes.Message{Content: "first question"})
	require.NoError(t, err)
	require.NoError(t, store.UpdateResponse(chat.ID, "alpha", idx0, ResponsePatch{
		Content:   strPtr("alpha answer"),
		Streaming: boolPtr(false),
	}))
	require.NoError(t, store.UpdateResponse(chat.ID, "beta", idx0, ResponsePatch{
		Content:   strPtr("beta partial"),
		Streaming: boolPtr(true),
	}))

	_, err = store.AppendUserMessage(chat.ID, datatypes.Message{Content: "second question"})
	require.NoError(t, err)

	history, err := store.HistoryForModel(chat.ID, "alpha")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, datatypes.RoleSystem, history[0].Role)
	assert.Equal(t, "Answer briefly.", history[0].Content)
	assert.Equal(t, "first question", history[1].Content)
	assert.Equal(t, datatypes.RoleAssistant, history[2].Role)
	assert.Equal(t, "alpha answer", history[2].Content)
	assert.Equal(t, "second question", history[3].Content)

	// Beta's own answer is still streaming, so its history carries the
	// user messages only. Alpha's answer never appears.
	history, err = store.HistoryForModel(chat.ID, "beta")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for _, m := range history {
		assert.NotEqual(t, "alpha answer", m.Content)
	}
}

func TestStore_HistoryWithoutSystemPrompt(t *testing.T) {
	store := NewStore("")
	chat := store.CreateChat("")
	_, err := store.AppendUserMessage(chat.ID, datatypes.Message{Content: "q"})
	require.NoError(t, err)

	history, err := store.HistoryForModel(chat.ID, "m")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, datatypes.RoleUser, history[0].Role)
}

func TestStore_DeleteChat(t *testing.T) {
	store := NewStore("")
	a := store.CreateChat("a")
	b := store.CreateChat("b")
	c := store.CreateChat("c")

	// Bump b so it is the most recently updated of the survivors.
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.SetTitle(b.ID, "bumped"))

	require.NoError(t, store.DeleteChat(c.ID))
	assert.Equal(t, b.ID, store.ActiveChatID(), "deleting the active chat promotes the most recently updated survivor")

	require.NoError(t, store.DeleteChat(a.ID))
	assert.Equal(t, b.ID, store.ActiveChatID(), "deleting an inactive chat leaves the pointer alone")

	require.NoError(t, store.DeleteChat(b.ID))
	assert.Equal(t, "", store.ActiveChatID())
	assert.Empty(t, store.Chats())

	assert.Error(t, store.DeleteChat(b.ID))
}

func TestStore_SnapshotRestore(t *testing.T) {
	store := NewStore("")
	chat := store.CreateChat("restored title")
	idx, err := store.AppendUserMessage(chat.ID, datatypes.Message{Content: "question"})
	require.NoError(t, err)
	require.NoError(t, store.UpdateResponse(chat.ID, "llama3:8b", idx, ResponsePatch{
		Content:   strPtr("mid-stream text"),
		Streaming: boolPtr(true),
	}))

	blob, err := store.Snapshot()
	require.NoError(t, err)

	fresh := NewStore("")
	require.NoError(t, fresh.Restore(blob))

	assert.Equal(t, chat.ID, fresh.ActiveChatID())
	got, err := fresh.Chat(chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "restored title", got.Title)
	require.Len(t, got.Messages, 1)

	resp, err := fresh.Response(chat.ID, "llama3:8b", idx)
	require.NoError(t, err)
	assert.Equal(t, "mid-stream text", resp.Content, "partial text survives a restart")
	assert.False(t, resp.Streaming, "a restored process has no live sessions")
}

func TestStore_RestoreRejectsGarbage(t *testing.T) {
	store := NewStore("")
	assert.Error(t, store.Restore([]byte("not json")))
}

func TestStore_RestoreEmptyState(t *testing.T) {
	store := NewStore("")
	require.NoError(t, store.Restore([]byte(`{}`)))
	assert.Empty(t, store.Chats())
	assert.Equal(t, "", store.ActiveChatID())
}

func TestStore_Subscribe(t *testing.T) {
	store := NewStore("")
	all, cancelAll := store.Subscribe("")
	defer cancelAll()

	chat := store.CreateChat("")
	change := waitChange(t, all)
	assert.Equal(t, ChangeChatCreated, change.Kind)
	assert.Equal(t, chat.ID, change.ChatID)

	other := store.CreateChat("")
	waitChange(t, all)

	scoped, cancelScoped := store.Subscribe(chat.ID)

	idx, err := store.AppendUserMessage(other.ID, datatypes.Message{Content: "elsewhere"})
	require.NoError(t, err)
	_, err = store.AppendUserMessage(chat.ID, datatypes.Message{Content: "here"})
	require.NoError(t, err)

	change = waitChange(t, scoped)
	assert.Equal(t, ChangeMessage, change.Kind)
	assert.Equal(t, chat.ID, change.ChatID, "scoped subscriber must not see other chats")

	require.NoError(t, store.UpdateResponse(other.ID, "m", idx, ResponsePatch{Content: strPtr("x")}))
	select {
	case c, ok := <-scoped:
		if ok {
			t.Fatalf("scoped subscriber received change for chat %s", c.ChatID)
		}
	case <-time.After(50 * time.Millisecond):
	}

	cancelScoped()
	_, ok := <-scoped
	assert.False(t, ok, "cancel closes the channel")
	cancelScoped()
}

func waitChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
		return Change{}
	}
}
