// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polychat-dev/polychat/services/gateway/conversation"
	"github.com/polychat-dev/polychat/services/gateway/datatypes"
)

func openTestStore(t *testing.T) *SnapshotStore {
	t.Helper()
	snap, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = snap.Close() })
	return snap
}

func TestSnapshotStore_SaveLoadRoundtrip(t *testing.T) {
	snap := openTestStore(t)

	blob := []byte(`{"active":"abc","order":["abc"],"chats":{}}`)
	require.NoError(t, snap.Save(blob))

	got, err := snap.Load()
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	// Overwrite wins; there is only ever one snapshot.
	next := []byte(`{"chats":{}}`)
	require.NoError(t, snap.Save(next))
	got, err = snap.Load()
	require.NoError(t, err)
	assert.Equal(t, next, got)
}

func TestSnapshotStore_LoadMissingKey(t *testing.T) {
	snap := openTestStore(t)

	got, err := snap.Load()
	assert.NoError(t, err, "a fresh installation has no snapshot, which is not an error")
	assert.Nil(t, got)
}

func TestSnapshotStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	snap, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, snap.Save([]byte(`{"chats":{}}`)))
	require.NoError(t, snap.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"chats":{}}`), got)
}

func TestAutosaver_DebouncedWrite(t *testing.T) {
	snap := openTestStore(t)
	store := conversation.NewStore("")
	saver := NewAutosaver(store, snap, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		saver.Run(ctx)
		close(done)
	}()

	chat := store.CreateChat("persisted")
	_, err := store.AppendUserMessage(chat.ID, datatypes.Message{Content: "hello"})
	require.NoError(t, err)

	// A burst of changes collapses into one write after the quiet period.
	deadline := time.Now().Add(3 * time.Second)
	var blob []byte
	for time.Now().Before(deadline) {
		blob, err = snap.Load()
		require.NoError(t, err)
		if blob != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotNil(t, blob, "autosaver never wrote a snapshot")

	restored := conversation.NewStore("")
	require.NoError(t, restored.Restore(blob))
	got, err := restored.Chat(chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Title)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("autosaver did not stop after cancellation")
	}
}

func TestAutosaver_FinalSaveOnShutdown(t *testing.T) {
	snap := openTestStore(t)
	store := conversation.NewStore("")
	// Long debounce so only the shutdown path can write.
	saver := NewAutosaver(store, snap, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		saver.Run(ctx)
		close(done)
	}()

	store.CreateChat("last words")
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	blob, err := snap.Load()
	require.NoError(t, err)
	require.NotNil(t, blob, "dirty state must be flushed on the way out")
}

func TestNewAutosaver_DefaultsDebounce(t *testing.T) {
	snap := openTestStore(t)
	saver := NewAutosaver(conversation.NewStore(""), snap, 0)
	assert.Equal(t, DefaultAutosaveDebounce, saver.debounce)
}
