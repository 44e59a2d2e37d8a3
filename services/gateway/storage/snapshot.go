// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage persists the conversation state locally.
//
// The whole store state is one JSON blob under a fixed key in an embedded
// Badger database. The conversation store knows nothing about this layer;
// it only promises that its state is serializable.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/polychat-dev/polychat/services/gateway/conversation"
)

// snapshotKey is the fixed storage key for the conversation state blob.
var snapshotKey = []byte("polychat/state")

// SnapshotStore wraps one embedded Badger database.
//
// # Thread Safety
//
// Safe for concurrent use; Badger transactions provide isolation.
type SnapshotStore struct {
	db *badger.DB
}

// Open opens (or creates) the snapshot database under dir.
func Open(dir string) (*SnapshotStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store at %s: %w", dir, err)
	}
	return &SnapshotStore{db: db}, nil
}

// Save writes the state blob under the fixed key.
func (s *SnapshotStore) Save(data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey, data)
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Load reads the state blob. A missing key returns (nil, nil): a fresh
// installation has no snapshot yet, which is not an error.
func (s *SnapshotStore) Load() ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return data, nil
}

// Close closes the underlying database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Autosaver
// =============================================================================

// DefaultAutosaveDebounce is the quiet period after the last change
// before a snapshot is written.
const DefaultAutosaveDebounce = 2 * time.Second

// Autosaver subscribes to store changes and writes debounced snapshots.
//
// Streaming produces many changes per second; the debounce collapses a
// burst into one write shortly after it quiets down.
type Autosaver struct {
	store    *conversation.Store
	snap     *SnapshotStore
	debounce time.Duration
}

// NewAutosaver creates an autosaver. A zero debounce means
// DefaultAutosaveDebounce.
func NewAutosaver(store *conversation.Store, snap *SnapshotStore, debounce time.Duration) *Autosaver {
	if store == nil {
		panic("storage: store must not be nil")
	}
	if snap == nil {
		panic("storage: snapshot store must not be nil")
	}
	if debounce <= 0 {
		debounce = DefaultAutosaveDebounce
	}
	return &Autosaver{store: store, snap: snap, debounce: debounce}
}

// Run blocks until ctx is done, writing a snapshot after each quiet
// period and once more on the way out.
func (a *Autosaver) Run(ctx context.Context) {
	changes, cancel := a.store.Subscribe("")
	defer cancel()

	timer := time.NewTimer(a.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	dirty := false

	for {
		select {
		case <-ctx.Done():
			if dirty {
				a.save()
			}
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			dirty = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(a.debounce)
		case <-timer.C:
			if dirty {
				a.save()
				dirty = false
			}
		}
	}
}

func (a *Autosaver) save() {
	data, err := a.store.Snapshot()
	if err != nil {
		slog.Error("failed to snapshot conversation state", "error", err)
		return
	}
	if err := a.snap.Save(data); err != nil {
		slog.Error("failed to persist conversation state", "error", err)
	}
}
