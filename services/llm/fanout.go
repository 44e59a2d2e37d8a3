// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides upstream model streaming for the Polychat gateway.
//
// This file contains the fan-out orchestrator: one user turn dispatched
// concurrently to every active model, one session each, settled together.
package llm

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/polychat-dev/polychat/services/gateway/datatypes"
)

// Target pairs one model with its adapter and its independently built
// conversation history for this turn.
type Target struct {
	Model   ModelConfig
	Adapter Adapter
	History []datatypes.Message
}

// FanOutConfig carries fan-out tunables.
type FanOutConfig struct {
	// MaxConcurrent caps simultaneously open upstream streams.
	// Zero means no cap beyond the number of targets.
	MaxConcurrent int64

	// Session configures every session of the fan-out.
	Session SessionConfig
}

// FanOut runs one generation: a set of concurrent model sessions for one
// user message.
//
// # Description
//
// Send starts one Session per target and blocks until every session has
// reached a terminal state. Sessions settle independently: one model
// erroring never prevents the others from completing, and Send itself
// never fails on a per-model outcome. StopAll cancels every in-flight
// session at once and is idempotent.
//
// # Thread Safety
//
// Send must be called exactly once per FanOut. StopAll and Generating are
// safe from any goroutine at any time.
type FanOut struct {
	cfg FanOutConfig

	mu         sync.Mutex
	sessions   []*Session
	generating bool
	stopped    bool
}

// NewFanOut creates a fan-out for one generation.
func NewFanOut(cfg FanOutConfig) *FanOut {
	return &FanOut{cfg: cfg}
}

// Generating reports whether Send has been invoked and not yet settled.
func (f *FanOut) Generating() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generating
}

// StopAll cancels every session of this generation. Safe to call before,
// during, or after Send; double-stop is a no-op.
func (f *FanOut) StopAll() {
	f.mu.Lock()
	sessions := make([]*Session, len(f.sessions))
	copy(sessions, f.sessions)
	f.stopped = true
	f.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}

// Send dispatches the turn to every target concurrently and returns once
// all sessions have settled. Updates for all models are funneled through
// onUpdate, which therefore must be safe for concurrent use.
func (f *FanOut) Send(ctx context.Context, targets []Target, onUpdate UpdateFunc) {
	if onUpdate == nil {
		panic("llm: onUpdate must not be nil")
	}

	f.mu.Lock()
	f.generating = true
	stoppedBeforeStart := f.stopped
	sessions := make([]*Session, 0, len(targets))
	for _, t := range targets {
		sessions = append(sessions, NewSession(t.Model, t.Adapter, f.cfg.Session))
	}
	f.sessions = sessions
	f.mu.Unlock()

	if stoppedBeforeStart {
		for _, s := range sessions {
			s.Stop()
		}
	}

	var sem *semaphore.Weighted
	if f.cfg.MaxConcurrent > 0 {
		sem = semaphore.NewWeighted(f.cfg.MaxConcurrent)
	}

	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(sess *Session, t Target) {
			defer wg.Done()
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					// Caller went away while this session was queued.
					sess.Stop()
					sess.Run(ctx, t.History, onUpdate)
					return
				}
				defer sem.Release(1)
			}
			sess.Run(ctx, t.History, onUpdate)
		}(sessions[i], t)
	}
	wg.Wait()

	f.mu.Lock()
	f.generating = false
	f.mu.Unlock()
}

// States returns the current state of every session, keyed by primary
// model id. Useful for diagnostics endpoints and tests.
func (f *FanOut) States() map[string]SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	states := make(map[string]SessionState, len(f.sessions))
	for _, s := range f.sessions {
		states[s.model.ID] = s.State()
	}
	return states
}
