// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides upstream model streaming for the Polychat gateway.
//
// This file contains the per-model streaming session: one HTTP call per
// attempt, bytes fed through the stream decoder (and the think-tag
// extractor where the provider inlines reasoning), a first-byte watchdog,
// and the three-tier retry/fallback policy.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/polychat-dev/polychat/pkg/extensions"
	"github.com/polychat-dev/polychat/services/gateway/datatypes"
)

var tracer = otel.Tracer("polychat.llm")

// =============================================================================
// Session States and Updates
// =============================================================================

// SessionState is one node of the session lifecycle:
// idle -> requesting -> streaming -> {completed | errored | stopped},
// plus the pre-network terminal unsupported.
type SessionState string

const (
	StateIdle        SessionState = "idle"
	StateRequesting  SessionState = "requesting"
	StateStreaming   SessionState = "streaming"
	StateCompleted   SessionState = "completed"
	StateErrored     SessionState = "errored"
	StateStopped     SessionState = "stopped"
	StateUnsupported SessionState = "unsupported"
)

// Terminal reports whether no further transition can occur from s.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateErrored, StateStopped, StateUnsupported:
		return true
	}
	return false
}

// Update is the accumulated per-model snapshot delivered on every delta
// and once more at the terminal transition.
//
// While Streaming is true, Thinking and Content only ever grow within one
// attempt. ThinkingTime is set exactly once, at the reasoning-to-answer
// transition, and is identical in every later update of the session.
// The terminal update has Streaming false plus exactly one of: final text,
// Error, Stopped, or Unsupported.
type Update struct {
	Model        string
	Thinking     string
	ThinkingTime string
	Content      string
	Streaming    bool
	Stopped      bool
	Unsupported  bool
	Error        string
}

// UpdateFunc receives session updates. Called from the session goroutine;
// implementations must be fast or hand off.
type UpdateFunc func(Update)

// =============================================================================
// Session Configuration
// =============================================================================

// DefaultFirstByteTimeout bounds how long an attempt may run with zero
// bytes of reasoning or content received.
const DefaultFirstByteTimeout = 10 * time.Second

// maxErrorBodyBytes bounds how much of an upstream error body is read.
const maxErrorBodyBytes = 8 * 1024

// SessionConfig carries the tunables shared by every session of a fan-out.
//
// Exact thresholds are deployment configuration, not behavior: the tier
// structure (primary, one retry, optional fallback) is fixed.
type SessionConfig struct {
	// FirstByteTimeout is the watchdog deadline for the first meaningful
	// byte of an attempt. Zero means DefaultFirstByteTimeout.
	FirstByteTimeout time.Duration

	// Client is the HTTP client for upstream calls. Zero means a client
	// without a global timeout (streams are long-lived; the watchdog and
	// contexts bound them instead).
	Client *http.Client

	// Credentials supplies upstream bearer tokens. Zero means none.
	Credentials extensions.UpstreamCredentials

	// OnAttempt, if set, observes every network attempt with its tier
	// (0 primary, 1 retry, 2 fallback). Used for metrics.
	OnAttempt func(modelID string, tier int)
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.FirstByteTimeout <= 0 {
		c.FirstByteTimeout = DefaultFirstByteTimeout
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.Credentials == nil {
		c.Credentials = &extensions.NopCredentials{}
	}
	return c
}

// =============================================================================
// Internal Error Taxonomy
// =============================================================================

var (
	// errStopped marks user-initiated cancellation. Terminal, never retried.
	errStopped = errors.New("generation stopped by user")

	// errFirstByteTimeout marks the watchdog firing with zero meaningful
	// bytes received. A retry trigger, not terminal.
	errFirstByteTimeout = errors.New("no content received before deadline")

	// errEmptyResult marks a stream that completed with zero content and
	// zero reasoning. A retry trigger: usually a transient provider glitch.
	errEmptyResult = errors.New("stream completed with no content")
)

// statusError is a non-2xx upstream response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.code, e.body)
}

// rotatable reports whether the status suggests a stale or throttled
// credential, in which case the credential source is asked to rotate
// before the next attempt.
func (e *statusError) rotatable() bool {
	return e.code == http.StatusUnauthorized ||
		e.code == http.StatusForbidden ||
		e.code == http.StatusTooManyRequests
}

// =============================================================================
// Session
// =============================================================================

// Session drives one model's request/response lifecycle for one user turn.
//
// # Description
//
// Run issues up to three network attempts: the primary model id, the same
// id once more, then the configured fallback id if any. An attempt fails
// on transport error, non-2xx status, watchdog timeout, or empty result;
// every failure advances the tier identically. Each attempt starts its
// text accumulation fresh. User cancellation via Stop is terminal at any
// point and short-circuits past any pending retry.
//
// # Thread Safety
//
// Run must be called exactly once, from one goroutine. Stop and State may
// be called concurrently from any goroutine.
type Session struct {
	model   ModelConfig
	adapter Adapter
	cfg     SessionConfig

	mu      sync.Mutex
	state   SessionState
	cancel  context.CancelCauseFunc
	stopped bool
}

// NewSession creates an idle session for one model and one user turn.
func NewSession(model ModelConfig, adapter Adapter, cfg SessionConfig) *Session {
	return &Session{
		model:   model,
		adapter: adapter,
		cfg:     cfg.withDefaults(),
		state:   StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Stop cancels the in-flight attempt and makes the session terminal
// stopped. Idempotent: stopping a settled or already-stopped session is a
// no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel(errStopped)
	}
}

// attemptPlan is one tier of the retry ladder.
type attemptPlan struct {
	modelID string
	tier    int
}

// Run executes the session against the given per-model history and blocks
// until a terminal state is reached. The terminal state is always also
// delivered through onUpdate.
func (s *Session) Run(ctx context.Context, history []datatypes.Message, onUpdate UpdateFunc) {
	if onUpdate == nil {
		panic("llm: onUpdate must not be nil")
	}

	ctx, span := tracer.Start(ctx, "llm.session.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("model.id", s.model.ID),
		attribute.String("provider", s.adapter.Name),
	)

	// Capability gate: never hits the network and never retries. This is
	// caller configuration, not a transient fault.
	if s.outgoingHasImages(history) && !s.model.SupportsVision {
		s.setState(StateUnsupported)
		span.SetStatus(codes.Error, "unsupported input")
		onUpdate(Update{
			Model:       s.model.ID,
			Unsupported: true,
			Error:       fmt.Sprintf("%s does not support image input", s.displayName()),
		})
		return
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	s.cancel = cancel
	stoppedEarly := s.stopped
	s.mu.Unlock()
	if stoppedEarly {
		s.finishStopped(onUpdate)
		return
	}

	plans := []attemptPlan{
		{modelID: s.model.ID, tier: 0},
		{modelID: s.model.ID, tier: 1},
	}
	if s.model.Fallback != "" {
		plans = append(plans, attemptPlan{modelID: s.model.Fallback, tier: 2})
	}

	var lastErr error
	for _, plan := range plans {
		if s.cfg.OnAttempt != nil {
			s.cfg.OnAttempt(plan.modelID, plan.tier)
		}

		res, err := s.attempt(runCtx, plan, history, onUpdate)
		if err == nil {
			s.setState(StateCompleted)
			onUpdate(Update{
				Model:        s.model.ID,
				Thinking:     res.thinking,
				ThinkingTime: res.thinkingTime,
				Content:      res.content,
			})
			return
		}

		// Cancellation beats retry: a dead run context means the user
		// stopped or the caller went away, never a tier progression.
		if errors.Is(err, errStopped) || context.Cause(runCtx) != nil {
			s.finishStopped(onUpdate)
			return
		}

		slog.Warn("model attempt failed",
			"model", plan.modelID,
			"tier", plan.tier,
			"error", err)
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && se.rotatable() {
			if rerr := s.cfg.Credentials.Rotate(runCtx, s.adapter.Name); rerr != nil {
				slog.Warn("credential rotation failed",
					"provider", s.adapter.Name,
					"error", rerr)
			}
		}
	}

	s.setState(StateErrored)
	span.SetStatus(codes.Error, lastErr.Error())
	onUpdate(Update{
		Model: s.model.ID,
		Error: lastErr.Error(),
	})
}

func (s *Session) finishStopped(onUpdate UpdateFunc) {
	s.setState(StateStopped)
	onUpdate(Update{Model: s.model.ID, Stopped: true})
}

// outgoingHasImages reports whether the message being sent (the last user
// message of the history) carries attachments.
func (s *Session) outgoingHasImages(history []datatypes.Message) bool {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == datatypes.RoleUser {
			return history[i].HasImages()
		}
	}
	return false
}

func (s *Session) displayName() string {
	if s.model.DisplayName != "" {
		return s.model.DisplayName
	}
	return s.model.ID
}

// attemptResult is the final accumulated text of one successful attempt.
type attemptResult struct {
	content      string
	thinking     string
	thinkingTime string
}

// attempt runs one network call. A nil error means the attempt settled the
// session successfully; any error advances the retry ladder except
// errStopped, which the caller treats as terminal.
func (s *Session) attempt(runCtx context.Context, plan attemptPlan, history []datatypes.Message, onUpdate UpdateFunc) (attemptResult, error) {
	ctx, span := tracer.Start(runCtx, "llm.session.attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("model.id", plan.modelID),
		attribute.Int("attempt.tier", plan.tier),
	)

	attemptCtx, cancelAttempt := context.WithCancelCause(ctx)
	defer cancelAttempt(nil)

	token := ""
	if s.adapter.RequiresAuth {
		var err error
		token, err = s.cfg.Credentials.Token(attemptCtx, s.adapter.Name)
		if err != nil {
			return attemptResult{}, fmt.Errorf("credential supply failed: %w", err)
		}
	}

	req, err := s.adapter.NewRequest(attemptCtx, plan.modelID, history, token, true)
	if err != nil {
		return attemptResult{}, err
	}

	// The watchdog is a logical timer independent of transport timeouts.
	// It is armed until the first byte of meaningful content and disarmed
	// forever after, so it can never fire mid-stream.
	watchdog := time.AfterFunc(s.cfg.FirstByteTimeout, func() {
		cancelAttempt(errFirstByteTimeout)
	})
	defer watchdog.Stop()

	s.setState(StateRequesting)
	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return attemptResult{}, s.classify(attemptCtx, runCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return attemptResult{}, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	acc := newAccumulator(s.model.ID, s.adapter.InlineThinkTags, watchdog, onUpdate)

	// Non-streaming fallback: some providers answer the same logical call
	// with one JSON body instead of an event stream.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return s.readSingleBody(resp.Body, acc, attemptCtx, runCtx)
	}

	s.setState(StateStreaming)
	return s.readStream(resp.Body, acc, attemptCtx, runCtx)
}

// readStream drives the SSE path: raw chunks through the decoder, deltas
// into the accumulator.
func (s *Session) readStream(body io.Reader, acc *accumulator, attemptCtx, runCtx context.Context) (attemptResult, error) {
	dec := NewStreamDecoder()
	buf := make([]byte, 4096)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			done, err := acc.applyAll(dec.Feed(buf[:n]))
			if err != nil {
				return attemptResult{}, err
			}
			if done {
				return acc.result()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if _, err := acc.applyAll(dec.Close()); err != nil {
					return attemptResult{}, err
				}
				return acc.result()
			}
			return attemptResult{}, s.classify(attemptCtx, runCtx, readErr)
		}
	}
}

// readSingleBody drives the non-streaming path.
func (s *Session) readSingleBody(body io.Reader, acc *accumulator, attemptCtx, runCtx context.Context) (attemptResult, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return attemptResult{}, s.classify(attemptCtx, runCtx, err)
	}

	content, reasoning, err := ExtractFinalBody(raw)
	if err != nil {
		return attemptResult{}, err
	}

	if reasoning != "" {
		if _, err := acc.apply(Delta{Type: DeltaReasoning, Text: reasoning}); err != nil {
			return attemptResult{}, err
		}
	}
	if content != "" {
		if _, err := acc.apply(Delta{Type: DeltaContent, Text: content}); err != nil {
			return attemptResult{}, err
		}
	}
	return acc.result()
}

// classify maps a transport-level failure to the internal taxonomy.
// Run-context death means user cancellation; an attempt-context death with
// the watchdog cause means timeout; everything else passes through as a
// plain transport error.
func (s *Session) classify(attemptCtx, runCtx context.Context, err error) error {
	if context.Cause(runCtx) != nil {
		return errStopped
	}
	if errors.Is(context.Cause(attemptCtx), errFirstByteTimeout) {
		return errFirstByteTimeout
	}
	return fmt.Errorf("upstream request failed: %w", err)
}

// =============================================================================
// Per-attempt Accumulator
// =============================================================================

// accumulator folds deltas into the running {thinking, content} state for
// one attempt and emits an Update per delta. It owns the reasoning clock:
// thinkingTime is computed exactly once, at the reasoning-to-answer
// transition, from first-reasoning-byte time to transition time.
type accumulator struct {
	modelID  string
	onUpdate UpdateFunc
	watchdog *time.Timer

	// extractor is non-nil for providers that inline <think> tags.
	extractor *ThinkTagExtractor

	thinking strings.Builder
	content  strings.Builder
	split    Split

	firstReasoningAt time.Time
	thinkingTime     string

	now func() time.Time
}

func newAccumulator(modelID string, inlineTags bool, watchdog *time.Timer, onUpdate UpdateFunc) *accumulator {
	acc := &accumulator{
		modelID:  modelID,
		onUpdate: onUpdate,
		watchdog: watchdog,
		now:      time.Now,
	}
	if inlineTags {
		acc.extractor = NewThinkTagExtractor()
	}
	return acc
}

// applyAll feeds a batch of deltas. Returns done=true once DeltaDone is
// seen; remaining deltas in the batch are ignored after that.
func (a *accumulator) applyAll(deltas []Delta) (bool, error) {
	for _, d := range deltas {
		done, err := a.apply(d)
		if err != nil || done {
			return done, err
		}
	}
	return false, nil
}

// apply folds one delta and emits the resulting snapshot.
func (a *accumulator) apply(d Delta) (bool, error) {
	switch d.Type {
	case DeltaReasoning:
		a.watchdog.Stop()
		if a.firstReasoningAt.IsZero() {
			a.firstReasoningAt = a.now()
		}
		a.thinking.WriteString(d.Text)

	case DeltaContent:
		a.watchdog.Stop()
		if a.extractor != nil {
			a.split = a.extractor.Feed(d.Text)
			if a.split.Thinking != "" && a.firstReasoningAt.IsZero() {
				a.firstReasoningAt = a.now()
			}
			if closedAt, ok := a.extractor.ClosedAt(); ok && a.thinkingTime == "" {
				a.thinkingTime = formatThinkingTime(closedAt.Sub(a.firstReasoningAt))
			}
		} else {
			// Native reasoning fields: first content delta after any
			// reasoning marks the transition and freezes the clock.
			if a.thinkingTime == "" && a.thinking.Len() > 0 {
				a.thinkingTime = formatThinkingTime(a.now().Sub(a.firstReasoningAt))
			}
			a.content.WriteString(d.Text)
		}

	case DeltaDone:
		return true, nil

	case DeltaError:
		return false, fmt.Errorf("provider error: %s", d.Err)
	}

	a.onUpdate(a.snapshot())
	return false, nil
}

func (a *accumulator) currentText() (thinking, content string) {
	if a.extractor != nil {
		return a.split.Thinking, a.split.Content
	}
	return a.thinking.String(), a.content.String()
}

func (a *accumulator) snapshot() Update {
	thinking, content := a.currentText()
	return Update{
		Model:        a.modelID,
		Thinking:     thinking,
		ThinkingTime: a.thinkingTime,
		Content:      content,
		Streaming:    true,
	}
}

// result finalizes the attempt. An attempt that delivered neither content
// nor reasoning is an empty result, which the retry policy treats as a
// transient failure.
func (a *accumulator) result() (attemptResult, error) {
	thinking, content := a.currentText()
	if thinking == "" && content == "" {
		return attemptResult{}, errEmptyResult
	}
	if a.thinkingTime == "" && thinking != "" {
		// Stream ended while still reasoning; the end of stream is the
		// end of reasoning.
		a.thinkingTime = formatThinkingTime(a.now().Sub(a.firstReasoningAt))
	}
	return attemptResult{
		content:      content,
		thinking:     thinking,
		thinkingTime: a.thinkingTime,
	}, nil
}

// formatThinkingTime renders the frozen reasoning duration, e.g. "12.3s".
func formatThinkingTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
