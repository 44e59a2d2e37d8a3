// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines capability interfaces for pluggable
// infrastructure behavior.
//
// This file contains upstream provider credentials. Token acquisition and
// rotation against third-party identity systems is an external concern:
// the streaming core only needs "supply me a bearer token, and tell me if
// you can't". Rotation failures surface through the normal per-attempt
// retry path, never through a private retry loop here.
package extensions

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// UpstreamCredentials supplies bearer tokens for upstream provider calls.
//
// Implementations must be safe for concurrent use: multiple model streams
// request tokens simultaneously during a fan-out.
type UpstreamCredentials interface {
	// Token returns the current bearer token for the named provider.
	// An empty token with nil error means the provider needs no auth.
	Token(ctx context.Context, provider string) (string, error)

	// Rotate discards the current token for the named provider and
	// acquires a fresh one. Called after 401/403/429 responses. A nil
	// error does not guarantee the next Token call will succeed upstream;
	// it only means rotation itself completed.
	Rotate(ctx context.Context, provider string) error
}

// NopCredentials returns empty tokens for every provider.
type NopCredentials struct{}

// Token always returns an empty token.
func (c *NopCredentials) Token(_ context.Context, _ string) (string, error) {
	return "", nil
}

// Rotate is a no-op.
func (c *NopCredentials) Rotate(_ context.Context, _ string) error {
	return nil
}

// EnvCredentials reads static tokens from environment variables named
// POLYCHAT_TOKEN_<PROVIDER> (provider upper-cased, dashes to underscores).
//
// Rotate re-reads the variable, so an operator can refresh a token on disk
// and send the process a config reload without a restart.
type EnvCredentials struct {
	mu    sync.RWMutex
	cache map[string]string
}

// NewEnvCredentials creates an environment-backed credential source.
func NewEnvCredentials() *EnvCredentials {
	return &EnvCredentials{cache: map[string]string{}}
}

// Token returns the cached or freshly read token for the provider.
func (c *EnvCredentials) Token(_ context.Context, provider string) (string, error) {
	c.mu.RLock()
	tok, ok := c.cache[provider]
	c.mu.RUnlock()
	if ok {
		return tok, nil
	}

	tok = os.Getenv(envVarFor(provider))
	c.mu.Lock()
	c.cache[provider] = tok
	c.mu.Unlock()
	return tok, nil
}

// Rotate drops the cached token and re-reads the environment.
func (c *EnvCredentials) Rotate(_ context.Context, provider string) error {
	tok := os.Getenv(envVarFor(provider))
	c.mu.Lock()
	c.cache[provider] = tok
	c.mu.Unlock()
	if tok == "" {
		return fmt.Errorf("no token available for provider %q", provider)
	}
	return nil
}

// envVarFor maps a provider key to its environment variable name.
func envVarFor(provider string) string {
	name := strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
	return "POLYCHAT_TOKEN_" + name
}

// =============================================================================
// Compile-time Interface Checks
// =============================================================================

var (
	_ UpstreamCredentials = (*NopCredentials)(nil)
	_ UpstreamCredentials = (*EnvCredentials)(nil)
)
