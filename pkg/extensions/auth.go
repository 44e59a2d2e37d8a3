// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines capability interfaces for pluggable
// infrastructure behavior.
//
// This file contains inbound authentication. The gateway core never
// inspects tokens itself; it hands them to an AuthProvider and attaches
// the returned identity to the request context.
package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned (possibly wrapped) when a token is invalid.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo represents an authenticated user identity.
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	// This is the only required field and must never be empty.
	UserID string

	// Email is the user's email address. May be empty.
	Email string

	// Roles contains role memberships for authorization decisions.
	Roles []string
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates authentication tokens and returns user identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Open Source Behavior
//
// The default NopAuthProvider always returns a valid "local-user" with
// admin privileges, so the local gateway functions without any
// authentication infrastructure.
//
// # Hosted Implementation
//
// Deployments implement this interface against their identity provider:
//
//	func (p *OktaAuthProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
//	    claims, err := p.client.VerifyToken(ctx, token)
//	    if err != nil {
//	        return nil, fmt.Errorf("okta validation failed: %w", ErrUnauthorized)
//	    }
//	    return &AuthInfo{UserID: claims.Subject, Email: claims.Email, Roles: claims.Groups}, nil
//	}
type AuthProvider interface {
	// Validate checks if the token is valid and returns the user's identity.
	//
	// Returns:
	//   - *AuthInfo: User identity information if valid
	//   - error: ErrUnauthorized (or wrapped) if invalid, other errors for failures
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as a local admin user.
//
// This is the open-source default: a single-user local gateway has no
// identity boundary to enforce.
type NopAuthProvider struct{}

// Validate always succeeds with the local user identity.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
	}, nil
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ AuthProvider = (*NopAuthProvider)(nil)
