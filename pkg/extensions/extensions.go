// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines capability interfaces for pluggable
// infrastructure behavior.
//
// Polychat is designed as a fully functional local gateway. Everything
// that depends on external infrastructure is expressed as an interface
// here with a no-op default, so the open-source binary runs with zero
// configuration while deployments can inject real implementations via
// ServiceOptions.
//
// # Extension Categories
//
//   - auth.go: Inbound request authentication (AuthProvider)
//   - credentials.go: Upstream provider tokens (UpstreamCredentials)
package extensions

// ServiceOptions carries the pluggable implementations handed to the
// gateway constructor. A nil options value means "all defaults".
type ServiceOptions struct {
	// AuthProvider validates inbound request tokens.
	AuthProvider AuthProvider

	// Credentials supplies bearer tokens for upstream provider calls.
	Credentials UpstreamCredentials
}

// DefaultOptions returns ServiceOptions with no-op implementations.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
		Credentials:  &NopCredentials{},
	}
}

// WithAuth returns a copy of opts using the given auth provider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithCredentials returns a copy of opts using the given credential source.
func (opts ServiceOptions) WithCredentials(creds UpstreamCredentials) ServiceOptions {
	opts.Credentials = creds
	return opts
}

// Normalize fills nil fields with the no-op defaults.
func (opts ServiceOptions) Normalize() ServiceOptions {
	if opts.AuthProvider == nil {
		opts.AuthProvider = &NopAuthProvider{}
	}
	if opts.Credentials == nil {
		opts.Credentials = &NopCredentials{}
	}
	return opts
}
