// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the extension points of the relay service.
//
// The open source build wires SharedSecretProvider (or NopAuthProvider when
// no secret is configured). Deployments that need a different admission
// policy pass their own AuthProvider through ServiceOptions.
package extensions

// ServiceOptions carries pluggable implementations into the orchestrator.
type ServiceOptions struct {
	// AuthProvider validates the side-channel credential.
	AuthProvider AuthProvider
}

// DefaultOptions returns options with no-op implementations.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
	}
}

// WithAuth returns a copy of opts using provider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}
