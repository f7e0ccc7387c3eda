// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the seams the registrar service exposes for
// caller authentication and audit logging.
//
// The open source defaults are permissive: NopAuthProvider maps every
// request to the "local" tenant and NopAuditLogger drops events. A
// deployment that serves more than one tenant configures an
// APIKeyProvider backed by a key file.
package extensions

// ServiceOptions carries the pluggable providers handed to the service.
type ServiceOptions struct {
	// AuthProvider resolves an API key to a tenant.
	AuthProvider AuthProvider

	// AuditLogger records job submissions, checkpoint submissions and retries.
	AuditLogger AuditLogger
}

// DefaultOptions returns options with the no-op providers.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
		AuditLogger:  &NopAuditLogger{},
	}
}

// WithAuth returns a copy of opts using provider for authentication.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy of opts using logger for audit events.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}
