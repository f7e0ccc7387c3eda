// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
	"time"
)

// ErrUnauthorized is returned by an AuthProvider when a key is missing,
// unknown or expired.
var ErrUnauthorized = errors.New("unauthorized")

// LocalTenant is the tenant every request belongs to under NopAuthProvider.
const LocalTenant = "local"

// AuthInfo identifies the caller of a request.
type AuthInfo struct {
	// TenantID scopes every job query and mutation.
	TenantID string

	// KeyID names the API key that authenticated the request. It is safe
	// to log; the key itself never is.
	KeyID string

	// ExpiresAt is the key expiry. Zero means the key does not expire.
	ExpiresAt time.Time
}

// AuthProvider validates the credential presented with a request.
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts any request as the local tenant.
type NopAuthProvider struct{}

func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{TenantID: LocalTenant, KeyID: "local"}, nil
}

var _ AuthProvider = (*NopAuthProvider)(nil)
