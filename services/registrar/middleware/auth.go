// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the gin middleware of the registrar API.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	Auth
//	   │
//	   ├─► Extract key from "X-API-Key" or "Authorization: Bearer <key>"
//	   │
//	   ├─► provider.Validate(ctx, key)
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       Handler (reads TenantID)
//
// Every job handler scopes its work to the tenant stored here.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/AleutianAI/regpilot/pkg/extensions"
	"github.com/gin-gonic/gin"
)

const authInfoKey = "regpilot_auth_info"

// APIKeyHeader is the preferred header for the tenant API key.
const APIKeyHeader = "X-API-Key"

// SetAuthInfo stores the authenticated caller in the gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the authenticated caller, or nil when the request did
// not pass through Auth.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// TenantID returns the caller's tenant, or "" when unauthenticated.
func TenantID(c *gin.Context) string {
	if info := GetAuthInfo(c); info != nil {
		return info.TenantID
	}
	return ""
}

// Auth authenticates every request with provider and aborts with 401 when
// the key is rejected.
func Auth(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		authInfo, err := provider.Validate(c.Request.Context(), extractAPIKey(c))
		if err != nil || authInfo == nil || authInfo.TenantID == "" {
			msg := "authentication failed"
			if errors.Is(err, extensions.ErrUnauthorized) {
				msg = "unauthorized"
			}
			c.Header("WWW-Authenticate", `Bearer realm="regpilot"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// extractAPIKey prefers X-API-Key and falls back to a bearer token. The
// "Bearer" scheme is matched case-insensitively.
func extractAPIKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader(APIKeyHeader)); key != "" {
		return key
	}

	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
