// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the relay service.
//
// # Authentication Flow
//
// The auth middleware reads the shared secret from the X-API-Key header or
// the api_key query parameter, validates it with the configured
// AuthProvider, and stores the resulting AuthInfo in the Gin context.
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Collect credentials: "X-API-Key: <secret>", "?api_key=<secret>"
//	   │
//	   ├─► provider.Validate(ctx, credential) for each, first success wins
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthInfo)
//
// The websocket endpoint is not wrapped by AuthMiddleware: it must finish
// the transport handshake before it can report "Unauthorized" as a frame,
// so it calls Authenticate itself.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/gin-gonic/gin"
)

const (
	// APIKeyHeader carries the shared secret.
	APIKeyHeader = "X-API-Key"

	// APIKeyQuery carries the shared secret on the connection URL, for
	// browser websocket clients that cannot set headers.
	APIKeyQuery = "api_key"
)

// authInfoKey is the context key for storing AuthInfo.
const authInfoKey = "aleutian_auth_info"

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated caller info in the Gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated caller info from the Gin context.
// Returns nil if the request did not pass AuthMiddleware.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// =============================================================================
// Auth
// =============================================================================

// Authenticate validates the credentials presented on r.
//
// # Description
//
// The header and the query parameter are independent channels: the caller
// is admitted if either one carries a valid secret. With no credential at
// all, the provider is asked to validate "" so that a provider with no
// configured secret still admits the caller.
//
// # Inputs
//
//   - ctx: Request context.
//   - provider: Validates each candidate credential. Must not be nil.
//   - r: The HTTP request (or websocket upgrade request).
//
// # Outputs
//
//   - *extensions.AuthInfo: Caller info on success.
//   - error: extensions.ErrUnauthorized, or the provider's own failure.
func Authenticate(ctx context.Context, provider extensions.AuthProvider, r *http.Request) (*extensions.AuthInfo, error) {
	candidates := credentials(r)
	if len(candidates) == 0 {
		return provider.Validate(ctx, "")
	}

	var lastErr error
	for _, credential := range candidates {
		info, err := provider.Validate(ctx, credential)
		if err == nil {
			return info, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// # Description
//
// Rejected requests are aborted with 401 and {"error": "unauthorized"}.
// Provider failures other than ErrUnauthorized are also reported as 401,
// with {"error": "authentication failed"}.
//
// # Examples
//
//	api := router.Group("/api")
//	api.Use(middleware.AuthMiddleware(opts.AuthProvider))
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		authInfo, err := Authenticate(c.Request.Context(), provider, c.Request)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// credentials returns the non-empty credentials on r, header first.
func credentials(r *http.Request) []string {
	var out []string
	if v := strings.TrimSpace(r.Header.Get(APIKeyHeader)); v != "" {
		out = append(out, v)
	}
	if v := strings.TrimSpace(r.URL.Query().Get(APIKeyQuery)); v != "" {
		out = append(out, v)
	}
	return out
}
