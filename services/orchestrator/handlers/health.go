// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger probes a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

const healthProbeTimeout = 2 * time.Second

// HealthCheck handles GET /health.
//
// Replies 200 {"status":"ok","store":"ok"} when the session store answers,
// otherwise 503 with status "degraded". A nil store reports "unknown".
func HealthCheck(store Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "store": "unknown"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "store": "ok"})
	}
}
