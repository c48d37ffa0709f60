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
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianRelay/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/session"
	"github.com/gin-gonic/gin"
)

// ClearSession handles POST /api/clear.
//
// # Description
//
// Deletes the user's conversation. Body: {"user_id": "..."}. The route is
// expected to sit behind middleware.AuthMiddleware.
//
// # Outputs
//
//   - 200 {"ok": true}
//   - 400 {"error": "user_id required"} on a missing or blank user_id
//   - 503 {"error": "session store unavailable"}
func ClearSession(store session.Store, metrics *observability.RelayMetrics, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		var req datatypes.ClearRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": datatypes.MsgUserIDRequired})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := store.Clear(c.Request.Context(), req.UserID); err != nil {
			if errors.Is(err, datatypes.ErrStoreUnavailable) {
				metrics.RecordError(observability.ErrorCodeStore)
				logger.Error("Session store unavailable on clear", "error", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": datatypes.MsgStoreUnavailable})
				return
			}
			logger.Error("Failed to clear session", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear session"})
			return
		}

		metrics.RecordClear(observability.SurfaceHTTP)
		logger.Info("Session cleared", "session", session.Key("", req.UserID), "surface", "http")
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
