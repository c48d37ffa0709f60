// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes holds the relay's HTTP route table.
package routes

import (
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/session"
	"github.com/gin-gonic/gin"
)

// Deps are the collaborators the routes are bound to.
type Deps struct {
	ChatSocket *handlers.ChatSocket
	Store      session.Store
	Health     handlers.Pinger
	Metrics    *observability.RelayMetrics

	// MetricsHandler serves /metrics. Nil skips the route.
	MetricsHandler http.Handler

	Options extensions.ServiceOptions

	// StaticDir enables GET / (index.html, behind auth) and /static.
	StaticDir string

	Logger *slog.Logger
}

// SetupRoutes registers every relay route on router.
//
//	GET  /health       store reachability
//	GET  /metrics      Prometheus exposition
//	GET  /ws           chat websocket (authenticates after the handshake)
//	POST /api/clear    delete a user's session (auth)
//	GET  /             chat UI index (auth, only with StaticDir)
//	GET  /static/*     chat UI assets (only with StaticDir)
func SetupRoutes(router *gin.Engine, deps Deps) {
	auth := middleware.AuthMiddleware(deps.Options.AuthProvider)

	router.GET("/health", handlers.HealthCheck(deps.Health))
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	router.GET("/ws", deps.ChatSocket.Handle)

	api := router.Group("/api")
	api.Use(auth)
	{
		api.POST("/clear", handlers.ClearSession(deps.Store, deps.Metrics, deps.Logger))
	}

	if deps.StaticDir != "" {
		index := filepath.Join(deps.StaticDir, "index.html")
		router.GET("/", auth, func(c *gin.Context) {
			c.File(index)
		})
		router.Static("/static", filepath.Join(deps.StaticDir, "static"))
	}
}
