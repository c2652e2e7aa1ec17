// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers the /v1/conductor endpoints.
//
// Endpoints:
//
//	POST /v1/conductor/ask        - Answer one turn
//	GET  /v1/conductor/ask/stream - Websocket: progress frames, then the answer
//	GET  /v1/conductor/tools      - Current catalog with origin identities
//	POST /v1/conductor/reconnect  - Reconnect tool servers and refresh the catalog
//	GET  /v1/conductor/health     - Health and catalog generation
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	conductor := rg.Group("/conductor")
	{
		conductor.POST("/ask", handlers.HandleAsk)
		conductor.GET("/ask/stream", handlers.HandleAskStream)
		conductor.GET("/tools", handlers.HandleTools)
		conductor.POST("/reconnect", handlers.HandleReconnect)
		conductor.GET("/health", handlers.HandleHealth)
	}
}

// NewRouter builds the gin engine with tracing, recovery, the API and
// /metrics.
func NewRouter(handlers *Handlers, debug bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aleutian-conductor"))
	if debug {
		router.Use(gin.Logger())
	}
	RegisterRoutes(router.Group("/v1"), handlers)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}
