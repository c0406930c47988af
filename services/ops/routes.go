// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package ops

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers the agent routes with the router group.
//
// Description:
//
//	Registers all /v1/agent/* endpoints plus /v1/health with the given
//	Gin router group. The group should already carry any required
//	middleware.
//
// Endpoints:
//
//	POST /v1/agent/chat - Run one conversation
//	GET  /v1/agent/tools - Tool catalog for a role
//	POST /v1/agent/authorize - Gate dry run
//	GET  /v1/agent/audit - Audit log (owner/admin)
//	GET  /v1/health - Liveness
//
// Example:
//
//	v1 := router.Group("/v1")
//	ops.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	a := rg.Group("/agent")
	{
		a.POST("/chat", h.HandleChat)
		a.GET("/tools", h.HandleTools)
		a.POST("/authorize", h.HandleAuthorize)
		a.GET("/audit", h.HandleAudit)
	}
	rg.GET("/health", h.HandleHealth)
}

// NewRouter builds the server's gin engine with recovery, tracing, request
// ids, HTTP metrics, the /v1 routes and /metrics.
func NewRouter(serviceName string, h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(RequestID(), Metrics())

	RegisterRoutes(router.Group("/v1"), h)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}
