// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/GatewatchAI/Gatewatch/pkg/extensions"
	"github.com/GatewatchAI/Gatewatch/services/audit"
	"github.com/GatewatchAI/Gatewatch/services/gateway/handlers"
	"github.com/GatewatchAI/Gatewatch/services/gateway/middleware"
	"github.com/GatewatchAI/Gatewatch/services/gateway/observability"
	"github.com/GatewatchAI/Gatewatch/services/gateway/services"
	"github.com/GatewatchAI/Gatewatch/services/retrieval"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps carries everything the route table needs. Indexer and AuditStore
// may be nil; their endpoints return 503.
type Deps struct {
	Pipeline   *services.Pipeline
	Indexer    *retrieval.Indexer
	AuditStore *audit.BadgerStore
	Metrics    *observability.GateMetrics
	Auth       extensions.AuthProvider
	Health     handlers.HealthStatus
}

// SetupRoutes registers all gateway endpoints.
//
// /health and /metrics are unauthenticated for probes and scrapers;
// everything under /v1 goes through auth and correlation middleware.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.Health(deps.Health))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.CorrelationMiddleware())
	v1.Use(middleware.AuthMiddleware(deps.Auth))
	{
		v1.POST("/gate", handlers.Gate(deps.Pipeline, deps.Metrics))
		v1.POST("/scan", handlers.Scan(deps.Pipeline, deps.Metrics))
		v1.POST("/documents", handlers.IngestDocument(deps.Pipeline, deps.Indexer, deps.Metrics))
		v1.GET("/audit/:correlationId", handlers.GetAuditRecord(deps.AuditStore))
	}
}
