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
	"net/http"

	"github.com/GatewatchAI/Gatewatch/services/gateway/datatypes"
	"github.com/GatewatchAI/Gatewatch/services/gateway/observability"
	"github.com/GatewatchAI/Gatewatch/services/gateway/services"
	"github.com/gin-gonic/gin"
)

// Scan handles POST /v1/scan: detect and mask only, no model invocation
// and no audit record. Used to pre-screen text before it enters other
// systems.
func Scan(pipeline *services.Pipeline, metrics *observability.GateMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ScanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			metrics.RecordOutcome("scan", "bad_request")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			metrics.RecordOutcome("scan", "bad_request")
			c.JSON(http.StatusBadRequest, gin.H{"error": "request validation failed"})
			return
		}

		masked, entityTypes, err := pipeline.Scan(c.Request.Context(), req.Text)
		if err != nil {
			metrics.RecordOutcome("scan", "detection_unavailable")
			c.JSON(http.StatusBadGateway, gin.H{"error": "detection_unavailable"})
			return
		}

		metrics.RecordOutcome("scan", "allowed")
		c.JSON(http.StatusOK, datatypes.ScanResponse{
			Masked:      masked,
			EntityTypes: entityTypes,
		})
	}
}
