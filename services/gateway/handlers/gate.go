// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gateway's HTTP endpoints.
//
// # Error Surface
//
// Refusals are deliberately generic: a blocked request gets 403 with
// error "content_policy_violation" and nothing else. Category, severity,
// and matched spans stay in the audit trail — a caller probing the
// detectors learns nothing from the response body.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/GatewatchAI/Gatewatch/services/citation"
	"github.com/GatewatchAI/Gatewatch/services/detection"
	"github.com/GatewatchAI/Gatewatch/services/gateway/datatypes"
	"github.com/GatewatchAI/Gatewatch/services/gateway/middleware"
	"github.com/GatewatchAI/Gatewatch/services/gateway/observability"
	"github.com/GatewatchAI/Gatewatch/services/gateway/services"
	"github.com/GatewatchAI/Gatewatch/services/retrieval"
	"github.com/GatewatchAI/Gatewatch/services/safety"
	"github.com/gin-gonic/gin"
)

// Gate handles POST /v1/gate: the full pipeline for one request.
func Gate(pipeline *services.Pipeline, metrics *observability.GateMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics.RequestStarted()
		defer metrics.RequestEnded()

		var req datatypes.GateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			metrics.RecordOutcome("gate", "bad_request")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			metrics.RecordOutcome("gate", "bad_request")
			c.JSON(http.StatusBadRequest, gin.H{"error": "request validation failed"})
			return
		}

		correlationID := middleware.GetCorrelationID(c)
		chunks := make([]retrieval.ContextChunk, 0, len(req.Context))
		for _, entry := range req.Context {
			chunks = append(chunks, retrieval.ContextChunk{
				Content: entry.Content,
				Source:  entry.Source,
			})
		}

		result, err := pipeline.Gate(c.Request.Context(), services.GateInput{
			CorrelationID: correlationID,
			SessionID:     req.SessionID,
			Query:         req.Query,
			Context:       chunks,
		})
		if err != nil {
			status, code := mapGateError(err)
			metrics.RecordOutcome("gate", code)
			slog.Warn("Gate request terminated",
				"correlation_id", correlationID, "code", code, "error", err)
			c.JSON(status, gin.H{"error": code})
			return
		}

		metrics.RecordOutcome("gate", "allowed")
		c.JSON(http.StatusOK, datatypes.GateResponse{
			Answer:                 result.Answer,
			Sources:                result.Sources,
			MaskedEntitiesDetected: result.EntityTypes,
			SafetyFlags:            result.SafetyFlags,
			CorrelationID:          correlationID,
		})
	}
}

// mapGateError translates pipeline errors to the generic refusal surface.
func mapGateError(err error) (status int, code string) {
	var dfe *detection.DetectionFailureError
	var cie *citation.CitationIntegrityError
	switch {
	case safety.IsPolicyViolation(err):
		return http.StatusForbidden, "content_policy_violation"
	case errors.As(err, &dfe):
		return http.StatusBadGateway, "detection_unavailable"
	case errors.As(err, &cie):
		return http.StatusBadGateway, "citation_integrity"
	default:
		// Scorer outages, retrieval failures, and model errors all
		// terminate the request without leaking which stage failed.
		return http.StatusBadGateway, "gating_unavailable"
	}
}
