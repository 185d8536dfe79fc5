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
	"log/slog"
	"net/http"

	"github.com/GatewatchAI/Gatewatch/services/gateway/datatypes"
	"github.com/GatewatchAI/Gatewatch/services/gateway/middleware"
	"github.com/GatewatchAI/Gatewatch/services/gateway/observability"
	"github.com/GatewatchAI/Gatewatch/services/gateway/services"
	"github.com/GatewatchAI/Gatewatch/services/retrieval"
	"github.com/gin-gonic/gin"
)

// IngestDocument handles POST /v1/documents.
//
// Document content passes the same gate as queries — detect, mask,
// safety — before any chunk reaches the index. Only masked text is ever
// stored, so retrieval can never resurface raw PII.
func IngestDocument(pipeline *services.Pipeline, indexer *retrieval.Indexer,
	metrics *observability.GateMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if indexer == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "indexing not configured"})
			return
		}

		var req datatypes.IngestDocumentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			metrics.RecordOutcome("documents", "bad_request")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			metrics.RecordOutcome("documents", "bad_request")
			c.JSON(http.StatusBadRequest, gin.H{"error": "request validation failed"})
			return
		}

		correlationID := middleware.GetCorrelationID(c)
		masked, entityTypes, err := pipeline.ScreenDocument(c.Request.Context(), req.Source, req.Content)
		if err != nil {
			status, code := mapGateError(err)
			metrics.RecordOutcome("documents", code)
			slog.Warn("Document refused by gate",
				"correlation_id", correlationID, "source", req.Source, "code", code)
			c.JSON(status, gin.H{"error": code})
			return
		}

		chunks, err := indexer.Index(c.Request.Context(), retrieval.IndexRequest{
			Source:  req.Source,
			Content: masked,
		})
		if err != nil {
			metrics.RecordOutcome("documents", "index_failure")
			slog.Error("Failed to index document",
				"correlation_id", correlationID, "source", req.Source, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "indexing failed"})
			return
		}

		metrics.RecordOutcome("documents", "ingested")
		slog.Info("Document ingested",
			"correlation_id", correlationID, "source", req.Source,
			"chunks", chunks, "entity_types", entityTypes)
		c.JSON(http.StatusCreated, datatypes.IngestDocumentResponse{
			Source:        req.Source,
			ChunksCreated: chunks,
			EntityTypes:   entityTypes,
		})
	}
}
