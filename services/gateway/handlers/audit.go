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

	"github.com/GatewatchAI/Gatewatch/services/audit"
	"github.com/gin-gonic/gin"
)

// GetAuditRecord handles GET /v1/audit/:correlationId.
//
// Records carry hashes and entity types only, so serving them back to an
// authenticated caller exposes no PII.
func GetAuditRecord(store *audit.BadgerStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit store not configured"})
			return
		}

		correlationID := c.Param("correlationId")
		record, err := store.Get(c.Request.Context(), correlationID)
		if err != nil {
			if errors.Is(err, audit.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
				return
			}
			slog.Error("Failed to read audit record",
				"correlation_id", correlationID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "audit store error"})
			return
		}

		c.JSON(http.StatusOK, record)
	}
}
