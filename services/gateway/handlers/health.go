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

	"github.com/gin-gonic/gin"
)

// HealthStatus reports which optional subsystems are wired.
type HealthStatus struct {
	DetectorLayers []string
	Retrieval      bool
	AuditStore     bool
}

// Health handles GET /health. Liveness only — it never calls out to the
// scorer or model, so a dependency outage does not flap the pod.
func Health(status HealthStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"detector_layers": status.DetectorLayers,
			"retrieval":       status.Retrieval,
			"audit_store":     status.AuditStore,
		})
	}
}
