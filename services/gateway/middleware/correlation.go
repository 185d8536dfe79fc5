// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CorrelationHeader is the inbound/outbound correlation ID header.
const CorrelationHeader = "X-Correlation-Id"

// correlationKey is the Gin context key for the request correlation ID.
const correlationKey = "gatewatch_correlation_id"

// CorrelationMiddleware ensures every request carries a correlation ID.
//
// An inbound X-Correlation-Id is accepted only if it parses as a UUID
// (callers cannot inject arbitrary strings into audit records);
// otherwise a fresh UUID is minted. The ID is stored in the context and
// echoed on the response.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		c.Set(correlationKey, id)
		c.Header(CorrelationHeader, id)
		c.Next()
	}
}

// GetCorrelationID returns the request's correlation ID. Falls back to
// a fresh UUID if the middleware did not run (direct handler tests).
func GetCorrelationID(c *gin.Context) string {
	if id, exists := c.Get(correlationKey); exists {
		if s, ok := id.(string); ok && s != "" {
			return s
		}
	}
	return uuid.New().String()
}
