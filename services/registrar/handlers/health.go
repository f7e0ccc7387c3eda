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

// HealthCheck handles GET /health. It answers 503 when the ledger is
// unreachable, every session is broken, or the service is shutting down.
func HealthCheck(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := svc.Health(c.Request.Context())
		status := "ok"
		code := http.StatusOK
		if !h.Healthy {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status, "orchestrator": h})
	}
}

// GetPool handles GET /v1/pool.
func GetPool(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions := svc.Pool()
		c.JSON(http.StatusOK, gin.H{"sessions": sessions, "size": len(sessions)})
	}
}
