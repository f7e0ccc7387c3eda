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
	"github.com/AleutianAI/regpilot/pkg/extensions"
	"github.com/AleutianAI/regpilot/services/registrar/handlers"
	"github.com/AleutianAI/regpilot/services/registrar/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies is everything the route table hands to handlers.
type Dependencies struct {
	Jobs        handlers.JobService
	Checkpoints handlers.CheckpointService
	Options     extensions.ServiceOptions

	// Feed backs GET /v1/jobs/:id/watch. Nil leaves the route out.
	Feed handlers.JobFeed

	// Limiter throttles job submission per tenant. Nil disables it.
	Limiter *middleware.TenantLimiter

	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// SetupRoutes registers the registrar API on router.
//
// /health and /metrics are unauthenticated; everything under /v1 requires
// an API key.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	opts := deps.Options
	if opts.AuthProvider == nil {
		opts.AuthProvider = &extensions.NopAuthProvider{}
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = &extensions.NopAuditLogger{}
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.GET("/health", handlers.HealthCheck(deps.Jobs))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	v1.Use(middleware.Auth(opts.AuthProvider))
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", middleware.RateLimit(deps.Limiter), handlers.SubmitJobs(deps.Jobs, opts.AuditLogger))
			jobs.GET("", handlers.ListJobs(deps.Jobs))
			jobs.GET("/export", handlers.ExportJobs(deps.Jobs))
			jobs.POST("/status", handlers.BulkStatus(deps.Jobs))
			jobs.GET("/:id", handlers.GetJob(deps.Jobs))
			jobs.POST("/:id/retry", handlers.RetryJob(deps.Jobs, opts.AuditLogger))
			jobs.POST("/:id/checkpoint", handlers.SubmitCheckpoint(deps.Checkpoints, opts.AuditLogger))
			jobs.GET("/:id/challenge", handlers.GetChallenge(deps.Checkpoints))
			if deps.Feed != nil {
				jobs.GET("/:id/watch", handlers.WatchJob(deps.Jobs, deps.Feed))
			}
		}
		v1.GET("/stats", handlers.GetStats(deps.Jobs))
		v1.GET("/pool", handlers.GetPool(deps.Jobs))
	}
}
