// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stagehand

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
)

// RegisterRoutes registers the stagehand API on rg.
//
// Description:
//
//	Mutating endpoints pass through limiter when it is non-nil. Read
//	endpoints are never limited.
//
// Pipeline Endpoints:
//
//	GET  /v1/pipelines - List registered pipelines
//	GET  /v1/pipelines/:id - Get a pipeline graph
//
// Queue Endpoints:
//
//	POST   /v1/projects/:project/queue - Enqueue work
//	GET    /v1/projects/:project/queue - List the project's queue
//	GET    /v1/projects/:project/queue/:item - Get one item
//	DELETE /v1/projects/:project/queue/:item - Cancel a queued item
//
// Recovery Endpoints:
//
//	POST /v1/projects/:project/attach - Evaluate and resume the project's run
//	POST /v1/runs/:id/resume - Resume a run by ID
//	POST /v1/recover - Scan every project
//
// Execution Endpoints:
//
//	GET  /v1/executions - List running executions
//	GET  /v1/executions/:id - Get an execution record
//	POST /v1/executions/:id/stop - Stop an execution
//	GET  /v1/events - Recent events
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers, limiter *rate.Limiter) {
	write := []gin.HandlerFunc{}
	if limiter != nil {
		write = append(write, RateLimit(limiter))
	}
	with := func(h gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, write...), h)
	}

	pipelines := rg.Group("/pipelines")
	{
		pipelines.GET("", handlers.HandleListPipelines)
		pipelines.GET("/:id", handlers.HandleGetPipeline)
	}

	projects := rg.Group("/projects/:project")
	{
		projects.POST("/queue", with(handlers.HandleEnqueue)...)
		projects.GET("/queue", handlers.HandleListQueue)
		projects.GET("/queue/:item", handlers.HandleGetItem)
		projects.DELETE("/queue/:item", with(handlers.HandleCancelItem)...)
		projects.POST("/attach", with(handlers.HandleAttach)...)
	}

	rg.POST("/runs/:id/resume", with(handlers.HandleResumeRun)...)
	rg.POST("/recover", with(handlers.HandleRecoverAll)...)

	executions := rg.Group("/executions")
	{
		executions.GET("", handlers.HandleListExecutions)
		executions.GET("/:id", handlers.HandleGetExecution)
		executions.POST("/:id/stop", with(handlers.HandleStopExecution)...)
	}

	rg.GET("/events", handlers.HandleEvents)
}

// NewRouter builds the gin engine for svc: recovery and tracing middleware,
// the /v1 API, /health and /metrics.
func NewRouter(svc *Service) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(svc.cfg.Telemetry.ServiceName))

	handlers := NewHandlers(svc)
	var limiter *rate.Limiter
	if rl := svc.cfg.RateLimit; rl.RequestsPerSecond > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
	}

	RegisterRoutes(router.Group("/v1"), handlers, limiter)
	router.GET("/health", handlers.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(svc.registry, promhttp.HandlerOpts{})))
	return router
}

// RateLimit rejects requests with 429 when limiter has no token available.
func RateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "rate limit exceeded",
				Code:  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}
