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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/stagehand/services/stagehand/events"
)

// Handlers serves the admin API for a Service.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandlers creates the handlers for svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc, logger: svc.logger}
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	return h.logger.With(
		slog.String("request_id", getOrCreateRequestID(c)),
		slog.String("handler", handler),
	)
}

func (h *Handlers) fail(c *gin.Context, logger *slog.Logger, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.String("error", err.Error()))
	} else {
		logger.Warn("request rejected", slog.String("error", err.Error()), slog.String("code", code))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// HandleListPipelines handles GET /v1/pipelines.
func (h *Handlers) HandleListPipelines(c *gin.Context) {
	graphs := h.svc.graphs.List()
	out := make([]PipelineSummary, 0, len(graphs))
	for _, g := range graphs {
		out = append(out, PipelineSummary{
			ID:      g.ID,
			Name:    g.Name,
			Version: g.Version,
			Stages:  g.StageIDs(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": out})
}

// HandleGetPipeline handles GET /v1/pipelines/:id.
func (h *Handlers) HandleGetPipeline(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetPipeline")
	g, err := h.svc.graphs.Resolve(c.Param("id"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

// HandleEnqueue handles POST /v1/projects/:project/queue.
//
// Description:
//
//	Persists a work item and starts draining the project when idle.
//
// Response:
//
//	202 Accepted: queue.Item
//	400 Bad Request: Invalid body, project ID or missing graph
//	404 Not Found: Unknown graph
func (h *Handlers) HandleEnqueue(c *gin.Context) {
	logger := h.requestLogger(c, "HandleEnqueue")

	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body: " + err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	projectID := c.Param("project")
	item, err := h.svc.Enqueue(c.Request.Context(), projectID, req.Description, req.GraphID, req.Payload)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	logger.Info("work item accepted",
		slog.String("project_id", projectID),
		slog.String("item_id", item.ID),
	)
	c.JSON(http.StatusAccepted, item)
}

// HandleListQueue handles GET /v1/projects/:project/queue.
func (h *Handlers) HandleListQueue(c *gin.Context) {
	logger := h.requestLogger(c, "HandleListQueue")
	projectID := c.Param("project")
	items, err := h.svc.queue.List(c.Request.Context(), projectID)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, QueueResponse{
		ProjectID:  projectID,
		Processing: h.svc.queue.IsProcessing(projectID),
		Items:      items,
	})
}

// HandleGetItem handles GET /v1/projects/:project/queue/:item.
func (h *Handlers) HandleGetItem(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetItem")
	item, err := h.svc.queue.Get(c.Request.Context(), c.Param("project"), c.Param("item"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// HandleCancelItem handles DELETE /v1/projects/:project/queue/:item.
// Only queued items can be cancelled; others are 404.
func (h *Handlers) HandleCancelItem(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCancelItem")
	projectID, itemID := c.Param("project"), c.Param("item")
	if err := h.svc.queue.Cancel(c.Request.Context(), projectID, itemID); err != nil {
		h.fail(c, logger, err)
		return
	}
	logger.Info("work item cancelled", slog.String("project_id", projectID), slog.String("item_id", itemID))
	c.Status(http.StatusNoContent)
}

// HandleAttach handles POST /v1/projects/:project/attach.
//
// Description:
//
//	Runs the recovery decision for one project, as a client reconnecting
//	to it would. The outcome is returned even when the run was skipped.
func (h *Handlers) HandleAttach(c *gin.Context) {
	logger := h.requestLogger(c, "HandleAttach")
	out, err := h.svc.recovery.Attach(c.Request.Context(), c.Param("project"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// HandleResumeRun handles POST /v1/runs/:id/resume.
func (h *Handlers) HandleResumeRun(c *gin.Context) {
	logger := h.requestLogger(c, "HandleResumeRun")
	out, err := h.svc.recovery.ResumeRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// HandleRecoverAll handles POST /v1/recover.
//
// Response:
//
//	200 OK: RecoverResponse. Per-project store failures are listed in
//	        Errors next to the outcomes that succeeded.
func (h *Handlers) HandleRecoverAll(c *gin.Context) {
	logger := h.requestLogger(c, "HandleRecoverAll")
	outcomes, err := h.svc.recovery.RecoverAll(c.Request.Context())
	if err != nil && outcomes == nil {
		h.fail(c, logger, err)
		return
	}
	resp := RecoverResponse{Outcomes: outcomes}
	if err != nil {
		resp.Errors = splitJoined(err)
	}
	c.JSON(http.StatusOK, resp)
}

// HandleListExecutions handles GET /v1/executions.
func (h *Handlers) HandleListExecutions(c *gin.Context) {
	c.JSON(http.StatusOK, ExecutionsResponse{Active: h.svc.scheduler.Active()})
}

// HandleGetExecution handles GET /v1/executions/:id.
func (h *Handlers) HandleGetExecution(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetExecution")
	rec, err := h.svc.scheduler.Get(c.Param("id"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// HandleStopExecution handles POST /v1/executions/:id/stop.
func (h *Handlers) HandleStopExecution(c *gin.Context) {
	logger := h.requestLogger(c, "HandleStopExecution")
	id := c.Param("id")
	if err := h.svc.scheduler.Stop(id); err != nil {
		h.fail(c, logger, err)
		return
	}
	logger.Info("execution stop requested", slog.String("execution_id", id))
	c.JSON(http.StatusAccepted, gin.H{"execution_id": id, "status": "stopping"})
}

// HandleEvents handles GET /v1/events.
//
// Query Parameters:
//
//	type: Only events of this type (optional)
//	since: RFC 3339 timestamp; only newer events (optional)
func (h *Handlers) HandleEvents(c *gin.Context) {
	var evs []events.Event
	switch {
	case c.Query("since") != "":
		since, err := time.Parse(time.RFC3339, c.Query("since"))
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "since must be an RFC 3339 timestamp",
				Code:  "INVALID_PARAMETER",
			})
			return
		}
		evs = h.svc.events.RecentSince(since)
	case c.Query("type") != "":
		evs = h.svc.events.RecentByType(events.Type(c.Query("type")))
	default:
		evs = h.svc.events.Recent()
	}
	if evs == nil {
		evs = []events.Event{}
	}
	c.JSON(http.StatusOK, EventsResponse{Events: evs})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	processing := h.svc.queue.Processing()
	if processing == nil {
		processing = []string{}
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:     "healthy",
		Pipelines:  h.svc.graphs.Len(),
		Processing: processing,
		Active:     len(h.svc.scheduler.Active()),
	})
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

func splitJoined(err error) []string {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return []string{err.Error()}
	}
	errs := joined.Unwrap()
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Error())
	}
	return out
}
