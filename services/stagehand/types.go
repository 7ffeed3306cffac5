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
	"github.com/AleutianAI/stagehand/services/stagehand/events"
	"github.com/AleutianAI/stagehand/services/stagehand/queue"
	"github.com/AleutianAI/stagehand/services/stagehand/recovery"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`
}

// EnqueueRequest is the body of POST /v1/projects/:project/queue.
type EnqueueRequest struct {
	// Description summarizes the work. Used as the run input when Payload
	// is absent.
	Description string `json:"description" binding:"required"`

	// GraphID selects the pipeline. Empty selects the default graph.
	GraphID string `json:"graph_id,omitempty"`

	// Payload is passed to the pipeline as its input.
	Payload any `json:"payload,omitempty"`
}

// PipelineSummary describes one registered pipeline graph.
type PipelineSummary struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Version string   `json:"version,omitempty"`
	Stages  []string `json:"stages"`
}

// QueueResponse lists a project's queue.
type QueueResponse struct {
	ProjectID  string        `json:"project_id"`
	Processing bool          `json:"processing"`
	Items      []*queue.Item `json:"items"`
}

// RecoverResponse reports one RecoverAll pass.
type RecoverResponse struct {
	Outcomes []recovery.Outcome `json:"outcomes"`
	Errors   []string           `json:"errors,omitempty"`
}

// ExecutionsResponse lists running executions.
type ExecutionsResponse struct {
	Active []string `json:"active"`
}

// EventsResponse returns buffered events, oldest first.
type EventsResponse struct {
	Events []events.Event `json:"events"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string   `json:"status"`
	Pipelines  int      `json:"pipelines"`
	Processing []string `json:"processing"`
	Active     int      `json:"active_executions"`
}
