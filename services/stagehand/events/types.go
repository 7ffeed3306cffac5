// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events publishes scheduler, queue and recovery activity to
// external consumers (UI, logging, billing) without coupling them to the
// components that produce it.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

import (
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	TypeStageStarted   Type = "stage:started"
	TypeStageCompleted Type = "stage:completed"
	TypeStageFailed    Type = "stage:failed"
	TypeStageRouted    Type = "stage:routed"
	TypeStageSkipped   Type = "stage:skipped"

	TypeExecutionStarted   Type = "execution:started"
	TypeExecutionCompleted Type = "execution:completed"
	TypeExecutionFailed    Type = "execution:failed"
	TypeExecutionStopped   Type = "execution:stopped"

	TypeQueueUpdated Type = "queue:updated"
	TypeQueueDrained Type = "queue:drained"

	TypeWorkStarted   Type = "work:started"
	TypeWorkCompleted Type = "work:completed"
	TypeWorkFailed    Type = "work:failed"

	TypeRecoveryResumed Type = "recovery:resumed"
	TypeRecoverySkipped Type = "recovery:skipped"
)

// Event is one published occurrence. The concrete type of Data is fixed by
// Type: StageData, ExecutionData, QueueData, WorkData or RecoveryData.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// StageData accompanies stage:* events.
type StageData struct {
	ExecutionID string        `json:"execution_id"`
	GraphID     string        `json:"graph_id"`
	StageID     string        `json:"stage_id"`
	Attempt     int           `json:"attempt"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`

	// Routing fields, set for stage:routed.
	Targets   []string `json:"targets,omitempty"`
	Decision  string   `json:"decision,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
}

// ExecutionData accompanies execution:* events.
type ExecutionData struct {
	ExecutionID string        `json:"execution_id"`
	GraphID     string        `json:"graph_id"`
	WorkContext string        `json:"work_context,omitempty"`
	Status      string        `json:"status"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// QueueData accompanies queue:* events.
type QueueData struct {
	ProjectID  string `json:"project_id"`
	Queued     int    `json:"queued"`
	InProgress string `json:"in_progress,omitempty"`
}

// WorkData accompanies work:* events.
type WorkData struct {
	ProjectID   string `json:"project_id"`
	ItemID      string `json:"item_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RecoveryData accompanies recovery:* events.
type RecoveryData struct {
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id,omitempty"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
}
