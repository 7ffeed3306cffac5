// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/stagehand/pkg/validation"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// IsTerminal reports whether the item will not run again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// validateProjectID keeps project IDs safe to embed in storage keys.
func validateProjectID(projectID string) error {
	if err := validation.ProjectID(projectID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// Item is one unit of work waiting for, or bound to, a pipeline run.
type Item struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Description string    `json:"description"`
	GraphID     string    `json:"graph_id,omitempty"`
	Payload     any       `json:"payload,omitempty"`
	Status      Status    `json:"status"`
	Sequence    int64     `json:"sequence"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Clone returns a shallow copy. Payload is shared.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// EnqueueOption configures an item at enqueue time.
type EnqueueOption func(*Item)

// WithGraph selects the pipeline graph the item runs. Without it the
// queue's runner picks its default graph.
func WithGraph(graphID string) EnqueueOption {
	return func(i *Item) { i.GraphID = graphID }
}

// WithPayload sets the input handed to the pipeline's entry stages.
func WithPayload(payload any) EnqueueOption {
	return func(i *Item) { i.Payload = payload }
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
