// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recovery

import (
	"errors"
	"fmt"
	"time"
)

// State is where a run stands as seen by the coordinator.
//
//	unknown -> {not_found, actively_running, stale_resumable} -> {resumed_running, skipped}
//
// completed and failed describe a latest checkpoint that is already terminal.
type State string

const (
	StateUnknown         State = "unknown"
	StateNotFound        State = "not_found"
	StateActivelyRunning State = "actively_running"
	StateStaleResumable  State = "stale_resumable"
	StateResumedRunning  State = "resumed_running"
	StateSkipped         State = "skipped"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
)

// Outcome reports one recovery decision.
type Outcome struct {
	ProjectID string `json:"project_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	ItemID    string `json:"item_id,omitempty"`

	// State is the final state. Path lists every state visited, starting
	// at unknown.
	State State   `json:"state"`
	Path  []State `json:"path"`

	Reason       string    `json:"reason,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

func (o *Outcome) moveTo(s State, reason string) {
	o.State = s
	o.Path = append(o.Path, s)
	if reason != "" {
		o.Reason = reason
	}
}

func newOutcome(projectID string) Outcome {
	return Outcome{ProjectID: projectID, State: StateUnknown, Path: []State{StateUnknown}}
}

var (
	// ErrInvalidConfig is returned by New for missing collaborators.
	ErrInvalidConfig = errors.New("invalid recovery config")

	// ErrRunNotFound is the sentinel behind RunNotFoundError.
	ErrRunNotFound = errors.New("run not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("recovery coordinator closed")
)

// RunNotFoundError is returned when no checkpoint exists for a run.
type RunNotFoundError struct {
	RunID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("no checkpoint for run %s", e.RunID)
}

func (e *RunNotFoundError) Unwrap() error { return ErrRunNotFound }
