// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidInput indicates invalid input parameters.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNilContext indicates a nil context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrExecutionNotFound indicates no active or recent execution has the ID.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionActive indicates an execution with the ID is already running.
	ErrExecutionActive = errors.New("execution already active")

	// ErrExecutionStopped indicates the execution was stopped before it
	// finished.
	ErrExecutionStopped = errors.New("execution stopped")
)

// UnreachableStagesError is returned when no stage is ready but some stages
// never ran. Validation rules this out for registered graphs.
type UnreachableStagesError struct {
	Stages []string
}

func (e *UnreachableStagesError) Error() string {
	return "unreachable stages: " + strings.Join(e.Stages, ", ")
}

// StageTimeoutError is returned when an attempt exceeded the stage timeout.
type StageTimeoutError struct {
	StageID string
	Timeout time.Duration
	Attempt int
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %s timed out after %s on attempt %d", e.StageID, e.Timeout, e.Attempt)
}

// Unwrap lets errors.Is match context.DeadlineExceeded.
func (e *StageTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// StageExecutionError wraps an agent failure with the stage and attempt.
type StageExecutionError struct {
	StageID string
	Attempt int
	Err     error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s failed on attempt %d: %v", e.StageID, e.Attempt, e.Err)
}

func (e *StageExecutionError) Unwrap() error {
	return e.Err
}

// StageIDOf returns the stage named by a stage error in err's chain.
func StageIDOf(err error) (string, bool) {
	var te *StageTimeoutError
	if errors.As(err, &te) {
		return te.StageID, true
	}
	var ee *StageExecutionError
	if errors.As(err, &ee) {
		return ee.StageID, true
	}
	return "", false
}
