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
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for malformed project or item IDs.
	ErrInvalidInput = errors.New("invalid input")

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")

	// ErrItemNotFound is the sentinel behind QueueItemNotFoundError.
	ErrItemNotFound = errors.New("queue item not found")

	// ErrAlreadyProcessing is the sentinel behind AlreadyProcessingError.
	ErrAlreadyProcessing = errors.New("project already processing")
)

// QueueItemNotFoundError is returned when an item does not exist or, for
// Cancel, is no longer queued.
type QueueItemNotFoundError struct {
	ProjectID string
	ItemID    string
}

func (e *QueueItemNotFoundError) Error() string {
	return fmt.Sprintf("queue item %s not found in project %s", e.ItemID, e.ProjectID)
}

func (e *QueueItemNotFoundError) Unwrap() error { return ErrItemNotFound }

// AlreadyProcessingError is returned when a project already has an item in
// flight. Recovery treats it as a guard, not a failure.
type AlreadyProcessingError struct {
	ProjectID string
}

func (e *AlreadyProcessingError) Error() string {
	return fmt.Sprintf("project %s is already processing", e.ProjectID)
}

func (e *AlreadyProcessingError) Unwrap() error { return ErrAlreadyProcessing }
