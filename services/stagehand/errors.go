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
	"errors"
	"net/http"

	"github.com/AleutianAI/stagehand/services/stagehand/dag"
	"github.com/AleutianAI/stagehand/services/stagehand/graph"
	"github.com/AleutianAI/stagehand/services/stagehand/queue"
	"github.com/AleutianAI/stagehand/services/stagehand/recovery"
)

// errorStatus maps a component error to an HTTP status and error code.
// Unrecognized errors are 500 INTERNAL_ERROR.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, graph.ErrGraphNotFound):
		return http.StatusNotFound, "PIPELINE_NOT_FOUND"
	case errors.Is(err, queue.ErrItemNotFound):
		return http.StatusNotFound, "ITEM_NOT_FOUND"
	case errors.Is(err, dag.ErrExecutionNotFound):
		return http.StatusNotFound, "EXECUTION_NOT_FOUND"
	case errors.Is(err, recovery.ErrRunNotFound):
		return http.StatusNotFound, "RUN_NOT_FOUND"
	case errors.Is(err, queue.ErrInvalidInput), errors.Is(err, dag.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, ErrNoGraph):
		return http.StatusBadRequest, "NO_PIPELINE"
	case errors.Is(err, queue.ErrAlreadyProcessing), errors.Is(err, dag.ErrExecutionActive):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, queue.ErrClosed), errors.Is(err, recovery.ErrClosed):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
