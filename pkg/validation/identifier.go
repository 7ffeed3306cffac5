// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks identifiers that end up in storage keys, file
// names and SQL parameters.
//
// Project and run IDs arrive from API callers and pipeline definitions.
// They are embedded in BadgerDB keys ("queue/{project}/...") and checkpoint
// file names ("{run}.json"), so separators and traversal sequences must be
// rejected before they reach a store.
package validation

import (
	"errors"
	"fmt"
	"regexp"
)

// MaxIDLength bounds every identifier.
const MaxIDLength = 128

// ErrInvalidIdentifier is matched by every validation failure.
var ErrInvalidIdentifier = errors.New("invalid identifier")

var (
	// projectPattern allows dots so project IDs can mirror repository or
	// host names (web.example, api-v2).
	projectPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

	// runPattern excludes dots; run IDs name checkpoint files.
	runPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ProjectID validates a project (work context) identifier.
//
// Valid IDs:
//   - 1-128 characters
//   - letters, digits, underscore, hyphen and dot
//   - not "." or ".."
//
// Example:
//
//	if err := validation.ProjectID(id); err != nil {
//	    return fmt.Errorf("%w: %v", ErrInvalidInput, err)
//	}
func ProjectID(id string) error {
	if err := checkLength("project id", id); err != nil {
		return err
	}
	if id == "." || id == ".." || !projectPattern.MatchString(id) {
		return fmt.Errorf("%w: project id must match [a-zA-Z0-9_.-]+, got %q", ErrInvalidIdentifier, id)
	}
	return nil
}

// RunID validates a run (execution) identifier. Letters, digits,
// underscore and hyphen only.
func RunID(id string) error {
	if err := checkLength("run id", id); err != nil {
		return err
	}
	if !runPattern.MatchString(id) {
		return fmt.Errorf("%w: run id must match [a-zA-Z0-9_-]+, got %q", ErrInvalidIdentifier, id)
	}
	return nil
}

func checkLength(kind, id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidIdentifier, kind)
	case len(id) > MaxIDLength:
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidIdentifier, kind, MaxIDLength)
	}
	return nil
}
