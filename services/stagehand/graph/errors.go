// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidGraph is matched by every *GraphValidationError.
	ErrInvalidGraph = errors.New("invalid pipeline graph")

	// ErrGraphNotFound is matched by every *NotFoundError.
	ErrGraphNotFound = errors.New("pipeline graph not found")

	// ErrDuplicateGraph is returned when a graph ID is registered twice.
	ErrDuplicateGraph = errors.New("pipeline graph already registered")

	// ErrInvalidGuard is returned for unparseable guard expressions.
	ErrInvalidGuard = errors.New("invalid guard expression")

	// ErrNilGraph is returned when a nil graph is registered.
	ErrNilGraph = errors.New("graph must not be nil")
)

// Rule names a class of validation violation.
type Rule string

const (
	RuleMissingID        Rule = "missing_id"
	RuleNoStages         Rule = "no_stages"
	RuleDuplicateStage   Rule = "duplicate_stage"
	RuleUnknownType      Rule = "unknown_type"
	RuleMissingAgent     Rule = "missing_agent"
	RuleSelfDependency   Rule = "self_dependency"
	RuleDuplicateDep     Rule = "duplicate_dependency"
	RuleMissingDep       Rule = "missing_dependency"
	RuleInvalidRetry     Rule = "invalid_retry"
	RuleInvalidTimeout   Rule = "invalid_timeout"
	RuleInvalidConnect   Rule = "invalid_connection"
	RuleCycle            Rule = "cycle"
	RuleNoEntryPoint     Rule = "no_entry_point"
	RuleDuplicateConnect Rule = "duplicate_connection"
)

// Violation is one problem found while validating a graph.
type Violation struct {
	Rule    Rule   `json:"rule"`
	StageID string `json:"stage_id,omitempty"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.StageID != "" {
		return fmt.Sprintf("stage %q: %s", v.StageID, v.Message)
	}
	return v.Message
}

// GraphValidationError lists every violation found in a graph.
type GraphValidationError struct {
	GraphID    string
	Violations []Violation
}

func (e *GraphValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("graph %q has %d violation(s): %s",
		e.GraphID, len(e.Violations), strings.Join(parts, "; "))
}

func (e *GraphValidationError) Unwrap() error { return ErrInvalidGraph }

// Has reports whether a violation of the given rule was recorded.
func (e *GraphValidationError) Has(rule Rule) bool {
	for _, v := range e.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

// NotFoundError is returned when resolving an unknown graph ID.
type NotFoundError struct {
	GraphID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("pipeline graph %q not found", e.GraphID)
}

func (e *NotFoundError) Unwrap() error { return ErrGraphNotFound }
