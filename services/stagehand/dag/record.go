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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of one run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionStopped   ExecutionStatus = "stopped"
)

// IsTerminal reports whether the run has finished.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionStopped
}

// StageStatus is the state of one stage within a run.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageStopped   StageStatus = "stopped"

	// StageSkipped marks a stage on a branch that routing did not take.
	StageSkipped StageStatus = "skipped"
)

// settled reports whether the stage will not run again in this execution.
func (s StageStatus) settled() bool {
	return s == StageCompleted || s == StageSkipped || s == StageFailed || s == StageStopped
}

// TimelineEventType identifies a timeline entry.
type TimelineEventType string

const (
	EventExecutionStarted   TimelineEventType = "execution_started"
	EventExecutionResumed   TimelineEventType = "execution_resumed"
	EventStageStarted       TimelineEventType = "stage_started"
	EventStageAttemptFailed TimelineEventType = "stage_attempt_failed"
	EventStageCompleted     TimelineEventType = "stage_completed"
	EventStageFailed        TimelineEventType = "stage_failed"
	EventStageRouted        TimelineEventType = "stage_routed"
	EventStageSkipped       TimelineEventType = "stage_skipped"
	EventStageStopped       TimelineEventType = "stage_stopped"
	EventExecutionCompleted TimelineEventType = "execution_completed"
	EventExecutionFailed    TimelineEventType = "execution_failed"
	EventExecutionStopped   TimelineEventType = "execution_stopped"
)

// TimelineEvent is one append-only entry in an execution's timeline.
type TimelineEvent struct {
	Type      TimelineEventType `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	StageID   string            `json:"stage_id,omitempty"`
	Attempt   int               `json:"attempt,omitempty"`
	Message   string            `json:"message,omitempty"`
	Targets   []string          `json:"targets,omitempty"`
	Decision  string            `json:"decision,omitempty"`
	Rationale string            `json:"rationale,omitempty"`
}

// RouteDecision records which outgoing connection a stage took.
type RouteDecision struct {
	Targets   []string `json:"targets"`
	Skipped   []string `json:"skipped,omitempty"`
	Decision  string   `json:"decision,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
}

// StageExecutionState is the observable progress of one stage.
type StageExecutionState struct {
	StageID   string         `json:"stage_id"`
	Status    StageStatus    `json:"status"`
	Attempts  int            `json:"attempts"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	EndedAt   time.Time      `json:"ended_at,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Route     *RouteDecision `json:"route,omitempty"`
}

// ExecutionRecord is the mutable state of one run.
//
// Description:
//
//	The scheduler owns the record while the run is active and mutates it
//	under an internal lock. Observers only ever see copies returned by
//	Snapshot.
//
// Thread Safety: Safe for concurrent use through its methods.
type ExecutionRecord struct {
	mu sync.Mutex

	ID          string                          `json:"id"`
	GraphID     string                          `json:"graph_id"`
	Input       any                             `json:"input,omitempty"`
	WorkContext string                          `json:"work_context,omitempty"`
	ItemID      string                          `json:"item_id,omitempty"`
	Status      ExecutionStatus                 `json:"status"`
	StartedAt   time.Time                       `json:"started_at,omitempty"`
	EndedAt     time.Time                       `json:"ended_at,omitempty"`
	Stages      map[string]*StageExecutionState `json:"stages"`
	Timeline    []TimelineEvent                 `json:"timeline"`
	Results     map[string]any                  `json:"results,omitempty"`
	Output      any                             `json:"output,omitempty"`
	Error       string                          `json:"error,omitempty"`
	Resumed     bool                            `json:"resumed,omitempty"`

	// completionOrder lists completed stages in the order they finished.
	completionOrder []string
}

// NewExecutionID returns a globally unique, time-ordered execution ID.
func NewExecutionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func newExecutionRecord(id, graphID string, stageIDs []string, input any) *ExecutionRecord {
	r := &ExecutionRecord{
		ID:      id,
		GraphID: graphID,
		Input:   input,
		Status:  ExecutionPending,
		Stages:  make(map[string]*StageExecutionState, len(stageIDs)),
		Results: make(map[string]any),
	}
	for _, sid := range stageIDs {
		r.Stages[sid] = &StageExecutionState{StageID: sid, Status: StagePending}
	}
	return r
}

// Snapshot returns a deep copy safe to read without locking. Stage result
// values are shared, not copied.
func (r *ExecutionRecord) Snapshot() *ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := &ExecutionRecord{
		ID:          r.ID,
		GraphID:     r.GraphID,
		Input:       r.Input,
		WorkContext: r.WorkContext,
		ItemID:      r.ItemID,
		Status:      r.Status,
		StartedAt:   r.StartedAt,
		EndedAt:     r.EndedAt,
		Stages:      make(map[string]*StageExecutionState, len(r.Stages)),
		Timeline:    make([]TimelineEvent, len(r.Timeline)),
		Results:     make(map[string]any, len(r.Results)),
		Output:      r.Output,
		Error:       r.Error,
		Resumed:     r.Resumed,

		completionOrder: append([]string(nil), r.completionOrder...),
	}
	for id, st := range r.Stages {
		cp := *st
		if st.Route != nil {
			route := *st.Route
			route.Targets = append([]string(nil), st.Route.Targets...)
			route.Skipped = append([]string(nil), st.Route.Skipped...)
			cp.Route = &route
		}
		out.Stages[id] = &cp
	}
	copy(out.Timeline, r.Timeline)
	for id, v := range r.Results {
		out.Results[id] = v
	}
	return out
}

// Stage returns a copy of one stage's state.
func (r *ExecutionRecord) Stage(stageID string) (StageExecutionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.Stages[stageID]
	if !ok {
		return StageExecutionState{}, false
	}
	return *st, true
}

// CompletedStages returns completed stage IDs in completion order.
func (r *ExecutionRecord) CompletedStages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.completionOrder...)
}

// TimelineTypes returns the timeline event types in order.
func (r *ExecutionRecord) TimelineTypes() []TimelineEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TimelineEventType, len(r.Timeline))
	for i, ev := range r.Timeline {
		out[i] = ev.Type
	}
	return out
}

// The methods below are called by the scheduler with r.mu not held.

func (r *ExecutionRecord) appendLocked(ev TimelineEvent) {
	r.Timeline = append(r.Timeline, ev)
}

func (r *ExecutionRecord) start(now time.Time, resumed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Status = ExecutionRunning
	r.StartedAt = now
	r.Resumed = resumed
	typ := EventExecutionStarted
	if resumed {
		typ = EventExecutionResumed
	}
	r.appendLocked(TimelineEvent{Type: typ, Timestamp: now})
}

// seed marks a stage settled from a checkpoint without running it.
func (r *ExecutionRecord) seed(stageID string, status StageStatus, output any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.Stages[stageID]
	st.Status = status
	if status == StageCompleted {
		st.Result = output
		r.Results[stageID] = output
		r.completionOrder = append(r.completionOrder, stageID)
	}
}

// beginAttempt moves a stage to running for the given attempt. It returns
// false when the execution is no longer running.
func (r *ExecutionRecord) beginAttempt(stageID string, attempt int, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status != ExecutionRunning {
		return false
	}
	st := r.Stages[stageID]
	st.Status = StageRunning
	st.Attempts = attempt
	if attempt == 1 {
		st.StartedAt = now
	}
	st.EndedAt = time.Time{}
	st.Error = ""
	r.appendLocked(TimelineEvent{Type: EventStageStarted, Timestamp: now, StageID: stageID, Attempt: attempt})
	return true
}

func (r *ExecutionRecord) attemptFailed(stageID string, attempt int, err error, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.Stages[stageID]
	if st.Status != StageRunning {
		return
	}
	st.Error = err.Error()
	r.appendLocked(TimelineEvent{Type: EventStageAttemptFailed, Timestamp: now, StageID: stageID, Attempt: attempt, Message: err.Error()})
}

// complete records a stage result. When route is non-nil the decision is
// stored on the stage and its unselected targets that are still pending are
// skipped in the same critical section; route.Skipped is trimmed to the
// stages that actually changed. It returns false when the execution was
// stopped while the stage ran, in which case the result is discarded.
func (r *ExecutionRecord) complete(stageID string, output any, route *RouteDecision, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.Stages[stageID]
	if r.Status != ExecutionRunning || st.Status != StageRunning {
		return false
	}
	st.Status = StageCompleted
	st.EndedAt = now
	st.Result = output
	st.Error = ""
	r.Results[stageID] = output
	r.completionOrder = append(r.completionOrder, stageID)
	r.appendLocked(TimelineEvent{Type: EventStageCompleted, Timestamp: now, StageID: stageID, Attempt: st.Attempts})
	if route != nil {
		r.routeLocked(stageID, route, now)
	}
	return true
}

func (r *ExecutionRecord) fail(stageID string, err error, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.Stages[stageID]
	if st.Status != StageRunning {
		return false
	}
	st.Status = StageFailed
	st.EndedAt = now
	st.Error = err.Error()
	r.appendLocked(TimelineEvent{Type: EventStageFailed, Timestamp: now, StageID: stageID, Attempt: st.Attempts, Message: err.Error()})
	return true
}

func (r *ExecutionRecord) routeLocked(stageID string, decision *RouteDecision, now time.Time) {
	r.appendLocked(TimelineEvent{
		Type:      EventStageRouted,
		Timestamp: now,
		StageID:   stageID,
		Targets:   append([]string(nil), decision.Targets...),
		Decision:  decision.Decision,
		Rationale: decision.Rationale,
	})
	var skipped []string
	for _, target := range decision.Skipped {
		if r.skipLocked(target, routeSkipReason(stageID), now) {
			skipped = append(skipped, target)
		}
	}
	decision.Skipped = skipped
	d := *decision
	r.Stages[stageID].Route = &d
}

func routeSkipReason(stageID string) string {
	return fmt.Sprintf("not selected by %s", stageID)
}

// skip marks a pending stage skipped and reports whether it changed.
func (r *ExecutionRecord) skip(stageID, reason string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipLocked(stageID, reason, now)
}

func (r *ExecutionRecord) skipLocked(stageID, reason string, now time.Time) bool {
	st := r.Stages[stageID]
	if st == nil || st.Status != StagePending {
		return false
	}
	st.Status = StageSkipped
	st.EndedAt = now
	r.appendLocked(TimelineEvent{Type: EventStageSkipped, Timestamp: now, StageID: stageID, Message: reason})
	return true
}

// stop moves the execution to stopped and every running stage with it. It
// returns the stages that were running, or nil when the execution was not
// running.
func (r *ExecutionRecord) stop(reason string, now time.Time) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status != ExecutionRunning {
		return nil, false
	}
	r.Status = ExecutionStopped
	var stopped []string
	for _, id := range r.sortedStageIDsLocked() {
		st := r.Stages[id]
		if st.Status == StageRunning {
			st.Status = StageStopped
			st.EndedAt = now
			stopped = append(stopped, id)
			r.appendLocked(TimelineEvent{Type: EventStageStopped, Timestamp: now, StageID: id, Attempt: st.Attempts, Message: reason})
		}
	}
	return stopped, true
}

// finish sets the terminal status. A stopped execution stays stopped.
func (r *ExecutionRecord) finish(status ExecutionStatus, output any, err error, now time.Time) ExecutionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status == ExecutionStopped {
		status = ExecutionStopped
	}
	r.Status = status
	r.EndedAt = now
	if status == ExecutionCompleted {
		r.Output = output
	}
	ev := TimelineEvent{Timestamp: now}
	switch status {
	case ExecutionCompleted:
		ev.Type = EventExecutionCompleted
	case ExecutionFailed:
		ev.Type = EventExecutionFailed
	default:
		ev.Type = EventExecutionStopped
	}
	if err != nil {
		r.Error = err.Error()
		ev.Message = err.Error()
		if sid, ok := StageIDOf(err); ok {
			ev.StageID = sid
		}
	}
	r.appendLocked(ev)
	return status
}

func (r *ExecutionRecord) status() ExecutionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status
}

func (r *ExecutionRecord) stageStatus(stageID string) StageStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Stages[stageID].Status
}

func (r *ExecutionRecord) output(stageID string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.Results[stageID]
	return v, ok
}

func (r *ExecutionRecord) skippedStages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, id := range r.sortedStageIDsLocked() {
		if r.Stages[id].Status == StageSkipped {
			out = append(out, id)
		}
	}
	return out
}

func (r *ExecutionRecord) sortedStageIDsLocked() []string {
	ids := make([]string, 0, len(r.Stages))
	for id := range r.Stages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
