// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package progress is the append-only activity log written as a side effect
// of running a pipeline. Progress reporting reads it for display and the
// recovery coordinator reads the newest timestamp to decide whether a run is
// still alive.
package progress

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// RecordType identifies a progress record.
type RecordType string

const (
	RecordPipelineInitialized RecordType = "pipeline_initialized"
	RecordStageStarted        RecordType = "stage_started"
	RecordStageCompleted      RecordType = "stage_completed"
	RecordStageError          RecordType = "stage_error"
	RecordStageRouted         RecordType = "stage_routed"
	RecordPipelineCompleted   RecordType = "pipeline_completed"
	RecordPipelineFailed      RecordType = "pipeline_failed"
	RecordPipelineStopped     RecordType = "pipeline_stopped"
)

// ErrCorrupted is returned when a stored record fails its checksum.
var ErrCorrupted = errors.New("progress record corrupted")

// Record is one entry in a run's progress log.
//
// ExecutionNumber is the stage attempt count at the time of the record, so a
// retried stage shows as repeated stage_started records with increasing
// numbers.
type Record struct {
	Timestamp       time.Time  `json:"timestamp"`
	Type            RecordType `json:"type"`
	RunID           string     `json:"run_id"`
	StageID         string     `json:"stage_id,omitempty"`
	ExecutionNumber int        `json:"execution_number,omitempty"`
	Message         string     `json:"message,omitempty"`
}

// Log is an append-only per-run record sequence.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Log interface {
	// Append adds r to the end of its run's log. A zero Timestamp is set to now.
	Append(ctx context.Context, r Record) error

	// Last returns the record appended most recently for runID. Writers
	// stamp records before appending, so it need not carry the greatest
	// Timestamp.
	Last(ctx context.Context, runID string) (Record, bool, error)

	// List returns every record for runID, oldest first.
	List(ctx context.Context, runID string) ([]Record, error)
}

// LastActivity returns the greatest record timestamp for runID, or the zero
// time when the log has none. Parallel stages may append out of timestamp
// order, so every record is considered rather than only the last one.
func LastActivity(ctx context.Context, log Log, runID string) (time.Time, error) {
	recs, err := log.List(ctx, runID)
	if err != nil {
		return time.Time{}, err
	}
	var latest time.Time
	for _, r := range recs {
		if r.Timestamp.After(latest) {
			latest = r.Timestamp
		}
	}
	return latest, nil
}

// MemoryLog keeps records in process memory.
type MemoryLog struct {
	mu   sync.RWMutex
	runs map[string][]Record
	now  func() time.Time
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{runs: make(map[string][]Record), now: time.Now}
}

// Append implements Log.
func (m *MemoryLog) Append(_ context.Context, r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.RunID] = append(m.runs[r.RunID], r)
	return nil
}

// Last implements Log.
func (m *MemoryLog) Last(_ context.Context, runID string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.runs[runID]
	if len(recs) == 0 {
		return Record{}, false, nil
	}
	return recs[len(recs)-1], true, nil
}

// List implements Log.
func (m *MemoryLog) List(_ context.Context, runID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.runs[runID]))
	copy(out, m.runs[runID])
	return out, nil
}

// Runs returns the IDs of every run with at least one record.
func (m *MemoryLog) Runs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var _ Log = (*MemoryLog)(nil)
