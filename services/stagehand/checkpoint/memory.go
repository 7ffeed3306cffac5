// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps checkpoints in process memory. Stored values are deep
// copies, so callers may keep mutating the checkpoint they saved.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Checkpoint
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Checkpoint)}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := prepare(cp); err != nil {
		return err
	}
	stored := cp.Clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[cp.RunID] = stored
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, runID string) (*Checkpoint, error) {
	m.mu.RLock()
	cp, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	out := cp.Clone()
	if err := out.Verify(); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MemoryStore) all() []*Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Checkpoint, 0, len(m.runs))
	for _, cp := range m.runs {
		out = append(out, cp.Clone())
	}
	return out
}

// Latest implements Store.
func (m *MemoryStore) Latest(_ context.Context, workContext string) (*Checkpoint, error) {
	return latestFor(m.all(), workContext)
}

// ListActive implements Store.
func (m *MemoryStore) ListActive(context.Context) ([]*Checkpoint, error) {
	return activeOf(m.all()), nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
