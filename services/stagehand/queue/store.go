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
	"context"
	"sort"
	"sync"
)

// Store persists queue items. The queue serializes calls per project, so a
// store only needs to be safe for concurrent use across projects.
type Store interface {
	// NextSequence reserves the next sequence number for projectID. Numbers
	// start at 1 and never repeat, including across restarts.
	NextSequence(ctx context.Context, projectID string) (int64, error)

	// Put inserts or replaces an item.
	Put(ctx context.Context, item *Item) error

	// Get returns a copy of one item, or a *QueueItemNotFoundError.
	Get(ctx context.Context, projectID, itemID string) (*Item, error)

	// List returns the project's items ordered by sequence.
	List(ctx context.Context, projectID string) ([]*Item, error)

	// Delete removes an item. Deleting a missing item is not an error.
	Delete(ctx context.Context, projectID, itemID string) error

	// Projects returns every project that has at least one stored item.
	Projects(ctx context.Context) ([]string, error)
}

// MemoryStore is a Store held in process memory.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]map[string]*Item
	seqs  map[string]int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]map[string]*Item),
		seqs:  make(map[string]int64),
	}
}

func (m *MemoryStore) NextSequence(_ context.Context, projectID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[projectID]++
	return m.seqs[projectID], nil
}

func (m *MemoryStore) Put(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.items[item.ProjectID]
	if !ok {
		project = make(map[string]*Item)
		m.items[item.ProjectID] = project
	}
	project[item.ID] = item.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, projectID, itemID string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[projectID][itemID]
	if !ok {
		return nil, &QueueItemNotFoundError{ProjectID: projectID, ItemID: itemID}
	}
	return item.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, projectID string) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Item, 0, len(m.items[projectID]))
	for _, item := range m.items[projectID] {
		out = append(out, item.Clone())
	}
	sortBySequence(out)
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, projectID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items[projectID], itemID)
	if len(m.items[projectID]) == 0 {
		delete(m.items, projectID)
	}
	return nil
}

func (m *MemoryStore) Projects(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.items))
	for id := range m.items {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func sortBySequence(items []*Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].Sequence < items[j].Sequence })
}

var _ Store = (*MemoryStore)(nil)
