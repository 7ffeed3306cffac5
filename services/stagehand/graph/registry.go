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
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Resolver looks graphs up by ID.
type Resolver interface {
	Resolve(id string) (*PipelineGraph, error)
}

// Registry holds validated, immutable pipeline graphs keyed by ID.
//
// Thread Safety:
//
//	Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	graphs map[string]*PipelineGraph
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
//
// Inputs:
//
//	logger - Logger for registration events. If nil, uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		graphs: make(map[string]*PipelineGraph),
		logger: logger.With(slog.String("component", "graph_registry")),
	}
}

// Register validates g and stores a private copy of it.
//
// Description:
//
//	Fails with *GraphValidationError (listing every violation) when g is
//	invalid, or ErrDuplicateGraph when the ID is already registered. The
//	caller may keep modifying its own g afterwards without affecting the
//	registered copy.
//
// Outputs:
//
//	error - Non-nil if validation fails or the ID is taken.
func (r *Registry) Register(g *PipelineGraph) error {
	if g == nil {
		return ErrNilGraph
	}
	if err := Validate(g); err != nil {
		r.logger.Warn("rejected pipeline graph",
			slog.String("graph_id", g.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	stored := g.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.graphs[g.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateGraph, g.ID)
	}
	r.graphs[g.ID] = stored

	r.logger.Info("registered pipeline graph",
		slog.String("graph_id", g.ID),
		slog.String("version", g.Version),
		slog.Int("stages", len(g.Stages)),
	)
	return nil
}

// Resolve returns the registered graph or *NotFoundError.
//
// The returned graph is shared and must not be modified.
func (r *Registry) Resolve(id string) (*PipelineGraph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[id]
	if !ok {
		return nil, &NotFoundError{GraphID: id}
	}
	return g, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.graphs[id]
	return ok
}

// List returns all registered graphs sorted by ID.
func (r *Registry) List() []*PipelineGraph {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PipelineGraph, 0, len(r.graphs))
	for _, g := range r.graphs {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered graphs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.graphs)
}
