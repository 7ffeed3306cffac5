// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent defines the capability a pipeline stage delegates to.
//
// The scheduler treats an agent invocation as an opaque, timed, retryable
// unit of work. Agents receive the stage definition and the results of the
// stage's dependencies and return a Result or an error. The stage timeout is
// carried by the context deadline.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/stagehand/services/stagehand/graph"
)

var (
	// ErrAgentNotFound is returned when a stage references an unknown agent.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrDuplicateAgent is returned when an agent name is registered twice.
	ErrDuplicateAgent = errors.New("agent already registered")
)

// Result is what an agent returns for one stage.
type Result struct {
	// Output is passed to dependent stages as their input for this stage.
	Output any `json:"output"`

	// Decision is the routing outcome for stages with outgoing connections.
	// Guards read it under the keys "outcome" and "decision".
	Decision string `json:"decision,omitempty"`

	// Rationale is a human-readable explanation recorded with routing
	// decisions.
	Rationale string `json:"rationale,omitempty"`
}

// Field exposes the result to routing guards.
//
// "outcome" and "decision" resolve to Decision when it is set. Any other key
// is looked up in Output when Output is a map.
func (r Result) Field(key string) (any, bool) {
	if (key == "outcome" || key == "decision") && r.Decision != "" {
		return r.Decision, true
	}
	switch out := r.Output.(type) {
	case map[string]any:
		v, ok := out[key]
		return v, ok
	case map[string]string:
		v, ok := out[key]
		return v, ok
	case string:
		if key == "outcome" {
			return out, true
		}
	}
	return nil, false
}

// Agent performs the work of a stage.
type Agent interface {
	// Invoke runs the stage once. ctx carries the stage deadline; agents
	// that ignore it are abandoned, not waited on, when it expires.
	Invoke(ctx context.Context, stage graph.StageDefinition, inputs map[string]any) (Result, error)
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, stage graph.StageDefinition, inputs map[string]any) (Result, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, stage graph.StageDefinition, inputs map[string]any) (Result, error) {
	return f(ctx, stage, inputs)
}

// Registry dispatches invocations to agents by the stage's agent reference.
//
// Thread Safety:
//
//	Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register binds name to a.
func (r *Registry) Register(name string, a Agent) error {
	if name == "" || a == nil {
		return fmt.Errorf("agent name and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, name)
	}
	r.agents[name] = a
	return nil
}

// Lookup returns the agent registered under name.
func (r *Registry) Lookup(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return a, nil
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke dispatches to the agent named by stage.Agent.
func (r *Registry) Invoke(ctx context.Context, stage graph.StageDefinition, inputs map[string]any) (Result, error) {
	a, err := r.Lookup(stage.Agent)
	if err != nil {
		return Result{}, err
	}
	return a.Invoke(ctx, stage, inputs)
}

var _ Agent = (*Registry)(nil)
