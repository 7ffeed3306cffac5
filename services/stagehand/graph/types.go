// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph describes pipelines as immutable dependency graphs of stages.
//
// A PipelineGraph is validated once, when it is registered, and is never
// modified afterwards. Schedulers resolve graphs by ID from a Registry and
// only read them.
//
// Thread Safety:
//
//	Registry is safe for concurrent use. PipelineGraph values held by a
//	Registry must be treated as read-only.
package graph

import (
	"math"
	"time"
)

// DefaultStageTimeout is used for stages that do not set a timeout.
const DefaultStageTimeout = 30 * time.Second

// StageType identifies what kind of work a stage performs.
type StageType string

const (
	StageAgentCall   StageType = "agent_call"
	StageValidator   StageType = "validator"
	StageTransformer StageType = "transformer"
	StageRouter      StageType = "router"
	StageFanOut      StageType = "fan_out"
)

// Valid reports whether t is a known stage type.
func (t StageType) Valid() bool {
	switch t {
	case StageAgentCall, StageValidator, StageTransformer, StageRouter, StageFanOut:
		return true
	default:
		return false
	}
}

// BackoffKind selects how the delay between retry attempts grows.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// Valid reports whether k is a known backoff kind.
func (k BackoffKind) Valid() bool {
	switch k {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		return true
	default:
		return false
	}
}

// RetryPolicy controls how often a failing stage is attempted and how long
// the runner waits between attempts.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Zero or negative means a single attempt.
	MaxAttempts int `json:"max_attempts"`

	// Backoff selects the delay growth. Empty means fixed.
	Backoff BackoffKind `json:"backoff,omitempty"`

	// BaseDelay is the unit delay the backoff kind scales.
	BaseDelay time.Duration `json:"base_delay,omitempty"`

	// MaxDelay caps the computed delay when positive.
	MaxDelay time.Duration `json:"max_delay,omitempty"`
}

// Attempts returns the effective number of attempts, never less than one.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns how long to wait after the given failed attempt (1-based)
// before the next one.
//
// Description:
//
//	fixed:       BaseDelay
//	linear:      attempt * BaseDelay
//	exponential: BaseDelay * 2^(attempt-1)
//
//	The result is capped at MaxDelay when MaxDelay is positive.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = time.Duration(attempt) * p.BaseDelay
	case BackoffExponential:
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		factor := time.Duration(1) << shift
		if p.BaseDelay > 0 && factor > math.MaxInt64/p.BaseDelay {
			d = time.Duration(math.MaxInt64)
		} else {
			d = p.BaseDelay * factor
		}
	default:
		d = p.BaseDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// StageDefinition is one node of a pipeline graph.
type StageDefinition struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	Type      StageType         `json:"type"`
	Agent     string            `json:"agent"`
	DependsOn []string          `json:"depends_on,omitempty"`
	Retry     RetryPolicy       `json:"retry"`
	Timeout   time.Duration     `json:"timeout,omitempty"`
	Parallel  bool              `json:"parallel"`
	Config    map[string]string `json:"config,omitempty"`
}

// EffectiveTimeout returns the stage timeout or DefaultStageTimeout.
func (s StageDefinition) EffectiveTimeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultStageTimeout
	}
	return s.Timeout
}

// DisplayName returns Name, falling back to ID.
func (s StageDefinition) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Connection routes the result of From to To when Guard matches.
//
// The target of a connection implicitly depends on its source.
type Connection struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Guard string `json:"guard,omitempty"`

	// When, if set, is evaluated in addition to Guard. Both must match.
	When func(result any) bool `json:"-"`
}

// Matches reports whether the connection accepts the given stage result.
func (c Connection) Matches(result any) bool {
	g, err := ParseGuard(c.Guard)
	if err != nil {
		return false
	}
	if !g.Match(result) {
		return false
	}
	if c.When != nil && !c.When(result) {
		return false
	}
	return true
}

// PipelineGraph is an immutable pipeline description.
type PipelineGraph struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Version     string            `json:"version,omitempty"`
	Stages      []StageDefinition `json:"stages"`
	Connections []Connection      `json:"connections,omitempty"`
}

// Stage returns the stage with the given ID.
func (g *PipelineGraph) Stage(id string) (StageDefinition, bool) {
	for _, s := range g.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return StageDefinition{}, false
}

// StageIDs returns stage IDs in declaration order.
func (g *PipelineGraph) StageIDs() []string {
	ids := make([]string, len(g.Stages))
	for i, s := range g.Stages {
		ids[i] = s.ID
	}
	return ids
}

// Dependencies returns the effective dependencies of a stage: its declared
// DependsOn followed by the sources of connections targeting it.
func (g *PipelineGraph) Dependencies(id string) []string {
	stage, ok := g.Stage(id)
	if !ok {
		return nil
	}
	deps := make([]string, 0, len(stage.DependsOn))
	seen := make(map[string]bool, len(stage.DependsOn))
	for _, d := range stage.DependsOn {
		if !seen[d] {
			seen[d] = true
			deps = append(deps, d)
		}
	}
	for _, c := range g.Connections {
		if c.To == id && !seen[c.From] {
			seen[c.From] = true
			deps = append(deps, c.From)
		}
	}
	return deps
}

// Outgoing returns the connections leaving a stage, in declaration order.
func (g *PipelineGraph) Outgoing(id string) []Connection {
	var out []Connection
	for _, c := range g.Connections {
		if c.From == id {
			out = append(out, c)
		}
	}
	return out
}

// EntryStages returns the IDs of stages with no effective dependencies.
func (g *PipelineGraph) EntryStages() []string {
	var entries []string
	for _, s := range g.Stages {
		if len(g.Dependencies(s.ID)) == 0 {
			entries = append(entries, s.ID)
		}
	}
	return entries
}

// Sinks returns the IDs of stages no other stage depends on, in declaration
// order.
func (g *PipelineGraph) Sinks() []string {
	hasDependent := make(map[string]bool)
	for _, s := range g.Stages {
		for _, d := range g.Dependencies(s.ID) {
			hasDependent[d] = true
		}
	}
	var sinks []string
	for _, s := range g.Stages {
		if !hasDependent[s.ID] {
			sinks = append(sinks, s.ID)
		}
	}
	return sinks
}

// Clone returns a deep copy of the graph.
func (g *PipelineGraph) Clone() *PipelineGraph {
	if g == nil {
		return nil
	}
	c := &PipelineGraph{
		ID:      g.ID,
		Name:    g.Name,
		Version: g.Version,
		Stages:  make([]StageDefinition, len(g.Stages)),
	}
	for i, s := range g.Stages {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		if s.Config != nil {
			cfg := make(map[string]string, len(s.Config))
			for k, v := range s.Config {
				cfg[k] = v
			}
			s.Config = cfg
		}
		c.Stages[i] = s
	}
	if len(g.Connections) > 0 {
		c.Connections = append([]Connection(nil), g.Connections...)
	}
	return c
}
