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
	"strings"
)

// Validate checks a graph and returns a *GraphValidationError listing every
// violation, or nil if the graph is valid.
//
// Description:
//
//	Checks structure (IDs, stage types, agents, retry policies, timeouts),
//	that every dependency and connection endpoint names a stage of the same
//	graph, that the effective dependency relation is acyclic, and that at
//	least one stage has no dependencies. Validation does not stop at the
//	first problem.
//
// Inputs:
//
//	g - The graph to check. Must not be nil.
//
// Outputs:
//
//	error - *GraphValidationError, or nil.
func Validate(g *PipelineGraph) error {
	if g == nil {
		return ErrNilGraph
	}

	v := &validator{graph: g, known: make(map[string]bool, len(g.Stages))}
	v.checkStages()
	v.checkConnections()
	v.checkCycles()
	v.checkEntryPoint()

	if len(v.violations) == 0 {
		return nil
	}
	return &GraphValidationError{GraphID: g.ID, Violations: v.violations}
}

type validator struct {
	graph      *PipelineGraph
	known      map[string]bool
	violations []Violation
}

func (v *validator) add(rule Rule, stageID, format string, args ...any) {
	v.violations = append(v.violations, Violation{
		Rule:    rule,
		StageID: stageID,
		Message: fmt.Sprintf(format, args...),
	})
}

func (v *validator) checkStages() {
	g := v.graph
	if strings.TrimSpace(g.ID) == "" {
		v.add(RuleMissingID, "", "graph id must not be empty")
	}
	if len(g.Stages) == 0 {
		v.add(RuleNoStages, "", "graph has no stages")
		return
	}

	for i, s := range g.Stages {
		if strings.TrimSpace(s.ID) == "" {
			v.add(RuleMissingID, "", "stage at index %d has no id", i)
			continue
		}
		if v.known[s.ID] {
			v.add(RuleDuplicateStage, s.ID, "declared more than once")
			continue
		}
		v.known[s.ID] = true
	}

	for _, s := range g.Stages {
		if s.ID == "" {
			continue
		}
		if !s.Type.Valid() {
			v.add(RuleUnknownType, s.ID, "unknown stage type %q", s.Type)
		}
		if strings.TrimSpace(s.Agent) == "" {
			v.add(RuleMissingAgent, s.ID, "no agent reference")
		}
		if s.Timeout < 0 {
			v.add(RuleInvalidTimeout, s.ID, "timeout must not be negative")
		}
		v.checkRetry(s)

		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			switch {
			case dep == s.ID:
				v.add(RuleSelfDependency, s.ID, "depends on itself")
			case seen[dep]:
				v.add(RuleDuplicateDep, s.ID, "dependency %q listed more than once", dep)
			case !v.known[dep]:
				v.add(RuleMissingDep, s.ID, "dependency %q does not exist", dep)
			}
			seen[dep] = true
		}
	}
}

func (v *validator) checkRetry(s StageDefinition) {
	p := s.Retry
	if p.MaxAttempts < 0 {
		v.add(RuleInvalidRetry, s.ID, "max attempts must not be negative")
	}
	if p.Backoff != "" && !p.Backoff.Valid() {
		v.add(RuleInvalidRetry, s.ID, "unknown backoff %q", p.Backoff)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		v.add(RuleInvalidRetry, s.ID, "retry delays must not be negative")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		v.add(RuleInvalidRetry, s.ID, "base delay %s exceeds max delay %s", p.BaseDelay, p.MaxDelay)
	}
}

func (v *validator) checkConnections() {
	type edge struct{ from, to string }
	seen := make(map[edge]bool, len(v.graph.Connections))
	for i, c := range v.graph.Connections {
		valid := true
		if !v.known[c.From] {
			v.add(RuleInvalidConnect, c.From, "connection %d: unknown source stage %q", i, c.From)
			valid = false
		}
		if !v.known[c.To] {
			v.add(RuleInvalidConnect, c.From, "connection %d: unknown target stage %q", i, c.To)
			valid = false
		}
		if valid && c.From == c.To {
			v.add(RuleInvalidConnect, c.From, "connection %d routes a stage to itself", i)
			valid = false
		}
		if _, err := ParseGuard(c.Guard); err != nil {
			v.add(RuleInvalidConnect, c.From, "connection %d: %v", i, err)
		}
		e := edge{c.From, c.To}
		if seen[e] {
			v.add(RuleDuplicateConnect, c.From, "connection %s -> %s declared more than once", c.From, c.To)
		}
		seen[e] = true
	}
}

// checkCycles runs a DFS over the effective dependency relation and records
// one violation per distinct back edge.
func (v *validator) checkCycles() {
	g := v.graph
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.Stages))
	var path []string

	var dfs func(id string)
	dfs = func(id string) {
		color[id] = grey
		path = append(path, id)
		for _, dep := range g.Dependencies(id) {
			if !v.known[dep] || dep == id {
				continue
			}
			switch color[dep] {
			case white:
				dfs(dep)
			case grey:
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), path[start:]...), dep)
				v.add(RuleCycle, dep, "dependency cycle: %s", strings.Join(cycle, " -> "))
			}
		}
		path = path[:len(path)-1]
		color[id] = black
	}

	for _, s := range g.Stages {
		if s.ID != "" && color[s.ID] == white {
			dfs(s.ID)
		}
	}
}

func (v *validator) checkEntryPoint() {
	if len(v.graph.Stages) == 0 {
		return
	}
	for _, s := range v.graph.Stages {
		if s.ID != "" && len(v.graph.Dependencies(s.ID)) == 0 {
			return
		}
	}
	v.add(RuleNoEntryPoint, "", "no stage without dependencies")
}
