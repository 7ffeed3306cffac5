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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stage(id string, deps ...string) StageDefinition {
	return StageDefinition{ID: id, Type: StageAgentCall, Agent: "echo", DependsOn: deps}
}

func TestRegister_ValidGraph(t *testing.T) {
	r := NewRegistry(nil)
	g := &PipelineGraph{
		ID:     "linear",
		Stages: []StageDefinition{stage("a"), stage("b", "a"), stage("c", "b")},
	}

	require.NoError(t, r.Register(g))

	got, err := r.Resolve("linear")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got.StageIDs())
	assert.Equal(t, []string{"a"}, got.EntryStages())
	assert.Equal(t, []string{"c"}, got.Sinks())
}

func TestRegister_StoresPrivateCopy(t *testing.T) {
	r := NewRegistry(nil)
	g := &PipelineGraph{ID: "g", Stages: []StageDefinition{stage("a"), stage("b", "a")}}
	require.NoError(t, r.Register(g))

	g.Stages[1].DependsOn[0] = "zzz"
	g.Stages = append(g.Stages, stage("c"))

	got, err := r.Resolve("g")
	require.NoError(t, err)
	assert.Len(t, got.Stages, 2)
	assert.Equal(t, []string{"a"}, got.Stages[1].DependsOn)
}

func TestRegister_Duplicate(t *testing.T) {
	r := NewRegistry(nil)
	g := &PipelineGraph{ID: "g", Stages: []StageDefinition{stage("a")}}
	require.NoError(t, r.Register(g))

	err := r.Register(g)
	assert.ErrorIs(t, err, ErrDuplicateGraph)
}

func TestRegister_ListsEveryViolation(t *testing.T) {
	r := NewRegistry(nil)
	g := &PipelineGraph{
		ID: "broken",
		Stages: []StageDefinition{
			stage("a", "missing"),
			stage("b", "c"),
			stage("c", "b"),
			{ID: "d", Type: "bogus", DependsOn: []string{"d"}},
		},
	}

	err := r.Register(g)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidGraph)

	var verr *GraphValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "broken", verr.GraphID)
	assert.True(t, verr.Has(RuleMissingDep), "missing dependency not reported")
	assert.True(t, verr.Has(RuleCycle), "cycle not reported")
	assert.True(t, verr.Has(RuleUnknownType), "unknown type not reported")
	assert.True(t, verr.Has(RuleMissingAgent), "missing agent not reported")
	assert.True(t, verr.Has(RuleSelfDependency), "self dependency not reported")
	assert.True(t, verr.Has(RuleNoEntryPoint), "missing entry point not reported")
	assert.False(t, r.Has("broken"))
}

func TestValidate_AcyclicIffRegisters(t *testing.T) {
	tests := []struct {
		name    string
		stages  []StageDefinition
		wantErr bool
	}{
		{"single", []StageDefinition{stage("a")}, false},
		{"diamond", []StageDefinition{stage("a"), stage("b", "a"), stage("c", "a"), stage("d", "b", "c")}, false},
		{"two entries", []StageDefinition{stage("a"), stage("b"), stage("c", "a", "b")}, false},
		{"cycle of three", []StageDefinition{stage("a"), stage("b", "a", "d"), stage("c", "b"), stage("d", "c")}, true},
		{"unknown dep", []StageDefinition{stage("a"), stage("b", "x")}, true},
		{"duplicate dep", []StageDefinition{stage("a"), stage("b", "a", "a")}, true},
		{"duplicate id", []StageDefinition{stage("a"), stage("a")}, true},
		{"empty", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&PipelineGraph{ID: "g", Stages: tt.stages})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_Connections(t *testing.T) {
	g := &PipelineGraph{
		ID:     "routed",
		Stages: []StageDefinition{stage("review"), stage("publish"), stage("revise")},
		Connections: []Connection{
			{From: "review", To: "publish", Guard: "outcome=approved"},
			{From: "review", To: "revise"},
		},
	}
	require.NoError(t, Validate(g))
	assert.Equal(t, []string{"review"}, g.Dependencies("publish"))
	assert.Equal(t, []string{"review"}, g.EntryStages())
	assert.Equal(t, []string{"publish", "revise"}, g.Sinks())

	bad := g.Clone()
	bad.Connections = append(bad.Connections,
		Connection{From: "review", To: "nowhere"},
		Connection{From: "publish", To: "review", Guard: "=x"},
	)
	err := Validate(bad)
	var verr *GraphValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has(RuleInvalidConnect))
	assert.True(t, verr.Has(RuleCycle))
}

func TestResolve_NotFound(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Resolve("nope")

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.GraphID)
	assert.ErrorIs(t, err, ErrGraphNotFound)
}

func TestRetryPolicy_Delay(t *testing.T) {
	base := 100 * time.Millisecond
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"fixed 1", RetryPolicy{Backoff: BackoffFixed, BaseDelay: base}, 1, base},
		{"fixed 3", RetryPolicy{Backoff: BackoffFixed, BaseDelay: base}, 3, base},
		{"default is fixed", RetryPolicy{BaseDelay: base}, 2, base},
		{"linear 3", RetryPolicy{Backoff: BackoffLinear, BaseDelay: base}, 3, 3 * base},
		{"exponential 1", RetryPolicy{Backoff: BackoffExponential, BaseDelay: base}, 1, base},
		{"exponential 4", RetryPolicy{Backoff: BackoffExponential, BaseDelay: base}, 4, 8 * base},
		{"capped", RetryPolicy{Backoff: BackoffExponential, BaseDelay: base, MaxDelay: 250 * time.Millisecond}, 4, 250 * time.Millisecond},
		{"huge attempt capped", RetryPolicy{Backoff: BackoffExponential, BaseDelay: time.Hour, MaxDelay: time.Minute}, 90, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Delay(tt.attempt))
		})
	}
}

func TestRetryPolicy_Attempts(t *testing.T) {
	assert.Equal(t, 1, RetryPolicy{}.Attempts())
	assert.Equal(t, 1, RetryPolicy{MaxAttempts: -2}.Attempts())
	assert.Equal(t, 3, RetryPolicy{MaxAttempts: 3}.Attempts())
}

type fields map[string]any

func (f fields) Field(k string) (any, bool) {
	v, ok := f[k]
	return v, ok
}

func TestGuard(t *testing.T) {
	tests := []struct {
		expr   string
		result any
		want   bool
	}{
		{"", nil, true},
		{"default", "anything", true},
		{"outcome=approved", map[string]any{"outcome": "approved"}, true},
		{"outcome=approved", map[string]any{"outcome": "rejected"}, false},
		{"outcome=approved", "approved", true},
		{"score=3", map[string]any{"score": 3}, true},
		{"outcome!=approved", map[string]any{"outcome": "rejected"}, true},
		{"outcome!=approved", map[string]any{}, true},
		{"has:errors", map[string]string{"errors": ""}, true},
		{"has:errors", map[string]string{}, false},
		{"decision=retry", fields{"decision": "retry"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			g, err := ParseGuard(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, g.Match(tt.result))
		})
	}

	_, err := ParseGuard("no operator here")
	assert.ErrorIs(t, err, ErrInvalidGuard)
	_, err = ParseGuard("has:")
	assert.ErrorIs(t, err, ErrInvalidGuard)
}

func TestConnection_When(t *testing.T) {
	c := Connection{From: "a", To: "b", Guard: "has:n", When: func(r any) bool {
		return r.(map[string]any)["n"].(int) > 2
	}}
	assert.True(t, c.Matches(map[string]any{"n": 3}))
	assert.False(t, c.Matches(map[string]any{"n": 1}))
	assert.False(t, c.Matches(map[string]any{}))
}
