// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package definition reads pipeline graphs from YAML and HCL files.
//
// A YAML definition:
//
//	id: review
//	version: "1"
//	stages:
//	  - id: plan
//	    agent: planner
//	  - id: implement
//	    agent: coder
//	    depends_on: [plan]
//	    timeout: 10m
//	    retry: {max_attempts: 3, backoff: exponential, base_delay: 2s}
//	connections:
//	  - {from: plan, to: implement, guard: "decision=approve"}
//
// The same graph in HCL:
//
//	pipeline "review" {
//	  version = "1"
//	  stage "plan" {
//	    agent = "planner"
//	  }
//	  stage "implement" {
//	    agent      = "coder"
//	    depends_on = ["plan"]
//	    timeout    = "10m"
//	    retry {
//	      max_attempts = 3
//	      backoff      = "exponential"
//	      base_delay   = "2s"
//	    }
//	  }
//	  connection {
//	    from  = "plan"
//	    to    = "implement"
//	    guard = "decision=approve"
//	  }
//	}
package definition

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/stagehand/services/stagehand/graph"
)

// documentValidate checks the shape of a decoded file before it is turned
// into a graph. Graph-level rules (cycles, dependencies) are left to
// graph.Validate.
var documentValidate = validator.New()

// Document is the on-disk form of one pipeline graph.
type Document struct {
	ID          string          `yaml:"id" hcl:"id,label" validate:"required"`
	Name        string          `yaml:"name,omitempty" hcl:"name,optional"`
	Version     string          `yaml:"version,omitempty" hcl:"version,optional"`
	Stages      []StageDoc      `yaml:"stages" hcl:"stage,block" validate:"required,min=1,dive"`
	Connections []ConnectionDoc `yaml:"connections,omitempty" hcl:"connection,block" validate:"dive"`
}

// StageDoc is the on-disk form of a stage. Durations are Go duration
// strings.
type StageDoc struct {
	ID        string            `yaml:"id" hcl:"id,label" validate:"required"`
	Name      string            `yaml:"name,omitempty" hcl:"name,optional"`
	Type      string            `yaml:"type,omitempty" hcl:"type,optional"`
	Agent     string            `yaml:"agent" hcl:"agent,optional"`
	DependsOn []string          `yaml:"depends_on,omitempty" hcl:"depends_on,optional"`
	Parallel  bool              `yaml:"parallel,omitempty" hcl:"parallel,optional"`
	Timeout   string            `yaml:"timeout,omitempty" hcl:"timeout,optional"`
	Retry     *RetryDoc         `yaml:"retry,omitempty" hcl:"retry,block"`
	Config    map[string]string `yaml:"config,omitempty" hcl:"config,optional"`
}

// RetryDoc is the on-disk form of a retry policy.
type RetryDoc struct {
	MaxAttempts int    `yaml:"max_attempts" hcl:"max_attempts,optional" validate:"gte=0,lte=100"`
	Backoff     string `yaml:"backoff,omitempty" hcl:"backoff,optional" validate:"omitempty,oneof=fixed linear exponential"`
	BaseDelay   string `yaml:"base_delay,omitempty" hcl:"base_delay,optional"`
	MaxDelay    string `yaml:"max_delay,omitempty" hcl:"max_delay,optional"`
}

// ConnectionDoc is the on-disk form of a routing connection.
type ConnectionDoc struct {
	From  string `yaml:"from" hcl:"from" validate:"required"`
	To    string `yaml:"to" hcl:"to" validate:"required"`
	Guard string `yaml:"guard,omitempty" hcl:"guard,optional"`
}

// Graph converts the document to a pipeline graph.
//
// Description:
//
//	Checks field shapes and parses durations. A stage without a type is an
//	agent_call. The returned graph has not been run through graph.Validate;
//	graph.Registry.Register does that.
//
// Outputs:
//
//	*graph.PipelineGraph - The converted graph.
//	error - Wraps ErrInvalidDocument on malformed fields.
func (d *Document) Graph() (*graph.PipelineGraph, error) {
	if err := documentValidate.Struct(d); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDocument, err.Error())
	}

	g := &graph.PipelineGraph{
		ID:      d.ID,
		Name:    d.Name,
		Version: d.Version,
		Stages:  make([]graph.StageDefinition, 0, len(d.Stages)),
	}
	for _, s := range d.Stages {
		st, err := s.stage()
		if err != nil {
			return nil, fmt.Errorf("%w: stage %q: %s", ErrInvalidDocument, s.ID, err.Error())
		}
		g.Stages = append(g.Stages, st)
	}
	for _, c := range d.Connections {
		g.Connections = append(g.Connections, graph.Connection{From: c.From, To: c.To, Guard: c.Guard})
	}
	return g, nil
}

func (s StageDoc) stage() (graph.StageDefinition, error) {
	st := graph.StageDefinition{
		ID:        s.ID,
		Name:      s.Name,
		Type:      graph.StageType(s.Type),
		Agent:     s.Agent,
		DependsOn: s.DependsOn,
		Parallel:  s.Parallel,
		Config:    s.Config,
	}
	if st.Type == "" {
		st.Type = graph.StageAgentCall
	}

	var err error
	if st.Timeout, err = parseDuration("timeout", s.Timeout); err != nil {
		return st, err
	}
	if s.Retry != nil {
		st.Retry = graph.RetryPolicy{
			MaxAttempts: s.Retry.MaxAttempts,
			Backoff:     graph.BackoffKind(s.Retry.Backoff),
		}
		if st.Retry.BaseDelay, err = parseDuration("base_delay", s.Retry.BaseDelay); err != nil {
			return st, err
		}
		if st.Retry.MaxDelay, err = parseDuration("max_delay", s.Retry.MaxDelay); err != nil {
			return st, err
		}
	}
	return st, nil
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}
