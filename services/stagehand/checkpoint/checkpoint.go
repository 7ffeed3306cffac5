// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint holds the durable snapshot written at every stage
// boundary of a run. It is the only run state that must survive a process
// restart and is deliberately coarser than the in-memory execution record.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/AleutianAI/stagehand/pkg/validation"
)

// Version is the current checkpoint format version (semver).
const Version = "1.0.0"

var (
	// ErrNotFound is returned when no checkpoint matches the lookup.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt is returned when a checkpoint fails checksum verification.
	ErrCorrupt = errors.New("checkpoint corrupt")

	// ErrInvalidInput is returned for nil checkpoints or malformed run IDs.
	ErrInvalidInput = errors.New("invalid input")
)

// Status is the run status recorded in a checkpoint.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// IsTerminal reports whether no further work will happen for the run.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Checkpoint is the persisted snapshot of one run.
//
// WorkContext re-associates a recovered run with the project that started
// it. ItemID is the bound work queue item, when there is one.
type Checkpoint struct {
	RunID           string         `json:"run_id"`
	GraphID         string         `json:"graph_id"`
	Status          Status         `json:"status"`
	CurrentStage    string         `json:"current_stage,omitempty"`
	CompletedStages []string       `json:"completed_stages"`
	SkippedStages   []string       `json:"skipped_stages,omitempty"`
	Outputs         map[string]any `json:"outputs,omitempty"`
	Input           any            `json:"input,omitempty"`
	WorkContext     string         `json:"work_context,omitempty"`
	ItemID          string         `json:"item_id,omitempty"`
	Error           string         `json:"error,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Version         string         `json:"version"`
	Checksum        string         `json:"checksum"`
}

// key returns the identity used to pick the latest checkpoint: the work
// context, or the run ID for runs that have none.
func (c *Checkpoint) key() string {
	if c.WorkContext != "" {
		return c.WorkContext
	}
	return "run:" + c.RunID
}

func (c *Checkpoint) computeChecksum() (string, error) {
	unsealed := *c
	unsealed.Checksum = ""
	data, err := json.Marshal(&unsealed)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Seal stamps the format version and computes the checksum. Call it after
// the last mutation and before writing.
func (c *Checkpoint) Seal() error {
	c.Version = Version
	sum, err := c.computeChecksum()
	if err != nil {
		return err
	}
	c.Checksum = sum
	return nil
}

// Verify checks the version and checksum.
func (c *Checkpoint) Verify() error {
	if c.Version != Version {
		return fmt.Errorf("%w: version %q, want %q", ErrCorrupt, c.Version, Version)
	}
	sum, err := c.computeChecksum()
	if err != nil {
		return err
	}
	if sum != c.Checksum {
		return fmt.Errorf("%w: checksum mismatch for run %s", ErrCorrupt, c.RunID)
	}
	return nil
}

// IsCompleted reports whether stageID is in CompletedStages.
func (c *Checkpoint) IsCompleted(stageID string) bool {
	for _, id := range c.CompletedStages {
		if id == stageID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Outputs and Input are copied through a JSON
// round trip, so numbers come back as float64 exactly as they would after
// a reload from disk.
func (c *Checkpoint) Clone() *Checkpoint {
	data, err := json.Marshal(c)
	if err == nil {
		var out Checkpoint
		if json.Unmarshal(data, &out) == nil {
			return &out
		}
	}
	out := *c
	out.CompletedStages = append([]string(nil), c.CompletedStages...)
	out.SkippedStages = append([]string(nil), c.SkippedStages...)
	return &out
}

// Store persists checkpoints.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	// Save seals and writes cp, overwriting any previous checkpoint for
	// cp.RunID. cp is sealed in place.
	Save(ctx context.Context, cp *Checkpoint) error

	// Load returns the verified checkpoint for runID or ErrNotFound.
	Load(ctx context.Context, runID string) (*Checkpoint, error)

	// Latest returns the most recently updated checkpoint for workContext or
	// ErrNotFound.
	Latest(ctx context.Context, workContext string) (*Checkpoint, error)

	// ListActive returns, for every work context, its latest checkpoint when
	// that checkpoint is not terminal. Ordered by UpdatedAt, oldest first.
	ListActive(ctx context.Context) ([]*Checkpoint, error)

	// Delete removes the checkpoint for runID. Missing runs are not an error.
	Delete(ctx context.Context, runID string) error
}

func validate(cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("%w: checkpoint must not be nil", ErrInvalidInput)
	}
	return validateRunID(cp.RunID)
}

// validateRunID restricts run IDs to characters safe for file names and keys.
func validateRunID(runID string) error {
	if err := validation.RunID(runID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func prepare(cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	if err := normalize(cp); err != nil {
		return err
	}
	return cp.Seal()
}

// normalize replaces Outputs and Input with their JSON-decoded form so the
// checksum computed now matches the one recomputed after a reload.
func normalize(cp *Checkpoint) error {
	payload := struct {
		Outputs map[string]any `json:"outputs"`
		Input   any            `json:"input"`
	}{cp.Outputs, cp.Input}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: outputs are not JSON encodable: %v", ErrInvalidInput, err)
	}
	payload.Outputs, payload.Input = nil, nil
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("normalize checkpoint: %w", err)
	}
	cp.Outputs, cp.Input = payload.Outputs, payload.Input
	return nil
}

// newer reports whether a should replace b as the latest checkpoint.
func newer(a, b *Checkpoint) bool {
	if b == nil {
		return true
	}
	return !a.UpdatedAt.Before(b.UpdatedAt)
}

// latestPerContext reduces cps to the latest checkpoint per work context.
func latestPerContext(cps []*Checkpoint) map[string]*Checkpoint {
	out := make(map[string]*Checkpoint)
	for _, cp := range cps {
		if newer(cp, out[cp.key()]) {
			out[cp.key()] = cp
		}
	}
	return out
}

// activeOf returns the non-terminal latest checkpoints, oldest first.
func activeOf(cps []*Checkpoint) []*Checkpoint {
	var out []*Checkpoint
	for _, cp := range latestPerContext(cps) {
		if !cp.Status.IsTerminal() {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}

// latestFor returns the latest checkpoint in cps for workContext.
func latestFor(cps []*Checkpoint, workContext string) (*Checkpoint, error) {
	var best *Checkpoint
	for _, cp := range cps {
		if cp.WorkContext == workContext && newer(cp, best) {
			best = cp
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: work context %s", ErrNotFound, workContext)
	}
	return best, nil
}
