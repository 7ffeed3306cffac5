// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recovery resumes pipeline runs abandoned by a crash or restart.
//
// For each project the coordinator reads the latest checkpoint. A run that is
// not terminal is resumed only when the project is not processing and the
// run's last activity (newest progress record, or the checkpoint write time)
// is older than the liveness window. Resumption adopts the project into the
// work queue first, so the queue's processing set guarantees one resumption
// per run even when attaches race.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/stagehand/services/stagehand/checkpoint"
	"github.com/AleutianAI/stagehand/services/stagehand/events"
	"github.com/AleutianAI/stagehand/services/stagehand/progress"
	"github.com/AleutianAI/stagehand/services/stagehand/queue"
	"github.com/AleutianAI/stagehand/services/stagehand/telemetry"
)

const (
	// DefaultWindow is how recent a run's last activity must be for it to
	// count as alive.
	DefaultWindow = 3 * time.Minute

	// DefaultScanInterval is the period of the background scan.
	DefaultScanInterval = time.Minute
)

// Resumer continues a run from its checkpoint, re-running only the stages
// that had not completed. It blocks until the run is terminal.
type Resumer interface {
	Resume(ctx context.Context, cp *checkpoint.Checkpoint) error
}

// ResumeFunc adapts a function to Resumer.
type ResumeFunc func(ctx context.Context, cp *checkpoint.Checkpoint) error

// Resume implements Resumer.
func (f ResumeFunc) Resume(ctx context.Context, cp *checkpoint.Checkpoint) error { return f(ctx, cp) }

// WorkQueue is the part of the work queue the coordinator drives.
type WorkQueue interface {
	IsProcessing(projectID string) bool
	Adopt(ctx context.Context, projectID, itemID string) (func(runErr error), error)
	InProgress(ctx context.Context, projectID string) (*queue.Item, error)
	Settle(ctx context.Context, projectID, itemID string, runErr error) error
	Projects(ctx context.Context) ([]string, error)
}

// Config wires a Coordinator. Checkpoints, Queue and Resumer are required.
type Config struct {
	Checkpoints checkpoint.Store
	Progress    progress.Log
	Queue       WorkQueue
	Resumer     Resumer

	// Window is the liveness window. Defaults to DefaultWindow.
	Window time.Duration

	// ScanInterval is the period of the loop started by Start. Defaults to
	// DefaultScanInterval.
	ScanInterval time.Duration

	Clock   func() time.Time
	Events  events.Sink
	Metrics *Metrics
	Logger  *slog.Logger
}

// Coordinator decides, per project, whether a persisted run must be resumed.
//
// Thread Safety: Safe for concurrent use. Concurrent Attach calls for one
// project share a single evaluation.
type Coordinator struct {
	checkpoints checkpoint.Store
	progress    progress.Log
	queue       WorkQueue
	resumer     Resumer
	window      time.Duration
	interval    time.Duration
	now         func() time.Time
	events      events.Sink
	metrics     *Metrics
	logger      *slog.Logger

	group singleflight.Group

	// ctx bounds resumed runs. Close cancels it.
	ctx     context.Context
	cancel  context.CancelFunc
	resumes sync.WaitGroup
	loops   sync.WaitGroup

	mu       sync.Mutex
	resuming map[string]bool
	closed   bool
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Checkpoints == nil:
		return nil, fmt.Errorf("%w: checkpoint store is required", ErrInvalidConfig)
	case cfg.Queue == nil:
		return nil, fmt.Errorf("%w: work queue is required", ErrInvalidConfig)
	case cfg.Resumer == nil:
		return nil, fmt.Errorf("%w: resumer is required", ErrInvalidConfig)
	}
	c := &Coordinator{
		checkpoints: cfg.Checkpoints,
		progress:    cfg.Progress,
		queue:       cfg.Queue,
		resumer:     cfg.Resumer,
		window:      cfg.Window,
		interval:    cfg.ScanInterval,
		now:         cfg.Clock,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		resuming:    make(map[string]bool),
	}
	if c.window <= 0 {
		c.window = DefaultWindow
	}
	if c.interval <= 0 {
		c.interval = DefaultScanInterval
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.events == nil {
		c.events = events.Nop{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Attach evaluates the project's latest run and resumes it when stale.
//
// Description:
//
//	The latest checkpoint for projectID decides the outcome:
//	  - none: not_found. An unfinished queue item with no checkpoint that is
//	    older than the window is settled as error so the queue can move on.
//	  - terminal: completed or failed. A bound item still in progress is
//	    settled from the checkpoint.
//	  - project processing: skipped.
//	  - last activity within the window: actively_running, then skipped.
//	  - otherwise stale_resumable: the project is adopted into the queue and
//	    the run resumes in the background (resumed_running).
//
// Outputs:
//
//	Outcome - The decision. Callers sharing an in-flight evaluation get the
//	          same Outcome.
//	error - Store failures only. Guard conditions are reported as skipped.
func (c *Coordinator) Attach(ctx context.Context, projectID string) (Outcome, error) {
	if c.isClosed() {
		return Outcome{}, ErrClosed
	}
	return c.shared(ctx, projectID, func(ctx context.Context) (Outcome, error) {
		return c.attach(ctx, projectID)
	})
}

// shared runs fn once per key for all concurrent callers. fn gets a context
// detached from the caller's cancellation, so one caller giving up does not
// fail the others; that caller alone returns its context error.
func (c *Coordinator) shared(ctx context.Context, key string, fn func(context.Context) (Outcome, error)) (Outcome, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Outcome{}, res.Err
		}
		out, ok := res.Val.(Outcome)
		if !ok {
			return Outcome{}, fmt.Errorf("unexpected type from attach group: got %T", res.Val)
		}
		return out, nil
	}
}

func (c *Coordinator) attach(ctx context.Context, projectID string) (Outcome, error) {
	cp, err := c.checkpoints.Latest(ctx, projectID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		out := newOutcome(projectID)
		out.moveTo(StateNotFound, "no checkpoint for project")
		c.settleUnfinished(ctx, projectID, nil)
		c.record(out)
		return out, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load latest checkpoint for %s: %w", projectID, err)
	}
	return c.evaluate(ctx, cp)
}

// ResumeRun evaluates one run by ID, whether or not it is its project's
// latest.
func (c *Coordinator) ResumeRun(ctx context.Context, runID string) (Outcome, error) {
	if c.isClosed() {
		return Outcome{}, ErrClosed
	}
	cp, err := c.checkpoints.Load(ctx, runID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return Outcome{}, &RunNotFoundError{RunID: runID}
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	if cp.WorkContext == "" {
		return c.evaluate(ctx, cp)
	}
	return c.shared(ctx, cp.WorkContext, func(ctx context.Context) (Outcome, error) {
		return c.evaluate(ctx, cp)
	})
}

// RecoverAll attaches every project that has an active checkpoint or stored
// queue items, and evaluates active runs that belong to no project.
func (c *Coordinator) RecoverAll(ctx context.Context) ([]Outcome, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	c.metrics.scanned()

	active, err := c.checkpoints.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active checkpoints: %w", err)
	}
	queued, err := c.queue.Projects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queue projects: %w", err)
	}

	projects := make(map[string]bool, len(active)+len(queued))
	var loose []*checkpoint.Checkpoint
	for _, cp := range active {
		if cp.WorkContext == "" {
			loose = append(loose, cp)
			continue
		}
		projects[cp.WorkContext] = true
	}
	for _, p := range queued {
		projects[p] = true
	}
	ids := make([]string, 0, len(projects))
	for p := range projects {
		ids = append(ids, p)
	}
	sort.Strings(ids)

	var outcomes []Outcome
	var errs []error
	for _, p := range ids {
		out, err := c.Attach(ctx, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		outcomes = append(outcomes, out)
	}
	for _, cp := range loose {
		out, err := c.evaluate(ctx, cp)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		outcomes = append(outcomes, out)
	}

	c.logger.Info("recovery scan finished",
		slog.Int("projects", len(ids)),
		slog.Int("unbound_runs", len(loose)),
		slog.Int("resumed", countState(outcomes, StateResumedRunning)),
		slog.Int("errors", len(errs)),
	)
	return outcomes, errors.Join(errs...)
}

func countState(outcomes []Outcome, s State) int {
	n := 0
	for _, o := range outcomes {
		if o.State == s {
			n++
		}
	}
	return n
}

// evaluate walks the state machine for one checkpoint.
func (c *Coordinator) evaluate(ctx context.Context, cp *checkpoint.Checkpoint) (Outcome, error) {
	projectID := cp.WorkContext
	out := newOutcome(projectID)
	out.RunID = cp.RunID
	out.ItemID = cp.ItemID

	if cp.Status.IsTerminal() {
		state := StateCompleted
		if cp.Status != checkpoint.StatusCompleted {
			state = StateFailed
		}
		out.moveTo(state, fmt.Sprintf("run already %s", cp.Status))
		if projectID != "" {
			c.settleUnfinished(ctx, projectID, cp)
		}
		c.record(out)
		return out, nil
	}

	if projectID != "" && c.queue.IsProcessing(projectID) {
		out.moveTo(StateSkipped, queue.ErrAlreadyProcessing.Error())
		c.record(out)
		return out, nil
	}
	if !c.claim(cp.RunID) {
		out.moveTo(StateSkipped, "run is already being resumed")
		c.record(out)
		return out, nil
	}
	resumed := false
	defer func() {
		if !resumed {
			c.release(cp.RunID)
		}
	}()

	last, err := c.lastActivity(ctx, cp)
	if err != nil {
		return Outcome{}, err
	}
	out.LastActivity = last
	if age := c.now().Sub(last); age < c.window {
		out.moveTo(StateActivelyRunning, fmt.Sprintf("last activity %s ago is within the %s liveness window", age.Round(time.Second), c.window))
		out.moveTo(StateSkipped, "")
		c.record(out)
		return out, nil
	}
	out.moveTo(StateStaleResumable, fmt.Sprintf("no activity since %s", last.Format(time.RFC3339)))

	finish := func(error) {}
	if projectID != "" {
		f, err := c.queue.Adopt(ctx, projectID, cp.ItemID)
		var busy *queue.AlreadyProcessingError
		switch {
		case errors.As(err, &busy):
			out.moveTo(StateSkipped, err.Error())
			c.record(out)
			return out, nil
		case err != nil:
			return Outcome{}, fmt.Errorf("adopt project %s: %w", projectID, err)
		}
		finish = f
	}
	if !c.startResume(cp, finish) {
		finish(ErrClosed)
		return Outcome{}, ErrClosed
	}
	resumed = true

	out.moveTo(StateResumedRunning, "")
	c.record(out)
	return out, nil
}

// lastActivity returns the newer of the latest progress record and the
// checkpoint write time.
func (c *Coordinator) lastActivity(ctx context.Context, cp *checkpoint.Checkpoint) (time.Time, error) {
	last := cp.UpdatedAt
	if c.progress == nil {
		return last, nil
	}
	ts, err := progress.LastActivity(ctx, c.progress, cp.RunID)
	if err != nil {
		return time.Time{}, fmt.Errorf("read progress for run %s: %w", cp.RunID, err)
	}
	if ts.After(last) {
		last = ts
	}
	return last, nil
}

// startResume resumes cp on a tracked goroutine and reports the result to
// finish. The caller must hold the claim on cp.RunID; the goroutine
// releases it.
func (c *Coordinator) startResume(cp *checkpoint.Checkpoint, finish func(error)) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.resumes.Add(1)
	c.mu.Unlock()

	c.metrics.resumeStarted()
	logger := c.logger.With(
		slog.String("run_id", cp.RunID),
		slog.String("project_id", cp.WorkContext),
	)
	logger.Info("resuming run",
		slog.String("graph", cp.GraphID),
		slog.Int("completed_stages", len(cp.CompletedStages)),
		slog.String("current_stage", cp.CurrentStage),
	)

	go func() {
		defer c.resumes.Done()
		err := c.safeResume(cp)
		c.metrics.resumeFinished(err)

		c.release(cp.RunID)

		if err != nil && c.ctx.Err() != nil {
			logger.Warn("resumed run interrupted by shutdown", slog.String("error", err.Error()))
			return
		}
		if err != nil {
			logger.Warn("resumed run failed", slog.String("error", err.Error()))
		} else {
			logger.Info("resumed run completed")
		}
		finish(err)
	}()
	return true
}

func (c *Coordinator) safeResume(cp *checkpoint.Checkpoint) (err error) {
	ctx, span := telemetry.StartSpan(c.ctx, "stagehand.recovery", "Coordinator.Resume",
		trace.WithAttributes(
			attribute.String("run_id", cp.RunID),
			attribute.String("project_id", cp.WorkContext),
			attribute.Int("completed_stages", len(cp.CompletedStages)),
		),
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resumer panicked: %v", r)
		}
		telemetry.RecordError(span, err)
		span.End()
	}()
	return c.resumer.Resume(ctx, cp)
}

// settleUnfinished resolves an in-progress queue item that no live run
// will ever finish: one whose bound checkpoint is terminal, or one with no
// checkpoint at all that started longer ago than the window.
func (c *Coordinator) settleUnfinished(ctx context.Context, projectID string, cp *checkpoint.Checkpoint) {
	if c.queue.IsProcessing(projectID) {
		return
	}
	item, err := c.queue.InProgress(ctx, projectID)
	if err != nil || item == nil {
		return
	}

	var runErr error
	switch {
	case cp != nil && cp.ItemID == item.ID:
		if cp.Status != checkpoint.StatusCompleted {
			runErr = fmt.Errorf("run %s %s: %s", cp.RunID, cp.Status, cp.Error)
		}
	default:
		if c.now().Sub(item.StartedAt) < c.window {
			return
		}
		runErr = fmt.Errorf("run %s was interrupted before its first checkpoint", item.ExecutionID)
	}

	if err := c.queue.Settle(ctx, projectID, item.ID, runErr); err != nil {
		c.logger.Warn("failed to settle unfinished item",
			slog.String("project_id", projectID),
			slog.String("item_id", item.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	c.logger.Info("settled unfinished item",
		slog.String("project_id", projectID),
		slog.String("item_id", item.ID),
		slog.Bool("failed", runErr != nil),
	)
}

func (c *Coordinator) record(out Outcome) {
	c.metrics.decided(out.State)
	data := events.RecoveryData{
		ProjectID: out.ProjectID,
		RunID:     out.RunID,
		State:     string(out.State),
		Reason:    out.Reason,
	}
	switch out.State {
	case StateResumedRunning:
		c.events.Emit(events.TypeRecoveryResumed, data)
	case StateSkipped:
		c.events.Emit(events.TypeRecoverySkipped, data)
	}
	c.logger.Debug("recovery decision",
		slog.String("project_id", out.ProjectID),
		slog.String("run_id", out.RunID),
		slog.String("state", string(out.State)),
		slog.String("reason", out.Reason),
	)
}

// claim marks runID as being resumed in the same step as checking it, so
// concurrent evaluations of one run cannot both proceed.
func (c *Coordinator) claim(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resuming[runID] {
		return false
	}
	c.resuming[runID] = true
	return true
}

func (c *Coordinator) release(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.resuming, runID)
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Start runs RecoverAll every ScanInterval until ctx ends or Close is
// called. It does not run an initial scan.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.loops.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.loops.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.RecoverAll(ctx); err != nil && !errors.Is(err, ErrClosed) {
					c.logger.Warn("recovery scan failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// Wait blocks until every resumed run started so far has finished.
func (c *Coordinator) Wait() {
	c.resumes.Wait()
}

// Close cancels resumed runs and the scan loop and waits for them. Their
// checkpoints stay resumable.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.loops.Wait()
	c.resumes.Wait()
	return nil
}
