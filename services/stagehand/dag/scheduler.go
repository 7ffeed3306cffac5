// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag drives pipeline runs over a stage dependency graph.
//
// A run repeatedly computes the ready set (pending stages whose dependencies
// have all settled), runs the parallel-eligible part of it concurrently and
// waits for the whole wave, then runs the rest one at a time. A terminal stage
// failure fails the run after in-flight siblings finish. Every transition is
// recorded on the execution timeline, appended to the progress log and
// published as an event; a checkpoint is written at every stage boundary so
// the run can be resumed from its last completed stage.
package dag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/stagehand/services/stagehand/agent"
	"github.com/AleutianAI/stagehand/services/stagehand/checkpoint"
	"github.com/AleutianAI/stagehand/services/stagehand/events"
	"github.com/AleutianAI/stagehand/services/stagehand/graph"
	"github.com/AleutianAI/stagehand/services/stagehand/progress"
)

// DefaultRecentLimit is how many finished executions Get can still return.
const DefaultRecentLimit = 256

var errStopRequested = errors.New("stop requested")

// Archiver receives every finished execution record.
type Archiver interface {
	Archive(ctx context.Context, rec *ExecutionRecord) error
}

// Config wires a Scheduler to its collaborators. Only Agent is required.
type Config struct {
	// Graphs resolves graph IDs for Run and Resume.
	Graphs graph.Resolver

	// Agent performs stage work.
	Agent agent.Agent

	// Checkpoints receives a checkpoint at every stage boundary.
	Checkpoints checkpoint.Store

	// Progress receives the per-run activity log.
	Progress progress.Log

	// Events receives stage and execution events.
	Events events.Sink

	// Archive receives finished execution records.
	Archive Archiver

	Logger *slog.Logger

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// RecentLimit bounds the finished executions kept for Get.
	RecentLimit int
}

// RunOption configures a single run.
type RunOption func(*runOptions)

type runOptions struct {
	executionID string
	workContext string
	itemID      string
}

// WithExecutionID sets the execution ID instead of generating one.
func WithExecutionID(id string) RunOption {
	return func(o *runOptions) { o.executionID = id }
}

// WithWorkContext binds the run to a project for recovery.
func WithWorkContext(wc string) RunOption {
	return func(o *runOptions) { o.workContext = wc }
}

// WithItemID records the work queue item that started the run.
func WithItemID(id string) RunOption {
	return func(o *runOptions) { o.itemID = id }
}

type execution struct {
	graph  *graph.PipelineGraph
	record *ExecutionRecord
	cancel context.CancelCauseFunc
	cpMu   sync.Mutex

	// stopRequested is set by Stop. A run halted only by its context stays
	// resumable.
	stopRequested atomic.Bool
}

// Scheduler runs pipeline graphs.
//
// Thread Safety: Scheduler is safe for concurrent use. Many runs may be
// active at once; each run is driven by the goroutine that called Run.
type Scheduler struct {
	graphs      graph.Resolver
	agent       agent.Agent
	checkpoints checkpoint.Store
	progress    progress.Log
	events      events.Sink
	archive     Archiver
	logger      *slog.Logger
	now         func() time.Time
	recentLimit int

	metrics schedulerMetrics

	mu     sync.Mutex
	active map[string]*execution
	recent []*ExecutionRecord
}

// NewScheduler creates a scheduler.
//
// Outputs:
//
//	*Scheduler - The configured scheduler.
//	error - ErrInvalidInput when cfg.Agent is nil.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("%w: agent must not be nil", ErrInvalidInput)
	}
	s := &Scheduler{
		graphs:      cfg.Graphs,
		agent:       cfg.Agent,
		checkpoints: cfg.Checkpoints,
		progress:    cfg.Progress,
		events:      cfg.Events,
		archive:     cfg.Archive,
		logger:      cfg.Logger,
		now:         cfg.Clock,
		recentLimit: cfg.RecentLimit,
		active:      make(map[string]*execution),
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.recentLimit <= 0 {
		s.recentLimit = DefaultRecentLimit
	}
	return s, nil
}

// Run resolves graphID and runs it to completion.
//
// Outputs:
//
//	*ExecutionRecord - Snapshot of the finished run. Nil only when the run
//	                   could not start.
//	error - The terminal stage error, an *UnreachableStagesError, or an
//	        ErrExecutionStopped chain.
func (s *Scheduler) Run(ctx context.Context, graphID string, input any, opts ...RunOption) (*ExecutionRecord, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if s.graphs == nil {
		return nil, fmt.Errorf("%w: scheduler has no graph resolver", ErrInvalidInput)
	}
	g, err := s.graphs.Resolve(graphID)
	if err != nil {
		return nil, err
	}
	return s.RunGraph(ctx, g, input, opts...)
}

// RunGraph validates g and runs it to completion.
func (s *Scheduler) RunGraph(ctx context.Context, g *graph.PipelineGraph, input any, opts ...RunOption) (*ExecutionRecord, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if g == nil {
		return nil, fmt.Errorf("%w: graph must not be nil", ErrInvalidInput)
	}
	if err := graph.Validate(g); err != nil {
		return nil, err
	}
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	id := o.executionID
	if id == "" {
		id = NewExecutionID()
	}
	rec := newExecutionRecord(id, g.ID, g.StageIDs(), input)
	rec.WorkContext = o.workContext
	rec.ItemID = o.itemID
	return s.execute(ctx, g, rec, false)
}

// Resume continues a run from its checkpoint.
//
// Description:
//
//	Stages listed as completed or skipped in cp are seeded with their stored
//	outputs and never invoked again. The run keeps its original ID, work
//	context and item binding.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	cp - A non-terminal checkpoint. Verified when sealed.
func (s *Scheduler) Resume(ctx context.Context, cp *checkpoint.Checkpoint) (*ExecutionRecord, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: checkpoint must not be nil", ErrInvalidInput)
	}
	if cp.Checksum != "" {
		if err := cp.Verify(); err != nil {
			return nil, err
		}
	}
	if cp.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: run %s is already %s", ErrInvalidInput, cp.RunID, cp.Status)
	}
	if s.graphs == nil {
		return nil, fmt.Errorf("%w: scheduler has no graph resolver", ErrInvalidInput)
	}
	g, err := s.graphs.Resolve(cp.GraphID)
	if err != nil {
		return nil, err
	}

	rec := newExecutionRecord(cp.RunID, g.ID, g.StageIDs(), cp.Input)
	rec.WorkContext = cp.WorkContext
	rec.ItemID = cp.ItemID
	for _, id := range cp.CompletedStages {
		if _, ok := g.Stage(id); !ok {
			return nil, fmt.Errorf("%w: checkpoint for run %s names unknown stage %s", ErrInvalidInput, cp.RunID, id)
		}
		rec.seed(id, StageCompleted, cp.Outputs[id])
	}
	for _, id := range cp.SkippedStages {
		if _, ok := g.Stage(id); ok {
			rec.seed(id, StageSkipped, nil)
		}
	}
	return s.execute(ctx, g, rec, true)
}

// Stop stops an active execution.
//
// Description:
//
//	Every running stage is marked stopped and no further stage will start.
//	In-flight agent calls are cancelled through their context; the
//	scheduler does not wait for them. Stop returns once the record is
//	marked; the Run call returns shortly after with ErrExecutionStopped.
func (s *Scheduler) Stop(executionID string) error {
	s.mu.Lock()
	ex, ok := s.active[executionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	ex.stopRequested.Store(true)
	s.stopExecution(ex, "stop requested")
	ex.cancel(errStopRequested)
	return nil
}

// Get returns a snapshot of an active or recently finished execution.
func (s *Scheduler) Get(executionID string) (*ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex, ok := s.active[executionID]; ok {
		return ex.record.Snapshot(), nil
	}
	for i := len(s.recent) - 1; i >= 0; i-- {
		if s.recent[i].ID == executionID {
			return s.recent[i].Snapshot(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
}

// Active returns the IDs of running executions, sorted.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Scheduler) execute(ctx context.Context, g *graph.PipelineGraph, rec *ExecutionRecord, resumed bool) (*ExecutionRecord, error) {
	s.metrics.init(s.logger)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	ex := &execution{graph: g, record: rec, cancel: cancel}

	s.mu.Lock()
	if _, dup := s.active[rec.ID]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExecutionActive, rec.ID)
	}
	s.active[rec.ID] = ex
	s.mu.Unlock()

	runCtx, span := tracer.Start(runCtx, "stagehand.Run",
		trace.WithAttributes(
			attribute.String("stagehand.graph", g.ID),
			attribute.String("stagehand.execution_id", rec.ID),
			attribute.Int("stagehand.stage_count", len(g.Stages)),
			attribute.Bool("stagehand.resumed", resumed),
		),
	)
	defer span.End()

	logger := s.logger.With(
		slog.String("execution_id", rec.ID),
		slog.String("graph", g.ID),
	)

	start := s.now()
	rec.start(start, resumed)
	s.metrics.runActive(runCtx, 1)
	defer s.metrics.runActive(context.WithoutCancel(runCtx), -1)

	logger.Info("pipeline started",
		slog.Int("stages", len(g.Stages)),
		slog.Bool("resumed", resumed),
		slog.String("work_context", rec.WorkContext),
	)
	initMsg := "initialized"
	if resumed {
		initMsg = fmt.Sprintf("resumed with %d completed stages", len(rec.CompletedStages()))
	}
	s.appendProgress(runCtx, progress.Record{Type: progress.RecordPipelineInitialized, RunID: rec.ID, Message: initMsg})
	s.events.Emit(events.TypeExecutionStarted, s.executionData(rec, ExecutionRunning, 0, nil))
	s.saveCheckpoint(runCtx, ex)

	err := s.loop(runCtx, ex)

	status := ExecutionCompleted
	var output any
	switch {
	case err == nil:
		output = s.collectOutput(ex)
	case errors.Is(err, ErrExecutionStopped):
		status = ExecutionStopped
	default:
		status = ExecutionFailed
	}
	status = rec.finish(status, output, err, s.now())
	if status == ExecutionStopped && err == nil {
		err = ErrExecutionStopped
	}
	duration := s.now().Sub(start)

	persistCtx := context.WithoutCancel(runCtx)
	s.metrics.runFinished(persistCtx, g.ID, status, duration)
	s.saveCheckpoint(persistCtx, ex)

	switch status {
	case ExecutionCompleted:
		span.SetStatus(codes.Ok, "")
		s.appendProgress(persistCtx, progress.Record{Type: progress.RecordPipelineCompleted, RunID: rec.ID})
		s.events.Emit(events.TypeExecutionCompleted, s.executionData(rec, status, duration, nil))
		logger.Info("pipeline completed", slog.Duration("duration", duration))
	case ExecutionStopped:
		span.SetStatus(codes.Error, "stopped")
		s.appendProgress(persistCtx, progress.Record{Type: progress.RecordPipelineStopped, RunID: rec.ID, Message: err.Error()})
		s.events.Emit(events.TypeExecutionStopped, s.executionData(rec, status, duration, err))
		logger.Warn("pipeline stopped", slog.Duration("duration", duration))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		failed, _ := StageIDOf(err)
		s.appendProgress(persistCtx, progress.Record{Type: progress.RecordPipelineFailed, RunID: rec.ID, StageID: failed, Message: err.Error()})
		s.events.Emit(events.TypeExecutionFailed, s.executionData(rec, status, duration, err))
		logger.Error("pipeline failed",
			slog.String("failed_stage", failed),
			slog.String("error", err.Error()),
		)
	}

	snapshot := rec.Snapshot()
	if s.archive != nil {
		if aerr := s.archive.Archive(persistCtx, snapshot); aerr != nil {
			logger.Warn("failed to archive execution", slog.String("error", aerr.Error()))
		}
	}

	s.mu.Lock()
	delete(s.active, rec.ID)
	s.recent = append(s.recent, rec)
	if len(s.recent) > s.recentLimit {
		s.recent = s.recent[len(s.recent)-s.recentLimit:]
	}
	s.mu.Unlock()

	return snapshot, err
}

// loop runs waves until every stage has settled.
func (s *Scheduler) loop(ctx context.Context, ex *execution) error {
	for {
		if ctx.Err() != nil || ex.record.status() != ExecutionRunning {
			return s.halt(ctx, ex)
		}
		s.propagateSkips(ex)

		ready, pending := s.readyStages(ex)
		if len(pending) == 0 {
			return nil
		}
		if len(ready) == 0 {
			return &UnreachableStagesError{Stages: pending}
		}

		var parallel, sequential []graph.StageDefinition
		for _, st := range ready {
			if st.Parallel {
				parallel = append(parallel, st)
			} else {
				sequential = append(sequential, st)
			}
		}

		if len(parallel) > 0 {
			// errgroup.Group without a context: a failure does not cancel
			// siblings, and Wait returns only after all of them settle.
			var wave errgroup.Group
			for _, st := range parallel {
				wave.Go(func() error {
					return s.runStage(ctx, ex, st)
				})
			}
			if err := wave.Wait(); err != nil {
				return err
			}
		}

		for _, st := range sequential {
			if err := s.runStage(ctx, ex, st); err != nil {
				return err
			}
		}
	}
}

// readyStages returns the pending stages whose dependencies have all settled
// with at least one completed (or that have none), and every pending stage.
func (s *Scheduler) readyStages(ex *execution) (ready []graph.StageDefinition, pending []string) {
	for _, st := range ex.graph.Stages {
		if ex.record.stageStatus(st.ID) != StagePending {
			continue
		}
		pending = append(pending, st.ID)

		deps := ex.graph.Dependencies(st.ID)
		ok, anyCompleted := true, false
		for _, dep := range deps {
			switch ex.record.stageStatus(dep) {
			case StageCompleted:
				anyCompleted = true
			case StageSkipped:
			default:
				ok = false
			}
		}
		if ok && (len(deps) == 0 || anyCompleted) {
			ready = append(ready, st)
		}
	}
	return ready, pending
}

// propagateSkips skips every pending stage whose dependencies were all
// skipped, until nothing changes.
func (s *Scheduler) propagateSkips(ex *execution) {
	for changed := true; changed; {
		changed = false
		for _, st := range ex.graph.Stages {
			if ex.record.stageStatus(st.ID) != StagePending {
				continue
			}
			deps := ex.graph.Dependencies(st.ID)
			if len(deps) == 0 {
				continue
			}
			allSkipped := true
			for _, dep := range deps {
				if ex.record.stageStatus(dep) != StageSkipped {
					allSkipped = false
					break
				}
			}
			if allSkipped {
				s.skipStage(ex, st.ID, "all dependencies skipped")
				changed = true
			}
		}
	}
}

// collectOutput returns the result of the single completed sink, or a map
// from sink ID to result when several sinks completed.
func (s *Scheduler) collectOutput(ex *execution) any {
	results := make(map[string]any)
	var last string
	for _, id := range ex.graph.Sinks() {
		if out, ok := ex.record.output(id); ok && ex.record.stageStatus(id) == StageCompleted {
			results[id] = out
			last = id
		}
	}
	switch len(results) {
	case 0:
		return nil
	case 1:
		return results[last]
	default:
		return results
	}
}

func (s *Scheduler) stopExecution(ex *execution, reason string) {
	stopped, ok := ex.record.stop(reason, s.now())
	if !ok {
		return
	}
	s.logger.Info("execution stopping",
		slog.String("execution_id", ex.record.ID),
		slog.String("reason", reason),
		slog.Any("stopped_stages", stopped),
	)
}

// saveCheckpoint writes the current run state. Store errors are logged; a
// missed checkpoint only widens the work redone after a crash. A run whose
// context was cancelled (process shutdown) is saved as running so recovery
// picks it up again.
func (s *Scheduler) saveCheckpoint(ctx context.Context, ex *execution) {
	if s.checkpoints == nil {
		return
	}
	ex.cpMu.Lock()
	defer ex.cpMu.Unlock()

	snap := ex.record.Snapshot()
	status := checkpointStatus(snap.Status)
	if status == checkpoint.StatusStopped && !ex.stopRequested.Load() {
		status = checkpoint.StatusRunning
	}
	cp := &checkpoint.Checkpoint{
		RunID:           snap.ID,
		GraphID:         snap.GraphID,
		Status:          status,
		CompletedStages: snap.completionOrder,
		SkippedStages:   snap.skippedStages(),
		Outputs:         snap.Results,
		Input:           snap.Input,
		WorkContext:     snap.WorkContext,
		ItemID:          snap.ItemID,
		Error:           snap.Error,
		UpdatedAt:       s.now(),
	}
	if cp.CompletedStages == nil {
		cp.CompletedStages = []string{}
	}
	if n := len(snap.completionOrder); n > 0 {
		cp.CurrentStage = snap.completionOrder[n-1]
	}
	if err := s.checkpoints.Save(context.WithoutCancel(ctx), cp); err != nil {
		s.logger.Warn("failed to save checkpoint",
			slog.String("execution_id", snap.ID),
			slog.String("error", err.Error()),
		)
	}
}

func checkpointStatus(st ExecutionStatus) checkpoint.Status {
	switch st {
	case ExecutionCompleted:
		return checkpoint.StatusCompleted
	case ExecutionFailed:
		return checkpoint.StatusFailed
	case ExecutionStopped:
		return checkpoint.StatusStopped
	default:
		return checkpoint.StatusRunning
	}
}

func (s *Scheduler) appendProgress(ctx context.Context, r progress.Record) {
	if s.progress == nil {
		return
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}
	if err := s.progress.Append(context.WithoutCancel(ctx), r); err != nil {
		s.logger.Warn("failed to append progress record",
			slog.String("run_id", r.RunID),
			slog.String("type", string(r.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) stageData(ex *execution, stageID string, attempt int, d time.Duration, err error) events.StageData {
	data := events.StageData{
		ExecutionID: ex.record.ID,
		GraphID:     ex.graph.ID,
		StageID:     stageID,
		Attempt:     attempt,
		Duration:    d,
	}
	if err != nil {
		data.Error = err.Error()
	}
	return data
}

func (s *Scheduler) executionData(rec *ExecutionRecord, status ExecutionStatus, d time.Duration, err error) events.ExecutionData {
	data := events.ExecutionData{
		ExecutionID: rec.ID,
		GraphID:     rec.GraphID,
		WorkContext: rec.WorkContext,
		Status:      string(status),
		Duration:    d,
	}
	if err != nil {
		data.Error = err.Error()
	}
	return data
}
