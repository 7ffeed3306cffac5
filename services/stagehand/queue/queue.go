// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue implements the durable per-project work queue.
//
// Items are processed in sequence order, one at a time per project. The
// processing set (one flag per project, guarded by that project's mutex) is
// the only thing that enforces single flight: a drain goroutine is started
// only when the project is idle, and it keeps claiming the next queued item
// until none is left. Different projects never contend.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/stagehand/services/stagehand/events"
	"github.com/AleutianAI/stagehand/services/stagehand/telemetry"
)

// Runner drives one item's pipeline run to a terminal outcome. item carries
// the execution ID the run must use.
type Runner interface {
	RunItem(ctx context.Context, item *Item) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, item *Item) error

// RunItem implements Runner.
func (f RunnerFunc) RunItem(ctx context.Context, item *Item) error { return f(ctx, item) }

// Config wires a Queue. Runner is required; Store defaults to a MemoryStore.
type Config struct {
	Store   Store
	Runner  Runner
	Events  events.Sink
	Metrics *Metrics
	Logger  *slog.Logger
	Clock   func() time.Time
}

type projectState struct {
	mu         sync.Mutex
	processing bool

	// idle is closed whenever the project is not processing.
	idle chan struct{}
}

// Queue is the per-project single-flight work queue.
//
// Thread Safety: Safe for concurrent use.
type Queue struct {
	store   Store
	runner  Runner
	events  events.Sink
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	// ctx bounds every run started by the queue. Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	projects map[string]*projectState
	closed   bool
}

// New creates a queue. Nothing is processed until Enqueue, ProcessNext or
// Start is called.
func New(cfg Config) (*Queue, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("%w: runner must not be nil", ErrInvalidInput)
	}
	q := &Queue{
		store:    cfg.Store,
		runner:   cfg.Runner,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Clock,
		projects: make(map[string]*projectState),
	}
	if q.store == nil {
		q.store = NewMemoryStore()
	}
	if q.events == nil {
		q.events = events.Nop{}
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.now == nil {
		q.now = time.Now
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q, nil
}

func (q *Queue) project(projectID string) *projectState {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.projects[projectID]
	if !ok {
		p = &projectState{idle: make(chan struct{})}
		close(p.idle)
		q.projects[projectID] = p
	}
	return p
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// spawn runs fn on a tracked goroutine unless the queue is closed.
func (q *Queue) spawn(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		fn()
	}()
	return true
}

// acquireLocked adds the project to the processing set. p.mu must be held.
func (q *Queue) acquireLocked(p *projectState) bool {
	if p.processing {
		return false
	}
	p.processing = true
	p.idle = make(chan struct{})
	q.metrics.processing(1)
	return true
}

// releaseLocked removes the project from the processing set. p.mu must be
// held.
func (q *Queue) releaseLocked(p *projectState) {
	if !p.processing {
		return
	}
	p.processing = false
	q.metrics.processing(-1)
	close(p.idle)
}

func (q *Queue) release(p *projectState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q.releaseLocked(p)
}

// Enqueue appends a work item to the project's queue.
//
// Description:
//
//	The item gets the project's next sequence number and is persisted
//	before Enqueue returns. When the project is idle a drain goroutine is
//	started, so the item may already be in progress by the time the caller
//	inspects it.
//
// Inputs:
//
//	ctx - Context for the store writes.
//	projectID - Owning project. Must match [a-zA-Z0-9_.-]+.
//	description - Human readable summary of the work.
//	opts - Graph and payload selection.
//
// Outputs:
//
//	*Item - Copy of the item as stored.
//	error - ErrInvalidInput, ErrClosed or a store error.
func (q *Queue) Enqueue(ctx context.Context, projectID, description string, opts ...EnqueueOption) (*Item, error) {
	if err := validateProjectID(projectID); err != nil {
		return nil, err
	}
	if q.isClosed() {
		return nil, ErrClosed
	}

	item := &Item{
		ID:          newID(),
		ProjectID:   projectID,
		Description: description,
		Status:      StatusQueued,
		CreatedAt:   q.now(),
	}
	for _, opt := range opts {
		opt(item)
	}

	p := q.project(projectID)
	p.mu.Lock()
	seq, err := q.store.NextSequence(ctx, projectID)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	item.Sequence = seq
	if err := q.store.Put(ctx, item); err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("persist item: %w", err)
	}
	data := q.snapshotLocked(ctx, projectID)
	p.mu.Unlock()

	q.metrics.enqueued()
	q.metrics.depth(projectID, data.Queued)
	q.events.Emit(events.TypeQueueUpdated, data)
	q.logger.Info("work item enqueued",
		slog.String("project_id", projectID),
		slog.String("item_id", item.ID),
		slog.Int64("sequence", seq),
		slog.String("graph", item.GraphID),
	)

	q.ProcessNext(projectID)
	return item.Clone(), nil
}

// ProcessNext starts draining the project's queue when it is idle. It
// reports whether a drain was started; false means the project is already
// processing or the queue is closed.
func (q *Queue) ProcessNext(projectID string) bool {
	p := q.project(projectID)
	p.mu.Lock()
	if !q.acquireLocked(p) {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	if !q.spawn(func() { q.processNext(p, projectID) }) {
		q.release(p)
		return false
	}
	return true
}

// processNext claims and runs items until the queue is empty. The caller
// must have put the project in the processing set; processNext removes it.
func (q *Queue) processNext(p *projectState, projectID string) {
	for {
		item := q.claimNext(p, projectID)
		if item == nil {
			return
		}
		q.runItem(p, item)
	}
}

// claimNext marks the lowest-sequence queued item in progress and returns a
// copy. When nothing can run it leaves the processing set and returns nil.
func (q *Queue) claimNext(p *projectState, projectID string) *Item {
	ctx := q.ctx
	logger := q.logger.With(slog.String("project_id", projectID))

	p.mu.Lock()
	if ctx.Err() != nil {
		q.releaseLocked(p)
		p.mu.Unlock()
		return nil
	}
	items, err := q.store.List(ctx, projectID)
	if err != nil {
		q.releaseLocked(p)
		p.mu.Unlock()
		logger.Error("failed to list queue", slog.String("error", err.Error()))
		return nil
	}

	var next, unfinished *Item
	queued := 0
	for _, it := range items {
		switch it.Status {
		case StatusInProgress:
			unfinished = it
		case StatusQueued:
			queued++
			if next == nil {
				next = it
			}
		}
	}

	if unfinished != nil {
		// Left behind by a crash or shutdown. Recovery settles it and
		// restarts the drain.
		q.releaseLocked(p)
		p.mu.Unlock()
		logger.Warn("queue blocked by unfinished item awaiting recovery",
			slog.String("item_id", unfinished.ID),
			slog.String("execution_id", unfinished.ExecutionID),
		)
		return nil
	}

	if next == nil {
		q.metrics.depth(projectID, 0)
		q.releaseLocked(p)
		p.mu.Unlock()
		q.events.Emit(events.TypeQueueDrained, events.QueueData{ProjectID: projectID})
		logger.Debug("queue drained")
		return nil
	}

	next.Status = StatusInProgress
	next.StartedAt = q.now()
	next.ExecutionID = newID()
	if err := q.store.Put(ctx, next); err != nil {
		q.releaseLocked(p)
		p.mu.Unlock()
		logger.Error("failed to mark item in progress",
			slog.String("item_id", next.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	p.mu.Unlock()

	q.metrics.depth(projectID, queued-1)
	q.events.Emit(events.TypeWorkStarted, events.WorkData{
		ProjectID:   projectID,
		ItemID:      next.ID,
		ExecutionID: next.ExecutionID,
	})
	q.events.Emit(events.TypeQueueUpdated, events.QueueData{
		ProjectID:  projectID,
		Queued:     queued - 1,
		InProgress: next.ID,
	})
	logger.Info("work item started",
		slog.String("item_id", next.ID),
		slog.String("execution_id", next.ExecutionID),
		slog.Int64("sequence", next.Sequence),
	)
	return next.Clone()
}

func (q *Queue) runItem(p *projectState, item *Item) {
	err := q.safeRun(item)
	if err != nil && q.ctx.Err() != nil {
		q.logger.Warn("work item interrupted by shutdown, left for recovery",
			slog.String("project_id", item.ProjectID),
			slog.String("item_id", item.ID),
			slog.String("execution_id", item.ExecutionID),
		)
		return
	}
	if ferr := q.finishItem(p, item.ProjectID, item.ID, err); ferr != nil {
		q.logger.Error("failed to record work item outcome",
			slog.String("project_id", item.ProjectID),
			slog.String("item_id", item.ID),
			slog.String("error", ferr.Error()),
		)
	}
}

func (q *Queue) safeRun(item *Item) (err error) {
	ctx, span := telemetry.StartSpan(q.ctx, "stagehand.queue", "Queue.RunItem",
		trace.WithAttributes(
			attribute.String("project_id", item.ProjectID),
			attribute.String("item_id", item.ID),
			attribute.String("execution_id", item.ExecutionID),
		),
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panicked: %v", r)
		}
		telemetry.RecordError(span, err)
		span.End()
	}()
	return q.runner.RunItem(ctx, item.Clone())
}

// finishItem moves an item to completed or error depending on runErr.
// Items that are already terminal are left alone.
func (q *Queue) finishItem(p *projectState, projectID, itemID string, runErr error) error {
	ctx := context.WithoutCancel(q.ctx)

	p.mu.Lock()
	item, err := q.store.Get(ctx, projectID, itemID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if item.Status.IsTerminal() {
		p.mu.Unlock()
		return nil
	}
	item.CompletedAt = q.now()
	item.Status = StatusCompleted
	if runErr != nil {
		item.Status = StatusError
		item.Error = runErr.Error()
	}
	if err := q.store.Put(ctx, item); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("persist item outcome: %w", err)
	}
	p.mu.Unlock()

	var elapsed time.Duration
	if !item.StartedAt.IsZero() {
		elapsed = item.CompletedAt.Sub(item.StartedAt)
	}
	q.metrics.finished(item.Status, elapsed)

	data := events.WorkData{ProjectID: projectID, ItemID: itemID, ExecutionID: item.ExecutionID}
	if runErr != nil {
		data.Error = runErr.Error()
		q.events.Emit(events.TypeWorkFailed, data)
		q.logger.Warn("work item failed",
			slog.String("project_id", projectID),
			slog.String("item_id", itemID),
			slog.String("execution_id", item.ExecutionID),
			slog.String("error", runErr.Error()),
		)
		return nil
	}
	q.events.Emit(events.TypeWorkCompleted, data)
	q.logger.Info("work item completed",
		slog.String("project_id", projectID),
		slog.String("item_id", itemID),
		slog.String("execution_id", item.ExecutionID),
		slog.Duration("duration", elapsed),
	)
	return nil
}

// Adopt puts a project in the processing set on behalf of a run the queue
// did not start, typically one being resumed after a crash.
//
// Description:
//
//	If itemID names a stored item that is still queued it is marked in
//	progress. The returned finish function records the run's outcome on
//	that item and continues draining the project's queue. finish is safe
//	to call more than once; only the first call counts.
//
// Outputs:
//
//	func(error) - Call with the run's terminal error (nil on success).
//	error - *AlreadyProcessingError when the project is busy, ErrClosed,
//	        or ErrInvalidInput.
func (q *Queue) Adopt(ctx context.Context, projectID, itemID string) (func(runErr error), error) {
	if err := validateProjectID(projectID); err != nil {
		return nil, err
	}
	if q.isClosed() {
		return nil, ErrClosed
	}

	p := q.project(projectID)
	p.mu.Lock()
	if !q.acquireLocked(p) {
		p.mu.Unlock()
		return nil, &AlreadyProcessingError{ProjectID: projectID}
	}
	if itemID != "" {
		item, err := q.store.Get(ctx, projectID, itemID)
		if err == nil && item.Status == StatusQueued {
			item.Status = StatusInProgress
			item.StartedAt = q.now()
			if err := q.store.Put(ctx, item); err != nil {
				q.logger.Warn("failed to mark adopted item in progress",
					slog.String("project_id", projectID),
					slog.String("item_id", itemID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	p.mu.Unlock()

	q.logger.Info("project adopted",
		slog.String("project_id", projectID),
		slog.String("item_id", itemID),
	)

	var once sync.Once
	finish := func(runErr error) {
		once.Do(func() {
			if itemID != "" {
				if err := q.finishItem(p, projectID, itemID, runErr); err != nil {
					q.logger.Warn("adopted item outcome not recorded",
						slog.String("project_id", projectID),
						slog.String("item_id", itemID),
						slog.String("error", err.Error()),
					)
				}
			}
			if !q.spawn(func() { q.processNext(p, projectID) }) {
				q.release(p)
			}
		})
	}
	return finish, nil
}

// Settle records the outcome of an unfinished item whose run cannot be
// resumed, then continues the project's queue.
func (q *Queue) Settle(ctx context.Context, projectID, itemID string, runErr error) error {
	if _, err := q.Get(ctx, projectID, itemID); err != nil {
		return err
	}
	finish, err := q.Adopt(ctx, projectID, itemID)
	if err != nil {
		return err
	}
	finish(runErr)
	return nil
}

// Cancel removes a queued item. Items that are in progress, finished or
// unknown yield a *QueueItemNotFoundError.
func (q *Queue) Cancel(ctx context.Context, projectID, itemID string) error {
	if err := validateProjectID(projectID); err != nil {
		return err
	}
	p := q.project(projectID)
	p.mu.Lock()
	item, err := q.store.Get(ctx, projectID, itemID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if item.Status != StatusQueued {
		p.mu.Unlock()
		return &QueueItemNotFoundError{ProjectID: projectID, ItemID: itemID}
	}
	if err := q.store.Delete(ctx, projectID, itemID); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("delete item: %w", err)
	}
	data := q.snapshotLocked(ctx, projectID)
	p.mu.Unlock()

	q.metrics.cancelled()
	q.metrics.depth(projectID, data.Queued)
	q.events.Emit(events.TypeQueueUpdated, data)
	q.logger.Info("work item cancelled",
		slog.String("project_id", projectID),
		slog.String("item_id", itemID),
	)
	return nil
}

// snapshotLocked summarizes the project's queue. p.mu must be held. Store
// errors yield a zero count.
func (q *Queue) snapshotLocked(ctx context.Context, projectID string) events.QueueData {
	data := events.QueueData{ProjectID: projectID}
	items, err := q.store.List(ctx, projectID)
	if err != nil {
		return data
	}
	for _, it := range items {
		switch it.Status {
		case StatusQueued:
			data.Queued++
		case StatusInProgress:
			data.InProgress = it.ID
		}
	}
	return data
}

// List returns the project's items in sequence order, finished ones included.
func (q *Queue) List(ctx context.Context, projectID string) ([]*Item, error) {
	if err := validateProjectID(projectID); err != nil {
		return nil, err
	}
	return q.store.List(ctx, projectID)
}

// Get returns one item or a *QueueItemNotFoundError.
func (q *Queue) Get(ctx context.Context, projectID, itemID string) (*Item, error) {
	if err := validateProjectID(projectID); err != nil {
		return nil, err
	}
	return q.store.Get(ctx, projectID, itemID)
}

// InProgress returns the project's in-progress item, or nil.
func (q *Queue) InProgress(ctx context.Context, projectID string) (*Item, error) {
	items, err := q.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.Status == StatusInProgress {
			return it, nil
		}
	}
	return nil, nil
}

// Projects returns every project with stored items.
func (q *Queue) Projects(ctx context.Context) ([]string, error) {
	return q.store.Projects(ctx)
}

// IsProcessing reports whether the project is in the processing set.
func (q *Queue) IsProcessing(projectID string) bool {
	q.mu.Lock()
	p, ok := q.projects[projectID]
	q.mu.Unlock()
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processing
}

// Processing returns the processing set, sorted.
func (q *Queue) Processing() []string {
	q.mu.Lock()
	states := make(map[string]*projectState, len(q.projects))
	for id, p := range q.projects {
		states[id] = p
	}
	q.mu.Unlock()

	var out []string
	for id, p := range states {
		p.mu.Lock()
		if p.processing {
			out = append(out, id)
		}
		p.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// WaitIdle blocks until the project leaves the processing set or ctx ends.
func (q *Queue) WaitIdle(ctx context.Context, projectID string) error {
	p := q.project(projectID)
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start drains every stored project that has queued work and no unfinished
// item. Call it after recovery so resumed runs keep their place.
func (q *Queue) Start(ctx context.Context) error {
	projects, err := q.store.Projects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	started := 0
	for _, projectID := range projects {
		items, err := q.store.List(ctx, projectID)
		if err != nil {
			return fmt.Errorf("list queue for %s: %w", projectID, err)
		}
		queued, unfinished := 0, false
		for _, it := range items {
			switch it.Status {
			case StatusQueued:
				queued++
			case StatusInProgress:
				unfinished = true
			}
		}
		q.metrics.depth(projectID, queued)
		if queued > 0 && !unfinished && q.ProcessNext(projectID) {
			started++
		}
	}
	q.logger.Info("work queue started",
		slog.Int("projects", len(projects)),
		slog.Int("draining", started),
	)
	return nil
}

// Close stops accepting work, cancels in-flight runs and waits for drain
// goroutines to exit. Interrupted items stay in progress for recovery.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}
