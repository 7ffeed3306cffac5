// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stagehand wires the pipeline scheduler, the per-project work
// queue and the recovery coordinator into one service with an admin API.
//
// Startup order matters for crash recovery:
//
//  1. pipeline definitions are loaded so checkpoints can resolve their graph
//  2. RecoverAll resumes stale runs and settles orphaned queue items
//  3. the queue starts draining projects that have no unfinished item
//  4. the periodic recovery scan starts
package stagehand

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/AleutianAI/stagehand/services/stagehand/agent"
	"github.com/AleutianAI/stagehand/services/stagehand/archive"
	"github.com/AleutianAI/stagehand/services/stagehand/checkpoint"
	"github.com/AleutianAI/stagehand/services/stagehand/dag"
	"github.com/AleutianAI/stagehand/services/stagehand/definition"
	"github.com/AleutianAI/stagehand/services/stagehand/events"
	"github.com/AleutianAI/stagehand/services/stagehand/graph"
	"github.com/AleutianAI/stagehand/services/stagehand/progress"
	"github.com/AleutianAI/stagehand/services/stagehand/queue"
	"github.com/AleutianAI/stagehand/services/stagehand/recovery"
	bstore "github.com/AleutianAI/stagehand/services/stagehand/storage/badger"
	"github.com/AleutianAI/stagehand/services/stagehand/telemetry"
)

var (
	// ErrNoGraph is returned when an item names no graph and no default
	// graph is configured.
	ErrNoGraph = errors.New("no pipeline graph selected")

	// ErrAlreadyStarted is returned by Start when called twice or after
	// Close.
	ErrAlreadyStarted = errors.New("service already started or closed")
)

// Option customizes a Service.
type Option func(*options)

type options struct {
	agents   map[string]agent.Agent
	logger   *slog.Logger
	registry *prometheus.Registry
	clock    func() time.Time
}

// WithAgent registers an in-process agent next to the configured exec
// agents.
func WithAgent(name string, a agent.Agent) Option {
	return func(o *options) { o.agents[name] = a }
}

// WithLogger sets the service logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegistry sets the Prometheus registry. Defaults to a fresh registry
// with the Go and process collectors.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithClock replaces time.Now in the scheduler, queue and coordinator.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// Service owns every stagehand component and their stores.
//
// Thread Safety: Safe for concurrent use after New returns.
type Service struct {
	cfg    Config
	logger *slog.Logger

	registry  *prometheus.Registry
	graphs    *graph.Registry
	agents    *agent.Registry
	events    *events.Emitter
	scheduler *dag.Scheduler
	queue     *queue.Queue
	recovery  *recovery.Coordinator

	watcher *definition.Watcher
	db      *bstore.DB
	pg      *checkpoint.PostgresStore

	shutdownTelemetry func(context.Context) error

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds a Service from cfg. Nothing runs until Start.
//
// Inputs:
//
//	ctx - Bounds store connections opened during construction.
//	cfg - Validated configuration.
//	opts - Agents, logger, registry and clock overrides.
//
// Outputs:
//
//	*Service - The wired service. Caller must Close it.
//	error - Config, store or agent registration failures.
func New(ctx context.Context, cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{agents: make(map[string]agent.Agent)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	s := &Service{
		cfg:      cfg,
		logger:   o.logger,
		registry: o.registry,
		graphs:   graph.NewRegistry(o.logger),
		agents:   agent.NewRegistry(),
		events:   events.NewEmitter(events.WithLogger(o.logger)),
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, o.registry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	s.shutdownTelemetry = shutdown

	if err := s.build(ctx, o); err != nil {
		return nil, errors.Join(err, s.closeStores(context.WithoutCancel(ctx)))
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, o options) error {
	cfg := s.cfg
	if cfg.Storage == "badger" || cfg.Checkpoint.Backend == "badger" {
		dbCfg := bstore.DefaultConfig(filepath.Join(cfg.DataDir, "db"))
		dbCfg.Logger = s.logger.With(slog.String("component", "badger"))
		db, err := bstore.Open(dbCfg)
		if err != nil {
			return err
		}
		s.db = db
	}

	checkpoints, err := s.openCheckpoints(ctx)
	if err != nil {
		return err
	}

	var progressLog progress.Log = progress.NewMemoryLog()
	var queueStore queue.Store = queue.NewMemoryStore()
	if cfg.Storage == "badger" {
		progressLog = progress.NewBadgerLog(s.db)
		queueStore = queue.NewBadgerStore(s.db)
	}

	for _, ac := range cfg.Agents {
		exec := &agent.ExecAgent{
			Command: ac.Command,
			Dir:     ac.Dir,
			Env:     ac.Env,
			Logger:  s.logger.With(slog.String("agent", ac.Name)),
		}
		if err := s.agents.Register(ac.Name, exec); err != nil {
			return err
		}
	}
	for name, a := range o.agents {
		if err := s.agents.Register(name, a); err != nil {
			return err
		}
	}

	var archiver dag.Archiver = archive.Nop{}
	if cfg.ArchiveEnabled() {
		sink, err := archive.NewMinioSink(ctx, cfg.Archive, s.logger)
		if err != nil {
			return err
		}
		archiver = sink
	}

	s.scheduler, err = dag.NewScheduler(dag.Config{
		Graphs:      s.graphs,
		Agent:       s.agents,
		Checkpoints: checkpoints,
		Progress:    progressLog,
		Events:      s.events,
		Archive:     archiver,
		Logger:      s.logger.With(slog.String("component", "scheduler")),
		Clock:       o.clock,
	})
	if err != nil {
		return err
	}

	s.queue, err = queue.New(queue.Config{
		Store:   queueStore,
		Runner:  queue.RunnerFunc(s.runItem),
		Events:  s.events,
		Metrics: queue.NewMetrics(s.registry),
		Logger:  s.logger.With(slog.String("component", "queue")),
		Clock:   o.clock,
	})
	if err != nil {
		return err
	}

	s.recovery, err = recovery.New(recovery.Config{
		Checkpoints:  checkpoints,
		Progress:     progressLog,
		Queue:        s.queue,
		Resumer:      recovery.ResumeFunc(s.resume),
		Window:       cfg.Recovery.Window,
		ScanInterval: cfg.Recovery.ScanInterval,
		Clock:        o.clock,
		Events:       s.events,
		Metrics:      recovery.NewMetrics(s.registry),
		Logger:       s.logger.With(slog.String("component", "recovery")),
	})
	return err
}

func (s *Service) openCheckpoints(ctx context.Context) (checkpoint.Store, error) {
	switch s.cfg.Checkpoint.Backend {
	case "memory":
		return checkpoint.NewMemoryStore(), nil
	case "file":
		return checkpoint.NewFileStore(filepath.Join(s.cfg.DataDir, "checkpoints"), s.logger)
	case "postgres":
		pg, err := checkpoint.OpenPostgres(ctx, s.cfg.Checkpoint.PostgresURL)
		if err != nil {
			return nil, err
		}
		s.pg = pg
		return pg, nil
	default:
		return checkpoint.NewBadgerStore(s.db), nil
	}
}

// runItem is the queue runner: one item, one pipeline run bound to it.
func (s *Service) runItem(ctx context.Context, item *queue.Item) error {
	graphID := item.GraphID
	if graphID == "" {
		graphID = s.cfg.DefaultGraph
	}
	if graphID == "" {
		return fmt.Errorf("%w: item %s", ErrNoGraph, item.ID)
	}
	var input any = item.Description
	if item.Payload != nil {
		input = item.Payload
	}
	_, err := s.scheduler.Run(ctx, graphID, input,
		dag.WithExecutionID(item.ExecutionID),
		dag.WithWorkContext(item.ProjectID),
		dag.WithItemID(item.ID),
	)
	return err
}

func (s *Service) resume(ctx context.Context, cp *checkpoint.Checkpoint) error {
	_, err := s.scheduler.Resume(ctx, cp)
	return err
}

// Start loads definitions, recovers interrupted work and starts the queue
// and the recovery scan. ctx bounds the background loops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if dir := s.cfg.DefinitionsDir; dir != "" {
		n, err := definition.RegisterDir(s.graphs, dir, s.logger)
		if err != nil {
			// Bad files are logged; the good ones stay registered.
			s.logger.Warn("some pipeline definitions were rejected", slog.String("error", err.Error()))
		}
		s.logger.Info("pipeline definitions loaded", slog.String("dir", dir), slog.Int("graphs", n))

		if s.cfg.WatchDefinitions {
			w, err := definition.NewWatcher(dir, s.graphs, definition.DefaultDebounce, s.logger)
			if err != nil {
				return err
			}
			if err := w.Start(ctx); err != nil {
				return err
			}
			s.mu.Lock()
			s.watcher = w
			s.mu.Unlock()
		}
	}

	if s.cfg.Recovery.OnStartup {
		outcomes, err := s.recovery.RecoverAll(ctx)
		if err != nil {
			s.logger.Warn("startup recovery incomplete", slog.String("error", err.Error()))
		}
		s.logger.Info("startup recovery finished", slog.Int("projects", len(outcomes)))
	}

	if err := s.queue.Start(ctx); err != nil {
		return err
	}
	s.recovery.Start(ctx)
	return nil
}

// Close stops the watcher, the recovery coordinator and the queue, then
// closes the stores. In-flight runs stay resumable. Safe to call twice.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	w := s.watcher
	s.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	var errs []error
	if s.recovery != nil {
		errs = append(errs, s.recovery.Close())
	}
	if s.queue != nil {
		errs = append(errs, s.queue.Close())
	}
	errs = append(errs, s.closeStores(ctx))
	return errors.Join(errs...)
}

func (s *Service) closeStores(ctx context.Context) error {
	var errs []error
	if s.pg != nil {
		s.pg.Close()
		s.pg = nil
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
		s.db = nil
	}
	if s.shutdownTelemetry != nil {
		errs = append(errs, s.shutdownTelemetry(ctx))
		s.shutdownTelemetry = nil
	}
	return errors.Join(errs...)
}

// Enqueue adds work for projectID. An empty graphID selects the default
// graph. The graph must be registered.
func (s *Service) Enqueue(ctx context.Context, projectID, description, graphID string, payload any) (*queue.Item, error) {
	selected := graphID
	if selected == "" {
		selected = s.cfg.DefaultGraph
	}
	if selected == "" {
		return nil, ErrNoGraph
	}
	if _, err := s.graphs.Resolve(selected); err != nil {
		return nil, err
	}
	opts := []queue.EnqueueOption{queue.WithGraph(graphID)}
	if payload != nil {
		opts = append(opts, queue.WithPayload(payload))
	}
	return s.queue.Enqueue(ctx, projectID, description, opts...)
}

// Graphs returns the graph registry.
func (s *Service) Graphs() *graph.Registry { return s.graphs }

// Scheduler returns the pipeline scheduler.
func (s *Service) Scheduler() *dag.Scheduler { return s.scheduler }

// Queue returns the work queue.
func (s *Service) Queue() *queue.Queue { return s.queue }

// Recovery returns the recovery coordinator.
func (s *Service) Recovery() *recovery.Coordinator { return s.recovery }

// Events returns the event emitter.
func (s *Service) Events() *events.Emitter { return s.events }

// Registry returns the Prometheus registry served on /metrics.
func (s *Service) Registry() *prometheus.Registry { return s.registry }

// Config returns the configuration the service was built with.
func (s *Service) Config() Config { return s.cfg }
