// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stagehand/services/stagehand/agent"
	"github.com/AleutianAI/stagehand/services/stagehand/checkpoint"
	"github.com/AleutianAI/stagehand/services/stagehand/events"
	"github.com/AleutianAI/stagehand/services/stagehand/graph"
	"github.com/AleutianAI/stagehand/services/stagehand/progress"
)

func stage(id string, deps ...string) graph.StageDefinition {
	return graph.StageDefinition{
		ID:        id,
		Type:      graph.StageAgentCall,
		Agent:     "test",
		DependsOn: deps,
		Retry:     graph.RetryPolicy{MaxAttempts: 1},
	}
}

func parallel(s graph.StageDefinition) graph.StageDefinition {
	s.Parallel = true
	return s
}

// callLog records agent activity in order.
type callLog struct {
	mu      sync.Mutex
	entries []string
	calls   map[string]int
}

func newCallLog() *callLog {
	return &callLog{calls: make(map[string]int)}
}

func (l *callLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *callLog) called(stageID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[stageID]++
	return l.calls[stageID]
}

func (l *callLog) count(stageID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[stageID]
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type fixture struct {
	registry *graph.Registry
	sched    *Scheduler
	events   *events.Recorder
	progress *progress.MemoryLog
	store    checkpoint.Store
}

func newFixture(t *testing.T, fn agent.Func, store checkpoint.Store, graphs ...*graph.PipelineGraph) *fixture {
	t.Helper()
	reg := graph.NewRegistry(nil)
	for _, g := range graphs {
		require.NoError(t, reg.Register(g))
	}
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	f := &fixture{
		registry: reg,
		events:   events.NewRecorder(),
		progress: progress.NewMemoryLog(),
		store:    store,
	}
	sched, err := NewScheduler(Config{
		Graphs:      reg,
		Agent:       fn,
		Checkpoints: store,
		Progress:    f.progress,
		Events:      f.events,
	})
	require.NoError(t, err)
	f.sched = sched
	return f
}

func echo(log *callLog) agent.Func {
	return func(_ context.Context, st graph.StageDefinition, _ map[string]any) (agent.Result, error) {
		log.called(st.ID)
		log.add(st.ID + ":start")
		log.add(st.ID + ":end")
		return agent.Result{Output: st.ID + "-out"}, nil
	}
}

func TestNewScheduler_RequiresAgent(t *testing.T) {
	_, err := NewScheduler(Config{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRun_LinearChainRunsInOrder(t *testing.T) {
	g := &graph.PipelineGraph{ID: "chain", Stages: []graph.StageDefinition{
		stage("a"), stage("b", "a"), stage("c", "b"),
	}}
	log := newCallLog()
	var inputs sync.Map
	fn := func(ctx context.Context, st graph.StageDefinition, in map[string]any) (agent.Result, error) {
		inputs.Store(st.ID, in)
		return echo(log)(ctx, st, in)
	}
	f := newFixture(t, fn, nil, g)

	rec, err := f.sched.Run(context.Background(), "chain", "payload")
	require.NoError(t, err)

	assert.Equal(t, ExecutionCompleted, rec.Status)
	assert.Equal(t, []string{"a:start", "a:end", "b:start", "b:end", "c:start", "c:end"}, log.list())
	assert.Equal(t, "c-out", rec.Output)
	assert.Equal(t, []string{"a", "b", "c"}, rec.CompletedStages())

	aIn, _ := inputs.Load("a")
	assert.Equal(t, map[string]any{"input": "payload"}, aIn)
	bIn, _ := inputs.Load("b")
	assert.Equal(t, map[string]any{"a": "a-out"}, bIn)
}

func TestRun_ParallelEntryStagesAreNotSerialized(t *testing.T) {
	g := &graph.PipelineGraph{ID: "fan", Stages: []graph.StageDefinition{
		parallel(stage("a")), parallel(stage("b")), stage("c", "a", "b"),
	}}

	var arrived sync.WaitGroup
	arrived.Add(2)
	release := make(chan struct{})
	go func() {
		arrived.Wait()
		close(release)
	}()

	fn := func(_ context.Context, st graph.StageDefinition, in map[string]any) (agent.Result, error) {
		if st.ID == "c" {
			return agent.Result{Output: in}, nil
		}
		arrived.Done()
		select {
		case <-release:
			return agent.Result{Output: st.ID}, nil
		case <-time.After(2 * time.Second):
			return agent.Result{}, errors.New("sibling stage never started")
		}
	}
	f := newFixture(t, fn, nil, g)

	rec, err := f.sched.Run(context.Background(), "fan", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "a", "b": "b"}, rec.Output)
}

func TestRun_RetrySucceedsOnThirdAttempt(t *testing.T) {
	s := stage("flaky")
	s.Retry = graph.RetryPolicy{MaxAttempts: 3, Backoff: graph.BackoffFixed, BaseDelay: time.Millisecond}
	g := &graph.PipelineGraph{ID: "retry", Stages: []graph.StageDefinition{s}}

	log := newCallLog()
	fn := func(_ context.Context, st graph.StageDefinition, _ map[string]any) (agent.Result, error) {
		if log.called(st.ID) < 3 {
			return agent.Result{}, errors.New("transient")
		}
		return agent.Result{Output: "ok"}, nil
	}
	f := newFixture(t, fn, nil, g)

	rec, err := f.sched.Run(context.Background(), "retry", nil)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, rec.Status)
	assert.Equal(t, 3, rec.Stages["flaky"].Attempts)
	assert.Equal(t, StageCompleted, rec.Stages["flaky"].Status)

	var started []int
	for _, ev := range rec.Timeline {
		if ev.Type == EventStageStarted {
			started = append(started, ev.Attempt)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, started)

	recs, err := f.progress.List(context.Background(), rec.ID)
	require.NoError(t, err)
	var numbers []int
	for _, r := range recs {
		if r.Type == progress.RecordStageStarted {
			numbers = append(numbers, r.ExecutionNumber)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, numbers)
	assert.Equal(t, 3, f.events.Count(events.TypeStageStarted))
}

func TestRun_PermanentFailureStopsAfterMaxAttempts(t *testing.T) {
	s := stage("broken")
	s.Retry = graph.RetryPolicy{MaxAttempts: 3, Backoff: graph.BackoffFixed, BaseDelay: time.Millisecond}
	g := &graph.PipelineGraph{ID: "fail", Stages: []graph.StageDefinition{s, stage("after", "broken")}}

	log := newCallLog()
	fn := func(_ context.Context, st graph.StageDefinition, _ map[string]any) (agent.Result, error) {
		log.called(st.ID)
		return agent.Result{}, errors.New("permanent")
	}
	f := newFixture(t, fn, nil, g)

	rec, err := f.sched.Run(context.Background(), "fail", nil)
	require.Error(t, err)

	var stageErr *StageExecutionError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "broken", stageErr.StageID)
	assert.Equal(t, 3, stageErr.Attempt)
	assert.Contains(t, err.Error(), "permanent")

	assert.Equal(t, 3, log.count("broken"))
	assert.Equal(t, 0, log.count("after"))
	assert.Equal(t, ExecutionFailed, rec.Status)
	assert.Equal(t, StageFailed, rec.Stages["broken"].Status)
	assert.Equal(t, StagePending, rec.Stages["after"].Status)
	assert.Equal(t, 1, f.events.Count(events.TypeStageFailed))
	assert.Equal(t, 1, f.events.Count(events.TypeExecutionFailed))

	cp, err := f.store.Load(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
}

func TestRun_ParallelFailureLetsSiblingsFinish(t *testing.T) {
	g := &graph.PipelineGraph{ID: "sib", Stages: []graph.StageDefinition{
		parallel(stage("fast-fail")), parallel(stage("slow")), stage("after", "fast-fail", "slow"),
	}}
	fn := func(_ context.Context, st graph.StageDefinition, _ map[string]any) (agent.Result, error) {
		switch st.ID {
		case "fast-fail":
			return agent.Result{}, errors.New("boom")
		case "slow":
			time.Sleep(30 * time.Millisecond)
		}
		return agent.Result{Output: st.ID}, nil
	}
	f := newFixture(t, fn, nil, g)

	rec, err := f.sched.Run(context.Background(), "sib", nil)
	require.Error(t, err)
	assert.Equal(t, StageCompleted, rec.Stages["slow"].Status)
	assert.Equal(t, StageFailed, rec.Stages["fast-fail"].Status)
	assert.Equal(t, StagePending, rec.Stages["after"].Status)
}

func TestRun_TimelineForParallelThenJoin(t *testing.T) {
	g := &graph.PipelineGraph{ID: "abc", Stages: []graph.StageDefinition{
		parallel(stage("A")), parallel(stage("B")), stage("C", "A", "B"),
	}}
	f := newFixture(t, echo(newCallLog()), nil, g)

	rec, err := f.sched.Run(context.Background(), "abc", nil)
	require.NoError(t, err)

	tl := rec.Timeline
	require.Len(t, tl, 8)
	assert.Equal(t, EventExecutionStarted, tl[0].Type)

	firstWave := map[string][]TimelineEventType{}
	for _, ev := range tl[1:5] {
		require.NotEqual(t, "C", ev.StageID)
		firstWave[ev.StageID] = append(firstWave[ev.StageID], ev.Type)
	}
	assert.Equal(t, []TimelineEventType{EventStageStarted, EventStageCompleted}, firstWave["A"])
	assert.Equal(t, []TimelineEventType{EventStageStarted, EventStageCompleted}, firstWave["B"])

	assert.Equal(t, TimelineEvent{Type: EventStageStarted, StageID: "C", Attempt: 1}, stripTime(tl[5]))
	assert.Equal(t, TimelineEvent{Type: EventStageCompleted, StageID: "C", Attempt: 1}, stripTime(tl[6]))
	assert.Equal(t, EventExecutionCompleted, tl[7].Type)
	assert.Equal(t, "C-out", rec.Output)
}

func stripTime(ev TimelineEvent) TimelineEvent {
	ev.Timestamp = time.Time{}
	return ev
}

// capturingStore keeps a copy of the checkpoint written when a given number
// of stages had completed, simulating a crash right after that write.
type capturingStore struct {
	*checkpoint.MemoryStore
	after int

	mu       sync.Mutex
	captured *checkpoint.Checkpoint
}

func (c *capturingStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if err := c.MemoryStore.Save(ctx, cp); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(cp.CompletedStages) == c.after && cp.Status == checkpoint.StatusRunning && c.captured == nil {
		c.captured = cp.Clone()
	}
	return nil
}

func TestResume_ContinuesAfterLastCompletedStage(t *testing.T) {
	g := &graph.PipelineGraph{ID: "four", Stages: []graph.StageDefinition{
		stage("s1"), stage("s2", "s1"), stage("s3", "s2"), stage("s4", "s3"),
	}}

	store := &capturingStore{MemoryStore: checkpoint.NewMemoryStore(), after: 2}
	first := newFixture(t, echo(newCallLog()), store, g)
	_, err := first.sched.Run(context.Background(), "four", "payload",
		WithExecutionID("run-four"), WithWorkContext("proj-1"), WithItemID("item-9"))
	require.NoError(t, err)
	require.NotNil(t, store.captured)
	assert.Equal(t, []string{"s1", "s2"}, store.captured.CompletedStages)
	assert.Equal(t, "s2", store.captured.CurrentStage)

	// A fresh process resumes from the captured checkpoint.
	log := newCallLog()
	var s3Input map[string]any
	fn := func(ctx context.Context, st graph.StageDefinition, in map[string]any) (agent.Result, error) {
		if st.ID == "s3" {
			s3Input = in
		}
		return echo(log)(ctx, st, in)
	}
	second := newFixture(t, fn, nil, g)
	rec, err := second.sched.Resume(context.Background(), store.captured)
	require.NoError(t, err)

	assert.Equal(t, "run-four", rec.ID)
	assert.True(t, rec.Resumed)
	assert.Equal(t, "proj-1", rec.WorkContext)
	assert.Equal(t, "item-9", rec.ItemID)
	assert.Equal(t, 0, log.count("s1"))
	assert.Equal(t, 0, log.count("s2"))
	assert.Equal(t, 1, log.count("s3"))
	assert.Equal(t, 1, log.count("s4"))
	assert.Equal(t, map[string]any{"s2": "s2-out"}, s3Input)
	assert.Equal(t, "s4-out", rec.Output)
	assert.Equal(t, EventExecutionResumed, rec.Timeline[0].Type)
}

func TestResume_RejectsTerminalAndTampered(t *testing.T) {
	g := &graph.PipelineGraph{ID: "one", Stages: []graph.StageDefinition{stage("a")}}
	f := newFixture(t, echo(newCallLog()), nil, g)

	done := &checkpoint.Checkpoint{RunID: "r", GraphID: "one", Status: checkpoint.StatusCompleted}
	_, err := f.sched.Resume(context.Background(), done)
	assert.ErrorIs(t, err, ErrInvalidInput)

	cp := &checkpoint.Checkpoint{RunID: "r", GraphID: "one", Status: checkpoint.StatusRunning, CompletedStages: []string{}}
	require.NoError(t, cp.Seal())
	cp.CompletedStages = []string{"a"}
	_, err = f.sched.Resume(context.Background(), cp)
	assert.ErrorIs(t, err, checkpoint.ErrCorrupt)

	unknown := &checkpoint.Checkpoint{RunID: "r", GraphID: "one", Status: checkpoint.StatusRunning, CompletedStages: []string{"zz"}}
	_, err = f.sched.Resume(context.Background(), unknown)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStop_MarksRunningStagesAndPreventsNewStarts(t *testing.T) {
	g := &graph.PipelineGraph{ID: "stop", Stages: []graph.StageDefinition{stage("slow"), stage("next", "slow")}}
	started := make(chan struct{})
	log := newCallLog()
	fn := func(ctx context.Context, st graph.StageDefinition, _ map[string]any) (agent.Result, error) {
		log.called(st.ID)
		if st.ID == "slow" {
			close(started)
			<-ctx.Done()
			return agent.Result{}, ctx.Err()
		}
		return agent.Result{}, nil
	}
	f := newFixture(t, fn, nil, g)

	type outcome struct {
		rec *ExecutionRecord
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		rec, err := f.sched.Run(context.Background(), "stop", nil, WithExecutionID("exec-stop"))
		done <- outcome{rec, err}
	}()

	<-started
	assert.Equal(t, []string{"exec-stop"}, f.sched.Active())
	require.NoError(t, f.sched.Stop("exec-stop"))

	select {
	case out := <-done:
		assert.ErrorIs(t, out.err, ErrExecutionStopped)
		assert.Equal(t, ExecutionStopped, out.rec.Status)
		assert.Equal(t, StageStopped, out.rec.Stages["slow"].Status)
		assert.Equal(t, StagePending, out.rec.Stages["next"].Status)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after Stop")
	}
	assert.Equal(t, 0, log.count("next"))
	assert.Equal(t, 1, f.events.Count(events.TypeExecutionStopped))

	cp, err := f.store.Load(context.Background(), "exec-stop")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusStopped, cp.Status)

	err = f.sched.Stop("exec-stop")
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	got, err := f.sched.Get("exec-stop")
	require.NoError(t, err)
	assert.Equal(t, ExecutionStopped, got.Status)
}

func TestStop_DoesNotWaitForAgentIgnoringContext(t *testing.T) {
	g := &graph.PipelineGraph{ID: "stuck", Stages: []graph.StageDefinition{stage("stuck")}}
	started := make(chan struct{})
	unblock := make(chan struct{})
	defer close(unblock)
	fn := func(context.Context, graph.StageDefinition, map[string]any) (agent.Result, error) {
		close(started)
		<-unblock
		return agent.Result{}, nil
	}
	f := newFixture(t, fn, nil, g)

	done := make(chan error, 1)
	go func() {
		_, err := f.sched.Run(context.Background(), "stuck", nil, WithExecutionID("exec-stuck"))
		done <- err
	}()
	<-started
	require.NoError(t, f.sched.Stop("exec-stuck"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrExecutionStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler waited on an agent that ignores cancellation")
	}
}

func TestRun_CallerCancellationStopsRun(t *testing.T) {
	g := &graph.PipelineGraph{ID: "cancel", Stages: []graph.StageDefinition{stage("wait")}}
	fn := func(ctx context.Context, _ graph.StageDefinition, _ map[string]any) (agent.Result, error) {
		<-ctx.Done()
		return agent.Result{}, ctx.Err()
	}
	f := newFixture(t, fn, nil, g)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rec, err := f.sched.Run(ctx, "cancel", nil)
	assert.ErrorIs(t, err, ErrExecutionStopped)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ExecutionStopped, rec.Status)

	cp, err := f.store.Load(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusRunning, cp.Status, "interrupted runs stay resumable")
}

func TestRun_StageTimeoutIsRetriedThenFails(t *testing.T) {
	s := stage("slow")
	s.Timeout = 20 * time.Millisecond
	s.Retry = graph.RetryPolicy{MaxAttempts: 2}
	g := &graph.PipelineGraph{ID: "timeout", Stages: []graph.StageDefinition{s}}

	log := newCallLog()
	fn := func(ctx context.Context, st graph.StageDefinition, _ map[string]any) (agent.Result, error) {
		log.called(st.ID)
		<-ctx.Done()
		return agent.Result{}, ctx.Err()
	}
	f := newFixture(t, fn, nil, g)

	rec, err := f.sched.Run(context.Background(), "timeout", nil)
	var te *StageTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "slow", te.StageID)
	assert.Equal(t, 2, te.Attempt)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, log.count("slow"))
	assert.Equal(t, ExecutionFailed, rec.Status)
	assert.Equal(t, "slow", rec.Timeline[len(rec.Timeline)-1].StageID)
}

func TestRun_AgentPanicIsStageFailure(t *testing.T) {
	g := &graph.PipelineGraph{ID: "panic", Stages: []graph.StageDefinition{stage("p")}}
	fn := func(context.Context, graph.StageDefinition, map[string]any) (agent.Result, error) {
		panic("kaboom")
	}
	f := newFixture(t, fn, nil, g)

	_, err := f.sched.Run(context.Background(), "panic", nil)
	var se *StageExecutionError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRun_RoutingSelectsFirstMatchingConnection(t *testing.T) {
	router := stage("review")
	router.Type = graph.StageRouter
	g := &graph.PipelineGraph{
		ID: "route",
		Stages: []graph.StageDefinition{
			router, stage("publish"), stage("revise"), stage("notify", "revise"),
		},
		Connections: []graph.Connection{
			{From: "review", To: "publish", Guard: "decision=approve"},
			{From: "review", To: "revise", Guard: "default"},
		},
	}
	log := newCallLog()
	fn := func(_ context.Context, st graph.StageDefinition, _ map[string]any) (agent.Result, error) {
		log.called(st.ID)
		if st.ID == "review" {
			return agent.Result{Output: "draft", Decision: "approve", Rationale: "all checks passed"}, nil
		}
		return agent.Result{Output: st.ID + "-out"}, nil
	}
	f := newFixture(t, fn, nil, g)

	rec, err := f.sched.Run(context.Background(), "route", nil)
	require.NoError(t, err)

	assert.Equal(t, StageCompleted, rec.Stages["publish"].Status)
	assert.Equal(t, StageSkipped, rec.Stages["revise"].Status)
	assert.Equal(t, StageSkipped, rec.Stages["notify"].Status)
	assert.Equal(t, 0, log.count("revise"))
	assert.Equal(t, 0, log.count("notify"))
	assert.Equal(t, "publish-out", rec.Output)

	route := rec.Stages["review"].Route
	require.NotNil(t, route)
	assert.Equal(t, []string{"publish"}, route.Targets)
	assert.Equal(t, []string{"revise"}, route.Skipped)
	assert.Equal(t, "approve", route.Decision)
	assert.Equal(t, "all checks passed", route.Rationale)

	var routed *TimelineEvent
	for i := range rec.Timeline {
		if rec.Timeline[i].Type == EventStageRouted {
			routed = &rec.Timeline[i]
		}
	}
	require.NotNil(t, routed)
	assert.Equal(t, "all checks passed", routed.Rationale)
	assert.Equal(t, 1, f.events.Count(events.TypeStageRouted))
	assert.Equal(t, 2, f.events.Count(events.TypeStageSkipped))
}

// gatedSink holds the router's stage:completed event until release is
// closed, widening the gap between the router completing and the rest of
// its completion path.
type gatedSink struct {
	*events.Recorder
	stageID   string
	completed chan struct{}
	release   <-chan struct{}
	once      sync.Once
}

func (g *gatedSink) Emit(eventType events.Type, data any) {
	g.Recorder.Emit(eventType, data)
	sd, ok := data.(events.StageData)
	if eventType != events.TypeStageCompleted || !ok || sd.StageID != g.stageID {
		return
	}
	g.once.Do(func() {
		close(g.completed)
		select {
		case <-g.release:
		case <-time.After(2 * time.Second):
		}
	})
}

// signallingStore closes saved after the first running checkpoint with the
// given number of completed stages and keeps a copy of it.
type signallingStore struct {
	*capturingStore
	saved chan struct{}
	once  sync.Once
}

func (s *signallingStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if err := s.capturingStore.Save(ctx, cp); err != nil {
		return err
	}
	s.capturingStore.mu.Lock()
	captured := s.capturingStore.captured != nil
	s.capturingStore.mu.Unlock()
	if captured {
		s.once.Do(func() { close(s.saved) })
	}
	return nil
}

func TestResume_PreservesRoutingSkips(t *testing.T) {
	router := parallel(stage("route"))
	router.Type = graph.StageRouter
	g := &graph.PipelineGraph{
		ID:     "routed-resume",
		Stages: []graph.StageDefinition{router, parallel(stage("side")), stage("left"), stage("right")},
		Connections: []graph.Connection{
			{From: "route", To: "left", Guard: "outcome=left"},
			{From: "route", To: "right", Guard: "outcome=right"},
		},
	}
	reg := graph.NewRegistry(nil)
	require.NoError(t, reg.Register(g))

	store := &signallingStore{
		capturingStore: &capturingStore{MemoryStore: checkpoint.NewMemoryStore(), after: 2},
		saved:          make(chan struct{}),
	}
	sink := &gatedSink{
		Recorder:  events.NewRecorder(),
		stageID:   "route",
		completed: make(chan struct{}),
		release:   store.saved,
	}
	// side finishes only once route has completed, so its checkpoint is
	// written while route is still inside its completion path.
	fn := func(_ context.Context, st graph.StageDefinition, _ map[string]any) (agent.Result, error) {
		switch st.ID {
		case "route":
			return agent.Result{Output: "r", Decision: "left"}, nil
		case "side":
			select {
			case <-sink.completed:
			case <-time.After(2 * time.Second):
			}
		}
		return agent.Result{Output: st.ID + "-out"}, nil
	}
	sched, err := NewScheduler(Config{Graphs: reg, Agent: agent.Func(fn), Checkpoints: store, Events: sink})
	require.NoError(t, err)

	_, err = sched.Run(context.Background(), "routed-resume", nil, WithExecutionID("run-routed"))
	require.NoError(t, err)
	require.NotNil(t, store.captured)
	assert.ElementsMatch(t, []string{"route", "side"}, store.captured.CompletedStages)
	assert.Contains(t, store.captured.SkippedStages, "right")

	log := newCallLog()
	second := newFixture(t, echo(log), nil, g)
	rec, err := second.sched.Resume(context.Background(), store.captured)
	require.NoError(t, err)

	assert.Equal(t, 0, log.count("route"))
	assert.Equal(t, 0, log.count("side"))
	assert.Equal(t, 1, log.count("left"))
	assert.Equal(t, 0, log.count("right"))
	assert.Equal(t, StageSkipped, rec.Stages["right"].Status)
	assert.Equal(t, StageCompleted, rec.Stages["left"].Status)
}

func TestRun_RoutingWithoutMatchEndsBranch(t *testing.T) {
	g := &graph.PipelineGraph{
		ID:          "nomatch",
		Stages:      []graph.StageDefinition{stage("check"), stage("fix")},
		Connections: []graph.Connection{{From: "check", To: "fix", Guard: "decision=broken"}},
	}
	fn := func(_ context.Context, st graph.StageDefinition, _ map[string]any) (agent.Result, error) {
		return agent.Result{Output: st.ID, Decision: "fine"}, nil
	}
	f := newFixture(t, fn, nil, g)

	rec, err := f.sched.Run(context.Background(), "nomatch", nil)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, rec.Status)
	assert.Equal(t, StageSkipped, rec.Stages["fix"].Status)
	assert.Empty(t, rec.Stages["check"].Route.Targets)
	assert.Nil(t, rec.Output)
}

func TestRun_MultipleSinksReturnMap(t *testing.T) {
	g := &graph.PipelineGraph{ID: "sinks", Stages: []graph.StageDefinition{
		stage("root"), stage("left", "root"), stage("right", "root"),
	}}
	f := newFixture(t, echo(newCallLog()), nil, g)

	rec, err := f.sched.Run(context.Background(), "sinks", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"left": "left-out", "right": "right-out"}, rec.Output)
}

func TestRun_InvalidAndUnknownGraphs(t *testing.T) {
	f := newFixture(t, echo(newCallLog()), nil)

	_, err := f.sched.Run(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, graph.ErrGraphNotFound)

	cyclic := &graph.PipelineGraph{ID: "cyc", Stages: []graph.StageDefinition{stage("a", "b"), stage("b", "a")}}
	_, err = f.sched.RunGraph(context.Background(), cyclic, nil)
	assert.ErrorIs(t, err, graph.ErrInvalidGraph)
}

func TestLoop_ReportsUnreachableStages(t *testing.T) {
	// Bypasses validation to exercise the scheduler's own check.
	cyclic := &graph.PipelineGraph{ID: "cyc", Stages: []graph.StageDefinition{
		stage("entry"), stage("a", "b"), stage("b", "a"),
	}}
	s, err := NewScheduler(Config{Agent: echo(newCallLog())})
	require.NoError(t, err)

	rec := newExecutionRecord("x", "cyc", cyclic.StageIDs(), nil)
	rec.start(time.Now(), false)
	ex := &execution{graph: cyclic, record: rec, cancel: func(error) {}}

	err = s.loop(context.Background(), ex)
	var ue *UnreachableStagesError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, []string{"a", "b"}, ue.Stages)
	assert.Equal(t, StageCompleted, rec.Stages["entry"].Status)
}

func TestRun_CheckpointsEveryStageBoundary(t *testing.T) {
	g := &graph.PipelineGraph{ID: "cp", Stages: []graph.StageDefinition{stage("a"), stage("b", "a")}}
	var saves []int
	var mu sync.Mutex
	store := &recordingStore{MemoryStore: checkpoint.NewMemoryStore(), onSave: func(cp *checkpoint.Checkpoint) {
		mu.Lock()
		defer mu.Unlock()
		saves = append(saves, len(cp.CompletedStages))
	}}
	f := newFixture(t, echo(newCallLog()), store, g)

	rec, err := f.sched.Run(context.Background(), "cp", nil, WithWorkContext("proj"))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 2}, saves)

	latest, err := store.Latest(context.Background(), "proj")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, latest.RunID)
	assert.Equal(t, checkpoint.StatusCompleted, latest.Status)
}

type recordingStore struct {
	*checkpoint.MemoryStore
	onSave func(*checkpoint.Checkpoint)
}

func (r *recordingStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	r.onSave(cp)
	return r.MemoryStore.Save(ctx, cp)
}

type archiveFunc func(context.Context, *ExecutionRecord) error

func (f archiveFunc) Archive(ctx context.Context, rec *ExecutionRecord) error { return f(ctx, rec) }

func TestRun_ArchivesFinishedRecordAndGet(t *testing.T) {
	g := &graph.PipelineGraph{ID: "arch", Stages: []graph.StageDefinition{stage("a")}}
	reg := graph.NewRegistry(nil)
	require.NoError(t, reg.Register(g))

	var archived []string
	s, err := NewScheduler(Config{
		Graphs: reg,
		Agent:  echo(newCallLog()),
		Archive: archiveFunc(func(_ context.Context, rec *ExecutionRecord) error {
			archived = append(archived, fmt.Sprintf("%s:%s", rec.ID, rec.Status))
			return errors.New("archive offline")
		}),
		RecentLimit: 1,
	})
	require.NoError(t, err)

	first, err := s.Run(context.Background(), "arch", nil)
	require.NoError(t, err)
	second, err := s.Run(context.Background(), "arch", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{first.ID + ":completed", second.ID + ":completed"}, archived)
	_, err = s.Get(first.ID)
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	got, err := s.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, "a-out", got.Output)
	assert.Empty(t, s.Active())
}
