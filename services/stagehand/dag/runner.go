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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/stagehand/services/stagehand/agent"
	"github.com/AleutianAI/stagehand/services/stagehand/events"
	"github.com/AleutianAI/stagehand/services/stagehand/graph"
	"github.com/AleutianAI/stagehand/services/stagehand/progress"
)

// runStage executes one stage to a terminal outcome.
//
// Description:
//
//	Each attempt moves the stage to running, invokes the agent under the
//	stage timeout and records the outcome. A failed attempt is retried after
//	the policy's backoff until MaxAttempts is reached. The backoff sleep only
//	blocks this stage. A completed stage has its routing applied and a
//	checkpoint written before runStage returns.
//
// Outputs:
//
//	error - The terminal stage error, or an ErrExecutionStopped chain when
//	        the execution was stopped while the stage was pending or running.
func (s *Scheduler) runStage(ctx context.Context, ex *execution, stage graph.StageDefinition) error {
	rec := ex.record
	inputs := s.resolveInputs(ex, stage)
	maxAttempts := stage.Retry.Attempts()
	timeout := stage.EffectiveTimeout()

	ctx, span := tracer.Start(ctx, "stagehand.Stage",
		trace.WithAttributes(
			attribute.String("stagehand.execution_id", rec.ID),
			attribute.String("stagehand.stage", stage.ID),
			attribute.String("stagehand.stage_type", string(stage.Type)),
			attribute.String("stagehand.agent", stage.Agent),
			attribute.Int("stagehand.max_attempts", maxAttempts),
		),
	)
	defer span.End()

	logger := s.logger.With(
		slog.String("execution_id", rec.ID),
		slog.String("stage", stage.ID),
	)

	for attempt := 1; ; attempt++ {
		if !rec.beginAttempt(stage.ID, attempt, s.now()) {
			return s.halt(ctx, ex)
		}
		s.appendProgress(ctx, progress.Record{
			Type:            progress.RecordStageStarted,
			RunID:           rec.ID,
			StageID:         stage.ID,
			ExecutionNumber: attempt,
		})
		s.events.Emit(events.TypeStageStarted, s.stageData(ex, stage.ID, attempt, 0, nil))
		logger.Debug("stage starting", slog.Int("attempt", attempt))

		attemptStart := time.Now()
		s.metrics.stageActive(ctx, 1)
		res, err := s.invoke(ctx, stage, inputs, timeout, attempt)
		s.metrics.stageActive(ctx, -1)
		duration := time.Since(attemptStart)
		s.metrics.stageFinished(ctx, stage.ID, duration)

		if err == nil {
			route := s.routeFor(ex, stage, res)
			if !rec.complete(stage.ID, res.Output, route, s.now()) {
				return s.halt(ctx, ex)
			}
			s.metrics.stageOutcome(ctx, stage.ID, true)
			s.appendProgress(ctx, progress.Record{
				Type:            progress.RecordStageCompleted,
				RunID:           rec.ID,
				StageID:         stage.ID,
				ExecutionNumber: attempt,
			})
			s.events.Emit(events.TypeStageCompleted, s.stageData(ex, stage.ID, attempt, duration, nil))
			logger.Info("stage completed",
				slog.Int("attempt", attempt),
				slog.Duration("duration", duration),
			)
			if route != nil {
				s.publishRoute(ctx, ex, stage.ID, *route)
			}
			s.saveCheckpoint(ctx, ex)
			span.SetStatus(codes.Ok, "")
			return nil
		}

		if ctx.Err() != nil || rec.status() != ExecutionRunning {
			return s.halt(ctx, ex)
		}

		s.appendProgress(ctx, progress.Record{
			Type:            progress.RecordStageError,
			RunID:           rec.ID,
			StageID:         stage.ID,
			ExecutionNumber: attempt,
			Message:         err.Error(),
		})
		span.RecordError(err)

		if attempt >= maxAttempts {
			if !rec.fail(stage.ID, err, s.now()) {
				return s.halt(ctx, ex)
			}
			s.metrics.stageOutcome(ctx, stage.ID, false)
			s.events.Emit(events.TypeStageFailed, s.stageData(ex, stage.ID, attempt, duration, err))
			span.SetStatus(codes.Error, err.Error())
			logger.Error("stage failed",
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
			return err
		}

		rec.attemptFailed(stage.ID, attempt, err, s.now())
		s.metrics.retried(ctx, stage.ID)
		delay := stage.Retry.Delay(attempt)
		logger.Warn("stage attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		if err := sleepContext(ctx, delay); err != nil {
			return s.halt(ctx, ex)
		}
	}
}

type invokeOutcome struct {
	res agent.Result
	err error
}

// invoke calls the agent with the stage deadline. The scheduler stops
// waiting when the deadline passes even if the agent ignores it.
func (s *Scheduler) invoke(ctx context.Context, stage graph.StageDefinition, inputs map[string]any, timeout time.Duration, attempt int) (agent.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan invokeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeOutcome{err: fmt.Errorf("agent panicked: %v", r)}
			}
		}()
		res, err := s.agent.Invoke(callCtx, stage, inputs)
		done <- invokeOutcome{res: res, err: err}
	}()

	timeoutErr := &StageTimeoutError{StageID: stage.ID, Timeout: timeout, Attempt: attempt}
	select {
	case out := <-done:
		if out.err == nil {
			return out.res, nil
		}
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return agent.Result{}, timeoutErr
		}
		return agent.Result{}, &StageExecutionError{StageID: stage.ID, Attempt: attempt, Err: out.err}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return agent.Result{}, ctx.Err()
		}
		return agent.Result{}, timeoutErr
	}
}

// resolveInputs maps each completed dependency to its output. Entry stages
// receive the run payload under "input".
func (s *Scheduler) resolveInputs(ex *execution, stage graph.StageDefinition) map[string]any {
	deps := ex.graph.Dependencies(stage.ID)
	if len(deps) == 0 {
		return map[string]any{"input": ex.record.Input}
	}
	inputs := make(map[string]any, len(deps))
	for _, dep := range deps {
		if out, ok := ex.record.output(dep); ok {
			inputs[dep] = out
		}
	}
	return inputs
}

// routeFor evaluates the outgoing connections of a completed stage. The
// first matching connection selects its target; every other target is
// skipped. No match skips them all, which ends this branch. It returns nil
// for a stage without outgoing connections.
//
// The decision is applied by ExecutionRecord.complete under the record lock,
// so no checkpoint can capture the stage as completed without its skips.
func (s *Scheduler) routeFor(ex *execution, stage graph.StageDefinition, res agent.Result) *RouteDecision {
	outgoing := ex.graph.Outgoing(stage.ID)
	if len(outgoing) == 0 {
		return nil
	}

	var matched *graph.Connection
	for i := range outgoing {
		if outgoing[i].Matches(res) {
			matched = &outgoing[i]
			break
		}
	}

	decision := &RouteDecision{Decision: res.Decision, Rationale: res.Rationale}
	seen := make(map[string]bool)
	for _, c := range outgoing {
		if seen[c.To] {
			continue
		}
		seen[c.To] = true
		if matched != nil && c.To == matched.To {
			decision.Targets = append(decision.Targets, c.To)
			continue
		}
		decision.Skipped = append(decision.Skipped, c.To)
	}
	switch {
	case matched != nil && decision.Decision == "":
		decision.Decision = matched.To
	case matched == nil && decision.Decision == "":
		decision.Decision = "none"
	}
	if decision.Rationale == "" {
		if matched != nil {
			decision.Rationale = fmt.Sprintf("connection %s -> %s matched guard %q", matched.From, matched.To, matched.Guard)
		} else {
			decision.Rationale = "no outgoing connection matched; branch complete"
		}
	}
	return decision
}

// publishRoute reports a route decision already applied to the record.
// decision.Skipped holds only the targets complete actually skipped.
func (s *Scheduler) publishRoute(ctx context.Context, ex *execution, stageID string, decision RouteDecision) {
	rec := ex.record
	s.appendProgress(ctx, progress.Record{
		Type:    progress.RecordStageRouted,
		RunID:   rec.ID,
		StageID: stageID,
		Message: decision.Rationale,
	})
	s.events.Emit(events.TypeStageRouted, events.StageData{
		ExecutionID: rec.ID,
		GraphID:     ex.graph.ID,
		StageID:     stageID,
		Targets:     decision.Targets,
		Decision:    decision.Decision,
		Rationale:   decision.Rationale,
	})
	s.logger.Info("stage routed",
		slog.String("execution_id", rec.ID),
		slog.String("stage", stageID),
		slog.Any("targets", decision.Targets),
		slog.String("rationale", decision.Rationale),
	)
	for _, target := range decision.Skipped {
		s.emitSkipped(ex, target, routeSkipReason(stageID))
	}
}

func (s *Scheduler) skipStage(ex *execution, stageID, reason string) {
	if !ex.record.skip(stageID, reason, s.now()) {
		return
	}
	s.emitSkipped(ex, stageID, reason)
}

func (s *Scheduler) emitSkipped(ex *execution, stageID, reason string) {
	s.events.Emit(events.TypeStageSkipped, events.StageData{
		ExecutionID: ex.record.ID,
		GraphID:     ex.graph.ID,
		StageID:     stageID,
		Error:       reason,
	})
}

// halt stops the execution if it is still running and returns the stop error.
func (s *Scheduler) halt(ctx context.Context, ex *execution) error {
	cause := context.Cause(ctx)
	reason := "stop requested"
	if cause != nil && !errors.Is(cause, errStopRequested) {
		reason = cause.Error()
	}
	s.stopExecution(ex, reason)
	if cause != nil && !errors.Is(cause, errStopRequested) {
		return fmt.Errorf("%w: %w", ErrExecutionStopped, cause)
	}
	return ErrExecutionStopped
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
