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
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("stagehand.dag")
	meter  = otel.Meter("stagehand.dag")
)

// schedulerMetrics holds otel instruments. Any instrument may be nil when
// creation failed; recording then becomes a no-op.
type schedulerMetrics struct {
	once         sync.Once
	stageLatency metric.Float64Histogram
	stageSuccess metric.Int64Counter
	stageFailure metric.Int64Counter
	stageRetries metric.Int64Counter
	activeStages metric.Int64UpDownCounter
	runLatency   metric.Float64Histogram
	runsFinished metric.Int64Counter
	activeRuns   metric.Int64UpDownCounter
}

// init lazily creates instruments. Failures degrade observability but never
// block execution.
func (m *schedulerMetrics) init(logger *slog.Logger) {
	m.once.Do(func() {
		var initErrors []string
		var err error

		m.stageLatency, err = meter.Float64Histogram("stagehand_stage_duration_seconds",
			metric.WithDescription("Time spent in each stage attempt"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_latency: "+err.Error())
		}

		m.stageSuccess, err = meter.Int64Counter("stagehand_stage_success_total",
			metric.WithDescription("Number of stages that completed"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_success: "+err.Error())
		}

		m.stageFailure, err = meter.Int64Counter("stagehand_stage_failure_total",
			metric.WithDescription("Number of stages that failed terminally"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_failure: "+err.Error())
		}

		m.stageRetries, err = meter.Int64Counter("stagehand_stage_retry_total",
			metric.WithDescription("Number of stage attempts that were retried"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_retries: "+err.Error())
		}

		m.activeStages, err = meter.Int64UpDownCounter("stagehand_active_stages",
			metric.WithDescription("Number of stage attempts currently running"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_stages: "+err.Error())
		}

		m.runLatency, err = meter.Float64Histogram("stagehand_run_duration_seconds",
			metric.WithDescription("Total pipeline run time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_latency: "+err.Error())
		}

		m.runsFinished, err = meter.Int64Counter("stagehand_runs_total",
			metric.WithDescription("Number of finished pipeline runs by status"),
		)
		if err != nil {
			initErrors = append(initErrors, "runs_total: "+err.Error())
		}

		m.activeRuns, err = meter.Int64UpDownCounter("stagehand_active_runs",
			metric.WithDescription("Number of pipeline runs in progress"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_runs: "+err.Error())
		}

		if len(initErrors) > 0 {
			logger.Error("failed to initialize some scheduler metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

func (m *schedulerMetrics) stageFinished(ctx context.Context, stageID string, d time.Duration) {
	if m.stageLatency != nil {
		m.stageLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stageID)))
	}
}

func (m *schedulerMetrics) stageOutcome(ctx context.Context, stageID string, ok bool) {
	attrs := metric.WithAttributes(attribute.String("stage", stageID))
	if ok && m.stageSuccess != nil {
		m.stageSuccess.Add(ctx, 1, attrs)
	}
	if !ok && m.stageFailure != nil {
		m.stageFailure.Add(ctx, 1, attrs)
	}
}

func (m *schedulerMetrics) retried(ctx context.Context, stageID string) {
	if m.stageRetries != nil {
		m.stageRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stageID)))
	}
}

func (m *schedulerMetrics) stageActive(ctx context.Context, delta int64) {
	if m.activeStages != nil {
		m.activeStages.Add(ctx, delta)
	}
}

func (m *schedulerMetrics) runActive(ctx context.Context, delta int64) {
	if m.activeRuns != nil {
		m.activeRuns.Add(ctx, delta)
	}
}

func (m *schedulerMetrics) runFinished(ctx context.Context, graphID string, status ExecutionStatus, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("graph", graphID),
		attribute.String("status", string(status)),
	)
	if m.runLatency != nil {
		m.runLatency.Record(ctx, d.Seconds(), attrs)
	}
	if m.runsFinished != nil {
		m.runsFinished.Add(ctx, 1, attrs)
	}
}
