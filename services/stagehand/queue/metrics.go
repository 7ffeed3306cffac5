// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "stagehand"
	queueSubsystem   = "queue"
)

// Metrics holds the Prometheus collectors for the work queue.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// EnqueuedTotal counts accepted items.
	EnqueuedTotal prometheus.Counter

	// CancelledTotal counts items removed while queued.
	CancelledTotal prometheus.Counter

	// FinishedTotal counts items that reached a terminal status.
	// Labels: status (completed, error)
	FinishedTotal *prometheus.CounterVec

	// ItemDurationSeconds measures in_progress to terminal time.
	// Labels: status (completed, error)
	ItemDurationSeconds *prometheus.HistogramVec

	// Depth tracks queued items across all projects. Project IDs are
	// caller-supplied, so they are not used as a label.
	Depth prometheus.Gauge

	// ProcessingProjects tracks projects with an item in flight.
	ProcessingProjects prometheus.Gauge

	mu     sync.Mutex
	depths map[string]int
	total  int
}

// NewMetrics creates and registers the queue collectors with reg. A nil reg
// uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		EnqueuedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: queueSubsystem,
			Name:      "enqueued_total",
			Help:      "Total number of work items enqueued",
		}),
		CancelledTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: queueSubsystem,
			Name:      "cancelled_total",
			Help:      "Total number of work items cancelled while queued",
		}),
		FinishedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: queueSubsystem,
			Name:      "items_finished_total",
			Help:      "Total number of work items finished by status",
		}, []string{"status"}),
		ItemDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: queueSubsystem,
			Name:      "item_duration_seconds",
			Help:      "Time from in_progress to a terminal status",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),
		Depth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: queueSubsystem,
			Name:      "depth",
			Help:      "Number of queued work items across all projects",
		}),
		ProcessingProjects: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: queueSubsystem,
			Name:      "processing_projects",
			Help:      "Number of projects with a work item in flight",
		}),
		depths: make(map[string]int),
	}
}

func (m *Metrics) enqueued() {
	if m != nil {
		m.EnqueuedTotal.Inc()
	}
}

func (m *Metrics) cancelled() {
	if m != nil {
		m.CancelledTotal.Inc()
	}
}

func (m *Metrics) finished(status Status, d time.Duration) {
	if m == nil {
		return
	}
	m.FinishedTotal.WithLabelValues(string(status)).Inc()
	m.ItemDurationSeconds.WithLabelValues(string(status)).Observe(d.Seconds())
}

// depth records the queued count of one project and publishes the total.
// Projects with nothing queued are forgotten.
func (m *Metrics) depth(projectID string, queued int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total += queued - m.depths[projectID]
	if queued > 0 {
		m.depths[projectID] = queued
	} else {
		delete(m.depths, projectID)
	}
	m.Depth.Set(float64(m.total))
}

func (m *Metrics) processing(delta float64) {
	if m != nil {
		m.ProcessingProjects.Add(delta)
	}
}
