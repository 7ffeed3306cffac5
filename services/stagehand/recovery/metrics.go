// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the coordinator. A nil
// *Metrics records nothing.
type Metrics struct {
	// DecisionsTotal counts recovery decisions.
	// Labels: state (final outcome state)
	DecisionsTotal *prometheus.CounterVec

	// ResumesTotal counts finished resumptions.
	// Labels: result (success, error)
	ResumesTotal *prometheus.CounterVec

	// ActiveResumes tracks resumed runs still in flight.
	ActiveResumes prometheus.Gauge

	// ScansTotal counts RecoverAll passes.
	ScansTotal prometheus.Counter
}

// NewMetrics creates and registers the collectors with reg. A nil reg uses
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "recovery",
			Name:      "decisions_total",
			Help:      "Recovery decisions by final state",
		}, []string{"state"}),
		ResumesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "recovery",
			Name:      "resumes_total",
			Help:      "Finished resumptions by result",
		}, []string{"result"}),
		ActiveResumes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "stagehand",
			Subsystem: "recovery",
			Name:      "active_resumes",
			Help:      "Resumed runs still in flight",
		}),
		ScansTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "recovery",
			Name:      "scans_total",
			Help:      "Number of full recovery scans",
		}),
	}
}

func (m *Metrics) decided(s State) {
	if m != nil {
		m.DecisionsTotal.WithLabelValues(string(s)).Inc()
	}
}

func (m *Metrics) resumeStarted() {
	if m != nil {
		m.ActiveResumes.Inc()
	}
}

func (m *Metrics) resumeFinished(err error) {
	if m == nil {
		return
	}
	m.ActiveResumes.Dec()
	result := "success"
	if err != nil {
		result = "error"
	}
	m.ResumesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) scanned() {
	if m != nil {
		m.ScansTotal.Inc()
	}
}
