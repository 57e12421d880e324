// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Constants
// =============================================================================

const (
	// metricsNamespace prefixes all facade metrics.
	metricsNamespace = "mooring"

	// metricsSubsystem groups the facade's own metrics.
	metricsSubsystem = "facade"
)

// Operation label values for operations_total.
const (
	OpCreate    = "create"
	OpUpdate    = "update"
	OpStart     = "start"
	OpStop      = "stop"
	OpDelete    = "delete"
	OpDuplicate = "duplicate"
)

// Outcome label values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// =============================================================================
// Metrics
// =============================================================================

// Metrics holds the facade's Prometheus instruments.
type Metrics struct {
	// OperationsTotal counts lifecycle operations by operation and outcome.
	OperationsTotal *prometheus.CounterVec

	// OperationDuration observes lifecycle operation latency by operation.
	OperationDuration *prometheus.HistogramVec

	// ReconcilePassesTotal counts reconciliation passes by outcome.
	ReconcilePassesTotal *prometheus.CounterVec

	// ProjectsCorrected counts records the reconciler corrected.
	ProjectsCorrected prometheus.Counter

	// ActiveOperations tracks lifecycle operations currently in flight.
	ActiveOperations prometheus.Gauge
}

// NewMetrics registers the facade's instruments with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "operations_total",
				Help:      "Lifecycle operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "operation_duration_seconds",
				Help:      "Lifecycle operation latency",
				// First starts download gigabytes; the tail is minutes.
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"operation"},
		),
		ReconcilePassesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "reconcile_passes_total",
				Help:      "Reconciliation passes by outcome",
			},
			[]string{"outcome"},
		),
		ProjectsCorrected: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "projects_corrected_total",
				Help:      "Project records corrected by reconciliation",
			},
		),
		ActiveOperations: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "active_operations",
				Help:      "Lifecycle operations currently in flight",
			},
		),
	}
}

// RecordOperation observes one finished lifecycle operation.
func (m *Metrics) RecordOperation(operation string, start time.Time, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.OperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordReconcile observes one reconciliation pass.
func (m *Metrics) RecordReconcile(changed int, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.ReconcilePassesTotal.WithLabelValues(outcome).Inc()
	m.ProjectsCorrected.Add(float64(changed))
}
