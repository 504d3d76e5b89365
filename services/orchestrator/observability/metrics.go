// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the swarmgate
// service: dispatch counters, governance verdicts, failovers, and
// canary state. Exposed on /metrics; all operations are thread-safe via
// Prometheus's internal locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "swarmgate"

// Metrics holds every Prometheus metric the service emits.
type Metrics struct {
	// SwarmsTotal counts submitted swarms by outcome.
	// Labels: status (accepted, blocked)
	SwarmsTotal *prometheus.CounterVec

	// GovernanceVerdictsTotal counts gate decisions.
	// Labels: flow (PROCEED, BLOCK), tier (1, 2, 3)
	GovernanceVerdictsTotal *prometheus.CounterVec

	// TaskDispatchesTotal counts task executions by result.
	// Labels: result (completed, failed)
	TaskDispatchesTotal *prometheus.CounterVec

	// FailoversTotal counts account failovers triggered by auth errors.
	FailoversTotal prometheus.Counter

	// SwarmDurationSeconds measures end-to-end swarm run time.
	// Labels: status (completed, needs_revision, manual_fix_required, critical_failure)
	SwarmDurationSeconds *prometheus.HistogramVec

	// CanaryActive is 1 while a canary run is in progress.
	CanaryActive prometheus.Gauge

	// CanaryRollbacksTotal counts automatic rollbacks.
	CanaryRollbacksTotal prometheus.Counter
}

// Default is the singleton metrics instance, set by Init.
var Default *Metrics

var initOnce sync.Once

// Init registers all metrics with the default registry. Idempotent:
// repeated calls return the singleton.
func Init() *Metrics {
	initOnce.Do(register)
	return Default
}

func register() {
	m := &Metrics{
		SwarmsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swarms_total",
			Help:      "Submitted swarms by admission outcome.",
		}, []string{"status"}),
		GovernanceVerdictsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "governance_verdicts_total",
			Help:      "Governance gate decisions by flow and tier.",
		}, []string{"flow", "tier"}),
		TaskDispatchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_dispatches_total",
			Help:      "Task executions by terminal result.",
		}, []string{"result"}),
		FailoversTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Account failovers triggered by auth errors.",
		}),
		SwarmDurationSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "swarm_duration_seconds",
			Help:      "End-to-end swarm run time by terminal status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"status"}),
		CanaryActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "canary_active",
			Help:      "1 while a canary run is in progress.",
		}),
		CanaryRollbacksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "canary_rollbacks_total",
			Help:      "Automatic canary rollbacks.",
		}),
	}
	Default = m
}
