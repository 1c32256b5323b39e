// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for skewguard.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the skew
// protection engine. Metrics include:
//   - Storage operation counters and latency (by backend, op, status)
//   - Asset router outcomes (served, redirected, forwarded, not found)
//   - Realtime session gauges, broadcasts and send failures
//   - Build pipeline dedup/upload counters and retention evictions
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every recording method is safe to call on a nil *Metrics, so components
// constructed without metrics (tests, CLI one-shots) need no special casing.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "skewguard"

// Metrics holds all Prometheus metrics for the skew protection engine.
//
// # Description
//
// Provides counters, histograms, and gauges for storage, routing, realtime
// and build activity. Create once at startup via NewMetrics() and inject
// into the components that record into it.
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	// StorageOpsTotal counts storage calls.
	// Labels: backend (fs, s3, ...), op (get_raw, set_raw, ...), status (ok, not_found, error)
	StorageOpsTotal *prometheus.CounterVec

	// StorageOpSeconds measures storage call latency.
	// Labels: backend, op
	StorageOpSeconds *prometheus.HistogramVec

	// RouterRequestsTotal counts asset router outcomes.
	// Labels: platform, outcome (serve, redirect, forward, not_found, document)
	RouterRequestsTotal *prometheus.CounterVec

	// RealtimeSessions tracks live realtime sessions.
	// Labels: transport (websocket, sse)
	RealtimeSessions *prometheus.GaugeVec

	// BroadcastsTotal counts version-update broadcasts.
	BroadcastsTotal prometheus.Counter

	// SendFailuresTotal counts failed sends that pruned a session.
	SendFailuresTotal prometheus.Counter

	// AssetsTotal counts build assets by action.
	// Labels: action (uploaded, deduplicated, restored_skip, failed, collision)
	AssetsTotal *prometheus.CounterVec

	// VersionsEvictedTotal counts versions removed by retention sweeps.
	VersionsEvictedTotal prometheus.Counter

	// RetainedVersions reports the number of versions in the last manifest seen.
	RetainedVersions prometheus.Gauge
}

// NewMetrics creates and registers all metrics on the given registerer.
//
// # Description
//
// Uses promauto.With so callers control the registry. Production passes
// prometheus.DefaultRegisterer; tests pass prometheus.NewRegistry() to avoid
// duplicate registration panics across test cases.
//
// # Inputs
//
//   - reg: Registerer to attach metrics to. Must not be nil.
//
// # Outputs
//
//   - *Metrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice with the same registerer (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StorageOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "storage",
				Name:      "ops_total",
				Help:      "Total storage operations by backend, operation and status",
			},
			[]string{"backend", "op", "status"},
		),

		StorageOpSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "storage",
				Name:      "op_duration_seconds",
				Help:      "Storage operation latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"backend", "op"},
		),

		RouterRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "router",
				Name:      "requests_total",
				Help:      "Asset router requests by platform and outcome",
			},
			[]string{"platform", "outcome"},
		),

		RealtimeSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "realtime",
				Name:      "sessions",
				Help:      "Number of live realtime sessions",
			},
			[]string{"transport"},
		),

		BroadcastsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "realtime",
				Name:      "broadcasts_total",
				Help:      "Total version-update broadcasts",
			},
		),

		SendFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "realtime",
				Name:      "send_failures_total",
				Help:      "Total failed sends that removed a session",
			},
		),

		AssetsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "build",
				Name:      "assets_total",
				Help:      "Build assets processed by action",
			},
			[]string{"action"},
		),

		VersionsEvictedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "retention",
				Name:      "versions_evicted_total",
				Help:      "Total versions evicted by retention sweeps",
			},
		),

		RetainedVersions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "manifest",
				Name:      "retained_versions",
				Help:      "Number of versions retained in the manifest",
			},
		),
	}
}

// =============================================================================
// Recording Helpers
// =============================================================================

// RecordStorageOp records one storage call.
func (m *Metrics) RecordStorageOp(backend, op, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StorageOpsTotal.WithLabelValues(backend, op, status).Inc()
	m.StorageOpSeconds.WithLabelValues(backend, op).Observe(elapsed.Seconds())
}

// RecordRouterOutcome records the terminal outcome of one routed request.
func (m *Metrics) RecordRouterOutcome(platform, outcome string) {
	if m == nil {
		return
	}
	m.RouterRequestsTotal.WithLabelValues(platform, outcome).Inc()
}

// SessionOpened increments the live session gauge for a transport.
func (m *Metrics) SessionOpened(transport string) {
	if m == nil {
		return
	}
	m.RealtimeSessions.WithLabelValues(transport).Inc()
}

// SessionClosed decrements the live session gauge for a transport.
func (m *Metrics) SessionClosed(transport string) {
	if m == nil {
		return
	}
	m.RealtimeSessions.WithLabelValues(transport).Dec()
}

// RecordBroadcast records a broadcast and the number of sessions it pruned.
func (m *Metrics) RecordBroadcast(pruned int) {
	if m == nil {
		return
	}
	m.BroadcastsTotal.Inc()
	m.SendFailuresTotal.Add(float64(pruned))
}

// RecordSendFailure records a single failed send outside a broadcast (heartbeat).
func (m *Metrics) RecordSendFailure() {
	if m == nil {
		return
	}
	m.SendFailuresTotal.Inc()
}

// RecordAsset records one build asset action.
func (m *Metrics) RecordAsset(action string) {
	if m == nil {
		return
	}
	m.AssetsTotal.WithLabelValues(action).Inc()
}

// RecordEvictions records versions evicted by one sweep.
func (m *Metrics) RecordEvictions(n int) {
	if m == nil || n == 0 {
		return
	}
	m.VersionsEvictedTotal.Add(float64(n))
}

// SetRetainedVersions reports the current retained version count.
func (m *Metrics) SetRetainedVersions(n int) {
	if m == nil {
		return
	}
	m.RetainedVersions.Set(float64(n))
}
