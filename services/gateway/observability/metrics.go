// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the gateway.
//
// # Description
//
// Metrics cover the gate pipeline end to end:
//   - Request counters by outcome
//   - Entities detected by type and detector
//   - Safety blocks and flags by stage and category
//   - Per-stage duration histograms
//   - Detector and audit failure counters
//   - Active request gauge
//
// # Integration
//
// Exposed via the /metrics endpoint. Use with Prometheus + Grafana.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "gatewatch"

// Subsystem for gate pipeline metrics
const gateSubsystem = "gate"

// GateMetrics holds all Prometheus metrics for the gating pipeline.
//
// Initialize once at startup via InitMetrics().
type GateMetrics struct {
	// RequestsTotal counts gated requests by endpoint and outcome.
	// Labels: endpoint (gate, scan, documents), outcome (allowed,
	// blocked_input, blocked_output, detection_failure, upstream_failure,
	// citation_rejected)
	RequestsTotal *prometheus.CounterVec

	// EntitiesDetectedTotal counts detected entities.
	// Labels: entity_type (SSN, CREDIT_CARD, ...), detector
	EntitiesDetectedTotal *prometheus.CounterVec

	// SafetyBlocksTotal counts safety blocks by stage and category.
	// Labels: stage (input, output), category
	SafetyBlocksTotal *prometheus.CounterVec

	// SafetyFlagsTotal counts safety flags by stage and category.
	// Labels: stage (input, output), category
	SafetyFlagsTotal *prometheus.CounterVec

	// StageDurationSeconds measures per-stage latency.
	// Labels: stage (detect_input, mask_input, safety_input, retrieve,
	// generate, detect_output, mask_output, safety_output, citation, audit)
	StageDurationSeconds *prometheus.HistogramVec

	// DetectorErrorsTotal counts failed detector calls.
	// Labels: detector
	DetectorErrorsTotal *prometheus.CounterVec

	// AuditWriteFailuresTotal counts audit sink write failures.
	AuditWriteFailuresTotal prometheus.Counter

	// CitationViolationsTotal counts citations to non-retrieved sources.
	// Labels: mode (strip, reject)
	CitationViolationsTotal *prometheus.CounterVec

	// ActiveRequests tracks in-flight gate requests.
	ActiveRequests prometheus.Gauge
}

// DefaultMetrics is the singleton instance of GateMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *GateMetrics

// InitMetrics creates and registers all Prometheus metrics. Call once at
// startup; a second call panics on duplicate registration.
func InitMetrics() *GateMetrics {
	DefaultMetrics = &GateMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "requests_total",
				Help:      "Total gated requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),

		EntitiesDetectedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "entities_detected_total",
				Help:      "Total entities detected by type and detector",
			},
			[]string{"entity_type", "detector"},
		),

		SafetyBlocksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "safety_blocks_total",
				Help:      "Total safety blocks by stage and category",
			},
			[]string{"stage", "category"},
		),

		SafetyFlagsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "safety_flags_total",
				Help:      "Total safety flags by stage and category",
			},
			[]string{"stage", "category"},
		),

		StageDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"stage"},
		),

		DetectorErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "detector_errors_total",
				Help:      "Total failed detector calls",
			},
			[]string{"detector"},
		),

		AuditWriteFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "audit_write_failures_total",
				Help:      "Total audit sink write failures",
			},
		),

		CitationViolationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "citation_violations_total",
				Help:      "Total citations referencing non-retrieved sources",
			},
			[]string{"mode"},
		),

		ActiveRequests: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "active_requests",
				Help:      "Number of in-flight gate requests",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordOutcome records a finished request.
func (m *GateMetrics) RecordOutcome(endpoint, outcome string) {
	m.RequestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// RecordEntities records a batch of detected entities.
func (m *GateMetrics) RecordEntities(entityType, detector string, count int) {
	m.EntitiesDetectedTotal.WithLabelValues(entityType, detector).Add(float64(count))
}

// RecordSafetyBlock records one blocked category.
func (m *GateMetrics) RecordSafetyBlock(stage, category string) {
	m.SafetyBlocksTotal.WithLabelValues(stage, category).Inc()
}

// RecordSafetyFlag records one flagged category.
func (m *GateMetrics) RecordSafetyFlag(stage, category string) {
	m.SafetyFlagsTotal.WithLabelValues(stage, category).Inc()
}

// ObserveStage records a stage duration.
func (m *GateMetrics) ObserveStage(stage string, seconds float64) {
	m.StageDurationSeconds.WithLabelValues(stage).Observe(seconds)
}

// RecordDetectorError records a failed detector call.
func (m *GateMetrics) RecordDetectorError(detector string) {
	m.DetectorErrorsTotal.WithLabelValues(detector).Inc()
}

// RecordAuditWriteFailure records a failed audit write.
func (m *GateMetrics) RecordAuditWriteFailure() {
	m.AuditWriteFailuresTotal.Inc()
}

// RecordCitationViolations records citation violations for one request.
func (m *GateMetrics) RecordCitationViolations(mode string, count int) {
	m.CitationViolationsTotal.WithLabelValues(mode).Add(float64(count))
}

// RequestStarted increments the active request gauge.
func (m *GateMetrics) RequestStarted() { m.ActiveRequests.Inc() }

// RequestEnded decrements the active request gauge.
func (m *GateMetrics) RequestEnded() { m.ActiveRequests.Dec() }
