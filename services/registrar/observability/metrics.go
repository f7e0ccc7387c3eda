// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the registrar.
//
// # Description
//
// Metrics cover the three places where jobs spend time or fail:
//   - Session pool occupancy, acquire latency and session replacement
//   - Stage driver calls (attempts, outcomes, latency)
//   - Job lifecycle (submissions, status transitions, parked jobs, restarts)
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is safe to call on a nil *Metrics, which records nothing.
package observability

import (
	"time"

	"github.com/AleutianAI/regpilot/services/registrar/sessionpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "regpilot"

const (
	poolSubsystem  = "pool"
	stageSubsystem = "stage"
	jobSubsystem   = "job"
)

// Metrics holds every registrar metric.
//
// # Description
//
// Create one per process with NewMetrics. Tests pass a private
// prometheus.Registry so they can run in parallel.
type Metrics struct {
	// PoolSessions is the number of sessions per state.
	// Labels: state (FREE, LEASED, BROKEN)
	PoolSessions *prometheus.GaugeVec

	// PoolWaiters is the number of jobs queued in acquire.
	PoolWaiters prometheus.Gauge

	// PoolAcquireSeconds measures how long acquire took.
	// Labels: result (immediate, waited, timeout, overloaded, cancelled)
	PoolAcquireSeconds *prometheus.HistogramVec

	// SessionReplacementsTotal counts replacement attempts for broken sessions.
	// Labels: result (success, failure)
	SessionReplacementsTotal *prometheus.CounterVec

	// StageAttemptsTotal counts driver calls.
	// Labels: stage, outcome (success, transient, fatal)
	StageAttemptsTotal *prometheus.CounterVec

	// StageDurationSeconds measures driver call latency.
	// Labels: stage
	StageDurationSeconds *prometheus.HistogramVec

	// JobsSubmittedTotal counts submitted payloads.
	// Labels: result (accepted, invalid, overloaded)
	JobsSubmittedTotal *prometheus.CounterVec

	// JobTransitionsTotal counts status changes committed to the ledger.
	// Labels: status
	JobTransitionsTotal *prometheus.CounterVec

	// CheckpointsTotal counts checkpoint submissions.
	// Labels: kind, result (accepted, mismatch, not_awaiting, not_found)
	CheckpointsTotal *prometheus.CounterVec

	// ActiveWorkers is the number of live job workers.
	ActiveWorkers prometheus.Gauge

	// ParkedJobs is the number of workers parked on a checkpoint.
	// Labels: kind
	ParkedJobs *prometheus.GaugeVec

	// WorkerRestartsTotal counts supervised restarts after a worker panic.
	WorkerRestartsTotal prometheus.Counter

	// DeadlinesExpiredTotal counts jobs failed for exceeding their deadline.
	// Labels: source (worker, reaper)
	DeadlinesExpiredTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with reg. A nil reg uses
// the Prometheus default registerer.
//
// # Limitations
//
//   - Panics if called twice with the same registerer (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		PoolSessions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: poolSubsystem,
				Name:      "sessions",
				Help:      "Number of automation sessions by state",
			},
			[]string{"state"},
		),

		PoolWaiters: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: poolSubsystem,
				Name:      "waiters",
				Help:      "Number of jobs waiting to acquire a session",
			},
		),

		PoolAcquireSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: poolSubsystem,
				Name:      "acquire_seconds",
				Help:      "Time spent acquiring a session in seconds",
				Buckets:   []float64{0.001, 0.01, 0.1, 1, 5, 15, 30, 60, 120},
			},
			[]string{"result"},
		),

		SessionReplacementsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: poolSubsystem,
				Name:      "session_replacements_total",
				Help:      "Total broken session replacement attempts by result",
			},
			[]string{"result"},
		),

		StageAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: stageSubsystem,
				Name:      "attempts_total",
				Help:      "Total driver stage calls by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),

		StageDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: stageSubsystem,
				Name:      "duration_seconds",
				Help:      "Driver stage call duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
			},
			[]string{"stage"},
		),

		JobsSubmittedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: jobSubsystem,
				Name:      "submitted_total",
				Help:      "Total submitted job payloads by admission result",
			},
			[]string{"result"},
		),

		JobTransitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: jobSubsystem,
				Name:      "transitions_total",
				Help:      "Total job status transitions by new status",
			},
			[]string{"status"},
		),

		CheckpointsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: jobSubsystem,
				Name:      "checkpoints_total",
				Help:      "Total checkpoint submissions by kind and result",
			},
			[]string{"kind", "result"},
		),

		ActiveWorkers: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: jobSubsystem,
				Name:      "active_workers",
				Help:      "Number of live job workers",
			},
		),

		ParkedJobs: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: jobSubsystem,
				Name:      "parked",
				Help:      "Number of jobs parked on a checkpoint by kind",
			},
			[]string{"kind"},
		),

		WorkerRestartsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: jobSubsystem,
				Name:      "worker_restarts_total",
				Help:      "Total supervised worker restarts after a crash",
			},
		),

		DeadlinesExpiredTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: jobSubsystem,
				Name:      "deadlines_expired_total",
				Help:      "Total jobs failed for exceeding their overall deadline",
			},
			[]string{"source"},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// SubmitResult labels JobsSubmittedTotal.
type SubmitResult string

const (
	SubmitAccepted   SubmitResult = "accepted"
	SubmitInvalid    SubmitResult = "invalid"
	SubmitOverloaded SubmitResult = "overloaded"
)

// CheckpointResult labels CheckpointsTotal.
type CheckpointResult string

const (
	CheckpointAccepted    CheckpointResult = "accepted"
	CheckpointMismatch    CheckpointResult = "mismatch"
	CheckpointNotAwaiting CheckpointResult = "not_awaiting"
	CheckpointNotFound    CheckpointResult = "not_found"
)

// =============================================================================
// Session Pool Observer
// =============================================================================

// PoolChanged implements sessionpool.Observer.
func (m *Metrics) PoolChanged(s sessionpool.Stats) {
	if m == nil {
		return
	}
	m.PoolSessions.WithLabelValues(sessionpool.StateFree.String()).Set(float64(s.Free))
	m.PoolSessions.WithLabelValues(sessionpool.StateLeased.String()).Set(float64(s.Leased))
	m.PoolSessions.WithLabelValues(sessionpool.StateBroken.String()).Set(float64(s.Broken))
	m.PoolWaiters.Set(float64(s.Waiting))
}

// AcquireFinished implements sessionpool.Observer.
func (m *Metrics) AcquireFinished(wait time.Duration, result string) {
	if m == nil {
		return
	}
	m.PoolAcquireSeconds.WithLabelValues(result).Observe(wait.Seconds())
}

// SessionReplaced implements sessionpool.Observer.
func (m *Metrics) SessionReplaced(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.SessionReplacementsTotal.WithLabelValues(result).Inc()
}

var _ sessionpool.Observer = (*Metrics)(nil)

// =============================================================================
// Job Recording
// =============================================================================

// RecordStage records one driver call.
func (m *Metrics) RecordStage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageAttemptsTotal.WithLabelValues(stage, outcome).Inc()
	m.StageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordSubmitted adds n payloads with the given admission result.
func (m *Metrics) RecordSubmitted(result SubmitResult, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.JobsSubmittedTotal.WithLabelValues(string(result)).Add(float64(n))
}

// RecordTransition records a committed status change.
func (m *Metrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.JobTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordCheckpoint records a checkpoint submission.
func (m *Metrics) RecordCheckpoint(kind string, result CheckpointResult) {
	if m == nil {
		return
	}
	m.CheckpointsTotal.WithLabelValues(kind, string(result)).Inc()
}

// WorkerStarted and WorkerStopped track live workers.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Inc()
}

func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Dec()
}

// Parked and Unparked track workers waiting on a checkpoint.
func (m *Metrics) Parked(kind string) {
	if m == nil {
		return
	}
	m.ParkedJobs.WithLabelValues(kind).Inc()
}

func (m *Metrics) Unparked(kind string) {
	if m == nil {
		return
	}
	m.ParkedJobs.WithLabelValues(kind).Dec()
}

// RecordRestart counts one supervised restart.
func (m *Metrics) RecordRestart() {
	if m == nil {
		return
	}
	m.WorkerRestartsTotal.Inc()
}

// RecordDeadlineExpired counts one job failed for its deadline.
func (m *Metrics) RecordDeadlineExpired(source string) {
	if m == nil {
		return
	}
	m.DeadlinesExpiredTotal.WithLabelValues(source).Inc()
}
