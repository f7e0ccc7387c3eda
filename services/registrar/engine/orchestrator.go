// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine drives registration jobs through the stage sequence.
//
// # Description
//
// The Orchestrator owns one supervised worker goroutine per live job. A
// worker leases an exclusive automation session from the pool, runs each
// stage through the driver with per-stage retry, commits every successful
// stage to the ledger with a compare-and-set, and parks on checkpoint
// stages while keeping its lease. Resume hands the human-supplied value to
// the parked worker.
//
// # Admission
//
// At most PoolSize+QueueDepth workers are live at once. A submission that
// would exceed that is rejected with datatypes.ErrOverloaded before any
// ledger row is written.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/regpilot/services/registrar/datatypes"
	"github.com/AleutianAI/regpilot/services/registrar/ledger"
	"github.com/AleutianAI/regpilot/services/registrar/observability"
	"github.com/AleutianAI/regpilot/services/registrar/sessionpool"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// ErrShuttingDown is the cancellation cause of every worker after Shutdown.
var ErrShuttingDown = errors.New("orchestrator shutting down")

// Orchestrator is the job state machine driver.
type Orchestrator struct {
	cfg     Config
	ledger  ledger.Ledger
	pool    *sessionpool.Pool
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	admission *semaphore.Weighted
	capacity  int64

	baseCtx context.Context
	stopAll context.CancelCauseFunc

	mu      sync.Mutex
	workers map[string]*worker
	closing bool
	wg      sync.WaitGroup
}

// New creates an Orchestrator. It does not start any worker; call Recover
// to pick up jobs left active by a previous process.
func New(cfg Config, l ledger.Ledger, pool *sessionpool.Pool) (*Orchestrator, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if l == nil || pool == nil {
		return nil, errors.New("engine: ledger and session pool are required")
	}

	capacity := int64(pool.Stats().Size + cfg.QueueDepth)
	ctx, cancel := context.WithCancelCause(context.Background())

	return &Orchestrator{
		cfg:       cfg,
		ledger:    l,
		pool:      pool,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		admission: semaphore.NewWeighted(capacity),
		capacity:  capacity,
		baseCtx:   ctx,
		stopAll:   cancel,
		workers:   make(map[string]*worker),
	}, nil
}

// =============================================================================
// Submission
// =============================================================================

// AcceptedJob pairs a submitted payload's batch index with its job id.
type AcceptedJob struct {
	Index int    `json:"index"`
	JobID string `json:"job_id"`
}

// SubmitResult reports a batch submission. Each payload is validated on
// its own: invalid ones are listed in Rejected and never reach the ledger,
// while the valid ones are admitted together or not at all.
type SubmitResult struct {
	Accepted []AcceptedJob                `json:"accepted"`
	Rejected []*datatypes.ValidationError `json:"rejected,omitempty"`
}

// JobIDs returns the accepted job ids in batch order.
func (r *SubmitResult) JobIDs() []string {
	ids := make([]string, len(r.Accepted))
	for i, a := range r.Accepted {
		ids[i] = a.JobID
	}
	return ids
}

// Submit validates payloads, records a ledger row in INITIATED for each
// valid one and schedules a worker per job.
//
// It fails with datatypes.ErrValidation (and a result listing every
// rejection) when no payload is valid, and with datatypes.ErrOverloaded
// when the valid jobs do not fit under the admission limit.
func (o *Orchestrator) Submit(ctx context.Context, tenantID string, payloads []datatypes.Payload) (*SubmitResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", datatypes.ErrValidation)
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("%w: at least one job payload is required", datatypes.ErrValidation)
	}
	if o.isClosing() {
		return nil, fmt.Errorf("%w: %v", datatypes.ErrOverloaded, ErrShuttingDown)
	}

	result := &SubmitResult{Rejected: datatypes.ValidatePayloads(payloads)}
	invalid := make(map[int]bool, len(result.Rejected))
	for _, verr := range result.Rejected {
		invalid[verr.Index] = true
	}
	o.metrics.RecordSubmitted(observability.SubmitInvalid, len(result.Rejected))

	now := time.Now().UTC()
	jobs := make([]*datatypes.Job, 0, len(payloads)-len(invalid))
	for i := range payloads {
		if invalid[i] {
			continue
		}
		job := datatypes.NewJob(uuid.NewString(), tenantID, payloads[i], now, o.cfg.JobDeadline)
		jobs = append(jobs, job)
		result.Accepted = append(result.Accepted, AcceptedJob{Index: i, JobID: job.ID})
	}
	if len(jobs) == 0 {
		return result, fmt.Errorf("%w: all %d payloads were rejected", datatypes.ErrValidation, len(payloads))
	}

	if !o.admission.TryAcquire(int64(len(jobs))) {
		o.metrics.RecordSubmitted(observability.SubmitOverloaded, len(jobs))
		o.logger.Warn("submission rejected by admission control",
			"tenant_id", tenantID, "jobs", len(jobs), "capacity", o.capacity)
		return nil, fmt.Errorf("%w: %d more jobs would exceed the limit of %d live jobs",
			datatypes.ErrOverloaded, len(jobs), o.capacity)
	}

	if err := o.ledger.Create(ctx, jobs...); err != nil {
		o.admission.Release(int64(len(jobs)))
		return nil, fmt.Errorf("record jobs: %w", err)
	}
	o.metrics.RecordSubmitted(observability.SubmitAccepted, len(jobs))

	for _, job := range jobs {
		o.metrics.RecordTransition(string(datatypes.StatusInitiated))
		o.spawn(job)
	}

	o.logger.Info("jobs submitted",
		"tenant_id", tenantID, "accepted", len(jobs), "rejected", len(result.Rejected))
	return result, nil
}

// =============================================================================
// Checkpoints
// =============================================================================

// Resume delivers a checkpoint value to a parked job.
//
// The job must be parked on exactly value.Kind: a job parked on the other
// kind fails with datatypes.ErrStageMismatch, a job that is not parked
// fails with datatypes.ErrNotAwaitingCheckpoint, and an unknown job or a
// job of another tenant fails with datatypes.ErrJobNotFound. None of these
// failures touch the ledger. Resume takes ownership of value.
func (o *Orchestrator) Resume(ctx context.Context, tenantID, jobID string, value *CheckpointValue) error {
	handedOff := false
	defer func() {
		if !handedOff {
			value.Destroy()
		}
	}()

	if value == nil || !value.Kind.Valid() {
		return fmt.Errorf("%w: unknown checkpoint kind", datatypes.ErrValidation)
	}
	kind := string(value.Kind)
	if value.Empty() {
		return fmt.Errorf("%w: checkpoint value is required", datatypes.ErrValidation)
	}
	if o.isClosing() {
		return fmt.Errorf("%w: %v", datatypes.ErrOverloaded, ErrShuttingDown)
	}

	job, err := o.owned(ctx, tenantID, jobID)
	if err != nil {
		if errors.Is(err, datatypes.ErrJobNotFound) {
			o.metrics.RecordCheckpoint(kind, observability.CheckpointNotFound)
		}
		return err
	}

	awaiting, parked := job.Status.Awaits()
	if !parked {
		o.metrics.RecordCheckpoint(kind, observability.CheckpointNotAwaiting)
		return fmt.Errorf("%w: job is %s", datatypes.ErrNotAwaitingCheckpoint, job.Status)
	}
	if awaiting != value.Kind {
		o.metrics.RecordCheckpoint(kind, observability.CheckpointMismatch)
		return fmt.Errorf("%w: job awaits %s, got %s", datatypes.ErrStageMismatch, awaiting, value.Kind)
	}

	w := o.liveWorker(job.ID, job.Cycle)
	if w == nil {
		o.metrics.RecordCheckpoint(kind, observability.CheckpointNotAwaiting)
		return fmt.Errorf("%w: no automation session holds this job any more; retry it",
			datatypes.ErrNotAwaitingCheckpoint)
	}

	_, err = o.ledger.Update(ctx, job.ID, func(j *datatypes.Job) error {
		if err := ledger.Expect(j, job.Cycle, job.Stage, job.Status); err != nil {
			return err
		}
		j.Status = datatypes.StatusInProgress
		j.Checkpoint = nil
		return nil
	})
	if errors.Is(err, ledger.ErrConflict) {
		o.metrics.RecordCheckpoint(kind, observability.CheckpointNotAwaiting)
		return fmt.Errorf("%w: job changed while resuming", datatypes.ErrNotAwaitingCheckpoint)
	}
	if err != nil {
		return fmt.Errorf("resume job: %w", err)
	}

	select {
	case w.resume <- value:
		handedOff = true
	default:
		return fmt.Errorf("job %s already has a pending checkpoint value", job.ID)
	}

	o.metrics.RecordCheckpoint(kind, observability.CheckpointAccepted)
	o.metrics.RecordTransition(string(datatypes.StatusInProgress))
	o.logger.Info("checkpoint accepted", "job_id", job.ID, "checkpoint", value.Kind)
	return nil
}

// =============================================================================
// Retry
// =============================================================================

// Retry restarts a job in ERROR from the first stage in a new cycle. All
// stage detail and the error message are discarded. It fails with
// datatypes.ErrNotRetryable for any other status.
func (o *Orchestrator) Retry(ctx context.Context, tenantID, jobID string) (*datatypes.Job, error) {
	if o.isClosing() {
		return nil, fmt.Errorf("%w: %v", datatypes.ErrOverloaded, ErrShuttingDown)
	}

	job, err := o.owned(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != datatypes.StatusError {
		return nil, fmt.Errorf("%w: job is %s", datatypes.ErrNotRetryable, job.Status)
	}
	if !o.admission.TryAcquire(1) {
		return nil, fmt.Errorf("%w: live job limit of %d reached", datatypes.ErrOverloaded, o.capacity)
	}

	updated, err := o.ledger.Update(ctx, job.ID, func(j *datatypes.Job) error {
		if err := ledger.Expect(j, job.Cycle, job.Stage, datatypes.StatusError); err != nil {
			return err
		}
		j.Reset(time.Now().UTC(), o.cfg.JobDeadline)
		return nil
	})
	if err != nil {
		o.admission.Release(1)
		if errors.Is(err, ledger.ErrConflict) {
			return nil, fmt.Errorf("%w: job changed concurrently", datatypes.ErrNotRetryable)
		}
		return nil, fmt.Errorf("reset job: %w", err)
	}

	o.metrics.RecordTransition(string(datatypes.StatusInitiated))
	o.logger.Info("job retried", "job_id", updated.ID, "cycle", updated.Cycle)
	o.spawn(updated)
	return updated, nil
}

// =============================================================================
// Recovery and Expiry
// =============================================================================

// RecoveryReport summarises Recover.
type RecoveryReport struct {
	Redriven int `json:"redriven"`
	Failed   int `json:"failed"`
	Expired  int `json:"expired"`
}

// Recover picks up non-terminal jobs that have no live worker, typically
// after a process restart.
//
// Jobs parked on a checkpoint are failed: the remote session they were
// parked in no longer exists. Jobs past their deadline are failed with a
// timeout. The rest are driven again from their last committed stage.
func (o *Orchestrator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	jobs, err := o.ledger.List(ctx, ledger.Filter{ActiveOnly: true})
	if err != nil {
		return report, fmt.Errorf("list active jobs: %w", err)
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if o.liveWorker(job.ID, job.Cycle) != nil {
			continue
		}
		logger := o.logger.With("job_id", job.ID, "cycle", job.Cycle)

		switch _, parked := job.Status.Awaits(); {
		case parked:
			if o.fail(job.ID, job.Cycle, "automation session lost during restart; retry the job", logger) {
				report.Failed++
			}
		case job.Expired(now):
			if o.fail(job.ID, job.Cycle, timeoutMessage("before it could be recovered"), logger) {
				o.metrics.RecordDeadlineExpired("recovery")
				report.Expired++
			}
		case !o.admission.TryAcquire(1):
			if o.fail(job.ID, job.Cycle, "not re-admitted after restart: live job limit reached; retry the job", logger) {
				report.Failed++
			}
		default:
			if o.spawn(job) {
				report.Redriven++
			}
		}
	}

	if report != (RecoveryReport{}) {
		o.logger.Info("recovered jobs", "redriven", report.Redriven, "failed", report.Failed, "expired", report.Expired)
	}
	return report, nil
}

// ReapExpired fails every non-terminal job past its deadline that has no
// live worker. Live workers enforce their own deadline.
func (o *Orchestrator) ReapExpired(ctx context.Context) (int, error) {
	jobs, err := o.ledger.List(ctx, ledger.Filter{ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}

	now := time.Now().UTC()
	reaped := 0
	for _, job := range jobs {
		if !job.Expired(now) || o.liveWorker(job.ID, job.Cycle) != nil {
			continue
		}
		logger := o.logger.With("job_id", job.ID, "cycle", job.Cycle)
		if o.fail(job.ID, job.Cycle, timeoutMessage("with no live worker"), logger) {
			o.metrics.RecordDeadlineExpired("reaper")
			reaped++
		}
	}
	return reaped, nil
}

// =============================================================================
// Shutdown
// =============================================================================

// Shutdown stops accepting work, cancels every worker and waits for them
// to exit or for ctx to end. Parked jobs stay parked in the ledger and
// jobs that were driving stay IN_PROGRESS for Recover. The pool is put
// into drain first so sessions released by exiting workers are closed
// rather than rebuilt.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	already := o.closing
	o.closing = true
	live := len(o.workers)
	o.mu.Unlock()

	if !already {
		o.logger.Info("orchestrator shutting down", "live_workers", live)
	}
	o.pool.Drain()
	o.stopAll(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

// =============================================================================
// Internal
// =============================================================================

func (o *Orchestrator) isClosing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closing
}

// owned loads a job and hides it from other tenants.
func (o *Orchestrator) owned(ctx context.Context, tenantID, jobID string) (*datatypes.Job, error) {
	job, err := o.ledger.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", datatypes.ErrJobNotFound, jobID)
	}
	return job, nil
}

func (o *Orchestrator) liveWorker(jobID string, cycle int) *worker {
	o.mu.Lock()
	defer o.mu.Unlock()
	if w, ok := o.workers[jobID]; ok && w.cycle == cycle {
		return w
	}
	return nil
}

func timeoutMessage(when string) string {
	return fmt.Sprintf("timeout: %v %s", datatypes.ErrTimeout, when)
}
