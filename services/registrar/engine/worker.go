// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/AleutianAI/regpilot/services/registrar/datatypes"
	"github.com/AleutianAI/regpilot/services/registrar/driver"
	"github.com/AleutianAI/regpilot/services/registrar/ledger"
	"github.com/AleutianAI/regpilot/services/registrar/sessionpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// worker is the handle the Orchestrator keeps for one live job cycle.
type worker struct {
	jobID  string
	cycle  int
	cancel func(cause error)
	resume chan *CheckpointValue
	done   chan struct{}

	mu     sync.Mutex
	parked datatypes.CheckpointKind
}

func (w *worker) setParked(kind datatypes.CheckpointKind) {
	w.mu.Lock()
	w.parked = kind
	w.mu.Unlock()
}

func (w *worker) parkedOn() datatypes.CheckpointKind {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.parked
}

// drainResume wipes a checkpoint value nobody will consume.
func (w *worker) drainResume() {
	select {
	case v := <-w.resume:
		v.Destroy()
	default:
	}
}

// WorkerInfo describes a live worker.
type WorkerInfo struct {
	JobID    string                   `json:"job_id"`
	Cycle    int                      `json:"cycle"`
	ParkedOn datatypes.CheckpointKind `json:"parked_on,omitempty"`
}

// Workers lists live workers.
func (o *Orchestrator) Workers() []WorkerInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]WorkerInfo, 0, len(o.workers))
	for _, w := range o.workers {
		out = append(out, WorkerInfo{JobID: w.jobID, Cycle: w.cycle, ParkedOn: w.parkedOn()})
	}
	return out
}

// =============================================================================
// Supervision
// =============================================================================

// spawn starts a supervised worker for job. The caller must already hold
// one unit of admission for it; spawn gives it back if the orchestrator is
// closing.
func (o *Orchestrator) spawn(job *datatypes.Job) bool {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		o.admission.Release(1)
		return false
	}

	ctx, cancel := context.WithCancelCause(o.baseCtx)
	ctx, cancelDeadline := context.WithDeadlineCause(ctx, job.Deadline, datatypes.ErrTimeout)
	w := &worker{
		jobID:  job.ID,
		cycle:  job.Cycle,
		resume: make(chan *CheckpointValue, 1),
		done:   make(chan struct{}),
		cancel: func(cause error) {
			cancel(cause)
			cancelDeadline()
		},
	}
	o.workers[job.ID] = w
	o.wg.Add(1)
	o.mu.Unlock()

	o.metrics.WorkerStarted()
	go o.supervise(ctx, w)
	return true
}

// supervise runs a worker, restarting it from the last committed stage if
// it panics, up to MaxWorkerRestarts times.
func (o *Orchestrator) supervise(ctx context.Context, w *worker) {
	logger := o.logger.With("job_id", w.jobID, "cycle", w.cycle)
	defer func() {
		w.cancel(nil)
		w.drainResume()
		o.mu.Lock()
		if o.workers[w.jobID] == w {
			delete(o.workers, w.jobID)
		}
		o.mu.Unlock()
		o.admission.Release(1)
		o.metrics.WorkerStopped()
		close(w.done)
		o.wg.Done()
	}()

	for restarts := 0; ; restarts++ {
		crash := o.runOnce(ctx, w, logger)
		if crash == nil {
			return
		}
		if restarts >= o.cfg.restartBudget() {
			o.fail(w.jobID, w.cycle, fmt.Sprintf("worker crashed: %v", crash), logger)
			return
		}
		o.metrics.RecordRestart()
		logger.Warn("restarting crashed worker from last committed stage", "restart", restarts+1)
	}
}

// runOnce drives the job and converts a panic into a return value. A
// session leased at the time of the panic is released unhealthy.
func (o *Orchestrator) runOnce(ctx context.Context, w *worker, logger *slog.Logger) (crash any) {
	var lease *sessionpool.Lease
	defer func() {
		if r := recover(); r != nil {
			crash = r
			logger.Error("worker panicked", "panic", r, "stack", string(debug.Stack()))
			o.pool.Release(lease, sessionpool.Unhealthy)
		}
	}()
	o.drive(ctx, w, &lease, logger)
	return nil
}

// =============================================================================
// State Machine
// =============================================================================

// drive advances the job from its last committed stage until it completes,
// fails, or the worker is cancelled. Every exit path releases the lease.
func (o *Orchestrator) drive(ctx context.Context, w *worker, leaseRef **sessionpool.Lease, logger *slog.Logger) {
	store := context.WithoutCancel(ctx)

	job, err := o.ledger.Get(store, w.jobID)
	if err != nil {
		logger.Error("loading job failed", "error", err)
		return
	}
	if job.Cycle != w.cycle || job.Status.IsTerminal() {
		return
	}
	if _, parked := job.Status.Awaits(); parked {
		o.fail(w.jobID, w.cycle, "automation session lost while awaiting checkpoint; retry the job", logger)
		return
	}

	lease, err := o.pool.Acquire(ctx, w.jobID, o.cfg.AcquireTimeout)
	if err != nil {
		o.acquireFailed(ctx, w, err, logger)
		return
	}
	*leaseRef = lease
	logger = logger.With("session_id", lease.SessionID)
	logger.Debug("session leased")

	if job.Status == datatypes.StatusInitiated {
		job, err = o.ledger.Update(store, w.jobID, func(j *datatypes.Job) error {
			if err := ledger.Expect(j, w.cycle, datatypes.FirstStage, datatypes.StatusInitiated); err != nil {
				return err
			}
			j.Status = datatypes.StatusInProgress
			return nil
		})
		if err != nil {
			logger.Warn("starting job failed", "error", err)
			o.pool.Release(lease, sessionpool.Healthy)
			return
		}
		o.metrics.RecordTransition(string(datatypes.StatusInProgress))
	}

	var input *CheckpointValue
	defer func() { input.Destroy() }()

	for {
		next, ok := job.Stage.Next()
		if !ok {
			o.pool.Release(lease, sessionpool.Healthy)
			return
		}
		if kind, needs := next.Consumes(); needs && input == nil {
			o.pool.Release(lease, sessionpool.Unhealthy)
			o.fail(w.jobID, w.cycle, fmt.Sprintf("%s value for %s was lost; retry the job", kind, next), logger)
			return
		}

		result, tries, err := o.runStage(ctx, lease, job, next, input, logger)
		input.Destroy()
		input = nil
		if err != nil {
			o.stageFailed(ctx, w, lease, next, tries, logger)
			return
		}

		job, err = o.commit(store, w, job, next, result, logger)
		if err != nil {
			logger.Error("committing stage failed", "stage", next, "error", err)
			o.pool.Release(lease, sessionpool.Unhealthy)
			return
		}

		if job.Status == datatypes.StatusCompleted {
			o.pool.Release(lease, sessionpool.Healthy)
			logger.Info("job completed")
			return
		}

		kind, pauses := next.PausesFor()
		if !pauses {
			continue
		}

		input = o.park(ctx, w, kind, logger)
		if input == nil {
			o.pool.Release(lease, sessionpool.Unhealthy)
			if errors.Is(context.Cause(ctx), datatypes.ErrTimeout) {
				o.metrics.RecordDeadlineExpired("worker")
				o.fail(w.jobID, w.cycle, timeoutMessage(fmt.Sprintf("while awaiting %s", kind)), logger)
			} else {
				logger.Info("worker stopped while parked", "cause", context.Cause(ctx))
			}
			return
		}

		job, err = o.ledger.Get(store, w.jobID)
		if err == nil {
			err = ledger.Expect(job, w.cycle, next, datatypes.StatusInProgress)
		}
		if err != nil {
			logger.Error("reloading resumed job failed", "error", err)
			o.pool.Release(lease, sessionpool.Unhealthy)
			return
		}
	}
}

// runStage calls the driver for one stage with retry. Each attempt gets
// its own StageTimeout and span.
func (o *Orchestrator) runStage(
	ctx context.Context,
	lease *sessionpool.Lease,
	job *datatypes.Job,
	stage datatypes.Stage,
	input *CheckpointValue,
	logger *slog.Logger,
) (driver.StageResult, RetryResult, error) {
	var out driver.StageResult
	req := driver.StageRequest{
		JobID:      job.ID,
		Stage:      stage,
		Payload:    &job.Payload,
		Checkpoint: input.driverInput(),
	}

	res, err := Retry(ctx, o.cfg.Retry, func(ctx context.Context, attempt int) error {
		req.Attempt = attempt

		ctx, span := o.tracer.Start(ctx, "registrar.stage",
			trace.WithAttributes(
				attribute.String("job.id", job.ID),
				attribute.Int("job.cycle", job.Cycle),
				attribute.String("stage", stage.String()),
				attribute.Int("attempt", attempt),
				attribute.String("session.id", lease.SessionID),
			))
		defer span.End()

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()

		start := time.Now()
		result, err := lease.Session.RunStage(callCtx, req)
		if err == nil {
			if derr := datatypes.CheckDetail(stage, result.Detail); derr != nil {
				err = driver.Fatal(fmt.Errorf("driver returned bad detail: %w", derr), true)
			}
		}

		outcome := "success"
		if err != nil {
			kind, _ := driver.Classify(err)
			outcome = kind.String()
		}
		o.metrics.RecordStage(stage.String(), outcome, time.Since(start))

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			logger.Warn("stage attempt failed",
				"stage", stage, "attempt", attempt, "outcome", outcome, "error", err)
			return err
		}
		span.SetStatus(codes.Ok, "")
		out = result
		return nil
	})
	return out, res, err
}

// commit records a successful stage. The write is conditioned on the job
// still being IN_PROGRESS at the previous stage in this worker's cycle.
func (o *Orchestrator) commit(
	ctx context.Context,
	w *worker,
	prev *datatypes.Job,
	stage datatypes.Stage,
	result driver.StageResult,
	logger *slog.Logger,
) (*datatypes.Job, error) {
	now := time.Now().UTC()
	job, err := o.ledger.Update(ctx, w.jobID, func(j *datatypes.Job) error {
		if err := ledger.Expect(j, w.cycle, prev.Stage, datatypes.StatusInProgress); err != nil {
			return err
		}
		if j.StageDetails == nil {
			j.StageDetails = datatypes.StageDetails{}
		}
		j.Stage = stage
		j.StageDetails[stage] = result.Detail

		if stage == datatypes.TerminalStage {
			j.Status = datatypes.StatusCompleted
		} else if kind, pauses := stage.PausesFor(); pauses {
			j.Status = kind.AwaitingStatus()
			j.Checkpoint = &datatypes.Checkpoint{
				Kind:      kind,
				JobID:     j.ID,
				Artifact:  result.Artifact,
				EnteredAt: now,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if job.Status != datatypes.StatusInProgress {
		o.metrics.RecordTransition(string(job.Status))
	}
	logger.Info("stage committed", "stage", stage, "status", job.Status)
	return job, nil
}

// park suspends the worker until Resume hands it a value or ctx ends. The
// session stays leased throughout. It returns nil when ctx ended.
func (o *Orchestrator) park(ctx context.Context, w *worker, kind datatypes.CheckpointKind, logger *slog.Logger) *CheckpointValue {
	w.setParked(kind)
	o.metrics.Parked(string(kind))
	defer func() {
		w.setParked("")
		o.metrics.Unparked(string(kind))
	}()

	logger.Info("job parked awaiting checkpoint", "checkpoint", kind)
	select {
	case v := <-w.resume:
		logger.Info("job resumed", "checkpoint", kind)
		return v
	case <-ctx.Done():
		return nil
	}
}

// =============================================================================
// Failure Handling
// =============================================================================

func (o *Orchestrator) acquireFailed(ctx context.Context, w *worker, err error, logger *slog.Logger) {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, datatypes.ErrTimeout):
		o.metrics.RecordDeadlineExpired("worker")
		o.fail(w.jobID, w.cycle, timeoutMessage("while waiting for an automation session"), logger)
	case ctx.Err() != nil:
		logger.Info("worker stopped before leasing a session", "cause", cause)
	default:
		o.fail(w.jobID, w.cycle, fmt.Sprintf("could not lease an automation session: %v", err), logger)
	}
}

// stageFailed releases the lease and records the failure. Transient errors
// only reach here once the retry budget is spent; that and any failure
// that leaves the remote page in an unknown state retire the session.
func (o *Orchestrator) stageFailed(
	ctx context.Context,
	w *worker,
	lease *sessionpool.Lease,
	stage datatypes.Stage,
	tries RetryResult,
	logger *slog.Logger,
) {
	err := tries.LastError
	if ctx.Err() != nil {
		o.pool.Release(lease, sessionpool.Unhealthy)
		cause := context.Cause(ctx)
		if errors.Is(cause, datatypes.ErrTimeout) {
			o.metrics.RecordDeadlineExpired("worker")
			o.fail(w.jobID, w.cycle, timeoutMessage(fmt.Sprintf("during %s", stage)), logger)
			return
		}
		logger.Info("worker stopped mid-stage; job left for recovery", "stage", stage, "cause", cause)
		return
	}

	kind, corrupt := driver.Classify(err)
	outcome := sessionpool.Healthy
	var msg string
	switch {
	case tries.Exhausted:
		outcome = sessionpool.Unhealthy
		msg = fmt.Sprintf("%s failed after %d attempts: %v", stage, tries.Attempts, err)
	case kind == driver.FailureTransient:
		// The next backoff would have run past the job deadline.
		outcome = sessionpool.Unhealthy
		msg = fmt.Sprintf("%s failed after %d attempts, no time left to retry before the job deadline: %v", stage, tries.Attempts, err)
	default:
		if corrupt {
			outcome = sessionpool.Unhealthy
		}
		msg = fmt.Sprintf("%s failed: %v", stage, err)
	}
	logger.Warn("stage failed", "stage", stage, "attempts", tries.Attempts,
		"exhausted", tries.Exhausted, "elapsed", tries.TotalDuration)

	o.pool.Release(lease, outcome)
	o.fail(w.jobID, w.cycle, msg, logger)
}

// fail moves the job to ERROR unless it already left this cycle or reached
// a terminal status. It reports whether the write happened.
func (o *Orchestrator) fail(jobID string, cycle int, msg string, logger *slog.Logger) bool {
	_, err := o.ledger.Update(context.Background(), jobID, func(j *datatypes.Job) error {
		if j.Cycle != cycle || j.Status.IsTerminal() {
			return fmt.Errorf("%w: job is %s in cycle %d", ledger.ErrConflict, j.Status, j.Cycle)
		}
		j.Fail(msg)
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			logger.Debug("skipping failure write", "reason", err)
		} else {
			logger.Error("recording job failure failed", "error", err, "error_message", msg)
		}
		return false
	}

	o.metrics.RecordTransition(string(datatypes.StatusError))
	logger.Warn("job failed", "error_message", msg)
	return true
}
