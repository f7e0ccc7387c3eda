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
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/regpilot/services/registrar/datatypes"
	"github.com/AleutianAI/regpilot/services/registrar/driver"
	"github.com/AleutianAI/regpilot/services/registrar/driver/simdriver"
	"github.com/AleutianAI/regpilot/services/registrar/ledger"
	"github.com/AleutianAI/regpilot/services/registrar/observability"
	"github.com/AleutianAI/regpilot/services/registrar/sessionpool"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Harness
// =============================================================================

const (
	tenantA = "tenant-a"
	tenantB = "tenant-b"
)

type harnessOpts struct {
	poolSize   int
	queueDepth int
	sim        simdriver.Config
	mutate     func(*Config)
}

type harness struct {
	orch    *Orchestrator
	store   *ledger.Store
	pool    *sessionpool.Pool
	sim     *simdriver.Factory
	metrics *observability.Metrics
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	if opts.poolSize == 0 {
		opts.poolSize = 1
	}
	if opts.queueDepth == 0 {
		opts.queueDepth = 4
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	store, err := ledger.OpenInMemory()
	require.NoError(t, err)

	sim := simdriver.New(opts.sim)
	pool, err := sessionpool.New(context.Background(), sessionpool.Config{
		Size:       opts.poolSize,
		MaxWaiters: opts.queueDepth,
		Logger:     logger,
		Observer:   metrics,
	}, sim)
	require.NoError(t, err)

	cfg := Config{
		QueueDepth:     opts.queueDepth,
		AcquireTimeout: 10 * time.Second,
		StageTimeout:   2 * time.Second,
		JobDeadline:    time.Minute,
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 5 * time.Millisecond,
			MaxBackoff:     20 * time.Millisecond,
			BackoffFactor:  2,
			JitterFactor:   0.1,
		},
		Logger:  logger,
		Metrics: metrics,
	}
	if opts.mutate != nil {
		opts.mutate(&cfg)
	}

	orch, err := New(cfg, store, pool)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, orch.Shutdown(ctx))
		pool.Close()
		assert.NoError(t, store.Close())
	})

	return &harness{orch: orch, store: store, pool: pool, sim: sim, metrics: metrics}
}

func (h *harness) submit(t *testing.T, tenant string, n int) []string {
	t.Helper()
	payloads := make([]datatypes.Payload, n)
	for i := range payloads {
		payloads[i] = datatypes.SamplePayload()
	}
	res, err := h.orch.Submit(context.Background(), tenant, payloads)
	require.NoError(t, err)
	require.Len(t, res.Accepted, n)
	return res.JobIDs()
}

func (h *harness) waitFor(t *testing.T, id, desc string, cond func(*datatypes.Job) bool) *datatypes.Job {
	t.Helper()
	var last *datatypes.Job
	require.Eventuallyf(t, func() bool {
		j, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return cond(j)
	}, 5*time.Second, 2*time.Millisecond, "job %s never reached %s", id, desc)
	return last
}

func (h *harness) waitStatus(t *testing.T, id string, status datatypes.Status) *datatypes.Job {
	t.Helper()
	return h.waitFor(t, id, string(status), func(j *datatypes.Job) bool { return j.Status == status })
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.orch.Workers()) == 0 }, 5*time.Second, 2*time.Millisecond)
}

// waitSessions waits for the background pool replacement to settle at
// the given factory counts.
func (h *harness) waitSessions(t *testing.T, created, closed int) {
	t.Helper()
	require.Eventuallyf(t, func() bool {
		return h.sim.Created() == created && h.sim.Closed() == closed
	}, 5*time.Second, 2*time.Millisecond, "sessions created/closed never reached %d/%d", created, closed)
}

func oneTimeCode(v string) *CheckpointValue {
	return NewCheckpointValue(datatypes.CheckpointOneTimeCode, []byte(v), nil)
}

func challenge(v, secondary string) *CheckpointValue {
	return NewCheckpointValue(datatypes.CheckpointChallengeResponse, []byte(v), []byte(secondary))
}

// =============================================================================
// Full Flow
// =============================================================================

func TestSubmit_FullFlowThroughBothCheckpoints(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	id := h.submit(t, tenantA, 1)[0]

	// Act: first pause
	job := h.waitStatus(t, id, datatypes.StatusAwaitingCheckpointA)

	// Assert
	assert.Equal(t, datatypes.StageIdentityVerified, job.Stage)
	require.NotNil(t, job.Checkpoint)
	assert.Equal(t, datatypes.CheckpointOneTimeCode, job.Checkpoint.Kind)
	identity := job.StageDetails[datatypes.StageIdentityVerified]
	require.NotNil(t, identity)
	assert.Equal(t, sessionpool.StateLeased, h.orch.Pool()[0].State, "parked job keeps its session")
	assert.Equal(t, id, h.orch.Pool()[0].LeasedBy)

	// Act: resume and reach the second pause
	require.NoError(t, h.orch.Resume(ctx, tenantA, id, oneTimeCode("123456")))
	job = h.waitStatus(t, id, datatypes.StatusAwaitingCheckpointB)

	assert.Equal(t, datatypes.StageAdditionalDetailsFilled, job.Stage)
	assert.Equal(t, identity, job.StageDetails[datatypes.StageIdentityVerified], "prior stage detail unchanged")
	require.NotNil(t, job.Checkpoint)
	require.NotNil(t, job.Checkpoint.Artifact)
	assert.Contains(t, job.Checkpoint.Artifact.Ref, id)

	art, err := h.orch.Challenge(ctx, tenantA, id)
	require.NoError(t, err)
	assert.Equal(t, job.Checkpoint.Artifact.Ref, art.Ref)

	// Act: final checkpoint
	require.NoError(t, h.orch.Resume(ctx, tenantA, id, challenge("XK7P2", "654321")))
	job = h.waitStatus(t, id, datatypes.StatusCompleted)

	// Assert
	assert.Equal(t, datatypes.StageCompleted, job.Stage)
	assert.Len(t, job.StageDetails, len(datatypes.AllStages())-1)
	assert.Empty(t, job.ErrorMessage)
	assert.Nil(t, job.Checkpoint)

	calls := h.sim.CallsFor(id)
	require.Len(t, calls, len(datatypes.AllStages())-1, "each stage runs exactly once")
	for i, c := range calls {
		assert.Equal(t, datatypes.Stage(i+1), c.Stage)
		assert.Equal(t, 1, c.Attempt)
	}
	assert.Equal(t, datatypes.CheckpointOneTimeCode, calls[1].Checkpoint)
	assert.Equal(t, datatypes.CheckpointChallengeResponse, calls[len(calls)-1].Checkpoint)
	assert.Empty(t, h.sim.Violations())

	h.waitIdle(t)
	assert.Equal(t, sessionpool.Stats{Size: 1, Free: 1}, h.pool.Stats())
	assert.Equal(t, 1, h.sim.Created(), "healthy session kept")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.JobTransitionsTotal.WithLabelValues("COMPLETED")))
}

// =============================================================================
// Submission and Admission
// =============================================================================

func TestSubmit_ValidatesEachPayloadOnItsOwn(t *testing.T) {
	h := newHarness(t, harnessOpts{poolSize: 2})
	ctx := context.Background()

	bad := datatypes.SamplePayload()
	bad.TaxID.Number = "not-a-tax-id"
	payloads := []datatypes.Payload{datatypes.SamplePayload(), bad, datatypes.SamplePayload()}

	res, err := h.orch.Submit(ctx, tenantA, payloads)
	require.NoError(t, err)

	require.Len(t, res.Accepted, 2)
	assert.Equal(t, 0, res.Accepted[0].Index)
	assert.Equal(t, 2, res.Accepted[1].Index)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, 1, res.Rejected[0].Index)

	jobs, err := h.store.List(ctx, ledger.Filter{TenantID: tenantA})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestSubmit_AllInvalidCreatesNothing(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	res, err := h.orch.Submit(ctx, tenantA, []datatypes.Payload{{}, {}})
	require.ErrorIs(t, err, datatypes.ErrValidation)
	require.NotNil(t, res)
	assert.Len(t, res.Rejected, 2)
	assert.Empty(t, res.Accepted)

	jobs, err := h.store.List(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = h.orch.Submit(ctx, tenantA, nil)
	assert.ErrorIs(t, err, datatypes.ErrValidation)
	_, err = h.orch.Submit(ctx, "", []datatypes.Payload{datatypes.SamplePayload()})
	assert.ErrorIs(t, err, datatypes.ErrValidation)
}

func TestSubmit_OverloadedRejectsWholeBatch(t *testing.T) {
	h := newHarness(t, harnessOpts{poolSize: 1, queueDepth: 1})
	ctx := context.Background()
	payload := datatypes.SamplePayload()

	// capacity is pool size + queue depth = 2
	_, err := h.orch.Submit(ctx, tenantA, []datatypes.Payload{payload, payload, payload})
	require.ErrorIs(t, err, datatypes.ErrOverloaded)

	jobs, err := h.store.List(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "no rows for a rejected batch")

	h.submit(t, tenantA, 2)
	_, err = h.orch.Submit(ctx, tenantA, []datatypes.Payload{payload})
	require.ErrorIs(t, err, datatypes.ErrOverloaded)
	assert.Equal(t, 4.0, testutil.ToFloat64(h.metrics.JobsSubmittedTotal.WithLabelValues("overloaded")))
}

// Pool of one, two jobs: the second job's worker waits in acquire until
// the first releases its session, then takes that same session.
func TestPoolOfOne_SecondJobWaitsForFirst(t *testing.T) {
	h := newHarness(t, harnessOpts{poolSize: 1, queueDepth: 1})
	ctx := context.Background()
	ids := h.submit(t, tenantA, 2)

	var first, second string
	require.Eventually(t, func() bool {
		for i, id := range ids {
			j, err := h.store.Get(ctx, id)
			if err == nil && j.Status == datatypes.StatusAwaitingCheckpointA {
				first, second = id, ids[1-i]
				return true
			}
		}
		return false
	}, 5*time.Second, 2*time.Millisecond)

	waiting, err := h.store.Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusInitiated, waiting.Status)
	assert.Empty(t, h.sim.CallsFor(second))
	require.Eventually(t, func() bool { return h.pool.Stats().Waiting == 1 }, 5*time.Second, 2*time.Millisecond)

	require.NoError(t, h.orch.Resume(ctx, tenantA, first, oneTimeCode("111111")))
	h.waitStatus(t, first, datatypes.StatusAwaitingCheckpointB)
	assert.Empty(t, h.sim.CallsFor(second), "second job still blocked")

	require.NoError(t, h.orch.Resume(ctx, tenantA, first, challenge("ANSWER", "")))
	h.waitStatus(t, first, datatypes.StatusCompleted)
	h.waitStatus(t, second, datatypes.StatusAwaitingCheckpointA)

	firstCalls := h.sim.CallsFor(first)
	secondCalls := h.sim.CallsFor(second)
	require.NotEmpty(t, firstCalls)
	require.NotEmpty(t, secondCalls)
	lastOfFirst := firstCalls[len(firstCalls)-1]
	assert.False(t, secondCalls[0].Start.Before(lastOfFirst.End), "second job started before first released")
	assert.Equal(t, lastOfFirst.SessionID, secondCalls[0].SessionID)
	assert.Empty(t, h.sim.Violations())
}

// =============================================================================
// Checkpoint Resume
// =============================================================================

func TestResume_RejectsWithoutTouchingLedger(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	id := h.submit(t, tenantA, 1)[0]
	parked := h.waitStatus(t, id, datatypes.StatusAwaitingCheckpointA)

	tests := []struct {
		name    string
		tenant  string
		jobID   string
		value   *CheckpointValue
		wantErr error
	}{
		{"wrong kind", tenantA, id, challenge("ANSWER", ""), datatypes.ErrStageMismatch},
		{"other tenant", tenantB, id, oneTimeCode("123456"), datatypes.ErrJobNotFound},
		{"unknown job", tenantA, uuid.NewString(), oneTimeCode("123456"), datatypes.ErrJobNotFound},
		{"empty value", tenantA, id, oneTimeCode(""), datatypes.ErrValidation},
		{"unknown kind", tenantA, id, NewCheckpointValue("SMOKE_SIGNAL", []byte("x"), nil), datatypes.ErrValidation},
		{"nil value", tenantA, id, nil, datatypes.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.orch.Resume(ctx, tt.tenant, tt.jobID, tt.value)
			require.ErrorIs(t, err, tt.wantErr)

			after, err := h.store.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, parked.Version, after.Version)
			assert.Equal(t, parked.Status, after.Status)
		})
	}
}

func TestResume_NotAwaiting(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	h.sim.Script(datatypes.StageIdentityVerified, simdriver.Step{Err: driver.Fatal(errors.New("identity rejected"), false)})

	id := h.submit(t, tenantA, 1)[0]
	failed := h.waitStatus(t, id, datatypes.StatusError)

	err := h.orch.Resume(ctx, tenantA, id, oneTimeCode("123456"))
	require.ErrorIs(t, err, datatypes.ErrNotAwaitingCheckpoint)

	after, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, failed.Version, after.Version)
}

func TestResume_ParkedJobWithoutWorker(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	job := parkedJob(t, datatypes.CheckpointOneTimeCode)
	require.NoError(t, h.store.Create(ctx, job))

	err := h.orch.Resume(ctx, tenantA, job.ID, oneTimeCode("123456"))
	require.ErrorIs(t, err, datatypes.ErrNotAwaitingCheckpoint)

	after, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusAwaitingCheckpointA, after.Status)
}

// =============================================================================
// Failures and Retry Policy
// =============================================================================

func TestStage_TransientThenSuccess(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	transient := simdriver.Step{Err: driver.Transient(errors.New("element not ready"))}
	h.sim.Script(datatypes.StageIdentityVerified, transient, transient)

	id := h.submit(t, tenantA, 1)[0]
	h.waitStatus(t, id, datatypes.StatusAwaitingCheckpointA)

	calls := h.sim.CallsFor(id)
	require.Len(t, calls, 3)
	for i, c := range calls {
		assert.Equal(t, datatypes.StageIdentityVerified, c.Stage)
		assert.Equal(t, i+1, c.Attempt)
	}
	assert.Equal(t, 1, h.sim.Created())
}

func TestStage_RetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	transient := simdriver.Step{Err: driver.Transient(errors.New("element not ready"))}
	h.sim.Script(datatypes.StageIdentityVerified, transient, transient, transient)

	id := h.submit(t, tenantA, 1)[0]
	job := h.waitStatus(t, id, datatypes.StatusError)

	assert.Contains(t, job.ErrorMessage, "after 3 attempts")
	assert.Contains(t, job.ErrorMessage, "element not ready")
	assert.Equal(t, datatypes.FirstStage, job.Stage)
	assert.Len(t, h.sim.CallsFor(id), 3)

	// session was released unhealthy and replaced
	h.waitSessions(t, 2, 1)
	h.waitIdle(t)
	assert.Equal(t, 1, h.pool.Stats().Free)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.StageAttemptsTotal.WithLabelValues("IDENTITY_VERIFIED", "transient")))
}

func TestStage_TransientWithNoTimeLeftBeforeDeadline(t *testing.T) {
	h := newHarness(t, harnessOpts{mutate: func(c *Config) {
		c.JobDeadline = 2 * time.Second
		c.StageTimeout = 500 * time.Millisecond
		c.Retry.MaxAttempts = 5
		c.Retry.InitialBackoff = time.Minute
		c.Retry.MaxBackoff = time.Minute
	}})
	h.sim.Script(datatypes.StageIdentityVerified, simdriver.Step{Err: driver.Transient(errors.New("element not ready"))})

	id := h.submit(t, tenantA, 1)[0]
	job := h.waitStatus(t, id, datatypes.StatusError)

	assert.Contains(t, job.ErrorMessage, "after 1 attempts, no time left to retry")
	assert.Contains(t, job.ErrorMessage, "element not ready")
	assert.NotContains(t, job.ErrorMessage, "timeout", "the job deadline itself had not passed")
	assert.Len(t, h.sim.CallsFor(id), 1)
	h.waitSessions(t, 2, 1)
}

func TestStage_FatalFailureReleasesByCorruption(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCreated int
	}{
		{"clean fatal keeps session", driver.Fatal(errors.New("applicant rejected"), false), 1},
		{"corrupt fatal replaces session", driver.Fatal(errors.New("page vanished"), true), 2},
		{"unclassified error replaces session", errors.New("driver exploded"), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			h.sim.Script(datatypes.StageIdentityVerified, simdriver.Step{Err: tt.err})

			id := h.submit(t, tenantA, 1)[0]
			job := h.waitStatus(t, id, datatypes.StatusError)

			assert.NotEmpty(t, job.ErrorMessage)
			assert.Len(t, h.sim.CallsFor(id), 1, "fatal errors are not retried")
			h.waitSessions(t, tt.wantCreated, tt.wantCreated-1)
		})
	}
}

func TestRetry_ResetsAndRedrives(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	h.sim.Script(datatypes.StageBasicDetailsFilled, simdriver.Step{Err: driver.Fatal(errors.New("form rejected"), false)})

	id := h.submit(t, tenantA, 1)[0]
	h.waitStatus(t, id, datatypes.StatusAwaitingCheckpointA)
	require.NoError(t, h.orch.Resume(ctx, tenantA, id, oneTimeCode("123456")))
	failed := h.waitStatus(t, id, datatypes.StatusError)
	require.Equal(t, datatypes.StageTaxIDSubmitted, failed.Stage)
	require.NotEmpty(t, failed.StageDetails)

	// Act
	reset, err := h.orch.Retry(ctx, tenantA, id)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, datatypes.StatusInitiated, reset.Status)
	assert.Equal(t, datatypes.FirstStage, reset.Stage)
	assert.Empty(t, reset.ErrorMessage)
	assert.Empty(t, reset.StageDetails)
	assert.Equal(t, failed.Cycle+1, reset.Cycle)

	job := h.waitFor(t, id, "parked in new cycle", func(j *datatypes.Job) bool {
		return j.Cycle == reset.Cycle && j.Status == datatypes.StatusAwaitingCheckpointA
	})
	assert.Equal(t, []datatypes.Stage{datatypes.StageIdentityVerified}, job.CompletedStages())

	_, err = h.orch.Retry(ctx, tenantA, id)
	require.ErrorIs(t, err, datatypes.ErrNotRetryable)
	_, err = h.orch.Retry(ctx, tenantB, id)
	require.ErrorIs(t, err, datatypes.ErrJobNotFound)
}

// =============================================================================
// Deadlines, Supervision and Recovery
// =============================================================================

func TestDeadline_WhileParkedOnChallenge(t *testing.T) {
	h := newHarness(t, harnessOpts{mutate: func(c *Config) {
		c.JobDeadline = 500 * time.Millisecond
		c.StageTimeout = 100 * time.Millisecond
	}})
	ctx := context.Background()

	id := h.submit(t, tenantA, 1)[0]
	h.waitStatus(t, id, datatypes.StatusAwaitingCheckpointA)
	require.NoError(t, h.orch.Resume(ctx, tenantA, id, oneTimeCode("123456")))
	h.waitStatus(t, id, datatypes.StatusAwaitingCheckpointB)

	job := h.waitStatus(t, id, datatypes.StatusError)

	assert.Contains(t, job.ErrorMessage, "timeout")
	assert.Contains(t, job.ErrorMessage, string(datatypes.CheckpointChallengeResponse))
	assert.Equal(t, datatypes.StageAdditionalDetailsFilled, job.Stage)
	h.waitSessions(t, 2, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DeadlinesExpiredTotal.WithLabelValues("worker")))
}

func TestSupervisor_RestartsCrashedWorker(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	h.sim.Script(datatypes.StageTaxIDTypeSelected, simdriver.Step{Panic: "boom"})

	id := h.submit(t, tenantA, 1)[0]
	h.waitStatus(t, id, datatypes.StatusAwaitingCheckpointA)
	require.NoError(t, h.orch.Resume(ctx, tenantA, id, oneTimeCode("123456")))
	h.waitStatus(t, id, datatypes.StatusAwaitingCheckpointB)

	counts := map[datatypes.Stage]int{}
	for _, c := range h.sim.CallsFor(id) {
		counts[c.Stage]++
	}
	assert.Equal(t, 1, counts[datatypes.StageIdentityVerified], "committed stages are not re-run")
	assert.Equal(t, 1, counts[datatypes.StageIdentityConfirmed])
	assert.Equal(t, 2, counts[datatypes.StageTaxIDTypeSelected])
	assert.Equal(t, 2, h.sim.Created(), "crashed session replaced")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WorkerRestartsTotal))
}

func TestSupervisor_GivesUpAfterRestartBudget(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.sim.Script(datatypes.StageIdentityVerified, simdriver.Step{Panic: "boom"}, simdriver.Step{Panic: "boom again"})

	id := h.submit(t, tenantA, 1)[0]
	job := h.waitStatus(t, id, datatypes.StatusError)

	assert.Contains(t, job.ErrorMessage, "worker crashed")
	h.waitIdle(t)
	assert.Equal(t, 1, h.pool.Stats().Free)
}

func TestSupervisor_NegativeRestartBudgetNeverRestarts(t *testing.T) {
	h := newHarness(t, harnessOpts{mutate: func(c *Config) {
		c.MaxWorkerRestarts = -1
		// The service defaults its config before New defaults it again.
		*c = c.WithDefaults()
	}})
	h.sim.Script(datatypes.StageIdentityVerified, simdriver.Step{Panic: "boom"})

	id := h.submit(t, tenantA, 1)[0]
	job := h.waitStatus(t, id, datatypes.StatusError)

	assert.Contains(t, job.ErrorMessage, "worker crashed")
	assert.Len(t, h.sim.CallsFor(id), 1, "crashed worker not restarted")
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.WorkerRestartsTotal))
	assert.Equal(t, -1, h.orch.cfg.MaxWorkerRestarts)
}

func TestRecover_RedrivesOrFailsLeftoverJobs(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	driving := datatypes.NewJob(uuid.NewString(), tenantA, datatypes.SamplePayload(), time.Now().UTC(), time.Minute)
	driving.Status = datatypes.StatusInProgress
	driving.Stage = datatypes.StageTaxIDSubmitted
	parked := parkedJob(t, datatypes.CheckpointOneTimeCode)
	expired := datatypes.NewJob(uuid.NewString(), tenantA, datatypes.SamplePayload(), time.Now().UTC().Add(-time.Hour), time.Minute)
	require.NoError(t, h.store.Create(ctx, driving, parked, expired))

	// Act
	report, err := h.orch.Recover(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Redriven: 1, Failed: 1, Expired: 1}, report)

	job := h.waitStatus(t, driving.ID, datatypes.StatusAwaitingCheckpointB)
	assert.Equal(t, datatypes.StageAdditionalDetailsFilled, job.Stage)
	calls := h.sim.CallsFor(driving.ID)
	require.Len(t, calls, 2)
	assert.Equal(t, datatypes.StageBasicDetailsFilled, calls[0].Stage)

	lost, err := h.store.Get(ctx, parked.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusError, lost.Status)
	assert.Contains(t, lost.ErrorMessage, "session lost during restart")

	timedOut, err := h.store.Get(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusError, timedOut.Status)
	assert.Contains(t, timedOut.ErrorMessage, "timeout")

	again, err := h.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{}, again, "live workers are left alone")
}

func TestReapExpired(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	live := h.submit(t, tenantA, 1)[0]
	h.waitStatus(t, live, datatypes.StatusAwaitingCheckpointA)

	stale := datatypes.NewJob(uuid.NewString(), tenantA, datatypes.SamplePayload(), time.Now().UTC().Add(-time.Hour), time.Minute)
	fresh := datatypes.NewJob(uuid.NewString(), tenantA, datatypes.SamplePayload(), time.Now().UTC(), time.Hour)
	require.NoError(t, h.store.Create(ctx, stale, fresh))

	n, err := h.orch.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusError, got.Status)

	got, err = h.store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusInitiated, got.Status)

	got, err = h.store.Get(ctx, live)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusAwaitingCheckpointA, got.Status)
}

func TestShutdown_LeavesParkedJobsParked(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	id := h.submit(t, tenantA, 1)[0]
	h.waitStatus(t, id, datatypes.StatusAwaitingCheckpointA)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(sctx))

	job, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusAwaitingCheckpointA, job.Status)
	assert.Empty(t, h.orch.Workers())

	_, err = h.orch.Submit(ctx, tenantA, []datatypes.Payload{datatypes.SamplePayload()})
	assert.ErrorIs(t, err, datatypes.ErrOverloaded)
	assert.ErrorIs(t, h.orch.Resume(ctx, tenantA, id, oneTimeCode("123456")), datatypes.ErrOverloaded)
	assert.False(t, h.orch.Health(ctx).Healthy)
}

func TestShutdown_DoesNotRebuildSessionsOfStoppedWorkers(t *testing.T) {
	h := newHarness(t, harnessOpts{poolSize: 2})
	ctx := context.Background()

	ids := h.submit(t, tenantA, 2)
	for _, id := range ids {
		h.waitStatus(t, id, datatypes.StatusAwaitingCheckpointA)
	}
	require.Equal(t, 2, h.sim.Created())
	require.Equal(t, sessionpool.Stats{Size: 2, Leased: 2}, h.pool.Stats())

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(sctx))
	h.pool.Close()

	assert.Equal(t, 2, h.sim.Created(), "no sessions opened during shutdown")
	assert.Equal(t, 2, h.sim.Closed())
	assert.Equal(t, 2, h.pool.Stats().Broken)
	for _, id := range ids {
		job, err := h.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, datatypes.StatusAwaitingCheckpointA, job.Status)
	}
}

// =============================================================================
// Properties
// =============================================================================

// Stage is never observed to go backwards within a cycle.
func TestStage_MonotonicAcrossReads(t *testing.T) {
	h := newHarness(t, harnessOpts{poolSize: 2})
	ctx := context.Background()
	ids := h.submit(t, tenantA, 2)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var regressions []string
	var mu sync.Mutex
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lastCycle, lastStage := 0, datatypes.FirstStage
			for {
				select {
				case <-stop:
					return
				default:
				}
				j, err := h.store.Get(ctx, id)
				if err != nil {
					continue
				}
				if j.Cycle == lastCycle && j.Stage < lastStage {
					mu.Lock()
					regressions = append(regressions, id)
					mu.Unlock()
				}
				lastCycle, lastStage = j.Cycle, j.Stage
				time.Sleep(time.Millisecond)
			}
		}()
	}

	for _, id := range ids {
		h.waitStatus(t, id, datatypes.StatusAwaitingCheckpointA)
		require.NoError(t, h.orch.Resume(ctx, tenantA, id, oneTimeCode("123456")))
	}
	for _, id := range ids {
		h.waitStatus(t, id, datatypes.StatusAwaitingCheckpointB)
		require.NoError(t, h.orch.Resume(ctx, tenantA, id, challenge("ANSWER", "")))
	}
	for _, id := range ids {
		h.waitStatus(t, id, datatypes.StatusCompleted)
	}
	close(stop)
	wg.Wait()

	assert.Empty(t, regressions)
	assert.Empty(t, h.sim.Violations())
}

// =============================================================================
// Helpers
// =============================================================================

func parkedJob(t *testing.T, kind datatypes.CheckpointKind) *datatypes.Job {
	t.Helper()
	job := datatypes.NewJob(uuid.NewString(), tenantA, datatypes.SamplePayload(), time.Now().UTC(), time.Hour)
	job.Status = kind.AwaitingStatus()
	job.Stage = datatypes.StageIdentityVerified
	if kind == datatypes.CheckpointChallengeResponse {
		job.Stage = datatypes.StageAdditionalDetailsFilled
	}
	job.Checkpoint = &datatypes.Checkpoint{Kind: kind, JobID: job.ID, EnteredAt: job.CreatedAt}
	return job
}
