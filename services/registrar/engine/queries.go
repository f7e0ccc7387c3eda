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
	"time"

	"github.com/AleutianAI/regpilot/services/registrar/datatypes"
	"github.com/AleutianAI/regpilot/services/registrar/ledger"
	"github.com/AleutianAI/regpilot/services/registrar/sessionpool"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100

	// MaxBulkStatusIDs bounds one BulkStatus call.
	MaxBulkStatusIDs = 100
)

// ErrNoChallenge is returned by Challenge before the job has produced one.
var ErrNoChallenge = errors.New("no challenge recorded for job")

// =============================================================================
// Views
// =============================================================================

// StageEntry is one row of a job's stage history.
type StageEntry struct {
	Stage     datatypes.Stage       `json:"stage"`
	Completed bool                  `json:"completed"`
	Detail    datatypes.StageDetail `json:"detail,omitempty"`
}

// JobView is what callers see of a job. The input payload is left out.
type JobView struct {
	ID           string                `json:"id"`
	Status       datatypes.Status      `json:"status"`
	Stage        datatypes.Stage       `json:"stage"`
	ErrorMessage string                `json:"error_message,omitempty"`
	Checkpoint   *datatypes.Checkpoint `json:"checkpoint,omitempty"`
	Cycle        int                   `json:"cycle"`
	History      []StageEntry          `json:"history"`
	CreatedAt    time.Time             `json:"created_at"`
	LastUpdated  time.Time             `json:"last_updated"`
	Deadline     time.Time             `json:"deadline"`
}

// NewJobView builds the view of j, listing every stage in order.
func NewJobView(j *datatypes.Job) JobView {
	history := make([]StageEntry, 0, len(datatypes.AllStages()))
	for _, s := range datatypes.AllStages() {
		history = append(history, StageEntry{
			Stage:     s,
			Completed: s <= j.Stage,
			Detail:    j.StageDetails[s],
		})
	}
	return JobView{
		ID:           j.ID,
		Status:       j.Status,
		Stage:        j.Stage,
		ErrorMessage: j.ErrorMessage,
		Checkpoint:   j.Checkpoint,
		Cycle:        j.Cycle,
		History:      history,
		CreatedAt:    j.CreatedAt,
		LastUpdated:  j.LastUpdated,
		Deadline:     j.Deadline,
	}
}

// =============================================================================
// Queries
// =============================================================================

// Status returns one job of the tenant.
func (o *Orchestrator) Status(ctx context.Context, tenantID, jobID string) (*datatypes.Job, error) {
	return o.owned(ctx, tenantID, jobID)
}

// Challenge returns the challenge artifact recorded by the additional
// details stage.
func (o *Orchestrator) Challenge(ctx context.Context, tenantID, jobID string) (*datatypes.Artifact, error) {
	job, err := o.owned(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if cp := job.Checkpoint; cp != nil && cp.Kind == datatypes.CheckpointChallengeResponse && cp.Artifact != nil {
		a := *cp.Artifact
		return &a, nil
	}
	if d, ok := job.StageDetails[datatypes.StageAdditionalDetailsFilled].(*datatypes.AdditionalDetail); ok && d.Challenge.Ref != "" {
		a := d.Challenge
		return &a, nil
	}
	return nil, fmt.Errorf("%w: job is at %s", ErrNoChallenge, job.Stage)
}

// JobPage is one page of a tenant's jobs, newest first.
type JobPage struct {
	Jobs    []JobView `json:"jobs"`
	Page    int       `json:"page"`
	PerPage int       `json:"per_page"`
	Total   int       `json:"total"`
}

// List pages through the tenant's jobs. page starts at 1; perPage defaults
// to 20 and is capped at 100.
func (o *Orchestrator) List(ctx context.Context, tenantID string, page, perPage int) (*JobPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	all, err := o.ledger.List(ctx, ledger.Filter{TenantID: tenantID})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	out := &JobPage{Page: page, PerPage: perPage, Total: len(all), Jobs: []JobView{}}
	start := (page - 1) * perPage
	if start >= len(all) {
		return out, nil
	}
	end := min(start+perPage, len(all))
	for _, j := range all[start:end] {
		out.Jobs = append(out.Jobs, NewJobView(j))
	}
	return out, nil
}

// TenantStats counts a tenant's jobs.
type TenantStats struct {
	Total      int            `json:"total"`
	Completed  int            `json:"completed"`
	Errored    int            `json:"errored"`
	InProgress int            `json:"in_progress"`
	Awaiting   int            `json:"awaiting_checkpoint"`
	Initiated  int            `json:"initiated"`
	ByStage    map[string]int `json:"by_stage"`
}

// Stats summarises the tenant's jobs by status and current stage.
func (o *Orchestrator) Stats(ctx context.Context, tenantID string) (*TenantStats, error) {
	jobs, err := o.ledger.List(ctx, ledger.Filter{TenantID: tenantID})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	st := &TenantStats{Total: len(jobs), ByStage: make(map[string]int)}
	for _, j := range jobs {
		st.ByStage[j.Stage.String()]++
		switch j.Status {
		case datatypes.StatusCompleted:
			st.Completed++
		case datatypes.StatusError:
			st.Errored++
		case datatypes.StatusInProgress:
			st.InProgress++
		case datatypes.StatusInitiated:
			st.Initiated++
		case datatypes.StatusAwaitingCheckpointA, datatypes.StatusAwaitingCheckpointB:
			st.Awaiting++
		}
	}
	return st, nil
}

// Export returns the tenant's jobs created in [from, to), newest first.
func (o *Orchestrator) Export(ctx context.Context, tenantID string, from, to time.Time) ([]JobView, error) {
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return nil, fmt.Errorf("%w: export range must have start before end", datatypes.ErrValidation)
	}

	jobs, err := o.ledger.List(ctx, ledger.Filter{TenantID: tenantID, CreatedFrom: from, CreatedTo: to})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, NewJobView(j))
	}
	return out, nil
}

// BulkStatusEntry is one job's status in a BulkStatus response.
type BulkStatusEntry struct {
	ID           string           `json:"id"`
	Found        bool             `json:"found"`
	Status       datatypes.Status `json:"status,omitempty"`
	Stage        datatypes.Stage  `json:"stage"`
	ErrorMessage string           `json:"error_message,omitempty"`
	LastUpdated  time.Time        `json:"last_updated,omitzero"`
}

// BulkStatus looks up to MaxBulkStatusIDs jobs in parallel. Unknown ids and
// jobs of other tenants come back with Found false.
func (o *Orchestrator) BulkStatus(ctx context.Context, tenantID string, ids []string) ([]BulkStatusEntry, error) {
	if len(ids) == 0 || len(ids) > MaxBulkStatusIDs {
		return nil, fmt.Errorf("%w: between 1 and %d job ids are required", datatypes.ErrValidation, MaxBulkStatusIDs)
	}

	out := make([]BulkStatusEntry, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		g.Go(func() error {
			out[i] = BulkStatusEntry{ID: id}
			job, err := o.owned(gctx, tenantID, id)
			if errors.Is(err, datatypes.ErrJobNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			out[i] = BulkStatusEntry{
				ID:           id,
				Found:        true,
				Status:       job.Status,
				Stage:        job.Stage,
				ErrorMessage: job.ErrorMessage,
				LastUpdated:  job.LastUpdated,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("bulk status: %w", err)
	}
	return out, nil
}

// =============================================================================
// Health
// =============================================================================

// Health is the orchestrator's view of its dependencies.
type Health struct {
	Healthy      bool              `json:"healthy"`
	Ledger       string            `json:"ledger"`
	Pool         sessionpool.Stats `json:"pool"`
	LiveWorkers  int               `json:"live_workers"`
	Capacity     int64             `json:"capacity"`
	ShuttingDown bool              `json:"shutting_down,omitempty"`
}

// Health checks the ledger and reports pool occupancy. The orchestrator is
// unhealthy when the ledger is unreachable or every session is broken.
func (o *Orchestrator) Health(ctx context.Context) Health {
	h := Health{Ledger: "ok", Pool: o.pool.Stats(), Capacity: o.capacity}

	o.mu.Lock()
	h.LiveWorkers = len(o.workers)
	h.ShuttingDown = o.closing
	o.mu.Unlock()

	if err := o.ledger.Ping(ctx); err != nil {
		h.Ledger = err.Error()
	}
	h.Healthy = h.Ledger == "ok" && h.Pool.Broken < h.Pool.Size && !h.ShuttingDown
	return h
}

// Pool exposes the session pool snapshot.
func (o *Orchestrator) Pool() []sessionpool.SessionInfo {
	return o.pool.Snapshot()
}
