// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
	"time"
)

// Checkpoint describes the pause a parked job is waiting on.
type Checkpoint struct {
	Kind      CheckpointKind `json:"kind"`
	JobID     string         `json:"job_id"`
	Artifact  *Artifact      `json:"artifact,omitempty"`
	EnteredAt time.Time      `json:"entered_at"`
}

// Job is one registration attempt as recorded in the ledger.
//
// Cycle counts explicit retries. Every ledger write is conditioned on the
// cycle the writer started from, so a worker from an earlier cycle can never
// touch the job again. Version increments on every committed write.
type Job struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenant_id"`
	Payload      Payload      `json:"payload"`
	Status       Status       `json:"status"`
	Stage        Stage        `json:"stage"`
	StageDetails StageDetails `json:"stage_details"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Checkpoint   *Checkpoint  `json:"checkpoint,omitempty"`
	Cycle        int          `json:"cycle"`
	Version      uint64       `json:"version"`
	CreatedAt    time.Time    `json:"created_at"`
	LastUpdated  time.Time    `json:"last_updated"`
	Deadline     time.Time    `json:"deadline"`
}

// NewJob builds a job in INITIATED at the first stage.
func NewJob(id, tenantID string, payload Payload, now time.Time, deadline time.Duration) *Job {
	return &Job{
		ID:           id,
		TenantID:     tenantID,
		Payload:      payload,
		Status:       StatusInitiated,
		Stage:        FirstStage,
		StageDetails: StageDetails{},
		CreatedAt:    now,
		LastUpdated:  now,
		Deadline:     now.Add(deadline),
	}
}

// Clone returns a copy that can be mutated without affecting j.
func (j *Job) Clone() *Job {
	c := *j
	c.StageDetails = j.StageDetails.Clone()
	if j.Checkpoint != nil {
		cp := *j.Checkpoint
		c.Checkpoint = &cp
	}
	c.Payload.Activity.ClassificationCodes = append([]string(nil), j.Payload.Activity.ClassificationCodes...)
	return &c
}

// Reset returns the job to the start of a fresh cycle: first stage,
// INITIATED, no details, no error, a new deadline.
func (j *Job) Reset(now time.Time, deadline time.Duration) {
	j.Cycle++
	j.Stage = FirstStage
	j.Status = StatusInitiated
	j.StageDetails = StageDetails{}
	j.ErrorMessage = ""
	j.Checkpoint = nil
	j.Deadline = now.Add(deadline)
}

// Fail moves the job to ERROR with msg. An empty msg is replaced so the
// ERROR-has-message rule always holds.
func (j *Job) Fail(msg string) {
	if msg == "" {
		msg = "unknown error"
	}
	j.Status = StatusError
	j.ErrorMessage = msg
	j.Checkpoint = nil
}

// Expired reports whether the job's deadline has passed.
func (j *Job) Expired(now time.Time) bool {
	return !j.Deadline.IsZero() && now.After(j.Deadline)
}

// CompletedStages returns the stages that have recorded detail, in order.
func (j *Job) CompletedStages() []Stage {
	var out []Stage
	for _, s := range AllStages() {
		if _, ok := j.StageDetails[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// ErrInvariant is wrapped by every CheckInvariants failure.
var ErrInvariant = errors.New("job invariant violated")

// CheckInvariants verifies the rules every stored job must satisfy.
func (j *Job) CheckInvariants() error {
	switch {
	case j.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvariant)
	case !j.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvariant, j.Status)
	case !j.Stage.Valid():
		return fmt.Errorf("%w: unknown stage %d", ErrInvariant, int(j.Stage))
	case j.Status == StatusError && j.ErrorMessage == "":
		return fmt.Errorf("%w: ERROR without message", ErrInvariant)
	case j.Status == StatusCompleted && j.Stage != TerminalStage:
		return fmt.Errorf("%w: COMPLETED at stage %s", ErrInvariant, j.Stage)
	case j.Status != StatusCompleted && j.Stage == TerminalStage:
		return fmt.Errorf("%w: terminal stage with status %s", ErrInvariant, j.Status)
	case j.LastUpdated.Before(j.CreatedAt):
		return fmt.Errorf("%w: last_updated before created_at", ErrInvariant)
	}
	if kind, ok := j.Status.Awaits(); ok {
		if pause, pauses := j.Stage.PausesFor(); !pauses || pause != kind {
			return fmt.Errorf("%w: %s at stage %s", ErrInvariant, j.Status, j.Stage)
		}
	}
	for s := range j.StageDetails {
		if s > j.Stage {
			return fmt.Errorf("%w: detail for future stage %s", ErrInvariant, s)
		}
	}
	return nil
}

// CheckTransition verifies next is a legal successor of prev for the same
// job: the stage never regresses within a cycle, a new cycle starts from
// the first stage, and last_updated never goes backwards.
func CheckTransition(prev, next *Job) error {
	switch {
	case next.ID != prev.ID || next.TenantID != prev.TenantID:
		return fmt.Errorf("%w: identity changed", ErrInvariant)
	case !next.CreatedAt.Equal(prev.CreatedAt):
		return fmt.Errorf("%w: created_at changed", ErrInvariant)
	case next.LastUpdated.Before(prev.LastUpdated):
		return fmt.Errorf("%w: last_updated moved backwards", ErrInvariant)
	case next.Cycle < prev.Cycle || next.Cycle > prev.Cycle+1:
		return fmt.Errorf("%w: cycle %d -> %d", ErrInvariant, prev.Cycle, next.Cycle)
	case next.Cycle == prev.Cycle && next.Stage < prev.Stage:
		return fmt.Errorf("%w: stage regressed %s -> %s", ErrInvariant, prev.Stage, next.Stage)
	case next.Cycle == prev.Cycle+1 && (next.Stage != FirstStage || len(next.StageDetails) != 0):
		return fmt.Errorf("%w: new cycle must start empty at %s", ErrInvariant, FirstStage)
	case next.Cycle == prev.Cycle && prev.Status.IsTerminal() && next.Status != prev.Status:
		return fmt.Errorf("%w: %s is final within a cycle", ErrInvariant, prev.Status)
	}
	return next.CheckInvariants()
}
