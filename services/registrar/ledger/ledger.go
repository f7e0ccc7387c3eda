// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger persists jobs and their stage history.
//
// The ledger is the single source of truth for a job. Writers never
// overwrite a job blindly: Update runs a read-modify-write inside one
// transaction, so a caller can condition its write on the stage, status and
// cycle it last observed (see Expect). Two writers racing on the same job
// cannot both commit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/regpilot/services/registrar/datatypes"
)

var (
	// ErrConflict is returned when a conditional update finds the job in a
	// different state than the caller expected.
	ErrConflict = errors.New("ledger: job changed concurrently")

	// ErrDuplicate is returned by Create for an id that already exists.
	ErrDuplicate = errors.New("ledger: job already exists")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ledger: closed")
)

// MutateFunc edits a private copy of a job. Returning an error aborts the
// update and nothing is written.
type MutateFunc func(j *datatypes.Job) error

// Filter selects jobs for List. Zero fields do not filter.
type Filter struct {
	TenantID    string
	Statuses    []datatypes.Status
	ActiveOnly  bool
	CreatedFrom time.Time
	CreatedTo   time.Time
	Offset      int
	Limit       int
}

func (f Filter) matches(j *datatypes.Job) bool {
	if f.TenantID != "" && j.TenantID != f.TenantID {
		return false
	}
	if f.ActiveOnly && j.Status.IsTerminal() {
		return false
	}
	if !f.CreatedFrom.IsZero() && j.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && !j.CreatedAt.Before(f.CreatedTo) {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if j.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// Ledger is the persistent record of jobs.
type Ledger interface {
	// Create stores new jobs atomically: either all are written or none.
	Create(ctx context.Context, jobs ...*datatypes.Job) error

	// Get returns a copy of the job, or datatypes.ErrJobNotFound.
	Get(ctx context.Context, id string) (*datatypes.Job, error)

	// Update applies fn to a copy of the job and commits the result if the
	// transition is legal. It returns the committed job.
	Update(ctx context.Context, id string, fn MutateFunc) (*datatypes.Job, error)

	// List returns matching jobs, newest first.
	List(ctx context.Context, f Filter) ([]*datatypes.Job, error)

	// Ping reports whether the store is usable.
	Ping(ctx context.Context) error

	Close() error
}

// Expect returns ErrConflict unless j is still at the given cycle, stage
// and status.
func Expect(j *datatypes.Job, cycle int, stage datatypes.Stage, status datatypes.Status) error {
	if j.Cycle != cycle || j.Stage != stage || j.Status != status {
		return fmt.Errorf("%w: want cycle=%d stage=%s status=%s, have cycle=%d stage=%s status=%s",
			ErrConflict, cycle, stage, status, j.Cycle, j.Stage, j.Status)
	}
	return nil
}
