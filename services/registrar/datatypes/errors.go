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
	"strings"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

var (
	// ErrValidation marks a job payload or request that failed validation.
	// No ledger row is created for a payload that fails validation.
	ErrValidation = errors.New("validation failed")

	// ErrPoolExhausted is returned when no automation session became free
	// within the acquire timeout.
	ErrPoolExhausted = errors.New("session pool exhausted")

	// ErrOverloaded is returned when admission control rejects new work.
	ErrOverloaded = errors.New("orchestrator overloaded")

	// ErrStageMismatch is returned when a checkpoint value of one kind is
	// submitted to a job parked on the other kind.
	ErrStageMismatch = errors.New("checkpoint kind does not match job stage")

	// ErrNotAwaitingCheckpoint is returned when a checkpoint value is
	// submitted to a job that is not parked.
	ErrNotAwaitingCheckpoint = errors.New("job is not awaiting a checkpoint")

	// ErrJobNotFound is returned for unknown job ids and for jobs owned by
	// another tenant.
	ErrJobNotFound = errors.New("job not found")

	// ErrNotRetryable is returned when a retry is requested for a job that
	// is not in ERROR.
	ErrNotRetryable = errors.New("job is not in ERROR")

	// ErrTimeout classifies a job that exceeded its overall deadline.
	ErrTimeout = errors.New("job deadline exceeded")
)

// FieldError describes one failed validation rule.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationError collects every field error for one job payload.
//
// Index is the payload's position in the submitted batch.
type ValidationError struct {
	Index  int          `json:"index"`
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("job %d: %s", e.Index, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
