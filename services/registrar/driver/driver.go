// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package driver defines the contract between the orchestrator and the
// automation sessions that perform remote registration steps.
//
// A Session is stateful on the remote side: it remembers the page flow
// between calls. The orchestrator treats it as an opaque handle that runs
// one stage per call and reports success, a transient failure, or a fatal
// failure.
package driver

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/AleutianAI/regpilot/services/registrar/datatypes"
)

// =============================================================================
// Contract
// =============================================================================

// CheckpointInput is the human-supplied value a stage consumes.
type CheckpointInput struct {
	Kind  datatypes.CheckpointKind
	Value string

	// SecondaryCode is an optional one-time code that accompanies the final
	// challenge response.
	SecondaryCode string
}

// StageRequest asks a session to run one stage for one job.
type StageRequest struct {
	JobID      string
	Stage      datatypes.Stage
	Attempt    int
	Payload    *datatypes.Payload
	Checkpoint *CheckpointInput
}

// StageResult is what a successful stage leaves behind.
type StageResult struct {
	Detail   datatypes.StageDetail
	Artifact *datatypes.Artifact
}

// Session is one exclusive automation instance.
type Session interface {
	ID() string

	// RunStage performs the stage. It must return within ctx's deadline.
	RunStage(ctx context.Context, req StageRequest) (StageResult, error)

	// Close tears the instance down. It is called once, by the pool.
	Close() error
}

// Factory builds new sessions for the pool.
type Factory interface {
	NewSession(ctx context.Context) (Session, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (Session, error)

func (f FactoryFunc) NewSession(ctx context.Context) (Session, error) {
	return f(ctx)
}

// =============================================================================
// Failure Classification
// =============================================================================

// FailureKind says whether a failed stage may be retried.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureTransient
	FailureFatal
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureTransient:
		return "transient"
	case FailureFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// StageError is the error sessions return to classify a failure.
//
// SessionCorrupt means the remote page state is unknown and the session
// must not be reused.
type StageError struct {
	Kind           FailureKind
	SessionCorrupt bool
	Err            error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " stage failure"
	}
	return fmt.Sprintf("%s stage failure: %v", e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return &StageError{Kind: FailureTransient, Err: err}
}

// Fatal wraps err as a non-retryable failure.
func Fatal(err error, sessionCorrupt bool) error {
	return &StageError{Kind: FailureFatal, SessionCorrupt: sessionCorrupt, Err: err}
}

// Classify maps a RunStage error onto a FailureKind.
//
// Errors that carry no classification are treated as fatal with an unknown
// session state. Timeouts are transient: the per-call deadline exists to
// feed the retry policy.
func Classify(err error) (FailureKind, bool) {
	if err == nil {
		return FailureNone, false
	}

	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind, stageErr.SessionCorrupt
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient, false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTransient, false
	}

	return FailureFatal, true
}
