// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package simdriver is an in-process automation driver that walks the
// registration flow without a remote site. It backs the "sim" driver mode
// for local runs and lets tests script failures, delays and crashes per
// stage while checking that sessions are never shared.
package simdriver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/regpilot/services/registrar/datatypes"
	"github.com/AleutianAI/regpilot/services/registrar/driver"
	"github.com/google/uuid"
)

// Config tunes the simulated remote site.
type Config struct {
	// StepDelay is how long every stage takes.
	StepDelay time.Duration `yaml:"step_delay"`

	// RejectCode is a one-time code the simulated site always refuses.
	RejectCode string `yaml:"reject_code"`
}

// Step scripts the outcome of one call to a stage.
type Step struct {
	// Err is returned instead of a result.
	Err error

	// Delay is added before answering.
	Delay time.Duration

	// Block holds the call until it is closed or the call's context ends.
	Block <-chan struct{}

	// Panic makes the call panic with this value.
	Panic any
}

// Call records one RunStage invocation.
type Call struct {
	SessionID  string
	JobID      string
	Stage      datatypes.Stage
	Attempt    int
	Checkpoint datatypes.CheckpointKind
	Start      time.Time
	End        time.Time
	Err        error
}

// Factory creates simulated sessions and records everything they do.
type Factory struct {
	cfg Config

	mu             sync.Mutex
	script         map[datatypes.Stage][]Step
	calls          []Call
	created        int
	closed         int
	newSessionErrs []error
	violations     []string
	registrations  int
}

// New creates a Factory.
func New(cfg Config) *Factory {
	return &Factory{
		cfg:    cfg,
		script: make(map[datatypes.Stage][]Step),
	}
}

// Script queues steps for a stage. Each call to the stage, from any job,
// consumes the next queued step; unscripted calls succeed.
func (f *Factory) Script(stage datatypes.Stage, steps ...Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[stage] = append(f.script[stage], steps...)
}

// FailNewSession makes the next len(errs) NewSession calls fail.
func (f *Factory) FailNewSession(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newSessionErrs = append(f.newSessionErrs, errs...)
}

// NewSession implements driver.Factory.
func (f *Factory) NewSession(ctx context.Context) (driver.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.newSessionErrs) > 0 {
		err := f.newSessionErrs[0]
		f.newSessionErrs = f.newSessionErrs[1:]
		return nil, err
	}
	f.created++
	return &session{factory: f, id: "sim-" + uuid.NewString()[:8]}, nil
}

// Calls returns every recorded call in start order.
func (f *Factory) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor returns the calls made for one job.
func (f *Factory) CallsFor(jobID string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.JobID == jobID {
			out = append(out, c)
		}
	}
	return out
}

// Created and Closed count session lifecycles.
func (f *Factory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *Factory) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Violations lists every detected misuse: concurrent calls on one session,
// a session switching jobs mid-flow, or calls after Close.
func (f *Factory) Violations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.violations...)
}

func (f *Factory) violate(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.violations = append(f.violations, fmt.Sprintf(format, args...))
}

func (f *Factory) nextStep(stage datatypes.Stage) Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.script[stage]
	if len(queue) == 0 {
		return Step{}
	}
	f.script[stage] = queue[1:]
	return queue[0]
}

func (f *Factory) record(c Call) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return len(f.calls) - 1
}

func (f *Factory) finish(i int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[i].End = time.Now()
	f.calls[i].Err = err
}

func (f *Factory) nextRegistration() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations++
	return f.registrations
}

// =============================================================================
// Session
// =============================================================================

type session struct {
	factory *Factory
	id      string
	busy    atomic.Bool
	closed  atomic.Bool

	// flowJob is the job whose remote flow this session is in the middle of.
	flowMu  sync.Mutex
	flowJob string
}

func (s *session) ID() string {
	return s.id
}

func (s *session) RunStage(ctx context.Context, req driver.StageRequest) (result driver.StageResult, err error) {
	if !s.busy.CompareAndSwap(false, true) {
		s.factory.violate("session %s used concurrently (job %s, stage %s)", s.id, req.JobID, req.Stage)
	}
	defer s.busy.Store(false)

	if s.closed.Load() {
		s.factory.violate("session %s used after close by job %s", s.id, req.JobID)
		return driver.StageResult{}, driver.Fatal(errors.New("session closed"), true)
	}
	s.trackFlow(req)

	call := Call{SessionID: s.id, JobID: req.JobID, Stage: req.Stage, Attempt: req.Attempt, Start: time.Now()}
	if req.Checkpoint != nil {
		call.Checkpoint = req.Checkpoint.Kind
	}
	idx := s.factory.record(call)
	defer func() { s.factory.finish(idx, err) }()

	step := s.factory.nextStep(req.Stage)
	if step.Panic != nil {
		panic(step.Panic)
	}
	if err := wait(ctx, s.factory.cfg.StepDelay+step.Delay, step.Block); err != nil {
		return driver.StageResult{}, err
	}
	if step.Err != nil {
		return driver.StageResult{}, step.Err
	}
	if req.Payload == nil {
		return driver.StageResult{}, driver.Fatal(errors.New("stage request has no payload"), false)
	}
	if kind, needs := req.Stage.Consumes(); needs {
		if req.Checkpoint == nil || req.Checkpoint.Kind != kind || req.Checkpoint.Value == "" {
			return driver.StageResult{}, driver.Fatal(fmt.Errorf("%s requires a %s value", req.Stage, kind), true)
		}
		if s.factory.cfg.RejectCode != "" && req.Checkpoint.Value == s.factory.cfg.RejectCode {
			return driver.StageResult{}, driver.Fatal(errors.New("remote site rejected the supplied value"), false)
		}
	}

	return s.result(req), nil
}

func (s *session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.factory.mu.Lock()
		s.factory.closed++
		s.factory.mu.Unlock()
	}
	return nil
}

// trackFlow flags a session that jumps from one job's flow into another's
// without the first flow ending.
func (s *session) trackFlow(req driver.StageRequest) {
	s.flowMu.Lock()
	defer s.flowMu.Unlock()
	switch {
	case req.Stage == datatypes.StageIdentityVerified || s.flowJob == "":
		s.flowJob = req.JobID
	case s.flowJob != req.JobID:
		s.factory.violate("session %s switched from job %s to job %s at %s", s.id, s.flowJob, req.JobID, req.Stage)
		s.flowJob = req.JobID
	}
	if req.Stage == datatypes.TerminalStage {
		s.flowJob = ""
	}
}

var taxIDFields = map[datatypes.Stage]string{
	datatypes.StageTaxIDTypeSelected:  "id_type",
	datatypes.StageTaxIDNumberEntered: "number",
	datatypes.StageTaxIDNameEntered:   "name",
	datatypes.StageTaxIDDOBEntered:    "date_of_birth",
	datatypes.StageTaxIDConsentGiven:  "consent",
	datatypes.StageTaxIDSubmitted:     "submit",
}

func (s *session) result(req driver.StageRequest) driver.StageResult {
	now := time.Now().UTC()
	p := req.Payload

	switch {
	case req.Stage == datatypes.StageIdentityVerified:
		return driver.StageResult{Detail: &datatypes.IdentityDetail{
			ReferenceID:  "ref-" + shortID(req.JobID),
			MaskedMobile: mask(p.Identity.Mobile, 4),
			CodeSentAt:   now,
		}}
	case req.Stage == datatypes.StageIdentityConfirmed:
		return driver.StageResult{Detail: &datatypes.ConfirmationDetail{
			ApplicantName: p.Identity.Name,
			ConfirmedAt:   now,
		}}
	case req.Stage.IsTaxID():
		detail := &datatypes.TaxIDDetail{Field: taxIDFields[req.Stage]}
		switch req.Stage {
		case datatypes.StageTaxIDNumberEntered:
			detail.Value = mask(p.TaxID.Number, 2)
		case datatypes.StageTaxIDNameEntered:
			detail.Value = p.TaxID.Name
		case datatypes.StageTaxIDSubmitted:
			detail.Verified = true
		}
		return driver.StageResult{Detail: detail}
	case req.Stage == datatypes.StageBasicDetailsFilled:
		return driver.StageResult{Detail: &datatypes.FormSectionDetail{Section: "basic", FieldsFilled: 18}}
	case req.Stage == datatypes.StageAdditionalDetailsFilled:
		artifact := datatypes.Artifact{
			Ref:         fmt.Sprintf("sim://%s/%s/challenge-%d.png", s.id, req.JobID, req.Attempt),
			ContentType: "image/png",
			CapturedAt:  now,
		}
		return driver.StageResult{
			Detail:   &datatypes.AdditionalDetail{Section: "additional", FieldsFilled: 14, Challenge: artifact},
			Artifact: &artifact,
		}
	default:
		return driver.StageResult{Detail: &datatypes.CompletionDetail{
			RegistrationNumber: fmt.Sprintf("SIM-%s-%06d", strings.ToUpper(shortID(req.JobID)), s.factory.nextRegistration()),
			SubmittedAt:        now,
		}}
	}
}

func wait(ctx context.Context, d time.Duration, block <-chan struct{}) error {
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-block:
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func mask(s string, keep int) string {
	if len(s) <= keep {
		return s
	}
	return strings.Repeat("*", len(s)-keep) + s[len(s)-keep:]
}

var _ driver.Factory = (*Factory)(nil)
