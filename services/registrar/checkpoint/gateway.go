// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint accepts human-supplied checkpoint values and hands
// them to the orchestrator.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/AleutianAI/regpilot/services/registrar/datatypes"
	"github.com/AleutianAI/regpilot/services/registrar/engine"
	"github.com/go-playground/validator/v10"
)

// Submission is a checkpoint value as received from a caller.
type Submission struct {
	Kind  datatypes.CheckpointKind `json:"kind" validate:"required,oneof=ONE_TIME_CODE CHALLENGE_RESPONSE"`
	Value string                   `json:"value" validate:"required,max=64"`

	// SecondaryCode is the one-time code that may accompany the final
	// challenge response.
	SecondaryCode string `json:"secondary_code,omitempty" validate:"omitempty,numeric,min=4,max=8"`
}

// Resumer is the orchestrator side of the gateway.
type Resumer interface {
	Resume(ctx context.Context, tenantID, jobID string, value *engine.CheckpointValue) error
	Challenge(ctx context.Context, tenantID, jobID string) (*datatypes.Artifact, error)
}

// Gateway validates submissions and forwards them to a Resumer.
type Gateway struct {
	resumer  Resumer
	validate *validator.Validate
	logger   *slog.Logger
}

// New creates a Gateway. A nil logger uses slog.Default().
func New(r Resumer, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateValueForKind, Submission{})
	return &Gateway{resumer: r, validate: v, logger: logger}
}

// validateValueForKind applies the per-kind shape of the value: one-time
// codes are 4 to 8 digits, challenge answers are 1 to 32 letters or digits.
func validateValueForKind(sl validator.StructLevel) {
	s := sl.Current().Interface().(Submission)
	if s.Value == "" {
		return
	}
	switch s.Kind {
	case datatypes.CheckpointOneTimeCode:
		if err := sl.Validator().Var(s.Value, "numeric,min=4,max=8"); err != nil {
			sl.ReportError(s.Value, "value", "Value", "otp", "")
		}
		if s.SecondaryCode != "" {
			sl.ReportError(s.SecondaryCode, "secondary_code", "SecondaryCode", "excluded_with_otp", "")
		}
	case datatypes.CheckpointChallengeResponse:
		if err := sl.Validator().Var(s.Value, "alphanum,max=32"); err != nil {
			sl.ReportError(s.Value, "value", "Value", "challenge", "")
		}
	}
}

// Submit validates sub and resumes the job with it. The values are copied
// into locked memory, the intermediate byte slices are wiped and sub's
// fields are reset to empty. The decoded strings themselves are immutable
// and stay on the heap until collected; only the locked copies are wiped
// when the job is done with them.
//
// Errors from the orchestrator are returned unchanged, so callers can
// match datatypes.ErrStageMismatch, datatypes.ErrNotAwaitingCheckpoint
// and datatypes.ErrJobNotFound.
func (g *Gateway) Submit(ctx context.Context, tenantID, jobID string, sub *Submission) error {
	if sub == nil {
		return fmt.Errorf("%w: checkpoint submission is required", datatypes.ErrValidation)
	}
	if err := g.validate.Struct(sub); err != nil {
		return toValidationError(err)
	}

	value := engine.NewCheckpointValue(sub.Kind, []byte(sub.Value), []byte(sub.SecondaryCode))
	sub.Value, sub.SecondaryCode = "", ""

	if err := g.resumer.Resume(ctx, tenantID, jobID, value); err != nil {
		g.logger.Info("checkpoint rejected", "job_id", jobID, "checkpoint", sub.Kind, "error", err)
		return err
	}
	return nil
}

// Challenge returns the challenge artifact a job is waiting on.
func (g *Gateway) Challenge(ctx context.Context, tenantID, jobID string) (*datatypes.Artifact, error) {
	return g.resumer.Challenge(ctx, tenantID, jobID)
}

var ruleMessages = map[string]string{
	"required":          "is required",
	"oneof":             "must be ONE_TIME_CODE or CHALLENGE_RESPONSE",
	"max":               "is too long",
	"numeric":           "must contain only digits",
	"min":               "is too short",
	"otp":               "must be 4 to 8 digits",
	"challenge":         "must be 1 to 32 letters or digits",
	"excluded_with_otp": "is only accepted with a challenge response",
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", datatypes.ErrValidation, err)
	}
	out := &datatypes.ValidationError{}
	for _, fe := range verrs {
		msg, ok := ruleMessages[fe.Tag()]
		if !ok {
			msg = "failed " + fe.Tag()
		}
		out.Fields = append(out.Fields, datatypes.FieldError{Field: fe.Field(), Rule: fe.Tag(), Message: msg})
	}
	return out
}
