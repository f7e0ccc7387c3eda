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
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// =============================================================================
// Stage Details
// =============================================================================

// StageDetail is the structured record a stage leaves behind when it
// completes. Each stage has exactly one concrete detail type; see NewDetail.
type StageDetail interface {
	isStageDetail()
}

// Artifact references something the remote side produced, such as the
// challenge image shown at the final checkpoint.
type Artifact struct {
	Ref         string    `json:"ref" validate:"required,max=2048"`
	ContentType string    `json:"content_type,omitempty" validate:"max=100"`
	CapturedAt  time.Time `json:"captured_at"`
}

// IdentityDetail is recorded by IDENTITY_VERIFIED: the remote side accepted
// the identity number and sent a one-time code.
type IdentityDetail struct {
	ReferenceID  string    `json:"reference_id" validate:"required,max=128"`
	MaskedMobile string    `json:"masked_mobile,omitempty" validate:"max=20"`
	CodeSentAt   time.Time `json:"code_sent_at" validate:"required"`
}

// ConfirmationDetail is recorded by IDENTITY_CONFIRMED.
type ConfirmationDetail struct {
	ApplicantName string    `json:"applicant_name" validate:"required,max=100"`
	ConfirmedAt   time.Time `json:"confirmed_at" validate:"required"`
}

// TaxIDDetail is recorded by each TAX_ID_* stage.
type TaxIDDetail struct {
	Field    string `json:"field" validate:"required,max=64"`
	Value    string `json:"value,omitempty" validate:"max=128"`
	Verified bool   `json:"verified"`
}

// FormSectionDetail is recorded by BASIC_DETAILS_FILLED.
type FormSectionDetail struct {
	Section      string `json:"section" validate:"required,max=64"`
	FieldsFilled int    `json:"fields_filled" validate:"min=1"`
}

// AdditionalDetail is recorded by ADDITIONAL_DETAILS_FILLED. The challenge
// artifact is what the human solves at the final checkpoint.
type AdditionalDetail struct {
	Section      string   `json:"section" validate:"required,max=64"`
	FieldsFilled int      `json:"fields_filled" validate:"min=1"`
	Challenge    Artifact `json:"challenge"`
}

// CompletionDetail is recorded by COMPLETED.
type CompletionDetail struct {
	RegistrationNumber string    `json:"registration_number" validate:"required,max=64"`
	SubmittedAt        time.Time `json:"submitted_at" validate:"required"`
}

func (*IdentityDetail) isStageDetail()     {}
func (*ConfirmationDetail) isStageDetail() {}
func (*TaxIDDetail) isStageDetail()        {}
func (*FormSectionDetail) isStageDetail()  {}
func (*AdditionalDetail) isStageDetail()   {}
func (*CompletionDetail) isStageDetail()   {}

// NewDetail returns an empty detail of the concrete type s records.
// INITIATED records nothing and returns an error.
func NewDetail(s Stage) (StageDetail, error) {
	switch {
	case s == StageIdentityVerified:
		return &IdentityDetail{}, nil
	case s == StageIdentityConfirmed:
		return &ConfirmationDetail{}, nil
	case s.IsTaxID():
		return &TaxIDDetail{}, nil
	case s == StageBasicDetailsFilled:
		return &FormSectionDetail{}, nil
	case s == StageAdditionalDetailsFilled:
		return &AdditionalDetail{}, nil
	case s == StageCompleted:
		return &CompletionDetail{}, nil
	default:
		return nil, fmt.Errorf("stage %s records no detail", s)
	}
}

// CheckDetail verifies d has the concrete type s records and that it passes
// its field rules.
func CheckDetail(s Stage, d StageDetail) error {
	want, err := NewDetail(s)
	if err != nil {
		return err
	}
	if d == nil || reflect.ValueOf(d).IsNil() {
		return fmt.Errorf("stage %s: missing detail", s)
	}
	if reflect.TypeOf(d) != reflect.TypeOf(want) {
		return fmt.Errorf("stage %s: detail has type %T, want %T", s, d, want)
	}
	if err := payloadValidate.Struct(d); err != nil {
		return fmt.Errorf("stage %s: %w", s, validationError(0, err))
	}
	return nil
}

// DecodeDetail decodes raw JSON into the detail type s records.
func DecodeDetail(s Stage, raw json.RawMessage) (StageDetail, error) {
	d, err := NewDetail(s)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("decode %s detail: %w", s, err)
	}
	return d, nil
}

// StageDetails maps each completed stage to the detail it recorded.
type StageDetails map[Stage]StageDetail

// MarshalJSON writes the details as an object keyed by stage name.
func (d StageDetails) MarshalJSON() ([]byte, error) {
	out := make(map[string]StageDetail, len(d))
	for stage, detail := range d {
		out[stage.String()] = detail
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes each entry into the concrete type for its stage.
func (d *StageDetails) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(StageDetails, len(raw))
	for name, msg := range raw {
		stage, err := ParseStage(name)
		if err != nil {
			return err
		}
		detail, err := DecodeDetail(stage, msg)
		if err != nil {
			return err
		}
		out[stage] = detail
	}
	*d = out
	return nil
}

// Clone returns a copy of the map. Detail values are shared; they are never
// mutated after being recorded.
func (d StageDetails) Clone() StageDetails {
	out := make(StageDetails, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
