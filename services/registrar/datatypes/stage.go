// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the job model shared by the registrar packages:
// stages, statuses, checkpoints, the validated job payload, the typed
// per-stage detail records, and the error taxonomy.
package datatypes

import (
	"fmt"
	"strings"
)

// =============================================================================
// Stage
// =============================================================================

// Stage is a position in the fixed, ordered registration sequence. A job's
// Stage is always the last stage whose driver call succeeded and was
// committed to the ledger.
type Stage int

const (
	StageInitiated Stage = iota
	StageIdentityVerified
	StageIdentityConfirmed
	StageTaxIDTypeSelected
	StageTaxIDNumberEntered
	StageTaxIDNameEntered
	StageTaxIDDOBEntered
	StageTaxIDConsentGiven
	StageTaxIDSubmitted
	StageBasicDetailsFilled
	StageAdditionalDetailsFilled
	StageCompleted
)

// FirstStage and TerminalStage bound the sequence.
const (
	FirstStage    = StageInitiated
	TerminalStage = StageCompleted
)

var stageNames = [...]string{
	StageInitiated:               "INITIATED",
	StageIdentityVerified:        "IDENTITY_VERIFIED",
	StageIdentityConfirmed:       "IDENTITY_CONFIRMED",
	StageTaxIDTypeSelected:       "TAX_ID_TYPE_SELECTED",
	StageTaxIDNumberEntered:      "TAX_ID_NUMBER_ENTERED",
	StageTaxIDNameEntered:        "TAX_ID_NAME_ENTERED",
	StageTaxIDDOBEntered:         "TAX_ID_DOB_ENTERED",
	StageTaxIDConsentGiven:       "TAX_ID_CONSENT_GIVEN",
	StageTaxIDSubmitted:          "TAX_ID_SUBMITTED",
	StageBasicDetailsFilled:      "BASIC_DETAILS_FILLED",
	StageAdditionalDetailsFilled: "ADDITIONAL_DETAILS_FILLED",
	StageCompleted:               "COMPLETED",
}

// AllStages returns every stage in sequence order.
func AllStages() []Stage {
	stages := make([]Stage, 0, len(stageNames))
	for s := FirstStage; s <= TerminalStage; s++ {
		stages = append(stages, s)
	}
	return stages
}

// Valid reports whether s is a member of the sequence.
func (s Stage) Valid() bool {
	return s >= FirstStage && s <= TerminalStage
}

func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("STAGE(%d)", int(s))
	}
	return stageNames[s]
}

// Next returns the stage after s. The terminal stage has no successor.
func (s Stage) Next() (Stage, bool) {
	if !s.Valid() || s == TerminalStage {
		return s, false
	}
	return s + 1, true
}

// IsTaxID reports whether s is one of the tax-identifier sub-stages.
func (s Stage) IsTaxID() bool {
	return s >= StageTaxIDTypeSelected && s <= StageTaxIDSubmitted
}

// PausesFor reports the checkpoint a job must wait for after committing s.
func (s Stage) PausesFor() (CheckpointKind, bool) {
	switch s {
	case StageIdentityVerified:
		return CheckpointOneTimeCode, true
	case StageAdditionalDetailsFilled:
		return CheckpointChallengeResponse, true
	default:
		return "", false
	}
}

// Consumes reports the checkpoint whose value the driver needs to run s.
func (s Stage) Consumes() (CheckpointKind, bool) {
	switch s {
	case StageIdentityConfirmed:
		return CheckpointOneTimeCode, true
	case StageCompleted:
		return CheckpointChallengeResponse, true
	default:
		return "", false
	}
}

// ParseStage converts a stage name into a Stage.
func ParseStage(name string) (Stage, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range stageNames {
		if n == upper {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// =============================================================================
// Status
// =============================================================================

// Status is the coarse lifecycle state of a job.
type Status string

const (
	StatusInitiated           Status = "INITIATED"
	StatusAwaitingCheckpointA Status = "AWAITING_CHECKPOINT_A"
	StatusAwaitingCheckpointB Status = "AWAITING_CHECKPOINT_B"
	StatusInProgress          Status = "IN_PROGRESS"
	StatusCompleted           Status = "COMPLETED"
	StatusError               Status = "ERROR"
)

// AllStatuses returns every status, in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusInitiated,
		StatusInProgress,
		StatusAwaitingCheckpointA,
		StatusAwaitingCheckpointB,
		StatusCompleted,
		StatusError,
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is COMPLETED or ERROR.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Awaits returns the checkpoint kind a parked job is waiting for.
func (s Status) Awaits() (CheckpointKind, bool) {
	switch s {
	case StatusAwaitingCheckpointA:
		return CheckpointOneTimeCode, true
	case StatusAwaitingCheckpointB:
		return CheckpointChallengeResponse, true
	default:
		return "", false
	}
}

// =============================================================================
// Checkpoint
// =============================================================================

// CheckpointKind names the kind of human input a parked job needs.
type CheckpointKind string

const (
	CheckpointOneTimeCode       CheckpointKind = "ONE_TIME_CODE"
	CheckpointChallengeResponse CheckpointKind = "CHALLENGE_RESPONSE"
)

// Valid reports whether k is a known checkpoint kind.
func (k CheckpointKind) Valid() bool {
	return k == CheckpointOneTimeCode || k == CheckpointChallengeResponse
}

// AwaitingStatus is the status a job holds while parked on k.
func (k CheckpointKind) AwaitingStatus() Status {
	switch k {
	case CheckpointOneTimeCode:
		return StatusAwaitingCheckpointA
	case CheckpointChallengeResponse:
		return StatusAwaitingCheckpointB
	default:
		return ""
	}
}
