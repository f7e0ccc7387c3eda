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
	"github.com/AleutianAI/regpilot/services/registrar/datatypes"
	"github.com/AleutianAI/regpilot/services/registrar/driver"
	"github.com/awnumar/memguard"
)

// CheckpointValue carries human-supplied checkpoint input to a parked
// worker. The values live in locked memory and are wiped once the stage
// that consumes them has run. Whoever holds a CheckpointValue owns it and
// must Destroy it; Resume takes ownership of the one it is given.
type CheckpointValue struct {
	Kind          datatypes.CheckpointKind
	Value         *memguard.LockedBuffer
	SecondaryCode *memguard.LockedBuffer
}

// NewCheckpointValue moves value and secondary into locked memory. Both
// input slices are wiped.
func NewCheckpointValue(kind datatypes.CheckpointKind, value, secondary []byte) *CheckpointValue {
	v := &CheckpointValue{Kind: kind}
	if len(value) > 0 {
		v.Value = memguard.NewBufferFromBytes(value)
	}
	if len(secondary) > 0 {
		v.SecondaryCode = memguard.NewBufferFromBytes(secondary)
	}
	return v
}

// Empty reports whether no primary value is present.
func (v *CheckpointValue) Empty() bool {
	return v == nil || v.Value == nil || v.Value.Size() == 0
}

// Destroy wipes both buffers. It is safe on nil and safe to repeat.
func (v *CheckpointValue) Destroy() {
	if v == nil {
		return
	}
	if v.Value != nil {
		v.Value.Destroy()
	}
	if v.SecondaryCode != nil {
		v.SecondaryCode.Destroy()
	}
}

// driverInput exposes the values to one driver call. The strings are backed
// by the locked buffers and must not be retained past Destroy.
func (v *CheckpointValue) driverInput() *driver.CheckpointInput {
	if v == nil {
		return nil
	}
	in := &driver.CheckpointInput{Kind: v.Kind}
	if v.Value != nil {
		in.Value = v.Value.String()
	}
	if v.SecondaryCode != nil {
		in.SecondaryCode = v.SecondaryCode.String()
	}
	return in
}
