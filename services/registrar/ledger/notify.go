// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"

	"github.com/AleutianAI/regpilot/services/registrar/datatypes"
)

// notifying wraps a Ledger and reports every committed job to a hook.
type notifying struct {
	Ledger
	hook func(*datatypes.Job)
}

// Notify returns a Ledger that calls hook with a copy of each job after
// Create or Update commits it. hook runs on the writer's goroutine and
// must not block. Failed writes are not reported.
func Notify(l Ledger, hook func(*datatypes.Job)) Ledger {
	if hook == nil {
		return l
	}
	return &notifying{Ledger: l, hook: hook}
}

func (n *notifying) Create(ctx context.Context, jobs ...*datatypes.Job) error {
	if err := n.Ledger.Create(ctx, jobs...); err != nil {
		return err
	}
	for _, j := range jobs {
		n.hook(j.Clone())
	}
	return nil
}

func (n *notifying) Update(ctx context.Context, id string, fn MutateFunc) (*datatypes.Job, error) {
	j, err := n.Ledger.Update(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	n.hook(j.Clone())
	return j, nil
}
