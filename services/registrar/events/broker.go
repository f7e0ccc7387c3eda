// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events fans job state changes out to live watchers.
//
// The ledger publishes a snapshot after every committed write. Subscribers
// receive snapshots for one job (or every job of a tenant) on a buffered
// channel. A subscriber that falls a full buffer behind is dropped and its
// channel closed; watchers reconnect and re-read the job to catch up.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/regpilot/services/registrar/datatypes"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 16

// Event is a snapshot of a job's position after a committed write.
// Payload and stage details are left out; watchers fetch the job for those.
type Event struct {
	ID           string           `json:"id"`
	JobID        string           `json:"job_id"`
	TenantID     string           `json:"-"`
	Cycle        int              `json:"cycle"`
	Status       datatypes.Status `json:"status"`
	Stage        datatypes.Stage  `json:"stage"`
	ErrorMessage string           `json:"error_message,omitempty"`
	At           time.Time        `json:"at"`
}

// FromJob builds the event for a committed job.
func FromJob(j *datatypes.Job) Event {
	at := j.LastUpdated
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Event{
		ID:           uuid.NewString(),
		JobID:        j.ID,
		TenantID:     j.TenantID,
		Cycle:        j.Cycle,
		Status:       j.Status,
		Stage:        j.Stage,
		ErrorMessage: j.ErrorMessage,
		At:           at,
	}
}

// Terminal reports whether no further events are expected for this cycle.
func (e Event) Terminal() bool {
	return e.Status.IsTerminal()
}

// Subscription is a live feed. C is closed on Cancel, on Broker.Close, or
// when the subscriber lags.
type Subscription struct {
	ID string
	C  <-chan Event

	ch       chan Event
	tenantID string
	jobID    string
	broker   *Broker
	lagged   bool
}

// Lagged reports whether the feed was cut because the reader fell behind.
// Only meaningful after C is closed.
func (s *Subscription) Lagged() bool {
	s.broker.mu.RLock()
	defer s.broker.mu.RUnlock()
	return s.lagged
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.broker.remove(s.ID, false)
}

func (s *Subscription) wants(e Event) bool {
	if e.TenantID != s.tenantID {
		return false
	}
	return s.jobID == "" || s.jobID == e.JobID
}

// Broker is safe for concurrent use. The zero value is not usable; call
// NewBroker.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	closed bool
}

// NewBroker returns a broker whose subscribers buffer up to buffer events.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker{subs: make(map[string]*Subscription), buffer: buffer}
}

// Subscribe registers a feed for tenantID. An empty jobID follows every job
// of the tenant. After Close the returned subscription's channel is
// already closed.
func (b *Broker) Subscribe(tenantID, jobID string) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{
		ID:       uuid.NewString(),
		C:        ch,
		ch:       ch,
		tenantID: tenantID,
		jobID:    jobID,
		broker:   b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// Publish delivers a snapshot of j to every matching subscriber without
// blocking. It has the shape ledger.Notify expects.
func (b *Broker) Publish(j *datatypes.Job) {
	e := FromJob(j)

	var lagging []string
	b.mu.RLock()
	for id, sub := range b.subs {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			lagging = append(lagging, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range lagging {
		b.remove(id, true)
	}
}

// Len returns the number of live subscriptions.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Later Publish calls are no-ops.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

func (b *Broker) remove(id string, lagged bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	sub.lagged = lagged
	close(sub.ch)
	delete(b.subs, id)
}
