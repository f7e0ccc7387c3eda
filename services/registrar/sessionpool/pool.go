// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sessionpool leases exclusive automation sessions to jobs.
//
// The pool owns a fixed number of slots. Each slot holds one driver session
// and is FREE, LEASED to exactly one job, or BROKEN while its session is
// being replaced. All slot and waiter bookkeeping happens under one mutex,
// and a freed slot is handed directly to the oldest waiter while that mutex
// is held, so no caller can ever observe a slot that another caller is
// about to take.
package sessionpool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/regpilot/services/registrar/datatypes"
	"github.com/AleutianAI/regpilot/services/registrar/driver"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("session pool closed")

// =============================================================================
// Types
// =============================================================================

// State is the lifecycle state of a slot.
type State int

const (
	StateFree State = iota
	StateLeased
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateLeased:
		return "LEASED"
	case StateBroken:
		return "BROKEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText writes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome tells Release whether the session can be reused.
type Outcome int

const (
	// Healthy returns the session to rotation.
	Healthy Outcome = iota
	// Unhealthy closes the session and replaces it.
	Unhealthy
)

func (o Outcome) String() string {
	if o == Healthy {
		return "healthy"
	}
	return "unhealthy"
}

// Config sizes the pool.
type Config struct {
	// Size is the number of sessions, and so the maximum number of jobs in
	// an active driving phase. Default: 2
	Size int `yaml:"size"`

	// MaxWaiters bounds the acquire queue. Acquire fails with
	// datatypes.ErrOverloaded beyond it. Default: 16
	MaxWaiters int `yaml:"max_waiters"`

	// AcquireTimeout is used when Acquire is called with a zero timeout.
	// Default: 2m
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// CreateTimeout bounds building one replacement session. Default: 1m
	CreateTimeout time.Duration `yaml:"create_timeout"`

	Logger   *slog.Logger `yaml:"-"`
	Observer Observer     `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 2
	}
	if c.MaxWaiters <= 0 {
		c.MaxWaiters = 16
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 2 * time.Minute
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Observer receives pool events. It is called outside the pool lock.
type Observer interface {
	PoolChanged(stats Stats)
	AcquireFinished(wait time.Duration, result string)
	SessionReplaced(ok bool)
}

// Stats counts slots by state.
type Stats struct {
	Size    int `json:"size"`
	Free    int `json:"free"`
	Leased  int `json:"leased"`
	Broken  int `json:"broken"`
	Waiting int `json:"waiting"`
}

// SessionInfo describes one slot for the pool snapshot endpoint.
type SessionInfo struct {
	Slot      int       `json:"slot"`
	SessionID string    `json:"session_id"`
	State     State     `json:"state"`
	LeasedBy  string    `json:"leased_by,omitempty"`
	LeasedAt  time.Time `json:"leased_at,omitzero"`
}

// Lease is a job's borrowed reference to one session. It is only valid
// until it is released.
type Lease struct {
	Session    driver.Session
	SessionID  string
	JobID      string
	AcquiredAt time.Time

	slot *slot
	gen  uint64
}

type slot struct {
	index     int
	session   driver.Session
	state     State
	leasedBy  string
	leasedAt  time.Time
	gen       uint64
	replacing bool
}

type waiter struct {
	jobID string
	ch    chan *Lease
	elem  *list.Element
}

// =============================================================================
// Pool
// =============================================================================

// Pool leases sessions to jobs.
type Pool struct {
	cfg     Config
	factory driver.Factory
	logger  *slog.Logger

	mu       sync.Mutex
	slots    []*slot
	waiters  *list.List
	closed   bool
	draining bool

	// Background replacements run under bgCtx and are awaited by Close.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New builds a pool and eagerly opens cfg.Size sessions.
func New(ctx context.Context, cfg Config, factory driver.Factory) (*Pool, error) {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  cfg.Logger,
		waiters: list.New(),
	}
	p.bgCtx, p.bgCancel = context.WithCancel(context.Background())

	for i := 0; i < cfg.Size; i++ {
		sess, err := factory.NewSession(ctx)
		if err != nil {
			p.bgCancel()
			for _, s := range p.slots {
				_ = s.session.Close()
			}
			return nil, fmt.Errorf("open session %d of %d: %w", i+1, cfg.Size, err)
		}
		p.slots = append(p.slots, &slot{index: i, session: sess, state: StateFree})
	}

	p.logger.Info("session pool ready", "size", cfg.Size, "max_waiters", cfg.MaxWaiters)
	p.notify(p.Stats())
	return p, nil
}

// Acquire leases a free session to jobID, waiting up to timeout for one.
//
// It fails with datatypes.ErrPoolExhausted when the timeout elapses,
// datatypes.ErrOverloaded when the wait queue is full, ctx.Err() when ctx
// ends first, and ErrClosed after Close. Waiters are served oldest first.
func (p *Pool) Acquire(ctx context.Context, jobID string, timeout time.Duration) (*Lease, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if s := p.freeSlotLocked(); s != nil {
		lease := p.leaseLocked(s, jobID)
		stats := p.statsLocked()
		p.mu.Unlock()
		p.notify(stats)
		p.finished(start, "immediate")
		return lease, nil
	}
	if p.waiters.Len() >= p.cfg.MaxWaiters {
		p.mu.Unlock()
		p.finished(start, "overloaded")
		return nil, fmt.Errorf("%w: %d jobs already waiting for a session", datatypes.ErrOverloaded, p.cfg.MaxWaiters)
	}
	w := &waiter{jobID: jobID, ch: make(chan *Lease, 1)}
	w.elem = p.waiters.PushBack(w)
	stats := p.statsLocked()
	p.mu.Unlock()
	p.notify(stats)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case lease := <-w.ch:
		if lease == nil {
			return nil, ErrClosed
		}
		p.finished(start, "waited")
		return lease, nil
	case <-timer.C:
		p.finished(start, "timeout")
		return nil, p.abandon(w, fmt.Errorf("%w: no session freed within %s", datatypes.ErrPoolExhausted, timeout))
	case <-ctx.Done():
		p.finished(start, "cancelled")
		return nil, p.abandon(w, ctx.Err())
	}
}

// abandon removes a waiter that gave up. If a lease was handed to it in the
// meantime, the lease goes straight back into rotation.
func (p *Pool) abandon(w *waiter, cause error) error {
	p.mu.Lock()
	if w.elem != nil {
		p.waiters.Remove(w.elem)
		w.elem = nil
		stats := p.statsLocked()
		p.mu.Unlock()
		p.notify(stats)
		return cause
	}
	p.mu.Unlock()

	if lease := <-w.ch; lease != nil {
		p.Release(lease, Healthy)
	}
	return cause
}

// Release returns a leased session to the pool.
//
// Healthy sessions go back into rotation; unhealthy ones are closed and
// replaced in the background with a fresh session from the factory,
// unless the pool is draining or closed. Releasing a lease that was
// already released is a no-op.
func (p *Pool) Release(lease *Lease, outcome Outcome) {
	if lease == nil || lease.slot == nil {
		return
	}

	p.mu.Lock()
	s := lease.slot
	if s.gen != lease.gen || s.state != StateLeased {
		p.mu.Unlock()
		return
	}

	if outcome == Healthy && !p.closed {
		s.state = StateFree
		s.leasedBy = ""
		s.leasedAt = time.Time{}
		p.handOffLocked(s)
		stats := p.statsLocked()
		p.mu.Unlock()
		p.notify(stats)
		return
	}

	old := s.session
	s.state = StateBroken
	s.leasedBy = ""
	s.leasedAt = time.Time{}
	s.gen++
	rebuild := !p.closed && !p.draining
	s.replacing = rebuild
	if rebuild {
		p.bg.Add(1)
	}
	stats := p.statsLocked()
	p.mu.Unlock()
	p.notify(stats)

	if err := old.Close(); err != nil {
		p.logger.Warn("closing broken session failed", "session_id", old.ID(), "error", err)
	}
	p.logger.Info("session released unhealthy", "session_id", old.ID(), "job_id", lease.JobID)

	if rebuild {
		go func() {
			defer p.bg.Done()
			p.replace(s)
		}()
	}
}

// replace builds a new session for a BROKEN slot. On failure the slot
// stays BROKEN until Replenish succeeds.
func (p *Pool) replace(s *slot) {
	ctx, cancel := context.WithTimeout(p.bgCtx, p.cfg.CreateTimeout)
	defer cancel()

	sess, err := p.factory.NewSession(ctx)
	if err != nil {
		p.mu.Lock()
		s.replacing = false
		p.mu.Unlock()
		p.logger.Error("replacing session failed", "slot", s.index, "error", err)
		if p.cfg.Observer != nil {
			p.cfg.Observer.SessionReplaced(false)
		}
		return
	}

	p.mu.Lock()
	s.replacing = false
	if p.closed {
		p.mu.Unlock()
		_ = sess.Close()
		return
	}
	s.session = sess
	s.state = StateFree
	p.handOffLocked(s)
	stats := p.statsLocked()
	p.mu.Unlock()

	p.logger.Info("session replaced", "slot", s.index, "session_id", sess.ID())
	if p.cfg.Observer != nil {
		p.cfg.Observer.SessionReplaced(true)
	}
	p.notify(stats)
}

// Replenish retries replacement for every BROKEN slot not already being
// replaced. It returns how many slots are still BROKEN. A draining pool
// replaces nothing.
func (p *Pool) Replenish(ctx context.Context) int {
	p.mu.Lock()
	var todo []*slot
	for _, s := range p.slots {
		if s.state == StateBroken && !s.replacing && !p.closed && !p.draining {
			s.replacing = true
			todo = append(todo, s)
		}
	}
	p.mu.Unlock()

	for _, s := range todo {
		if ctx.Err() != nil {
			p.mu.Lock()
			s.replacing = false
			p.mu.Unlock()
			continue
		}
		p.replace(s)
	}
	return p.Stats().Broken
}

// Stats returns slot counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Snapshot describes every slot.
func (p *Pool) Snapshot() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SessionInfo, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, SessionInfo{
			Slot:      s.index,
			SessionID: s.session.ID(),
			State:     s.state,
			LeasedBy:  s.leasedBy,
			LeasedAt:  s.leasedAt,
		})
	}
	return out
}

// Drain stops the pool from building sessions. Unhealthy releases close
// their session and leave the slot BROKEN; healthy releases still return
// to rotation. Call it before cancelling the jobs that hold leases so
// their exit does not open sessions nobody will use.
func (p *Pool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.draining {
		p.draining = true
		p.logger.Info("session pool draining")
	}
}

// Close fails all waiters, closes idle sessions, and makes every later
// release close its session instead of reusing it. It cancels and waits
// for background replacements.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.bgCancel()
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.elem = nil
		w.ch <- nil
	}
	p.waiters.Init()
	var idle []driver.Session
	for _, s := range p.slots {
		if s.state == StateFree {
			s.state = StateBroken
			idle = append(idle, s.session)
		}
	}
	p.mu.Unlock()

	for _, sess := range idle {
		if err := sess.Close(); err != nil {
			p.logger.Warn("closing session failed", "session_id", sess.ID(), "error", err)
		}
	}
	p.bg.Wait()
	p.logger.Info("session pool closed")
}

// =============================================================================
// Internal (mu held)
// =============================================================================

func (p *Pool) freeSlotLocked() *slot {
	for _, s := range p.slots {
		if s.state == StateFree {
			return s
		}
	}
	return nil
}

func (p *Pool) leaseLocked(s *slot, jobID string) *Lease {
	s.state = StateLeased
	s.leasedBy = jobID
	s.leasedAt = time.Now()
	s.gen++
	return &Lease{
		Session:    s.session,
		SessionID:  s.session.ID(),
		JobID:      jobID,
		AcquiredAt: s.leasedAt,
		slot:       s,
		gen:        s.gen,
	}
}

// handOffLocked gives a just-freed slot to the oldest waiter, if any.
func (p *Pool) handOffLocked(s *slot) {
	front := p.waiters.Front()
	if front == nil {
		return
	}
	w := p.waiters.Remove(front).(*waiter)
	w.elem = nil
	w.ch <- p.leaseLocked(s, w.jobID)
}

func (p *Pool) statsLocked() Stats {
	st := Stats{Size: len(p.slots), Waiting: p.waiters.Len()}
	for _, s := range p.slots {
		switch s.state {
		case StateFree:
			st.Free++
		case StateLeased:
			st.Leased++
		case StateBroken:
			st.Broken++
		}
	}
	return st
}

func (p *Pool) notify(stats Stats) {
	if p.cfg.Observer != nil {
		p.cfg.Observer.PoolChanged(stats)
	}
}

func (p *Pool) finished(start time.Time, result string) {
	if p.cfg.Observer != nil {
		p.cfg.Observer.AcquireFinished(time.Since(start), result)
	}
}
