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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Deadline Reaper
// =============================================================================

// ReaperConfig holds configuration for the background reaper.
//
// # Fields
//
//   - Interval: How often to run a cycle. Default: 1 minute.
type ReaperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// DefaultReaperConfig returns the default reaper configuration.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{Interval: time.Minute}
}

// ReapResult summarises one reaper cycle.
type ReapResult struct {
	StartTime      time.Time
	EndTime        time.Time
	JobsExpired    int
	BrokenSessions int
}

// DurationMs returns the cycle duration in milliseconds.
func (r ReapResult) DurationMs() int64 {
	return r.EndTime.Sub(r.StartTime).Milliseconds()
}

// Reaper periodically fails jobs that outlived their deadline without a
// live worker, and retries replacement of broken pool sessions.
//
// # Description
//
// Manages the lifecycle of a background goroutine using the ticker + done
// channel pattern for graceful shutdown.
//
// # Thread Safety
//
// All public methods are thread-safe.
type Reaper struct {
	orch    *Orchestrator
	config  ReaperConfig
	logger  *slog.Logger
	done    chan struct{}
	stopped chan struct{}
	mu      sync.Mutex
	running bool
}

// NewReaper creates a reaper for o. It uses o's reaper configuration.
func NewReaper(o *Orchestrator) *Reaper {
	return &Reaper{
		orch:   o,
		config: o.cfg.Reaper,
		logger: o.logger,
		done:   make(chan struct{}),
	}
}

// Start begins the background loop. The first cycle runs immediately.
//
// # Outputs
//
//   - error: Non-nil if the reaper is already running.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reaper is already running")
	}
	r.running = true
	r.done = make(chan struct{})
	r.stopped = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("deadline reaper starting", "interval", r.config.Interval.String())

	go r.runLoop(ctx)
	return nil
}

// Stop signals the loop to exit and waits for the current cycle to finish.
// Safe to call multiple times.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.logger.Info("deadline reaper stopping")
	close(r.done)
	r.running = false
	stopped := r.stopped
	r.mu.Unlock()

	<-stopped
}

// RunNow performs one cycle immediately.
func (r *Reaper) RunNow(ctx context.Context) (ReapResult, error) {
	return r.runCycle(ctx)
}

func (r *Reaper) runLoop(ctx context.Context) {
	defer close(r.stopped)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.executeCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("deadline reaper stopped (context cancelled)")
			return
		case <-r.done:
			r.logger.Info("deadline reaper stopped (stop requested)")
			return
		case <-ticker.C:
			r.executeCycle(ctx)
		}
	}
}

// executeCycle wraps runCycle with logging so a failed cycle never stops
// the loop.
func (r *Reaper) executeCycle(ctx context.Context) {
	result, err := r.runCycle(ctx)
	if err != nil {
		r.logger.Error("reaper cycle failed", "error", err)
		return
	}

	if result.JobsExpired > 0 || result.BrokenSessions > 0 {
		r.logger.Info("reaper cycle completed",
			"jobs_expired", result.JobsExpired,
			"broken_sessions", result.BrokenSessions,
			"duration_ms", result.DurationMs(),
		)
	} else {
		r.logger.Debug("reaper cycle completed (nothing to do)")
	}
}

func (r *Reaper) runCycle(ctx context.Context) (ReapResult, error) {
	result := ReapResult{StartTime: time.Now()}

	expired, err := r.orch.ReapExpired(ctx)
	if err != nil {
		return result, fmt.Errorf("expire jobs: %w", err)
	}
	result.JobsExpired = expired
	result.BrokenSessions = r.orch.pool.Replenish(ctx)

	result.EndTime = time.Now()
	return result, nil
}
