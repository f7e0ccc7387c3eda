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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/regpilot/services/registrar/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the orchestrator.
type Config struct {
	// QueueDepth is how many admitted jobs may wait for a session beyond
	// the pool size. Submissions past PoolSize+QueueDepth live jobs are
	// rejected with ErrOverloaded. Default: 16
	QueueDepth int `yaml:"queue_depth"`

	// AcquireTimeout bounds a worker's wait for a session. Default: 2m
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// StageTimeout bounds one driver call. Default: 90s
	StageTimeout time.Duration `yaml:"stage_timeout"`

	// JobDeadline is the overall time a job cycle may take, including time
	// parked on checkpoints. Default: 30m
	JobDeadline time.Duration `yaml:"job_deadline"`

	// MaxWorkerRestarts is how many times a crashed worker is restarted
	// before the job is failed. Zero means the default of 1; a negative
	// value disables restarts. The sign survives applyDefaults so defaults
	// can be applied any number of times.
	MaxWorkerRestarts int `yaml:"max_worker_restarts"`

	Retry  RetryConfig  `yaml:"retry"`
	Reaper ReaperConfig `yaml:"reaper"`

	Logger  *slog.Logger           `yaml:"-"`
	Metrics *observability.Metrics `yaml:"-"`
	Tracer  trace.Tracer           `yaml:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	c := Config{}
	c.applyDefaults()
	return c
}

// WithDefaults returns c with every unset field filled in.
func (c Config) WithDefaults() Config {
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 16
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 2 * time.Minute
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 90 * time.Second
	}
	if c.JobDeadline <= 0 {
		c.JobDeadline = 30 * time.Minute
	}
	if c.MaxWorkerRestarts == 0 {
		c.MaxWorkerRestarts = 1
	}

	def := DefaultRetryConfig()
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = def.MaxAttempts
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = def.InitialBackoff
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = def.MaxBackoff
	}
	if c.Retry.BackoffFactor == 0 {
		c.Retry.BackoffFactor = def.BackoffFactor
	}
	if c.Retry.JitterFactor == 0 {
		c.Retry.JitterFactor = def.JitterFactor
	}
	if c.Reaper.Interval <= 0 {
		c.Reaper.Interval = DefaultReaperConfig().Interval
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer("github.com/AleutianAI/regpilot/services/registrar/engine")
	}
}

// restartBudget is the effective restart count.
func (c Config) restartBudget() int {
	if c.MaxWorkerRestarts < 0 {
		return 0
	}
	return c.MaxWorkerRestarts
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.StageTimeout >= c.JobDeadline {
		errs = append(errs, fmt.Errorf("stage_timeout %s must be shorter than job_deadline %s", c.StageTimeout, c.JobDeadline))
	}
	return errors.Join(errs...)
}
