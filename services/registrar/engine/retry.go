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
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/AleutianAI/regpilot/services/registrar/driver"
)

// ErrInvalidRetryConfig is returned by RetryConfig.Validate.
var ErrInvalidRetryConfig = errors.New("invalid retry configuration")

// RetryConfig configures per-stage retry with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the wait before the first retry.
	// Default: 2s
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the wait between retries.
	// Default: 30s
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// BackoffFactor is the multiplier for exponential backoff.
	// Default: 2.0
	BackoffFactor float64 `yaml:"backoff_factor"`

	// JitterFactor is the maximum jitter as a fraction of backoff, at
	// most 1. Zero means the default of 0.2; a negative value turns
	// jitter off.
	// Default: 0.2
	JitterFactor float64 `yaml:"jitter_factor"`
}

// DefaultRetryConfig returns the stage retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// Validate checks if the retry configuration is usable.
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidRetryConfig)
	case c.InitialBackoff <= 0:
		return fmt.Errorf("%w: initial_backoff must be positive", ErrInvalidRetryConfig)
	case c.MaxBackoff < c.InitialBackoff:
		return fmt.Errorf("%w: max_backoff below initial_backoff", ErrInvalidRetryConfig)
	case c.BackoffFactor < 1.0:
		return fmt.Errorf("%w: backoff_factor below 1", ErrInvalidRetryConfig)
	case c.JitterFactor > 1:
		return fmt.Errorf("%w: jitter_factor above 1", ErrInvalidRetryConfig)
	}
	return nil
}

// RetryResult reports how a stage call fared across its attempts.
type RetryResult struct {
	Attempts      int
	TotalDuration time.Duration

	// LastError is nil on success.
	LastError error

	// Exhausted is set when the attempt budget ran out on transient errors.
	Exhausted bool
}

// RetryableFunc is one attempt. attempt starts at 1.
type RetryableFunc func(ctx context.Context, attempt int) error

// IsRetryable reports whether a driver error is transient.
func IsRetryable(err error) bool {
	kind, _ := driver.Classify(err)
	return kind == driver.FailureTransient
}

// Retry calls fn until it succeeds, fails with a non-transient error, or
// the attempt budget is spent. A wait that would outlast ctx's deadline
// is not started; the last transient error is returned instead.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) (RetryResult, error) {
	var (
		res      RetryResult
		start    = time.Now()
		schedule = newBackoff(config)
	)
	finish := func(err error) (RetryResult, error) {
		res.LastError = err
		res.TotalDuration = time.Since(start)
		return res, err
	}

	for res.Attempts < config.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		res.Attempts++

		err := fn(ctx, res.Attempts)
		switch {
		case err == nil:
			return finish(nil)
		case !IsRetryable(err) || ctx.Err() != nil:
			return finish(err)
		case res.Attempts == config.MaxAttempts:
			res.Exhausted = true
			return finish(err)
		}

		wait := schedule.next()
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			return finish(err)
		}
		if werr := sleepCtx(ctx, wait); werr != nil {
			return finish(werr)
		}
	}
	return finish(res.LastError)
}

// backoff yields jittered, exponentially growing waits capped at max.
type backoff struct {
	current time.Duration
	max     time.Duration
	factor  float64
	jitter  float64
}

func newBackoff(c RetryConfig) *backoff {
	return &backoff{
		current: c.InitialBackoff,
		max:     c.MaxBackoff,
		factor:  c.BackoffFactor,
		jitter:  c.JitterFactor,
	}
}

// next returns the wait before the coming attempt and advances the base.
// The returned value lies in [base*(1-jitter), base*(1+jitter)].
func (b *backoff) next() time.Duration {
	base := b.current
	if grown := time.Duration(float64(b.current) * b.factor); grown < b.max {
		b.current = grown
	} else {
		b.current = b.max
	}
	if b.jitter <= 0 {
		return base
	}
	return time.Duration(float64(base) * (1 + (rand.Float64()*2-1)*b.jitter))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
