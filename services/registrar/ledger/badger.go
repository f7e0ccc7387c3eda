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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds BadgerDB settings for the ledger.
type Config struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string `yaml:"path"`

	// InMemory keeps everything in memory. Used by tests and local runs.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs each commit. A stage commit that is acknowledged
	// must survive a crash, so this defaults to true.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`

	// MaxConflictRetries bounds how often Update retries after a badger
	// transaction conflict.
	MaxConflictRetries int `yaml:"max_conflict_retries"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns production settings. Path must still be set.
func DefaultConfig() Config {
	return Config{
		SyncWrites:         true,
		GCInterval:         5 * time.Minute,
		GCDiscardRatio:     0.5,
		MaxConflictRetries: 5,
	}
}

// InMemoryConfig returns settings for an ephemeral ledger.
func InMemoryConfig() Config {
	return Config{
		InMemory:           true,
		MaxConflictRetries: 5,
	}
}

// Validate reports settings Open would reject.
func (c Config) Validate() error {
	var errs []error
	if !c.InMemory && c.Path == "" {
		errs = append(errs, errors.New("ledger path is required for persistent storage"))
	}
	if c.GCInterval > 0 && !c.InMemory && (c.GCDiscardRatio <= 0 || c.GCDiscardRatio >= 1) {
		errs = append(errs, fmt.Errorf("gc_discard_ratio %.2f outside (0,1)", c.GCDiscardRatio))
	}
	return errors.Join(errs...)
}

// =============================================================================
// Opening
// =============================================================================

// slogAdapter routes badger's printf-style logging into slog. Badger's
// INFO chatter about compactions lands at debug.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) emit(level slog.Level, format string, args []interface{}) {
	a.l.Log(context.Background(), level, strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (a slogAdapter) Errorf(f string, args ...interface{})   { a.emit(slog.LevelError, f, args) }
func (a slogAdapter) Warningf(f string, args ...interface{}) { a.emit(slog.LevelWarn, f, args) }
func (a slogAdapter) Infof(f string, args ...interface{})    { a.emit(slog.LevelDebug, f, args) }
func (a slogAdapter) Debugf(f string, args ...interface{})   { a.emit(slog.LevelDebug, f, args) }

func openBadger(cfg Config) (*badger.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dir := cfg.Path
	if cfg.InMemory {
		dir = ""
	} else if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create ledger directory %s: %w", dir, err)
	}

	opts := badger.DefaultOptions(dir).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(nil)
	if cfg.Logger != nil {
		opts = opts.WithLogger(slogAdapter{l: cfg.Logger})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	return db, nil
}

// =============================================================================
// Value Log GC
// =============================================================================

// startGC reclaims value log space every interval until the returned stop
// function is called. stop blocks until the loop has exited.
func startGC(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			// One successful rewrite may leave more garbage behind; keep
			// going until badger reports nothing left to reclaim.
			for ctx.Err() == nil {
				err := db.RunValueLogGC(ratio)
				if errors.Is(err, badger.ErrNoRewrite) {
					break
				}
				if err != nil {
					logger.Warn("ledger value log GC failed", slog.String("error", err.Error()))
					break
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// =============================================================================
// Transactions
// =============================================================================

// inTxn runs fn in a badger transaction. Writable transactions are
// committed when fn succeeds; read-only ones are always discarded.
func inTxn(ctx context.Context, db *badger.DB, writable bool, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := db.NewTransaction(writable)
	defer txn.Discard()

	if err := fn(txn); err != nil || !writable {
		return err
	}
	return txn.Commit()
}
