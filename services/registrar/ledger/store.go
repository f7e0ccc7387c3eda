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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/regpilot/services/registrar/datatypes"
	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	job/<id>                                  JSON-encoded datatypes.Job
//	idx/tenant/<tenant>/<inverted-ts>/<id>    listing index, newest first
//	idx/active/<id>                           present while the job is non-terminal
const (
	jobPrefix    = "job/"
	tenantPrefix = "idx/tenant/"
	activePrefix = "idx/active/"
)

func jobKey(id string) []byte {
	return []byte(jobPrefix + id)
}

func tenantIndexPrefix(tenant string) []byte {
	return []byte(tenantPrefix + tenant + "/")
}

func tenantKey(j *datatypes.Job) []byte {
	inverted := uint64(math.MaxInt64 - j.CreatedAt.UnixNano())
	return []byte(fmt.Sprintf("%s%s/%016x/%s", tenantPrefix, j.TenantID, inverted, j.ID))
}

func activeKey(id string) []byte {
	return []byte(activePrefix + id)
}

// lastSegment returns the id that ends an index key.
func lastSegment(key []byte) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return string(key[i+1:])
		}
	}
	return string(key)
}

// Store is the BadgerDB-backed Ledger.
//
// Update is a read-modify-write inside a single badger transaction. Badger
// detects when two transactions read and write the same key and fails the
// later commit with badger.ErrConflict; Store retries those a bounded
// number of times, re-running the mutation against the fresh copy.
type Store struct {
	db     *badger.DB
	stopGC func()
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	closed atomic.Bool
}

// Open opens (or creates) the ledger described by cfg.
func Open(cfg Config) (*Store, error) {
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
	}

	return s, nil
}

// OpenInMemory opens an ephemeral ledger.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Create implements Ledger.
func (s *Store) Create(ctx context.Context, jobs ...*datatypes.Job) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return inTxn(ctx, s.db, true, func(txn *badger.Txn) error {
		for _, j := range jobs {
			if err := j.CheckInvariants(); err != nil {
				return fmt.Errorf("create %s: %w", j.ID, err)
			}
			_, err := txn.Get(jobKey(j.ID))
			if err == nil {
				return fmt.Errorf("%w: %s", ErrDuplicate, j.ID)
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("check %s: %w", j.ID, err)
			}
			if err := putJob(txn, j); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get implements Ledger.
func (s *Store) Get(ctx context.Context, id string) (*datatypes.Job, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var job *datatypes.Job
	err := inTxn(ctx, s.db, false, func(txn *badger.Txn) error {
		var err error
		job, err = readJob(txn, id)
		return err
	})
	return job, err
}

// Update implements Ledger.
func (s *Store) Update(ctx context.Context, id string, fn MutateFunc) (*datatypes.Job, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	for attempt := 0; ; attempt++ {
		var committed *datatypes.Job
		err := inTxn(ctx, s.db, true, func(txn *badger.Txn) error {
			prev, err := readJob(txn, id)
			if err != nil {
				return err
			}

			next := prev.Clone()
			if err := fn(next); err != nil {
				return err
			}

			now := s.now()
			if now.Before(prev.LastUpdated) {
				now = prev.LastUpdated
			}
			next.LastUpdated = now
			next.Version = prev.Version + 1

			if err := datatypes.CheckTransition(prev, next); err != nil {
				return err
			}
			if err := putJob(txn, next); err != nil {
				return err
			}
			committed = next
			return nil
		})

		if errors.Is(err, badger.ErrConflict) {
			if attempt < s.cfg.MaxConflictRetries {
				s.logger.Debug("ledger write conflict, retrying", "job_id", id, "attempt", attempt+1)
				continue
			}
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrConflict, id, attempt+1)
		}
		if err != nil {
			return nil, err
		}
		return committed, nil
	}
}

// List implements Ledger.
func (s *Store) List(ctx context.Context, f Filter) ([]*datatypes.Job, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var out []*datatypes.Job
	err := inTxn(ctx, s.db, false, func(txn *badger.Txn) error {
		switch {
		case f.TenantID != "":
			// The tenant index is already ordered newest first.
			return scanIndex(txn, tenantIndexPrefix(f.TenantID), func(id string) (bool, error) {
				job, err := readJob(txn, id)
				if err != nil {
					return false, err
				}
				if f.matches(job) {
					out = append(out, job)
				}
				return true, nil
			})
		case f.ActiveOnly:
			err := scanIndex(txn, []byte(activePrefix), func(id string) (bool, error) {
				job, err := readJob(txn, id)
				if err != nil {
					return false, err
				}
				if f.matches(job) {
					out = append(out, job)
				}
				return true, nil
			})
			sortNewestFirst(out)
			return err
		default:
			err := scanJobs(txn, func(job *datatypes.Job) {
				if f.matches(job) {
					out = append(out, job)
				}
			})
			sortNewestFirst(out)
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	return paginate(out, f.Offset, f.Limit), nil
}

// Ping implements Ledger.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return inTxn(ctx, s.db, false, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("ping"))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return nil
	})
}

// Close stops GC and closes the database. Later calls are no-ops.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.stopGC != nil {
		s.stopGC()
	}
	return s.db.Close()
}

// =============================================================================
// Helpers
// =============================================================================

func putJob(txn *badger.Txn, j *datatypes.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	if err := txn.Set(jobKey(j.ID), data); err != nil {
		return err
	}
	if err := txn.Set(tenantKey(j), nil); err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return txn.Delete(activeKey(j.ID))
	}
	return txn.Set(activeKey(j.ID), nil)
}

func readJob(txn *badger.Txn, id string) (*datatypes.Job, error) {
	item, err := txn.Get(jobKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", datatypes.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var job datatypes.Job
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	}); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	if job.StageDetails == nil {
		job.StageDetails = datatypes.StageDetails{}
	}
	return &job, nil
}

func scanIndex(txn *badger.Txn, prefix []byte, fn func(id string) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		more, err := fn(lastSegment(it.Item().Key()))
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func scanJobs(txn *badger.Txn, fn func(*datatypes.Job)) error {
	prefix := []byte(jobPrefix)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var job datatypes.Job
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		}); err != nil {
			return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		fn(&job)
	}
	return nil
}

func sortNewestFirst(jobs []*datatypes.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
}

func paginate(jobs []*datatypes.Job, offset, limit int) []*datatypes.Job {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(jobs) {
		return []*datatypes.Job{}
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs
}

var _ Ledger = (*Store)(nil)
