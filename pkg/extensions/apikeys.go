// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ErrKeyFile is returned when the API key file cannot be parsed or holds an
// invalid entry.
var ErrKeyFile = errors.New("invalid api key file")

// APIKeyEntry is one key in the key file. Only the SHA-256 of the key is
// stored.
type APIKeyEntry struct {
	ID        string    `yaml:"id"`
	TenantID  string    `yaml:"tenant_id"`
	KeySHA256 string    `yaml:"key_sha256"`
	ExpiresAt time.Time `yaml:"expires_at,omitempty"`
}

// APIKeyFile is the on-disk layout of the key file.
//
//	keys:
//	  - id: acme-ops
//	    tenant_id: acme
//	    key_sha256: 9f86d081884c7d65...
//	    expires_at: 2027-01-01T00:00:00Z
type APIKeyFile struct {
	Keys []APIKeyEntry `yaml:"keys"`
}

// HashAPIKey returns the hex SHA-256 of key, the form stored in the key file.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// APIKeyProvider authenticates requests against a YAML key file.
//
// The file is read at construction. Watch reloads it whenever it changes
// on disk; a reload that fails to parse keeps the previous key set.
type APIKeyProvider struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	keys map[string]APIKeyEntry // by key_sha256

	watchMu  sync.Mutex
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// NewAPIKeyProvider loads the key file at path.
func NewAPIKeyProvider(path string, logger *slog.Logger) (*APIKeyProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &APIKeyProvider{
		path:   path,
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseAPIKeys decodes and checks a key file.
func ParseAPIKeys(data []byte) (map[string]APIKeyEntry, error) {
	var f APIKeyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFile, err)
	}
	keys := make(map[string]APIKeyEntry, len(f.Keys))
	ids := make(map[string]struct{}, len(f.Keys))
	for i, k := range f.Keys {
		k.KeySHA256 = strings.ToLower(strings.TrimSpace(k.KeySHA256))
		switch {
		case k.ID == "":
			return nil, fmt.Errorf("%w: key %d has no id", ErrKeyFile, i)
		case k.TenantID == "":
			return nil, fmt.Errorf("%w: key %q has no tenant_id", ErrKeyFile, k.ID)
		case len(k.KeySHA256) != sha256.Size*2:
			return nil, fmt.Errorf("%w: key %q: key_sha256 must be %d hex characters", ErrKeyFile, k.ID, sha256.Size*2)
		}
		if _, err := hex.DecodeString(k.KeySHA256); err != nil {
			return nil, fmt.Errorf("%w: key %q: key_sha256 is not hex", ErrKeyFile, k.ID)
		}
		if _, dup := ids[k.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate key id %q", ErrKeyFile, k.ID)
		}
		if _, dup := keys[k.KeySHA256]; dup {
			return nil, fmt.Errorf("%w: key %q repeats another key's hash", ErrKeyFile, k.ID)
		}
		ids[k.ID] = struct{}{}
		keys[k.KeySHA256] = k
	}
	return keys, nil
}

// Reload re-reads the key file and swaps the key set in one step.
func (p *APIKeyProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read api key file: %w", err)
	}
	keys, err := ParseAPIKeys(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.keys = keys
	p.mu.Unlock()
	p.logger.Info("api keys loaded", "path", p.path, "keys", len(keys))
	return nil
}

// Len returns the number of loaded keys, expired ones included.
func (p *APIKeyProvider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys)
}

// Validate resolves token to its tenant.
func (p *APIKeyProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing api key", ErrUnauthorized)
	}
	hash := HashAPIKey(token)

	p.mu.RLock()
	entry, ok := p.keys[hash]
	p.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: unknown api key", ErrUnauthorized)
	}
	if !entry.ExpiresAt.IsZero() && !p.now().Before(entry.ExpiresAt) {
		return nil, fmt.Errorf("%w: api key %s expired", ErrUnauthorized, entry.ID)
	}
	return &AuthInfo{TenantID: entry.TenantID, KeyID: entry.ID, ExpiresAt: entry.ExpiresAt}, nil
}

// Watch reloads the key file whenever it is written, created or renamed
// into place. The parent directory is watched so that editors and
// configuration tools that replace the file atomically are seen. Watch
// returns once the watcher is running; it stops when ctx is done or Close
// is called.
func (p *APIKeyProvider) Watch(ctx context.Context) error {
	p.watchMu.Lock()
	defer p.watchMu.Unlock()
	if p.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create key file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch key file directory: %w", err)
	}
	p.watcher = w

	go p.processEvents(ctx, w)
	return nil
}

func (p *APIKeyProvider) processEvents(ctx context.Context, w *fsnotify.Watcher) {
	target := filepath.Clean(p.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Warn("api key reload failed, keeping previous keys", "path", p.path, "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			p.logger.Warn("api key watcher error", "error", err)
		}
	}
}

// Close stops the watcher, if any.
func (p *APIKeyProvider) Close() error {
	var err error
	p.stopOnce.Do(func() {
		close(p.done)
		p.watchMu.Lock()
		defer p.watchMu.Unlock()
		if p.watcher != nil {
			err = p.watcher.Close()
		}
	})
	return err
}

var _ AuthProvider = (*APIKeyProvider)(nil)
