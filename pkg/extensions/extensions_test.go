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
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Helpers
// =============================================================================

func writeKeys(t *testing.T, path string, entries ...string) {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("keys:\n")
	for _, e := range entries {
		buf.WriteString(e)
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func keyEntry(id, tenant, key, expires string) string {
	s := fmt.Sprintf("  - id: %s\n    tenant_id: %s\n    key_sha256: %s\n", id, tenant, HashAPIKey(key))
	if expires != "" {
		s += "    expires_at: " + expires + "\n"
	}
	return s
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

// =============================================================================
// Nop providers
// =============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	info, err := opts.AuthProvider.Validate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, LocalTenant, info.TenantID)
	assert.NoError(t, opts.AuditLogger.Log(context.Background(), AuditEvent{EventType: AuditJobRetried}))
	assert.NoError(t, opts.AuditLogger.Flush(context.Background()))

	audit := NewSlogAuditLogger(nil)
	opts = opts.WithAudit(audit)
	assert.Same(t, audit, opts.AuditLogger)
}

func TestSlogAuditLogger_WritesEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := l.Log(context.Background(), AuditEvent{
		EventType:    AuditCheckpointSubmit,
		TenantID:     "acme",
		KeyID:        "acme-ops",
		ResourceType: AuditResourceJob,
		ResourceID:   "job-1",
		Outcome:      AuditOutcomeRejected,
		Metadata:     map[string]any{"kind": "ONE_TIME_CODE"},
	})

	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, `"event_type":"checkpoint.submitted"`)
	assert.Contains(t, out, `"tenant_id":"acme"`)
	assert.Contains(t, out, `"kind":"ONE_TIME_CODE"`)
}

// =============================================================================
// APIKeyProvider
// =============================================================================

func TestAPIKeyProvider_Validate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	writeKeys(t, path,
		keyEntry("acme-ops", "acme", "acme-secret", ""),
		keyEntry("globex-old", "globex", "globex-secret", "2020-01-01T00:00:00Z"),
	)
	p, err := NewAPIKeyProvider(path, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())

	info, err := p.Validate(context.Background(), "acme-secret")
	require.NoError(t, err)
	assert.Equal(t, "acme", info.TenantID)
	assert.Equal(t, "acme-ops", info.KeyID)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"unknown", "nope"},
		{"expired", "globex-secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Validate(context.Background(), tt.token)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestAPIKeyProvider_ExpiryUsesClock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	writeKeys(t, path, keyEntry("k", "acme", "s", "2030-06-01T00:00:00Z"))
	p, err := NewAPIKeyProvider(path, quietLogger())
	require.NoError(t, err)

	p.now = func() time.Time { return time.Date(2030, 5, 31, 23, 0, 0, 0, time.UTC) }
	_, err = p.Validate(context.Background(), "s")
	assert.NoError(t, err)

	p.now = func() time.Time { return time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC) }
	_, err = p.Validate(context.Background(), "s")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestParseAPIKeys_Rejects(t *testing.T) {
	good := HashAPIKey("x")
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "keys: [\n"},
		{"no id", "keys:\n  - tenant_id: a\n    key_sha256: " + good + "\n"},
		{"no tenant", "keys:\n  - id: a\n    key_sha256: " + good + "\n"},
		{"short hash", "keys:\n  - id: a\n    tenant_id: a\n    key_sha256: abc\n"},
		{"not hex", "keys:\n  - id: a\n    tenant_id: a\n    key_sha256: " + string(bytes.Repeat([]byte("z"), 64)) + "\n"},
		{"duplicate id", "keys:\n" + keyEntry("a", "t", "x", "") + keyEntry("a", "t", "y", "")},
		{"duplicate hash", "keys:\n" + keyEntry("a", "t", "x", "") + keyEntry("b", "t", "x", "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAPIKeys([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrKeyFile)
		})
	}
}

func TestNewAPIKeyProvider_MissingFile(t *testing.T) {
	_, err := NewAPIKeyProvider(filepath.Join(t.TempDir(), "absent.yaml"), quietLogger())
	assert.Error(t, err)
}

func TestAPIKeyProvider_HotReload(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.yaml")
	writeKeys(t, path, keyEntry("old", "acme", "old-secret", ""))
	p, err := NewAPIKeyProvider(path, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, p.Watch(context.Background()))

	// Act: replace the file atomically.
	tmp := filepath.Join(dir, "keys.yaml.tmp")
	writeKeys(t, tmp, keyEntry("new", "acme", "new-secret", ""))
	require.NoError(t, os.Rename(tmp, path))

	// Assert
	require.Eventually(t, func() bool {
		_, err := p.Validate(context.Background(), "new-secret")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	_, err = p.Validate(context.Background(), "old-secret")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAPIKeyProvider_BadReloadKeepsKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	writeKeys(t, path, keyEntry("k", "acme", "s", ""))
	p, err := NewAPIKeyProvider(path, quietLogger())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("keys: [\n"), 0o600))
	assert.ErrorIs(t, p.Reload(), ErrKeyFile)

	_, err = p.Validate(context.Background(), "s")
	assert.NoError(t, err)
}

func TestAPIKeyProvider_CloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	writeKeys(t, path, keyEntry("k", "acme", "s", ""))
	p, err := NewAPIKeyProvider(path, quietLogger())
	require.NoError(t, err)
	require.NoError(t, p.Watch(context.Background()))

	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}
