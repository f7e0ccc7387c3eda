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
	"log/slog"
	"time"
)

// Audit event types.
const (
	AuditJobsSubmitted    = "jobs.submitted"
	AuditCheckpointSubmit = "checkpoint.submitted"
	AuditJobRetried       = "job.retried"
	AuditOutcomeSuccess   = "success"
	AuditOutcomeRejected  = "rejected"
	AuditResourceJob      = "job"
	AuditResourceJobBatch = "job_batch"
)

// AuditEvent is one security-relevant action taken by a tenant.
//
// Checkpoint values are never part of an event; Metadata carries only the
// checkpoint kind and the rejection reason.
type AuditEvent struct {
	EventType    string
	Timestamp    time.Time
	TenantID     string
	KeyID        string
	ResourceType string
	ResourceID   string
	Outcome      string
	Metadata     map[string]any
}

// AuditLogger records audit events.
type AuditLogger interface {
	// Log records one event. Implementations should not block the request
	// path for long.
	Log(ctx context.Context, event AuditEvent) error

	// Flush writes any buffered events.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards events.
type NopAuditLogger struct{}

func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error { return nil }

func (l *NopAuditLogger) Flush(_ context.Context) error { return nil }

// SlogAuditLogger writes events as structured log records under the
// "audit" group.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger returns an AuditLogger writing to logger, or to
// slog.Default() when logger is nil.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger}
}

func (l *SlogAuditLogger) Log(ctx context.Context, e AuditEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	attrs := []any{
		slog.String("event_type", e.EventType),
		slog.Time("timestamp", e.Timestamp),
		slog.String("tenant_id", e.TenantID),
		slog.String("key_id", e.KeyID),
		slog.String("resource_type", e.ResourceType),
		slog.String("resource_id", e.ResourceID),
		slog.String("outcome", e.Outcome),
	}
	if len(e.Metadata) > 0 {
		meta := make([]any, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			meta = append(meta, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", meta...))
	}
	l.logger.InfoContext(ctx, "audit", slog.Group("audit", attrs...))
	return nil
}

func (l *SlogAuditLogger) Flush(_ context.Context) error { return nil }

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
