// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AleutianAI/regpilot/pkg/extensions"
	"github.com/AleutianAI/regpilot/services/registrar/checkpoint"
	"github.com/AleutianAI/regpilot/services/registrar/datatypes"
	"github.com/AleutianAI/regpilot/services/registrar/engine"
	"github.com/AleutianAI/regpilot/services/registrar/middleware"
	"github.com/AleutianAI/regpilot/services/registrar/sessionpool"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeJobs struct {
	submitRes *engine.SubmitResult
	submitErr error
	submitted []datatypes.Payload

	job    *datatypes.Job
	jobErr error

	page       *engine.JobPage
	gotPage    int
	gotPerPage int
	stats      *engine.TenantStats
	exported   []engine.JobView
	gotFrom    time.Time
	gotTo      time.Time
	bulk       []engine.BulkStatusEntry
	health     engine.Health
	sessions   []sessionpool.SessionInfo
	lastTenant string
	queryErr   error
}

func (f *fakeJobs) Submit(_ context.Context, tenantID string, p []datatypes.Payload) (*engine.SubmitResult, error) {
	f.lastTenant, f.submitted = tenantID, p
	return f.submitRes, f.submitErr
}

func (f *fakeJobs) Status(_ context.Context, tenantID, _ string) (*datatypes.Job, error) {
	f.lastTenant = tenantID
	return f.job, f.jobErr
}

func (f *fakeJobs) Retry(_ context.Context, tenantID, _ string) (*datatypes.Job, error) {
	f.lastTenant = tenantID
	return f.job, f.jobErr
}

func (f *fakeJobs) List(_ context.Context, tenantID string, page, perPage int) (*engine.JobPage, error) {
	f.lastTenant, f.gotPage, f.gotPerPage = tenantID, page, perPage
	return f.page, f.queryErr
}

func (f *fakeJobs) Stats(_ context.Context, tenantID string) (*engine.TenantStats, error) {
	f.lastTenant = tenantID
	return f.stats, f.queryErr
}

func (f *fakeJobs) Export(_ context.Context, tenantID string, from, to time.Time) ([]engine.JobView, error) {
	f.lastTenant, f.gotFrom, f.gotTo = tenantID, from, to
	return f.exported, f.queryErr
}

func (f *fakeJobs) BulkStatus(_ context.Context, tenantID string, _ []string) ([]engine.BulkStatusEntry, error) {
	f.lastTenant = tenantID
	return f.bulk, f.queryErr
}

func (f *fakeJobs) Health(context.Context) engine.Health { return f.health }

func (f *fakeJobs) Pool() []sessionpool.SessionInfo { return f.sessions }

type fakeGateway struct {
	err      error
	got      *checkpoint.Submission
	gotKind  datatypes.CheckpointKind
	artifact *datatypes.Artifact
}

func (g *fakeGateway) Submit(_ context.Context, _, _ string, sub *checkpoint.Submission) error {
	g.got, g.gotKind = sub, sub.Kind
	return g.err
}

func (g *fakeGateway) Challenge(context.Context, string, string) (*datatypes.Artifact, error) {
	return g.artifact, g.err
}

type recordingAudit struct {
	events []extensions.AuditEvent
}

func (r *recordingAudit) Log(_ context.Context, e extensions.AuditEvent) error {
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAudit) Flush(context.Context) error { return nil }

func newRouter(jobs *fakeJobs, gw *fakeGateway, auditLog extensions.AuditLogger) *gin.Engine {
	r := gin.New()
	r.GET("/health", HealthCheck(jobs))
	v1 := r.Group("/v1", func(c *gin.Context) {
		middleware.SetAuthInfo(c, &extensions.AuthInfo{TenantID: "acme", KeyID: "acme-ops"})
		c.Next()
	})
	v1.POST("/jobs", SubmitJobs(jobs, auditLog))
	v1.GET("/jobs", ListJobs(jobs))
	v1.GET("/jobs/export", ExportJobs(jobs))
	v1.POST("/jobs/status", BulkStatus(jobs))
	v1.GET("/jobs/:id", GetJob(jobs))
	v1.POST("/jobs/:id/retry", RetryJob(jobs, auditLog))
	v1.POST("/jobs/:id/checkpoint", SubmitCheckpoint(gw, auditLog))
	v1.GET("/jobs/:id/challenge", GetChallenge(gw))
	v1.GET("/stats", GetStats(jobs))
	v1.GET("/pool", GetPool(jobs))
	return r
}

func do(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// =============================================================================
// Error mapping
// =============================================================================

func TestWriteError_Mapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation error", &datatypes.ValidationError{Fields: []datatypes.FieldError{{Field: "value"}}}, http.StatusBadRequest, CodeValidation},
		{"validation sentinel", fmt.Errorf("%w: bad range", datatypes.ErrValidation), http.StatusBadRequest, CodeValidation},
		{"not found", datatypes.ErrJobNotFound, http.StatusNotFound, CodeNotFound},
		{"no challenge", fmt.Errorf("%w: job is at IDENTITY_VERIFIED", engine.ErrNoChallenge), http.StatusNotFound, CodeNoChallenge},
		{"mismatch", datatypes.ErrStageMismatch, http.StatusConflict, CodeStageMismatch},
		{"not awaiting", datatypes.ErrNotAwaitingCheckpoint, http.StatusConflict, CodeNotAwaiting},
		{"not retryable", datatypes.ErrNotRetryable, http.StatusConflict, CodeNotRetryable},
		{"overloaded", fmt.Errorf("%w: 4 jobs", datatypes.ErrOverloaded), http.StatusServiceUnavailable, CodeOverloaded},
		{"pool exhausted", datatypes.ErrPoolExhausted, http.StatusServiceUnavailable, CodePoolExhausted},
		{"anything else", errors.New("disk on fire"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(&fakeJobs{jobErr: tt.err}, &fakeGateway{}, &recordingAudit{})

			w := do(r, http.MethodGet, "/v1/jobs/job-1", nil)

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.NotContains(t, resp.Error, "disk on fire")
			if tt.wantStatus == http.StatusServiceUnavailable {
				assert.Equal(t, "5", w.Header().Get("Retry-After"))
			}
		})
	}
}

// =============================================================================
// Submit
// =============================================================================

func TestSubmitJobs_Accepted(t *testing.T) {
	// Arrange
	jobs := &fakeJobs{submitRes: &engine.SubmitResult{
		Accepted: []engine.AcceptedJob{{Index: 0, JobID: "j-1"}, {Index: 2, JobID: "j-2"}},
		Rejected: []*datatypes.ValidationError{{Index: 1, Fields: []datatypes.FieldError{{Field: "identity.number"}}}},
	}}
	auditLog := &recordingAudit{}
	r := newRouter(jobs, &fakeGateway{}, auditLog)
	p := datatypes.SamplePayload()

	// Act
	w := do(r, http.MethodPost, "/v1/jobs", SubmitRequest{Jobs: []datatypes.Payload{p, p, p}})

	// Assert
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"j-1", "j-2"}, resp.JobIDs)
	assert.Len(t, resp.Rejected, 1)
	assert.Equal(t, "acme", jobs.lastTenant)
	assert.Len(t, jobs.submitted, 3)

	require.Len(t, auditLog.events, 1)
	ev := auditLog.events[0]
	assert.Equal(t, extensions.AuditJobsSubmitted, ev.EventType)
	assert.Equal(t, "acme", ev.TenantID)
	assert.Equal(t, "acme-ops", ev.KeyID)
	assert.Equal(t, 2, ev.Metadata["accepted"])
}

func TestSubmitJobs_AllRejected(t *testing.T) {
	jobs := &fakeJobs{
		submitRes: &engine.SubmitResult{Rejected: []*datatypes.ValidationError{{Index: 0}}},
		submitErr: datatypes.ErrValidation,
	}
	r := newRouter(jobs, &fakeGateway{}, &recordingAudit{})

	w := do(r, http.MethodPost, "/v1/jobs", SubmitRequest{Jobs: []datatypes.Payload{{}}})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, CodeValidation, resp.Code)
	assert.Len(t, resp.Jobs, 1)
}

func TestSubmitJobs_BadRequests(t *testing.T) {
	tooMany := SubmitRequest{Jobs: make([]datatypes.Payload, MaxBatchJobs+1)}
	tests := []struct {
		name string
		body any
	}{
		{"not json", "{"},
		{"empty batch", SubmitRequest{}},
		{"too many", tooMany},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := &fakeJobs{}
			r := newRouter(jobs, &fakeGateway{}, &recordingAudit{})

			w := do(r, http.MethodPost, "/v1/jobs", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Nil(t, jobs.submitted)
		})
	}
}

func TestSubmitJobs_Overloaded(t *testing.T) {
	jobs := &fakeJobs{submitErr: fmt.Errorf("%w: no capacity", datatypes.ErrOverloaded)}
	auditLog := &recordingAudit{}
	r := newRouter(jobs, &fakeGateway{}, auditLog)

	w := do(r, http.MethodPost, "/v1/jobs", SubmitRequest{Jobs: []datatypes.Payload{datatypes.SamplePayload()}})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
	require.Len(t, auditLog.events, 1)
	assert.Equal(t, extensions.AuditOutcomeRejected, auditLog.events[0].Outcome)
}

// =============================================================================
// Status, retry, queries
// =============================================================================

func sampleJob() *datatypes.Job {
	j := datatypes.NewJob("j-1", "acme", datatypes.SamplePayload(), time.Now(), time.Hour)
	j.Stage = datatypes.StageIdentityVerified
	j.Status = datatypes.StatusAwaitingCheckpointA
	return j
}

func TestGetJob_ReturnsViewWithoutPayload(t *testing.T) {
	r := newRouter(&fakeJobs{job: sampleJob()}, &fakeGateway{}, &recordingAudit{})

	w := do(r, http.MethodGet, "/v1/jobs/j-1", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var view map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "j-1", view["id"])
	assert.Equal(t, string(datatypes.StatusAwaitingCheckpointA), view["status"])
	assert.NotContains(t, view, "payload")
	assert.Len(t, view["history"], len(datatypes.AllStages()))
}

func TestRetryJob(t *testing.T) {
	auditLog := &recordingAudit{}
	r := newRouter(&fakeJobs{job: sampleJob()}, &fakeGateway{}, auditLog)

	w := do(r, http.MethodPost, "/v1/jobs/j-1/retry", nil)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, auditLog.events, 1)
	assert.Equal(t, extensions.AuditJobRetried, auditLog.events[0].EventType)
	assert.Equal(t, "j-1", auditLog.events[0].ResourceID)

	r = newRouter(&fakeJobs{jobErr: datatypes.ErrNotRetryable}, &fakeGateway{}, auditLog)
	w = do(r, http.MethodPost, "/v1/jobs/j-1/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListJobs_Pagination(t *testing.T) {
	jobs := &fakeJobs{page: &engine.JobPage{Page: 2, PerPage: 5, Jobs: []engine.JobView{}}}
	r := newRouter(jobs, &fakeGateway{}, &recordingAudit{})

	w := do(r, http.MethodGet, "/v1/jobs?page=2&per_page=5", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, jobs.gotPage)
	assert.Equal(t, 5, jobs.gotPerPage)

	w = do(r, http.MethodGet, "/v1/jobs?page=two", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportJobs_Dates(t *testing.T) {
	jobs := &fakeJobs{exported: []engine.JobView{{ID: "j-1"}}}
	r := newRouter(jobs, &fakeGateway{}, &recordingAudit{})

	w := do(r, http.MethodGet, "/v1/jobs/export?start_date=2026-03-01&end_date=2026-03-31", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), jobs.gotFrom)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), jobs.gotTo, "end date covers the whole day")
	var resp ExportResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	for _, q := range []string{
		"",
		"?start_date=2026-03-01",
		"?start_date=yesterday&end_date=2026-03-31",
		"?start_date=2020-01-01&end_date=2026-01-01",
	} {
		w := do(r, http.MethodGet, "/v1/jobs/export"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestBulkStatus(t *testing.T) {
	jobs := &fakeJobs{bulk: []engine.BulkStatusEntry{{ID: "j-1", Found: true}, {ID: "nope"}}}
	r := newRouter(jobs, &fakeGateway{}, &recordingAudit{})

	w := do(r, http.MethodPost, "/v1/jobs/status", BulkStatusRequest{JobIDs: []string{"j-1", "nope"}})

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Jobs []engine.BulkStatusEntry `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)
	assert.False(t, resp.Jobs[1].Found)
}

func TestGetStats(t *testing.T) {
	jobs := &fakeJobs{stats: &engine.TenantStats{Total: 3, Completed: 1, ByStage: map[string]int{"COMPLETED": 1}}}
	r := newRouter(jobs, &fakeGateway{}, &recordingAudit{})

	w := do(r, http.MethodGet, "/v1/stats", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":3`)
	assert.Equal(t, "acme", jobs.lastTenant)
}

// =============================================================================
// Checkpoint
// =============================================================================

func TestSubmitCheckpoint(t *testing.T) {
	gw := &fakeGateway{}
	auditLog := &recordingAudit{}
	r := newRouter(&fakeJobs{}, gw, auditLog)

	w := do(r, http.MethodPost, "/v1/jobs/j-1/checkpoint", map[string]string{"kind": "ONE_TIME_CODE", "value": "123456"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.NotNil(t, gw.got)
	assert.Equal(t, datatypes.CheckpointOneTimeCode, gw.gotKind)
	require.Len(t, auditLog.events, 1)
	ev := auditLog.events[0]
	assert.Equal(t, extensions.AuditCheckpointSubmit, ev.EventType)
	assert.Equal(t, "ONE_TIME_CODE", ev.Metadata["kind"])
	for _, v := range ev.Metadata {
		assert.NotEqual(t, "123456", v, "checkpoint values never reach the audit log")
	}
}

func TestSubmitCheckpoint_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"mismatch", datatypes.ErrStageMismatch, http.StatusConflict},
		{"not awaiting", datatypes.ErrNotAwaitingCheckpoint, http.StatusConflict},
		{"not found", datatypes.ErrJobNotFound, http.StatusNotFound},
		{"invalid", &datatypes.ValidationError{Fields: []datatypes.FieldError{{Field: "value", Rule: "otp"}}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditLog := &recordingAudit{}
			r := newRouter(&fakeJobs{}, &fakeGateway{err: tt.err}, auditLog)

			w := do(r, http.MethodPost, "/v1/jobs/j-1/checkpoint", map[string]string{"kind": "CHALLENGE_RESPONSE", "value": "abc"})

			assert.Equal(t, tt.wantStatus, w.Code)
			require.Len(t, auditLog.events, 1)
			assert.Equal(t, extensions.AuditOutcomeRejected, auditLog.events[0].Outcome)
			assert.NotEmpty(t, auditLog.events[0].Metadata["reason"])
		})
	}
}

func TestGetChallenge(t *testing.T) {
	r := newRouter(&fakeJobs{}, &fakeGateway{artifact: &datatypes.Artifact{Ref: "sim://j-1/challenge.png"}}, &recordingAudit{})
	w := do(r, http.MethodGet, "/v1/jobs/j-1/challenge", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "challenge.png")

	r = newRouter(&fakeJobs{}, &fakeGateway{err: engine.ErrNoChallenge}, &recordingAudit{})
	w = do(r, http.MethodGet, "/v1/jobs/j-1/challenge", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Health and pool
// =============================================================================

func TestHealthCheck(t *testing.T) {
	jobs := &fakeJobs{health: engine.Health{Healthy: true, Ledger: "ok"}}
	r := newRouter(jobs, &fakeGateway{}, &recordingAudit{})

	w := do(r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	jobs.health = engine.Health{Ledger: "closed"}
	w = do(r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy")
}

func TestGetPool(t *testing.T) {
	jobs := &fakeJobs{sessions: []sessionpool.SessionInfo{
		{Slot: 0, SessionID: "s-0", State: sessionpool.StateLeased, LeasedBy: "j-1"},
		{Slot: 1, SessionID: "s-1", State: sessionpool.StateFree},
	}}
	r := newRouter(jobs, &fakeGateway{}, &recordingAudit{})

	w := do(r, http.MethodGet, "/v1/pool", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"LEASED"`)
	assert.Contains(t, w.Body.String(), `"leased_by":"j-1"`)
}
