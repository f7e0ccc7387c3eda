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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/AleutianAI/regpilot/pkg/extensions"
	"github.com/AleutianAI/regpilot/services/registrar/checkpoint"
	"github.com/AleutianAI/regpilot/services/registrar/datatypes"
	"github.com/AleutianAI/regpilot/services/registrar/engine"
	"github.com/AleutianAI/regpilot/services/registrar/middleware"
	"github.com/gin-gonic/gin"
)

// MaxBatchJobs caps the number of payloads in one submission.
const MaxBatchJobs = 100

const maxExportRange = 366 * 24 * time.Hour

// SubmitRequest is the body of POST /v1/jobs.
type SubmitRequest struct {
	Jobs []datatypes.Payload `json:"jobs"`
}

// SubmitResponse lists the created jobs and any payloads rejected by
// validation.
type SubmitResponse struct {
	JobIDs   []string                     `json:"job_ids"`
	Accepted []engine.AcceptedJob         `json:"accepted"`
	Rejected []*datatypes.ValidationError `json:"rejected,omitempty"`
}

// BulkStatusRequest is the body of POST /v1/jobs/status.
type BulkStatusRequest struct {
	JobIDs []string `json:"job_ids"`
}

// ExportResponse is the body of GET /v1/jobs/export.
type ExportResponse struct {
	From  time.Time        `json:"from"`
	To    time.Time        `json:"to"`
	Count int              `json:"count"`
	Jobs  []engine.JobView `json:"jobs"`
}

func audit(c *gin.Context, logger extensions.AuditLogger, ev extensions.AuditEvent) {
	if info := middleware.GetAuthInfo(c); info != nil {
		ev.TenantID, ev.KeyID = info.TenantID, info.KeyID
	}
	ev.Timestamp = time.Now().UTC()
	if err := logger.Log(c.Request.Context(), ev); err != nil {
		slog.Warn("audit log failed", "event_type", ev.EventType, "error", err)
	}
}

func outcome(err error) string {
	if err != nil {
		return extensions.AuditOutcomeRejected
	}
	return extensions.AuditOutcomeSuccess
}

// SubmitJobs handles POST /v1/jobs.
//
// Each payload is validated on its own. Valid payloads become jobs in
// INITIATED and the response is 202 even when some payloads were rejected;
// the rejections are listed in the body. When no payload is valid the
// response is 400.
func SubmitJobs(svc JobService, auditLog extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "request body must be a JSON object with a jobs array")
			return
		}
		if len(req.Jobs) == 0 {
			badRequest(c, "at least one job is required")
			return
		}
		if len(req.Jobs) > MaxBatchJobs {
			badRequest(c, fmt.Sprintf("at most %d jobs per request", MaxBatchJobs))
			return
		}

		res, err := svc.Submit(c.Request.Context(), middleware.TenantID(c), req.Jobs)
		ev := extensions.AuditEvent{
			EventType:    extensions.AuditJobsSubmitted,
			ResourceType: extensions.AuditResourceJobBatch,
			Outcome:      outcome(err),
			Metadata:     map[string]any{"submitted": len(req.Jobs)},
		}
		if res != nil {
			ev.Metadata["accepted"] = len(res.Accepted)
			ev.Metadata["rejected"] = len(res.Rejected)
		}
		audit(c, auditLog, ev)

		if err != nil {
			if res != nil && errors.Is(err, datatypes.ErrValidation) {
				c.JSON(http.StatusBadRequest, ErrorResponse{
					Error: "no job passed validation",
					Code:  CodeValidation,
					Jobs:  res.Rejected,
				})
				return
			}
			writeError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, SubmitResponse{
			JobIDs:   res.JobIDs(),
			Accepted: res.Accepted,
			Rejected: res.Rejected,
		})
	}
}

// GetJob handles GET /v1/jobs/:id.
func GetJob(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := svc.Status(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, engine.NewJobView(job))
	}
}

// RetryJob handles POST /v1/jobs/:id/retry.
func RetryJob(svc JobService, auditLog extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		job, err := svc.Retry(c.Request.Context(), middleware.TenantID(c), jobID)

		ev := extensions.AuditEvent{
			EventType:    extensions.AuditJobRetried,
			ResourceType: extensions.AuditResourceJob,
			ResourceID:   jobID,
			Outcome:      outcome(err),
		}
		if err != nil {
			ev.Metadata = map[string]any{"reason": err.Error()}
		}
		audit(c, auditLog, ev)

		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, engine.NewJobView(job))
	}
}

// ListJobs handles GET /v1/jobs?page=&per_page=.
func ListJobs(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, ok := queryInt(c, "page", 1)
		if !ok {
			return
		}
		perPage, ok := queryInt(c, "per_page", 0)
		if !ok {
			return
		}
		out, err := svc.List(c.Request.Context(), middleware.TenantID(c), page, perPage)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// BulkStatus handles POST /v1/jobs/status.
func BulkStatus(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req BulkStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "request body must be a JSON object with a job_ids array")
			return
		}
		out, err := svc.BulkStatus(c.Request.Context(), middleware.TenantID(c), req.JobIDs)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": out})
	}
}

// GetStats handles GET /v1/stats.
func GetStats(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := svc.Stats(c.Request.Context(), middleware.TenantID(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

// ExportJobs handles GET /v1/jobs/export?start_date=&end_date=.
//
// Dates are either YYYY-MM-DD (UTC) or RFC 3339. A plain end date includes
// the whole day.
func ExportJobs(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		from, _, err := parseDate(c.Query("start_date"))
		if err != nil {
			badRequest(c, "start_date: "+err.Error())
			return
		}
		to, dayOnly, err := parseDate(c.Query("end_date"))
		if err != nil {
			badRequest(c, "end_date: "+err.Error())
			return
		}
		if dayOnly {
			to = to.Add(24 * time.Hour)
		}
		if to.Sub(from) > maxExportRange {
			badRequest(c, "export range is limited to 366 days")
			return
		}

		jobs, err := svc.Export(c.Request.Context(), middleware.TenantID(c), from, to)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, ExportResponse{From: from, To: to, Count: len(jobs), Jobs: jobs})
	}
}

func parseDate(raw string) (time.Time, bool, error) {
	if raw == "" {
		return time.Time{}, false, errors.New("is required")
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, errors.New("must be YYYY-MM-DD or RFC 3339")
	}
	return t.UTC(), false, nil
}

// SubmitCheckpoint handles POST /v1/jobs/:id/checkpoint. A 202 means the
// value was handed to the parked worker; the outcome of the stage it
// unblocks is visible through GET /v1/jobs/:id.
func SubmitCheckpoint(gw CheckpointService, auditLog extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		var sub checkpoint.Submission
		if err := c.ShouldBindJSON(&sub); err != nil {
			badRequest(c, "request body must be a JSON object with kind and value")
			return
		}
		kind := sub.Kind

		err := gw.Submit(c.Request.Context(), middleware.TenantID(c), jobID, &sub)

		ev := extensions.AuditEvent{
			EventType:    extensions.AuditCheckpointSubmit,
			ResourceType: extensions.AuditResourceJob,
			ResourceID:   jobID,
			Outcome:      outcome(err),
			Metadata:     map[string]any{"kind": string(kind)},
		}
		if err != nil {
			ev.Metadata["reason"] = errorCode(err)
		}
		audit(c, auditLog, ev)

		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "kind": kind, "status": "resumed"})
	}
}

// GetChallenge handles GET /v1/jobs/:id/challenge.
func GetChallenge(gw CheckpointService) gin.HandlerFunc {
	return func(c *gin.Context) {
		art, err := gw.Challenge(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, art)
	}
}

// errorCode names err for audit records without echoing request content.
func errorCode(err error) string {
	switch {
	case errors.Is(err, datatypes.ErrValidation):
		return CodeValidation
	case errors.Is(err, datatypes.ErrJobNotFound):
		return CodeNotFound
	case errors.Is(err, datatypes.ErrStageMismatch):
		return CodeStageMismatch
	case errors.Is(err, datatypes.ErrNotAwaitingCheckpoint):
		return CodeNotAwaiting
	default:
		return CodeInternal
	}
}
