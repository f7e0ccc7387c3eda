// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gin handlers of the registrar API.
//
// Handlers are constructors that close over their dependencies and return a
// gin.HandlerFunc. Every job handler works on the tenant resolved by the
// auth middleware; a job of another tenant is reported as not found.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/AleutianAI/regpilot/services/registrar/checkpoint"
	"github.com/AleutianAI/regpilot/services/registrar/datatypes"
	"github.com/AleutianAI/regpilot/services/registrar/engine"
	"github.com/AleutianAI/regpilot/services/registrar/sessionpool"
	"github.com/gin-gonic/gin"
)

// JobService is the part of the orchestrator the handlers call.
type JobService interface {
	Submit(ctx context.Context, tenantID string, payloads []datatypes.Payload) (*engine.SubmitResult, error)
	Status(ctx context.Context, tenantID, jobID string) (*datatypes.Job, error)
	Retry(ctx context.Context, tenantID, jobID string) (*datatypes.Job, error)
	List(ctx context.Context, tenantID string, page, perPage int) (*engine.JobPage, error)
	Stats(ctx context.Context, tenantID string) (*engine.TenantStats, error)
	Export(ctx context.Context, tenantID string, from, to time.Time) ([]engine.JobView, error)
	BulkStatus(ctx context.Context, tenantID string, ids []string) ([]engine.BulkStatusEntry, error)
	Health(ctx context.Context) engine.Health
	Pool() []sessionpool.SessionInfo
}

// CheckpointService accepts checkpoint values from callers.
type CheckpointService interface {
	Submit(ctx context.Context, tenantID, jobID string, sub *checkpoint.Submission) error
	Challenge(ctx context.Context, tenantID, jobID string) (*datatypes.Artifact, error)
}

var (
	_ JobService        = (*engine.Orchestrator)(nil)
	_ CheckpointService = (*checkpoint.Gateway)(nil)
)

// RetryAfterSeconds is sent with every 503 so clients back off before
// resubmitting.
const RetryAfterSeconds = 5

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string                       `json:"error"`
	Code   string                       `json:"code"`
	Fields []datatypes.FieldError       `json:"fields,omitempty"`
	Jobs   []*datatypes.ValidationError `json:"rejected,omitempty"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeNotFound      = "JOB_NOT_FOUND"
	CodeNoChallenge   = "NO_CHALLENGE"
	CodeStageMismatch = "STAGE_MISMATCH"
	CodeNotAwaiting   = "NOT_AWAITING_CHECKPOINT"
	CodeNotRetryable  = "NOT_RETRYABLE"
	CodeOverloaded    = "OVERLOADED"
	CodePoolExhausted = "POOL_EXHAUSTED"
	CodeInternal      = "INTERNAL_ERROR"
)

// writeError maps err onto a status code and error body. Anything outside
// the taxonomy is logged and reported as a generic 500.
func writeError(c *gin.Context, err error) {
	var verr *datatypes.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation failed", Code: CodeValidation, Fields: verr.Fields})
	case errors.Is(err, datatypes.ErrValidation):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeValidation})
	case errors.Is(err, datatypes.ErrJobNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "job not found", Code: CodeNotFound})
	case errors.Is(err, engine.ErrNoChallenge):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: CodeNoChallenge})
	case errors.Is(err, datatypes.ErrStageMismatch):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: CodeStageMismatch})
	case errors.Is(err, datatypes.ErrNotAwaitingCheckpoint):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: CodeNotAwaiting})
	case errors.Is(err, datatypes.ErrNotRetryable):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: CodeNotRetryable})
	case errors.Is(err, datatypes.ErrOverloaded):
		c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds))
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "too many jobs in flight, retry later", Code: CodeOverloaded})
	case errors.Is(err, datatypes.ErrPoolExhausted):
		c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds))
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "no automation session available, retry later", Code: CodePoolExhausted})
	default:
		slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: CodeInternal})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: CodeValidation})
}
