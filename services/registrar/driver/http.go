// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/regpilot/services/registrar/datatypes"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// =============================================================================
// HTTP Automation Driver
// =============================================================================

// HTTPConfig configures a driver that delegates stages to a remote
// automation worker (typically a browser farm sidecar).
type HTTPConfig struct {
	// BaseURL of the automation worker, e.g. "http://automation:9515".
	BaseURL string `yaml:"base_url"`

	// Token is sent as a bearer token when set.
	Token string `yaml:"token"`

	// RequestTimeout caps any single HTTP exchange. Stage calls are further
	// bounded by the context the orchestrator passes in.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// HTTPFactory opens sessions on a remote automation worker.
//
// Worker protocol:
//
//	POST   /v1/sessions               -> {"session_id": "..."}
//	POST   /v1/sessions/{id}/stages   -> stageResponse
//	DELETE /v1/sessions/{id}
type HTTPFactory struct {
	base   *url.URL
	token  string
	client *http.Client
}

// NewHTTPFactory validates cfg and builds a traced HTTP client.
func NewHTTPFactory(cfg HTTPConfig) (*HTTPFactory, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid automation worker URL %q", cfg.BaseURL)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPFactory{
		base:  base,
		token: cfg.Token,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type openSessionResponse struct {
	SessionID string `json:"session_id"`
}

// NewSession implements Factory.
func (f *HTTPFactory) NewSession(ctx context.Context) (Session, error) {
	var resp openSessionResponse
	if err := f.do(ctx, http.MethodPost, "/v1/sessions", nil, &resp); err != nil {
		return nil, fmt.Errorf("open automation session: %w", err)
	}
	if resp.SessionID == "" {
		return nil, errors.New("open automation session: worker returned no session id")
	}
	return &httpSession{id: resp.SessionID, factory: f}, nil
}

type stageRequestBody struct {
	JobID      string             `json:"job_id"`
	Stage      datatypes.Stage    `json:"stage"`
	Attempt    int                `json:"attempt"`
	Payload    *datatypes.Payload `json:"payload"`
	Checkpoint *checkpointBody    `json:"checkpoint,omitempty"`
}

type checkpointBody struct {
	Kind          datatypes.CheckpointKind `json:"kind"`
	Value         string                   `json:"value"`
	SecondaryCode string                   `json:"secondary_code,omitempty"`
}

// stageResponse is the worker's verdict on one stage.
type stageResponse struct {
	Outcome        string              `json:"outcome"`
	Message        string              `json:"message,omitempty"`
	SessionCorrupt bool                `json:"session_corrupt,omitempty"`
	Detail         json.RawMessage     `json:"detail,omitempty"`
	Artifact       *datatypes.Artifact `json:"artifact,omitempty"`
}

type httpSession struct {
	id      string
	factory *HTTPFactory
}

func (s *httpSession) ID() string {
	return s.id
}

// RunStage implements Session.
func (s *httpSession) RunStage(ctx context.Context, req StageRequest) (StageResult, error) {
	body := stageRequestBody{
		JobID:   req.JobID,
		Stage:   req.Stage,
		Attempt: req.Attempt,
		Payload: req.Payload,
	}
	if req.Checkpoint != nil {
		body.Checkpoint = &checkpointBody{
			Kind:          req.Checkpoint.Kind,
			Value:         req.Checkpoint.Value,
			SecondaryCode: req.Checkpoint.SecondaryCode,
		}
	}

	var resp stageResponse
	if err := s.factory.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(s.id)+"/stages", body, &resp); err != nil {
		return StageResult{}, err
	}

	switch resp.Outcome {
	case "success":
		detail, err := datatypes.DecodeDetail(req.Stage, resp.Detail)
		if err != nil {
			return StageResult{}, Fatal(err, false)
		}
		return StageResult{Detail: detail, Artifact: resp.Artifact}, nil
	case "transient":
		return StageResult{}, Transient(errors.New(resp.Message))
	case "fatal":
		return StageResult{}, Fatal(errors.New(resp.Message), resp.SessionCorrupt)
	default:
		return StageResult{}, Fatal(fmt.Errorf("unknown outcome %q", resp.Outcome), true)
	}
}

// Close implements Session.
func (s *httpSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.factory.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(s.id), nil, nil)
}

// do performs one JSON exchange and classifies transport failures.
func (f *HTTPFactory) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return Fatal(fmt.Errorf("encode request: %w", err), false)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.base.String()+path, reader)
	if err != nil {
		return Fatal(fmt.Errorf("build request: %w", err), false)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return Transient(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Transient(fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Transient(fmt.Errorf("%s %s: worker returned %d", method, path, resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return Fatal(fmt.Errorf("%s %s: session no longer exists", method, path), true)
	case resp.StatusCode >= 400:
		return Fatal(fmt.Errorf("%s %s: worker returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(payload))), false)
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return Fatal(fmt.Errorf("decode response: %w", err), true)
	}
	return nil
}

var (
	_ Factory = (*HTTPFactory)(nil)
	_ Session = (*httpSession)(nil)
)
