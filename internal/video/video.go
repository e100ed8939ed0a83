// Copyright 2024 Proxinex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package video submits text-to-video generation jobs to the configured
// provider and polls their status (the generate-video function).
package video

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
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/resilience"
)

const (
	MinDuration     = 4
	MaxDuration     = 20
	DefaultDuration = 8
	MaxPromptLength = 2000

	maxErrorBodyBytes = 2048
)

// Aspect ratios the provider accepts
const (
	AspectLandscape = "16:9"
	AspectPortrait  = "9:16"
	AspectSquare    = "1:1"
)

// Job states
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

// ErrUnauthorized is returned when the provider rejects the API key
var ErrUnauthorized = errors.New("video: invalid API key")

// ErrNotConfigured is returned when no provider key is set
var ErrNotConfigured = errors.New("video generation is not configured")

// Request asks for one clip
type Request struct {
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
	Model           string `json:"model,omitempty"`
}

// Job is a submitted generation and its latest known state
type Job struct {
	ID       string `json:"job_id"`
	Status   string `json:"status"`
	VideoURL string `json:"video_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Done reports whether the job reached a final state
func (j *Job) Done() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

// providerJob is the provider's wire shape, which names the id "id"
type providerJob struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	VideoURL string `json:"video_url"`
	Output   struct {
		URL string `json:"url"`
	} `json:"output"`
	Error string `json:"error"`
}

func (p providerJob) job() *Job {
	j := &Job{ID: p.ID, Status: normalizeStatus(p.Status), VideoURL: p.VideoURL, Error: p.Error}
	if j.VideoURL == "" {
		j.VideoURL = p.Output.URL
	}
	return j
}

func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case "queued", "pending", "submitted", "starting":
		return StatusQueued
	case "processing", "running", "in_progress":
		return StatusProcessing
	case "succeeded", "completed", "complete", "success":
		return StatusSucceeded
	case "failed", "error", "canceled", "cancelled":
		return StatusFailed
	}
	return StatusProcessing
}

// APIError is a non-2xx answer from the provider
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("video API error (status %d): %s", e.StatusCode, e.Body)
}

// Config holds provider settings
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client talks to a JSON job API: POST /v1/videos and GET /v1/videos/{id}
type Client struct {
	config     Config
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	backoff    resilience.BackoffConfig
	logger     *zap.Logger
}

// NewClient creates a client. A nil logger disables logging.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	breakerConfig := resilience.DefaultCircuitBreakerConfig("video")
	breakerConfig.IsFailureFunc = isVendorFailure

	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    resilience.NewCircuitBreaker(breakerConfig, logger),
		backoff:    resilience.DefaultBackoffConfig(),
		logger:     logger,
	}
}

func isVendorFailure(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests {
		return false
	}
	return resilience.DefaultIsFailureFunc(err)
}

// Breaker exposes the circuit breaker for health reporting
func (c *Client) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// Validate normalizes a request and applies defaults
func Validate(req *Request) error {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return resilience.NewBadRequestError("prompt is required", nil)
	}
	if utf8.RuneCountInString(req.Prompt) > MaxPromptLength {
		return resilience.NewBadRequestError(fmt.Sprintf("prompt exceeds %d characters", MaxPromptLength), nil)
	}
	if req.DurationSeconds == 0 {
		req.DurationSeconds = DefaultDuration
	}
	if req.DurationSeconds < MinDuration || req.DurationSeconds > MaxDuration {
		return resilience.NewBadRequestError(
			fmt.Sprintf("duration_seconds must be between %d and %d", MinDuration, MaxDuration), nil)
	}
	switch req.AspectRatio {
	case "":
		req.AspectRatio = AspectLandscape
	case AspectLandscape, AspectPortrait, AspectSquare:
	default:
		return resilience.NewBadRequestError("aspect_ratio must be 16:9, 9:16 or 1:1", nil)
	}
	return nil
}

// Submit validates req and starts a generation job
func (c *Client) Submit(ctx context.Context, req Request) (*Job, error) {
	if err := Validate(&req); err != nil {
		return nil, err
	}
	if c.config.APIKey == "" || c.config.BaseURL == "" {
		return nil, resilience.NewServiceUnavailableError("video generation is not available", ErrNotConfigured)
	}
	if req.Model == "" {
		req.Model = c.config.Model
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal video request: %w", err)
	}

	var job *Job
	err = c.call(ctx, func(ctx context.Context) error {
		var p providerJob
		if err := c.do(ctx, http.MethodPost, "/v1/videos", body, &p); err != nil {
			return err
		}
		if p.ID == "" {
			return resilience.Permanent(errors.New("video provider returned no job id"))
		}
		job = p.job()
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Video job submitted",
		zap.String("job_id", job.ID),
		zap.Int("duration_seconds", req.DurationSeconds),
		zap.String("aspect_ratio", req.AspectRatio))
	return job, nil
}

// Status fetches the current state of a job
func (c *Client) Status(ctx context.Context, jobID string) (*Job, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, resilience.NewBadRequestError("job id is required", nil)
	}
	if c.config.APIKey == "" || c.config.BaseURL == "" {
		return nil, resilience.NewServiceUnavailableError("video generation is not available", ErrNotConfigured)
	}

	var job *Job
	err := c.call(ctx, func(ctx context.Context) error {
		var p providerJob
		if err := c.do(ctx, http.MethodGet, "/v1/videos/"+url.PathEscape(jobID), nil, &p); err != nil {
			return err
		}
		if p.ID == "" {
			p.ID = jobID
		}
		job = p.job()
		return nil
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, resilience.NewNotFoundError("video job not found", err)
		}
		return nil, err
	}
	return job, nil
}

func (c *Client) call(ctx context.Context, fn func(context.Context) error) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.WithExponentialBackoff(ctx, c.logger, c.backoff, fn)
	})
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return resilience.Permanent(fmt.Errorf("build video request: %w", err))
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("video request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBodyBytes))
		apiErr := &APIError{StatusCode: httpResp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		switch {
		case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
			return resilience.Permanent(fmt.Errorf("%w: %w", ErrUnauthorized, apiErr))
		case resilience.RetryableStatus(httpResp.StatusCode):
			return apiErr
		default:
			return resilience.Permanent(apiErr)
		}
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode video response: %w", err)
	}
	return nil
}
