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

package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/resilience"
)

const (
	// DefaultBaseURL is the public Tavily API endpoint
	DefaultBaseURL = "https://api.tavily.com"
	// TopicGeneral searches the general web index
	TopicGeneral = "general"
	// TopicNews searches recent news, honouring Days
	TopicNews = "news"

	maxErrorBodyBytes = 2048
)

// ErrUnauthorized is returned when Tavily rejects the API key
var ErrUnauthorized = errors.New("tavily: invalid API key")

// SearchRequest is the Tavily /search request body
type SearchRequest struct {
	Query          string   `json:"query"`
	SearchDepth    string   `json:"search_depth,omitempty"`
	MaxResults     int      `json:"max_results,omitempty"`
	Topic          string   `json:"topic,omitempty"`
	Days           int      `json:"days,omitempty"`
	IncludeAnswer  bool     `json:"include_answer"`
	IncludeDomains []string `json:"include_domains,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
}

// Result is one search hit
type Result struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
	PublishedDate string  `json:"published_date,omitempty"`
}

// SearchResponse is the Tavily /search response body
type SearchResponse struct {
	Query        string   `json:"query"`
	Answer       string   `json:"answer,omitempty"`
	Results      []Result `json:"results"`
	ResponseTime float64  `json:"response_time"`
}

// APIError is a non-2xx answer from Tavily
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tavily API error (status %d): %s", e.StatusCode, e.Body)
}

// Config holds Tavily client settings
type Config struct {
	APIKey      string
	BaseURL     string
	SearchDepth string
	MaxResults  int
	Timeout     time.Duration
}

// TavilyClient calls the Tavily search API with retries and a circuit breaker
type TavilyClient struct {
	config     Config
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	backoff    resilience.BackoffConfig
	logger     *zap.Logger
}

// NewTavilyClient creates a client. A nil logger disables logging.
func NewTavilyClient(cfg Config, logger *zap.Logger) *TavilyClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.SearchDepth == "" {
		cfg.SearchDepth = "basic"
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 6
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}

	breakerConfig := resilience.DefaultCircuitBreakerConfig("tavily")
	breakerConfig.IsFailureFunc = isVendorFailure

	return &TavilyClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    resilience.NewCircuitBreaker(breakerConfig, logger),
		backoff:    resilience.DefaultBackoffConfig(),
		logger:     logger,
	}
}

// isVendorFailure ignores client-side rejections so a bad query cannot open the breaker
func isVendorFailure(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests {
		return false
	}
	return resilience.DefaultIsFailureFunc(err)
}

// Breaker exposes the circuit breaker for health reporting
func (c *TavilyClient) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// Search runs one query. 401/403 and other 4xx answers are not retried.
func (c *TavilyClient) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.New("tavily: query is required")
	}
	if req.SearchDepth == "" {
		req.SearchDepth = c.config.SearchDepth
	}
	if req.MaxResults <= 0 {
		req.MaxResults = c.config.MaxResults
	}
	if req.Topic == "" {
		req.Topic = TopicGeneral
	}
	if req.Topic != TopicNews {
		req.Days = 0
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal tavily request: %w", err)
	}

	start := time.Now()
	var resp *SearchResponse
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.WithExponentialBackoff(ctx, c.logger, c.backoff, func(ctx context.Context) error {
			r, err := c.do(ctx, body)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
	})
	if err != nil {
		c.logger.Warn("Tavily search failed",
			zap.Error(err),
			zap.String("topic", req.Topic),
			zap.Duration("elapsed", time.Since(start)))
		return nil, err
	}

	c.logger.Debug("Tavily search completed",
		zap.Int("results", len(resp.Results)),
		zap.String("topic", req.Topic),
		zap.Duration("elapsed", time.Since(start)))

	return resp, nil
}

func (c *TavilyClient) do(ctx context.Context, body []byte) (*SearchResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("build tavily request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tavily request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBodyBytes))
		apiErr := &APIError{StatusCode: httpResp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		switch {
		case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
			return nil, resilience.Permanent(fmt.Errorf("%w: %w", ErrUnauthorized, apiErr))
		case resilience.RetryableStatus(httpResp.StatusCode):
			return nil, apiErr
		default:
			return nil, resilience.Permanent(apiErr)
		}
	}

	var out SearchResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tavily response: %w", err)
	}
	return &out, nil
}
