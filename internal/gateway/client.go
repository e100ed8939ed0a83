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

// Package gateway is the client for the OpenAI-compatible AI gateway that
// routes chat completions to the underlying model providers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/resilience"
)

const (
	// DefaultBaseURL is the Lovable AI gateway endpoint
	DefaultBaseURL = "https://ai.gateway.lovable.dev/v1"
	// DefaultModel is used when a request names no model
	DefaultModel = "google/gemini-2.5-flash"
)

var (
	// ErrCreditsExhausted is returned when the gateway answers 402
	ErrCreditsExhausted = errors.New("AI gateway credits exhausted")
	// ErrRateLimited is returned when 429 persists after retries
	ErrRateLimited = errors.New("AI gateway rate limit exceeded")
	// ErrUnauthorized is returned when the gateway rejects the API key
	ErrUnauthorized = errors.New("AI gateway rejected the API key")
	// ErrEmptyResponse is returned when the model produced no choices
	ErrEmptyResponse = errors.New("AI gateway returned no choices")
)

// Role values for Message
const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

// Message is one chat turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest asks one model for one completion
type CompletionRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Usage reports token accounting for a completion
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the first choice of a completion
type CompletionResponse struct {
	Content      string        `json:"content"`
	Model        string        `json:"model"`
	FinishReason string        `json:"finish_reason"`
	Usage        Usage         `json:"usage"`
	Latency      time.Duration `json:"-"`
}

// StatusError is a non-2xx gateway answer that maps to no sentinel
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("AI gateway error (status %d): %s", e.StatusCode, e.Message)
}

// Config holds gateway client settings
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
}

// Completer is what request handlers depend on
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Client wraps go-openai pointed at the gateway, with retries and a circuit breaker
type Client struct {
	api     *openai.Client
	config  Config
	breaker *resilience.CircuitBreaker
	backoff resilience.BackoffConfig
	logger  *zap.Logger
}

// NewClient creates a gateway client
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("AI gateway API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	apiConfig := openai.DefaultConfig(cfg.APIKey)
	apiConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	apiConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	breakerConfig := resilience.DefaultCircuitBreakerConfig("ai-gateway")
	breakerConfig.IsFailureFunc = isGatewayFailure

	logger.Info("AI gateway client initialized",
		zap.String("base_url", apiConfig.BaseURL),
		zap.String("default_model", cfg.DefaultModel))

	return &Client{
		api:     openai.NewClientWithConfig(apiConfig),
		config:  cfg,
		breaker: resilience.NewCircuitBreaker(breakerConfig, logger),
		backoff: resilience.DefaultBackoffConfig(),
		logger:  logger,
	}, nil
}

// Breaker exposes the circuit breaker for health reporting
func (c *Client) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// DefaultModel returns the configured fallback model id
func (c *Client) DefaultModel() string {
	return c.config.DefaultModel
}

// Complete runs a chat completion. 429 and 5xx are retried with backoff;
// 401, 402 and other 4xx answers fail immediately.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("completion request has no messages")
	}
	if req.Model == "" {
		req.Model = c.config.DefaultModel
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = c.config.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = c.config.Temperature
	}

	apiReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Messages:    make([]openai.ChatCompletionMessage, len(req.Messages)),
	}
	for i, m := range req.Messages {
		apiReq.Messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	start := time.Now()
	var resp openai.ChatCompletionResponse
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.WithExponentialBackoff(ctx, c.logger, c.backoff, func(ctx context.Context) error {
			r, err := c.api.CreateChatCompletion(ctx, apiReq)
			if err != nil {
				return c.handleAPIError(err)
			}
			resp = r
			return nil
		})
	})
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests {
			err = fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		c.logger.Warn("Chat completion failed",
			zap.String("model", req.Model),
			zap.Error(err),
			zap.Duration("elapsed", time.Since(start)))
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	out := &CompletionResponse{
		Content:      strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:        model,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Latency: time.Since(start),
	}

	c.logger.Debug("Chat completion succeeded",
		zap.String("model", out.Model),
		zap.Int("total_tokens", out.Usage.TotalTokens),
		zap.Duration("latency", out.Latency))

	return out, nil
}

// handleAPIError maps go-openai errors onto gateway sentinels and marks
// the ones that must not be retried.
func (c *Client) handleAPIError(err error) error {
	status, message := statusOf(err)

	switch {
	case status == 0:
		return fmt.Errorf("AI gateway request failed: %w", err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return resilience.Permanent(fmt.Errorf("%w: %s", ErrUnauthorized, message))
	case status == http.StatusPaymentRequired:
		return resilience.Permanent(fmt.Errorf("%w: %s", ErrCreditsExhausted, message))
	case resilience.RetryableStatus(status):
		return &StatusError{StatusCode: status, Message: message}
	default:
		return resilience.Permanent(&StatusError{StatusCode: status, Message: message})
	}
}

func statusOf(err error) (int, string) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode, apiErr.Message
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode, reqErr.Error()
	}
	return 0, err.Error()
}

// isGatewayFailure keeps caller-side rejections from opening the breaker
func isGatewayFailure(err error) bool {
	if errors.Is(err, ErrCreditsExhausted) || errors.Is(err, ErrUnauthorized) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode < 500 && statusErr.StatusCode != http.StatusTooManyRequests {
		return false
	}
	return resilience.DefaultIsFailureFunc(err)
}
