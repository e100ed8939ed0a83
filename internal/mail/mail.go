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

// Package mail sends transactional email through a Resend-compatible HTTP API.
package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	netmail "net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/resilience"
)

// DefaultBaseURL is the public Resend API endpoint
const DefaultBaseURL = "https://api.resend.com"

const maxErrorBodyBytes = 2048

// ErrNotConfigured is returned by Send when no API key is set
var ErrNotConfigured = errors.New("mail: not configured")

// Sender is what billing depends on
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// Attachment is a file sent with a message
type Attachment struct {
	Filename string
	Content  []byte
}

// Message is one email
type Message struct {
	From        string
	To          []string
	Subject     string
	HTML        string
	Text        string
	ReplyTo     string
	Tags        map[string]string
	Attachments []Attachment
}

type wireAttachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

type wireTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type sendRequest struct {
	From        string           `json:"from"`
	To          []string         `json:"to"`
	Subject     string           `json:"subject"`
	HTML        string           `json:"html,omitempty"`
	Text        string           `json:"text,omitempty"`
	ReplyTo     string           `json:"reply_to,omitempty"`
	Tags        []wireTag        `json:"tags,omitempty"`
	Attachments []wireAttachment `json:"attachments,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// APIError is a non-2xx answer from the mail provider
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mail API error (status %d): %s", e.StatusCode, e.Body)
}

// Config holds mail provider settings
type Config struct {
	APIKey  string
	BaseURL string
	From    string
	Timeout time.Duration
}

// Client sends mail with retries on 429 and 5xx
type Client struct {
	config     Config
	httpClient *http.Client
	backoff    resilience.BackoffConfig
	logger     *zap.Logger
}

// NewClient creates a client. Without an API key Send returns ErrNotConfigured.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		backoff:    resilience.DefaultBackoffConfig(),
		logger:     logger,
	}
}

// Configured reports whether an API key is set
func (c *Client) Configured() bool {
	return strings.TrimSpace(c.config.APIKey) != ""
}

// Send delivers msg and returns the provider's message id
func (c *Client) Send(ctx context.Context, msg Message) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	wire, err := c.build(msg)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("marshal mail request: %w", err)
	}

	var id string
	err = resilience.WithExponentialBackoff(ctx, c.logger, c.backoff, func(ctx context.Context) error {
		got, err := c.do(ctx, body)
		if err != nil {
			return err
		}
		id = got
		return nil
	})
	if err != nil {
		c.logger.Warn("Email send failed",
			zap.String("subject", wire.Subject),
			zap.Int("recipients", len(wire.To)),
			zap.Error(err))
		return "", err
	}

	c.logger.Info("Email sent",
		zap.String("message_id", id),
		zap.String("subject", wire.Subject),
		zap.Int("recipients", len(wire.To)))
	return id, nil
}

func (c *Client) build(msg Message) (*sendRequest, error) {
	from := strings.TrimSpace(msg.From)
	if from == "" {
		from = c.config.From
	}
	if from == "" {
		return nil, errors.New("mail: from address required")
	}

	to := make([]string, 0, len(msg.To))
	for _, addr := range msg.To {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, err := netmail.ParseAddress(addr); err != nil {
			return nil, fmt.Errorf("mail: invalid recipient %q: %w", addr, err)
		}
		to = append(to, addr)
	}
	if len(to) == 0 {
		return nil, errors.New("mail: at least one recipient required")
	}

	subject := strings.TrimSpace(msg.Subject)
	if subject == "" {
		return nil, errors.New("mail: subject required")
	}
	if strings.TrimSpace(msg.HTML) == "" && strings.TrimSpace(msg.Text) == "" {
		return nil, errors.New("mail: html or text content required")
	}

	req := &sendRequest{
		From:    from,
		To:      to,
		Subject: subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
		ReplyTo: strings.TrimSpace(msg.ReplyTo),
	}
	for name, value := range msg.Tags {
		req.Tags = append(req.Tags, wireTag{Name: name, Value: value})
	}
	for _, a := range msg.Attachments {
		if strings.TrimSpace(a.Filename) == "" || len(a.Content) == 0 {
			return nil, errors.New("mail: attachment needs a filename and content")
		}
		req.Attachments = append(req.Attachments, wireAttachment{
			Filename: a.Filename,
			Content:  base64.StdEncoding.EncodeToString(a.Content),
		})
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("build mail request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("mail request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBodyBytes))
		apiErr := &APIError{StatusCode: httpResp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		if resilience.RetryableStatus(httpResp.StatusCode) {
			return "", apiErr
		}
		return "", resilience.Permanent(apiErr)
	}

	var out sendResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode mail response: %w", err)
	}
	return out.ID, nil
}
