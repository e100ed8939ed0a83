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

package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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

// DefaultRazorpayURL is the public Razorpay API endpoint
const DefaultRazorpayURL = "https://api.razorpay.com"

const maxErrorBodyBytes = 2048

// ErrRazorpayUnauthorized is returned when Razorpay rejects the key pair
var ErrRazorpayUnauthorized = errors.New("razorpay: invalid key id or secret")

// Notes are Razorpay's free-form key/value annotations. Razorpay sends an
// empty JSON array instead of an object when there are none.
type Notes map[string]string

func (n *Notes) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] == '[' || bytes.Equal(trimmed, []byte("null")) {
		*n = Notes{}
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return err
	}
	out := make(Notes, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	*n = out
	return nil
}

// OrderRequest is the body of POST /v1/orders
type OrderRequest struct {
	AmountPaise int64  `json:"amount"`
	Currency    string `json:"currency"`
	Receipt     string `json:"receipt"`
	Notes       Notes  `json:"notes,omitempty"`
}

// Order is a Razorpay order
type Order struct {
	ID          string `json:"id"`
	AmountPaise int64  `json:"amount"`
	Currency    string `json:"currency"`
	Receipt     string `json:"receipt"`
	Status      string `json:"status"`
	Notes       Notes  `json:"notes"`
}

// RazorpayError is a non-2xx answer from Razorpay
type RazorpayError struct {
	StatusCode  int
	Code        string
	Description string
	Body        string
}

func (e *RazorpayError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("razorpay API error (status %d, %s): %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("razorpay API error (status %d): %s", e.StatusCode, e.Body)
}

// RazorpayConfig holds API credentials
type RazorpayConfig struct {
	KeyID     string
	KeySecret string
	BaseURL   string
	Timeout   time.Duration
}

// RazorpayClient creates orders and verifies checkout signatures
type RazorpayClient struct {
	config     RazorpayConfig
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	backoff    resilience.BackoffConfig
	logger     *zap.Logger
}

// NewRazorpayClient creates a client. A nil logger disables logging.
func NewRazorpayClient(cfg RazorpayConfig, logger *zap.Logger) *RazorpayClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultRazorpayURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}

	breakerConfig := resilience.DefaultCircuitBreakerConfig("razorpay")
	breakerConfig.IsFailureFunc = func(err error) bool {
		var rzpErr *RazorpayError
		if errors.As(err, &rzpErr) && rzpErr.StatusCode < 500 && rzpErr.StatusCode != http.StatusTooManyRequests {
			return false
		}
		return resilience.DefaultIsFailureFunc(err)
	}

	return &RazorpayClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    resilience.NewCircuitBreaker(breakerConfig, logger),
		backoff:    resilience.DefaultBackoffConfig(),
		logger:     logger,
	}
}

// Breaker exposes the circuit breaker for health reporting
func (c *RazorpayClient) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// KeyID is the public key the checkout widget needs
func (c *RazorpayClient) KeyID() string {
	return c.config.KeyID
}

// CreateOrder creates an order. Only network errors, 429 and 5xx are retried.
func (c *RazorpayClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if req.AmountPaise <= 0 {
		return nil, errors.New("razorpay: order amount must be positive")
	}
	if req.Currency == "" {
		req.Currency = DefaultCurrency
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal razorpay order: %w", err)
	}

	var order *Order
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.WithExponentialBackoff(ctx, c.logger, c.backoff, func(ctx context.Context) error {
			var o Order
			if err := c.do(ctx, http.MethodPost, "/v1/orders", body, &o); err != nil {
				return err
			}
			order = &o
			return nil
		})
	})
	if err != nil {
		c.logger.Warn("Razorpay order failed",
			zap.String("receipt", req.Receipt),
			zap.Int64("amount_paise", req.AmountPaise),
			zap.Error(err))
		return nil, err
	}

	c.logger.Info("Razorpay order created",
		zap.String("order_id", order.ID),
		zap.String("receipt", order.Receipt),
		zap.Int64("amount_paise", order.AmountPaise))
	return order, nil
}

func (c *RazorpayClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return resilience.Permanent(fmt.Errorf("build razorpay request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.config.KeyID, c.config.KeySecret)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("razorpay request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBodyBytes))
		rzpErr := &RazorpayError{StatusCode: httpResp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		var envelope struct {
			Error struct {
				Code        string `json:"code"`
				Description string `json:"description"`
			} `json:"error"`
		}
		if json.Unmarshal(snippet, &envelope) == nil {
			rzpErr.Code = envelope.Error.Code
			rzpErr.Description = envelope.Error.Description
		}
		switch {
		case httpResp.StatusCode == http.StatusUnauthorized:
			return resilience.Permanent(fmt.Errorf("%w: %w", ErrRazorpayUnauthorized, rzpErr))
		case resilience.RetryableStatus(httpResp.StatusCode):
			return rzpErr
		default:
			return resilience.Permanent(rzpErr)
		}
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode razorpay response: %w", err)
	}
	return nil
}

// VerifyPaymentSignature checks the checkout callback signature,
// HMAC-SHA256 of "order_id|payment_id" keyed with the API secret.
func (c *RazorpayClient) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	if c.config.KeySecret == "" || orderID == "" || paymentID == "" {
		return false
	}
	return hmacHexEqual(c.config.KeySecret, []byte(orderID+"|"+paymentID), signature)
}

// Sign computes the hex HMAC-SHA256 of payload
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// hmacHexEqual compares a provided hex signature in constant time
func hmacHexEqual(secret string, payload []byte, provided string) bool {
	providedBytes, err := hex.DecodeString(strings.TrimSpace(provided))
	if err != nil || len(providedBytes) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(providedBytes, mac.Sum(nil))
}
