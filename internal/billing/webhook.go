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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the raw body
	SignatureHeader = "X-Razorpay-Signature"
	// EventIDHeader is unique per event and repeated on redelivery
	EventIDHeader = "X-Razorpay-Event-Id"
	// ExpectedContentType is what Razorpay posts
	ExpectedContentType = "application/json"
)

// Webhook event names
const (
	EventPaymentCaptured       = "payment.captured"
	EventPaymentFailed         = "payment.failed"
	EventOrderPaid             = "order.paid"
	EventSubscriptionActivated = "subscription.activated"
	EventSubscriptionCharged   = "subscription.charged"
	EventSubscriptionCancelled = "subscription.cancelled"
	EventSubscriptionHalted    = "subscription.halted"
)

// WebhookVerifier authenticates Razorpay webhook deliveries
type WebhookVerifier struct {
	secret string
	logger *zap.Logger
}

// ValidationResult is the outcome of validating one delivery
type ValidationResult struct {
	Valid        bool
	ErrorMessage string
	EventID      string
}

// NewWebhookVerifier creates a verifier. Without a secret every delivery is rejected.
func NewWebhookVerifier(secret string, logger *zap.Logger) *WebhookVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if secret == "" {
		logger.Warn("Razorpay webhook secret not configured - all webhook deliveries will be rejected")
	}
	return &WebhookVerifier{secret: secret, logger: logger}
}

// ValidateWebhook checks method, content type and signature of a delivery
func (v *WebhookVerifier) ValidateWebhook(req *http.Request, body []byte) *ValidationResult {
	result := &ValidationResult{EventID: strings.TrimSpace(req.Header.Get(EventIDHeader))}

	if req.Method != http.MethodPost {
		result.ErrorMessage = fmt.Sprintf("invalid HTTP method: expected POST, got %s", req.Method)
		return result
	}
	if ct := req.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, ExpectedContentType) {
		result.ErrorMessage = fmt.Sprintf("expected %s, got %s", ExpectedContentType, ct)
		v.logger.Warn("Webhook validation failed", zap.String("reason", result.ErrorMessage))
		return result
	}
	if err := v.VerifySignature(body, req.Header.Get(SignatureHeader)); err != nil {
		result.ErrorMessage = err.Error()
		v.logger.Warn("Webhook signature validation failed", zap.Error(err))
		return result
	}

	result.Valid = true
	return result
}

// VerifySignature checks signature against the raw body
func (v *WebhookVerifier) VerifySignature(body []byte, signature string) error {
	if v.secret == "" {
		return fmt.Errorf("webhook secret not configured")
	}
	if strings.TrimSpace(signature) == "" {
		return fmt.Errorf("missing %s header", SignatureHeader)
	}
	if !hmacHexEqual(v.secret, body, signature) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// WebhookEvent is the envelope of every Razorpay webhook
type WebhookEvent struct {
	Event     string         `json:"event"`
	AccountID string         `json:"account_id"`
	Contains  []string       `json:"contains"`
	Payload   WebhookPayload `json:"payload"`
	CreatedAt int64          `json:"created_at"`
}

// WebhookPayload holds whichever entities the event carries
type WebhookPayload struct {
	Payment *struct {
		Entity PaymentEntity `json:"entity"`
	} `json:"payment,omitempty"`
	Order *struct {
		Entity OrderEntity `json:"entity"`
	} `json:"order,omitempty"`
	Subscription *struct {
		Entity SubscriptionEntity `json:"entity"`
	} `json:"subscription,omitempty"`
}

// PaymentEntity is a Razorpay payment
type PaymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	AmountPaise      int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	Method           string `json:"method"`
	Email            string `json:"email"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
	Notes            Notes  `json:"notes"`
}

// OrderEntity is a Razorpay order as sent in webhooks
type OrderEntity struct {
	ID          string `json:"id"`
	AmountPaise int64  `json:"amount"`
	Status      string `json:"status"`
	Receipt     string `json:"receipt"`
	Notes       Notes  `json:"notes"`
}

// SubscriptionEntity is a Razorpay subscription
type SubscriptionEntity struct {
	ID           string `json:"id"`
	PlanID       string `json:"plan_id"`
	Status       string `json:"status"`
	CurrentStart int64  `json:"current_start"`
	CurrentEnd   int64  `json:"current_end"`
	Notes        Notes  `json:"notes"`
}

// ParseWebhookEvent decodes a verified webhook body
func ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("webhook has no event name")
	}
	return &ev, nil
}

// DedupeKey is the event id header, or a digest of the body when it is missing
func DedupeKey(eventID string, body []byte) string {
	if eventID != "" {
		return eventID
	}
	sum := sha256.Sum256(body)
	return "body:" + hex.EncodeToString(sum[:])
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
