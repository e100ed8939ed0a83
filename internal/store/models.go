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

package store

import (
	"encoding/json"
	"time"

	"github.com/proxinex/proxinex-api/internal/plans"
)

// Subscription statuses
const (
	StatusActive    = "active"
	StatusPastDue   = "past_due"
	StatusCancelled = "cancelled"
	StatusHalted    = "halted"
)

// RenewalGrace is how long a Razorpay-renewed subscription keeps its plan
// past the period end while the charge webhook is outstanding
const RenewalGrace = 72 * time.Hour

// Renews reports whether Razorpay extends the period on its own
func (s Subscription) Renews() bool {
	return s.RazorpaySubscriptionID != "" && s.Status == StatusActive && !s.CancelAtPeriodEnd
}

// Lapsed reports whether a paid plan has run out at now. Order-based plans
// end with their period; auto-renewing ones get RenewalGrace on top.
func (s Subscription) Lapsed(now time.Time) bool {
	if !s.Plan.Paid() || s.CurrentPeriodEnd == nil {
		return false
	}
	end := *s.CurrentPeriodEnd
	if s.Renews() {
		end = end.Add(RenewalGrace)
	}
	return !end.After(now)
}

// Payment statuses
const (
	PaymentCreated  = "created"
	PaymentCaptured = "captured"
	PaymentFailed   = "failed"
)

// Profile is the account record mirrored from the auth provider
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscription is a user's current plan. Users without a row are on free.
type Subscription struct {
	UserID                 string      `json:"user_id"`
	Plan                   plans.ID    `json:"plan"`
	Cycle                  plans.Cycle `json:"billing_cycle"`
	Status                 string      `json:"status"`
	CurrentPeriodStart     *time.Time  `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time  `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool        `json:"cancel_at_period_end"`
	RazorpaySubscriptionID string      `json:"razorpay_subscription_id,omitempty"`
	ReminderSentFor        *time.Time  `json:"-"`
	UpdatedAt              time.Time   `json:"updated_at"`
}

// FreeSubscription is the implicit subscription of a user with no row
func FreeSubscription(userID string) Subscription {
	return Subscription{
		UserID: userID,
		Plan:   plans.Free,
		Cycle:  plans.Monthly,
		Status: StatusActive,
	}
}

// Payment is one Razorpay order and its outcome
type Payment struct {
	ID            string      `json:"id"`
	UserID        string      `json:"user_id"`
	OrderID       string      `json:"razorpay_order_id"`
	PaymentID     string      `json:"razorpay_payment_id,omitempty"`
	Plan          plans.ID    `json:"plan"`
	Cycle         plans.Cycle `json:"billing_cycle"`
	AmountPaise   int64       `json:"amount_paise"`
	TaxPaise      int64       `json:"tax_paise"`
	Currency      string      `json:"currency"`
	Status        string      `json:"status"`
	FailureReason string      `json:"failure_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Invoice is a GST invoice issued for a captured payment
type Invoice struct {
	ID                string      `json:"id"`
	Number            string      `json:"invoice_number"`
	UserID            string      `json:"user_id"`
	PaymentID         string      `json:"payment_id,omitempty"`
	RazorpayPaymentID string      `json:"razorpay_payment_id,omitempty"`
	Plan              plans.ID    `json:"plan"`
	Cycle             plans.Cycle `json:"billing_cycle"`
	SubtotalPaise     int64       `json:"subtotal_paise"`
	TaxPaise          int64       `json:"tax_paise"`
	TotalPaise        int64       `json:"total_paise"`
	Currency          string      `json:"currency"`
	BillingName       string      `json:"billing_name"`
	BillingEmail      string      `json:"billing_email"`
	PeriodStart       *time.Time  `json:"period_start,omitempty"`
	PeriodEnd         *time.Time  `json:"period_end,omitempty"`
	IssuedAt          time.Time   `json:"issued_at"`
}

// ChatSession is one conversation in the history sidebar
type ChatSession struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	Model        string    `json:"model,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ChatMessage is one turn of a session. Citations holds the serialized
// citation records of an assistant answer.
type ChatMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Citations json.RawMessage `json:"citations,omitempty"`
	Model     string          `json:"model,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Document is an uploaded Memorix file
type Document struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	MimeType   string    `json:"mime_type"`
	SizeBytes  int64     `json:"size_bytes"`
	Summary    string    `json:"summary"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Chunk is a slice of a document's extracted text
type Chunk struct {
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name,omitempty"`
	Index        int     `json:"chunk_index"`
	Content      string  `json:"content"`
	Rank         float64 `json:"rank,omitempty"`
}

// Notification is an in-app message
type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Kind      string     `json:"kind"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	Link      string     `json:"link,omitempty"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
