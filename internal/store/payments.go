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
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const paymentColumns = `id::text, user_id::text, razorpay_order_id, razorpay_payment_id, plan, billing_cycle,
  amount_paise, tax_paise, currency, status, failure_reason, created_at, updated_at`

const invoiceColumns = `id::text, invoice_number, user_id::text, COALESCE(payment_id::text, ''), razorpay_payment_id,
  plan, billing_cycle, subtotal_paise, tax_paise, total_paise, currency, billing_name, billing_email,
  period_start, period_end, issued_at`

// PaymentRepo persists payments, invoices and processed webhook events
type PaymentRepo struct {
	db *DB
}

// NewPaymentRepo creates a payment repository
func NewPaymentRepo(db *DB) *PaymentRepo {
	return &PaymentRepo{db: db}
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.UserID, &p.OrderID, &p.PaymentID, &p.Plan, &p.Cycle,
		&p.AmountPaise, &p.TaxPaise, &p.Currency, &p.Status, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.Number, &inv.UserID, &inv.PaymentID, &inv.RazorpayPaymentID,
		&inv.Plan, &inv.Cycle, &inv.SubtotalPaise, &inv.TaxPaise, &inv.TotalPaise, &inv.Currency,
		&inv.BillingName, &inv.BillingEmail, &inv.PeriodStart, &inv.PeriodEnd, &inv.IssuedAt)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// CreatePayment records a new order
func (r *PaymentRepo) CreatePayment(ctx context.Context, p Payment) (*Payment, error) {
	created, err := scanPayment(r.db.Pool.QueryRow(ctx, `
INSERT INTO payments (user_id, razorpay_order_id, plan, billing_cycle, amount_paise, tax_paise, currency, status)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, 'created')
RETURNING `+paymentColumns,
		p.UserID, p.OrderID, p.Plan, p.Cycle, p.AmountPaise, p.TaxPaise, p.Currency))
	if err != nil {
		return nil, fmt.Errorf("create payment for order %s: %w", p.OrderID, err)
	}
	return created, nil
}

// GetPaymentByOrder returns the payment for a Razorpay order id
func (r *PaymentRepo) GetPaymentByOrder(ctx context.Context, orderID string) (*Payment, error) {
	p, err := scanPayment(r.db.Pool.QueryRow(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE razorpay_order_id = $1", orderID))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// MarkPaymentCaptured moves an order to captured. changed is false when it
// was already captured, so repeated deliveries activate the plan once.
func (r *PaymentRepo) MarkPaymentCaptured(ctx context.Context, orderID, paymentID string) (p *Payment, changed bool, err error) {
	p, err = scanPayment(r.db.Pool.QueryRow(ctx, `
UPDATE payments SET status = 'captured', razorpay_payment_id = $2, failure_reason = '', updated_at = now()
WHERE razorpay_order_id = $1 AND status <> 'captured'
RETURNING `+paymentColumns, orderID, paymentID))
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("capture payment %s: %w", orderID, err)
	}
	p, err = r.GetPaymentByOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	return p, false, nil
}

// MarkPaymentFailed records a failed attempt unless the order was captured
func (r *PaymentRepo) MarkPaymentFailed(ctx context.Context, orderID, paymentID, reason string) (*Payment, error) {
	p, err := scanPayment(r.db.Pool.QueryRow(ctx, `
UPDATE payments SET status = 'failed', razorpay_payment_id = $2, failure_reason = $3, updated_at = now()
WHERE razorpay_order_id = $1 AND status <> 'captured'
RETURNING `+paymentColumns, orderID, paymentID, reason))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// CreateInvoice issues an invoice with the next sequential number. A second
// invoice for the same payment returns the existing one.
func (r *PaymentRepo) CreateInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	var paymentID *string
	if inv.PaymentID != "" {
		paymentID = &inv.PaymentID
		if existing, err := scanInvoice(r.db.Pool.QueryRow(ctx,
			"SELECT "+invoiceColumns+" FROM invoices WHERE payment_id = $1::uuid", inv.PaymentID)); err == nil {
			return existing, nil
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("find invoice for payment %s: %w", inv.PaymentID, err)
		}
	}

	created, err := scanInvoice(r.db.Pool.QueryRow(ctx, `
INSERT INTO invoices (invoice_number, user_id, payment_id, razorpay_payment_id, plan, billing_cycle,
  subtotal_paise, tax_paise, total_paise, currency, billing_name, billing_email, period_start, period_end)
VALUES ('PX-' || to_char(now(), 'YYYY') || '-' || lpad(nextval('invoice_number_seq')::text, 6, '0'),
  $1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING `+invoiceColumns,
		inv.UserID, paymentID, inv.RazorpayPaymentID, inv.Plan, inv.Cycle,
		inv.SubtotalPaise, inv.TaxPaise, inv.TotalPaise, inv.Currency, inv.BillingName, inv.BillingEmail,
		inv.PeriodStart, inv.PeriodEnd))
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	return created, nil
}

// GetInvoice returns an invoice owned by userID
func (r *PaymentRepo) GetInvoice(ctx context.Context, userID, invoiceID string) (*Invoice, error) {
	inv, err := scanInvoice(r.db.Pool.QueryRow(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE id::text = $1 AND user_id = $2::uuid", invoiceID, userID))
	if err != nil {
		return nil, notFound(err)
	}
	return inv, nil
}

// InvoiceForPayment returns the invoice issued for a payment row
func (r *PaymentRepo) InvoiceForPayment(ctx context.Context, paymentID string) (*Invoice, error) {
	inv, err := scanInvoice(r.db.Pool.QueryRow(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE payment_id::text = $1", paymentID))
	if err != nil {
		return nil, notFound(err)
	}
	return inv, nil
}

// ListInvoices returns the user's invoices, newest first
func (r *PaymentRepo) ListInvoices(ctx context.Context, userID string) ([]Invoice, error) {
	rows, err := r.db.Pool.Query(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE user_id = $1::uuid ORDER BY issued_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	out := make([]Invoice, 0, 8)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		out = append(out, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invoices: %w", err)
	}
	return out, nil
}

// RecordWebhookEvent stores an event id and reports whether it is new
func (r *PaymentRepo) RecordWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		"INSERT INTO webhook_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("record webhook event %s: %w", eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ForgetWebhookEvent removes an event id so a redelivery is processed again
func (r *PaymentRepo) ForgetWebhookEvent(ctx context.Context, eventID string) error {
	if _, err := r.db.Pool.Exec(ctx, "DELETE FROM webhook_events WHERE event_id = $1", eventID); err != nil {
		return fmt.Errorf("forget webhook event %s: %w", eventID, err)
	}
	return nil
}
