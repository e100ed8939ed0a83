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
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/proxinex/proxinex-api/internal/mail"
	"github.com/proxinex/proxinex-api/internal/notifications"
	"github.com/proxinex/proxinex-api/internal/plans"
	"github.com/proxinex/proxinex-api/internal/resilience"
	"github.com/proxinex/proxinex-api/internal/store"
)

// memBilling is a MemoryStore whose upserts can be made to fail
type memBilling struct {
	*MemoryStore
	upsertErr error
}

func newMemBilling(now time.Time) *memBilling {
	m := NewMemoryStore()
	m.now = func() time.Time { return now }
	return &memBilling{MemoryStore: m}
}

func (m *memBilling) UpsertSubscription(ctx context.Context, s store.Subscription) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	return m.MemoryStore.UpsertSubscription(ctx, s)
}

type fakeOrders struct {
	mu       sync.Mutex
	requests []OrderRequest
	err      error
}

func (f *fakeOrders) CreateOrder(_ context.Context, req OrderRequest) (*Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &Order{
		ID:          fmt.Sprintf("order_%d", len(f.requests)),
		AmountPaise: req.AmountPaise,
		Currency:    req.Currency,
		Receipt:     req.Receipt,
		Status:      "created",
		Notes:       req.Notes,
	}, nil
}

func (f *fakeOrders) KeyID() string { return "rzp_test_key" }

func (f *fakeOrders) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	return signature == Sign("rzp_test_secret", []byte(orderID+"|"+paymentID))
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	fail map[string]error
}

func (f *fakeMailer) Send(_ context.Context, msg mail.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, to := range msg.To {
		if err := f.fail[to]; err != nil {
			return "", err
		}
	}
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("email-%d", len(f.sent)), nil
}

type billingFixture struct {
	svc      *Service
	db       *memBilling
	orders   *fakeOrders
	mailer   *fakeMailer
	notifier *notifications.Service
	now      time.Time
}

func newBillingFixture(t *testing.T) *billingFixture {
	t.Helper()
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	logger := zaptest.NewLogger(t)

	f := &billingFixture{
		db:       newMemBilling(now),
		orders:   &fakeOrders{},
		mailer:   &fakeMailer{fail: map[string]error{}},
		notifier: notifications.NewService(notifications.NewMemoryStore(), logger),
		now:      now,
	}
	f.db.profiles["u1"] = store.Profile{ID: "u1", Email: "asha@example.com", FullName: "Asha Rao"}
	f.db.profiles["u2"] = store.Profile{ID: "u2", Email: "ravi@example.com", FullName: "Ravi"}

	f.svc = NewService(Deps{
		Subscriptions: f.db,
		Payments:      f.db,
		Orders:        f.orders,
		Webhooks:      NewWebhookVerifier(testWebhookSecret, logger),
		Mailer:        f.mailer,
		Notifier:      f.notifier,
	}, Config{Seller: Seller{Name: "Proxinex", GSTIN: "29ABCDE1234F1Z5"}}, logger)
	f.svc.now = func() time.Time { return now }
	return f
}

func (f *billingFixture) inbox(t *testing.T, userID string) []store.Notification {
	t.Helper()
	inbox, err := f.notifier.List(context.Background(), userID, false, 0)
	require.NoError(t, err)
	return inbox.Notifications
}

func requireStatus(t *testing.T, err error, status int) {
	t.Helper()
	var svcErr *resilience.ServiceError
	require.True(t, errors.As(err, &svcErr), "expected a ServiceError, got %v", err)
	assert.Equal(t, status, svcErr.StatusCode)
}

func TestServicePlansAndQuote(t *testing.T) {
	f := newBillingFixture(t)

	offers := f.svc.Plans()
	require.Len(t, offers, 3)
	assert.Equal(t, plans.Free, offers[0].ID)
	assert.Equal(t, int64(94282), offers[1].Monthly.TotalPaise)
	assert.Equal(t, int64(942820), offers[1].Yearly.TotalPaise)

	q, err := f.svc.Quote("PRO", "yearly")
	require.NoError(t, err)
	assert.Equal(t, int64(143820), q.TaxPaise)

	_, err = f.svc.Quote("gold", "monthly")
	requireStatus(t, err, http.StatusBadRequest)
	_, err = f.svc.Quote("pro", "weekly")
	requireStatus(t, err, http.StatusBadRequest)

	r, err := f.svc.Recommend(120, "")
	require.NoError(t, err)
	assert.Equal(t, plans.Pro, r.Plan)
	_, err = f.svc.Recommend(-3, "monthly")
	requireStatus(t, err, http.StatusBadRequest)
}

func TestServiceCreateOrder(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	checkout, err := f.svc.CreateOrder(ctx, "u1", "pro", "yearly")
	require.NoError(t, err)
	assert.Equal(t, "order_1", checkout.OrderID)
	assert.Equal(t, "rzp_test_key", checkout.KeyID)
	assert.Equal(t, int64(942820), checkout.AmountPaise)
	assert.Equal(t, "INR", checkout.Currency)

	require.Len(t, f.orders.requests, 1)
	req := f.orders.requests[0]
	assert.Equal(t, "u1", req.Notes["user_id"])
	assert.Equal(t, "pro", req.Notes["plan"])
	assert.Equal(t, "yearly", req.Notes["billing_cycle"])
	assert.LessOrEqual(t, len(req.Receipt), 40)

	p, err := f.db.GetPaymentByOrder(ctx, "order_1")
	require.NoError(t, err)
	assert.Equal(t, store.PaymentCreated, p.Status)
	assert.Equal(t, int64(143820), p.TaxPaise)
	assert.Equal(t, plans.Yearly, p.Cycle)

	_, err = f.svc.CreateOrder(ctx, "u1", "free", "monthly")
	requireStatus(t, err, http.StatusBadRequest)

	f.orders.err = &RazorpayError{StatusCode: http.StatusBadRequest, Description: "bad"}
	_, err = f.svc.CreateOrder(ctx, "u1", "pro", "monthly")
	requireStatus(t, err, http.StatusBadGateway)

	f.orders.err = resilience.ErrCircuitBreakerOpen
	_, err = f.svc.CreateOrder(ctx, "u1", "pro", "monthly")
	assert.ErrorIs(t, err, resilience.ErrCircuitBreakerOpen)
}

func TestServiceVerifyCheckout(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	checkout, err := f.svc.CreateOrder(ctx, "u1", "pro", "monthly")
	require.NoError(t, err)
	sig := Sign("rzp_test_secret", []byte(checkout.OrderID+"|pay_1"))

	activation, err := f.svc.VerifyCheckout(ctx, "u1", checkout.OrderID, "pay_1", sig)
	require.NoError(t, err)
	assert.False(t, activation.AlreadyActive)
	assert.Equal(t, plans.Pro, activation.Subscription.Plan)
	assert.Equal(t, store.StatusActive, activation.Subscription.Status)
	require.NotNil(t, activation.Subscription.CurrentPeriodEnd)
	assert.Equal(t, f.now.AddDate(0, 1, 0), *activation.Subscription.CurrentPeriodEnd)

	require.NotNil(t, activation.Invoice)
	assert.Equal(t, "PX-2026-000001", activation.Invoice.Number)
	assert.Equal(t, int64(79900), activation.Invoice.SubtotalPaise)
	assert.Equal(t, int64(94282), activation.Invoice.TotalPaise)
	assert.Equal(t, "Asha Rao", activation.Invoice.BillingName)
	assert.Equal(t, "pay_1", activation.Invoice.RazorpayPaymentID)

	require.Len(t, f.mailer.sent, 1)
	receipt := f.mailer.sent[0]
	assert.Equal(t, []string{"asha@example.com"}, receipt.To)
	require.Len(t, receipt.Attachments, 1)
	assert.Equal(t, "invoice-PX-2026-000001.pdf", receipt.Attachments[0].Filename)

	inbox := f.inbox(t, "u1")
	require.Len(t, inbox, 1)
	assert.Equal(t, notifications.KindPayment, inbox[0].Kind)

	plan, err := f.svc.CurrentPlan(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, plans.Pro, plan)

	t.Run("repeat verification activates once", func(t *testing.T) {
		again, err := f.svc.VerifyCheckout(ctx, "u1", checkout.OrderID, "pay_1", sig)
		require.NoError(t, err)
		assert.True(t, again.AlreadyActive)
		assert.Equal(t, activation.Invoice.ID, again.Invoice.ID)
		assert.Len(t, f.db.invoices, 1)
		assert.Len(t, f.mailer.sent, 1)
		assert.Equal(t, *activation.Subscription.CurrentPeriodEnd, *again.Subscription.CurrentPeriodEnd)
	})

	t.Run("bad signature", func(t *testing.T) {
		_, err := f.svc.VerifyCheckout(ctx, "u1", checkout.OrderID, "pay_1", "deadbeef")
		requireStatus(t, err, http.StatusBadRequest)
	})

	t.Run("missing fields", func(t *testing.T) {
		_, err := f.svc.VerifyCheckout(ctx, "u1", "", "pay_1", sig)
		requireStatus(t, err, http.StatusBadRequest)
	})

	t.Run("order of another user", func(t *testing.T) {
		_, err := f.svc.VerifyCheckout(ctx, "u2", checkout.OrderID, "pay_1", sig)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("unknown order", func(t *testing.T) {
		_, err := f.svc.VerifyCheckout(ctx, "u1", "order_x", "pay_1", Sign("rzp_test_secret", []byte("order_x|pay_1")))
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestServiceEarlyRenewalExtendsPeriod(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	start := f.now.AddDate(0, -1, 5)
	end := f.now.AddDate(0, 0, 5)
	f.db.subs["u1"] = store.Subscription{
		UserID: "u1", Plan: plans.Pro, Cycle: plans.Monthly, Status: store.StatusActive,
		CurrentPeriodStart: &start, CurrentPeriodEnd: &end,
	}

	checkout, err := f.svc.CreateOrder(ctx, "u1", "pro", "monthly")
	require.NoError(t, err)
	activation, err := f.svc.VerifyCheckout(ctx, "u1", checkout.OrderID, "pay_2",
		Sign("rzp_test_secret", []byte(checkout.OrderID+"|pay_2")))
	require.NoError(t, err)

	assert.Equal(t, end.AddDate(0, 1, 0), *activation.Subscription.CurrentPeriodEnd)
	assert.Equal(t, start, *activation.Subscription.CurrentPeriodStart)
	assert.Equal(t, end, *activation.Invoice.PeriodStart)
}

func TestServiceUpgradeStartsNewPeriod(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	end := f.now.AddDate(0, 0, 10)
	f.db.subs["u1"] = store.Subscription{
		UserID: "u1", Plan: plans.Pro, Cycle: plans.Monthly, Status: store.StatusActive, CurrentPeriodEnd: &end,
	}

	checkout, err := f.svc.CreateOrder(ctx, "u1", "enterprise", "yearly")
	require.NoError(t, err)
	activation, err := f.svc.VerifyCheckout(ctx, "u1", checkout.OrderID, "pay_3",
		Sign("rzp_test_secret", []byte(checkout.OrderID+"|pay_3")))
	require.NoError(t, err)
	assert.Equal(t, plans.Enterprise, activation.Subscription.Plan)
	assert.Equal(t, f.now.AddDate(1, 0, 0), *activation.Subscription.CurrentPeriodEnd)
}

func capturedWebhook(orderID, paymentID string) string {
	return fmt.Sprintf(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":%q,"order_id":%q,"amount":94282,"currency":"INR","status":"captured","notes":[]}}},"created_at":1792400000}`,
		paymentID, orderID)
}

func TestServiceHandleWebhook(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	checkout, err := f.svc.CreateOrder(ctx, "u1", "pro", "monthly")
	require.NoError(t, err)
	body := capturedWebhook(checkout.OrderID, "pay_9")
	sig := Sign(testWebhookSecret, []byte(body))

	result, err := f.svc.HandleWebhook(ctx, webhookRequest(body, sig, "evt_1"), []byte(body))
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, result.Status)
	assert.Equal(t, EventPaymentCaptured, result.Event)

	sub, err := f.svc.Subscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, plans.Pro, sub.Plan)

	t.Run("redelivery is a duplicate", func(t *testing.T) {
		result, err := f.svc.HandleWebhook(ctx, webhookRequest(body, sig, "evt_1"), []byte(body))
		require.NoError(t, err)
		assert.Equal(t, WebhookDuplicate, result.Status)
		assert.Len(t, f.db.invoices, 1)
	})

	t.Run("same capture under a new event id", func(t *testing.T) {
		result, err := f.svc.HandleWebhook(ctx, webhookRequest(body, sig, "evt_2"), []byte(body))
		require.NoError(t, err)
		assert.Equal(t, WebhookProcessed, result.Status)
		assert.Len(t, f.db.invoices, 1)
		assert.Len(t, f.mailer.sent, 1)
	})

	t.Run("bad signature", func(t *testing.T) {
		_, err := f.svc.HandleWebhook(ctx, webhookRequest(body, "00ff", "evt_3"), []byte(body))
		requireStatus(t, err, http.StatusUnauthorized)
		_, recorded := f.db.events["evt_3"]
		assert.False(t, recorded)
	})

	t.Run("malformed body", func(t *testing.T) {
		bad := `{"payload":{}}`
		_, err := f.svc.HandleWebhook(ctx, webhookRequest(bad, Sign(testWebhookSecret, []byte(bad)), ""), []byte(bad))
		requireStatus(t, err, http.StatusBadRequest)
	})

	t.Run("unknown order is ignored", func(t *testing.T) {
		other := capturedWebhook("order_missing", "pay_x")
		result, err := f.svc.HandleWebhook(ctx, webhookRequest(other, Sign(testWebhookSecret, []byte(other)), ""), []byte(other))
		require.NoError(t, err)
		assert.Equal(t, WebhookIgnored, result.Status)
	})

	t.Run("unknown event is ignored", func(t *testing.T) {
		refund := `{"event":"refund.created","payload":{}}`
		result, err := f.svc.HandleWebhook(ctx, webhookRequest(refund, Sign(testWebhookSecret, []byte(refund)), "evt_r"), []byte(refund))
		require.NoError(t, err)
		assert.Equal(t, WebhookIgnored, result.Status)
	})
}

func TestServiceWebhookFailureAllowsRedelivery(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	checkout, err := f.svc.CreateOrder(ctx, "u1", "pro", "monthly")
	require.NoError(t, err)
	body := capturedWebhook(checkout.OrderID, "pay_5")
	sig := Sign(testWebhookSecret, []byte(body))

	f.db.upsertErr = errors.New("connection reset")
	_, err = f.svc.HandleWebhook(ctx, webhookRequest(body, sig, "evt_fail"), []byte(body))
	require.Error(t, err)
	_, recorded := f.db.events["evt_fail"]
	assert.False(t, recorded, "failed event must be released")

	f.db.upsertErr = nil
	result, err := f.svc.HandleWebhook(ctx, webhookRequest(body, sig, "evt_fail"), []byte(body))
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, result.Status)

	sub, err := f.svc.Subscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, plans.Pro, sub.Plan, "payment captured on the failed attempt is activated on redelivery")
	assert.Len(t, f.db.invoices, 1)
}

func TestServicePaymentFailedWebhook(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	checkout, err := f.svc.CreateOrder(ctx, "u1", "pro", "monthly")
	require.NoError(t, err)
	body := fmt.Sprintf(`{"event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_f","order_id":%q,"status":"failed","error_code":"BAD_REQUEST_ERROR","error_description":"Card declined by bank"}}}}`, checkout.OrderID)

	result, err := f.svc.HandleWebhook(ctx, webhookRequest(body, Sign(testWebhookSecret, []byte(body)), "evt_f"), []byte(body))
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, result.Status)

	p, err := f.db.GetPaymentByOrder(ctx, checkout.OrderID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentFailed, p.Status)
	assert.Equal(t, "Card declined by bank", p.FailureReason)

	inbox := f.inbox(t, "u1")
	require.Len(t, inbox, 1)
	assert.Contains(t, inbox[0].Body, "Card declined by bank")

	sub, err := f.svc.Subscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, plans.Free, sub.Plan)
}

func TestServiceSubscriptionWebhooks(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	send := func(t *testing.T, body string) *WebhookResult {
		t.Helper()
		result, err := f.svc.HandleWebhook(ctx, webhookRequest(body, Sign(testWebhookSecret, []byte(body)), ""), []byte(body))
		require.NoError(t, err)
		return result
	}

	// 2026-10-19 and 2026-11-19 UTC
	charged := `{"event":"subscription.charged","payload":{"subscription":{"entity":{"id":"sub_1","status":"active","current_start":1792368000,"current_end":1795046400,"notes":{"user_id":"u2","plan":"pro","billing_cycle":"monthly"}}}}}`
	assert.Equal(t, WebhookProcessed, send(t, charged).Status)

	sub, err := f.svc.Subscription(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, plans.Pro, sub.Plan)
	assert.Equal(t, "sub_1", sub.RazorpaySubscriptionID)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, time.Unix(1795046400, 0).UTC(), *sub.CurrentPeriodEnd)

	cancelled := `{"event":"subscription.cancelled","payload":{"subscription":{"entity":{"id":"sub_1","status":"cancelled","notes":[]}}}}`
	assert.Equal(t, WebhookProcessed, send(t, cancelled).Status)

	sub, err = f.svc.Subscription(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, store.StatusCancelled, sub.Status)
	assert.Equal(t, plans.Pro, EffectivePlan(*sub, f.now), "cancelled plans run to the end of the period")

	unknown := `{"event":"subscription.halted","payload":{"subscription":{"entity":{"id":"sub_404","notes":[]}}}}`
	assert.Equal(t, WebhookIgnored, send(t, unknown).Status)

	assert.Len(t, f.inbox(t, "u2"), 2)
}

func TestServiceDowngrade(t *testing.T) {
	ctx := context.Background()

	t.Run("free plan is unchanged", func(t *testing.T) {
		f := newBillingFixture(t)
		result, err := f.svc.Downgrade(ctx, "u1", false)
		require.NoError(t, err)
		assert.False(t, result.Changed)
		assert.Equal(t, plans.Free, result.Subscription.Plan)
	})

	t.Run("scheduled at period end", func(t *testing.T) {
		f := newBillingFixture(t)
		end := f.now.AddDate(0, 0, 12)
		f.db.subs["u1"] = store.Subscription{UserID: "u1", Plan: plans.Pro, Cycle: plans.Monthly, Status: store.StatusActive, CurrentPeriodEnd: &end}

		result, err := f.svc.Downgrade(ctx, "u1", false)
		require.NoError(t, err)
		assert.True(t, result.Changed)
		assert.False(t, result.Immediate)
		assert.Equal(t, end, result.EffectiveAt)
		assert.True(t, f.db.subs["u1"].CancelAtPeriodEnd)
		assert.Equal(t, plans.Pro, f.db.subs["u1"].Plan)

		again, err := f.svc.Downgrade(ctx, "u1", false)
		require.NoError(t, err)
		assert.False(t, again.Changed)
		assert.Len(t, f.inbox(t, "u1"), 1)
	})

	t.Run("immediate", func(t *testing.T) {
		f := newBillingFixture(t)
		end := f.now.AddDate(0, 0, 12)
		f.db.subs["u1"] = store.Subscription{UserID: "u1", Plan: plans.Enterprise, Cycle: plans.Yearly, Status: store.StatusActive, CurrentPeriodEnd: &end, RazorpaySubscriptionID: "sub_1"}

		result, err := f.svc.Downgrade(ctx, "u1", true)
		require.NoError(t, err)
		assert.True(t, result.Changed)
		assert.True(t, result.Immediate)
		assert.Equal(t, plans.Free, f.db.subs["u1"].Plan)
		assert.Empty(t, f.db.subs["u1"].RazorpaySubscriptionID)
	})
}

func TestServiceSendRenewalReminders(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	soon := f.now.Add(48 * time.Hour)
	later := f.now.AddDate(0, 0, 20)
	f.db.subs["u1"] = store.Subscription{UserID: "u1", Plan: plans.Pro, Cycle: plans.Monthly, Status: store.StatusActive, CurrentPeriodEnd: &soon}
	f.db.subs["u2"] = store.Subscription{UserID: "u2", Plan: plans.Pro, Cycle: plans.Yearly, Status: store.StatusActive, CurrentPeriodEnd: &soon}
	f.db.subs["u3"] = store.Subscription{UserID: "u3", Plan: plans.Pro, Cycle: plans.Monthly, Status: store.StatusActive, CurrentPeriodEnd: &later}
	f.mailer.fail["ravi@example.com"] = &mail.APIError{StatusCode: http.StatusUnprocessableEntity, Body: "invalid"}

	report, err := f.svc.SendRenewalReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Failed)

	require.Len(t, f.mailer.sent, 1)
	assert.Equal(t, []string{"asha@example.com"}, f.mailer.sent[0].To)
	assert.Contains(t, f.mailer.sent[0].Text, "₹942.82")
	assert.Equal(t, "renewal_reminder", f.mailer.sent[0].Tags["type"])

	require.NotNil(t, f.db.subs["u1"].ReminderSentFor)
	assert.Nil(t, f.db.subs["u2"].ReminderSentFor, "failed reminders are retried")
	assert.Len(t, f.inbox(t, "u1"), 1)
	assert.Empty(t, f.inbox(t, "u2"))

	delete(f.mailer.fail, "ravi@example.com")
	report, err = f.svc.SendRenewalReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Sent)
}

func TestServiceRenewalRemindersWithoutMailer(t *testing.T) {
	f := newBillingFixture(t)
	f.svc.deps.Mailer = nil
	soon := f.now.Add(24 * time.Hour)
	f.db.subs["u1"] = store.Subscription{UserID: "u1", Plan: plans.Pro, Cycle: plans.Monthly, Status: store.StatusActive, CurrentPeriodEnd: &soon}

	report, err := f.svc.SendRenewalReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Nil(t, f.db.subs["u1"].ReminderSentFor)
}

func TestServiceDowngradeExpired(t *testing.T) {
	f := newBillingFixture(t)
	past := f.now.Add(-time.Hour)
	future := f.now.AddDate(0, 0, 3)
	beyondGrace := f.now.Add(-store.RenewalGrace - time.Hour)
	f.db.subs["u1"] = store.Subscription{UserID: "u1", Plan: plans.Pro, Status: store.StatusActive, CancelAtPeriodEnd: true, CurrentPeriodEnd: &past}
	f.db.subs["u2"] = store.Subscription{UserID: "u2", Plan: plans.Pro, Status: store.StatusHalted, CurrentPeriodEnd: &past}
	f.db.subs["u3"] = store.Subscription{UserID: "u3", Plan: plans.Pro, Status: store.StatusActive, CancelAtPeriodEnd: true, CurrentPeriodEnd: &future}
	f.db.subs["u4"] = store.Subscription{UserID: "u4", Plan: plans.Pro, Status: store.StatusActive, CurrentPeriodEnd: &past, RazorpaySubscriptionID: "sub_4"}
	f.db.subs["u5"] = store.Subscription{UserID: "u5", Plan: plans.Pro, Status: store.StatusActive, CurrentPeriodEnd: &past}
	f.db.subs["u6"] = store.Subscription{UserID: "u6", Plan: plans.Enterprise, Status: store.StatusActive, CurrentPeriodEnd: &beyondGrace, RazorpaySubscriptionID: "sub_6"}

	report, err := f.svc.DowngradeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, 4, report.Downgraded)
	assert.Equal(t, plans.Free, f.db.subs["u1"].Plan)
	assert.Equal(t, plans.Free, f.db.subs["u2"].Plan)
	assert.Equal(t, plans.Pro, f.db.subs["u3"].Plan)
	assert.Equal(t, plans.Pro, f.db.subs["u4"].Plan, "renewing subscriptions keep their plan inside the grace window")
	assert.Equal(t, plans.Free, f.db.subs["u5"].Plan, "order-based plans end with their period")
	assert.Equal(t, plans.Free, f.db.subs["u6"].Plan, "renewal that never arrived")
}

func TestServiceOrderPlanLapsesAtPeriodEnd(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	checkout, err := f.svc.CreateOrder(ctx, "u1", "pro", "monthly")
	require.NoError(t, err)
	activation, err := f.svc.VerifyCheckout(ctx, "u1", checkout.OrderID, "pay_1",
		Sign("rzp_test_secret", []byte(checkout.OrderID+"|pay_1")))
	require.NoError(t, err)
	end := *activation.Subscription.CurrentPeriodEnd

	plan, err := f.svc.CurrentPlan(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, plans.Pro, plan)

	later := end.Add(time.Minute)
	f.svc.now = func() time.Time { return later }

	plan, err = f.svc.CurrentPlan(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, plans.Free, plan, "no cancellation is needed for a one-time order to end")

	report, err := f.svc.DowngradeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Downgraded)
	assert.Equal(t, plans.Free, f.db.subs["u1"].Plan)
}

func TestServiceReplayAfterDowngrade(t *testing.T) {
	ctx := context.Background()

	activate := func(t *testing.T, f *billingFixture) (*Checkout, *Activation, string) {
		t.Helper()
		checkout, err := f.svc.CreateOrder(ctx, "u1", "pro", "monthly")
		require.NoError(t, err)
		sig := Sign("rzp_test_secret", []byte(checkout.OrderID+"|pay_1"))
		activation, err := f.svc.VerifyCheckout(ctx, "u1", checkout.OrderID, "pay_1", sig)
		require.NoError(t, err)

		_, err = f.svc.Downgrade(ctx, "u1", true)
		require.NoError(t, err)
		require.Equal(t, plans.Free, f.db.subs["u1"].Plan)
		return checkout, activation, sig
	}

	t.Run("verify", func(t *testing.T) {
		f := newBillingFixture(t)
		checkout, first, sig := activate(t, f)

		again, err := f.svc.VerifyCheckout(ctx, "u1", checkout.OrderID, "pay_1", sig)
		require.NoError(t, err)
		assert.True(t, again.AlreadyActive)
		assert.Equal(t, plans.Free, again.Subscription.Plan)
		assert.Equal(t, first.Invoice.ID, again.Invoice.ID)
		assert.Equal(t, plans.Free, f.db.subs["u1"].Plan)
		assert.Len(t, f.db.invoices, 1)
		assert.Len(t, f.mailer.sent, 1)
	})

	t.Run("webhook capture", func(t *testing.T) {
		f := newBillingFixture(t)
		checkout, _, _ := activate(t, f)

		for _, event := range []string{"evt_a", "evt_b"} {
			body := capturedWebhook(checkout.OrderID, "pay_1")
			result, err := f.svc.HandleWebhook(ctx, webhookRequest(body, Sign(testWebhookSecret, []byte(body)), event), []byte(body))
			require.NoError(t, err)
			assert.Equal(t, WebhookProcessed, result.Status)
		}

		plan, err := f.svc.CurrentPlan(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, plans.Free, plan)
		assert.Len(t, f.db.invoices, 1)
	})
}

func TestServiceCaptureResumesUnfinishedActivation(t *testing.T) {
	ctx := context.Background()

	t.Run("plan never written", func(t *testing.T) {
		f := newBillingFixture(t)
		checkout, err := f.svc.CreateOrder(ctx, "u1", "pro", "monthly")
		require.NoError(t, err)
		_, _, err = f.db.MarkPaymentCaptured(ctx, checkout.OrderID, "pay_1")
		require.NoError(t, err)

		activation, err := f.svc.VerifyCheckout(ctx, "u1", checkout.OrderID, "pay_1",
			Sign("rzp_test_secret", []byte(checkout.OrderID+"|pay_1")))
		require.NoError(t, err)
		assert.False(t, activation.AlreadyActive)
		assert.Equal(t, plans.Pro, f.db.subs["u1"].Plan)
		require.NotNil(t, activation.Invoice)
		assert.Len(t, f.db.invoices, 1)
	})

	t.Run("invoice never issued", func(t *testing.T) {
		f := newBillingFixture(t)
		checkout, err := f.svc.CreateOrder(ctx, "u1", "pro", "monthly")
		require.NoError(t, err)
		_, _, err = f.db.MarkPaymentCaptured(ctx, checkout.OrderID, "pay_1")
		require.NoError(t, err)
		end := f.now.AddDate(0, 1, 0)
		f.db.subs["u1"] = store.Subscription{UserID: "u1", Plan: plans.Pro, Cycle: plans.Monthly, Status: store.StatusActive, CurrentPeriodStart: &f.now, CurrentPeriodEnd: &end}

		activation, err := f.svc.VerifyCheckout(ctx, "u1", checkout.OrderID, "pay_1",
			Sign("rzp_test_secret", []byte(checkout.OrderID+"|pay_1")))
		require.NoError(t, err)
		assert.True(t, activation.AlreadyActive)
		require.NotNil(t, activation.Invoice)
		assert.Equal(t, end, *activation.Invoice.PeriodEnd)
		assert.Equal(t, end, *f.db.subs["u1"].CurrentPeriodEnd, "the period is not extended twice")
		assert.Len(t, f.db.invoices, 1)
	})
}

func TestEffectivePlan(t *testing.T) {
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	beyondGrace := now.Add(-store.RenewalGrace)

	tests := []struct {
		name     string
		sub      store.Subscription
		expected plans.ID
	}{
		{"free", store.FreeSubscription("u"), plans.Free},
		{"active paid", store.Subscription{Plan: plans.Pro, Status: store.StatusActive, CurrentPeriodEnd: &future}, plans.Pro},
		{"cancelling before end", store.Subscription{Plan: plans.Pro, Status: store.StatusActive, CancelAtPeriodEnd: true, CurrentPeriodEnd: &future}, plans.Pro},
		{"cancelled after end", store.Subscription{Plan: plans.Pro, Status: store.StatusActive, CancelAtPeriodEnd: true, CurrentPeriodEnd: &past}, plans.Free},
		{"halted after end", store.Subscription{Plan: plans.Enterprise, Status: store.StatusHalted, CurrentPeriodEnd: &past}, plans.Free},
		{"order plan after end", store.Subscription{Plan: plans.Pro, Status: store.StatusActive, CurrentPeriodEnd: &past}, plans.Free},
		{"order plan at end", store.Subscription{Plan: plans.Pro, Status: store.StatusActive, CurrentPeriodEnd: &now}, plans.Free},
		{"renewal within grace", store.Subscription{Plan: plans.Enterprise, Status: store.StatusActive, CurrentPeriodEnd: &past, RazorpaySubscriptionID: "sub_1"}, plans.Enterprise},
		{"renewal past grace", store.Subscription{Plan: plans.Enterprise, Status: store.StatusActive, CurrentPeriodEnd: &beyondGrace, RazorpaySubscriptionID: "sub_1"}, plans.Free},
		{"no period", store.Subscription{Plan: plans.Pro, Status: store.StatusActive}, plans.Pro},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, EffectivePlan(tt.sub, now))
		})
	}
}

func TestServiceInvoices(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	list, err := f.svc.Invoices(ctx, "u1")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	checkout, err := f.svc.CreateOrder(ctx, "u1", "pro", "monthly")
	require.NoError(t, err)
	activation, err := f.svc.VerifyCheckout(ctx, "u1", checkout.OrderID, "pay_1",
		Sign("rzp_test_secret", []byte(checkout.OrderID+"|pay_1")))
	require.NoError(t, err)

	list, err = f.svc.Invoices(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	data, inv, err := f.svc.InvoicePDF(ctx, "u1", activation.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, activation.Invoice.Number, inv.Number)
	assert.Equal(t, "%PDF-", string(data[:5]))

	_, _, err = f.svc.InvoicePDF(ctx, "u2", activation.Invoice.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, err = f.svc.InvoicePDF(ctx, "u1", " ")
	requireStatus(t, err, http.StatusBadRequest)
}
