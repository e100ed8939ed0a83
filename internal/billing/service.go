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
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/mail"
	"github.com/proxinex/proxinex-api/internal/notifications"
	"github.com/proxinex/proxinex-api/internal/plans"
	"github.com/proxinex/proxinex-api/internal/resilience"
	"github.com/proxinex/proxinex-api/internal/store"
)

func errPaymentsDisabled() error {
	return resilience.NewServiceUnavailableError("payments are not enabled", nil)
}

// DefaultReminderWindow is how far ahead renewal reminders look
const DefaultReminderWindow = 3 * 24 * time.Hour

// SubscriptionStore persists plans and profiles
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, userID string) (*store.Subscription, error)
	FindByRazorpaySubscription(ctx context.Context, razorpayID string) (*store.Subscription, error)
	UpsertSubscription(ctx context.Context, s store.Subscription) error
	ListDueForReminder(ctx context.Context, now time.Time, window time.Duration) ([]store.Subscription, error)
	MarkReminded(ctx context.Context, userID string, periodEnd time.Time) error
	ListExpired(ctx context.Context, now time.Time) ([]store.Subscription, error)
	GetProfile(ctx context.Context, userID string) (*store.Profile, error)
}

// PaymentStore persists orders, invoices and processed webhook ids
type PaymentStore interface {
	CreatePayment(ctx context.Context, p store.Payment) (*store.Payment, error)
	GetPaymentByOrder(ctx context.Context, orderID string) (*store.Payment, error)
	MarkPaymentCaptured(ctx context.Context, orderID, paymentID string) (*store.Payment, bool, error)
	MarkPaymentFailed(ctx context.Context, orderID, paymentID, reason string) (*store.Payment, error)
	CreateInvoice(ctx context.Context, inv store.Invoice) (*store.Invoice, error)
	GetInvoice(ctx context.Context, userID, invoiceID string) (*store.Invoice, error)
	InvoiceForPayment(ctx context.Context, paymentID string) (*store.Invoice, error)
	ListInvoices(ctx context.Context, userID string) ([]store.Invoice, error)
	RecordWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error)
	ForgetWebhookEvent(ctx context.Context, eventID string) error
}

// Orders is the payment provider
type Orders interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	KeyID() string
	VerifyPaymentSignature(orderID, paymentID, signature string) bool
}

// Notifier creates in-app notifications
type Notifier interface {
	Notify(ctx context.Context, userID, kind, title, body, link string) error
}

// Deps are the collaborators of the billing service. Mailer and Notifier may be nil.
type Deps struct {
	Subscriptions SubscriptionStore
	Payments      PaymentStore
	Orders        Orders
	Webhooks      *WebhookVerifier
	Mailer        mail.Sender
	Notifier      Notifier
}

// Config holds billing settings
type Config struct {
	Currency       string
	GSTRate        float64
	ReminderWindow time.Duration
	Seller         Seller
}

type Service struct {
	deps   Deps
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates the billing service
func NewService(deps Deps, config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Currency == "" {
		config.Currency = DefaultCurrency
	}
	if config.GSTRate <= 0 {
		config.GSTRate = DefaultGSTRate
	}
	if config.ReminderWindow <= 0 {
		config.ReminderWindow = DefaultReminderWindow
	}
	if config.Seller.Name == "" {
		config.Seller.Name = "Proxinex"
	}
	return &Service{deps: deps, config: config, logger: logger, now: time.Now}
}

// PlanOffer is a catalog entry with both cycle prices
type PlanOffer struct {
	plans.Plan
	Monthly Quote `json:"monthly"`
	Yearly  Quote `json:"yearly"`
}

// Plans lists every plan with its prices
func (s *Service) Plans() []PlanOffer {
	catalog := plans.Catalog()
	out := make([]PlanOffer, 0, len(catalog))
	for _, p := range catalog {
		monthly, _ := NewQuote(p.ID, plans.Monthly, s.config.GSTRate)
		yearly, _ := NewQuote(p.ID, plans.Yearly, s.config.GSTRate)
		out = append(out, PlanOffer{Plan: p, Monthly: monthly, Yearly: yearly})
	}
	return out
}

// Quote prices a plan from user input
func (s *Service) Quote(plan, cycle string) (*Quote, error) {
	id, c, err := parsePlanCycle(plan, cycle)
	if err != nil {
		return nil, err
	}
	q, err := NewQuote(id, c, s.config.GSTRate)
	if err != nil {
		return nil, resilience.NewBadRequestError(err.Error(), err)
	}
	return &q, nil
}

// Recommend runs the pricing calculator
func (s *Service) Recommend(queriesPerDay int, cycle string) (*Recommendation, error) {
	c, err := plans.ParseCycle(cycle)
	if err != nil {
		return nil, resilience.NewBadRequestError(err.Error(), err)
	}
	r, err := RecommendPlan(queriesPerDay, c, s.config.GSTRate)
	if err != nil {
		return nil, resilience.NewBadRequestError(err.Error(), err)
	}
	return &r, nil
}

func parsePlanCycle(plan, cycle string) (plans.ID, plans.Cycle, error) {
	id, err := plans.Parse(plan)
	if err != nil {
		return "", "", resilience.NewBadRequestError(err.Error(), err)
	}
	c, err := plans.ParseCycle(cycle)
	if err != nil {
		return "", "", resilience.NewBadRequestError(err.Error(), err)
	}
	return id, c, nil
}

// EffectivePlan is the plan a subscription grants at now. A paid plan past
// its period end grants free, after store.RenewalGrace when Razorpay renews it.
func EffectivePlan(sub store.Subscription, now time.Time) plans.ID {
	if !sub.Plan.Paid() || sub.Lapsed(now) {
		return plans.Free
	}
	return sub.Plan
}

// Subscription returns the user's subscription
func (s *Service) Subscription(ctx context.Context, userID string) (*store.Subscription, error) {
	return s.deps.Subscriptions.GetSubscription(ctx, userID)
}

// CurrentPlan is the plan userID is entitled to right now
func (s *Service) CurrentPlan(ctx context.Context, userID string) (plans.ID, error) {
	sub, err := s.deps.Subscriptions.GetSubscription(ctx, userID)
	if err != nil {
		return "", err
	}
	return EffectivePlan(*sub, s.now()), nil
}

// Checkout is what the browser needs to open the Razorpay widget
type Checkout struct {
	OrderID     string `json:"order_id"`
	KeyID       string `json:"key_id"`
	AmountPaise int64  `json:"amount_paise"`
	Currency    string `json:"currency"`
	Quote       Quote  `json:"quote"`
}

// CreateOrder opens a Razorpay order for a paid plan and records it
func (s *Service) CreateOrder(ctx context.Context, userID, plan, cycle string) (*Checkout, error) {
	if s.deps.Orders == nil {
		return nil, errPaymentsDisabled()
	}
	id, c, err := parsePlanCycle(plan, cycle)
	if err != nil {
		return nil, err
	}
	if !id.Paid() {
		return nil, resilience.NewBadRequestError("choose a paid plan to check out", nil)
	}
	q, err := NewQuote(id, c, s.config.GSTRate)
	if err != nil {
		return nil, err
	}
	q.Currency = s.config.Currency

	order, err := s.deps.Orders.CreateOrder(ctx, OrderRequest{
		AmountPaise: q.TotalPaise,
		Currency:    q.Currency,
		Receipt:     "px_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
		Notes: Notes{
			"user_id":       userID,
			"plan":          string(id),
			"billing_cycle": string(c),
		},
	})
	if err != nil {
		return nil, dependencyError("could not create the payment order", err)
	}

	if _, err := s.deps.Payments.CreatePayment(ctx, store.Payment{
		UserID:      userID,
		OrderID:     order.ID,
		Plan:        id,
		Cycle:       c,
		AmountPaise: q.TotalPaise,
		TaxPaise:    q.TaxPaise,
		Currency:    q.Currency,
	}); err != nil {
		return nil, err
	}

	s.logger.Info("Checkout order created",
		zap.String("user_id", userID),
		zap.String("order_id", order.ID),
		zap.String("plan", string(id)),
		zap.String("cycle", string(c)),
		zap.Int64("total_paise", q.TotalPaise))

	return &Checkout{
		OrderID:     order.ID,
		KeyID:       s.deps.Orders.KeyID(),
		AmountPaise: q.TotalPaise,
		Currency:    q.Currency,
		Quote:       q,
	}, nil
}

// dependencyError keeps cancellation and open circuits recognizable
func dependencyError(msg string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, resilience.ErrCircuitBreakerOpen) {
		return err
	}
	return resilience.NewDependencyFailureError(msg, err)
}

// Activation is the state after a captured payment
type Activation struct {
	Subscription  store.Subscription `json:"subscription"`
	Invoice       *store.Invoice     `json:"invoice,omitempty"`
	AlreadyActive bool               `json:"already_active"`
}

// VerifyCheckout validates the checkout callback and activates the plan
func (s *Service) VerifyCheckout(ctx context.Context, userID, orderID, paymentID, signature string) (*Activation, error) {
	orderID, paymentID, signature = strings.TrimSpace(orderID), strings.TrimSpace(paymentID), strings.TrimSpace(signature)
	if orderID == "" || paymentID == "" || signature == "" {
		return nil, resilience.NewBadRequestError("order_id, payment_id and signature are required", nil)
	}
	if s.deps.Orders == nil {
		return nil, errPaymentsDisabled()
	}
	if !s.deps.Orders.VerifyPaymentSignature(orderID, paymentID, signature) {
		s.logger.Warn("Checkout signature mismatch",
			zap.String("user_id", userID),
			zap.String("order_id", orderID))
		return nil, resilience.NewBadRequestError("invalid payment signature", nil)
	}

	p, err := s.deps.Payments.GetPaymentByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, store.ErrNotFound
	}
	return s.capture(ctx, orderID, paymentID)
}

// capture marks an order paid and activates its plan exactly once. A
// payment grants one period; replaying it after a finished activation
// leaves the subscription as it is now.
func (s *Service) capture(ctx context.Context, orderID, paymentID string) (*Activation, error) {
	p, changed, err := s.deps.Payments.MarkPaymentCaptured(ctx, orderID, paymentID)
	if err != nil {
		return nil, err
	}

	current, err := s.deps.Subscriptions.GetSubscription(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	if !changed {
		act, done, err := s.replayed(ctx, p, current)
		if err != nil || done {
			return act, err
		}
	}

	now := s.now().UTC()
	periodStart := now
	start := now
	if current.Plan == p.Plan && current.Cycle == p.Cycle && current.Status == store.StatusActive &&
		current.CurrentPeriodEnd != nil && current.CurrentPeriodEnd.After(now) {
		// paying early extends the running period
		start = *current.CurrentPeriodEnd
		if current.CurrentPeriodStart != nil {
			periodStart = *current.CurrentPeriodStart
		}
	}
	end := PeriodEnd(start, p.Cycle)

	sub := store.Subscription{
		UserID:                 p.UserID,
		Plan:                   p.Plan,
		Cycle:                  p.Cycle,
		Status:                 store.StatusActive,
		CurrentPeriodStart:     &periodStart,
		CurrentPeriodEnd:       &end,
		RazorpaySubscriptionID: current.RazorpaySubscriptionID,
	}
	if err := s.deps.Subscriptions.UpsertSubscription(ctx, sub); err != nil {
		return nil, err
	}

	inv, err := s.issueInvoice(ctx, p, &start, &end)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Plan activated",
		zap.String("user_id", p.UserID),
		zap.String("order_id", orderID),
		zap.String("plan", string(p.Plan)),
		zap.Time("period_end", end),
		zap.String("invoice", inv.Number))

	s.notify(ctx, p.UserID, notifications.KindPayment, "Payment received",
		fmt.Sprintf("Your %s plan is active until %s. Invoice %s is ready.", planName(p.Plan), end.Format("2 Jan 2006"), inv.Number),
		"/billing")
	s.sendReceipt(ctx, *inv, &end)

	return &Activation{Subscription: sub, Invoice: inv}, nil
}

// replayed answers a second capture of the same order. The invoice is
// issued last, so it marks a finished activation. Without one the first
// attempt stopped part way: if the plan was already written only the
// invoice is owed, otherwise done is false and activation runs again.
func (s *Service) replayed(ctx context.Context, p *store.Payment, current *store.Subscription) (act *Activation, done bool, err error) {
	inv, err := s.deps.Payments.InvoiceForPayment(ctx, p.ID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		if current.Plan != p.Plan || current.Status != store.StatusActive || current.CurrentPeriodEnd == nil {
			s.logger.Warn("Resuming unfinished activation",
				zap.String("user_id", p.UserID),
				zap.String("order_id", p.OrderID))
			return nil, false, nil
		}
		if inv, err = s.issueInvoice(ctx, p, current.CurrentPeriodStart, current.CurrentPeriodEnd); err != nil {
			return nil, false, err
		}
	default:
		return nil, false, err
	}

	s.logger.Info("Order already captured",
		zap.String("user_id", p.UserID),
		zap.String("order_id", p.OrderID),
		zap.String("plan", string(current.Plan)))
	return &Activation{Subscription: *current, Invoice: inv, AlreadyActive: true}, true, nil
}

func (s *Service) issueInvoice(ctx context.Context, p *store.Payment, start, end *time.Time) (*store.Invoice, error) {
	var name, email string
	profile, err := s.deps.Subscriptions.GetProfile(ctx, p.UserID)
	switch {
	case err == nil:
		name, email = profile.FullName, profile.Email
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}

	return s.deps.Payments.CreateInvoice(ctx, store.Invoice{
		UserID:            p.UserID,
		PaymentID:         p.ID,
		RazorpayPaymentID: p.PaymentID,
		Plan:              p.Plan,
		Cycle:             p.Cycle,
		SubtotalPaise:     p.AmountPaise - p.TaxPaise,
		TaxPaise:          p.TaxPaise,
		TotalPaise:        p.AmountPaise,
		Currency:          p.Currency,
		BillingName:       name,
		BillingEmail:      email,
		PeriodStart:       start,
		PeriodEnd:         end,
	})
}

func (s *Service) sendReceipt(ctx context.Context, inv store.Invoice, periodEnd *time.Time) {
	if s.deps.Mailer == nil || inv.BillingEmail == "" {
		return
	}
	msg := receiptEmail(inv, periodEnd)
	attachment, err := RenderInvoice(inv, s.config.Seller, s.config.GSTRate)
	if err != nil {
		s.logger.Warn("Invoice render failed", zap.String("invoice", inv.Number), zap.Error(err))
	}
	m := mail.Message{
		To:      []string{inv.BillingEmail},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
		Tags:    map[string]string{"type": "receipt"},
	}
	if attachment != nil {
		m.Attachments = []mail.Attachment{{Filename: InvoiceFilename(inv), Content: attachment}}
	}
	if _, err := s.deps.Mailer.Send(ctx, m); err != nil {
		s.logger.Warn("Receipt email failed",
			zap.String("user_id", inv.UserID),
			zap.String("invoice", inv.Number),
			zap.Error(err))
	}
}

func (s *Service) notify(ctx context.Context, userID, kind, title, body, link string) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Notify(ctx, userID, kind, title, body, link); err != nil {
		s.logger.Warn("Notification failed",
			zap.String("user_id", userID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}

// Webhook outcomes
const (
	WebhookProcessed = "processed"
	WebhookDuplicate = "duplicate"
	WebhookIgnored   = "ignored"
)

// WebhookResult reports what a delivery did
type WebhookResult struct {
	Event  string `json:"event"`
	Status string `json:"status"`
}

// HandleWebhook verifies, deduplicates and applies one Razorpay delivery
func (s *Service) HandleWebhook(ctx context.Context, req *http.Request, body []byte) (*WebhookResult, error) {
	if s.deps.Webhooks == nil {
		return nil, resilience.NewServiceUnavailableError("webhooks are not configured", nil)
	}
	v := s.deps.Webhooks.ValidateWebhook(req, body)
	if !v.Valid {
		return nil, resilience.NewUnauthorizedError("invalid webhook signature", errors.New(v.ErrorMessage))
	}

	ev, err := ParseWebhookEvent(body)
	if err != nil {
		return nil, resilience.NewBadRequestError("malformed webhook payload", err)
	}

	key := DedupeKey(v.EventID, body)
	isNew, err := s.deps.Payments.RecordWebhookEvent(ctx, key, ev.Event)
	if err != nil {
		return nil, err
	}
	if !isNew {
		s.logger.Info("Duplicate webhook ignored", zap.String("event", ev.Event), zap.String("event_id", key))
		return &WebhookResult{Event: ev.Event, Status: WebhookDuplicate}, nil
	}

	status, err := s.dispatch(ctx, ev)
	if err != nil {
		// let the redelivery run again
		if ferr := s.deps.Payments.ForgetWebhookEvent(context.WithoutCancel(ctx), key); ferr != nil {
			s.logger.Error("Failed to release webhook event", zap.String("event_id", key), zap.Error(ferr))
		}
		s.logger.Error("Webhook processing failed", zap.String("event", ev.Event), zap.Error(err))
		return nil, err
	}

	s.logger.Info("Webhook handled",
		zap.String("event", ev.Event),
		zap.String("event_id", key),
		zap.String("status", status))
	return &WebhookResult{Event: ev.Event, Status: status}, nil
}

func (s *Service) dispatch(ctx context.Context, ev *WebhookEvent) (string, error) {
	switch ev.Event {
	case EventPaymentCaptured, EventOrderPaid:
		orderID, paymentID := "", ""
		if ev.Payload.Payment != nil {
			orderID, paymentID = ev.Payload.Payment.Entity.OrderID, ev.Payload.Payment.Entity.ID
		}
		if ev.Payload.Order != nil && ev.Payload.Order.Entity.ID != "" {
			orderID = ev.Payload.Order.Entity.ID
		}
		if orderID == "" {
			return WebhookIgnored, nil
		}
		if _, err := s.capture(ctx, orderID, paymentID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("Webhook for unknown order", zap.String("order_id", orderID))
				return WebhookIgnored, nil
			}
			return "", err
		}
		return WebhookProcessed, nil

	case EventPaymentFailed:
		if ev.Payload.Payment == nil || ev.Payload.Payment.Entity.OrderID == "" {
			return WebhookIgnored, nil
		}
		pe := ev.Payload.Payment.Entity
		reason := pe.ErrorDescription
		if reason == "" {
			reason = "payment was declined"
		}
		p, err := s.deps.Payments.MarkPaymentFailed(ctx, pe.OrderID, pe.ID, reason)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return WebhookIgnored, nil
			}
			return "", err
		}
		s.notify(ctx, p.UserID, notifications.KindPayment, "Payment failed",
			fmt.Sprintf("Your payment for the %s plan did not go through: %s. You have not been charged.", planName(p.Plan), reason),
			"/pricing")
		return WebhookProcessed, nil

	case EventSubscriptionActivated, EventSubscriptionCharged, EventSubscriptionCancelled, EventSubscriptionHalted:
		if ev.Payload.Subscription == nil {
			return WebhookIgnored, nil
		}
		return s.applySubscriptionEvent(ctx, ev.Event, ev.Payload.Subscription.Entity)
	}
	return WebhookIgnored, nil
}

func (s *Service) applySubscriptionEvent(ctx context.Context, event string, entity SubscriptionEntity) (string, error) {
	sub, err := s.deps.Subscriptions.FindByRazorpaySubscription(ctx, entity.ID)
	if errors.Is(err, store.ErrNotFound) && entity.Notes["user_id"] != "" {
		sub, err = s.deps.Subscriptions.GetSubscription(ctx, entity.Notes["user_id"])
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("Webhook for unknown subscription", zap.String("subscription_id", entity.ID))
			return WebhookIgnored, nil
		}
		return "", err
	}

	updated := *sub
	updated.RazorpaySubscriptionID = entity.ID

	switch event {
	case EventSubscriptionActivated, EventSubscriptionCharged:
		if id, err := plans.Parse(entity.Notes["plan"]); err == nil && id.Paid() {
			updated.Plan = id
		}
		if c, err := plans.ParseCycle(entity.Notes["billing_cycle"]); err == nil && entity.Notes["billing_cycle"] != "" {
			updated.Cycle = c
		}
		if !updated.Plan.Paid() {
			s.logger.Warn("Subscription webhook without a paid plan", zap.String("subscription_id", entity.ID))
			return WebhookIgnored, nil
		}
		updated.Status = store.StatusActive
		updated.CancelAtPeriodEnd = false
		if start := unixTime(entity.CurrentStart); start != nil {
			updated.CurrentPeriodStart = start
		}
		if end := unixTime(entity.CurrentEnd); end != nil {
			updated.CurrentPeriodEnd = end
		}
	case EventSubscriptionCancelled:
		updated.Status = store.StatusCancelled
		updated.CancelAtPeriodEnd = true
	case EventSubscriptionHalted:
		updated.Status = store.StatusHalted
		updated.CancelAtPeriodEnd = true
	}

	if err := s.deps.Subscriptions.UpsertSubscription(ctx, updated); err != nil {
		return "", err
	}

	switch event {
	case EventSubscriptionCharged:
		s.notify(ctx, updated.UserID, notifications.KindPlan, "Subscription renewed",
			fmt.Sprintf("Your %s plan renewed%s.", planName(updated.Plan), untilText(updated.CurrentPeriodEnd)), "/billing")
	case EventSubscriptionCancelled, EventSubscriptionHalted:
		s.notify(ctx, updated.UserID, notifications.KindPlan, "Subscription ending",
			fmt.Sprintf("Your %s plan will not renew and stays active%s.", planName(updated.Plan), untilText(updated.CurrentPeriodEnd)), "/billing")
	}
	return WebhookProcessed, nil
}

func untilText(t *time.Time) string {
	if t == nil {
		return ""
	}
	return " until " + t.Format("2 Jan 2006")
}

// DowngradeResult reports a downgrade request
type DowngradeResult struct {
	Subscription store.Subscription `json:"subscription"`
	Changed      bool               `json:"changed"`
	Immediate    bool               `json:"immediate"`
	EffectiveAt  time.Time          `json:"effective_at"`
}

// Downgrade moves the user to free, now or when the paid period ends
func (s *Service) Downgrade(ctx context.Context, userID string, immediate bool) (*DowngradeResult, error) {
	current, err := s.deps.Subscriptions.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()

	if !current.Plan.Paid() {
		return &DowngradeResult{Subscription: *current, Changed: false, Immediate: true, EffectiveAt: now}, nil
	}

	if immediate || current.CurrentPeriodEnd == nil || !current.CurrentPeriodEnd.After(now) {
		free := store.FreeSubscription(userID)
		if err := s.deps.Subscriptions.UpsertSubscription(ctx, free); err != nil {
			return nil, err
		}
		s.logger.Info("Subscription downgraded",
			zap.String("user_id", userID),
			zap.String("from_plan", string(current.Plan)),
			zap.Bool("immediate", true))
		s.notify(ctx, userID, notifications.KindPlan, "You are on the Free plan",
			fmt.Sprintf("Your %s plan has ended. Upgrade any time to get your limits back.", planName(current.Plan)), "/pricing")
		return &DowngradeResult{Subscription: free, Changed: true, Immediate: true, EffectiveAt: now}, nil
	}

	end := *current.CurrentPeriodEnd
	if current.CancelAtPeriodEnd {
		return &DowngradeResult{Subscription: *current, Changed: false, EffectiveAt: end}, nil
	}

	updated := *current
	updated.CancelAtPeriodEnd = true
	if err := s.deps.Subscriptions.UpsertSubscription(ctx, updated); err != nil {
		return nil, err
	}
	s.logger.Info("Subscription set to cancel at period end",
		zap.String("user_id", userID),
		zap.String("plan", string(current.Plan)),
		zap.Time("period_end", end))
	s.notify(ctx, userID, notifications.KindPlan, "Downgrade scheduled",
		fmt.Sprintf("Your %s plan stays active until %s, then moves to Free.", planName(current.Plan), end.Format("2 Jan 2006")), "/billing")
	return &DowngradeResult{Subscription: updated, Changed: true, EffectiveAt: end}, nil
}

// ReminderReport summarizes one reminder sweep
type ReminderReport struct {
	Checked int `json:"checked"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// SendRenewalReminders emails every subscription renewing inside the
// reminder window that was not reminded for its current period.
func (s *Service) SendRenewalReminders(ctx context.Context) (*ReminderReport, error) {
	now := s.now().UTC()
	due, err := s.deps.Subscriptions.ListDueForReminder(ctx, now, s.config.ReminderWindow)
	if err != nil {
		return nil, err
	}

	report := &ReminderReport{Checked: len(due)}
	for _, sub := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.remind(ctx, sub); err != nil {
			report.Failed++
			s.logger.Warn("Renewal reminder failed",
				zap.String("user_id", sub.UserID),
				zap.Error(err))
			continue
		}
		report.Sent++
	}

	s.logger.Info("Renewal reminders sent",
		zap.Int("checked", report.Checked),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (s *Service) remind(ctx context.Context, sub store.Subscription) error {
	if sub.CurrentPeriodEnd == nil {
		return errors.New("subscription has no period end")
	}
	if s.deps.Mailer == nil {
		return mail.ErrNotConfigured
	}
	profile, err := s.deps.Subscriptions.GetProfile(ctx, sub.UserID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	if profile.Email == "" {
		return errors.New("no email address on file")
	}
	q, err := NewQuote(sub.Plan, sub.Cycle, s.config.GSTRate)
	if err != nil {
		return err
	}

	msg := reminderEmail(*profile, sub, q)
	if _, err := s.deps.Mailer.Send(ctx, mail.Message{
		To:      []string{profile.Email},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
		Tags:    map[string]string{"type": "renewal_reminder"},
	}); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	if err := s.deps.Subscriptions.MarkReminded(ctx, sub.UserID, *sub.CurrentPeriodEnd); err != nil {
		return err
	}
	s.notify(ctx, sub.UserID, notifications.KindReminder, "Renewal coming up",
		fmt.Sprintf("Your %s plan renews on %s for ₹%s.", planName(sub.Plan), sub.CurrentPeriodEnd.Format("2 Jan 2006"), FormatPaise(q.TotalPaise)),
		"/billing")
	return nil
}

// ExpiryReport summarizes one downgrade sweep
type ExpiryReport struct {
	Checked    int `json:"checked"`
	Downgraded int `json:"downgraded"`
	Failed     int `json:"failed"`
}

// DowngradeExpired moves ended paid subscriptions that will not renew to free
func (s *Service) DowngradeExpired(ctx context.Context) (*ExpiryReport, error) {
	expired, err := s.deps.Subscriptions.ListExpired(ctx, s.now().UTC())
	if err != nil {
		return nil, err
	}

	report := &ExpiryReport{Checked: len(expired)}
	for _, sub := range expired {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.deps.Subscriptions.UpsertSubscription(ctx, store.FreeSubscription(sub.UserID)); err != nil {
			report.Failed++
			s.logger.Warn("Downgrade failed", zap.String("user_id", sub.UserID), zap.Error(err))
			continue
		}
		report.Downgraded++
		s.notify(ctx, sub.UserID, notifications.KindPlan, "You are on the Free plan",
			fmt.Sprintf("Your %s plan has ended. Upgrade any time to get your limits back.", planName(sub.Plan)), "/pricing")
	}

	s.logger.Info("Expired subscriptions downgraded",
		zap.Int("checked", report.Checked),
		zap.Int("downgraded", report.Downgraded),
		zap.Int("failed", report.Failed))
	return report, nil
}

// Invoices lists the user's invoices
func (s *Service) Invoices(ctx context.Context, userID string) ([]store.Invoice, error) {
	invoices, err := s.deps.Payments.ListInvoices(ctx, userID)
	if err != nil {
		return nil, err
	}
	if invoices == nil {
		invoices = []store.Invoice{}
	}
	return invoices, nil
}

// InvoicePDF renders one of the user's invoices
func (s *Service) InvoicePDF(ctx context.Context, userID, invoiceID string) ([]byte, *store.Invoice, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return nil, nil, resilience.NewBadRequestError("invoice_id is required", nil)
	}
	inv, err := s.deps.Payments.GetInvoice(ctx, userID, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	data, err := RenderInvoice(*inv, s.config.Seller, s.config.GSTRate)
	if err != nil {
		return nil, nil, resilience.NewInternalError("could not render the invoice", err)
	}
	return data, inv, nil
}
