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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/proxinex/proxinex-api/internal/store"
)

// MemoryStore implements SubscriptionStore and PaymentStore in process,
// for local development and tests
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	subs     map[string]store.Subscription
	profiles map[string]store.Profile
	payments map[string]*store.Payment
	invoices []store.Invoice
	events   map[string]string
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		subs:     make(map[string]store.Subscription),
		profiles: make(map[string]store.Profile),
		payments: make(map[string]*store.Payment),
		events:   make(map[string]string),
	}
}

// SetProfile stores a user profile
func (m *MemoryStore) SetProfile(p store.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
}

func (m *MemoryStore) GetSubscription(_ context.Context, userID string) (*store.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[userID]; ok {
		return &s, nil
	}
	free := store.FreeSubscription(userID)
	return &free, nil
}

func (m *MemoryStore) FindByRazorpaySubscription(_ context.Context, razorpayID string) (*store.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.RazorpaySubscriptionID == razorpayID {
			return &s, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MemoryStore) UpsertSubscription(_ context.Context, s store.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[s.UserID] = s
	return nil
}

func (m *MemoryStore) ListDueForReminder(_ context.Context, now time.Time, window time.Duration) ([]store.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Subscription
	for _, s := range m.subs {
		if !s.Plan.Paid() || s.Status != store.StatusActive || s.CancelAtPeriodEnd || s.CurrentPeriodEnd == nil {
			continue
		}
		end := *s.CurrentPeriodEnd
		if !end.After(now) || end.After(now.Add(window)) {
			continue
		}
		if s.ReminderSentFor != nil && s.ReminderSentFor.Equal(end) {
			continue
		}
		out = append(out, s)
	}
	sortByPeriodEnd(out)
	return out, nil
}

func (m *MemoryStore) MarkReminded(_ context.Context, userID string, periodEnd time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[userID]
	if !ok {
		return store.ErrNotFound
	}
	s.ReminderSentFor = &periodEnd
	m.subs[userID] = s
	return nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time) ([]store.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Subscription
	for _, s := range m.subs {
		if s.Lapsed(now) {
			out = append(out, s)
		}
	}
	sortByPeriodEnd(out)
	return out, nil
}

func sortByPeriodEnd(subs []store.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CurrentPeriodEnd.Equal(*subs[j].CurrentPeriodEnd) {
			return subs[i].UserID < subs[j].UserID
		}
		return subs[i].CurrentPeriodEnd.Before(*subs[j].CurrentPeriodEnd)
	})
}

func (m *MemoryStore) GetProfile(_ context.Context, userID string) (*store.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) CreatePayment(_ context.Context, p store.Payment) (*store.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = fmt.Sprintf("pmt-%d", len(m.payments)+1)
	p.Status = store.PaymentCreated
	p.CreatedAt = m.now()
	m.payments[p.OrderID] = &p
	out := p
	return &out, nil
}

func (m *MemoryStore) GetPaymentByOrder(_ context.Context, orderID string) (*store.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (m *MemoryStore) MarkPaymentCaptured(_ context.Context, orderID, paymentID string) (*store.Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[orderID]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	changed := p.Status != store.PaymentCaptured
	if changed {
		p.Status = store.PaymentCaptured
		p.PaymentID = paymentID
		p.FailureReason = ""
	}
	out := *p
	return &out, changed, nil
}

func (m *MemoryStore) MarkPaymentFailed(_ context.Context, orderID, paymentID, reason string) (*store.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[orderID]
	if !ok || p.Status == store.PaymentCaptured {
		return nil, store.ErrNotFound
	}
	p.Status = store.PaymentFailed
	p.PaymentID = paymentID
	p.FailureReason = reason
	out := *p
	return &out, nil
}

// CreateInvoice is idempotent per payment
func (m *MemoryStore) CreateInvoice(_ context.Context, inv store.Invoice) (*store.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.invoices {
		if existing.PaymentID == inv.PaymentID {
			out := existing
			return &out, nil
		}
	}
	now := m.now()
	inv.ID = fmt.Sprintf("inv-%d", len(m.invoices)+1)
	inv.Number = fmt.Sprintf("PX-%d-%06d", now.Year(), len(m.invoices)+1)
	inv.IssuedAt = now
	m.invoices = append(m.invoices, inv)
	return &inv, nil
}

func (m *MemoryStore) InvoiceForPayment(_ context.Context, paymentID string) (*store.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invoices {
		if inv.PaymentID == paymentID {
			return &inv, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MemoryStore) GetInvoice(_ context.Context, userID, invoiceID string) (*store.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invoices {
		if inv.ID == invoiceID && inv.UserID == userID {
			return &inv, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MemoryStore) ListInvoices(_ context.Context, userID string) ([]store.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Invoice
	for i := len(m.invoices) - 1; i >= 0; i-- {
		if m.invoices[i].UserID == userID {
			out = append(out, m.invoices[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) RecordWebhookEvent(_ context.Context, eventID, eventType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; ok {
		return false, nil
	}
	m.events[eventID] = eventType
	return true, nil
}

func (m *MemoryStore) ForgetWebhookEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, eventID)
	return nil
}
