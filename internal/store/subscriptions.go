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
	"time"

	"github.com/jackc/pgx/v5"
)

const subscriptionColumns = `user_id::text, plan, billing_cycle, status, current_period_start, current_period_end,
  cancel_at_period_end, razorpay_subscription_id, reminder_sent_for, updated_at`

// SubscriptionRepo persists subscriptions and profiles
type SubscriptionRepo struct {
	db *DB
}

// NewSubscriptionRepo creates a subscription repository
func NewSubscriptionRepo(db *DB) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.UserID, &s.Plan, &s.Cycle, &s.Status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd, &s.RazorpaySubscriptionID, &s.ReminderSentFor, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func collectSubscriptions(rows pgx.Rows) ([]Subscription, error) {
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

// GetSubscription returns the user's subscription, or the free default when none exists
func (r *SubscriptionRepo) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	s, err := scanSubscription(r.db.Pool.QueryRow(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE user_id = $1::uuid", userID))
	if errors.Is(err, pgx.ErrNoRows) {
		free := FreeSubscription(userID)
		return &free, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return s, nil
}

// FindByRazorpaySubscription looks a subscription up by its Razorpay id
func (r *SubscriptionRepo) FindByRazorpaySubscription(ctx context.Context, razorpayID string) (*Subscription, error) {
	s, err := scanSubscription(r.db.Pool.QueryRow(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE razorpay_subscription_id = $1", razorpayID))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// UpsertSubscription writes the full subscription row
func (r *SubscriptionRepo) UpsertSubscription(ctx context.Context, s Subscription) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO subscriptions (user_id, plan, billing_cycle, status, current_period_start, current_period_end,
  cancel_at_period_end, razorpay_subscription_id, reminder_sent_for, updated_at)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (user_id) DO UPDATE SET
  plan = EXCLUDED.plan,
  billing_cycle = EXCLUDED.billing_cycle,
  status = EXCLUDED.status,
  current_period_start = EXCLUDED.current_period_start,
  current_period_end = EXCLUDED.current_period_end,
  cancel_at_period_end = EXCLUDED.cancel_at_period_end,
  razorpay_subscription_id = EXCLUDED.razorpay_subscription_id,
  reminder_sent_for = EXCLUDED.reminder_sent_for,
  updated_at = now()`,
		s.UserID, s.Plan, s.Cycle, s.Status, s.CurrentPeriodStart, s.CurrentPeriodEnd,
		s.CancelAtPeriodEnd, s.RazorpaySubscriptionID, s.ReminderSentFor)
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", s.UserID, err)
	}
	return nil
}

// ListDueForReminder returns active paid subscriptions renewing before
// now+window that have not been reminded for their current period.
func (r *SubscriptionRepo) ListDueForReminder(ctx context.Context, now time.Time, window time.Duration) ([]Subscription, error) {
	rows, err := r.db.Pool.Query(ctx, "SELECT "+subscriptionColumns+`
FROM subscriptions
WHERE plan <> 'free'
  AND status = 'active'
  AND NOT cancel_at_period_end
  AND current_period_end > $1
  AND current_period_end <= $2
  AND (reminder_sent_for IS NULL OR reminder_sent_for <> current_period_end)
ORDER BY current_period_end`, now, now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("list subscriptions due for reminder: %w", err)
	}
	return collectSubscriptions(rows)
}

// MarkReminded records that the reminder for periodEnd was sent
func (r *SubscriptionRepo) MarkReminded(ctx context.Context, userID string, periodEnd time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		"UPDATE subscriptions SET reminder_sent_for = $2 WHERE user_id = $1::uuid", userID, periodEnd)
	if err != nil {
		return fmt.Errorf("mark reminded %s: %w", userID, err)
	}
	return nil
}

// ListExpired returns paid subscriptions that have lapsed at now (see
// Subscription.Lapsed).
func (r *SubscriptionRepo) ListExpired(ctx context.Context, now time.Time) ([]Subscription, error) {
	rows, err := r.db.Pool.Query(ctx, "SELECT "+subscriptionColumns+`
FROM subscriptions
WHERE plan <> 'free'
  AND current_period_end IS NOT NULL
  AND (
    (current_period_end <= $1
      AND (razorpay_subscription_id = '' OR cancel_at_period_end OR status <> 'active'))
    OR current_period_end <= $2
  )
ORDER BY current_period_end`, now, now.Add(-RenewalGrace))
	if err != nil {
		return nil, fmt.Errorf("list expired subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// GetProfile returns the user's profile
func (r *SubscriptionRepo) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := r.db.Pool.QueryRow(ctx,
		"SELECT id::text, email, full_name, created_at FROM profiles WHERE id = $1::uuid", userID,
	).Scan(&p.ID, &p.Email, &p.FullName, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// UpsertProfile records the email and name seen on the user's token
func (r *SubscriptionRepo) UpsertProfile(ctx context.Context, p Profile) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO profiles (id, email, full_name) VALUES ($1::uuid, $2, $3)
ON CONFLICT (id) DO UPDATE SET
  email = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE profiles.email END,
  full_name = CASE WHEN EXCLUDED.full_name <> '' THEN EXCLUDED.full_name ELSE profiles.full_name END,
  updated_at = now()`, p.ID, p.Email, p.FullName)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.ID, err)
	}
	return nil
}
