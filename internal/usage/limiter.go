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

// Package usage enforces the per-plan daily feature allowances.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/plans"
)

// ErrLimitExceeded is returned when a daily allowance is used up
var ErrLimitExceeded = errors.New("daily usage limit reached")

// Usage is the state of one feature's daily allowance
type Usage struct {
	Feature   plans.Feature `json:"feature"`
	Used      int           `json:"used"`
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	Unlimited bool          `json:"unlimited"`
	ResetsAt  time.Time     `json:"resets_at"`
}

// LimitError carries the exhausted allowance
type LimitError struct {
	Usage Usage
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %d of %d %s uses today", ErrLimitExceeded, e.Usage.Used, e.Usage.Limit, e.Usage.Feature)
}

// Is matches ErrLimitExceeded
func (e *LimitError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// Counter is a per-day counter backend. IncrementUsage adds one use when
// the current count is below limit (negative limit is unlimited) and
// returns the resulting count and whether the use was granted.
type Counter interface {
	IncrementUsage(ctx context.Context, userID, feature string, day time.Time, limit int) (int, bool, error)
	GetUsage(ctx context.Context, userID string, day time.Time) (map[string]int, error)
}

// Limiter checks and records feature usage against plan allowances
type Limiter struct {
	counter Counter
	limits  plans.Limits
	logger  *zap.Logger
	now     func() time.Time
}

// NewLimiter creates a limiter; nil limits means the catalog defaults
func NewLimiter(counter Counter, limits plans.Limits, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limits == nil {
		limits = plans.DefaultLimits()
	}
	return &Limiter{
		counter: counter,
		limits:  limits,
		logger:  logger,
		now:     time.Now,
	}
}

// Day returns the UTC day a timestamp is counted on
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (l *Limiter) usage(feature plans.Feature, used, limit int, day time.Time) Usage {
	u := Usage{
		Feature:  feature,
		Used:     used,
		Limit:    limit,
		ResetsAt: day.AddDate(0, 0, 1),
	}
	if limit < 0 {
		u.Unlimited = true
		u.Remaining = -1
		return u
	}
	u.Remaining = max(limit-used, 0)
	return u
}

// Consume records one use of feature for userID on plan. It returns a
// *LimitError (matching ErrLimitExceeded) when the allowance is used up.
func (l *Limiter) Consume(ctx context.Context, userID string, plan plans.ID, feature plans.Feature) (Usage, error) {
	day := Day(l.now())
	limit := l.limits.Limit(plan, feature)

	if limit == 0 {
		u := l.usage(feature, 0, 0, day)
		return u, &LimitError{Usage: u}
	}

	used, ok, err := l.counter.IncrementUsage(ctx, userID, string(feature), day, limit)
	if err != nil {
		return Usage{}, fmt.Errorf("consume %s: %w", feature, err)
	}
	u := l.usage(feature, used, limit, day)
	if !ok {
		l.logger.Info("Usage limit reached",
			zap.String("user_id", userID),
			zap.String("plan", string(plan)),
			zap.String("feature", string(feature)),
			zap.Int("limit", limit))
		return u, &LimitError{Usage: u}
	}
	return u, nil
}

// Snapshot returns today's usage of every feature
func (l *Limiter) Snapshot(ctx context.Context, userID string, plan plans.ID) ([]Usage, error) {
	day := Day(l.now())
	counts, err := l.counter.GetUsage(ctx, userID, day)
	if err != nil {
		return nil, fmt.Errorf("usage snapshot: %w", err)
	}

	out := make([]Usage, 0, len(plans.Features))
	for _, f := range plans.Features {
		out = append(out, l.usage(f, counts[string(f)], l.limits.Limit(plan, f), day))
	}
	return out, nil
}

// Limits exposes the effective allowances
func (l *Limiter) Limits() plans.Limits {
	return l.limits
}
