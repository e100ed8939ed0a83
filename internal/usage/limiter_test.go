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

package usage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/proxinex/proxinex-api/internal/plans"
)

func newTestLimiter(t *testing.T, counter Counter, limits plans.Limits) *Limiter {
	t.Helper()
	l := NewLimiter(counter, limits, zaptest.NewLogger(t))
	l.now = func() time.Time { return time.Date(2025, 3, 14, 18, 30, 0, 0, time.UTC) }
	return l
}

func TestConsumeUntilLimit(t *testing.T) {
	limits := plans.DefaultLimits().WithOverrides(map[string]map[string]int{"free": {"compare": 2}})
	l := newTestLimiter(t, NewMemoryCounter(), limits)
	ctx := context.Background()

	u, err := l.Consume(ctx, "u1", plans.Free, plans.FeatureCompare)
	require.NoError(t, err)
	assert.Equal(t, 1, u.Used)
	assert.Equal(t, 1, u.Remaining)
	assert.Equal(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), u.ResetsAt)

	_, err = l.Consume(ctx, "u1", plans.Free, plans.FeatureCompare)
	require.NoError(t, err)

	u, err = l.Consume(ctx, "u1", plans.Free, plans.FeatureCompare)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLimitExceeded))
	var limitErr *LimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, 2, limitErr.Usage.Used)
	assert.Equal(t, 0, u.Remaining)

	// other users and features are independent
	_, err = l.Consume(ctx, "u2", plans.Free, plans.FeatureCompare)
	assert.NoError(t, err)
	_, err = l.Consume(ctx, "u1", plans.Free, plans.FeatureSearch)
	assert.NoError(t, err)
}

func TestConsumeZeroLimit(t *testing.T) {
	counter := NewMemoryCounter()
	l := newTestLimiter(t, counter, nil)

	_, err := l.Consume(context.Background(), "u1", plans.Free, plans.FeatureVideo)
	assert.ErrorIs(t, err, ErrLimitExceeded)

	counts, _ := counter.GetUsage(context.Background(), "u1", l.now())
	assert.Empty(t, counts)
}

func TestConsumeUnlimited(t *testing.T) {
	l := newTestLimiter(t, NewMemoryCounter(), nil)
	for i := 0; i < 50; i++ {
		u, err := l.Consume(context.Background(), "u1", plans.Enterprise, plans.FeatureSearch)
		require.NoError(t, err)
		assert.True(t, u.Unlimited)
		assert.Equal(t, -1, u.Remaining)
	}
}

func TestConsumeConcurrentNeverExceedsLimit(t *testing.T) {
	l := newTestLimiter(t, NewMemoryCounter(), nil)
	limit := l.Limits().Limit(plans.Free, plans.FeatureSearch)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < limit*3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Consume(context.Background(), "u1", plans.Free, plans.FeatureSearch); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, limit, granted)
}

func TestSnapshot(t *testing.T) {
	l := newTestLimiter(t, NewMemoryCounter(), nil)
	ctx := context.Background()
	_, _ = l.Consume(ctx, "u1", plans.Pro, plans.FeatureDocument)
	_, _ = l.Consume(ctx, "u1", plans.Pro, plans.FeatureDocument)

	snapshot, err := l.Snapshot(ctx, "u1", plans.Pro)
	require.NoError(t, err)
	require.Len(t, snapshot, len(plans.Features))
	for _, u := range snapshot {
		if u.Feature == plans.FeatureDocument {
			assert.Equal(t, 2, u.Used)
			assert.Equal(t, 48, u.Remaining)
		}
	}
}

func TestMemoryCounterDropsOldDays(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()
	day1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	_, _, _ = c.IncrementUsage(ctx, "u1", "search", day1, -1)
	_, _, _ = c.IncrementUsage(ctx, "u1", "search", day2, -1)

	old, _ := c.GetUsage(ctx, "u1", day1)
	assert.Empty(t, old)
	today, _ := c.GetUsage(ctx, "u1", day2)
	assert.Equal(t, 1, today["search"])
}

func TestRedisCounter(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := goredis.ParseURL(url)
	require.NoError(t, err)
	rdb := goredis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	counter := NewRedisCounter(rdb, "proxinex:test:"+t.Name()+":")
	day := time.Now().UTC()
	t.Cleanup(func() { rdb.Del(ctx, counter.key("u1", "search", day)) })

	for i := 1; i <= 2; i++ {
		n, ok, err := counter.IncrementUsage(ctx, "u1", "search", day, 2)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, n)
	}
	n, ok, err := counter.IncrementUsage(ctx, "u1", "search", day, 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, n)

	counts, err := counter.GetUsage(ctx, "u1", day)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["search"])
}
