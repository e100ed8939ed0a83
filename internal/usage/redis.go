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
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/proxinex/proxinex-api/internal/plans"
)

// counterTTL keeps a day's keys long enough for every timezone to finish it
const counterTTL = 48 * time.Hour

// RedisCounter counts with INCR and rolls back over-limit increments with DECR
type RedisCounter struct {
	rdb    goredis.Cmdable
	prefix string
}

// NewRedisCounter creates a Redis-backed counter
func NewRedisCounter(rdb goredis.Cmdable, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "proxinex:usage:"
	}
	return &RedisCounter{rdb: rdb, prefix: prefix}
}

func (r *RedisCounter) key(userID, feature string, day time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s", r.prefix, userID, feature, day.UTC().Format(time.DateOnly))
}

// IncrementUsage implements Counter
func (r *RedisCounter) IncrementUsage(ctx context.Context, userID, feature string, day time.Time, limit int) (int, bool, error) {
	key := r.key(userID, feature, day)

	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, fmt.Errorf("redis incr %s: %w", key, err)
	}

	n := int(incr.Val())
	if limit >= 0 && n > limit {
		if err := r.rdb.Decr(ctx, key).Err(); err != nil {
			return limit, false, fmt.Errorf("redis decr %s: %w", key, err)
		}
		return n - 1, false, nil
	}
	return n, true, nil
}

// GetUsage implements Counter
func (r *RedisCounter) GetUsage(ctx context.Context, userID string, day time.Time) (map[string]int, error) {
	keys := make([]string, len(plans.Features))
	for i, f := range plans.Features {
		keys[i] = r.key(userID, string(f), day)
	}

	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget usage: %w", err)
	}

	out := make(map[string]int, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(s); err == nil {
			out[string(plans.Features[i])] = n
		}
	}
	return out, nil
}
