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

// UsageRepo persists per-day feature counters
type UsageRepo struct {
	db *DB
}

// NewUsageRepo creates a usage repository
func NewUsageRepo(db *DB) *UsageRepo {
	return &UsageRepo{db: db}
}

// IncrementUsage adds one use of feature on day when the count is below
// limit (negative limit means unlimited). It returns the count after the
// call and whether the use was granted.
func (r *UsageRepo) IncrementUsage(ctx context.Context, userID, feature string, day time.Time, limit int) (int, bool, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, `
INSERT INTO usage_counters (user_id, feature, day, count)
VALUES ($1::uuid, $2, $3::date, 1)
ON CONFLICT (user_id, feature, day) DO UPDATE SET count = usage_counters.count + 1
WHERE $4 < 0 OR usage_counters.count < $4
RETURNING count`, userID, feature, day.UTC().Format(time.DateOnly), limit).Scan(&count)
	if err == nil {
		return count, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("increment usage %s/%s: %w", userID, feature, err)
	}

	counts, err := r.GetUsage(ctx, userID, day)
	if err != nil {
		return 0, false, err
	}
	return counts[feature], false, nil
}

// GetUsage returns the feature counts of userID on day
func (r *UsageRepo) GetUsage(ctx context.Context, userID string, day time.Time) (map[string]int, error) {
	rows, err := r.db.Pool.Query(ctx,
		"SELECT feature, count FROM usage_counters WHERE user_id = $1::uuid AND day = $2::date",
		userID, day.UTC().Format(time.DateOnly))
	if err != nil {
		return nil, fmt.Errorf("get usage %s: %w", userID, err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var feature string
		var count int
		if err := rows.Scan(&feature, &count); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out[feature] = count
	}
	return out, rows.Err()
}

// PruneUsage deletes counters older than before
func (r *UsageRepo) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM usage_counters WHERE day < $1::date", before.UTC().Format(time.DateOnly))
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	return tag.RowsAffected(), nil
}
