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
	"sync"
	"time"
)

type counterKey struct {
	userID  string
	feature string
	day     string
}

// MemoryCounter keeps counters in process. Days other than the most recent
// one seen are dropped.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[counterKey]int
	latest string
}

// NewMemoryCounter creates an in-memory counter
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[counterKey]int)}
}

// IncrementUsage implements Counter
func (m *MemoryCounter) IncrementUsage(_ context.Context, userID, feature string, day time.Time, limit int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := day.UTC().Format(time.DateOnly)
	if d > m.latest {
		for k := range m.counts {
			if k.day < d {
				delete(m.counts, k)
			}
		}
		m.latest = d
	}

	key := counterKey{userID: userID, feature: feature, day: d}
	n := m.counts[key]
	if limit >= 0 && n >= limit {
		return n, false, nil
	}
	m.counts[key] = n + 1
	return n + 1, true, nil
}

// GetUsage implements Counter
func (m *MemoryCounter) GetUsage(_ context.Context, userID string, day time.Time) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := day.UTC().Format(time.DateOnly)
	out := make(map[string]int)
	for k, v := range m.counts {
		if k.userID == userID && k.day == d {
			out[k.feature] = v
		}
	}
	return out, nil
}
