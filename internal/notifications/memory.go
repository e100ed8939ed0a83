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

package notifications

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/proxinex/proxinex-api/internal/store"
)

// MemoryStore keeps notifications in process, for local development and tests
type MemoryStore struct {
	mu    sync.Mutex
	seq   int
	items []store.Notification
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) CreateNotification(_ context.Context, n store.Notification) (*store.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	n.ID = strconv.Itoa(m.seq)
	n.CreatedAt = m.now().Add(time.Duration(m.seq))
	n.ReadAt = nil
	m.items = append(m.items, n)
	return &n, nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, userID string, unreadOnly bool, limit int) ([]store.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Notification, 0)
	for _, n := range m.items {
		if n.UserID == userID && (!unreadOnly || n.ReadAt == nil) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkNotificationRead(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == id && m.items[i].UserID == userID {
			if m.items[i].ReadAt == nil {
				t := m.now()
				m.items[i].ReadAt = &t
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *MemoryStore) MarkAllNotificationsRead(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed int64
	t := m.now()
	for i := range m.items {
		if m.items[i].UserID == userID && m.items[i].ReadAt == nil {
			m.items[i].ReadAt = &t
			changed++
		}
	}
	return changed, nil
}

func (m *MemoryStore) CountUnread(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, item := range m.items {
		if item.UserID == userID && item.ReadAt == nil {
			n++
		}
	}
	return n, nil
}
