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

package history

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proxinex/proxinex-api/internal/store"
)

type memorySession struct {
	session  store.ChatSession
	messages []store.ChatMessage
}

// MemoryStore provides in-memory history storage with LRU eviction
type MemoryStore struct {
	sessions    map[string]*memorySession
	accessTime  map[string]time.Time // for LRU
	maxSessions int
	mutex       sync.Mutex
	now         func() time.Time
}

// NewMemoryStore creates an in-memory store holding at most maxSessions sessions
func NewMemoryStore(maxSessions int) *MemoryStore {
	if maxSessions <= 0 {
		maxSessions = 1000
	}
	return &MemoryStore{
		sessions:    make(map[string]*memorySession),
		accessTime:  make(map[string]time.Time),
		maxSessions: maxSessions,
		now:         time.Now,
	}
}

func (m *MemoryStore) owned(userID, sessionID string) (*memorySession, bool) {
	s, ok := m.sessions[sessionID]
	if !ok || s.session.UserID != userID {
		return nil, false
	}
	m.accessTime[sessionID] = m.now()
	return s, true
}

func (m *MemoryStore) snapshot(s *memorySession) store.ChatSession {
	out := s.session
	out.MessageCount = len(s.messages)
	return out
}

// CreateSession stores a new session
func (m *MemoryStore) CreateSession(_ context.Context, s store.ChatSession) (*store.ChatSession, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(m.sessions) >= m.maxSessions {
		m.evictOldestSession()
	}

	now := m.now()
	s.ID = uuid.NewString()
	s.CreatedAt, s.UpdatedAt = now, now
	s.MessageCount = 0
	m.sessions[s.ID] = &memorySession{session: s}
	m.accessTime[s.ID] = now
	return &s, nil
}

// GetSession returns a session owned by userID
func (m *MemoryStore) GetSession(_ context.Context, userID, sessionID string) (*store.ChatSession, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, ok := m.owned(userID, sessionID)
	if !ok {
		return nil, store.ErrNotFound
	}
	out := m.snapshot(s)
	return &out, nil
}

func (m *MemoryStore) userSessions(userID string, match func(store.ChatSession) bool) []store.ChatSession {
	var out []store.ChatSession
	for _, s := range m.sessions {
		if s.session.UserID == userID && (match == nil || match(s.session)) {
			out = append(out, m.snapshot(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// ListSessions returns sessions most recently updated first
func (m *MemoryStore) ListSessions(_ context.Context, userID string, limit, offset int) ([]store.ChatSession, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	all := m.userSessions(userID, nil)
	if offset >= len(all) {
		return []store.ChatSession{}, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// SearchSessions matches titles case-insensitively
func (m *MemoryStore) SearchSessions(_ context.Context, userID, query string, limit int) ([]store.ChatSession, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	q := strings.ToLower(query)
	out := m.userSessions(userID, func(s store.ChatSession) bool {
		return strings.Contains(strings.ToLower(s.Title), q)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []store.ChatSession{}
	}
	return out, nil
}

// RenameSession changes a session title
func (m *MemoryStore) RenameSession(_ context.Context, userID, sessionID, title string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, ok := m.owned(userID, sessionID)
	if !ok {
		return store.ErrNotFound
	}
	s.session.Title = title
	s.session.UpdatedAt = m.now()
	return nil
}

// DeleteSession removes a session and its messages
func (m *MemoryStore) DeleteSession(_ context.Context, userID, sessionID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.owned(userID, sessionID); !ok {
		return store.ErrNotFound
	}
	delete(m.sessions, sessionID)
	delete(m.accessTime, sessionID)
	return nil
}

// AppendMessage adds a message to a session owned by userID
func (m *MemoryStore) AppendMessage(_ context.Context, userID string, msg store.ChatMessage) (*store.ChatMessage, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, ok := m.owned(userID, msg.SessionID)
	if !ok {
		return nil, store.ErrNotFound
	}
	now := m.now()
	msg.ID = uuid.NewString()
	msg.CreatedAt = now
	if len(msg.Citations) == 0 {
		msg.Citations = json.RawMessage("[]")
	} else {
		msg.Citations = append(json.RawMessage(nil), msg.Citations...)
	}
	s.messages = append(s.messages, msg)
	s.session.UpdatedAt = now
	return &msg, nil
}

// ListMessages returns a session's messages in order
func (m *MemoryStore) ListMessages(_ context.Context, userID, sessionID string) ([]store.ChatMessage, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, ok := m.owned(userID, sessionID)
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]store.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

// Len returns the number of stored sessions
func (m *MemoryStore) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.sessions)
}

// evictOldestSession removes the least recently used session
func (m *MemoryStore) evictOldestSession() {
	var oldestID string
	var oldestTime time.Time
	for id, at := range m.accessTime {
		if oldestID == "" || at.Before(oldestTime) {
			oldestID = id
			oldestTime = at
		}
	}
	if oldestID != "" {
		delete(m.sessions, oldestID)
		delete(m.accessTime, oldestID)
	}
}
