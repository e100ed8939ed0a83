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

package memorix

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/proxinex/proxinex-api/internal/store"
)

// MemoryStore keeps documents in process and ranks chunks by query term
// overlap, for local development and tests
type MemoryStore struct {
	mu     sync.Mutex
	seq    int
	docs   map[string]store.Document
	chunks map[string][]string
}

// NewMemoryStore creates an empty document store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string]store.Document{}, chunks: map[string][]string{}}
}

func (m *MemoryStore) CreateDocument(_ context.Context, d store.Document, chunks []string) (*store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	d.ID = fmt.Sprintf("doc-%d", m.seq)
	d.ChunkCount = len(chunks)
	d.CreatedAt = time.Now()
	m.docs[d.ID] = d
	m.chunks[d.ID] = chunks
	return &d, nil
}

func (m *MemoryStore) GetDocument(_ context.Context, userID, id string) (*store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.UserID != userID {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (m *MemoryStore) ListDocuments(_ context.Context, userID string) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Document
	for _, d := range m.docs {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) DeleteDocument(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.UserID != userID {
		return store.ErrNotFound
	}
	delete(m.docs, id)
	delete(m.chunks, id)
	return nil
}

func (m *MemoryStore) candidates(userID string, ids []string) []store.Chunk {
	allowed := map[string]bool{}
	for _, id := range ids {
		allowed[id] = true
	}
	var out []store.Chunk
	for id, d := range m.docs {
		if d.UserID != userID || (len(ids) > 0 && !allowed[id]) {
			continue
		}
		for i, c := range m.chunks[id] {
			out = append(out, store.Chunk{DocumentID: id, DocumentName: d.Name, Index: i, Content: c})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].Index < out[j].Index
	})
	return out
}

func (m *MemoryStore) SearchChunks(_ context.Context, userID, query string, ids []string, limit int) ([]store.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	terms := strings.Fields(strings.ToLower(query))
	var out []store.Chunk
	for _, c := range m.candidates(userID, ids) {
		content := strings.ToLower(c.Content)
		hits := 0
		for _, t := range terms {
			if len(t) > 3 && strings.Contains(content, t) {
				hits++
			}
		}
		if hits > 0 {
			c.Rank = float64(hits) / float64(len(terms))
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank > out[j].Rank })
	return out[:min(limit, len(out))], nil
}

func (m *MemoryStore) LeadingChunks(_ context.Context, userID string, ids []string, limit int) ([]store.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.candidates(userID, ids)
	return out[:min(limit, len(out))], nil
}
