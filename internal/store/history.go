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
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const sessionColumns = `s.id::text, s.user_id::text, s.title, s.model,
  (SELECT count(*) FROM chat_messages m WHERE m.session_id = s.id), s.created_at, s.updated_at`

// HistoryRepo persists chat sessions and their messages
type HistoryRepo struct {
	db *DB
}

// NewHistoryRepo creates a history repository
func NewHistoryRepo(db *DB) *HistoryRepo {
	return &HistoryRepo{db: db}
}

func scanSession(row pgx.Row) (*ChatSession, error) {
	var s ChatSession
	if err := row.Scan(&s.ID, &s.UserID, &s.Title, &s.Model, &s.MessageCount, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func collectSessions(rows pgx.Rows) ([]ChatSession, error) {
	defer rows.Close()
	out := make([]ChatSession, 0, 16)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// CreateSession inserts a session and returns it with generated fields
func (r *HistoryRepo) CreateSession(ctx context.Context, s ChatSession) (*ChatSession, error) {
	var out ChatSession
	err := r.db.Pool.QueryRow(ctx, `
INSERT INTO chat_sessions (user_id, title, model) VALUES ($1::uuid, $2, $3)
RETURNING id::text, user_id::text, title, model, created_at, updated_at`, s.UserID, s.Title, s.Model,
	).Scan(&out.ID, &out.UserID, &out.Title, &out.Model, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &out, nil
}

// GetSession returns a session owned by userID
func (r *HistoryRepo) GetSession(ctx context.Context, userID, sessionID string) (*ChatSession, error) {
	s, err := scanSession(r.db.Pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM chat_sessions s WHERE s.id::text = $1 AND s.user_id = $2::uuid",
		sessionID, userID))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// ListSessions returns the user's sessions, most recently updated first
func (r *HistoryRepo) ListSessions(ctx context.Context, userID string, limit, offset int) ([]ChatSession, error) {
	rows, err := r.db.Pool.Query(ctx, "SELECT "+sessionColumns+`
FROM chat_sessions s WHERE s.user_id = $1::uuid
ORDER BY s.updated_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return collectSessions(rows)
}

// SearchSessions matches titles case-insensitively
func (r *HistoryRepo) SearchSessions(ctx context.Context, userID, query string, limit int) ([]ChatSession, error) {
	rows, err := r.db.Pool.Query(ctx, "SELECT "+sessionColumns+`
FROM chat_sessions s WHERE s.user_id = $1::uuid AND s.title ILIKE $2
ORDER BY s.updated_at DESC LIMIT $3`, userID, likePattern(query), limit)
	if err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	return collectSessions(rows)
}

// RenameSession changes a session title
func (r *HistoryRepo) RenameSession(ctx context.Context, userID, sessionID, title string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE chat_sessions SET title = $3, updated_at = now() WHERE id::text = $1 AND user_id = $2::uuid",
		sessionID, userID, title)
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session and its messages
func (r *HistoryRepo) DeleteSession(ctx context.Context, userID, sessionID string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"DELETE FROM chat_sessions WHERE id::text = $1 AND user_id = $2::uuid", sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage adds a message to a session owned by userID and bumps updated_at
func (r *HistoryRepo) AppendMessage(ctx context.Context, userID string, m ChatMessage) (*ChatMessage, error) {
	citations := m.Citations
	if len(citations) == 0 {
		citations = json.RawMessage("[]")
	}

	var out ChatMessage
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			"UPDATE chat_sessions SET updated_at = now() WHERE id::text = $1 AND user_id = $2::uuid",
			m.SessionID, userID)
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return tx.QueryRow(ctx, `
INSERT INTO chat_messages (session_id, role, content, citations, model)
VALUES ($1::uuid, $2, $3, $4, $5)
RETURNING id::text, session_id::text, role, content, citations, model, created_at`,
			m.SessionID, m.Role, m.Content, []byte(citations), m.Model,
		).Scan(&out.ID, &out.SessionID, &out.Role, &out.Content, &out.Citations, &out.Model, &out.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages returns a session's messages in order
func (r *HistoryRepo) ListMessages(ctx context.Context, userID, sessionID string) ([]ChatMessage, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT m.id::text, m.session_id::text, m.role, m.content, m.citations, m.model, m.created_at
FROM chat_messages m JOIN chat_sessions s ON s.id = m.session_id
WHERE s.id::text = $1 AND s.user_id = $2::uuid
ORDER BY m.created_at, m.id`, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]ChatMessage, 0, 32)
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Citations, &m.Model, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}
