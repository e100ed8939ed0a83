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

// Package history manages chat sessions and their messages for the
// conversation sidebar.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/gateway"
	"github.com/proxinex/proxinex-api/internal/resilience"
	"github.com/proxinex/proxinex-api/internal/store"
)

const (
	// DefaultTitle names sessions that have no user message yet
	DefaultTitle = "New conversation"
	// MaxTitleLength bounds generated and user-supplied titles, in runes
	MaxTitleLength = 60

	defaultPageSize = 50
	maxPageSize     = 100
	maxMessageRunes = 100000
)

// Store is the persistence the manager needs. store.HistoryRepo and
// MemoryStore implement it.
type Store interface {
	CreateSession(ctx context.Context, s store.ChatSession) (*store.ChatSession, error)
	GetSession(ctx context.Context, userID, sessionID string) (*store.ChatSession, error)
	ListSessions(ctx context.Context, userID string, limit, offset int) ([]store.ChatSession, error)
	SearchSessions(ctx context.Context, userID, query string, limit int) ([]store.ChatSession, error)
	RenameSession(ctx context.Context, userID, sessionID, title string) error
	DeleteSession(ctx context.Context, userID, sessionID string) error
	AppendMessage(ctx context.Context, userID string, m store.ChatMessage) (*store.ChatMessage, error)
	ListMessages(ctx context.Context, userID, sessionID string) ([]store.ChatMessage, error)
}

// SessionDetail is a session with its messages
type SessionDetail struct {
	store.ChatSession
	Messages []store.ChatMessage `json:"messages"`
}

// Manager applies history rules on top of a Store
type Manager struct {
	store  Store
	logger *zap.Logger
}

// NewManager creates a history manager
func NewManager(s Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: s, logger: logger}
}

// Create starts a session; an empty title becomes DefaultTitle
func (m *Manager) Create(ctx context.Context, userID, title, model string) (*store.ChatSession, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	} else {
		title = GenerateTitle(title)
	}
	s, err := m.store.CreateSession(ctx, store.ChatSession{UserID: userID, Title: title, Model: model})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.logger.Debug("Created session", zap.String("user_id", userID), zap.String("session_id", s.ID))
	return s, nil
}

// Get returns a session with its messages
func (m *Manager) Get(ctx context.Context, userID, sessionID string) (*SessionDetail, error) {
	s, err := m.store.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := m.store.ListMessages(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionDetail{ChatSession: *s, Messages: messages}, nil
}

// List pages through the user's sessions
func (m *Manager) List(ctx context.Context, userID string, limit, offset int) ([]store.ChatSession, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	offset = max(offset, 0)
	return m.store.ListSessions(ctx, userID, limit, offset)
}

// Search finds sessions whose title contains query
func (m *Manager) Search(ctx context.Context, userID, query string) ([]store.ChatSession, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, resilience.NewBadRequestError("search query is required", nil)
	}
	return m.store.SearchSessions(ctx, userID, query, maxPageSize)
}

// Rename sets a user-chosen title
func (m *Manager) Rename(ctx context.Context, userID, sessionID, title string) error {
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return resilience.NewBadRequestError("title is required", nil)
	}
	if utf8.RuneCountInString(title) > MaxTitleLength*2 {
		return resilience.NewBadRequestError(fmt.Sprintf("title exceeds %d characters", MaxTitleLength*2), nil)
	}
	return m.store.RenameSession(ctx, userID, sessionID, title)
}

// Delete removes a session
func (m *Manager) Delete(ctx context.Context, userID, sessionID string) error {
	return m.store.DeleteSession(ctx, userID, sessionID)
}

// Append adds a message. The first user message titles a session that
// still has the default title.
func (m *Manager) Append(ctx context.Context, userID string, msg store.ChatMessage) (*store.ChatMessage, error) {
	switch msg.Role {
	case gateway.RoleUser, gateway.RoleAssistant, gateway.RoleSystem:
	default:
		return nil, resilience.NewBadRequestError(fmt.Sprintf("invalid role %q", msg.Role), nil)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil, resilience.NewBadRequestError("message content is required", nil)
	}
	if utf8.RuneCountInString(msg.Content) > maxMessageRunes {
		return nil, resilience.NewBadRequestError("message is too long", nil)
	}

	s, err := m.store.GetSession(ctx, userID, msg.SessionID)
	if err != nil {
		return nil, err
	}

	saved, err := m.store.AppendMessage(ctx, userID, msg)
	if err != nil {
		return nil, err
	}

	if msg.Role == gateway.RoleUser && s.Title == DefaultTitle {
		if err := m.store.RenameSession(ctx, userID, msg.SessionID, GenerateTitle(msg.Content)); err != nil {
			m.logger.Warn("Failed to title session", zap.String("session_id", msg.SessionID), zap.Error(err))
		}
	}
	return saved, nil
}

// RecordExchange appends a question and its answer. citations is
// serialized as the answer's citation list.
func (m *Manager) RecordExchange(ctx context.Context, userID, sessionID, question, answer, model string, citations any) error {
	if _, err := m.Append(ctx, userID, store.ChatMessage{SessionID: sessionID, Role: gateway.RoleUser, Content: question}); err != nil {
		return err
	}

	raw, err := json.Marshal(citations)
	if err != nil {
		return fmt.Errorf("encode citations: %w", err)
	}
	_, err = m.Append(ctx, userID, store.ChatMessage{
		SessionID: sessionID,
		Role:      gateway.RoleAssistant,
		Content:   answer,
		Citations: raw,
		Model:     model,
	})
	return err
}

// RecentTurns returns the last n user/assistant messages as gateway
// messages for follow-up questions.
func (m *Manager) RecentTurns(ctx context.Context, userID, sessionID string, n int) ([]gateway.Message, error) {
	messages, err := m.store.ListMessages(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	var out []gateway.Message
	for _, msg := range messages {
		if msg.Role == gateway.RoleUser || msg.Role == gateway.RoleAssistant {
			out = append(out, gateway.Message{Role: msg.Role, Content: msg.Content})
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

var whitespaceRegex = regexp.MustCompile(`\s+`)

// GenerateTitle derives a session title from the first user message:
// whitespace collapsed, first letter capitalized, cut at a word boundary
// so the result including "..." is at most MaxTitleLength runes.
func GenerateTitle(content string) string {
	content = strings.TrimSpace(whitespaceRegex.ReplaceAllString(content, " "))
	if content == "" {
		return DefaultTitle
	}

	runes := []rune(content)
	if len(runes) > MaxTitleLength {
		cut := MaxTitleLength - 3
		if i := strings.LastIndex(string(runes[:cut+1]), " "); i > 0 {
			runes = []rune(strings.TrimRight(string(runes[:cut+1])[:i], " ,;:-"))
		} else {
			runes = runes[:cut]
		}
		runes = append(runes, []rune("...")...)
	}

	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
