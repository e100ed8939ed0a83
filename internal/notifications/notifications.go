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

// Package notifications manages the in-app notification inbox.
package notifications

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/resilience"
	"github.com/proxinex/proxinex-api/internal/store"
)

// Notification kinds
const (
	KindPayment  = "payment"
	KindPlan     = "plan"
	KindReminder = "renewal_reminder"
	KindSystem   = "system"
)

const (
	DefaultListLimit = 30
	MaxListLimit     = 100
	maxTitleLength   = 120
	maxBodyLength    = 1000
)

// Store persists notifications
type Store interface {
	CreateNotification(ctx context.Context, n store.Notification) (*store.Notification, error)
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)
	CountUnread(ctx context.Context, userID string) (int, error)
}

// Inbox is a page of notifications plus the unread total
type Inbox struct {
	Notifications []store.Notification `json:"notifications"`
	Unread        int                  `json:"unread"`
}

type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates a notification service
func NewService(s Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: s, logger: logger}
}

// Notify stores a notification for userID
func (s *Service) Notify(ctx context.Context, userID, kind, title, body, link string) error {
	title = clip(strings.TrimSpace(title), maxTitleLength)
	if userID == "" || title == "" {
		return resilience.NewBadRequestError("notification needs a user and a title", nil)
	}
	if kind == "" {
		kind = KindSystem
	}
	n, err := s.store.CreateNotification(ctx, store.Notification{
		UserID: userID,
		Kind:   kind,
		Title:  title,
		Body:   clip(strings.TrimSpace(body), maxBodyLength),
		Link:   link,
	})
	if err != nil {
		return err
	}
	s.logger.Debug("Notification created",
		zap.String("user_id", userID),
		zap.String("notification_id", n.ID),
		zap.String("kind", kind))
	return nil
}

// List returns the user's newest notifications
func (s *Service) List(ctx context.Context, userID string, unreadOnly bool, limit int) (*Inbox, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	items, err := s.store.ListNotifications(ctx, userID, unreadOnly, limit)
	if err != nil {
		return nil, err
	}
	unread, err := s.store.CountUnread(ctx, userID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []store.Notification{}
	}
	return &Inbox{Notifications: items, Unread: unread}, nil
}

// MarkRead marks one notification read; other users' ids are not found
func (s *Service) MarkRead(ctx context.Context, userID, id string) error {
	if strings.TrimSpace(id) == "" {
		return resilience.NewBadRequestError("notification id is required", nil)
	}
	return s.store.MarkNotificationRead(ctx, userID, id)
}

// MarkAllRead marks every unread notification read and returns how many changed
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.store.MarkAllNotificationsRead(ctx, userID)
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
