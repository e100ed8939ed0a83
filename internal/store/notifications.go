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
	"fmt"
)

// NotificationRepo persists in-app notifications
type NotificationRepo struct {
	db *DB
}

// NewNotificationRepo creates a notification repository
func NewNotificationRepo(db *DB) *NotificationRepo {
	return &NotificationRepo{db: db}
}

// CreateNotification stores a notification
func (r *NotificationRepo) CreateNotification(ctx context.Context, n Notification) (*Notification, error) {
	var out Notification
	err := r.db.Pool.QueryRow(ctx, `
INSERT INTO notifications (user_id, kind, title, body, link) VALUES ($1::uuid, $2, $3, $4, $5)
RETURNING id::text, user_id::text, kind, title, body, link, read_at, created_at`,
		n.UserID, n.Kind, n.Title, n.Body, n.Link,
	).Scan(&out.ID, &out.UserID, &out.Kind, &out.Title, &out.Body, &out.Link, &out.ReadAt, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	return &out, nil
}

// ListNotifications returns the user's newest notifications
func (r *NotificationRepo) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT id::text, user_id::text, kind, title, body, link, read_at, created_at
FROM notifications
WHERE user_id = $1::uuid AND (NOT $2 OR read_at IS NULL)
ORDER BY created_at DESC LIMIT $3`, userID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]Notification, 0, 16)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &n.Link, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

// MarkNotificationRead marks one notification read
func (r *NotificationRepo) MarkNotificationRead(ctx context.Context, userID, id string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE notifications SET read_at = COALESCE(read_at, now()) WHERE id::text = $1 AND user_id = $2::uuid",
		id, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllNotificationsRead marks every unread notification read
func (r *NotificationRepo) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE notifications SET read_at = now() WHERE user_id = $1::uuid AND read_at IS NULL", userID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountUnread returns the number of unread notifications
func (r *NotificationRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx,
		"SELECT count(*) FROM notifications WHERE user_id = $1::uuid AND read_at IS NULL", userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}
