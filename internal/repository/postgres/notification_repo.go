package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wardline/notify/internal/domain/notification"
)

var _ notification.Repo = (*NotificationRepoImpl)(nil)

type NotificationRepoImpl struct{ db *DB }

func NewNotificationRepo(db *DB) *NotificationRepoImpl { return &NotificationRepoImpl{db: db} }

const (
	qNotifInsert = `
INSERT INTO notifications
  (id, recipient_user_id, recipient_type, title, message, type, priority, channels,
   status, related_entity_type, related_entity_id, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING created_at;
`

	qNotifSelect = `
SELECT id, recipient_user_id, recipient_type, title, message, type, priority, channels,
       status, related_entity_type, related_entity_id, expires_at, created_at, sent_at, read_at
FROM notifications
`

	qNotifUpdateStatus = `
UPDATE notifications
SET status = $2, sent_at = COALESCE($3, sent_at)
WHERE id = $1;
`

	qNotifMarkRead = `
UPDATE notifications
SET status = 'read', read_at = now()
WHERE id = $1 AND recipient_user_id = $2 AND status IN ('sent', 'delivered');
`

	qNotifDelete = `
DELETE FROM notifications WHERE id = $1 AND recipient_user_id = $2;
`

	qNotifUnread = `
SELECT count(*) FROM notifications
WHERE recipient_user_id = $1 AND status <> 'read';
`

	qNotifDeleteExpired = `
DELETE FROM notifications WHERE expires_at IS NOT NULL AND expires_at < $1;
`
)

func scanNotification(row pgx.Row, n *notification.Notification) error {
	var channels []string
	if err := row.Scan(
		&n.ID,
		&n.RecipientID,
		&n.RecipientKind,
		&n.Title,
		&n.Body,
		&n.Category,
		&n.Priority,
		&channels,
		&n.Status,
		&n.RelatedType,
		&n.RelatedID,
		&n.ExpiresAt,
		&n.CreatedAt,
		&n.SentAt,
		&n.ReadAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("scan notification: %w", err)
	}
	n.Channels = make([]notification.Channel, 0, len(channels))
	for _, c := range channels {
		n.Channels = append(n.Channels, notification.Channel(c))
	}
	return nil
}

func channelStrings(channels []notification.Channel) []string {
	out := make([]string, 0, len(channels))
	for _, c := range channels {
		out = append(out, string(c))
	}
	return out
}

func (r *NotificationRepoImpl) Create(ctx context.Context, n *notification.Notification) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	eq := r.db.execQueryer(ctx)
	if err := eq.QueryRow(ctx, qNotifInsert,
		n.ID,
		n.RecipientID,
		n.RecipientKind,
		n.Title,
		n.Body,
		n.Category,
		n.Priority,
		channelStrings(n.Channels),
		n.Status,
		n.RelatedType,
		n.RelatedID,
		n.ExpiresAt,
	).Scan(&n.CreatedAt); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *NotificationRepoImpl) GetByID(ctx context.Context, id string) (*notification.Notification, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var n notification.Notification
	row := r.db.Pool.QueryRow(ctx, qNotifSelect+"WHERE id = $1;", id)
	if err := scanNotification(row, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *NotificationRepoImpl) List(ctx context.Context, recipientID string, f notification.ListFilter) ([]*notification.Notification, int, error) {
	page := f.Page
	if page <= 0 {
		page = 1
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	where := "WHERE recipient_user_id = $1"
	args := []any{recipientID}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		where += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if f.Priority != "" {
		args = append(args, f.Priority)
		where += fmt.Sprintf(" AND priority = $%d", len(args))
	}

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var total int
	if err := r.db.Pool.QueryRow(ctx, "SELECT count(*) FROM notifications "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	args = append(args, limit, (page-1)*limit)
	q := fmt.Sprintf("%s%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d;", qNotifSelect, where, len(args)-1, len(args))
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	out := make([]*notification.Notification, 0, limit)
	for rows.Next() {
		var n notification.Notification
		if err := scanNotification(rows, &n); err != nil {
			return nil, 0, err
		}
		nc := n
		out = append(out, &nc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows: %w", err)
	}
	return out, total, nil
}

func (r *NotificationRepoImpl) UpdateStatus(ctx context.Context, id string, status notification.Status, sentAt *time.Time) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	eq := r.db.execQueryer(ctx)
	tag, err := eq.Exec(ctx, qNotifUpdateStatus, id, status, sentAt)
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *NotificationRepoImpl) MarkRead(ctx context.Context, id, recipientID string) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.Pool.Exec(ctx, qNotifMarkRead, id, recipientID)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *NotificationRepoImpl) Delete(ctx context.Context, id, recipientID string) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.Pool.Exec(ctx, qNotifDelete, id, recipientID)
	if err != nil {
		return false, fmt.Errorf("delete notification: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *NotificationRepoImpl) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var n int
	if err := r.db.Pool.QueryRow(ctx, qNotifUnread, recipientID).Scan(&n); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}

func (r *NotificationRepoImpl) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.Pool.Exec(ctx, qNotifDeleteExpired, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
