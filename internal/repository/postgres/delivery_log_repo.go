package postgres

import (
	"context"
	"fmt"

	"github.com/wardline/notify/internal/domain/notification"
)

var _ notification.DeliveryLogRepo = (*DeliveryLogRepoImpl)(nil)

type DeliveryLogRepoImpl struct{ db *DB }

func NewDeliveryLogRepo(db *DB) *DeliveryLogRepoImpl { return &DeliveryLogRepoImpl{db: db} }

const (
	qLogInsert = `
INSERT INTO notification_delivery_log
  (notification_id, channel, status, provider, provider_response, error_message, sent_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at;
`

	qLogByNotification = `
SELECT id, notification_id, channel, status, provider, provider_response, error_message, sent_at, created_at
FROM notification_delivery_log
WHERE notification_id = $1
ORDER BY created_at;
`
)

func (r *DeliveryLogRepoImpl) Create(ctx context.Context, e *notification.DeliveryLog) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	eq := r.db.execQueryer(ctx)
	if err := eq.QueryRow(ctx, qLogInsert,
		e.NotificationID,
		e.Channel,
		e.Status,
		e.Provider,
		e.ProviderResponse,
		e.ErrorMessage,
		e.SentAt,
	).Scan(&e.ID, &e.CreatedAt); err != nil {
		return fmt.Errorf("insert delivery log: %w", err)
	}
	return nil
}

func (r *DeliveryLogRepoImpl) ListByNotification(ctx context.Context, notificationID string) ([]*notification.DeliveryLog, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, qLogByNotification, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query delivery log: %w", err)
	}
	defer rows.Close()

	var out []*notification.DeliveryLog
	for rows.Next() {
		var e notification.DeliveryLog
		if err := rows.Scan(
			&e.ID,
			&e.NotificationID,
			&e.Channel,
			&e.Status,
			&e.Provider,
			&e.ProviderResponse,
			&e.ErrorMessage,
			&e.SentAt,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		ec := e
		out = append(out, &ec)
	}
	return out, rows.Err()
}
