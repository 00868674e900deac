package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wardline/notify/internal/domain/notification"
	"github.com/wardline/notify/internal/domain/retry"
)

var _ retry.Repo = (*RetryRepoImpl)(nil)

type RetryRepoImpl struct{ db *DB }

func NewRetryRepo(db *DB) *RetryRepoImpl { return &RetryRepoImpl{db: db} }

const (
	qRetryColumns = `
id, notification_id, channel, provider, recipient, error_message,
retry_count, max_retries, next_retry_at, last_attempted_at, status, created_at
`

	qRetryGetActive = `
SELECT ` + qRetryColumns + `
FROM notification_delivery_retries
WHERE notification_id = $1 AND channel = $2 AND status IN ('pending', 'retrying')
LIMIT 1;
`

	// The partial unique index idx_retries_active_pair backs the ON CONFLICT
	// target, so two racing inserts for the same pair collapse into one row.
	qRetryInsert = `
INSERT INTO notification_delivery_retries
  (notification_id, channel, provider, recipient, error_message,
   retry_count, max_retries, next_retry_at, last_attempted_at, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending')
ON CONFLICT (notification_id, channel) WHERE status IN ('pending', 'retrying')
DO NOTHING
RETURNING id, created_at;
`

	qRetryAdvance = `
UPDATE notification_delivery_retries
SET retry_count = retry_count + 1,
    next_retry_at = $2,
    last_attempted_at = now(),
    error_message = $3,
    status = 'pending'
WHERE id = $1 AND retry_count < max_retries;
`

	qRetryClaimDue = `
WITH due AS (
   SELECT id
   FROM notification_delivery_retries
   WHERE status = 'pending' AND next_retry_at <= $1
   ORDER BY next_retry_at
   LIMIT $2
   FOR UPDATE SKIP LOCKED
)
UPDATE notification_delivery_retries r
SET status = 'retrying', last_attempted_at = now()
FROM due
WHERE r.id = due.id
RETURNING r.id, r.notification_id, r.channel, r.provider, r.recipient, r.error_message,
          r.retry_count, r.max_retries, r.next_retry_at, r.last_attempted_at, r.status, r.created_at;
`

	qRetrySetStatus = `
UPDATE notification_delivery_retries SET status = $2 WHERE id = $1;
`

	qRetryReschedule = `
UPDATE notification_delivery_retries
SET next_retry_at = $2, error_message = $3, status = 'pending'
WHERE id = $1;
`

	qRetryStats = `
SELECT channel, status, count(*), avg(retry_count)
FROM notification_delivery_retries
WHERE created_at >= $1
GROUP BY channel, status
ORDER BY channel, status;
`

	qRetryPurge = `
DELETE FROM notification_delivery_retries
WHERE status IN ('succeeded', 'failed') AND created_at < $1;
`
)

func scanRetry(row pgx.Row, r *retry.Record) error {
	if err := row.Scan(
		&r.ID,
		&r.NotificationID,
		&r.Channel,
		&r.Provider,
		&r.Recipient,
		&r.LastError,
		&r.RetryCount,
		&r.MaxRetries,
		&r.NextRetryAt,
		&r.LastAttemptAt,
		&r.Status,
		&r.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("scan retry record: %w", err)
	}
	return nil
}

func (p *RetryRepoImpl) GetActive(ctx context.Context, notificationID string, ch notification.Channel) (*retry.Record, error) {
	ctx, cancel := p.db.withTimeout(ctx)
	defer cancel()

	var r retry.Record
	err := scanRetry(p.db.Pool.QueryRow(ctx, qRetryGetActive, notificationID, ch), &r)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *RetryRepoImpl) Insert(ctx context.Context, r *retry.Record) (bool, error) {
	ctx, cancel := p.db.withTimeout(ctx)
	defer cancel()

	err := p.db.Pool.QueryRow(ctx, qRetryInsert,
		r.NotificationID,
		r.Channel,
		r.Provider,
		r.Recipient,
		r.LastError,
		r.RetryCount,
		r.MaxRetries,
		r.NextRetryAt,
		r.LastAttemptAt,
	).Scan(&r.ID, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict with an existing non-terminal record.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert retry record: %w", err)
	}
	r.Status = retry.StatusPending
	return true, nil
}

func (p *RetryRepoImpl) Advance(ctx context.Context, id int64, nextRetryAt time.Time, lastError string) (bool, error) {
	ctx, cancel := p.db.withTimeout(ctx)
	defer cancel()

	tag, err := p.db.Pool.Exec(ctx, qRetryAdvance, id, nextRetryAt, lastError)
	if err != nil {
		return false, fmt.Errorf("advance retry record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *RetryRepoImpl) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*retry.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := p.db.withTimeout(ctx)
	defer cancel()

	rows, err := p.db.Pool.Query(ctx, qRetryClaimDue, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due retries: %w", err)
	}
	defer rows.Close()

	var out []*retry.Record
	for rows.Next() {
		var r retry.Record
		if err := scanRetry(rows, &r); err != nil {
			return nil, err
		}
		rc := r
		out = append(out, &rc)
	}
	return out, rows.Err()
}

func (p *RetryRepoImpl) SetStatus(ctx context.Context, id int64, status retry.Status) error {
	ctx, cancel := p.db.withTimeout(ctx)
	defer cancel()

	if _, err := p.db.execQueryer(ctx).Exec(ctx, qRetrySetStatus, id, status); err != nil {
		return fmt.Errorf("set retry status: %w", err)
	}
	return nil
}

func (p *RetryRepoImpl) Reschedule(ctx context.Context, id int64, nextRetryAt time.Time, lastError string) error {
	ctx, cancel := p.db.withTimeout(ctx)
	defer cancel()

	if _, err := p.db.Pool.Exec(ctx, qRetryReschedule, id, nextRetryAt, lastError); err != nil {
		return fmt.Errorf("reschedule retry: %w", err)
	}
	return nil
}

func (p *RetryRepoImpl) Stats(ctx context.Context, since time.Time) ([]retry.StatRow, error) {
	ctx, cancel := p.db.withTimeout(ctx)
	defer cancel()

	rows, err := p.db.Pool.Query(ctx, qRetryStats, since)
	if err != nil {
		return nil, fmt.Errorf("retry stats: %w", err)
	}
	defer rows.Close()

	var out []retry.StatRow
	for rows.Next() {
		var s retry.StatRow
		if err := rows.Scan(&s.Channel, &s.Status, &s.Count, &s.AvgRetries); err != nil {
			return nil, fmt.Errorf("scan retry stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *RetryRepoImpl) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := p.db.withTimeout(ctx)
	defer cancel()

	tag, err := p.db.Pool.Exec(ctx, qRetryPurge, before)
	if err != nil {
		return 0, fmt.Errorf("purge terminal retries: %w", err)
	}
	return tag.RowsAffected(), nil
}
