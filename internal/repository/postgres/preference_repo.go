package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wardline/notify/internal/domain/notification"
)

var _ notification.PreferenceSource = (*PreferenceRepoImpl)(nil)

// PreferenceRepoImpl reads the per-user channel opt-in matrix. The profile
// service owns the data; this is a read-only replica table.
type PreferenceRepoImpl struct{ db *DB }

func NewPreferenceRepo(db *DB) *PreferenceRepoImpl { return &PreferenceRepoImpl{db: db} }

const qPrefGet = `
SELECT web, email, sms, push
FROM notification_preferences
WHERE user_id = $1 AND category = $2;
`

func (r *PreferenceRepoImpl) ChannelsFor(ctx context.Context, userID string, cat notification.Category) ([]notification.Channel, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var web, email, sms, push bool
	err := r.db.Pool.QueryRow(ctx, qPrefGet, userID, cat).Scan(&web, &email, &sms, &push)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}

	var out []notification.Channel
	if web {
		out = append(out, notification.ChannelWeb)
	}
	if email {
		out = append(out, notification.ChannelEmail)
	}
	if sms {
		out = append(out, notification.ChannelSMS)
	}
	if push {
		out = append(out, notification.ChannelPush)
	}
	return out, nil
}

const qPrefActiveUsers = `
SELECT DISTINCT user_id
FROM notification_preferences;
`

// ActiveUserIDs lists every user with a preference row. Broadcast alerts fan
// out over this set.
func (r *PreferenceRepoImpl) ActiveUserIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, qPrefActiveUsers)
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
