package retry

import (
	"context"
	"time"

	"github.com/wardline/notify/internal/domain/notification"
)

type Repo interface {
	// GetActive returns the single non-terminal record for the pair, or nil.
	GetActive(ctx context.Context, notificationID string, ch notification.Channel) (*Record, error)

	// Insert creates a fresh record. The partial unique index on
	// (notification_id, channel) over non-terminal rows makes this race-safe:
	// a concurrent insert loses the conflict and reports inserted=false.
	Insert(ctx context.Context, r *Record) (inserted bool, err error)

	// Advance bumps retry_count and moves next_retry_at, guarded by
	// retry_count < max_retries so the counter can never pass the cap.
	Advance(ctx context.Context, id int64, nextRetryAt time.Time, lastError string) (bool, error)

	// ClaimDue atomically flips due pending records to retrying and returns
	// them oldest-due-first, at most limit rows.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Record, error)

	SetStatus(ctx context.Context, id int64, status Status) error

	// Reschedule pushes a record back to pending at the given time without
	// consuming a retry slot (used for transient sweep errors).
	Reschedule(ctx context.Context, id int64, nextRetryAt time.Time, lastError string) error

	Stats(ctx context.Context, since time.Time) ([]StatRow, error)

	// PurgeTerminal deletes terminal records created before the cutoff.
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}
