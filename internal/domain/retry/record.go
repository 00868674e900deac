package retry

import (
	"time"

	"github.com/wardline/notify/internal/domain/notification"
)

// Status is the ledger state machine: pending -> retrying -> succeeded|failed.
// succeeded and failed are terminal; a terminal record is never rescheduled.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusSucceeded || s == StatusFailed }

// Record is the durable retry schedule for one (notification, channel) pair.
// At most one non-terminal record may exist per pair.
type Record struct {
	ID             int64                `json:"id"`
	NotificationID string               `json:"notification_id"`
	Channel        notification.Channel `json:"channel"`
	Provider       string               `json:"provider"`
	Recipient      string               `json:"recipient"`
	LastError      string               `json:"error_message"`
	RetryCount     int                  `json:"retry_count"`
	MaxRetries     int                  `json:"max_retries"`
	NextRetryAt    time.Time            `json:"next_retry_at"`
	LastAttemptAt  time.Time            `json:"last_attempted_at"`
	Status         Status               `json:"status"`
	CreatedAt      time.Time            `json:"created_at"`
}

// StatRow is one aggregate bucket of retry activity for a trailing window.
type StatRow struct {
	Channel    notification.Channel `json:"channel"`
	Status     Status               `json:"status"`
	Count      int                  `json:"count"`
	AvgRetries float64              `json:"average_retries"`
}
