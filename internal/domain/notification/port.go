package notification

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports that the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrChannelNotConfigured reports that the deployment has no sender
	// for the requested channel.
	ErrChannelNotConfigured = errors.New("channel not configured")
)

type ListFilter struct {
	Status   Status
	Category Category
	Priority Priority
	Page     int
	Limit    int
}

type Repo interface {
	Create(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, id string) (*Notification, error)
	List(ctx context.Context, recipientID string, f ListFilter) ([]*Notification, int, error)
	UpdateStatus(ctx context.Context, id string, status Status, sentAt *time.Time) error
	MarkRead(ctx context.Context, id, recipientID string) (bool, error)
	Delete(ctx context.Context, id, recipientID string) (bool, error)
	UnreadCount(ctx context.Context, recipientID string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type DeliveryLogRepo interface {
	Create(ctx context.Context, e *DeliveryLog) error
	ListByNotification(ctx context.Context, notificationID string) ([]*DeliveryLog, error)
}

// Channel sender capabilities. Providers live outside the core; each sender
// call must honor the caller-supplied context deadline.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// WebSender pushes to the live-connection layer. Fire-and-forget: a returned
// error means the hand-off failed, not that the recipient never saw it.
type WebSender interface {
	SendWeb(ctx context.Context, userID string, payload []byte) error
}

type PushSender interface {
	SendPush(ctx context.Context, userID, title, body string) error
}

type TemplateRenderer interface {
	Render(ctx context.Context, name string, channel Channel, vars map[string]string) (subject, body string, err error)
}

// PreferenceSource resolves the recipient's opted-in channels for a category.
// Owned by the profile service; an empty result means no preference exists.
type PreferenceSource interface {
	ChannelsFor(ctx context.Context, userID string, cat Category) ([]Channel, error)
}

// Directory resolves recipient contact addresses from the user service.
type Directory interface {
	Email(ctx context.Context, userID string) (string, error)
	Phone(ctx context.Context, userID string) (string, error)
}

type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock used outside tests.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
