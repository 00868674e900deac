package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/wardline/notify/internal/domain/notification"
	kafkax "github.com/wardline/notify/internal/repository/kafka"
	"github.com/wardline/notify/internal/repository/rabbit"
)

// RetryScheduler is the delivery retry ledger's intake. Business-level send
// failures are handed off here instead of being retried inline.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, notificationID string, ch notification.Channel, provider, recipient, errMsg string) error
}

// QueuePublisher is the broker-facing surface the orchestrator needs.
type QueuePublisher interface {
	Publish(ctx context.Context, env *rabbit.Envelope) error
	PublishDelayed(ctx context.Context, env *rabbit.Envelope, delay time.Duration) error
}

// EventSink streams delivery outcomes to analytics. Optional; may be nil.
type EventSink interface {
	PublishDeliveryEvent(ctx context.Context, ev kafkax.DeliveryEvent) error
}

type CreateParams struct {
	RecipientID   string                     `json:"recipient_user_id"`
	RecipientKind notification.RecipientKind `json:"recipient_type"`
	Title         string                     `json:"title"`
	Body          string                     `json:"message"`
	Category      notification.Category      `json:"notification_type"`
	Priority      notification.Priority      `json:"priority,omitempty"`
	Channels      []notification.Channel     `json:"channels,omitempty"`
	RelatedType   string                     `json:"related_entity_type,omitempty"`
	RelatedID     string                     `json:"related_entity_id,omitempty"`
	ExpiresAt     *time.Time                 `json:"expires_at,omitempty"`
	TemplateName  string                     `json:"template_name,omitempty"`
	TemplateVars  map[string]string          `json:"template_variables,omitempty"`
}

var (
	notifCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifier_notifications_created_total",
		Help: "Notification records created.",
	})
	channelSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_channel_sent_total",
		Help: "Successful channel deliveries on the first pass.",
	}, []string{"channel"})
	channelFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_channel_failed_total",
		Help: "Failed channel deliveries on the first pass.",
	}, []string{"channel"})
)

type Service struct {
	log       *zap.Logger
	notifs    notification.Repo
	logs      notification.DeliveryLogRepo
	prefs     notification.PreferenceSource
	deliverer *Deliverer
	ledger    RetryScheduler
	pub       QueuePublisher
	events    EventSink
	clock     notification.Clock
	source    string
}

func NewService(
	log *zap.Logger,
	notifs notification.Repo,
	logs notification.DeliveryLogRepo,
	prefs notification.PreferenceSource,
	deliverer *Deliverer,
	ledger RetryScheduler,
	pub QueuePublisher,
	events EventSink,
	clock notification.Clock,
	source string,
) *Service {
	return &Service{
		log:       log.With(zap.String("component", "notifier.service")),
		notifs:    notifs,
		logs:      logs,
		prefs:     prefs,
		deliverer: deliverer,
		ledger:    ledger,
		pub:       pub,
		events:    events,
		clock:     clock,
		source:    source,
	}
}

// CreateNotification persists the record and attempts delivery synchronously.
func (s *Service) CreateNotification(ctx context.Context, p CreateParams) (*notification.Notification, error) {
	n, err := s.create(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := s.SendNotification(ctx, n.ID, p.TemplateName, p.TemplateVars); err != nil {
		// The record is durable at this point; hand it back with the error
		// so callers can acknowledge the create despite the failed first
		// pass.
		return n, err
	}
	return n, nil
}

// CreateNotificationAsync persists the record and queues a send message; the
// caller gets an answer as soon as the record is durable.
func (s *Service) CreateNotificationAsync(ctx context.Context, p CreateParams) (*notification.Notification, error) {
	n, err := s.create(ctx, p)
	if err != nil {
		return nil, err
	}
	if _, err := s.QueueSendNotification(ctx, n.ID, p.TemplateName, p.TemplateVars); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Service) create(ctx context.Context, p CreateParams) (*notification.Notification, error) {
	if p.RecipientID == "" || p.Title == "" {
		return nil, errors.New("recipient and title are required")
	}
	if !notification.ValidCategory(p.Category) {
		return nil, fmt.Errorf("invalid notification type: %s", p.Category)
	}

	channels, err := s.resolveChannels(ctx, p)
	if err != nil {
		return nil, err
	}

	priority := p.Priority
	if priority == "" {
		priority = notification.PriorityNormal
	}
	kind := p.RecipientKind
	if kind == "" {
		kind = notification.RecipientUser
	}

	n := &notification.Notification{
		ID:            uuid.NewString(),
		RecipientID:   p.RecipientID,
		RecipientKind: kind,
		Title:         p.Title,
		Body:          p.Body,
		Category:      p.Category,
		Priority:      priority,
		Channels:      channels,
		Status:        notification.StatusPending,
		RelatedType:   p.RelatedType,
		RelatedID:     p.RelatedID,
		ExpiresAt:     p.ExpiresAt,
	}
	if err := s.notifs.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	notifCreated.Inc()
	s.log.Info("notification created",
		zap.String("notification_id", n.ID),
		zap.String("recipient", n.RecipientID),
		zap.String("type", string(n.Category)),
		zap.Any("channels", n.Channels),
	)
	return n, nil
}

// resolveChannels prefers explicit request channels, then the recipient's
// preference matrix for the category, then the web channel.
func (s *Service) resolveChannels(ctx context.Context, p CreateParams) ([]notification.Channel, error) {
	if len(p.Channels) > 0 {
		for _, c := range p.Channels {
			if !notification.ValidChannel(c) {
				return nil, fmt.Errorf("invalid channel: %s", c)
			}
		}
		return p.Channels, nil
	}

	if s.prefs != nil {
		chs, err := s.prefs.ChannelsFor(ctx, p.RecipientID, p.Category)
		if err != nil {
			s.log.Warn("preference lookup failed, defaulting channels",
				zap.String("recipient", p.RecipientID), zap.Error(err))
		} else if len(chs) > 0 {
			return chs, nil
		}
	}
	return []notification.Channel{notification.ChannelWeb}, nil
}

// SendNotification attempts every channel once and writes one delivery log
// entry per channel. Calling it on a notification that is no longer pending
// is a no-op, which makes duplicate send messages harmless.
func (s *Service) SendNotification(ctx context.Context, id, templateName string, vars map[string]string) error {
	n, err := s.notifs.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load notification: %w", err)
	}
	if n.Status != notification.StatusPending {
		s.log.Warn("notification already processed",
			zap.String("notification_id", id),
			zap.String("status", string(n.Status)),
		)
		return nil
	}

	now := s.clock.Now()
	failed := 0
	for _, ch := range n.Channels {
		provider, recipient, derr := s.deliverer.Deliver(ctx, n, ch, templateName, vars)

		entry := &notification.DeliveryLog{
			NotificationID: n.ID,
			Channel:        ch,
			Provider:       provider,
		}
		switch {
		case derr == nil:
			sentAt := s.clock.Now()
			entry.Status = notification.DeliverySent
			entry.SentAt = &sentAt
			channelSent.WithLabelValues(string(ch)).Inc()
			s.emitEvent(ctx, n, ch, "sent", "")

		case errors.Is(derr, notification.ErrChannelNotConfigured):
			// Configuration gap, not a provider failure: skip the channel and
			// do not burn a retry schedule on it.
			entry.Status = notification.DeliveryFailed
			entry.ErrorMessage = derr.Error()
			failed++
			s.log.Warn("channel skipped: not configured",
				zap.String("notification_id", n.ID),
				zap.String("channel", string(ch)),
			)

		default:
			entry.Status = notification.DeliveryFailed
			entry.ErrorMessage = derr.Error()
			failed++
			channelFailed.WithLabelValues(string(ch)).Inc()
			s.emitEvent(ctx, n, ch, "failed", derr.Error())

			if s.ledger != nil {
				if lerr := s.ledger.ScheduleRetry(ctx, n.ID, ch, provider, recipient, derr.Error()); lerr != nil {
					s.log.Error("retry schedule failed",
						zap.String("notification_id", n.ID),
						zap.String("channel", string(ch)),
						zap.Error(lerr),
					)
				}
			}
			s.log.Warn("channel delivery failed",
				zap.String("notification_id", n.ID),
				zap.String("channel", string(ch)),
				zap.Error(derr),
			)
		}

		if err := s.logs.Create(ctx, entry); err != nil {
			s.log.Error("delivery log write failed",
				zap.String("notification_id", n.ID),
				zap.String("channel", string(ch)),
				zap.Error(err),
			)
		}
	}

	// Per-channel failure lives in the log and the ledger; the notification
	// itself only fails when no channel got through.
	status := notification.StatusSent
	if failed == len(n.Channels) {
		status = notification.StatusFailed
	}
	if err := s.notifs.UpdateStatus(ctx, n.ID, status, &now); err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}

	s.log.Info("notification send pass complete",
		zap.String("notification_id", n.ID),
		zap.String("status", string(status)),
		zap.Int("channels", len(n.Channels)),
		zap.Int("failed", failed),
	)
	return nil
}

func (s *Service) emitEvent(ctx context.Context, n *notification.Notification, ch notification.Channel, outcome, errMsg string) {
	if s.events == nil {
		return
	}
	_ = s.events.PublishDeliveryEvent(ctx, kafkax.DeliveryEvent{
		NotificationID: n.ID,
		RecipientID:    n.RecipientID,
		Channel:        string(ch),
		Outcome:        outcome,
		Error:          errMsg,
	})
}

func (s *Service) Get(ctx context.Context, id string) (*notification.Notification, error) {
	return s.notifs.GetByID(ctx, id)
}

func (s *Service) DeliveryLog(ctx context.Context, id string) ([]*notification.DeliveryLog, error) {
	return s.logs.ListByNotification(ctx, id)
}

func (s *Service) MarkRead(ctx context.Context, id, recipientID string) (bool, error) {
	return s.notifs.MarkRead(ctx, id, recipientID)
}

func (s *Service) Delete(ctx context.Context, id, recipientID string) (bool, error) {
	return s.notifs.Delete(ctx, id, recipientID)
}

func (s *Service) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	return s.notifs.UnreadCount(ctx, recipientID)
}

func (s *Service) List(ctx context.Context, recipientID string, f notification.ListFilter) ([]*notification.Notification, int, error) {
	return s.notifs.List(ctx, recipientID, f)
}

func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	deleted, err := s.notifs.DeleteExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.log.Info("expired notifications purged", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}
