package retrysweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/wardline/notify/internal/domain/notification"
	"github.com/wardline/notify/internal/domain/retry"
	kafkax "github.com/wardline/notify/internal/repository/kafka"
	"github.com/wardline/notify/internal/repository/rabbit"
)

// Deliverer re-attempts a single channel delivery. Satisfied by the notifier
// package's deliverer; kept local so the ledger does not import it.
type Deliverer interface {
	Deliver(ctx context.Context, n *notification.Notification, ch notification.Channel, templateName string, vars map[string]string) (provider, recipient string, err error)
}

// EventSink streams retry outcomes to analytics. Optional; may be nil.
type EventSink interface {
	PublishDeliveryEvent(ctx context.Context, ev kafkax.DeliveryEvent) error
}

// Transactor groups repo writes into one transaction. Optional; without it
// the writes land independently.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Waker schedules a broker message for the moment a retry comes due, so the
// sweep fires then instead of waiting out the ticker. Optional; may be nil,
// leaving the sweep purely ticker-driven.
type Waker interface {
	PublishDelayed(ctx context.Context, env *rabbit.Envelope, delay time.Duration) error
}

// wakePayload mirrors the delivery_retry message shape the router decodes.
type wakePayload struct {
	RetryID        int64  `json:"retry_id"`
	NotificationID string `json:"notification_id"`
	Channel        string `json:"channel"`
	ScheduledFor   int64  `json:"scheduled_for"`
}

type Config struct {
	MaxRetries      int                    `mapstructure:"max_retries"`
	Delays          []time.Duration        `mapstructure:"delays"`
	EnabledChannels []notification.Channel `mapstructure:"enabled_channels"`
	SweepBatchSize  int                    `mapstructure:"sweep_batch_size"`
	SweepInterval   time.Duration          `mapstructure:"sweep_interval"`
	RescheduleDelay time.Duration          `mapstructure:"reschedule_delay"`
	CleanupAge      time.Duration          `mapstructure:"cleanup_age"`
}

func (c *Config) setDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if len(c.Delays) == 0 {
		c.Delays = []time.Duration{5 * time.Minute, 15 * time.Minute, 60 * time.Minute}
	}
	if len(c.EnabledChannels) == 0 {
		c.EnabledChannels = []notification.Channel{notification.ChannelEmail, notification.ChannelWeb}
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 50
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.RescheduleDelay <= 0 {
		c.RescheduleDelay = 10 * time.Minute
	}
	if c.CleanupAge <= 0 {
		c.CleanupAge = 30 * 24 * time.Hour
	}
}

var (
	retriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_retries_scheduled_total",
		Help: "Delivery retries recorded in the ledger.",
	}, []string{"channel"})
	retriesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_retries_processed_total",
		Help: "Ledger records processed by the sweep, by outcome.",
	}, []string{"channel", "outcome"})
	retriesExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_retries_exhausted_total",
		Help: "Retry records that hit the attempt cap.",
	}, []string{"channel"})
)

// Ledger owns the persistent delivery retry schedule: intake of failed
// deliveries, the periodic due sweep, and terminal-record cleanup.
type Ledger struct {
	cfg       Config
	repo      retry.Repo
	notifs    notification.Repo
	deliverer Deliverer
	events    EventSink
	wake      Waker
	tx        Transactor
	clock     notification.Clock
	log       *zap.Logger
}

func NewLedger(
	cfg Config,
	repo retry.Repo,
	notifs notification.Repo,
	deliverer Deliverer,
	events EventSink,
	wake Waker,
	tx Transactor,
	clock notification.Clock,
	log *zap.Logger,
) *Ledger {
	cfg.setDefaults()
	return &Ledger{
		cfg:       cfg,
		repo:      repo,
		notifs:    notifs,
		deliverer: deliverer,
		events:    events,
		wake:      wake,
		tx:        tx,
		clock:     clock,
		log:       log.With(zap.String("component", "retrysweep.ledger")),
	}
}

func (l *Ledger) enabled(ch notification.Channel) bool {
	for _, c := range l.cfg.EnabledChannels {
		if c == ch {
			return true
		}
	}
	return false
}

// delayFor returns the backoff before attempt number count+1. Counts beyond
// the table reuse the last entry.
func (l *Ledger) delayFor(count int) time.Duration {
	i := count
	if i >= len(l.cfg.Delays) {
		i = len(l.cfg.Delays) - 1
	}
	return l.cfg.Delays[i]
}

// ScheduleRetry records a failed delivery in the ledger. Repeated failures
// for the same (notification, channel) pair advance the existing record
// instead of creating a new one; once the cap is reached the record goes
// terminal failed.
func (l *Ledger) ScheduleRetry(ctx context.Context, notificationID string, ch notification.Channel, provider, recipient, errMsg string) error {
	if !l.enabled(ch) {
		l.log.Debug("retry disabled for channel",
			zap.String("notification_id", notificationID),
			zap.String("channel", string(ch)),
		)
		return nil
	}
	now := l.clock.Now()

	rec, err := l.repo.GetActive(ctx, notificationID, ch)
	if err != nil {
		return fmt.Errorf("look up active retry: %w", err)
	}

	if rec == nil {
		fresh := &retry.Record{
			NotificationID: notificationID,
			Channel:        ch,
			Provider:       provider,
			Recipient:      recipient,
			LastError:      errMsg,
			RetryCount:     1,
			MaxRetries:     l.cfg.MaxRetries,
			NextRetryAt:    now.Add(l.delayFor(0)),
			LastAttemptAt:  now,
			Status:         retry.StatusPending,
		}
		inserted, err := l.repo.Insert(ctx, fresh)
		if err != nil {
			return fmt.Errorf("insert retry record: %w", err)
		}
		if inserted {
			retriesScheduled.WithLabelValues(string(ch)).Inc()
			l.emit(ctx, notificationID, ch, "retry_scheduled", errMsg, 1)
			l.nudge(ctx, fresh.ID, notificationID, ch, fresh.NextRetryAt)
			l.log.Info("delivery retry scheduled",
				zap.String("notification_id", notificationID),
				zap.String("channel", string(ch)),
				zap.Time("next_retry_at", fresh.NextRetryAt),
			)
			return nil
		}
		// Lost the insert race; fall through to advance the winner's record.
		rec, err = l.repo.GetActive(ctx, notificationID, ch)
		if err != nil {
			return fmt.Errorf("re-read active retry: %w", err)
		}
		if rec == nil {
			return errors.New("retry record vanished after conflicting insert")
		}
	}

	return l.advance(ctx, rec, errMsg, now)
}

// advance moves an existing record one attempt forward, or retires it when
// the cap is reached.
func (l *Ledger) advance(ctx context.Context, rec *retry.Record, errMsg string, now time.Time) error {
	if rec.RetryCount >= rec.MaxRetries {
		return l.exhaust(ctx, rec, errMsg)
	}

	next := now.Add(l.delayFor(rec.RetryCount))
	ok, err := l.repo.Advance(ctx, rec.ID, next, errMsg)
	if err != nil {
		return fmt.Errorf("advance retry record: %w", err)
	}
	if !ok {
		// The guarded update refused: another worker got there first.
		return l.exhaust(ctx, rec, errMsg)
	}

	retriesScheduled.WithLabelValues(string(rec.Channel)).Inc()
	l.emit(ctx, rec.NotificationID, rec.Channel, "retry_scheduled", errMsg, rec.RetryCount+1)
	l.nudge(ctx, rec.ID, rec.NotificationID, rec.Channel, next)
	l.log.Info("delivery retry advanced",
		zap.String("notification_id", rec.NotificationID),
		zap.String("channel", string(rec.Channel)),
		zap.Int("retry_count", rec.RetryCount+1),
		zap.Time("next_retry_at", next),
	)
	return nil
}

func (l *Ledger) exhaust(ctx context.Context, rec *retry.Record, errMsg string) error {
	if err := l.repo.SetStatus(ctx, rec.ID, retry.StatusFailed); err != nil {
		return fmt.Errorf("retire exhausted retry: %w", err)
	}
	retriesExhausted.WithLabelValues(string(rec.Channel)).Inc()
	l.emit(ctx, rec.NotificationID, rec.Channel, "retry_exhausted", errMsg, rec.RetryCount)
	l.log.Warn("delivery retries exhausted",
		zap.String("notification_id", rec.NotificationID),
		zap.String("channel", string(rec.Channel)),
		zap.Int("retry_count", rec.RetryCount),
	)
	return nil
}

// ProcessDue claims one batch of due records and re-attempts each delivery.
// Returns the number of records processed.
func (l *Ledger) ProcessDue(ctx context.Context) (int, error) {
	now := l.clock.Now()
	due, err := l.repo.ClaimDue(ctx, now, l.cfg.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due retries: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	l.log.Info("sweeping due retries", zap.Int("count", len(due)))
	for _, rec := range due {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		l.processOne(ctx, rec)
	}
	return len(due), nil
}

func (l *Ledger) processOne(ctx context.Context, rec *retry.Record) {
	log := l.log.With(
		zap.Int64("retry_id", rec.ID),
		zap.String("notification_id", rec.NotificationID),
		zap.String("channel", string(rec.Channel)),
		zap.Int("retry_count", rec.RetryCount),
	)

	n, err := l.notifs.GetByID(ctx, rec.NotificationID)
	if err != nil {
		if errors.Is(err, notification.ErrNotFound) {
			// The notification is gone; the retry has nothing to deliver.
			if err := l.repo.SetStatus(ctx, rec.ID, retry.StatusFailed); err != nil {
				log.Error("retire orphaned retry", zap.Error(err))
			}
			retriesProcessed.WithLabelValues(string(rec.Channel), "orphaned").Inc()
			return
		}
		// Transient store trouble: push the record back without burning
		// an attempt.
		next := l.clock.Now().Add(l.cfg.RescheduleDelay)
		if rerr := l.repo.Reschedule(ctx, rec.ID, next, err.Error()); rerr != nil {
			log.Error("reschedule after load failure", zap.Error(rerr))
		}
		log.Warn("retry deferred, notification load failed", zap.Error(err))
		return
	}

	_, _, err = l.deliverer.Deliver(ctx, n, rec.Channel, "", nil)
	if err == nil {
		if err := l.markSucceeded(ctx, rec, n); err != nil {
			log.Error("mark retry succeeded", zap.Error(err))
		}
		retriesProcessed.WithLabelValues(string(rec.Channel), "succeeded").Inc()
		l.emit(ctx, rec.NotificationID, rec.Channel, "sent", "", rec.RetryCount)
		log.Info("retry delivery succeeded")
		return
	}

	retriesProcessed.WithLabelValues(string(rec.Channel), "failed").Inc()
	if aerr := l.advance(ctx, rec, err.Error(), l.clock.Now()); aerr != nil {
		log.Error("record retry failure", zap.Error(aerr))
	}
}

// markSucceeded retires the record and, if every channel for the
// notification had failed earlier, flips the notification back to sent.
// The two writes go through one transaction so a crash cannot leave a
// succeeded retry on a failed notification.
func (l *Ledger) markSucceeded(ctx context.Context, rec *retry.Record, n *notification.Notification) error {
	write := func(ctx context.Context) error {
		if err := l.repo.SetStatus(ctx, rec.ID, retry.StatusSucceeded); err != nil {
			return err
		}
		if n.Status != notification.StatusFailed {
			return nil
		}
		now := l.clock.Now()
		return l.notifs.UpdateStatus(ctx, n.ID, notification.StatusSent, &now)
	}
	if l.tx == nil {
		return write(ctx)
	}
	return l.tx.WithTx(ctx, write)
}

// Stats aggregates ledger activity since the window start into
// channel -> status -> row.
func (l *Ledger) Stats(ctx context.Context, since time.Time) (map[notification.Channel]map[retry.Status]retry.StatRow, error) {
	rows, err := l.repo.Stats(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("retry stats: %w", err)
	}
	out := make(map[notification.Channel]map[retry.Status]retry.StatRow, len(rows))
	for _, r := range rows {
		byStatus, ok := out[r.Channel]
		if !ok {
			byStatus = make(map[retry.Status]retry.StatRow)
			out[r.Channel] = byStatus
		}
		byStatus[r.Status] = r
	}
	return out, nil
}

// Cleanup deletes terminal records older than the configured age.
func (l *Ledger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := l.clock.Now().Add(-l.cfg.CleanupAge)
	deleted, err := l.repo.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal retries: %w", err)
	}
	if deleted > 0 {
		l.log.Info("purged terminal retry records", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

// nudge publishes a delayed delivery_retry message timed to the due moment.
// The consumer's handler then brings the sweep forward; the ticker remains
// the safety net when the publish fails or no waker is wired.
func (l *Ledger) nudge(ctx context.Context, retryID int64, notificationID string, ch notification.Channel, at time.Time) {
	if l.wake == nil {
		return
	}
	env, err := rabbit.NewEnvelope(rabbit.KindDeliveryRetry, "retry-ledger", wakePayload{
		RetryID:        retryID,
		NotificationID: notificationID,
		Channel:        string(ch),
		ScheduledFor:   at.Unix(),
	})
	if err != nil {
		l.log.Warn("build retry wake message", zap.Error(err))
		return
	}
	delay := at.Sub(l.clock.Now())
	if delay < 0 {
		delay = 0
	}
	if err := l.wake.PublishDelayed(ctx, env, delay); err != nil {
		l.log.Warn("retry wake publish failed", zap.Int64("retry_id", retryID), zap.Error(err))
	}
}

func (l *Ledger) emit(ctx context.Context, notificationID string, ch notification.Channel, outcome, errMsg string, count int) {
	if l.events == nil {
		return
	}
	ev := kafkax.DeliveryEvent{
		NotificationID: notificationID,
		Channel:        string(ch),
		Outcome:        outcome,
		Error:          errMsg,
		RetryCount:     count,
		At:             l.clock.Now(),
	}
	if err := l.events.PublishDeliveryEvent(ctx, ev); err != nil {
		l.log.Warn("delivery event publish failed", zap.Error(err))
	}
}
