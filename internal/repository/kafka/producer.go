package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/wardline/notify/internal/obs/retry"
)

// DeliveryEvent is the per-channel delivery outcome streamed to the analytics
// service.
type DeliveryEvent struct {
	NotificationID string    `json:"notification_id"`
	RecipientID    string    `json:"recipient_user_id"`
	Channel        string    `json:"channel"`
	Outcome        string    `json:"outcome"` // sent | failed | retry_scheduled | retry_exhausted
	Error          string    `json:"error,omitempty"`
	RetryCount     int       `json:"retry_count,omitempty"`
	At             time.Time `json:"at"`
}

type Producer struct {
	w     *kafka.Writer
	topic string
	log   *zap.Logger
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		topic: topic,
		log:   zap.L().With(zap.String("component", "kafka.producer"), zap.String("topic", topic)),
	}
}

func (p *Producer) WithLogger(l *zap.Logger) *Producer {
	if l == nil {
		return p
	}
	cp := *p
	cp.log = l.With(zap.String("component", "kafka.producer"), zap.String("topic", p.topic))
	return &cp
}

// PublishDeliveryEvent is best-effort: analytics lag must never block or fail
// a delivery, so callers log and drop the error.
func (p *Producer) PublishDeliveryEvent(ctx context.Context, ev DeliveryEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("event marshal failed", zap.Error(err))
		return err
	}

	msg := kafka.Message{Key: []byte(ev.NotificationID), Value: value}
	err = retry.Do(ctx, func() error {
		return p.w.WriteMessages(ctx, msg)
	}, retry.PublishPolicy("kafka", p.log))
	if err != nil {
		p.log.Error("kafka write failed", zap.Error(err))
		return err
	}
	p.log.Debug("delivery event published",
		zap.String("notification_id", ev.NotificationID),
		zap.String("channel", ev.Channel),
		zap.String("outcome", ev.Outcome),
	)
	return nil
}

func (p *Producer) Close() error { return p.w.Close() }
