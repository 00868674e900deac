package rabbit

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Handler func(ctx context.Context, env *Envelope) error

var (
	consumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rabbit_consumed_total",
		Help: "Messages pulled off primary queues.",
	}, []string{"queue"})
	retriedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rabbit_transport_retries_total",
		Help: "Messages republished to a retry queue after handler failure.",
	}, []string{"queue"})
	deadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rabbit_dead_lettered_total",
		Help: "Messages rejected to the dead-letter queue.",
	}, []string{"queue"})
)

// Verdict is the transport-retry decision for one failed delivery.
type Verdict int

const (
	VerdictAck Verdict = iota
	VerdictRetry
	VerdictDeadLetter
)

// Classify applies the two-tier transport policy: malformed payloads go
// straight to the DLQ (retrying cannot fix them), transient handler errors
// consume a bounded retry slot, and exhausted messages are dead-lettered.
func Classify(env *Envelope, handlerErr error, maxRetries int) Verdict {
	if handlerErr == nil {
		return VerdictAck
	}
	if errors.Is(handlerErr, ErrMalformed) {
		return VerdictDeadLetter
	}
	if env.Headers.RetryCount < maxRetries {
		return VerdictRetry
	}
	return VerdictDeadLetter
}

type Consumer struct {
	conn       *Conn
	cfg        Config
	maxRetries int
	log        *zap.Logger
}

func NewConsumer(conn *Conn, cfg Config, maxRetries int, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.L()
	}
	return &Consumer{
		conn:       conn,
		cfg:        cfg,
		maxRetries: maxRetries,
		log:        log.With(zap.String("component", "rabbit.consumer")),
	}
}

// Consume runs a pull loop over one primary queue until ctx is done. Each
// message is handled to completion before the next is acknowledged; the
// broker's prefetch window bounds unacknowledged in-flight messages.
func (c *Consumer) Consume(ctx context.Context, class QueueClass, h Handler) error {
	log := c.log.With(zap.String("queue", class.Queue))
	log.Info("consumer started")

	backoff := 200 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			log.Info("consumer stopped (ctx canceled)")
			return ctx.Err()
		default:
		}

		ch, err := c.conn.Channel(ctx)
		if err != nil {
			log.Warn("channel unavailable; retry", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleep(ctx, &backoff, maxBackoff) {
				return ctx.Err()
			}
			continue
		}

		deliveries, err := ch.Consume(class.Queue, "", false, false, false, false, nil)
		if err != nil {
			log.Warn("consume failed; retry", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleep(ctx, &backoff, maxBackoff) {
				return ctx.Err()
			}
			continue
		}
		backoff = 200 * time.Millisecond

		if err := c.drain(ctx, ch, class, deliveries, h, log); err != nil {
			return err
		}
		// Delivery channel closed under us; loop reconnects.
		log.Warn("delivery stream closed; reconnecting")
	}
}

func (c *Consumer) drain(ctx context.Context, ch *amqp.Channel, class QueueClass, deliveries <-chan amqp.Delivery, h Handler, log *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			log.Info("consumer stopped (ctx canceled)")
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handleDelivery(ctx, ch, class, d, h, log)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, ch *amqp.Channel, class QueueClass, d amqp.Delivery, h Handler, log *zap.Logger) {
	consumedTotal.WithLabelValues(class.Queue).Inc()

	env, err := DecodeEnvelope(d.Body)
	if err != nil {
		deadLetteredTotal.WithLabelValues(class.Queue).Inc()
		log.Warn("malformed message rejected to dlq", zap.Error(err))
		_ = d.Reject(false)
		return
	}

	tr := otel.Tracer("rabbit.consumer")
	msgCtx, span := tr.Start(ctx, "rabbit.consume "+class.Queue, trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("message.id", env.ID),
			attribute.String("message.kind", string(env.Kind)),
			attribute.Int("message.retry_count", env.Headers.RetryCount),
		),
	)
	defer span.End()

	handlerErr := h(msgCtx, env)

	switch Classify(env, handlerErr, c.maxRetries) {
	case VerdictAck:
		if err := d.Ack(false); err != nil {
			log.Warn("ack failed", zap.String("message_id", env.ID), zap.Error(err))
		}

	case VerdictRetry:
		span.RecordError(handlerErr)
		env.Headers.RetryCount++
		env.Headers.RetryReason = handlerErr.Error()
		env.Headers.RetryTimestamp = time.Now().UTC().Format(time.RFC3339)

		log.Info("scheduling transport retry",
			zap.String("message_id", env.ID),
			zap.Int("retry_count", env.Headers.RetryCount),
			zap.Int("max_retries", c.maxRetries),
			zap.Error(handlerErr),
		)
		if err := c.republishToRetry(msgCtx, ch, class, env); err != nil {
			// Could not park the message; leave it to the broker to redeliver.
			log.Error("retry republish failed; requeueing", zap.String("message_id", env.ID), zap.Error(err))
			_ = d.Nack(false, true)
			return
		}
		// Ack the original so it is not delivered twice.
		_ = d.Ack(false)
		retriedTotal.WithLabelValues(class.Queue).Inc()

	case VerdictDeadLetter:
		span.RecordError(handlerErr)
		env.Headers.FinalFailure = true
		env.Headers.FinalFailureReason = handlerErr.Error()
		env.Headers.FinalFailureAt = time.Now().UTC().Format(time.RFC3339)

		log.Error("message dead-lettered",
			zap.String("message_id", env.ID),
			zap.Int("retry_count", env.Headers.RetryCount),
			zap.Error(handlerErr),
		)
		// Reject without requeue; the primary queue's DLX binding routes it on.
		_ = d.Reject(false)
		deadLetteredTotal.WithLabelValues(class.Queue).Inc()
	}
}

func (c *Consumer) republishToRetry(ctx context.Context, ch *amqp.Channel, class QueueClass, env *Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, "", class.RetryQueue(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func sleep(ctx context.Context, backoff *time.Duration, max time.Duration) bool {
	t := time.NewTimer(*backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	}
	if *backoff < max {
		*backoff *= 2
	}
	if *backoff > max {
		*backoff = max
	}
	return true
}
