package rabbit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rabbit_published_total",
		Help: "Messages handed to the broker, by routing key.",
	}, []string{"routing_key"})
	publishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rabbit_publish_errors_total",
		Help: "Publish attempts the broker did not accept.",
	})
)

type Publisher struct {
	conn   *Conn
	cfg    Config
	source string
	log    *zap.Logger
}

func NewPublisher(conn *Conn, cfg Config, source string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.L()
	}
	return &Publisher{
		conn:   conn,
		cfg:    cfg,
		source: source,
		log:    log.With(zap.String("component", "rabbit.publisher")),
	}
}

// Publish sends the envelope to the live exchange under its kind's routing
// key. A nil return means the broker accepted the message into its buffer,
// not that it was delivered.
func (p *Publisher) Publish(ctx context.Context, env *Envelope) error {
	return p.publish(ctx, p.cfg.Exchange, env.Kind.RoutingKey(), env, "")
}

// PublishDelayed parks the envelope on the class delay queue with a
// per-message expiration; when it elapses the message dead-letters into the
// live exchange under the original routing key, exactly like an immediate
// publish that waited delay. The delay queue carries no queue-level TTL:
// the TTL'd retry queue would cap every delay at the transport retry TTL.
func (p *Publisher) PublishDelayed(ctx context.Context, env *Envelope, delay time.Duration) error {
	class, ok := ClassForRoutingKey(env.Kind.RoutingKey())
	if !ok {
		return fmt.Errorf("no queue class for kind %q", env.Kind)
	}
	expiration := fmt.Sprintf("%d", delay.Milliseconds())
	// Default exchange routes by queue name.
	return p.publish(ctx, "", class.DelayQueue(), env, expiration)
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, env *Envelope, expiration string) error {
	if env.ID == "" || env.Timestamp.IsZero() || env.Headers.OriginalRoutingKey == "" {
		p.stamp(env)
	}

	body, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	tr := otel.Tracer("rabbit.publisher")
	ctx, span := tr.Start(ctx, "rabbit.publish "+key, trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", key),
			attribute.String("message.kind", string(env.Kind)),
		),
	)
	defer span.End()

	ch, err := p.conn.Channel(ctx)
	if err != nil {
		span.RecordError(err)
		publishErrors.Inc()
		return fmt.Errorf("broker channel: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if expiration != "" {
		pub.Expiration = expiration
	}

	if err := ch.PublishWithContext(ctx, exchange, key, false, false, pub); err != nil {
		span.RecordError(err)
		publishErrors.Inc()
		p.log.Error("publish failed", zap.String("routing_key", key), zap.Error(err))
		return fmt.Errorf("publish %s: %w", key, err)
	}

	publishTotal.WithLabelValues(key).Inc()
	p.log.Debug("message published",
		zap.String("routing_key", key),
		zap.String("message_id", env.ID),
		zap.String("kind", string(env.Kind)),
	)
	return nil
}

func (p *Publisher) stamp(env *Envelope) {
	if env.ID == "" {
		env.ID = newID()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.Source == "" {
		env.Source = p.source
	}
	if env.Headers.OriginalRoutingKey == "" {
		env.Headers.OriginalRoutingKey = env.Kind.RoutingKey()
	}
}
