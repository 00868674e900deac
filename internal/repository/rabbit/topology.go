package rabbit

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// QueueClass is one logical message class: a durable primary queue bound to
// the live exchange, a dead-letter queue on the DLX with the same routing key,
// a TTL'd retry queue that dead-letters back into the live exchange, and a
// delay queue for messages scheduled minutes or hours ahead.
type QueueClass struct {
	Queue      string
	RoutingKey string
}

func (q QueueClass) DLQ() string        { return q.Queue + ".dlq" }
func (q QueueClass) RetryQueue() string { return q.Queue + ".retry" }
func (q QueueClass) DelayQueue() string { return q.Queue + ".delay" }

// Classes is the full broker topology, one class per message kind.
var Classes = []QueueClass{
	{Queue: "notification_create", RoutingKey: KindCreateNotification.RoutingKey()},
	{Queue: "notification_send", RoutingKey: KindSendNotification.RoutingKey()},
	{Queue: "appointment_reminders", RoutingKey: KindAppointmentReminder.RoutingKey()},
	{Queue: "prescription_ready", RoutingKey: KindPrescriptionReady.RoutingKey()},
	{Queue: "system_alerts", RoutingKey: KindSystemAlert.RoutingKey()},
	{Queue: "notification_bulk", RoutingKey: KindBulkNotification.RoutingKey()},
	{Queue: "delivery_retry", RoutingKey: KindDeliveryRetry.RoutingKey()},
}

// ClassForRoutingKey finds the class a routing key belongs to.
func ClassForRoutingKey(key string) (QueueClass, bool) {
	for _, c := range Classes {
		if c.RoutingKey == key {
			return c, true
		}
	}
	return QueueClass{}, false
}

type Topology struct {
	conn *Conn
	cfg  Config
	log  *zap.Logger
}

func NewTopology(conn *Conn, cfg Config, log *zap.Logger) *Topology {
	if log == nil {
		log = zap.L()
	}
	return &Topology{
		conn: conn,
		cfg:  cfg,
		log:  log.With(zap.String("component", "rabbit.topology")),
	}
}

// Declare asserts the full topology. Declarations are idempotent: re-running
// against an existing compatible topology succeeds. Any error here is fatal at
// startup, since consumers and publishers assume the queues exist.
func (t *Topology) Declare(ctx context.Context) error {
	ch, err := t.conn.Channel(ctx)
	if err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(t.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.cfg.Exchange, err)
	}
	if err := ch.ExchangeDeclare(t.cfg.DeadLetterXchg, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange %s: %w", t.cfg.DeadLetterXchg, err)
	}

	for _, class := range Classes {
		if err := t.declareClass(ch, class); err != nil {
			return fmt.Errorf("declare class %s: %w", class.Queue, err)
		}
		t.log.Info("queue class declared",
			zap.String("queue", class.Queue),
			zap.String("routing_key", class.RoutingKey),
		)
	}
	t.log.Info("topology ready",
		zap.String("exchange", t.cfg.Exchange),
		zap.String("dlx", t.cfg.DeadLetterXchg),
		zap.Int("classes", len(Classes)),
	)
	return nil
}

func (t *Topology) declareClass(ch *amqp.Channel, class QueueClass) error {
	// Dead-letter queue first, so the primary queue's DLX binding has a home.
	if _, err := ch.QueueDeclare(class.DLQ(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq: %w", err)
	}
	if err := ch.QueueBind(class.DLQ(), class.RoutingKey, t.cfg.DeadLetterXchg, false, nil); err != nil {
		return fmt.Errorf("bind dlq: %w", err)
	}

	// Retry queue: messages sit here for the TTL, then dead-letter back into
	// the live exchange under the original routing key (requeue-via-TTL).
	retryArgs := amqp.Table{
		"x-message-ttl":             t.cfg.RetryTTL.Milliseconds(),
		"x-dead-letter-exchange":    t.cfg.Exchange,
		"x-dead-letter-routing-key": class.RoutingKey,
	}
	if _, err := ch.QueueDeclare(class.RetryQueue(), true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declare retry queue: %w", err)
	}

	// Delay queue: scheduled messages wait here on a per-message expiration,
	// then dead-letter into the live exchange. No queue-level TTL, otherwise
	// the broker would cap every delay at it. Expired messages only leave
	// from the queue head, so one class must not mix wildly different
	// delays; per-class queues keep the delays homogeneous enough.
	delayArgs := amqp.Table{
		"x-dead-letter-exchange":    t.cfg.Exchange,
		"x-dead-letter-routing-key": class.RoutingKey,
	}
	if _, err := ch.QueueDeclare(class.DelayQueue(), true, false, false, false, delayArgs); err != nil {
		return fmt.Errorf("declare delay queue: %w", err)
	}

	// Primary queue dead-letters to the DLX on reject.
	mainArgs := amqp.Table{
		"x-dead-letter-exchange":    t.cfg.DeadLetterXchg,
		"x-dead-letter-routing-key": class.RoutingKey,
	}
	if _, err := ch.QueueDeclare(class.Queue, true, false, false, false, mainArgs); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(class.Queue, class.RoutingKey, t.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}
