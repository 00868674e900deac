package rabbit

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type Config struct {
	URL               string        `mapstructure:"url"`
	Exchange          string        `mapstructure:"exchange"`
	DeadLetterXchg    string        `mapstructure:"dead_letter_exchange"`
	Prefetch          int           `mapstructure:"prefetch"`
	RetryTTL          time.Duration `mapstructure:"retry_ttl"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
}

// Conn wraps one AMQP connection and channel. It is injected into Topology,
// Publisher and Consumer rather than shared through a package singleton, so
// tests can swap in a double behind the small surface they use.
type Conn struct {
	cfg Config
	log *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects with a bounded, capped retry loop. Exhausting the cap is an
// error the caller treats as fatal: delivery infrastructure must exist before
// anything publishes.
func Dial(ctx context.Context, cfg Config, log *zap.Logger) (*Conn, error) {
	if log == nil {
		log = zap.L()
	}
	c := &Conn{
		cfg: cfg,
		log: log.With(zap.String("component", "rabbit.conn")),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) connect(ctx context.Context) error {
	attempts := c.cfg.ReconnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := c.cfg.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
			Heartbeat: 30 * time.Second,
			Dial:      amqp.DefaultDial(c.dialTimeout()),
		})
		if err != nil {
			lastErr = err
			c.log.Warn("dial failed", zap.Int("attempt", i+1), zap.Error(err))
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			continue
		}

		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			lastErr = err
			c.log.Warn("open channel failed", zap.Int("attempt", i+1), zap.Error(err))
			continue
		}
		if c.cfg.Prefetch > 0 {
			if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
				_ = conn.Close()
				return fmt.Errorf("set qos: %w", err)
			}
		}

		c.mu.Lock()
		c.conn, c.ch = conn, ch
		c.mu.Unlock()
		c.log.Info("connected", zap.String("url", redact(c.cfg.URL)))
		return nil
	}
	return fmt.Errorf("connect after %d attempts: %w", attempts, lastErr)
}

func (c *Conn) dialTimeout() time.Duration {
	if c.cfg.ConnectTimeout > 0 {
		return c.cfg.ConnectTimeout
	}
	return 10 * time.Second
}

// Channel returns the live channel, reconnecting once if it has gone away.
func (c *Conn) Channel(ctx context.Context) (*amqp.Channel, error) {
	c.mu.Lock()
	ch := c.ch
	dead := c.conn == nil || c.conn.IsClosed()
	c.mu.Unlock()

	if ch != nil && !dead && !ch.IsClosed() {
		return ch, nil
	}

	c.log.Warn("channel unavailable, reconnecting")
	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("reconnect: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch, nil
}

func (c *Conn) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed() && c.ch != nil && !c.ch.IsClosed()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// redact strips credentials from an AMQP URL for logging.
func redact(url string) string {
	at := -1
	scheme := -1
	for i := 0; i+2 < len(url); i++ {
		if url[i] == ':' && url[i+1] == '/' && url[i+2] == '/' {
			scheme = i + 3
			break
		}
	}
	for i := len(url) - 1; i >= 0; i-- {
		if url[i] == '@' {
			at = i
			break
		}
	}
	if scheme >= 0 && at > scheme {
		return url[:scheme] + "***" + url[at:]
	}
	return url
}
