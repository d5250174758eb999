package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig configures the RabbitMQ publisher.
type AMQPConfig struct {
	URL string `yaml:"url"`

	// Exchange is declared as a durable topic exchange. Default: "boardkeeper.events".
	Exchange string `yaml:"exchange"`

	// RoutingKey for saved events. Default: "board.saved".
	RoutingKey string `yaml:"routing_key"`

	// DialAttempts bounds connection attempts. Default: 5.
	DialAttempts int `yaml:"dial_attempts"`

	// DialDelay is the first retry delay, doubled per attempt. Default: 500ms.
	DialDelay time.Duration `yaml:"dial_delay"`

	// Dialer replaces amqp.Dial, mostly for tests.
	Dialer func(ctx context.Context, url string) (*amqp.Connection, error) `yaml:"-"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *AMQPConfig) defaults() {
	if c.Exchange == "" {
		c.Exchange = "boardkeeper.events"
	}
	if c.RoutingKey == "" {
		c.RoutingKey = "board.saved"
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = 5
	}
	if c.DialDelay <= 0 {
		c.DialDelay = 500 * time.Millisecond
	}
	if c.Dialer == nil {
		c.Dialer = func(_ context.Context, u string) (*amqp.Connection, error) { return amqp.Dial(u) }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// AMQPPublisher publishes persistent JSON messages to a topic exchange.
type AMQPPublisher struct {
	cfg  AMQPConfig
	conn *amqp.Connection

	mu sync.Mutex // amqp channels are not safe for concurrent publishing
	ch *amqp.Channel
}

// NewAMQP dials the broker with exponential backoff and declares the exchange.
func NewAMQP(ctx context.Context, cfg AMQPConfig) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("notify: amqp url is required")
	}
	cfg.defaults()

	host := ""
	if u, err := url.Parse(cfg.URL); err == nil {
		host = u.Host
	}

	conn, err := dialWithRetry(ctx, cfg, host)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("notify: declare exchange %s: %w", cfg.Exchange, err)
	}

	cfg.Logger.Info("notify: amqp publisher ready", "host", host, "exchange", cfg.Exchange)
	return &AMQPPublisher{cfg: cfg, conn: conn, ch: ch}, nil
}

func dialWithRetry(ctx context.Context, cfg AMQPConfig, host string) (*amqp.Connection, error) {
	var lastErr error
	delay := cfg.DialDelay
	for attempt := 1; attempt <= cfg.DialAttempts; attempt++ {
		conn, err := cfg.Dialer(ctx, cfg.URL)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == cfg.DialAttempts {
			break
		}
		cfg.Logger.Warn("notify: amqp dial failed, retrying",
			"host", host, "attempt", attempt, "backoff_ms", delay.Milliseconds(), "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("notify: amqp dial: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("notify: amqp dial %s after %d attempts: %w", host, cfg.DialAttempts, lastErr)
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         ev.Type,
		Timestamp:    ev.Time,
		AppId:        "boardkeeper",
	})
	if err != nil {
		return fmt.Errorf("notify: amqp publish %s: %w", ev.BoardID, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.ch.Close(), p.conn.Close())
}
