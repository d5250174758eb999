package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events on Redis pub/sub. Each event goes to the
// firehose channel "<prefix>:board_saved" and to the per-board channel
// "<prefix>:board_saved:<board_id>".
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to Redis. The connection is lazy; the first Publish
// surfaces connectivity errors.
func NewRedis(opts *redis.Options, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "boardkeeper"
	}
	return &RedisPublisher{client: redis.NewClient(opts), prefix: prefix}
}

// Channel returns the firehose channel name.
func (p *RedisPublisher) Channel() string { return p.prefix + ":board_saved" }

// BoardChannel returns the channel for one board.
func (p *RedisPublisher) BoardChannel(boardID string) string {
	return p.Channel() + ":" + boardID
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	pipe := p.client.Pipeline()
	pipe.Publish(ctx, p.Channel(), body)
	pipe.Publish(ctx, p.BoardChannel(ev.BoardID), body)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("notify: redis publish %s: %w", ev.BoardID, err)
	}
	return nil
}

// Ping checks the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error { return p.client.Close() }
