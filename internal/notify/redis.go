package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes run summaries as JSON on Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
	logger *slog.Logger
	owned  bool
}

// NewRedisPublisher wraps an existing client. Close does not close it.
func NewRedisPublisher(client *redis.Client, logger *slog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, logger: logger}
}

// DialRedis parses a redis:// URL, pings the server and returns a publisher
// that owns the connection.
func DialRedis(ctx context.Context, url string, logger *slog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("notify: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("notify: ping redis: %w", err)
	}
	return &RedisPublisher{client: client, logger: logger, owned: true}, nil
}

// Publish sends s on Channel(s.OrgID).
func (p *RedisPublisher) Publish(ctx context.Context, s RunSummary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("notify: marshal summary: %w", err)
	}
	channel := Channel(s.OrgID)
	receivers, err := p.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return fmt.Errorf("notify: publish to %s: %w", channel, err)
	}
	p.logger.Debug("notify: published run summary",
		"channel", channel, "run_id", s.RunID, "receivers", receivers)
	return nil
}

// Close releases the connection if the publisher dialed it.
func (p *RedisPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.client.Close()
}
