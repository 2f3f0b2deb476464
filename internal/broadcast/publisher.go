package broadcast

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisPublisher mirrors repair events onto a Redis channel so processes
// outside this daemon (dashboards, downstream consumers) can follow repairs
// without holding a WebSocket open.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects and verifies before returning.
func NewRedisPublisher(addr, password string, db int, channel string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisPublisher{client: client, channel: channel}, nil
}

// NewRedisPublisherWithClient wraps an existing client. Used by tests.
func NewRedisPublisherWithClient(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// PublishRepair sends the message to the channel, best-effort.
func (p *RedisPublisher) PublishRepair(ctx context.Context, msg RepairMessage) {
	data, ok := encode(msg)
	if !ok {
		return
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		log.Warn().Err(err).Str("channel", p.channel).Msg("Repair publish failed")
	}
}

// Close releases the connection pool.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
