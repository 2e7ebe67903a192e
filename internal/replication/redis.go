package replication

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisChannel carries replication events over a redis pub/sub channel.
type RedisChannel struct {
	client  *redis.Client
	channel string
}

// NewRedisChannel connects to the redis instance at url and binds the
// named pub/sub channel. The connection is verified with a ping.
func NewRedisChannel(ctx context.Context, url, channel string) (*RedisChannel, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisChannel{client: client, channel: channel}, nil
}

func (r *RedisChannel) Publish(ctx context.Context, payload []byte) error {
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *RedisChannel) Listen(ctx context.Context, handler func(payload []byte)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Force the subscription before reporting ready.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", r.channel)
			}
			handler([]byte(msg.Payload))
		}
	}
}

func (r *RedisChannel) Close() error {
	return r.client.Close()
}
