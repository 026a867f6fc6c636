package replication

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// RedisTransport fans envelopes out over one redis pub/sub channel,
// "<prefix>:replication".
type RedisTransport struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisTransport(client redis.UniversalClient, prefix string) *RedisTransport {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "clustersched"
	}
	return &RedisTransport{client: client, channel: prefix + ":replication"}
}

func (t *RedisTransport) Channel() string { return t.channel }

// Publish retries briefly on connection errors; the outbound queue is
// ordered, so retrying in place keeps the sender's order intact.
func (t *RedisTransport) Publish(ctx context.Context, payload []byte) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(func() error {
		return t.client.Publish(ctx, t.channel, payload).Err()
	}, backoff.WithContext(bo, ctx))
}

func (t *RedisTransport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	pubsub := t.client.Subscribe(ctx, t.channel)
	// Wait for the subscription to be confirmed so no early publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
