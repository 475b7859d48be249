package channel

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// RedisDialer reads channel messages from Redis pub/sub. The Redis
// channel name is Prefix + [Topic] of the dialed URL.
type RedisDialer struct {
	Client *redis.Client
	Prefix string
}

// Dial implements Dialer. The subscription is confirmed before Dial
// returns, so no message published afterwards is missed.
func (d RedisDialer) Dial(ctx context.Context, url string) (Conn, error) {
	pubsub := d.Client.Subscribe(ctx, d.Prefix+Topic(url))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	return &redisConn{pubsub: pubsub, ch: pubsub.Channel()}, nil
}

type redisConn struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

func (c *redisConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-c.ch:
		if !ok {
			return nil, ErrClosed
		}
		return []byte(msg.Payload), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *redisConn) Close() error { return c.pubsub.Close() }

// RedisPublisher publishes channel messages on Redis pub/sub.
type RedisPublisher struct {
	Client *redis.Client
	Prefix string
}

// Publish implements Publisher.
func (p RedisPublisher) Publish(ctx context.Context, topic string, m ContextMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return p.Client.Publish(ctx, p.Prefix+topic, data).Err()
}

// Fanout publishes every message to each publisher and returns the first
// error.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, topic string, m ContextMessage) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, topic, m); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ Dialer    = RedisDialer{}
	_ Publisher = RedisPublisher{}
	_ Publisher = Fanout{}
)
