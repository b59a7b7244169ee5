package pubsub

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisPubSub is a PubSub backed by Redis's own PUBLISH/SUBSCRIBE commands,
// used across instances in a fleet where api/pkg/distributed already
// keeps its registry in the same Redis.
type RedisPubSub struct {
	client *redis.Client

	mu       sync.Mutex
	handlers []ConnectionStatusHandler
}

var _ PubSub = &RedisPubSub{}

// NewRedis wraps an existing Redis client. The caller owns the client's
// lifecycle (creation and Close).
func NewRedis(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{client: client}
}

func (p *RedisPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.client.Publish(ctx, topic, payload).Err()
}

func (p *RedisPubSub) Subscribe(ctx context.Context, topic string, handler func(payload []byte) error) (Subscription, error) {
	sub := p.client.Subscribe(ctx, topic)

	// Confirm the subscription actually reached Redis before returning,
	// so a caller that immediately publishes doesn't race its own
	// subscribe.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	ch := sub.Channel()
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := handler([]byte(msg.Payload)); err != nil {
					log.Warn().Err(err).Str("topic", topic).Msg("pubsub: handler returned error")
				}
			}
		}
	}()

	return &redisSubscription{sub: sub, done: done}, nil
}

// OnConnectionStatus reports Connected immediately (go-redis dials
// lazily and transparently reconnects; there is no separate connect
// event to hook without a dedicated health-check loop, which
// api/pkg/distributed already runs for the registry client this pubsub
// client shares a connection pool with).
func (p *RedisPubSub) OnConnectionStatus(handler ConnectionStatusHandler) {
	p.mu.Lock()
	p.handlers = append(p.handlers, handler)
	p.mu.Unlock()
	handler(Connected)
}

type redisSubscription struct {
	sub  *redis.PubSub
	done chan struct{}
}

func (s *redisSubscription) Unsubscribe() error {
	close(s.done)
	return s.sub.Close()
}
