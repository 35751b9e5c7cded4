package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/moosh3/mindloom/pkg/log"
	"github.com/moosh3/mindloom/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const driverRedis = "redis"

// RedisBus is a Bus backed by Redis pub/sub, letting the API server and
// workers run on different nodes. Redis pub/sub is fire-and-forget, which
// matches the no-replay delivery contract exactly.
type RedisBus struct {
	client *redis.Client
	buffer int
	logger zerolog.Logger

	mu      sync.Mutex
	pubsubs map[*redis.PubSub]struct{}
	closed  bool
}

// NewRedisBus creates a Redis-backed bus and verifies connectivity
func NewRedisBus(ctx context.Context, client *redis.Client, opts ...Option) (*RedisBus, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	o := applyOptions(opts)
	return &RedisBus{
		client:  client,
		buffer:  o.subscriberBuffer,
		logger:  log.WithComponent("bus"),
		pubsubs: make(map[*redis.PubSub]struct{}),
	}, nil
}

// Publish sends payload to channel. Subscribers on any node receive it;
// with no subscribers the message evaporates.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	metrics.BusPublished.WithLabelValues(driverRedis).Inc()
	return nil
}

// Subscribe opens a dedicated Redis subscription for channel. The SUBSCRIBE
// is confirmed before Subscribe returns, so later publishes are never missed.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	pubsub := b.client.Subscribe(ctx, channel)
	b.pubsubs[pubsub] = struct{}{}
	b.mu.Unlock()

	// Wait for the subscription confirmation so the caller can rely on
	// delivery of anything published after this point.
	if _, err := pubsub.Receive(ctx); err != nil {
		b.forget(pubsub)
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	sub := newSubscription(b.buffer, func() {
		b.forget(pubsub)
		pubsub.Close()
	})
	metrics.BusSubscriptions.WithLabelValues(driverRedis).Inc()

	go b.pump(channel, pubsub, sub)
	return sub, nil
}

// pump drains the Redis subscription into the bounded subscriber buffer.
// It exits when the PubSub is closed, either by Release or by bus Close.
func (b *RedisBus) pump(channel string, pubsub *redis.PubSub, sub *Subscription) {
	defer close(sub.ch)
	defer metrics.BusSubscriptions.WithLabelValues(driverRedis).Dec()

	for msg := range pubsub.Channel() {
		if !sub.offer([]byte(msg.Payload)) {
			metrics.BusDropped.WithLabelValues(driverRedis).Inc()
			b.logger.Debug().
				Str("channel", channel).
				Msg("Dropped oldest message for slow subscriber")
		}
	}
}

func (b *RedisBus) forget(pubsub *redis.PubSub) {
	b.mu.Lock()
	delete(b.pubsubs, pubsub)
	b.mu.Unlock()
}

// Close shuts down every subscription and the underlying client
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	orphans := make([]*redis.PubSub, 0, len(b.pubsubs))
	for ps := range b.pubsubs {
		orphans = append(orphans, ps)
	}
	b.pubsubs = make(map[*redis.PubSub]struct{})
	b.mu.Unlock()

	// Closing each PubSub unblocks its pump, which closes the
	// subscriber-facing channel on the way out.
	for _, ps := range orphans {
		ps.Close()
	}
	b.logger.Info().Msg("Redis bus closed")
	return b.client.Close()
}
