package bus

import (
	"context"
	"sync"

	"github.com/moosh3/mindloom/pkg/log"
	"github.com/moosh3/mindloom/pkg/metrics"
	"github.com/rs/zerolog"
)

const driverMemory = "memory"

// MemoryBus is an in-process Bus for single-node deployments and tests.
// Fan-out happens inline on Publish; a full subscriber drops its oldest
// message rather than blocking the publisher.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	closed bool
	logger zerolog.Logger
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus(opts ...Option) *MemoryBus {
	o := applyOptions(opts)
	return &MemoryBus{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: o.subscriberBuffer,
		logger: log.WithComponent("bus"),
	}
}

// Publish delivers payload to every current subscriber of channel
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for sub := range b.subs[channel] {
		if !sub.offer(payload) {
			metrics.BusDropped.WithLabelValues(driverMemory).Inc()
			b.logger.Debug().
				Str("channel", channel).
				Msg("Dropped oldest message for slow subscriber")
		}
	}
	metrics.BusPublished.WithLabelValues(driverMemory).Inc()
	return nil
}

// Subscribe attaches a new subscriber to channel
func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	var sub *Subscription
	sub = newSubscription(b.buffer, func() {
		b.remove(channel, sub)
	})

	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[channel] = set
	}
	set[sub] = struct{}{}

	metrics.BusSubscriptions.WithLabelValues(driverMemory).Inc()
	b.logger.Debug().
		Str("channel", channel).
		Int("subscribers", len(set)).
		Msg("Subscriber attached")
	return sub, nil
}

func (b *MemoryBus) remove(channel string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[channel]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, channel)
	}
	metrics.BusSubscriptions.WithLabelValues(driverMemory).Dec()

	// Safe to close here: publishers hold the read lock while offering,
	// so no send can be in flight once we hold the write lock.
	close(sub.ch)
}

// Close releases every subscription and rejects further operations
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var orphans []*Subscription
	for _, set := range b.subs {
		for sub := range set {
			orphans = append(orphans, sub)
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	// In-flight publishes finished before the map swap above, so the
	// channels can be closed without racing a send. A late Release finds
	// its subscription already gone and is a no-op.
	for _, sub := range orphans {
		metrics.BusSubscriptions.WithLabelValues(driverMemory).Dec()
		close(sub.ch)
	}
	b.logger.Info().Msg("Memory bus closed")
	return nil
}
