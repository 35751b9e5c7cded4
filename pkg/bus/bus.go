package bus

import (
	"context"
	"errors"
	"sync"
)

// DefaultSubscriberBuffer bounds pending messages per subscriber; the
// oldest message is dropped once it overflows.
const DefaultSubscriberBuffer = 1024

// ErrClosed is returned for operations on a closed bus
var ErrClosed = errors.New("bus closed")

// Bus is a topic-based publish/subscribe fabric. Delivery is best-effort,
// at-most-once per subscriber, FIFO per (channel, subscriber). Subscribers
// are isolated: a slow subscriber loses its own oldest messages and never
// stalls another.
type Bus interface {
	// Publish delivers payload to current subscribers of channel.
	// Messages published before a subscription exist are not replayed.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe attaches to a channel. The subscription is live before
	// Subscribe returns: no message published afterwards is missed.
	Subscribe(ctx context.Context, channel string) (*Subscription, error)

	// Close releases all subscriptions and the underlying transport.
	Close() error
}

// Subscription is one subscriber's handle on a channel. Release it on every
// exit path; Release is idempotent and closes the message channel.
type Subscription struct {
	ch      chan []byte
	pushMu  sync.Mutex
	once    sync.Once
	release func()
}

func newSubscription(buffer int, release func()) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Subscription{
		ch:      make(chan []byte, buffer),
		release: release,
	}
}

// C returns the message channel. It is closed after Release, or when the
// bus shuts down.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Release detaches the subscriber and frees bus-side resources
func (s *Subscription) Release() {
	s.once.Do(s.release)
}

// offer pushes msg into the subscription buffer, dropping the oldest
// pending message on overflow. Returns false when a message was dropped.
// Concurrent publishers are serialized so eviction keeps FIFO order.
func (s *Subscription) offer(msg []byte) bool {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	select {
	case s.ch <- msg:
		return true
	default:
	}

	// Buffer full: evict the oldest entry and retry once. A concurrent
	// reader may win the race for the slot, in which case the retry
	// below succeeds without a second eviction.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- msg:
	default:
	}
	return false
}

// Option configures a bus driver
type Option func(*options)

type options struct {
	subscriberBuffer int
}

// WithSubscriberBuffer overrides the per-subscriber buffer bound
func WithSubscriberBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.subscriberBuffer = n
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{subscriberBuffer: DefaultSubscriberBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
