package worker

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/moosh3/mindloom/pkg/bus"
	"github.com/moosh3/mindloom/pkg/metrics"
)

const sinkPublishTimeout = 5 * time.Second

// BusSink is an io.Writer that forwards each log record to a bus channel.
// The worker installs it behind zerolog so everything it logs also reaches
// the run's live log subscribers. Writes never block the logger: records
// queue in a bounded buffer and are dropped, counted, once it fills.
type BusSink struct {
	mu     sync.Mutex
	closed bool
	queue  chan []byte
	done   chan struct{}
}

// NewBusSink starts a sink publishing to channel on b. depth bounds the
// number of records buffered between the logger and the bus.
func NewBusSink(b bus.Bus, channel string, depth int) *BusSink {
	s := &BusSink{
		queue: make(chan []byte, depth),
		done:  make(chan struct{}),
	}
	go s.pump(b, channel)
	return s
}

// Write queues one record. The slice is copied: zerolog reuses its buffers.
func (s *BusSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return len(p), nil
	}
	line := bytes.TrimRight(p, "\n")
	msg := make([]byte, len(line))
	copy(msg, line)
	select {
	case s.queue <- msg:
	default:
		metrics.WorkerLogDrops.Inc()
	}
	return len(p), nil
}

// Close drains the queued records and stops the pump. Writes arriving
// after Close are discarded, so it is safe while other goroutines are
// still logging.
func (s *BusSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.queue)
	<-s.done
	return nil
}

func (s *BusSink) pump(b bus.Bus, channel string) {
	defer close(s.done)
	for msg := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sinkPublishTimeout)
		err := b.Publish(ctx, channel, msg)
		cancel()
		if err != nil {
			metrics.WorkerLogDrops.Inc()
		}
	}
}
