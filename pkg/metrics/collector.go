package metrics

import (
	"context"
	"time"

	"github.com/moosh3/mindloom/pkg/types"
)

// RunCounter is the slice of the run store the collector needs
type RunCounter interface {
	CountByStatus(ctx context.Context) (map[types.Status]int, error)
}

// Collector polls the run store into the runs-by-status gauge
type Collector struct {
	store  RunCounter
	period time.Duration
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store RunCounter) *Collector {
	return &Collector{
		store:  store,
		period: 15 * time.Second,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.period)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return
	}

	for _, status := range []types.Status{
		types.StatusPending,
		types.StatusRunning,
		types.StatusCompleted,
		types.StatusFailed,
		types.StatusCancelled,
	} {
		RunsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
