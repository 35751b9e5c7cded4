package health

import (
	"context"

	"github.com/moosh3/mindloom/pkg/bus"
	"github.com/moosh3/mindloom/pkg/runstore"
	"github.com/moosh3/mindloom/pkg/scheduler"
)

// probeChannel receives heartbeat payloads nobody subscribes to. Publishing
// still exercises the full round trip to the broker.
const probeChannel = "mindloom_healthz"

// StoreProbe reports whether the run store answers a cheap read.
func StoreProbe(store runstore.Store) Probe {
	return Probe{
		Name: "store",
		Check: func(ctx context.Context) error {
			_, err := store.CountByStatus(ctx)
			return err
		},
	}
}

// BusProbe reports whether the bus accepts a publish.
func BusProbe(b bus.Bus) Probe {
	return Probe{
		Name: "bus",
		Check: func(ctx context.Context) error {
			return b.Publish(ctx, probeChannel, []byte("ping"))
		},
	}
}

// SchedulerProbe reports whether the cluster API answers a worker listing.
func SchedulerProbe(s scheduler.Scheduler) Probe {
	return Probe{
		Name: "scheduler",
		Check: func(ctx context.Context) error {
			_, err := s.ListRunWorkers(ctx)
			return err
		},
	}
}
