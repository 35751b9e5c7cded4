package election

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/moosh3/mindloom/pkg/log"
)

const (
	leaseDuration = 15 * time.Second
	renewDeadline = 10 * time.Second
	retryPeriod   = 2 * time.Second
)

// LeaseElector elects a leader through a coordination.k8s.io Lease object.
// Replicas sharing the same lease name and namespace form one electorate.
type LeaseElector struct {
	client    kubernetes.Interface
	leaseName string
	namespace string
	identity  string
	leading   atomic.Bool
	logger    zerolog.Logger
}

// NewLeaseElector builds an elector; identity must be unique per replica
// (hostname plus a random suffix works well).
func NewLeaseElector(client kubernetes.Interface, leaseName, namespace, identity string) *LeaseElector {
	return &LeaseElector{
		client:    client,
		leaseName: leaseName,
		namespace: namespace,
		identity:  identity,
		logger:    log.WithComponent("election"),
	}
}

// Run joins the election and keeps rejoining after losing leadership, until
// ctx is done.
func (e *LeaseElector) Run(ctx context.Context) error {
	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      e.leaseName,
			Namespace: e.namespace,
		},
		Client:     e.client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{Identity: e.identity},
	}

	for {
		elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
			Lock:            lock,
			LeaseDuration:   leaseDuration,
			RenewDeadline:   renewDeadline,
			RetryPeriod:     retryPeriod,
			ReleaseOnCancel: true,
			Callbacks: leaderelection.LeaderCallbacks{
				OnStartedLeading: func(ctx context.Context) {
					e.leading.Store(true)
					e.logger.Info().Str("lease", e.leaseName).Msg("Acquired leadership")
				},
				OnStoppedLeading: func() {
					e.leading.Store(false)
					e.logger.Info().Str("lease", e.leaseName).Msg("Stopped leading")
				},
				OnNewLeader: func(identity string) {
					if identity != e.identity {
						e.logger.Debug().Str("leader", identity).Msg("Observed new leader")
					}
				},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to build leader elector: %w", err)
		}

		elector.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		e.logger.Warn().Str("lease", e.leaseName).Msg("Lost leadership, rejoining election")
	}
}

func (e *LeaseElector) IsLeader() bool {
	return e.leading.Load()
}
