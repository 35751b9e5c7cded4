package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moosh3/mindloom/pkg/bus"
	"github.com/moosh3/mindloom/pkg/metrics"
	"github.com/moosh3/mindloom/pkg/runstore"
	"github.com/moosh3/mindloom/pkg/scheduler"
)

type flakyCheck struct {
	mu   sync.Mutex
	fail bool
}

func (f *flakyCheck) set(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *flakyCheck) check(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("no answer")
	}
	return nil
}

func componentState(t *testing.T, name string) string {
	t.Helper()
	state, ok := metrics.GetHealth().Components[name]
	require.True(t, ok, "component %s not registered", name)
	return state
}

func TestProberFailureThreshold(t *testing.T) {
	check := &flakyCheck{fail: true}
	p := NewProber(Config{Interval: time.Hour, Timeout: time.Second, Retries: 3},
		Probe{Name: "threshold-probe", Check: check.check})
	p.started = time.Now()

	ctx := context.Background()
	metrics.UpdateComponent("threshold-probe", true, "")

	p.sweep(ctx)
	p.sweep(ctx)
	assert.Equal(t, "healthy", componentState(t, "threshold-probe"),
		"two failures stay below the retry threshold")

	p.sweep(ctx)
	assert.Contains(t, componentState(t, "threshold-probe"), "unhealthy")
}

func TestProberRecoversOnFirstSuccess(t *testing.T) {
	check := &flakyCheck{fail: true}
	p := NewProber(Config{Interval: time.Hour, Timeout: time.Second, Retries: 2},
		Probe{Name: "recovery-probe", Check: check.check})
	p.started = time.Now()

	ctx := context.Background()
	p.sweep(ctx)
	p.sweep(ctx)
	require.Contains(t, componentState(t, "recovery-probe"), "unhealthy")

	check.set(false)
	p.sweep(ctx)
	assert.Equal(t, "healthy", componentState(t, "recovery-probe"))
}

func TestProberStartPeriodSuppressesReports(t *testing.T) {
	check := &flakyCheck{fail: true}
	p := NewProber(Config{Interval: time.Hour, Timeout: time.Second, Retries: 1, StartPeriod: time.Hour},
		Probe{Name: "warming-probe", Check: check.check})
	p.started = time.Now()

	ctx := context.Background()
	metrics.UpdateComponent("warming-probe", true, "")

	p.sweep(ctx)
	p.sweep(ctx)
	assert.Equal(t, "healthy", componentState(t, "warming-probe"),
		"failures inside the start period must not be reported")

	p.started = time.Now().Add(-2 * time.Hour)
	p.sweep(ctx)
	assert.Contains(t, componentState(t, "warming-probe"), "unhealthy")
}

func TestProberRunLoop(t *testing.T) {
	check := &flakyCheck{fail: true}
	p := NewProber(Config{Interval: 5 * time.Millisecond, Timeout: time.Second, Retries: 1},
		Probe{Name: "loop-probe", Check: check.check})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		state, ok := metrics.GetHealth().Components["loop-probe"]
		return ok && state != "healthy"
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestCollaboratorProbes(t *testing.T) {
	ctx := context.Background()

	store, err := runstore.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := bus.NewMemoryBus()
	t.Cleanup(func() { b.Close() })

	assert.NoError(t, StoreProbe(store).Check(ctx))
	assert.NoError(t, BusProbe(b).Check(ctx))
	assert.NoError(t, SchedulerProbe(scheduler.NewFake()).Check(ctx))
}
