package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/moosh3/mindloom/pkg/log"
	"github.com/moosh3/mindloom/pkg/metrics"
)

// Probe checks one collaborator. Check returns nil when the collaborator
// answered within the prober's timeout.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config tunes the probe loop.
type Config struct {
	// Interval is the time between probe sweeps.
	Interval time.Duration

	// Timeout bounds a single probe call.
	Timeout time.Duration

	// Retries is the number of consecutive failures before a component
	// is reported unhealthy.
	Retries int

	// StartPeriod is a grace window after the prober starts during which
	// failures are observed but never reported, so slow collaborators
	// (a database still warming up) do not flap readiness.
	StartPeriod time.Duration
}

// DefaultConfig returns the prober defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    15 * time.Second,
		Timeout:     5 * time.Second,
		Retries:     3,
		StartPeriod: 0,
	}
}

// status tracks one probe between sweeps.
type status struct {
	consecutiveFailures int
	healthy             bool
	lastErr             error
}

// Prober periodically checks the control plane's collaborators and feeds
// the outcome into the readiness registry. A component flips unhealthy
// after Retries consecutive failures and recovers on the first success.
type Prober struct {
	cfg     Config
	probes  []Probe
	state   map[string]*status
	started time.Time
	logger  zerolog.Logger
}

func NewProber(cfg Config, probes ...Probe) *Prober {
	state := make(map[string]*status, len(probes))
	for _, p := range probes {
		// Assume healthy until proven otherwise, matching the initial
		// registration done at startup.
		state[p.Name] = &status{healthy: true}
	}
	return &Prober{
		cfg:    cfg,
		probes: probes,
		state:  state,
		logger: log.WithComponent("health"),
	}
}

// Run sweeps until ctx is cancelled. The first sweep happens immediately
// so readiness is honest right after startup.
func (p *Prober) Run(ctx context.Context) error {
	p.started = time.Now()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Prober) sweep(ctx context.Context) {
	for _, probe := range p.probes {
		p.runProbe(ctx, probe)
	}
}

func (p *Prober) runProbe(ctx context.Context, probe Probe) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	err := probe.Check(cctx)
	cancel()

	st := p.state[probe.Name]
	if err == nil {
		if !st.healthy {
			p.logger.Info().Str("component", probe.Name).Msg("Component recovered")
		}
		st.healthy = true
		st.consecutiveFailures = 0
		st.lastErr = nil
		metrics.UpdateComponent(probe.Name, true, "")
		return
	}

	st.consecutiveFailures++
	st.lastErr = err
	if p.inStartPeriod() {
		return
	}
	if st.consecutiveFailures < p.cfg.Retries {
		return
	}
	if st.healthy {
		p.logger.Warn().Str("component", probe.Name).Err(err).
			Int("failures", st.consecutiveFailures).Msg("Component unhealthy")
	}
	st.healthy = false
	metrics.UpdateComponent(probe.Name, false, err.Error())
}

func (p *Prober) inStartPeriod() bool {
	if p.cfg.StartPeriod == 0 {
		return false
	}
	return time.Since(p.started) < p.cfg.StartPeriod
}
