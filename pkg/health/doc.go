// Package health probes the control plane's collaborators (store, bus,
// scheduler) on an interval and feeds the outcomes into the readiness
// registry behind /readyz. A component is reported unhealthy only after a
// configurable number of consecutive failures, and recovers on the first
// successful probe, so brief broker hiccups do not bounce the process out
// of the load balancer.
package health
