// Package coordinator owns the lifecycle of runs on the control plane
// side: it persists the pending record, launches the one-shot worker with
// retry and error classification, handles cancellation, and runs the two
// background loops that keep the cluster honest.
//
// The reaper fails runs whose worker vanished or exited without writing a
// terminal status, after a grace window measured across sweeps. The
// cleanup loop deletes finished workers past their retention age. Both
// loops gate on leader election so exactly one replica acts at a time,
// and every terminal write goes through the store's compare-and-swap so a
// worker and the control plane can never both record an outcome.
package coordinator
