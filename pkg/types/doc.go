/*
Package types defines the shared data model of the run subsystem.

Every component speaks in terms of these types: the Run record persisted by
the run store, the Status state machine it obeys, the stream Envelope
published by workers and forwarded by the gateways, and the sentinel errors
used to classify failures at package boundaries.

# Run Lifecycle

A run moves through a fixed status graph:

	pending ──► running ──► completed
	   │            │
	   │            ├──────► failed
	   │            └──────► cancelled
	   ├──────────────────► failed
	   └──────────────────► cancelled

Terminal statuses (completed, failed, cancelled) are immutable; the store
rejects any transition out of them. StartedAt is set exactly when the run
first reaches running, EndedAt exactly when it reaches a terminal status,
and SubmittedAt <= StartedAt <= EndedAt always holds.

# Stream Envelopes

Result channels carry JSON envelopes:

	{"kind":"chunk","payload":...}   zero or more, in publication order
	{"kind":"end"}                   exactly one, closes a successful stream
	{"kind":"end","error":"..."}     exactly one, closes a failed stream

Log channels carry plain UTF-8 lines and have no envelope or terminator.

# Channel Naming

Channels are keyed by run id:

	types.ResultChannel(runID)  // "run_results:{id}"
	types.LogChannel(runID)     // "run_logs:{id}"

# Usage

Checking a transition before attempting it:

	if !run.Status.CanTransitionTo(types.StatusCancelled) {
		return types.ErrInvalidTransition
	}

Classifying a store error:

	run, err := store.Fetch(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		// 404
	}

# See Also

  - pkg/runstore for the persistence of Run records
  - pkg/bus for the channels envelopes travel on
  - pkg/api for the HTTP wire mapping of ErrorKind
*/
package types
