// Package worker is the run execution harness. A worker process hosts
// exactly one run: it reads its invocation contract from the environment,
// resolves the runnable, streams output chunks to the run's result channel
// and log records to its log channel, then lands the terminal status in
// the store with a compare-and-swap.
//
// The harness is deliberately stateless between runs because there is no
// "between runs": the process exits when Run returns. Crash recovery is
// someone else's job (the coordinator's reaper); the harness only promises
// that whatever terminal status it writes is accompanied by a matching end
// envelope on the result channel, published before the status, so
// subscribers holding the stream open never miss the close.
//
// Large string chunks are split to keep individual bus envelopes under a
// fixed cap, and the decoded text is re-assembled into the run's
// output_data, up to an in-memory cap past which only the spill metadata
// is kept.
package worker
