// Package runstore is the durable system of record for runs.
//
// A run record is created in status pending when a client submits work and
// is retained indefinitely once it reaches a terminal status. Every status
// change goes through Transition, a compare-and-swap on the current status,
// which is what guarantees that exactly one writer (worker, coordinator,
// or reaper) lands a terminal status no matter how the processes race:
//
//	ok, err := store.Transition(ctx, id, types.StatusRunning, types.StatusCompleted, runstore.Patch{
//		OutputData: output,
//		EndedAt:    &now,
//	})
//
// ok == false means the run was already moved by another writer; callers
// treat that as losing the race, not as an error.
//
// # Drivers
//
// BoltStore keeps runs in a local bbolt file and suits single-process
// deployments and tests. PostgresStore is the production driver: workers
// running on the cluster reach the same database over the network, and the
// CAS is one conditional UPDATE.
package runstore
