package runstore

import (
	"context"
	"time"

	"github.com/moosh3/mindloom/pkg/types"
)

// Patch carries the fields a Transition may set alongside the status change.
// Zero values leave the stored field untouched, so a patch never clears
// previously written data.
type Patch struct {
	StartedAt    *time.Time
	EndedAt      *time.Time
	WorkerHandle string
	OutputData   any
	ErrorMessage string
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	RunnableID string
	Status     types.Status
}

// Store is the durable system of record for runs. Every mutation is durable
// before the call returns. Implementations must be safe for concurrent use.
type Store interface {
	// InsertPending creates a new run in status pending with SubmittedAt set
	// to the current time and returns the stored record. ID collisions are
	// retried internally.
	InsertPending(ctx context.Context, kind types.RunnableKind, runnableID string, inputVars map[string]any) (*types.Run, error)

	// Transition compare-and-swaps the run's status from expected to next,
	// applying the patch in the same atomic write. It returns (true, nil)
	// when this caller performed the transition, (false, nil) when the run
	// exists but its status no longer matches expected, and
	// types.ErrNotFound when the run does not exist. Transitions outside
	// the status graph return types.ErrInvalidTransition.
	Transition(ctx context.Context, id string, expected, next types.Status, patch Patch) (bool, error)

	// Fetch returns the run by id or types.ErrNotFound.
	Fetch(ctx context.Context, id string) (*types.Run, error)

	// List returns runs matching the filter, newest submission first.
	List(ctx context.Context, f Filter) ([]*types.Run, error)

	// ForEachActive calls fn for every non-terminal run within a single
	// consistent snapshot. Iteration stops at the first error from fn.
	// The snapshot may hold a storage transaction open, so fn must not
	// call back into the store; callers that need to mutate collect first
	// and act after iteration returns.
	ForEachActive(ctx context.Context, fn func(*types.Run) error) error

	// CountByStatus returns the number of runs per status, including
	// statuses with zero runs.
	CountByStatus(ctx context.Context) (map[types.Status]int, error)

	Close() error
}

// applyPatch writes the non-zero patch fields onto the record.
func applyPatch(r *types.Run, p Patch) {
	if p.StartedAt != nil {
		r.StartedAt = p.StartedAt
	}
	if p.EndedAt != nil {
		r.EndedAt = p.EndedAt
	}
	if p.WorkerHandle != "" {
		r.WorkerHandle = p.WorkerHandle
	}
	if p.OutputData != nil {
		r.OutputData = p.OutputData
	}
	if p.ErrorMessage != "" {
		r.ErrorMessage = p.ErrorMessage
	}
}
