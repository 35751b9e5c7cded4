// Package election gates cluster-wide single-writer loops. The reaper and
// the cleanup sweep mutate shared state (run records, worker resources) and
// must run on exactly one control-plane replica at a time; an Elector tells
// them whether this process is that replica.
package election

import "context"

// Elector maintains candidacy for cluster-wide leadership.
type Elector interface {
	// Run participates in the election until ctx is done. It blocks.
	Run(ctx context.Context) error

	// IsLeader reports whether this process currently leads. Gated loops
	// check it at the top of every iteration, so a lost lease takes
	// effect within one period.
	IsLeader() bool
}

// Standalone is the elector for singleton deployments: always the leader,
// no coordination.
type Standalone struct{}

func (Standalone) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (Standalone) IsLeader() bool { return true }
