package types

import (
	"time"
)

// RunnableKind identifies which kind of configuration a run executes
type RunnableKind string

const (
	RunnableKindAgent RunnableKind = "agent"
	RunnableKindTeam  RunnableKind = "team"
)

// ParseRunnableKind validates a wire value into a RunnableKind
func ParseRunnableKind(s string) (RunnableKind, bool) {
	switch RunnableKind(s) {
	case RunnableKindAgent, RunnableKindTeam:
		return RunnableKind(s), true
	}
	return "", false
}

// Status represents the lifecycle state of a run
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus validates a wire value into a Status
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return Status(s), true
	}
	return "", false
}

// IsTerminal reports whether the status is final
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the status graph permits moving to next.
// Allowed edges: pending -> running, pending -> failed, pending -> cancelled,
// running -> completed, running -> failed, running -> cancelled.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed || next == StatusCancelled
	case StatusRunning:
		return next.IsTerminal()
	}
	return false
}

// Run is one execution attempt of a runnable. The record is created when the
// run is submitted and retained indefinitely after it reaches a terminal
// status.
type Run struct {
	ID             string         `json:"id"`
	RunnableKind   RunnableKind   `json:"runnable_kind"`
	RunnableID     string         `json:"runnable_id"`
	Status         Status         `json:"status"`
	InputVariables map[string]any `json:"input_variables,omitempty"`

	// OutputData is set only when Status is completed; ErrorMessage only
	// when Status is failed or cancelled. Never both.
	OutputData   any    `json:"output_data,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`

	// WorkerHandle identifies the worker resource at the cluster scheduler.
	WorkerHandle string `json:"worker_handle,omitempty"`
}

// Clone returns a copy with its own timestamp pointers, safe to mutate
// without aliasing the original record.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// ResultChannel returns the bus channel carrying result envelopes for a run
func ResultChannel(runID string) string {
	return "run_results:" + runID
}

// LogChannel returns the bus channel carrying log lines for a run
func LogChannel(runID string) string {
	return "run_logs:" + runID
}
