package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/moosh3/mindloom/pkg/types"
)

// Worker resource labels shared by every driver.
const (
	LabelApp      = "app"
	LabelAppValue = "mindloom-run"
	LabelRunID    = "mindloom/run-id"
)

// WorkerName returns the deterministic worker resource name for a run.
// Deterministic naming is what makes Launch idempotent: retrying a launch
// for the same run can only ever collide with itself.
func WorkerName(runID string) string {
	return "mindloom-run-" + runID
}

// Phase is the coarse lifecycle state of a worker resource as reported by
// the cluster. PhaseUnknown covers both "not found" and "cannot tell";
// callers apply a grace period before treating it as a loss.
type Phase string

const (
	PhaseActive    Phase = "active"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseUnknown   Phase = "unknown"
)

// LaunchSpec describes one worker to launch. InputVariables are serialized
// into the INPUT_VARIABLES environment variable; Env carries extra
// non-credential variables (driver selection, bus driver, engine). Resource
// quantities use Kubernetes quantity syntax ("500m", "1Gi") and may be empty.
type LaunchSpec struct {
	RunID          string
	RunnableKind   types.RunnableKind
	RunnableID     string
	InputVariables map[string]any

	Image          string
	Env            map[string]string
	SecretRef      string
	ServiceAccount string

	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string
}

// WorkerInfo is one worker resource as seen by ListRunWorkers.
type WorkerInfo struct {
	Handle string
	RunID  string
	Phase  Phase

	// FinishedAt is zero while the worker is active or unknown.
	FinishedAt time.Time
}

// Scheduler launches and tracks one-shot workers on a cluster. All methods
// are idempotent: launching an already-launched run returns the existing
// handle, deleting a missing worker returns nil.
type Scheduler interface {
	// Launch creates the worker for the spec and returns its handle.
	// Failures are wrapped in TransientError or PermanentError so the
	// caller can decide whether to retry.
	Launch(ctx context.Context, spec LaunchSpec) (string, error)

	// Inspect reports the phase of the worker behind a handle.
	Inspect(ctx context.Context, handle string) (Phase, error)

	// Delete removes the worker resource and anything it owns.
	Delete(ctx context.Context, handle string) error

	// ListRunWorkers enumerates every worker resource carrying the run
	// labels, finished ones included.
	ListRunWorkers(ctx context.Context) ([]WorkerInfo, error)
}

// TransientError marks a launch failure that is worth retrying within the
// launch budget.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a launch failure that no retry can fix, such as a
// rejected spec or an unresolvable image reference.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as not retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// workerLabels returns the labels every driver stamps on worker resources.
func workerLabels(runID string) map[string]string {
	return map[string]string{
		LabelApp:   LabelAppValue,
		LabelRunID: runID,
	}
}

// buildWorkerEnv assembles the invocation contract environment for a spec.
// Caller-provided Env entries win over the generated ones.
func buildWorkerEnv(spec LaunchSpec) (map[string]string, error) {
	inputJSON := []byte("{}")
	if spec.InputVariables != nil {
		var err error
		inputJSON, err = json.Marshal(spec.InputVariables)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal input variables: %w", err)
		}
	}

	env := map[string]string{
		"RUN_ID":          spec.RunID,
		"RUNNABLE_ID":     spec.RunnableID,
		"RUNNABLE_KIND":   string(spec.RunnableKind),
		"INPUT_VARIABLES": string(inputJSON),
		"LOG_CHANNEL":     types.LogChannel(spec.RunID),
		"RESULT_CHANNEL":  types.ResultChannel(spec.RunID),
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	return env, nil
}

// sortedEnvKeys keeps generated specs stable across launches.
func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
