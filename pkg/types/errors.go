package types

import "errors"

// Sentinel errors shared across the run subsystem. Callers branch with
// errors.Is after unwrapping.
var (
	// ErrNotFound means the requested run id has no record.
	ErrNotFound = errors.New("run not found")

	// ErrConflict means a compare-and-set lost to a concurrent writer.
	ErrConflict = errors.New("run status conflict")

	// ErrInvalidTransition means the requested edge is not in the status
	// graph regardless of the record's current state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ErrorKind is the stable machine-readable code carried in API error bodies
type ErrorKind string

const (
	ErrKindValidation        ErrorKind = "validation"
	ErrKindNotFound          ErrorKind = "not_found"
	ErrKindConflict          ErrorKind = "conflict"
	ErrKindTransientUpstream ErrorKind = "transient_upstream"
	ErrKindPermanentUpstream ErrorKind = "permanent_upstream"
	ErrKindOverflow          ErrorKind = "overflow"
	ErrKindInternal          ErrorKind = "internal"
)
