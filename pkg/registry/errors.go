package registry

import (
	"errors"
	"fmt"

	"github.com/3leaps/goqueue/pkg/record"
)

// Sentinel errors for registry operations. Callers match with errors.Is.
var (
	// ErrNotFound is returned when no record exists for a job id.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when a job id already exists, including
	// ids held by tombstones; an id is never reused.
	ErrDuplicateJob = errors.New("job id already exists")

	// ErrJobNotTerminal is returned when deleting a job that has not
	// reached a terminal state.
	ErrJobNotTerminal = errors.New("job is not in a terminal state")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("registry store is closed")

	// ErrWriterFailed is returned after an append failure that could not
	// be rolled back to a line boundary. The store no longer trusts its
	// position in the log; it must be reopened to recover.
	ErrWriterFailed = errors.New("registry writer failed, reopen required")
)

// InvalidTransitionError reports a status transition that the state machine
// does not allow. The record is left unmodified.
type InvalidTransitionError struct {
	JobID string
	From  record.Status
	To    record.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %q: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

// StorageError wraps an underlying IO failure. The operation is fatal; the
// record keeps its last known-good state.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("registry storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// CorruptLogError reports a malformed line in the interior of the log.
// Unlike a torn trailing line this is not self-healing and is surfaced to
// the operator.
type CorruptLogError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *CorruptLogError) Error() string {
	return fmt.Sprintf("registry log %s corrupt at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *CorruptLogError) Unwrap() error { return e.Err }
