package txn

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when another operation holds the write lock and
	// the bounded wait expired. Retrying is safe once the in-flight
	// operation finishes.
	ErrBusy = errors.New("another operation is in flight")

	// ErrHalted is returned when a previous operation ended in a
	// RollbackError. Automatic writes stay halted until a consistency
	// repair pass confirms the tree, store, and history agree again.
	ErrHalted = errors.New("writes halted pending consistency repair")
)

// PreconditionError reports a dirty working tree found before any mutation.
// Nothing was executed, so no rollback is needed; the caller must commit or
// discard the stray changes and retry.
type PreconditionError struct {
	// Op is the operation that was about to run.
	Op string

	// Reason describes the failed precondition.
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: precondition failed: %s", e.Op, e.Reason)
}

// RollbackError is the most severe failure: the operation failed after the
// store transaction became durable but before the commit landed, or the
// compensation itself failed. The two halves of the hybrid state may
// disagree, which automatic rollback cannot fix. The coordinator halts
// further writes until a consistency pass resolves the drift.
type RollbackError struct {
	// Op is the operation that failed.
	Op string

	// Entity identifies the target entity, e.g. "story-7.1".
	Entity string

	// Cause is the failure that triggered rollback.
	Cause error

	// CompensationErr is the failure of the rollback itself, if any.
	CompensationErr error
}

func (e *RollbackError) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("%s (%s): rollback failed after %v: %v",
			e.Op, e.Entity, e.Cause, e.CompensationErr)
	}
	return fmt.Sprintf("%s (%s): store committed but VCS commit failed, manual consistency pass required: %v",
		e.Op, e.Entity, e.Cause)
}

func (e *RollbackError) Unwrap() error {
	return e.Cause
}

// OperationError wraps a failure that was fully rolled back. The working
// tree, store, and HEAD are unchanged; retry is safe once the tree is
// confirmed clean.
type OperationError struct {
	// Op is the operation that failed, e.g. "create_story".
	Op string

	// Entity identifies the target entity.
	Entity string

	// Err is the underlying failure.
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Entity, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
