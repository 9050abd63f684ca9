package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/model"
)

var (
	// ErrTxActive is returned by Begin when a transaction is already open.
	// The store allows exactly one write transaction per coordinator
	// invocation; nested transactions are a caller bug.
	ErrTxActive = errors.New("transaction already active")

	// ErrNoTx is returned when a mutation or Commit is attempted without
	// an open transaction.
	ErrNoTx = errors.New("no active transaction")

	// ErrNotFound is returned by point reads for missing rows.
	ErrNotFound = errors.New("not found")
)

// PersistenceError reports a store write or commit failure that is not a
// constraint violation. It carries the attempted operation and entity
// identifier for logging and retry decisions.
type PersistenceError struct {
	// Op is the store operation, e.g. "put_story".
	Op string

	// Entity identifies the affected row, e.g. "story-7.1".
	Entity string

	// Err is the underlying database error.
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("store %s (%s): %v", e.Op, e.Entity, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// wrapWriteErr classifies a write failure: schema-level constraint
// violations (CHECK, FOREIGN KEY, UNIQUE) become ValidationErrors so they
// surface before the coordinator touches version control; everything else
// is a PersistenceError.
func wrapWriteErr(op, kind, id string, err error) error {
	if err == nil {
		return nil
	}
	if isConstraintErr(err) {
		return &model.ValidationError{Kind: kind, ID: id, Reason: err.Error()}
	}
	return &PersistenceError{Op: op, Entity: id, Err: err}
}

// isConstraintErr detects SQLite constraint violations by message. The
// driver does not export typed constraint errors through database/sql.
func isConstraintErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint")
}
