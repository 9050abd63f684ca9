package vcs

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by adapter operations.
//
// These can be checked with errors.Is():
//
//	if errors.Is(err, vcs.ErrNothingToCommit) {
//	    // staging produced no changes
//	}
var (
	// ErrNotInRepo is returned when the path is not inside a git repository.
	ErrNotInRepo = errors.New("not in a git repository")

	// ErrNothingToCommit is returned by Commit when staging produced no
	// changes and allowEmpty was not set.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrRefExists is returned when creating a branch that already exists.
	ErrRefExists = errors.New("reference already exists")

	// ErrRefNotFound is returned when operating on a missing reference.
	ErrRefNotFound = errors.New("reference not found")
)

// GitError reports a failed git command. The underlying tool's output is
// carried verbatim so callers can log or display the real failure.
type GitError struct {
	// Op is the adapter operation that was attempted, e.g. "commit".
	Op string

	// Args are the git arguments that were run.
	Args []string

	// Output is the combined stdout/stderr of the failed command.
	Output string

	// Err is the underlying exec error.
	Err error
}

func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s (%s): %v", strings.Join(e.Args, " "), e.Op, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *GitError) Unwrap() error {
	return e.Err
}
