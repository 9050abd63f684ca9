// Package vcs provides a thin, typed wrapper over the version control tool
// that serves as loom's transaction boundary.
//
// A commit is what makes a paired file+store mutation durable and atomic
// together, so the adapter exposes exactly the operations the coordinator,
// consistency checker, and migration manager need: clean/dirty check, stage,
// commit, hard reset, branch management, and commit-history queries.
//
// Side effects are exactly those of the underlying git commands; there is no
// implicit staging beyond StageAll. Command failures surface the tool's
// output verbatim, tagged with the attempted operation (see GitError).
package vcs

import (
	"context"
	"time"
)

// CommitID is a git commit hash. It is used as a rollback checkpoint: the
// coordinator records Head() before mutating anything and hard-resets to it
// if the operation fails.
type CommitID string

// Short returns the abbreviated hash for display.
func (c CommitID) Short() string {
	if len(c) > 12 {
		return string(c[:12])
	}
	return string(c)
}

// CommitInfo describes a single commit in history.
type CommitInfo struct {
	// ID is the full commit hash.
	ID CommitID

	// Subject is the first line of the commit message.
	Subject string

	// Author is the author name.
	Author string

	// When is the author timestamp.
	When time.Time
}

// Adapter is the version control contract consumed by the state engine.
// The production implementation (Git) shells out to the git binary; tests
// substitute fakes to inject failures at specific points of the coordinator
// sequence.
type Adapter interface {
	// IsClean reports whether the working tree has no uncommitted changes.
	IsClean(ctx context.Context) (bool, error)

	// StageAll stages every change in the working tree (git add -A).
	StageAll(ctx context.Context) error

	// StageForce stages the given paths even when ignore rules exclude
	// them (git add -f). StageAll skips excluded files, so the database
	// needs this for the first commit that carries it.
	StageForce(ctx context.Context, paths ...string) error

	// Commit records staged changes and returns the new commit id.
	// Returns ErrNothingToCommit if staging produced no changes, unless
	// allowEmpty is set.
	Commit(ctx context.Context, message string, allowEmpty bool) (CommitID, error)

	// Head returns the current HEAD commit id.
	Head(ctx context.Context) (CommitID, error)

	// ResetHard discards all uncommitted and committed state back to the
	// given checkpoint. Destructive; used only for rollback.
	ResetHard(ctx context.Context, to CommitID) error

	// CreateBranch creates a branch at the current HEAD.
	CreateBranch(ctx context.Context, name string) error

	// Checkout switches the working tree to the named ref.
	Checkout(ctx context.Context, ref string) error

	// DeleteBranch force-deletes the named branch.
	DeleteBranch(ctx context.Context, name string) error

	// Merge merges the named branch into the current branch.
	Merge(ctx context.Context, name string) error

	// CurrentBranch returns the checked-out branch name, or "" if HEAD
	// is detached.
	CurrentBranch(ctx context.Context) (string, error)

	// LastCommitFor returns the most recent commit touching path, or nil
	// if the path has no history.
	LastCommitFor(ctx context.Context, path string) (*CommitInfo, error)

	// IsTracked reports whether path is tracked by version control.
	IsTracked(ctx context.Context, path string) (bool, error)

	// TrackedFiles lists tracked paths under the given prefix ("" = all),
	// relative to the repository root.
	TrackedFiles(ctx context.Context, prefix string) ([]string, error)

	// CommitsSince lists commits in the range (from, to], newest first,
	// optionally restricted to a path. Empty from means full history up
	// to to; empty to means HEAD.
	CommitsSince(ctx context.Context, from, to CommitID, path string) ([]CommitInfo, error)
}
