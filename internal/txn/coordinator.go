// Package txn implements the transaction coordinator, the component that
// guarantees loom's hybrid state mutates together-or-not-at-all.
//
// Every write follows the same canonical sequence:
//
//  1. Assert the working tree is clean (PreconditionError otherwise).
//  2. Record HEAD as the rollback checkpoint.
//  3. Begin the store transaction.
//  4. Apply file writes (markdown on disk, not yet committed).
//  5. Apply store mutations inside the open transaction.
//  6. Commit the store transaction (durable in the database file).
//  7. Stage everything and commit (durable in version control).
//  8. Return the resulting entity and the new commit id.
//
// A failure at steps 3-6 rolls back the store transaction and hard-resets
// the tree to the checkpoint; nothing durable happened, so the rollback is
// clean. A failure at step 7 after step 6 succeeded is the one case this
// design cannot auto-roll-back: the database is durable but the commit is
// not. That surfaces as a RollbackError and halts further writes until a
// consistency repair pass.
package txn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/docs"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/vcs"
)

// DefaultLockTimeout bounds the wait for the write lock. Operations are
// short-lived and fully synchronous, so a longer wait means something is
// stuck, not slow.
const DefaultLockTimeout = 10 * time.Second

// Invalidator receives cache invalidation after a successful commit. The
// fast-read loader implements it; a nil invalidator is ignored.
type Invalidator interface {
	// InvalidateEpic drops cached projections for one epic.
	InvalidateEpic(epic int)

	// InvalidateAll drops every cached projection.
	InvalidateAll()
}

// FileWrite is a single markdown write applied at step 4.
type FileWrite struct {
	// Path is the repo-relative document path.
	Path string

	// Content is the full document content.
	Content []byte
}

// Operation bundles everything the coordinator needs for one atomic write:
// a precondition, the file writes, the store mutations, and the commit
// message. Long-running work (content generation, user interaction) must
// finish before the operation enters the coordinator.
type Operation struct {
	// Name identifies the operation, e.g. "create_story".
	Name string

	// Entity identifies the target, e.g. "story-7.1".
	Entity string

	// Precondition runs before anything executes, after the clean-tree
	// check. A ValidationError here aborts with zero side effects.
	Precondition func(ctx context.Context) error

	// Files are the markdown writes applied at step 4.
	Files []FileWrite

	// Mutate applies store mutations inside the open transaction.
	Mutate func(ctx context.Context, s *store.Store) error

	// CommitMessage follows the type(scope): summary convention.
	CommitMessage string

	// TouchedEpic is the epic whose cached projections the commit
	// invalidates; 0 invalidates everything.
	TouchedEpic int

	// Repair marks a consistency-repair operation. Repairs run even when
	// writes are halted, tolerate a dirty tree (the drift being repaired
	// may include uncommitted stray files), and may produce an empty
	// commit when only the database changed. Set only by the consistency
	// repairer.
	Repair bool
}

// Coordinator orchestrates atomic file+store+commit operations. Writes are
// serialized through a bounded-wait lock: one in-flight operation per
// project, with ErrBusy instead of an unbounded block.
type Coordinator struct {
	vcs   vcs.Adapter
	store *store.Store
	tree  *docs.Tree
	log   *slog.Logger

	cache       Invalidator
	lock        chan struct{}
	lockTimeout time.Duration
	commitDB    bool

	haltMu sync.Mutex
	halted bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithInvalidator wires the cache invalidation callback.
func WithInvalidator(inv Invalidator) Option {
	return func(c *Coordinator) { c.cache = inv }
}

// WithLockTimeout overrides the bounded lock wait.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.lockTimeout = d }
}

// WithCommitDatabase includes the database file in every commit. The file
// stays under the managed exclude rules while untracked, so the first
// commit force-adds it; before staging, the WAL is checkpointed so the
// committed file carries the state the transaction just wrote.
func WithCommitDatabase(commit bool) Option {
	return func(c *Coordinator) { c.commitDB = commit }
}

// WithLogger sets the coordinator's logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// New creates a Coordinator over the given adapter, store, and doc tree.
func New(adapter vcs.Adapter, s *store.Store, tree *docs.Tree, opts ...Option) *Coordinator {
	c := &Coordinator{
		vcs:         adapter,
		store:       s,
		tree:        tree,
		log:         slog.Default(),
		lock:        make(chan struct{}, 1),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tree returns the document tree the coordinator writes to.
func (c *Coordinator) Tree() *docs.Tree {
	return c.tree
}

// Store returns the state store the coordinator mutates.
func (c *Coordinator) Store() *store.Store {
	return c.store
}

// Halted reports whether a prior RollbackError has halted writes. Safe to
// poll concurrently with an in-flight operation.
func (c *Coordinator) Halted() bool {
	c.haltMu.Lock()
	defer c.haltMu.Unlock()
	return c.halted
}

// ClearHalt re-enables writes. Only the consistency repairer calls this,
// after verifying the tree, store, and history agree again.
func (c *Coordinator) ClearHalt() {
	c.setHalted(false)
}

func (c *Coordinator) setHalted(v bool) {
	c.haltMu.Lock()
	c.halted = v
	c.haltMu.Unlock()
}

// acquire takes the write lock with a bounded wait.
func (c *Coordinator) acquire(ctx context.Context) error {
	select {
	case c.lock <- struct{}{}:
		return nil
	case <-time.After(c.lockTimeout):
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) release() {
	<-c.lock
}

// Execute runs one operation through the canonical sequence and returns the
// resulting commit id. On any fully-rolled-back failure the working tree,
// store, and HEAD are unchanged and the error unwraps to the cause.
func (c *Coordinator) Execute(ctx context.Context, op *Operation) (vcs.CommitID, error) {
	if err := c.acquire(ctx); err != nil {
		return "", err
	}
	defer c.release()

	if c.Halted() && !op.Repair {
		return "", ErrHalted
	}

	// Step 1: nothing executes against a dirty tree. Repairs are exempt:
	// the stray changes are part of what they reconcile.
	if !op.Repair {
		clean, err := c.vcs.IsClean(ctx)
		if err != nil {
			return "", &OperationError{Op: op.Name, Entity: op.Entity, Err: err}
		}
		if !clean {
			return "", &PreconditionError{Op: op.Name, Reason: "working tree has uncommitted changes"}
		}
	}

	if op.Precondition != nil {
		if err := op.Precondition(ctx); err != nil {
			return "", err
		}
	}

	// Step 2: the rollback target.
	checkpoint, err := c.vcs.Head(ctx)
	if err != nil {
		return "", &OperationError{Op: op.Name, Entity: op.Entity, Err: err}
	}

	// Step 3.
	if err := c.store.Begin(ctx); err != nil {
		return "", &OperationError{Op: op.Name, Entity: op.Entity, Err: err}
	}

	// Steps 4-5: failures here roll back cleanly because the store was
	// never made durable and the tree resets to the checkpoint.
	if err := c.applyFiles(op); err != nil {
		return "", c.rollback(ctx, op, checkpoint, err)
	}
	if op.Mutate != nil {
		if err := op.Mutate(ctx, c.store); err != nil {
			return "", c.rollback(ctx, op, checkpoint, err)
		}
	}

	// Step 6.
	if err := c.store.Commit(); err != nil {
		return "", c.rollback(ctx, op, checkpoint, err)
	}

	// Step 7: past this point the database is durable. A failure here is
	// the one case that cannot be cleanly auto-rolled-back.
	if c.commitDB {
		// Checkpoint before staging so the committed database file is
		// current, and Close's final checkpoint finds nothing left to
		// move, leaving the tree clean for the next session.
		if err := c.store.Checkpoint(ctx); err != nil {
			return "", c.halt(op, err)
		}
	}
	if err := c.vcs.StageAll(ctx); err != nil {
		return "", c.halt(op, err)
	}
	if c.commitDB {
		if err := c.vcs.StageForce(ctx, c.store.Path()); err != nil {
			return "", c.halt(op, err)
		}
	}
	commit, err := c.vcs.Commit(ctx, op.CommitMessage, op.Repair)
	if err != nil {
		return "", c.halt(op, err)
	}

	if op.Repair {
		c.setHalted(false)
	}

	c.invalidate(op.TouchedEpic)
	c.log.Info("operation committed",
		"op", op.Name, "entity", op.Entity, "commit", commit.Short())

	return commit, nil
}

// applyFiles writes the operation's markdown files (step 4).
func (c *Coordinator) applyFiles(op *Operation) error {
	for _, fw := range op.Files {
		if err := c.tree.Write(fw.Path, fw.Content); err != nil {
			return err
		}
	}
	return nil
}

// rollback compensates a failure at steps 3-6: discard the store
// transaction, then hard-reset the tree to the checkpoint. If compensation
// itself fails, the error is promoted to a RollbackError and writes halt.
func (c *Coordinator) rollback(ctx context.Context, op *Operation, checkpoint vcs.CommitID, cause error) error {
	c.log.Warn("operation failed, rolling back",
		"op", op.Name, "entity", op.Entity, "checkpoint", checkpoint.Short(), "cause", cause)

	if err := c.store.Rollback(); err != nil {
		c.setHalted(true)
		return &RollbackError{Op: op.Name, Entity: op.Entity, Cause: cause, CompensationErr: err}
	}
	if err := c.vcs.ResetHard(ctx, checkpoint); err != nil {
		c.setHalted(true)
		return &RollbackError{Op: op.Name, Entity: op.Entity, Cause: cause, CompensationErr: err}
	}
	return &OperationError{Op: op.Name, Entity: op.Entity, Err: cause}
}

// halt handles a step-7 failure after the store commit succeeded. The
// database is durable but the commit is not; only a consistency pass can
// reconcile, so automatic writes stop here.
func (c *Coordinator) halt(op *Operation, cause error) error {
	c.setHalted(true)
	c.log.Error("commit failed after durable store write, halting",
		"op", op.Name, "entity", op.Entity, "cause", cause)
	return &RollbackError{Op: op.Name, Entity: op.Entity, Cause: cause}
}

func (c *Coordinator) invalidate(epic int) {
	if c.cache == nil {
		return
	}
	if epic > 0 {
		c.cache.InvalidateEpic(epic)
	} else {
		c.cache.InvalidateAll()
	}
}
