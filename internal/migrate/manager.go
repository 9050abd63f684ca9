// Package migrate brings an existing file-only project into the hybrid
// model by backfilling the state store from the markdown tree.
//
// The migration runs as four ordered phases, each committed separately on
// an isolated branch: create the schema, backfill epic rows, backfill story
// rows with history-inferred statuses, and validate that store aggregates
// match the filesystem. Any phase failure deletes the branch and checks out
// the original ref, so the main line is never touched and the migration can
// simply be re-run.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loomworks/loom/internal/consistency"
	"github.com/loomworks/loom/internal/docs"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/vcs"
)

// DefaultBranch is the isolated branch migrations run on.
const DefaultBranch = "loom-migrate"

// Manager runs the phased migration. It owns the store lifecycle for the
// duration of the run: the database is opened on the migration branch and
// removed again on abort if it did not exist before.
type Manager struct {
	dbPath   string
	tree     *docs.Tree
	vcs      vcs.Adapter
	log      *slog.Logger
	branch   string
	commitDB bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithBranch overrides the migration branch name.
func WithBranch(name string) Option {
	return func(m *Manager) { m.branch = name }
}

// WithLogger sets the manager's logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithCommitDatabase includes the database file in phase commits, matching
// the engine's commit-database policy. The WAL is checkpointed before each
// phase commit and the file force-added past the exclude rules that hide
// it while untracked.
func WithCommitDatabase(commit bool) Option {
	return func(m *Manager) { m.commitDB = commit }
}

// New creates a Manager that will populate the database at dbPath from the
// documents in tree.
func New(dbPath string, tree *docs.Tree, adapter vcs.Adapter, opts ...Option) *Manager {
	m := &Manager{
		dbPath: dbPath,
		tree:   tree,
		vcs:    adapter,
		log:    slog.Default(),
		branch: DefaultBranch,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Result reports what a completed migration did.
type Result struct {
	// Branch is the migration branch name.
	Branch string

	// Epics and Stories are the number of rows backfilled.
	Epics   int
	Stories int

	// Commits are the per-phase commit ids, in phase order.
	Commits []vcs.CommitID

	// Merged reports whether the branch was merged back and deleted.
	Merged bool
}

// Run executes all four phases. With merge set, a successful migration is
// merged back into the original branch and the migration branch deleted;
// otherwise the branch is left in place, checked out ready for review.
func (m *Manager) Run(ctx context.Context, merge bool) (*Result, error) {
	clean, err := m.vcs.IsClean(ctx)
	if err != nil {
		return nil, err
	}
	if !clean {
		return nil, fmt.Errorf("working tree has uncommitted changes; commit or discard them before migrating")
	}

	original, err := m.vcs.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	if original == "" {
		return nil, fmt.Errorf("cannot migrate from a detached HEAD")
	}

	_, statErr := os.Stat(m.dbPath)
	dbExisted := statErr == nil

	if err := m.vcs.CreateBranch(ctx, m.branch); err != nil {
		return nil, fmt.Errorf("failed to create migration branch: %w", err)
	}
	if err := m.vcs.Checkout(ctx, m.branch); err != nil {
		_ = m.vcs.DeleteBranch(ctx, m.branch)
		return nil, fmt.Errorf("failed to check out migration branch: %w", err)
	}

	st, err := store.Open(m.dbPath)
	if err != nil {
		m.abort(ctx, nil, original, dbExisted)
		return nil, err
	}

	result := &Result{Branch: m.branch}

	phases := []struct {
		name string
		run  func(context.Context, *store.Store, *Result) error
	}{
		{"create schema", m.createSchema},
		{"backfill epics", m.backfillEpics},
		{"backfill stories", m.backfillStories},
		{"validate counts", m.validate},
	}

	for i, phase := range phases {
		m.log.Info("migration phase starting", "phase", i+1, "name", phase.name)

		if err := phase.run(ctx, st, result); err != nil {
			m.abort(ctx, st, original, dbExisted)
			return nil, fmt.Errorf("migration phase %d (%s): %w", i+1, phase.name, err)
		}

		commit, err := m.commitPhase(ctx, st, i+1, phase.name)
		if err != nil {
			m.abort(ctx, st, original, dbExisted)
			return nil, fmt.Errorf("migration phase %d (%s): %w", i+1, phase.name, err)
		}
		result.Commits = append(result.Commits, commit)
	}

	// Checkpoint the WAL before any branch switch touches the tree.
	if err := st.Close(); err != nil {
		m.abort(ctx, nil, original, dbExisted)
		return nil, err
	}

	if merge {
		if err := m.vcs.Checkout(ctx, original); err != nil {
			return nil, err
		}
		if err := m.vcs.Merge(ctx, m.branch); err != nil {
			return nil, fmt.Errorf("failed to merge migration branch: %w", err)
		}
		if err := m.vcs.DeleteBranch(ctx, m.branch); err != nil {
			return nil, err
		}
		result.Merged = true
	}

	m.log.Info("migration complete",
		"epics", result.Epics, "stories", result.Stories, "merged", result.Merged)
	return result, nil
}

// createSchema is phase 1.
func (m *Manager) createSchema(ctx context.Context, st *store.Store, _ *Result) error {
	return st.InitSchema(ctx)
}

// backfillEpics is phase 2: every epic document becomes a row.
func (m *Manager) backfillEpics(ctx context.Context, st *store.Store, result *Result) error {
	paths, err := m.epicPaths()
	if err != nil {
		return err
	}

	if err := st.Begin(ctx); err != nil {
		return err
	}
	for _, rel := range paths {
		content, err := m.tree.Read(rel)
		if err != nil {
			_ = st.Rollback()
			return err
		}
		epic, _, err := docs.ParseEpic(content)
		if err != nil {
			_ = st.Rollback()
			return fmt.Errorf("failed to parse %s: %w", rel, err)
		}
		if err := st.PutEpic(ctx, epic); err != nil {
			_ = st.Rollback()
			return err
		}
		result.Epics++
	}
	return st.Commit()
}

// backfillStories is phase 3: every story document becomes a row, with its
// initial status inferred from commit history where that disagrees with the
// frontmatter. Epic counters are recomputed from the inserted rows.
func (m *Manager) backfillStories(ctx context.Context, st *store.Store, result *Result) error {
	checker := consistency.NewChecker(st, m.tree, m.vcs)

	paths, err := m.storyPaths()
	if err != nil {
		return err
	}

	if err := st.Begin(ctx); err != nil {
		return err
	}

	epics := make(map[int]bool)
	for _, rel := range paths {
		content, err := m.tree.Read(rel)
		if err != nil {
			_ = st.Rollback()
			return err
		}
		story, _, err := docs.ParseStory(content)
		if err != nil {
			_ = st.Rollback()
			return fmt.Errorf("failed to parse %s: %w", rel, err)
		}

		inferred, ok, err := checker.InferStoryStatus(ctx, rel, story.Status)
		if err != nil {
			_ = st.Rollback()
			return err
		}
		if ok && inferred != story.Status {
			m.log.Info("status inferred from history",
				"story", story.Key(), "frontmatter", story.Status, "inferred", inferred)
			story.Status = inferred
		}

		if err := st.PutStory(ctx, story); err != nil {
			_ = st.Rollback()
			return err
		}
		epics[story.EpicNumber] = true
		result.Stories++
	}

	for epic := range epics {
		if err := st.RecomputeEpicCounters(ctx, epic); err != nil {
			_ = st.Rollback()
			return err
		}
	}
	return st.Commit()
}

// validate is phase 4: store aggregates must match filesystem counts.
func (m *Manager) validate(ctx context.Context, st *store.Store, result *Result) error {
	epicRows, err := st.CountEpics(ctx)
	if err != nil {
		return err
	}
	storyRows, err := st.CountStories(ctx)
	if err != nil {
		return err
	}

	if epicRows != result.Epics {
		return fmt.Errorf("epic count mismatch: %d files, %d rows", result.Epics, epicRows)
	}
	if storyRows != result.Stories {
		return fmt.Errorf("story count mismatch: %d files, %d rows", result.Stories, storyRows)
	}
	return nil
}

// commitPhase records one phase checkpoint. Empty commits are allowed: a
// phase that only touched an excluded database still gets its checkpoint.
func (m *Manager) commitPhase(ctx context.Context, st *store.Store, n int, name string) (vcs.CommitID, error) {
	if m.commitDB {
		if err := st.Checkpoint(ctx); err != nil {
			return "", err
		}
	}
	if err := m.vcs.StageAll(ctx); err != nil {
		return "", err
	}
	if m.commitDB {
		if err := m.vcs.StageForce(ctx, m.dbPath); err != nil {
			return "", err
		}
	}
	message := fmt.Sprintf("chore(migrate): phase %d %s", n, name)
	return m.vcs.Commit(ctx, message, true)
}

// abort undoes a failed migration: close the store, return to the original
// ref, delete the branch, and remove a database this run created. Cleanup
// errors are logged, not returned, so the phase error stays primary.
func (m *Manager) abort(ctx context.Context, st *store.Store, original string, dbExisted bool) {
	if st != nil {
		_ = st.Rollback()
		if err := st.Close(); err != nil {
			m.log.Warn("migration abort: failed to close store", "error", err)
		}
	}

	// A phase that failed mid-commit can leave tracked files modified,
	// which would make the branch switch back refuse. Discard them; every
	// change on this branch is a migration artifact.
	if err := m.vcs.ResetHard(ctx, "HEAD"); err != nil {
		m.log.Warn("migration abort: failed to reset working tree", "error", err)
	}

	if err := m.vcs.Checkout(ctx, original); err != nil {
		m.log.Warn("migration abort: failed to restore branch", "branch", original, "error", err)
	}
	if err := m.vcs.DeleteBranch(ctx, m.branch); err != nil && !errors.Is(err, vcs.ErrRefNotFound) {
		m.log.Warn("migration abort: failed to delete branch", "branch", m.branch, "error", err)
	}

	if !dbExisted {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(m.dbPath + suffix); err != nil && !os.IsNotExist(err) {
				m.log.Warn("migration abort: failed to remove database file",
					"path", m.dbPath+suffix, "error", err)
			}
		}
	}
}

// epicPaths lists repo-relative epic document paths.
func (m *Manager) epicPaths() ([]string, error) {
	dir := m.tree.Abs(docs.EpicsDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		rel := filepath.Join(docs.EpicsDir, entry.Name())
		if _, ok := docs.ParseEpicPath(rel); ok {
			paths = append(paths, rel)
		}
	}
	return paths, nil
}

// storyPaths lists repo-relative story document paths across all per-epic
// subdirectories.
func (m *Manager) storyPaths() ([]string, error) {
	root := m.tree.Abs(docs.StoriesDir)
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}

	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to list stories under %s: %w", entry.Name(), err)
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			rel := filepath.Join(docs.StoriesDir, entry.Name(), file.Name())
			if _, _, ok := docs.ParseStoryPath(rel); ok {
				paths = append(paths, rel)
			}
		}
	}
	return paths, nil
}
