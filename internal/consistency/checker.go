// Package consistency detects and repairs drift between the three sources
// of loom's hybrid state: the markdown tree on disk, the state store, and
// version control history.
//
// Detection (Check) never mutates anything and is idempotent: repeated
// calls with no intervening change return an identical report. Repair is a
// separate, explicit call that treats the filesystem as the source of truth
// and applies the whole fix as one coordinator commit, so the fix itself is
// auditable and rollback-safe.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/loomworks/loom/internal/docs"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/vcs"
)

// IssueClass identifies a drift class.
type IssueClass string

const (
	// OrphanedRecord is a store row whose file no longer exists on disk.
	OrphanedRecord IssueClass = "orphaned_record"

	// UnregisteredFile is a tracked file with no corresponding store row.
	UnregisteredFile IssueClass = "unregistered_file"

	// StateMismatch is a store status that disagrees with the status
	// inferable from commit history.
	StateMismatch IssueClass = "state_mismatch"
)

// Issue is a single detected inconsistency. Issues are reported, never
// thrown: detection always completes and returns everything it found.
type Issue struct {
	Class IssueClass

	// Kind is the entity kind: "epic", "story", or "ceremony".
	Kind string

	// ID is the entity identifier, e.g. "story-7.1".
	ID string

	// Path is the repo-relative file path involved.
	Path string

	// Detail describes the issue, including statuses for mismatches.
	Detail string

	// WantStatus is the status the repairer would apply, for mismatches.
	WantStatus string
}

// Report is the result of one detection pass.
type Report struct {
	Issues []Issue
}

// Clean reports whether no drift was found.
func (r *Report) Clean() bool {
	return len(r.Issues) == 0
}

// Count returns the number of issues in the given class.
func (r *Report) Count(class IssueClass) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Class == class {
			n++
		}
	}
	return n
}

// Checker compares the store, the file tree, and version control history.
type Checker struct {
	store *store.Store
	tree  *docs.Tree
	vcs   vcs.Adapter
}

// NewChecker creates a Checker over the three state sources.
func NewChecker(s *store.Store, tree *docs.Tree, adapter vcs.Adapter) *Checker {
	return &Checker{store: s, tree: tree, vcs: adapter}
}

// Check performs a full detection pass. It reads all three sources but
// mutates none of them.
func (c *Checker) Check(ctx context.Context) (*Report, error) {
	report := &Report{}

	if err := c.checkEpics(ctx, report); err != nil {
		return nil, err
	}
	if err := c.checkStories(ctx, report); err != nil {
		return nil, err
	}
	if err := c.checkCeremonies(ctx, report); err != nil {
		return nil, err
	}
	if err := c.checkUnregistered(ctx, report); err != nil {
		return nil, err
	}

	// Deterministic order makes repeated reports comparable byte-for-byte.
	sort.Slice(report.Issues, func(i, j int) bool {
		a, b := report.Issues[i], report.Issues[j]
		if a.Class != b.Class {
			return a.Class < b.Class
		}
		return a.Path < b.Path
	})

	return report, nil
}

// checkEpics finds epic rows whose document is gone.
func (c *Checker) checkEpics(ctx context.Context, report *Report) error {
	epics, err := c.store.ListEpics(ctx)
	if err != nil {
		return err
	}

	for _, epic := range epics {
		path := c.tree.EpicPath(epic.Number)
		if !c.tree.Exists(path) {
			report.Issues = append(report.Issues, Issue{
				Class:  OrphanedRecord,
				Kind:   "epic",
				ID:     epic.Key(),
				Path:   path,
				Detail: "store row has no file on disk",
			})
		}
	}
	return nil
}

// checkStories finds orphaned story rows and status mismatches.
func (c *Checker) checkStories(ctx context.Context, report *Report) error {
	epics, err := c.store.ListEpics(ctx)
	if err != nil {
		return err
	}

	for _, epic := range epics {
		stories, err := c.store.ListStories(ctx, epic.Number)
		if err != nil {
			return err
		}
		for _, story := range stories {
			path := c.tree.StoryPath(story.EpicNumber, story.Number)
			if !c.tree.Exists(path) {
				report.Issues = append(report.Issues, Issue{
					Class:  OrphanedRecord,
					Kind:   "story",
					ID:     story.Key(),
					Path:   path,
					Detail: "store row has no file on disk",
				})
				continue
			}

			inferred, ok, err := c.InferStoryStatus(ctx, path, story.Status)
			if err != nil {
				return err
			}
			if ok && inferred != story.Status {
				report.Issues = append(report.Issues, Issue{
					Class:      StateMismatch,
					Kind:       "story",
					ID:         story.Key(),
					Path:       path,
					Detail:     fmt.Sprintf("store has %s, history suggests %s", story.Status, inferred),
					WantStatus: string(inferred),
				})
			}
		}
	}
	return nil
}

// checkCeremonies finds ceremony rows whose transcript is gone.
func (c *Checker) checkCeremonies(ctx context.Context, report *Report) error {
	ceremonies, err := c.store.ListCeremonies(ctx)
	if err != nil {
		return err
	}

	for _, ceremony := range ceremonies {
		if !c.tree.Exists(ceremony.TranscriptPath) {
			report.Issues = append(report.Issues, Issue{
				Class:  OrphanedRecord,
				Kind:   "ceremony",
				ID:     ceremony.ID,
				Path:   ceremony.TranscriptPath,
				Detail: "store row has no transcript on disk",
			})
		}
	}
	return nil
}

// checkUnregistered finds tracked epic and story documents with no store
// row.
func (c *Checker) checkUnregistered(ctx context.Context, report *Report) error {
	for _, prefix := range []string{docs.EpicsDir, docs.StoriesDir} {
		tracked, err := c.vcs.TrackedFiles(ctx, prefix)
		if err != nil {
			return err
		}

		for _, path := range tracked {
			if epicNum, ok := docs.ParseEpicPath(path); ok {
				_, err := c.store.GetEpic(ctx, epicNum)
				if errors.Is(err, store.ErrNotFound) {
					report.Issues = append(report.Issues, Issue{
						Class:  UnregisteredFile,
						Kind:   "epic",
						ID:     model.EpicKey(epicNum),
						Path:   path,
						Detail: "tracked file has no store row",
					})
				} else if err != nil {
					return err
				}
				continue
			}

			if epicNum, storyNum, ok := docs.ParseStoryPath(path); ok {
				_, err := c.store.GetStory(ctx, epicNum, storyNum)
				if errors.Is(err, store.ErrNotFound) {
					report.Issues = append(report.Issues, Issue{
						Class:  UnregisteredFile,
						Kind:   "story",
						ID:     model.StoryKey(epicNum, storyNum),
						Path:   path,
						Detail: "tracked file has no store row",
					})
				} else if err != nil {
					return err
				}
			}
		}
	}
	return nil
}
