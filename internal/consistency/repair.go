package consistency

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/docs"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/txn"
	"github.com/loomworks/loom/internal/vcs"
)

// Repairer applies a detection report, treating the filesystem as the
// source of truth: orphaned rows are removed, unregistered files become
// rows, and mismatched statuses converge on the file's frontmatter (or on
// the history-inferred status when file and store already agree). The whole
// fix lands as one coordinator commit, so it is auditable and rollback-safe
// like any other write, and a successful repair re-enables writes after a
// RollbackError halt.
type Repairer struct {
	checker *Checker
	coord   *txn.Coordinator
}

// NewRepairer creates a Repairer around a checker and the coordinator.
func NewRepairer(checker *Checker, coord *txn.Coordinator) *Repairer {
	return &Repairer{checker: checker, coord: coord}
}

// Repair applies every issue in the report in one atomic commit. A clean
// report is a no-op. Returns the repair commit id.
func (r *Repairer) Repair(ctx context.Context, report *Report) (vcs.CommitID, error) {
	if report.Clean() {
		return "", nil
	}

	files, rowFixes, touched, err := r.plan(ctx, report)
	if err != nil {
		return "", err
	}

	op := &txn.Operation{
		Name:   "consistency_repair",
		Entity: fmt.Sprintf("%d issues", len(report.Issues)),
		Repair: true,
		Files:  files,
		Mutate: func(ctx context.Context, s *store.Store) error {
			for _, fix := range rowFixes {
				if err := fix(ctx, s); err != nil {
					return err
				}
			}
			// Fixed rows may have shifted epic aggregates.
			for epic := range touched {
				if err := s.RecomputeEpicCounters(ctx, epic); err != nil {
					return err
				}
			}
			return nil
		},
		CommitMessage: fmt.Sprintf("fix(consistency): repair %d issues", len(report.Issues)),
	}

	return r.coord.Execute(ctx, op)
}

// rowFix is one store mutation applied inside the repair transaction.
type rowFix func(ctx context.Context, s *store.Store) error

// plan converts a report into file writes and row fixes, reading state but
// mutating nothing. All decisions happen here so the coordinator sequence
// stays short-lived.
func (r *Repairer) plan(ctx context.Context, report *Report) ([]txn.FileWrite, []rowFix, map[int]bool, error) {
	tree := r.coord.Tree()
	var files []txn.FileWrite
	var fixes []rowFix
	touched := make(map[int]bool)

	for _, issue := range report.Issues {
		switch issue.Class {
		case OrphanedRecord:
			fix, err := planOrphan(issue, touched)
			if err != nil {
				return nil, nil, nil, err
			}
			fixes = append(fixes, fix)

		case UnregisteredFile:
			fix, err := planRegister(tree, issue, touched)
			if err != nil {
				return nil, nil, nil, err
			}
			fixes = append(fixes, fix)

		case StateMismatch:
			fileWrite, fix, err := r.planMismatch(ctx, tree, issue, touched)
			if err != nil {
				return nil, nil, nil, err
			}
			if fileWrite != nil {
				files = append(files, *fileWrite)
			}
			fixes = append(fixes, fix)

		default:
			return nil, nil, nil, fmt.Errorf("unknown issue class %q", issue.Class)
		}
	}
	return files, fixes, touched, nil
}

func planOrphan(issue Issue, touched map[int]bool) (rowFix, error) {
	switch issue.Kind {
	case "epic":
		epicNum, ok := docs.ParseEpicPath(issue.Path)
		if !ok {
			return nil, fmt.Errorf("malformed epic path %q", issue.Path)
		}
		return func(ctx context.Context, s *store.Store) error {
			return s.DeleteEpic(ctx, epicNum)
		}, nil
	case "story":
		epicNum, storyNum, ok := docs.ParseStoryPath(issue.Path)
		if !ok {
			return nil, fmt.Errorf("malformed story path %q", issue.Path)
		}
		touched[epicNum] = true
		return func(ctx context.Context, s *store.Store) error {
			return s.DeleteStory(ctx, epicNum, storyNum)
		}, nil
	case "ceremony":
		id := issue.ID
		return func(ctx context.Context, s *store.Store) error {
			return s.DeleteCeremony(ctx, id)
		}, nil
	default:
		return nil, fmt.Errorf("unknown entity kind %q", issue.Kind)
	}
}

func planRegister(tree *docs.Tree, issue Issue, touched map[int]bool) (rowFix, error) {
	content, err := tree.Read(issue.Path)
	if err != nil {
		return nil, err
	}

	switch issue.Kind {
	case "epic":
		epic, _, err := docs.ParseEpic(content)
		if err != nil {
			return nil, fmt.Errorf("cannot register %s: %w", issue.Path, err)
		}
		return func(ctx context.Context, s *store.Store) error {
			return s.PutEpic(ctx, epic)
		}, nil
	case "story":
		story, _, err := docs.ParseStory(content)
		if err != nil {
			return nil, fmt.Errorf("cannot register %s: %w", issue.Path, err)
		}
		touched[story.EpicNumber] = true
		return func(ctx context.Context, s *store.Store) error {
			return s.PutStory(ctx, story)
		}, nil
	default:
		return nil, fmt.Errorf("unknown entity kind %q", issue.Kind)
	}
}

// planMismatch converges a story's status. The file's frontmatter wins when
// it disagrees with the store; when file and store agree but history says
// otherwise, the inferred status is adopted into both so all three sources
// end up equal.
func (r *Repairer) planMismatch(ctx context.Context, tree *docs.Tree, issue Issue, touched map[int]bool) (*txn.FileWrite, rowFix, error) {
	if issue.Kind != "story" {
		return nil, nil, fmt.Errorf("unexpected mismatch kind %q", issue.Kind)
	}

	content, err := tree.Read(issue.Path)
	if err != nil {
		return nil, nil, err
	}
	story, body, err := docs.ParseStory(content)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot repair %s: %w", issue.Path, err)
	}

	var fileWrite *txn.FileWrite
	current, err := r.checker.store.GetStory(ctx, story.EpicNumber, story.Number)
	if err == nil && current.Status == story.Status && issue.WantStatus != "" {
		story.Status = model.StoryStatus(issue.WantStatus)
		updated, err := docs.RenderStory(story, body)
		if err != nil {
			return nil, nil, err
		}
		fileWrite = &txn.FileWrite{Path: issue.Path, Content: updated}
	}

	touched[story.EpicNumber] = true
	fixed := *story
	return fileWrite, func(ctx context.Context, s *store.Store) error {
		return s.PutStory(ctx, &fixed)
	}, nil
}
