package consistency

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/loomworks/loom/internal/docs"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/txn"
	"github.com/loomworks/loom/internal/vcs"
)

// fixture is a project with a real repo, store, coordinator, and checker.
type fixture struct {
	dir     string
	git     *vcs.Git
	store   *store.Store
	tree    *docs.Tree
	coord   *txn.Coordinator
	checker *Checker
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(".loom/\n"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	run("add", "-A")
	run("commit", "-m", "initial commit")

	git, err := vcs.NewGit(dir)
	if err != nil {
		t.Fatalf("NewGit() failed: %v", err)
	}
	s, err := store.Open(filepath.Join(dir, ".loom", "state.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	tree := docs.NewTree(dir)
	coord := txn.New(git, s, tree)
	return &fixture{
		dir:     dir,
		git:     git,
		store:   s,
		tree:    tree,
		coord:   coord,
		checker: NewChecker(s, tree, git),
	}
}

// seed creates an epic with one story through the coordinator, so all three
// sources agree.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := f.coord.CreateEpic(ctx, 7, "Payments", nil); err != nil {
		t.Fatalf("CreateEpic() failed: %v", err)
	}
	if _, _, err := f.coord.CreateStory(ctx, 7, 1, "Charge API", "alex", 3); err != nil {
		t.Fatalf("CreateStory() failed: %v", err)
	}
}

// TestCheck_CleanProject reports nothing on a consistent project.
func TestCheck_CleanProject(t *testing.T) {
	f := setupFixture(t)
	f.seed(t)

	report, err := f.checker.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if !report.Clean() {
		t.Errorf("Check() on consistent project = %+v, want clean", report.Issues)
	}
}

// TestCheck_OrphanedRecord detects a row whose file was deleted behind the
// engine's back.
func TestCheck_OrphanedRecord(t *testing.T) {
	f := setupFixture(t)
	f.seed(t)
	ctx := context.Background()

	if err := os.Remove(filepath.Join(f.dir, "stories", "epic-7", "story-7.1.md")); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}

	report, err := f.checker.Check(ctx)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if report.Count(OrphanedRecord) != 1 {
		t.Fatalf("orphaned = %d, want 1: %+v", report.Count(OrphanedRecord), report.Issues)
	}
	issue := report.Issues[0]
	if issue.Kind != "story" || issue.ID != "story-7.1" {
		t.Errorf("issue = %+v", issue)
	}
}

// TestCheck_UnregisteredFile detects a tracked document with no row.
func TestCheck_UnregisteredFile(t *testing.T) {
	f := setupFixture(t)
	f.seed(t)
	ctx := context.Background()

	// A story document committed outside the coordinator.
	story := &model.Story{
		EpicNumber: 7, Number: 2, Title: "Refund API", Status: model.StoryPlanning,
	}
	content, err := docs.RenderStory(story, "")
	if err != nil {
		t.Fatalf("RenderStory() failed: %v", err)
	}
	if err := f.tree.Write(f.tree.StoryPath(7, 2), content); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := f.git.StageAll(ctx); err != nil {
		t.Fatalf("StageAll() failed: %v", err)
	}
	if _, err := f.git.Commit(ctx, "add story manually", false); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	report, err := f.checker.Check(ctx)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if report.Count(UnregisteredFile) != 1 {
		t.Fatalf("unregistered = %d, want 1: %+v", report.Count(UnregisteredFile), report.Issues)
	}
	if report.Issues[0].ID != "story-7.2" {
		t.Errorf("issue = %+v", report.Issues[0])
	}
}

// TestCheck_StateMismatch detects a store status contradicted by history.
func TestCheck_StateMismatch(t *testing.T) {
	f := setupFixture(t)
	f.seed(t)
	ctx := context.Background()

	// Walk the story to completion, then force the row back so the store
	// disagrees with the completion commit.
	for _, status := range []model.StoryStatus{
		model.StoryReady, model.StoryInProgress, model.StoryReview, model.StoryCompleted,
	} {
		if _, _, err := f.coord.TransitionStory(ctx, 7, 1, status); err != nil {
			t.Fatalf("TransitionStory(%s) failed: %v", status, err)
		}
	}

	if err := f.store.Begin(ctx); err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	story, err := f.store.GetStory(ctx, 7, 1)
	if err != nil {
		t.Fatalf("GetStory() failed: %v", err)
	}
	story.Status = model.StoryInProgress
	if err := f.store.PutStory(ctx, story); err != nil {
		t.Fatalf("PutStory() failed: %v", err)
	}
	if err := f.store.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	report, err := f.checker.Check(ctx)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if report.Count(StateMismatch) != 1 {
		t.Fatalf("mismatched = %d, want 1: %+v", report.Count(StateMismatch), report.Issues)
	}
	issue := report.Issues[0]
	if issue.WantStatus != string(model.StoryCompleted) {
		t.Errorf("WantStatus = %q, want completed", issue.WantStatus)
	}
}

// TestCheck_Idempotent returns byte-identical reports on repeated runs.
func TestCheck_Idempotent(t *testing.T) {
	f := setupFixture(t)
	f.seed(t)
	ctx := context.Background()

	if err := os.Remove(filepath.Join(f.dir, "stories", "epic-7", "story-7.1.md")); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}

	first, err := f.checker.Check(ctx)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	second, err := f.checker.Check(ctx)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated Check() differs:\n%+v\n%+v", first.Issues, second.Issues)
	}
}

// TestRepair_Converges fixes a mixed report so a follow-up check is clean.
func TestRepair_Converges(t *testing.T) {
	f := setupFixture(t)
	f.seed(t)
	ctx := context.Background()
	repairer := NewRepairer(f.checker, f.coord)

	// Orphan: delete the story file behind the engine's back.
	if err := os.Remove(filepath.Join(f.dir, "stories", "epic-7", "story-7.1.md")); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}

	// Unregistered: an epic document committed manually.
	epic := &model.Epic{Number: 8, Title: "Search", Status: model.EpicPlanning}
	content, err := docs.RenderEpic(epic, "")
	if err != nil {
		t.Fatalf("RenderEpic() failed: %v", err)
	}
	if err := f.tree.Write(f.tree.EpicPath(8), content); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := f.git.StageAll(ctx); err != nil {
		t.Fatalf("StageAll() failed: %v", err)
	}
	if _, err := f.git.Commit(ctx, "add epic manually", false); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	report, err := f.checker.Check(ctx)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if report.Clean() {
		t.Fatal("expected drift before repair")
	}

	commit, err := repairer.Repair(ctx, report)
	if err != nil {
		t.Fatalf("Repair() failed: %v", err)
	}
	if commit == "" {
		t.Error("Repair() returned empty commit id")
	}

	// Orphaned row removed, unregistered file registered.
	if _, err := f.store.GetStory(ctx, 7, 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("orphaned story row survived repair: %v", err)
	}
	if _, err := f.store.GetEpic(ctx, 8); err != nil {
		t.Errorf("unregistered epic not registered: %v", err)
	}

	// Epic 7's counters reflect the removed story.
	epic7, err := f.store.GetEpic(ctx, 7)
	if err != nil {
		t.Fatalf("GetEpic() failed: %v", err)
	}
	if epic7.TotalStories != 0 {
		t.Errorf("TotalStories = %d, want 0 after orphan removal", epic7.TotalStories)
	}

	after, err := f.checker.Check(ctx)
	if err != nil {
		t.Fatalf("Check() after repair failed: %v", err)
	}
	if !after.Clean() {
		t.Errorf("Check() after repair = %+v, want clean", after.Issues)
	}
}

// TestRepair_CleanReportIsNoOp does nothing on a clean report.
func TestRepair_CleanReportIsNoOp(t *testing.T) {
	f := setupFixture(t)
	f.seed(t)
	ctx := context.Background()

	before, _ := f.git.Head(ctx)
	commit, err := NewRepairer(f.checker, f.coord).Repair(ctx, &Report{})
	if err != nil {
		t.Fatalf("Repair() failed: %v", err)
	}
	if commit != "" {
		t.Errorf("Repair() on clean report = %q, want empty", commit)
	}
	after, _ := f.git.Head(ctx)
	if before != after {
		t.Error("no-op repair moved HEAD")
	}
}
