package migrate

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/loomworks/loom/internal/docs"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/project"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/vcs"
)

// setupFileOnlyProject builds a repository holding only markdown documents,
// the way a project looks before it is migrated. With ignore set the repo
// carries a .gitignore hiding the state directory; without it the managed
// exclude rules are the only thing keeping the database out of the way.
func setupFileOnlyProject(t *testing.T, ignore bool) (*vcs.Git, *docs.Tree, string) {
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
	if ignore {
		if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(".loom/\n"), 0644); err != nil {
			t.Fatalf("WriteFile() failed: %v", err)
		}
	}

	tree := docs.NewTree(dir)
	writeDoc := func(rel string, content []byte) {
		t.Helper()
		if err := tree.Write(rel, content); err != nil {
			t.Fatalf("Write(%s) failed: %v", rel, err)
		}
	}

	epic := &model.Epic{Number: 7, Title: "Payments", Status: model.EpicActive}
	epicDoc, err := docs.RenderEpic(epic, "")
	if err != nil {
		t.Fatalf("RenderEpic() failed: %v", err)
	}
	writeDoc(tree.EpicPath(7), epicDoc)

	for n, status := range map[int]model.StoryStatus{
		1: model.StoryCompleted,
		2: model.StoryInProgress,
		3: model.StoryPlanning,
	} {
		story := &model.Story{EpicNumber: 7, Number: n, Title: "Story", Status: status}
		storyDoc, err := docs.RenderStory(story, "")
		if err != nil {
			t.Fatalf("RenderStory() failed: %v", err)
		}
		writeDoc(tree.StoryPath(7, n), storyDoc)
	}

	run("add", "-A")
	run("commit", "-m", "import existing project docs")

	git, err := vcs.NewGit(dir)
	if err != nil {
		t.Fatalf("NewGit() failed: %v", err)
	}
	return git, tree, dir
}

// TestRun_Success migrates a file-only project and merges the branch.
func TestRun_Success(t *testing.T) {
	git, tree, dir := setupFileOnlyProject(t, true)
	ctx := context.Background()
	dbPath := filepath.Join(dir, ".loom", "state.db")

	manager := New(dbPath, tree, git)
	result, err := manager.Run(ctx, true)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if result.Epics != 1 || result.Stories != 3 {
		t.Errorf("result = %d epics, %d stories", result.Epics, result.Stories)
	}
	if len(result.Commits) != 4 {
		t.Errorf("got %d phase commits, want 4", len(result.Commits))
	}
	if !result.Merged {
		t.Error("Run(merge=true) did not merge")
	}

	// Back on the original branch with the migration branch gone.
	branch, err := git.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch() failed: %v", err)
	}
	if branch != "main" {
		t.Errorf("CurrentBranch() = %q, want main", branch)
	}

	// The store holds the backfilled rows with recomputed counters.
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	defer s.Close()

	epic, err := s.GetEpic(ctx, 7)
	if err != nil {
		t.Fatalf("GetEpic() failed: %v", err)
	}
	if epic.TotalStories != 3 || epic.CompletedStories != 1 || epic.InProgressStories != 1 {
		t.Errorf("counters = %d total, %d completed, %d in progress",
			epic.TotalStories, epic.CompletedStories, epic.InProgressStories)
	}

	story, err := s.GetStory(ctx, 7, 1)
	if err != nil {
		t.Fatalf("GetStory() failed: %v", err)
	}
	if story.Status != model.StoryCompleted {
		t.Errorf("story 7.1 status = %s, want completed", story.Status)
	}
}

// TestRun_LeavesBranchWithoutMerge keeps the branch checked out for review.
func TestRun_LeavesBranchWithoutMerge(t *testing.T) {
	git, tree, dir := setupFileOnlyProject(t, true)
	ctx := context.Background()

	manager := New(filepath.Join(dir, ".loom", "state.db"), tree, git)
	result, err := manager.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.Merged {
		t.Error("Run(merge=false) reported merged")
	}

	branch, err := git.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch() failed: %v", err)
	}
	if branch != DefaultBranch {
		t.Errorf("CurrentBranch() = %q, want %q", branch, DefaultBranch)
	}
}

// TestRun_PhaseFailureRestoresOriginal aborts a failed migration with no
// trace: original branch, original HEAD, no database.
func TestRun_PhaseFailureRestoresOriginal(t *testing.T) {
	git, tree, dir := setupFileOnlyProject(t, true)
	ctx := context.Background()

	// A malformed story document makes phase 3 fail.
	badPath := tree.StoryPath(7, 9)
	if err := tree.Write(badPath, []byte("not a document\n")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	cmd := exec.Command("git", "add", "-A")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git add failed: %v\n%s", err, out)
	}
	cmd = exec.Command("git", "commit", "-m", "add malformed story")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git commit failed: %v\n%s", err, out)
	}

	before, err := git.Head(ctx)
	if err != nil {
		t.Fatalf("Head() failed: %v", err)
	}

	dbPath := filepath.Join(dir, ".loom", "state.db")
	manager := New(dbPath, tree, git)
	if _, err := manager.Run(ctx, true); err == nil {
		t.Fatal("Run() with malformed story = nil, want error")
	}

	// Original branch and commit restored.
	branch, err := git.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch() failed: %v", err)
	}
	if branch != "main" {
		t.Errorf("CurrentBranch() after abort = %q, want main", branch)
	}
	head, err := git.Head(ctx)
	if err != nil {
		t.Fatalf("Head() failed: %v", err)
	}
	if head != before {
		t.Error("abort did not restore the pre-migration commit")
	}

	// The migration branch and the database are gone.
	if err := git.Checkout(ctx, DefaultBranch); err == nil {
		t.Error("migration branch survived the abort")
	}
	if _, err := os.Stat(dbPath); !os.IsNotExist(err) {
		t.Error("database file survived the abort")
	}

	// The migration is re-runnable once the input is fixed.
	if err := os.Remove(tree.Abs(badPath)); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	cmd = exec.Command("git", "commit", "-am", "drop malformed story")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git commit failed: %v\n%s", err, out)
	}
	if _, err := manager.Run(ctx, true); err != nil {
		t.Errorf("re-run after fix failed: %v", err)
	}
}

// TestRun_CommitsDatabase migrates with the production exclude rules and
// no .gitignore: phase commits carry the database file, the sidecars stay
// out, and the post-merge tree is clean for the engine's first write.
func TestRun_CommitsDatabase(t *testing.T) {
	git, tree, dir := setupFileOnlyProject(t, false)
	ctx := context.Background()

	if err := project.WriteIgnoreRules(git); err != nil {
		t.Fatalf("WriteIgnoreRules() failed: %v", err)
	}

	dbPath := filepath.Join(dir, ".loom", "state.db")
	manager := New(dbPath, tree, git, WithCommitDatabase(true))
	result, err := manager.Run(ctx, true)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !result.Merged {
		t.Error("Run(merge=true) did not merge")
	}

	branch, err := git.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch() failed: %v", err)
	}
	if branch != "main" {
		t.Errorf("CurrentBranch() = %q, want main", branch)
	}

	clean, err := git.IsClean(ctx)
	if err != nil {
		t.Fatalf("IsClean() failed: %v", err)
	}
	if !clean {
		cmd := exec.Command("git", "status", "--porcelain")
		cmd.Dir = dir
		out, _ := cmd.CombinedOutput()
		t.Fatalf("tree dirty after merged migration:\n%s", out)
	}

	tracked, err := git.IsTracked(ctx, filepath.Join(".loom", "state.db"))
	if err != nil {
		t.Fatalf("IsTracked() failed: %v", err)
	}
	if !tracked {
		t.Error("database file should be committed by the migration")
	}
	for _, sidecar := range []string{"state.db-wal", "state.db-shm"} {
		tracked, err := git.IsTracked(ctx, filepath.Join(".loom", sidecar))
		if err != nil {
			t.Fatalf("IsTracked(%s) failed: %v", sidecar, err)
		}
		if tracked {
			t.Errorf("%s should never be committed", sidecar)
		}
	}

	// The committed database file is current: a fresh open sees the rows.
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	defer s.Close()
	epic, err := s.GetEpic(ctx, 7)
	if err != nil {
		t.Fatalf("GetEpic() failed: %v", err)
	}
	if epic.TotalStories != 3 {
		t.Errorf("TotalStories = %d, want 3", epic.TotalStories)
	}
}

// TestRun_DirtyTreeRefused requires a clean tree before branching.
func TestRun_DirtyTreeRefused(t *testing.T) {
	git, tree, dir := setupFileOnlyProject(t, true)

	if err := os.WriteFile(filepath.Join(dir, "stray.md"), []byte("x\n"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	manager := New(filepath.Join(dir, ".loom", "state.db"), tree, git)
	if _, err := manager.Run(context.Background(), true); err == nil {
		t.Error("Run() on dirty tree = nil, want error")
	}
}
