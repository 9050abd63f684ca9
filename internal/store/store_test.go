package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/model"
)

// openTestStore creates a store with schema in a temp dir.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return s
}

// inTx runs fn inside a committed transaction, failing the test on error.
func inTx(t *testing.T, s *Store, fn func(ctx context.Context) error) {
	t.Helper()
	ctx := context.Background()
	if err := s.Begin(ctx); err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	if err := fn(ctx); err != nil {
		_ = s.Rollback()
		t.Fatalf("tx body failed: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
}

func testEpic(n int) *model.Epic {
	now := time.Now()
	return &model.Epic{
		Number:    n,
		Title:     "Payments",
		Status:    model.EpicActive,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]string{"owner": "core"},
	}
}

func testStory(epic, n int, status model.StoryStatus) *model.Story {
	now := time.Now()
	return &model.Story{
		EpicNumber: epic,
		Number:     n,
		Title:      "Charge API",
		Status:     status,
		Assignee:   "alex",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// TestInitSchema_Idempotent runs schema creation twice.
func TestInitSchema_Idempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}
}

// TestTransactionDiscipline enforces the single-transaction contract.
func TestTransactionDiscipline(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Mutation outside a transaction is refused.
	if err := s.PutEpic(ctx, testEpic(1)); !errors.Is(err, ErrNoTx) {
		t.Errorf("PutEpic() outside tx = %v, want ErrNoTx", err)
	}
	if err := s.Commit(); !errors.Is(err, ErrNoTx) {
		t.Errorf("Commit() outside tx = %v, want ErrNoTx", err)
	}

	// Nested Begin is refused.
	if err := s.Begin(ctx); err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	if err := s.Begin(ctx); !errors.Is(err, ErrTxActive) {
		t.Errorf("nested Begin() = %v, want ErrTxActive", err)
	}

	// Rollback with no transaction is a no-op.
	if err := s.Rollback(); err != nil {
		t.Fatalf("Rollback() failed: %v", err)
	}
	if err := s.Rollback(); err != nil {
		t.Errorf("Rollback() with no tx = %v, want nil", err)
	}
}

// TestRollback_DiscardsWrites verifies nothing survives a rollback.
func TestRollback_DiscardsWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Begin(ctx); err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	if err := s.PutEpic(ctx, testEpic(1)); err != nil {
		t.Fatalf("PutEpic() failed: %v", err)
	}
	if err := s.Rollback(); err != nil {
		t.Fatalf("Rollback() failed: %v", err)
	}

	if _, err := s.GetEpic(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEpic() after rollback = %v, want ErrNotFound", err)
	}
}

// TestEpicRoundTrip writes and reads back an epic, then upserts.
func TestEpicRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	epic := testEpic(7)
	inTx(t, s, func(ctx context.Context) error { return s.PutEpic(ctx, epic) })

	got, err := s.GetEpic(ctx, 7)
	if err != nil {
		t.Fatalf("GetEpic() failed: %v", err)
	}
	if got.Title != "Payments" || got.Status != model.EpicActive {
		t.Errorf("GetEpic() = %+v", got)
	}
	if got.Metadata["owner"] != "core" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	// Upsert updates in place.
	epic.Title = "Payments v2"
	inTx(t, s, func(ctx context.Context) error { return s.PutEpic(ctx, epic) })
	got, err = s.GetEpic(ctx, 7)
	if err != nil {
		t.Fatalf("GetEpic() after upsert failed: %v", err)
	}
	if got.Title != "Payments v2" {
		t.Errorf("Title after upsert = %q", got.Title)
	}

	if _, err := s.GetEpic(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEpic(99) = %v, want ErrNotFound", err)
	}
}

// TestPutEpic_InvalidStatus surfaces the CHECK constraint as a
// ValidationError.
func TestPutEpic_InvalidStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	bad := testEpic(1)
	bad.Status = "half-done"

	if err := s.Begin(ctx); err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	defer s.Rollback()

	err := s.PutEpic(ctx, bad)
	if err == nil {
		t.Fatal("PutEpic() with bad status = nil, want error")
	}
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("error does not match ErrValidation: %v", err)
	}
}

// TestStoryForeignKey rejects stories for missing epics.
func TestStoryForeignKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Begin(ctx); err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	defer s.Rollback()

	err := s.PutStory(ctx, testStory(42, 1, model.StoryPlanning))
	if err == nil {
		t.Fatal("PutStory() without epic = nil, want error")
	}
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("error does not match ErrValidation: %v", err)
	}
}

// TestDeleteEpic_CascadesToStories verifies the ON DELETE CASCADE chain.
func TestDeleteEpic_CascadesToStories(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inTx(t, s, func(ctx context.Context) error {
		if err := s.PutEpic(ctx, testEpic(1)); err != nil {
			return err
		}
		return s.PutStory(ctx, testStory(1, 1, model.StoryPlanning))
	})

	inTx(t, s, func(ctx context.Context) error { return s.DeleteEpic(ctx, 1) })

	if _, err := s.GetStory(ctx, 1, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetStory() after epic delete = %v, want ErrNotFound", err)
	}
}

// TestRecomputeEpicCounters derives counters and progress from child rows.
func TestRecomputeEpicCounters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inTx(t, s, func(ctx context.Context) error {
		if err := s.PutEpic(ctx, testEpic(7)); err != nil {
			return err
		}
		statuses := []model.StoryStatus{
			model.StoryCompleted, model.StoryCompleted,
			model.StoryInProgress, model.StoryReady,
		}
		for i, status := range statuses {
			if err := s.PutStory(ctx, testStory(7, i+1, status)); err != nil {
				return err
			}
		}
		return s.RecomputeEpicCounters(ctx, 7)
	})

	epic, err := s.GetEpic(ctx, 7)
	if err != nil {
		t.Fatalf("GetEpic() failed: %v", err)
	}
	if epic.TotalStories != 4 {
		t.Errorf("TotalStories = %d, want 4", epic.TotalStories)
	}
	if epic.CompletedStories != 2 {
		t.Errorf("CompletedStories = %d, want 2", epic.CompletedStories)
	}
	if epic.InProgressStories != 1 {
		t.Errorf("InProgressStories = %d, want 1", epic.InProgressStories)
	}
	if epic.Progress != 50 {
		t.Errorf("Progress = %d, want 50", epic.Progress)
	}
}

// TestListOpenActionItems_Ordering returns critical items first.
func TestListOpenActionItems_Ordering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	inTx(t, s, func(ctx context.Context) error {
		if err := s.PutEpic(ctx, testEpic(1)); err != nil {
			return err
		}
		priorities := []model.Priority{
			model.PriorityLow, model.PriorityCritical, model.PriorityMedium, model.PriorityHigh,
		}
		for _, p := range priorities {
			item := &model.ActionItem{
				Summary:    "follow up " + string(p),
				Status:     model.ItemTodo,
				Priority:   p,
				EpicNumber: 1,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := s.PutActionItem(ctx, item); err != nil {
				return err
			}
			if item.ID == 0 {
				t.Error("PutActionItem() did not write back the id")
			}
		}
		// A done item must never appear in the open list.
		return s.PutActionItem(ctx, &model.ActionItem{
			Summary: "already done", Status: model.ItemDone,
			Priority: model.PriorityCritical, EpicNumber: 1,
			CreatedAt: now, UpdatedAt: now,
		})
	})

	items, err := s.ListOpenActionItems(ctx, ItemFilter{Epic: 1})
	if err != nil {
		t.Fatalf("ListOpenActionItems() failed: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("got %d items, want 4", len(items))
	}

	want := []model.Priority{
		model.PriorityCritical, model.PriorityHigh, model.PriorityMedium, model.PriorityLow,
	}
	for i, item := range items {
		if item.Priority != want[i] {
			t.Errorf("items[%d].Priority = %s, want %s", i, item.Priority, want[i])
		}
	}
}

// TestLearningSupersedeChain enforces the forward-only supersede rules.
func TestLearningSupersedeChain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	learning := func(topic string, supersedes int64) *model.LearningEntry {
		return &model.LearningEntry{
			Topic:      topic,
			Summary:    "use idempotency keys",
			Status:     model.LearningActive,
			Supersedes: supersedes,
			CreatedAt:  now,
		}
	}

	first := learning("payments", 0)
	inTx(t, s, func(ctx context.Context) error { return s.PutLearning(ctx, first) })
	if first.ID == 0 {
		t.Fatal("PutLearning() did not write back the id")
	}

	// Superseding marks the old entry obsolete.
	second := learning("payments", first.ID)
	inTx(t, s, func(ctx context.Context) error { return s.PutLearning(ctx, second) })

	active, err := s.SearchLearnings(ctx, "payments", true)
	if err != nil {
		t.Fatalf("SearchLearnings() failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != second.ID {
		t.Errorf("active learnings = %+v, want only the superseding entry", active)
	}

	// A second supersede of the same target is rejected.
	if err := s.Begin(ctx); err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	err = s.PutLearning(ctx, learning("payments", first.ID))
	_ = s.Rollback()
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("double supersede = %v, want ValidationError", err)
	}

	// Superseding a missing entry is rejected.
	if err := s.Begin(ctx); err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	err = s.PutLearning(ctx, learning("payments", 9999))
	_ = s.Rollback()
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("supersede of unknown entry = %v, want ValidationError", err)
	}
}

// TestCeremonyRoundTrip stores and lists ceremony summaries.
func TestCeremonyRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	summary := &model.CeremonySummary{
		ID:             "c-1",
		Type:           model.CeremonyRetrospective,
		EpicNumber:     1,
		Participants:   []string{"alex", "sam"},
		Outcomes:       []string{"split story"},
		TranscriptPath: "ceremonies/retrospective-c-1.md",
		CreatedAt:      time.Now(),
	}
	inTx(t, s, func(ctx context.Context) error {
		if err := s.PutEpic(ctx, testEpic(1)); err != nil {
			return err
		}
		return s.PutCeremony(ctx, summary)
	})

	recent, err := s.RecentCeremonies(ctx, model.CeremonyRetrospective, 5)
	if err != nil {
		t.Fatalf("RecentCeremonies() failed: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("got %d ceremonies, want 1", len(recent))
	}
	if got := recent[0]; got.ID != "c-1" || len(got.Participants) != 2 || got.Outcomes[0] != "split story" {
		t.Errorf("RecentCeremonies()[0] = %+v", got)
	}
}

// TestListStoriesByAssignee filters on the assignee column.
func TestListStoriesByAssignee(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inTx(t, s, func(ctx context.Context) error {
		if err := s.PutEpic(ctx, testEpic(1)); err != nil {
			return err
		}
		mine := testStory(1, 1, model.StoryReady)
		theirs := testStory(1, 2, model.StoryReady)
		theirs.Assignee = "sam"
		if err := s.PutStory(ctx, mine); err != nil {
			return err
		}
		return s.PutStory(ctx, theirs)
	})

	stories, err := s.ListStoriesByAssignee(ctx, 1, "sam")
	if err != nil {
		t.Fatalf("ListStoriesByAssignee() failed: %v", err)
	}
	if len(stories) != 1 || stories[0].Number != 2 {
		t.Errorf("ListStoriesByAssignee() = %+v", stories)
	}
}
