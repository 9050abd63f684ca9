package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/docs"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/vcs"
)

// CreateEpic creates a new epic: one markdown file, one store row, one
// commit.
func (c *Coordinator) CreateEpic(ctx context.Context, number int, title string, metadata map[string]string) (*model.Epic, vcs.CommitID, error) {
	now := time.Now()
	epic := &model.Epic{
		Number:    number,
		Title:     title,
		Status:    model.EpicPlanning,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  metadata,
	}
	if err := epic.Validate(); err != nil {
		return nil, "", err
	}

	content, err := docs.RenderEpic(epic, "")
	if err != nil {
		return nil, "", &OperationError{Op: "create_epic", Entity: epic.Key(), Err: err}
	}

	op := &Operation{
		Name:   "create_epic",
		Entity: epic.Key(),
		Precondition: func(ctx context.Context) error {
			if _, err := c.store.GetEpic(ctx, number); err == nil {
				return &model.ValidationError{Kind: "epic", ID: epic.Key(), Reason: "already exists"}
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			return nil
		},
		Files: []FileWrite{{Path: c.tree.EpicPath(number), Content: content}},
		Mutate: func(ctx context.Context, s *store.Store) error {
			return s.PutEpic(ctx, epic)
		},
		CommitMessage: fmt.Sprintf("feat(%s): create epic %q", epic.Key(), title),
		TouchedEpic:   number,
	}

	commit, err := c.Execute(ctx, op)
	if err != nil {
		return nil, "", err
	}
	return epic, commit, nil
}

// CreateStory creates a story under an existing epic and refreshes the
// epic's counters, all in one commit.
func (c *Coordinator) CreateStory(ctx context.Context, epicNum, number int, title, assignee string, estimate int) (*model.Story, vcs.CommitID, error) {
	now := time.Now()
	story := &model.Story{
		EpicNumber:     epicNum,
		Number:         number,
		Title:          title,
		Status:         model.StoryPlanning,
		Assignee:       assignee,
		EstimatePoints: estimate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := story.Validate(); err != nil {
		return nil, "", err
	}

	epic, err := c.store.GetEpic(ctx, epicNum)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", &model.ValidationError{Kind: "story", ID: story.Key(), Reason: "epic does not exist"}
		}
		return nil, "", err
	}

	storyDoc, err := docs.RenderStory(story, "")
	if err != nil {
		return nil, "", &OperationError{Op: "create_story", Entity: story.Key(), Err: err}
	}

	// The epic document carries the same counters as the epic row; refresh
	// it in the same commit so file and database never disagree.
	epic.TotalStories++
	epic.UpdatedAt = now
	epicDoc, err := c.renderEpicDoc(epic)
	if err != nil {
		return nil, "", &OperationError{Op: "create_story", Entity: story.Key(), Err: err}
	}

	op := &Operation{
		Name:   "create_story",
		Entity: story.Key(),
		Precondition: func(ctx context.Context) error {
			if _, err := c.store.GetStory(ctx, epicNum, number); err == nil {
				return &model.ValidationError{Kind: "story", ID: story.Key(), Reason: "already exists"}
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			return nil
		},
		Files: []FileWrite{
			{Path: c.tree.StoryPath(epicNum, number), Content: storyDoc},
			{Path: c.tree.EpicPath(epicNum), Content: epicDoc},
		},
		Mutate: func(ctx context.Context, s *store.Store) error {
			if err := s.PutStory(ctx, story); err != nil {
				return err
			}
			if err := s.PutEpic(ctx, epic); err != nil {
				return err
			}
			return s.RecomputeEpicCounters(ctx, epicNum)
		},
		CommitMessage: fmt.Sprintf("feat(%s): create story %q", story.Key(), title),
		TouchedEpic:   epicNum,
	}

	commit, err := c.Execute(ctx, op)
	if err != nil {
		return nil, "", err
	}
	return story, commit, nil
}

// TransitionStory moves a story through its workflow FSM. An illegal
// transition fails with a ValidationError before any file write, store
// mutation, or commit attempt.
func (c *Coordinator) TransitionStory(ctx context.Context, epicNum, number int, newStatus model.StoryStatus) (*model.Story, vcs.CommitID, error) {
	story, err := c.store.GetStory(ctx, epicNum, number)
	if err != nil {
		return nil, "", err
	}

	// Step 0: FSM legality, checked before anything executes.
	if err := model.CheckTransition(epicNum, number, story.Status, newStatus); err != nil {
		return nil, "", err
	}

	oldStatus := story.Status
	now := time.Now()
	story.Status = newStatus
	story.UpdatedAt = now

	epic, err := c.store.GetEpic(ctx, epicNum)
	if err != nil {
		return nil, "", err
	}

	// Keep the epic's counters and current-story pointer in step with the
	// transition so the epic document stays truthful.
	applyCountersDelta(epic, oldStatus, newStatus)
	switch newStatus {
	case model.StoryInProgress:
		epic.CurrentStory = number
	case model.StoryCompleted:
		if epic.CurrentStory == number {
			epic.CurrentStory = 0
		}
	}
	epic.UpdatedAt = now

	storyDoc, err := c.renderStoryDoc(story)
	if err != nil {
		return nil, "", &OperationError{Op: "transition_story", Entity: story.Key(), Err: err}
	}
	epicDoc, err := c.renderEpicDoc(epic)
	if err != nil {
		return nil, "", &OperationError{Op: "transition_story", Entity: story.Key(), Err: err}
	}

	op := &Operation{
		Name:   "transition_story",
		Entity: story.Key(),
		Files: []FileWrite{
			{Path: c.tree.StoryPath(epicNum, number), Content: storyDoc},
			{Path: c.tree.EpicPath(epicNum), Content: epicDoc},
		},
		Mutate: func(ctx context.Context, s *store.Store) error {
			if err := s.PutStory(ctx, story); err != nil {
				return err
			}
			if err := s.PutEpic(ctx, epic); err != nil {
				return err
			}
			return s.RecomputeEpicCounters(ctx, epicNum)
		},
		CommitMessage: transitionMessage(story, oldStatus, newStatus),
		TouchedEpic:   epicNum,
	}

	commit, err := c.Execute(ctx, op)
	if err != nil {
		return nil, "", err
	}
	return story, commit, nil
}

// transitionMessage builds the structured commit message for a transition.
// The consistency checker's status heuristics key off these subjects, so
// the subject names only the target status, never the source.
func transitionMessage(story *model.Story, _, to model.StoryStatus) string {
	switch to {
	case model.StoryCompleted:
		return fmt.Sprintf("feat(%s): complete story", story.Key())
	case model.StoryInProgress:
		return fmt.Sprintf("feat(%s): start story, now in progress", story.Key())
	default:
		return fmt.Sprintf("chore(%s): move story to %s", story.Key(), to)
	}
}

// applyCountersDelta adjusts the epic's aggregate counters for one story
// moving between statuses. The store recomputes the same numbers from the
// child rows inside the transaction; this keeps the rendered document equal.
func applyCountersDelta(epic *model.Epic, from, to model.StoryStatus) {
	if from == model.StoryCompleted {
		epic.CompletedStories--
	}
	if from == model.StoryInProgress {
		epic.InProgressStories--
	}
	if to == model.StoryCompleted {
		epic.CompletedStories++
	}
	if to == model.StoryInProgress {
		epic.InProgressStories++
	}
	if epic.TotalStories > 0 {
		epic.Progress = epic.CompletedStories * 100 / epic.TotalStories
	} else {
		epic.Progress = 0
	}
}

// EpicMetadataUpdate is a partial update applied by UpdateEpicMetadata.
// Zero-valued fields are left unchanged.
type EpicMetadataUpdate struct {
	Title    string
	Status   model.EpicStatus
	Metadata map[string]string
}

// UpdateEpicMetadata updates an epic's title, status, or free-form metadata
// in one commit.
func (c *Coordinator) UpdateEpicMetadata(ctx context.Context, epicNum int, update EpicMetadataUpdate) (*model.Epic, vcs.CommitID, error) {
	epic, err := c.store.GetEpic(ctx, epicNum)
	if err != nil {
		return nil, "", err
	}

	if update.Title != "" {
		epic.Title = update.Title
	}
	if update.Status != "" {
		if !update.Status.Valid() {
			return nil, "", &model.ValidationError{
				Kind: "epic", ID: epic.Key(),
				Reason: fmt.Sprintf("invalid status %q", update.Status),
			}
		}
		epic.Status = update.Status
	}
	if update.Metadata != nil {
		if epic.Metadata == nil {
			epic.Metadata = make(map[string]string)
		}
		for k, v := range update.Metadata {
			epic.Metadata[k] = v
		}
	}
	epic.UpdatedAt = time.Now()

	epicDoc, err := c.renderEpicDoc(epic)
	if err != nil {
		return nil, "", &OperationError{Op: "update_epic_metadata", Entity: epic.Key(), Err: err}
	}

	op := &Operation{
		Name:   "update_epic_metadata",
		Entity: epic.Key(),
		Files:  []FileWrite{{Path: c.tree.EpicPath(epicNum), Content: epicDoc}},
		Mutate: func(ctx context.Context, s *store.Store) error {
			return s.PutEpic(ctx, epic)
		},
		CommitMessage: fmt.Sprintf("chore(%s): update metadata", epic.Key()),
		TouchedEpic:   epicNum,
	}

	commit, err := c.Execute(ctx, op)
	if err != nil {
		return nil, "", err
	}
	return epic, commit, nil
}

// CeremonyRecord bundles everything a recorded ceremony produces. The
// transcript content must be fully generated before the operation starts;
// the atomic sequence itself stays short-lived.
type CeremonyRecord struct {
	Type         model.CeremonyType
	Epic         int
	Participants []string
	Outcomes     []string

	// Transcript is the full markdown transcript body.
	Transcript string

	// ActionItems are created alongside the summary, linked to the
	// ceremony. Status and priority default to todo/medium when unset.
	ActionItems []model.ActionItem

	// Learnings are optional insights captured during the ceremony.
	Learnings []model.LearningEntry
}

// RecordCeremony writes one transcript file, one ceremony row, N action item
// rows, and optional learning rows, all in one atomic operation.
func (c *Coordinator) RecordCeremony(ctx context.Context, rec CeremonyRecord) (*model.CeremonySummary, vcs.CommitID, error) {
	now := time.Now()
	summary := &model.CeremonySummary{
		ID:           uuid.NewString(),
		Type:         rec.Type,
		EpicNumber:   rec.Epic,
		Participants: rec.Participants,
		Outcomes:     rec.Outcomes,
		CreatedAt:    now,
	}
	summary.TranscriptPath = c.tree.CeremonyPath(rec.Type, summary.ID)
	if err := summary.Validate(); err != nil {
		return nil, "", err
	}

	if _, err := c.store.GetEpic(ctx, rec.Epic); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", &model.ValidationError{Kind: "ceremony", ID: summary.ID, Reason: "epic does not exist"}
		}
		return nil, "", err
	}

	transcriptDoc, err := docs.RenderCeremony(summary, rec.Transcript)
	if err != nil {
		return nil, "", &OperationError{Op: "record_ceremony", Entity: summary.ID, Err: err}
	}

	op := &Operation{
		Name:   "record_ceremony",
		Entity: summary.ID,
		Files:  []FileWrite{{Path: summary.TranscriptPath, Content: transcriptDoc}},
		Mutate: func(ctx context.Context, s *store.Store) error {
			if err := s.PutCeremony(ctx, summary); err != nil {
				return err
			}
			for i := range rec.ActionItems {
				item := rec.ActionItems[i]
				item.CeremonyID = summary.ID
				if item.EpicNumber == 0 {
					item.EpicNumber = rec.Epic
				}
				if item.Status == "" {
					item.Status = model.ItemTodo
				}
				if item.Priority == "" {
					item.Priority = model.PriorityMedium
				}
				item.CreatedAt = now
				item.UpdatedAt = now
				if err := s.PutActionItem(ctx, &item); err != nil {
					return err
				}
			}
			for i := range rec.Learnings {
				learning := rec.Learnings[i]
				if learning.Status == "" {
					learning.Status = model.LearningActive
				}
				learning.CreatedAt = now
				if err := s.PutLearning(ctx, &learning); err != nil {
					return err
				}
			}
			return nil
		},
		CommitMessage: fmt.Sprintf("docs(%s): record %s ceremony", model.EpicKey(rec.Epic), rec.Type),
		TouchedEpic:   rec.Epic,
	}

	commit, err := c.Execute(ctx, op)
	if err != nil {
		return nil, "", err
	}
	return summary, commit, nil
}

// renderEpicDoc renders the epic document, preserving the existing markdown
// body when the file already exists.
func (c *Coordinator) renderEpicDoc(epic *model.Epic) ([]byte, error) {
	body := ""
	if content, err := c.tree.Read(c.tree.EpicPath(epic.Number)); err == nil {
		if _, existing, err := docs.ParseEpic(content); err == nil {
			body = existing
		}
	}
	return docs.RenderEpic(epic, body)
}

// renderStoryDoc renders the story document, preserving the existing body.
func (c *Coordinator) renderStoryDoc(story *model.Story) ([]byte, error) {
	body := ""
	if content, err := c.tree.Read(c.tree.StoryPath(story.EpicNumber, story.Number)); err == nil {
		if _, existing, err := docs.ParseStory(content); err == nil {
			body = existing
		}
	}
	return docs.RenderStory(story, body)
}
