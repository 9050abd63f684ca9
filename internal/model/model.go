// Package model defines the entities managed by the loom state engine:
// epics, stories, action items, ceremony summaries, and learning entries.
//
// Every entity is exclusively owned by the state store. Entities are never
// partially persisted: they are created, updated, or deleted only as part of
// a coordinator operation that also produces exactly one commit.
package model

import (
	"fmt"
	"time"
)

// EpicStatus is the lifecycle status of an epic.
type EpicStatus string

const (
	EpicPlanning EpicStatus = "planning"
	EpicActive   EpicStatus = "active"
	EpicComplete EpicStatus = "complete"
	EpicArchived EpicStatus = "archived"
)

// Valid returns true if s is a known epic status.
func (s EpicStatus) Valid() bool {
	switch s {
	case EpicPlanning, EpicActive, EpicComplete, EpicArchived:
		return true
	}
	return false
}

// StoryStatus is the workflow status of a story. Transitions between
// statuses are constrained by the FSM in fsm.go.
type StoryStatus string

const (
	StoryPlanning   StoryStatus = "planning"
	StoryReady      StoryStatus = "ready"
	StoryInProgress StoryStatus = "in_progress"
	StoryReview     StoryStatus = "review"
	StoryBlocked    StoryStatus = "blocked"
	StoryCompleted  StoryStatus = "completed"
)

// Valid returns true if s is a known story status.
func (s StoryStatus) Valid() bool {
	switch s {
	case StoryPlanning, StoryReady, StoryInProgress, StoryReview, StoryBlocked, StoryCompleted:
		return true
	}
	return false
}

// ActionItemStatus is the status of a tracked follow-up task.
type ActionItemStatus string

const (
	ItemTodo       ActionItemStatus = "todo"
	ItemInProgress ActionItemStatus = "in_progress"
	ItemDone       ActionItemStatus = "done"
)

// Valid returns true if s is a known action item status.
func (s ActionItemStatus) Valid() bool {
	switch s {
	case ItemTodo, ItemInProgress, ItemDone:
		return true
	}
	return false
}

// Priority orders action items from low to critical.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid returns true if p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank returns the sort rank of the priority, critical first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// CeremonyType identifies a recorded team event.
type CeremonyType string

const (
	CeremonyStandup       CeremonyType = "standup"
	CeremonyRetrospective CeremonyType = "retrospective"
	CeremonyPlanning      CeremonyType = "planning"
	CeremonyReview        CeremonyType = "review"
)

// Valid returns true if c is a known ceremony type.
func (c CeremonyType) Valid() bool {
	switch c {
	case CeremonyStandup, CeremonyRetrospective, CeremonyPlanning, CeremonyReview:
		return true
	}
	return false
}

// LearningStatus is the status of a learning entry.
type LearningStatus string

const (
	LearningActive   LearningStatus = "active"
	LearningObsolete LearningStatus = "obsolete"
)

// Valid returns true if s is a known learning status.
func (s LearningStatus) Valid() bool {
	return s == LearningActive || s == LearningObsolete
}

// Epic is a top-level unit of planned work.
//
// The story counters (TotalStories, CompletedStories, InProgressStories) and
// Progress must always equal the aggregate of the epic's story rows; the
// coordinator recomputes them inside the same transaction as any story change.
type Epic struct {
	Number int        `yaml:"epic"`
	Title  string     `yaml:"title"`
	Status EpicStatus `yaml:"status"`

	TotalStories      int `yaml:"total_stories"`
	CompletedStories  int `yaml:"completed_stories"`
	InProgressStories int `yaml:"in_progress_stories"`

	// Progress is the percentage of completed stories, 0-100.
	Progress int `yaml:"progress"`

	// CurrentStory is the story number currently being worked on, 0 if none.
	CurrentStory int `yaml:"current_story,omitempty"`

	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`

	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// Validate checks field-level constraints on the epic.
func (e *Epic) Validate() error {
	if e.Number <= 0 {
		return validationf("epic", e.Key(), "epic number must be positive (got %d)", e.Number)
	}
	if e.Title == "" {
		return validationf("epic", e.Key(), "title is required")
	}
	if !e.Status.Valid() {
		return validationf("epic", e.Key(), "invalid status %q", e.Status)
	}
	return nil
}

// Key returns the display identifier of the epic, e.g. "epic-7".
func (e *Epic) Key() string {
	return fmt.Sprintf("epic-%d", e.Number)
}

// Story is a unit of work belonging to exactly one epic. Its identity is the
// composite (epic number, story number) pair.
type Story struct {
	EpicNumber int         `yaml:"epic"`
	Number     int         `yaml:"story"`
	Title      string      `yaml:"title"`
	Status     StoryStatus `yaml:"status"`
	Assignee   string      `yaml:"assignee,omitempty"`

	// EstimatePoints and ActualPoints record estimated vs. actual effort.
	EstimatePoints int `yaml:"estimate,omitempty"`
	ActualPoints   int `yaml:"actual,omitempty"`

	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`

	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// Validate checks field-level constraints on the story.
func (s *Story) Validate() error {
	if s.EpicNumber <= 0 {
		return validationf("story", s.Key(), "epic number must be positive (got %d)", s.EpicNumber)
	}
	if s.Number <= 0 {
		return validationf("story", s.Key(), "story number must be positive (got %d)", s.Number)
	}
	if s.Title == "" {
		return validationf("story", s.Key(), "title is required")
	}
	if !s.Status.Valid() {
		return validationf("story", s.Key(), "invalid status %q", s.Status)
	}
	return nil
}

// Key returns the display identifier of the story, e.g. "story-7.1".
func (s *Story) Key() string {
	return fmt.Sprintf("story-%d.%d", s.EpicNumber, s.Number)
}

// ActionItem is a tracked follow-up task, optionally tied to an epic, a
// story, and the ceremony that produced it.
type ActionItem struct {
	ID       int64            `yaml:"id,omitempty"`
	Summary  string           `yaml:"summary"`
	Assignee string           `yaml:"assignee,omitempty"`
	Status   ActionItemStatus `yaml:"status"`
	Priority Priority         `yaml:"priority"`

	// EpicNumber and StoryNumber link the item to work, 0 if unlinked.
	// StoryNumber is only meaningful when EpicNumber is set.
	EpicNumber  int `yaml:"epic,omitempty"`
	StoryNumber int `yaml:"story,omitempty"`

	// CeremonyID references the ceremony this item came out of, if any.
	CeremonyID string `yaml:"ceremony,omitempty"`

	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// Validate checks field-level constraints on the action item.
func (a *ActionItem) Validate() error {
	if a.Summary == "" {
		return validationf("action_item", fmt.Sprintf("%d", a.ID), "summary is required")
	}
	if !a.Status.Valid() {
		return validationf("action_item", fmt.Sprintf("%d", a.ID), "invalid status %q", a.Status)
	}
	if !a.Priority.Valid() {
		return validationf("action_item", fmt.Sprintf("%d", a.ID), "invalid priority %q", a.Priority)
	}
	if a.StoryNumber != 0 && a.EpicNumber == 0 {
		return validationf("action_item", fmt.Sprintf("%d", a.ID), "story link requires an epic link")
	}
	return nil
}

// CeremonySummary records a team event: who attended, what came out of it,
// and where the full transcript lives on disk.
type CeremonySummary struct {
	ID         string       `yaml:"id"`
	Type       CeremonyType `yaml:"type"`
	EpicNumber int          `yaml:"epic"`

	Participants []string `yaml:"participants,omitempty"`
	Outcomes     []string `yaml:"outcomes,omitempty"`

	// TranscriptPath is the repository-relative path to the transcript file.
	TranscriptPath string `yaml:"transcript"`

	CreatedAt time.Time `yaml:"created_at"`
}

// Validate checks field-level constraints on the ceremony summary.
func (c *CeremonySummary) Validate() error {
	if c.ID == "" {
		return validationf("ceremony", c.ID, "id is required")
	}
	if !c.Type.Valid() {
		return validationf("ceremony", c.ID, "invalid type %q", c.Type)
	}
	if c.EpicNumber <= 0 {
		return validationf("ceremony", c.ID, "epic number must be positive (got %d)", c.EpicNumber)
	}
	if c.TranscriptPath == "" {
		return validationf("ceremony", c.ID, "transcript path is required")
	}
	return nil
}

// LearningEntry is an indexed, topic-tagged insight. A newer entry may
// supersede an older one through a forward-only pointer: the new entry
// carries the id of the entry it replaces, and inserting a second entry
// that supersedes the same id is rejected. This keeps the chain acyclic
// without a mutable backlink graph.
type LearningEntry struct {
	ID        int64          `yaml:"id,omitempty"`
	Topic     string         `yaml:"topic"`
	Summary   string         `yaml:"summary"`
	Relevance string         `yaml:"relevance,omitempty"`
	Status    LearningStatus `yaml:"status"`

	// Supersedes is the id of the entry this one replaces, 0 for none.
	Supersedes int64 `yaml:"supersedes,omitempty"`

	CreatedAt time.Time `yaml:"created_at"`
}

// Validate checks field-level constraints on the learning entry.
func (l *LearningEntry) Validate() error {
	if l.Topic == "" {
		return validationf("learning", fmt.Sprintf("%d", l.ID), "topic is required")
	}
	if l.Summary == "" {
		return validationf("learning", fmt.Sprintf("%d", l.ID), "summary is required")
	}
	if !l.Status.Valid() {
		return validationf("learning", fmt.Sprintf("%d", l.ID), "invalid status %q", l.Status)
	}
	if l.Supersedes < 0 {
		return validationf("learning", fmt.Sprintf("%d", l.ID), "supersedes must reference a valid id")
	}
	return nil
}

// StoryKey formats the composite (epic, story) identifier, e.g. "story-7.1".
func StoryKey(epic, story int) string {
	return fmt.Sprintf("story-%d.%d", epic, story)
}

// EpicKey formats an epic identifier, e.g. "epic-7".
func EpicKey(epic int) string {
	return fmt.Sprintf("epic-%d", epic)
}
