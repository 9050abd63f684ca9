package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loomworks/loom/internal/model"
)

// PutStory inserts or updates a story row inside the open transaction.
// The referenced epic must exist; a missing epic surfaces as a
// ValidationError from the foreign key constraint.
func (s *Store) PutStory(ctx context.Context, story *model.Story) error {
	if err := story.Validate(); err != nil {
		return err
	}

	tx, err := s.writer()
	if err != nil {
		return err
	}

	meta, err := json.Marshal(story.Metadata)
	if err != nil {
		return &PersistenceError{Op: "put_story", Entity: story.Key(), Err: err}
	}

	query := `
	INSERT INTO stories (
		epic, number, title, status, assignee, estimate, actual,
		created_at, updated_at, metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(epic, number) DO UPDATE SET
		title = excluded.title,
		status = excluded.status,
		assignee = excluded.assignee,
		estimate = excluded.estimate,
		actual = excluded.actual,
		updated_at = excluded.updated_at,
		metadata = excluded.metadata
	`

	_, err = tx.ExecContext(ctx, query,
		story.EpicNumber,
		story.Number,
		story.Title,
		string(story.Status),
		nullString(story.Assignee),
		nullInt(story.EstimatePoints),
		nullInt(story.ActualPoints),
		timeToString(story.CreatedAt),
		timeToString(story.UpdatedAt),
		string(meta),
	)
	return wrapWriteErr("put_story", "story", story.Key(), err)
}

// DeleteStory removes a story row inside the open transaction.
func (s *Store) DeleteStory(ctx context.Context, epic, number int) error {
	tx, err := s.writer()
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM stories WHERE epic = ? AND number = ?`, epic, number)
	return wrapWriteErr("delete_story", "story", model.StoryKey(epic, number), err)
}

const storyColumns = `epic, number, title, status, assignee, estimate, actual,
	created_at, updated_at, metadata`

// GetStory retrieves a story by its composite id. Returns ErrNotFound if
// missing.
func (s *Store) GetStory(ctx context.Context, epic, number int) (*model.Story, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE epic = ? AND number = ?`,
		epic, number)

	story, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, model.StoryKey(epic, number))
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get_story", Entity: model.StoryKey(epic, number), Err: err}
	}
	return story, nil
}

// ListStories returns all stories for an epic ordered by story number.
func (s *Store) ListStories(ctx context.Context, epic int) ([]*model.Story, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE epic = ? ORDER BY number ASC`, epic)
	if err != nil {
		return nil, &PersistenceError{Op: "list_stories", Entity: model.EpicKey(epic), Err: err}
	}
	defer rows.Close()

	return collectStories(rows)
}

// ListStoriesByAssignee returns an epic's stories for one assignee.
func (s *Store) ListStoriesByAssignee(ctx context.Context, epic int, assignee string) ([]*model.Story, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE epic = ? AND assignee = ? ORDER BY number ASC`,
		epic, assignee)
	if err != nil {
		return nil, &PersistenceError{Op: "list_stories_by_assignee", Entity: model.EpicKey(epic), Err: err}
	}
	defer rows.Close()

	return collectStories(rows)
}

// CountStories returns the number of story rows across all epics.
func (s *Store) CountStories(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM stories`).Scan(&count)
	if err != nil {
		return 0, &PersistenceError{Op: "count_stories", Err: err}
	}
	return count, nil
}

func collectStories(rows *sql.Rows) ([]*model.Story, error) {
	var stories []*model.Story
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, &PersistenceError{Op: "scan_story", Err: err}
		}
		stories = append(stories, story)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "scan_story", Err: err}
	}
	return stories, nil
}

func scanStory(row scanner) (*model.Story, error) {
	var story model.Story
	var status, createdAt, updatedAt string
	var assignee, meta sql.NullString
	var estimate, actual sql.NullInt64

	err := row.Scan(
		&story.EpicNumber,
		&story.Number,
		&story.Title,
		&status,
		&assignee,
		&estimate,
		&actual,
		&createdAt,
		&updatedAt,
		&meta,
	)
	if err != nil {
		return nil, err
	}

	story.Status = model.StoryStatus(status)
	story.Assignee = assignee.String
	story.EstimatePoints = int(estimate.Int64)
	story.ActualPoints = int(actual.Int64)
	story.CreatedAt = stringToTime(createdAt)
	story.UpdatedAt = stringToTime(updatedAt)
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &story.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal story metadata: %w", err)
		}
	}
	return &story, nil
}
