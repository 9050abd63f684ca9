package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loomworks/loom/internal/model"
)

// PutEpic inserts or updates an epic row inside the open transaction.
func (s *Store) PutEpic(ctx context.Context, epic *model.Epic) error {
	if err := epic.Validate(); err != nil {
		return err
	}

	tx, err := s.writer()
	if err != nil {
		return err
	}

	meta, err := json.Marshal(epic.Metadata)
	if err != nil {
		return &PersistenceError{Op: "put_epic", Entity: epic.Key(), Err: err}
	}

	query := `
	INSERT INTO epics (
		number, title, status, total_stories, completed_stories,
		in_progress_stories, progress, current_story, created_at, updated_at, metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(number) DO UPDATE SET
		title = excluded.title,
		status = excluded.status,
		total_stories = excluded.total_stories,
		completed_stories = excluded.completed_stories,
		in_progress_stories = excluded.in_progress_stories,
		progress = excluded.progress,
		current_story = excluded.current_story,
		updated_at = excluded.updated_at,
		metadata = excluded.metadata
	`

	_, err = tx.ExecContext(ctx, query,
		epic.Number,
		epic.Title,
		string(epic.Status),
		epic.TotalStories,
		epic.CompletedStories,
		epic.InProgressStories,
		epic.Progress,
		nullInt(epic.CurrentStory),
		timeToString(epic.CreatedAt),
		timeToString(epic.UpdatedAt),
		string(meta),
	)
	return wrapWriteErr("put_epic", "epic", epic.Key(), err)
}

// DeleteEpic removes an epic row and, through cascading foreign keys, its
// stories and their linked rows. Used only by consistency repair.
func (s *Store) DeleteEpic(ctx context.Context, number int) error {
	tx, err := s.writer()
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM epics WHERE number = ?`, number)
	return wrapWriteErr("delete_epic", "epic", model.EpicKey(number), err)
}

// RecomputeEpicCounters refreshes the epic's story counters and progress
// from the aggregate of its story rows, inside the open transaction. This
// maintains the invariant that counters always equal the child aggregates.
func (s *Store) RecomputeEpicCounters(ctx context.Context, number int) error {
	tx, err := s.writer()
	if err != nil {
		return err
	}

	query := `
	UPDATE epics SET
		total_stories = (SELECT COUNT(*) FROM stories WHERE epic = ?),
		completed_stories = (SELECT COUNT(*) FROM stories WHERE epic = ? AND status = 'completed'),
		in_progress_stories = (SELECT COUNT(*) FROM stories WHERE epic = ? AND status = 'in_progress'),
		progress = CASE
			WHEN (SELECT COUNT(*) FROM stories WHERE epic = ?) = 0 THEN 0
			ELSE (SELECT COUNT(*) FROM stories WHERE epic = ? AND status = 'completed') * 100 /
			     (SELECT COUNT(*) FROM stories WHERE epic = ?)
		END
	WHERE number = ?
	`

	_, err = tx.ExecContext(ctx, query, number, number, number, number, number, number, number)
	return wrapWriteErr("recompute_epic", "epic", model.EpicKey(number), err)
}

// SetCurrentStory updates the epic's current-story pointer inside the open
// transaction. Zero clears the pointer.
func (s *Store) SetCurrentStory(ctx context.Context, epic, story int) error {
	tx, err := s.writer()
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE epics SET current_story = ? WHERE number = ?`, nullInt(story), epic)
	return wrapWriteErr("set_current_story", "epic", model.EpicKey(epic), err)
}

const epicColumns = `number, title, status, total_stories, completed_stories,
	in_progress_stories, progress, current_story, created_at, updated_at, metadata`

// GetEpic retrieves a single epic by number. Returns ErrNotFound if missing.
func (s *Store) GetEpic(ctx context.Context, number int) (*model.Epic, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+epicColumns+` FROM epics WHERE number = ?`, number)

	epic, err := scanEpic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, model.EpicKey(number))
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get_epic", Entity: model.EpicKey(number), Err: err}
	}
	return epic, nil
}

// ListEpics returns all epics ordered by number.
func (s *Store) ListEpics(ctx context.Context) ([]*model.Epic, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+epicColumns+` FROM epics ORDER BY number ASC`)
	if err != nil {
		return nil, &PersistenceError{Op: "list_epics", Err: err}
	}
	defer rows.Close()

	var epics []*model.Epic
	for rows.Next() {
		epic, err := scanEpic(rows)
		if err != nil {
			return nil, &PersistenceError{Op: "list_epics", Err: err}
		}
		epics = append(epics, epic)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list_epics", Err: err}
	}
	return epics, nil
}

// CountEpics returns the number of epic rows.
func (s *Store) CountEpics(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM epics`).Scan(&count)
	if err != nil {
		return 0, &PersistenceError{Op: "count_epics", Err: err}
	}
	return count, nil
}

// scanner abstracts sql.Row and sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanEpic(row scanner) (*model.Epic, error) {
	var epic model.Epic
	var status, createdAt, updatedAt string
	var currentStory sql.NullInt64
	var meta sql.NullString

	err := row.Scan(
		&epic.Number,
		&epic.Title,
		&status,
		&epic.TotalStories,
		&epic.CompletedStories,
		&epic.InProgressStories,
		&epic.Progress,
		&currentStory,
		&createdAt,
		&updatedAt,
		&meta,
	)
	if err != nil {
		return nil, err
	}

	epic.Status = model.EpicStatus(status)
	epic.CreatedAt = stringToTime(createdAt)
	epic.UpdatedAt = stringToTime(updatedAt)
	if currentStory.Valid {
		epic.CurrentStory = int(currentStory.Int64)
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &epic.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal epic metadata: %w", err)
		}
	}
	return &epic, nil
}
