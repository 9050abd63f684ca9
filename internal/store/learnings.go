package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/loomworks/loom/internal/model"
)

// PutLearning inserts a learning entry inside the open transaction.
//
// The superseded chain is forward-only: a new entry may reference the id it
// replaces, and that reference is checked at insert time. Referencing a
// missing entry or one that is already superseded fails with a
// ValidationError, which keeps the chain acyclic without a mutable backlink
// graph. On success the replaced entry is marked obsolete.
func (s *Store) PutLearning(ctx context.Context, l *model.LearningEntry) error {
	if err := l.Validate(); err != nil {
		return err
	}

	tx, err := s.writer()
	if err != nil {
		return err
	}

	if l.Supersedes != 0 {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM learnings WHERE id = ?)`, l.Supersedes).Scan(&exists)
		if err != nil {
			return &PersistenceError{Op: "put_learning", Entity: l.Topic, Err: err}
		}
		if !exists {
			return &model.ValidationError{
				Kind:   "learning",
				ID:     l.Topic,
				Reason: fmt.Sprintf("supersedes unknown entry %d", l.Supersedes),
			}
		}

		var taken bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM learnings WHERE supersedes = ?)`, l.Supersedes).Scan(&taken)
		if err != nil {
			return &PersistenceError{Op: "put_learning", Entity: l.Topic, Err: err}
		}
		if taken {
			return &model.ValidationError{
				Kind:   "learning",
				ID:     l.Topic,
				Reason: fmt.Sprintf("entry %d is already superseded", l.Supersedes),
			}
		}
	}

	res, err := tx.ExecContext(ctx, `
	INSERT INTO learnings (topic, summary, relevance, status, supersedes, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`,
		l.Topic,
		l.Summary,
		nullString(l.Relevance),
		string(l.Status),
		nullInt64(l.Supersedes),
		timeToString(l.CreatedAt),
	)
	if err != nil {
		return wrapWriteErr("put_learning", "learning", l.Topic, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return &PersistenceError{Op: "put_learning", Entity: l.Topic, Err: err}
	}
	l.ID = id

	if l.Supersedes != 0 {
		_, err := tx.ExecContext(ctx,
			`UPDATE learnings SET status = 'obsolete' WHERE id = ?`, l.Supersedes)
		if err != nil {
			return wrapWriteErr("put_learning", "learning", l.Topic, err)
		}
	}
	return nil
}

const learningColumns = `id, topic, summary, relevance, status, supersedes, created_at`

// SearchLearnings returns entries whose topic matches the given substring,
// newest first. With activeOnly set, superseded and obsolete entries are
// excluded.
func (s *Store) SearchLearnings(ctx context.Context, topic string, activeOnly bool) ([]*model.LearningEntry, error) {
	query := `SELECT ` + learningColumns + ` FROM learnings WHERE topic LIKE ?`
	args := []any{"%" + topic + "%"}
	if activeOnly {
		query += ` AND status = 'active'`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &PersistenceError{Op: "search_learnings", Err: err}
	}
	defer rows.Close()

	return collectLearnings(rows)
}

// RecentLearnings returns the newest entries, active first.
func (s *Store) RecentLearnings(ctx context.Context, limit int, activeOnly bool) ([]*model.LearningEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `SELECT ` + learningColumns + ` FROM learnings`
	if activeOnly {
		query += ` WHERE status = 'active'`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := s.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "recent_learnings", Err: err}
	}
	defer rows.Close()

	return collectLearnings(rows)
}

func collectLearnings(rows *sql.Rows) ([]*model.LearningEntry, error) {
	var entries []*model.LearningEntry
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, &PersistenceError{Op: "scan_learning", Err: err}
		}
		entries = append(entries, l)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "scan_learning", Err: err}
	}
	return entries, nil
}

func scanLearning(row scanner) (*model.LearningEntry, error) {
	var l model.LearningEntry
	var status, createdAt string
	var relevance sql.NullString
	var supersedes sql.NullInt64

	err := row.Scan(
		&l.ID,
		&l.Topic,
		&l.Summary,
		&relevance,
		&status,
		&supersedes,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	l.Relevance = relevance.String
	l.Status = model.LearningStatus(status)
	l.Supersedes = supersedes.Int64
	l.CreatedAt = stringToTime(createdAt)
	return &l, nil
}

// nullInt64 converts an optional int64 (0 = absent) for SQL storage.
func nullInt64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}
