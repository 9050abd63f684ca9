package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/model"
)

// ItemFilter narrows ListOpenActionItems results. Zero values mean "no
// filter" for that field.
type ItemFilter struct {
	// Epic restricts to items linked to an epic.
	Epic int

	// Assignee restricts to items assigned to a person or agent.
	Assignee string

	// Priority restricts to one priority level.
	Priority model.Priority

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// PutActionItem inserts or updates an action item inside the open
// transaction. On insert the generated id is written back to the item.
func (s *Store) PutActionItem(ctx context.Context, item *model.ActionItem) error {
	if err := item.Validate(); err != nil {
		return err
	}

	tx, err := s.writer()
	if err != nil {
		return err
	}

	if item.ID == 0 {
		query := `
		INSERT INTO action_items (
			summary, assignee, status, priority, epic, story, ceremony_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		res, err := tx.ExecContext(ctx, query,
			item.Summary,
			nullString(item.Assignee),
			string(item.Status),
			string(item.Priority),
			nullInt(item.EpicNumber),
			nullInt(item.StoryNumber),
			nullString(item.CeremonyID),
			timeToString(item.CreatedAt),
			timeToString(item.UpdatedAt),
		)
		if err != nil {
			return wrapWriteErr("put_action_item", "action_item", item.Summary, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return &PersistenceError{Op: "put_action_item", Entity: item.Summary, Err: err}
		}
		item.ID = id
		return nil
	}

	query := `
	UPDATE action_items SET
		summary = ?, assignee = ?, status = ?, priority = ?,
		epic = ?, story = ?, ceremony_id = ?, updated_at = ?
	WHERE id = ?
	`
	_, err = tx.ExecContext(ctx, query,
		item.Summary,
		nullString(item.Assignee),
		string(item.Status),
		string(item.Priority),
		nullInt(item.EpicNumber),
		nullInt(item.StoryNumber),
		nullString(item.CeremonyID),
		timeToString(item.UpdatedAt),
		item.ID,
	)
	return wrapWriteErr("put_action_item", "action_item", fmt.Sprintf("%d", item.ID), err)
}

const itemColumns = `id, summary, assignee, status, priority, epic, story,
	ceremony_id, created_at, updated_at`

// priorityRank orders priorities critical-first in SQL.
const priorityRank = `CASE priority
	WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END`

// ListOpenActionItems returns non-done items matching the filter, ordered by
// priority (critical first) then recency.
func (s *Store) ListOpenActionItems(ctx context.Context, filter ItemFilter) ([]*model.ActionItem, error) {
	conditions := []string{"status != 'done'"}
	var args []any

	if filter.Epic > 0 {
		conditions = append(conditions, "epic = ?")
		args = append(args, filter.Epic)
	}
	if filter.Assignee != "" {
		conditions = append(conditions, "assignee = ?")
		args = append(args, filter.Assignee)
	}
	if filter.Priority != "" {
		conditions = append(conditions, "priority = ?")
		args = append(args, string(filter.Priority))
	}

	query := `SELECT ` + itemColumns + ` FROM action_items
	WHERE ` + strings.Join(conditions, " AND ") + `
	ORDER BY ` + priorityRank + ` ASC, created_at DESC`

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &PersistenceError{Op: "list_open_action_items", Err: err}
	}
	defer rows.Close()

	var items []*model.ActionItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, &PersistenceError{Op: "list_open_action_items", Err: err}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list_open_action_items", Err: err}
	}
	return items, nil
}

func scanItem(row scanner) (*model.ActionItem, error) {
	var item model.ActionItem
	var status, priority, createdAt, updatedAt string
	var assignee, ceremonyID sql.NullString
	var epic, story sql.NullInt64

	err := row.Scan(
		&item.ID,
		&item.Summary,
		&assignee,
		&status,
		&priority,
		&epic,
		&story,
		&ceremonyID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Assignee = assignee.String
	item.Status = model.ActionItemStatus(status)
	item.Priority = model.Priority(priority)
	item.EpicNumber = int(epic.Int64)
	item.StoryNumber = int(story.Int64)
	item.CeremonyID = ceremonyID.String
	item.CreatedAt = stringToTime(createdAt)
	item.UpdatedAt = stringToTime(updatedAt)
	return &item, nil
}
