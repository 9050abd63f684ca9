package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/loomworks/loom/internal/model"
)

// PutCeremony inserts a ceremony summary inside the open transaction.
func (s *Store) PutCeremony(ctx context.Context, c *model.CeremonySummary) error {
	if err := c.Validate(); err != nil {
		return err
	}

	tx, err := s.writer()
	if err != nil {
		return err
	}

	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return &PersistenceError{Op: "put_ceremony", Entity: c.ID, Err: err}
	}
	outcomes, err := json.Marshal(c.Outcomes)
	if err != nil {
		return &PersistenceError{Op: "put_ceremony", Entity: c.ID, Err: err}
	}

	query := `
	INSERT INTO ceremonies (
		id, type, epic, participants, outcomes, transcript_path, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		c.ID,
		string(c.Type),
		c.EpicNumber,
		string(participants),
		string(outcomes),
		c.TranscriptPath,
		timeToString(c.CreatedAt),
	)
	return wrapWriteErr("put_ceremony", "ceremony", c.ID, err)
}

// DeleteCeremony removes a ceremony row inside the open transaction. Used
// only by consistency repair.
func (s *Store) DeleteCeremony(ctx context.Context, id string) error {
	tx, err := s.writer()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM ceremonies WHERE id = ?`, id)
	return wrapWriteErr("delete_ceremony", "ceremony", id, err)
}

const ceremonyColumns = `id, type, epic, participants, outcomes, transcript_path, created_at`

// RecentCeremonies returns the newest ceremonies, optionally restricted to
// one type ("" = all), newest first.
func (s *Store) RecentCeremonies(ctx context.Context, ceremonyType model.CeremonyType, limit int) ([]*model.CeremonySummary, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `SELECT ` + ceremonyColumns + ` FROM ceremonies`
	var args []any
	if ceremonyType != "" {
		query += ` WHERE type = ?`
		args = append(args, string(ceremonyType))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &PersistenceError{Op: "recent_ceremonies", Err: err}
	}
	defer rows.Close()

	return collectCeremonies(rows)
}

// RecentCeremoniesForEpic returns the newest ceremonies linked to an epic.
func (s *Store) RecentCeremoniesForEpic(ctx context.Context, epic, limit int) ([]*model.CeremonySummary, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+ceremonyColumns+` FROM ceremonies WHERE epic = ? ORDER BY created_at DESC LIMIT ?`,
		epic, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "recent_ceremonies_for_epic", Entity: model.EpicKey(epic), Err: err}
	}
	defer rows.Close()

	return collectCeremonies(rows)
}

// ListCeremonies returns every ceremony row, newest first. Used by the
// consistency checker to cross-reference transcript files.
func (s *Store) ListCeremonies(ctx context.Context) ([]*model.CeremonySummary, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+ceremonyColumns+` FROM ceremonies ORDER BY created_at DESC`)
	if err != nil {
		return nil, &PersistenceError{Op: "list_ceremonies", Err: err}
	}
	defer rows.Close()

	return collectCeremonies(rows)
}

func collectCeremonies(rows *sql.Rows) ([]*model.CeremonySummary, error) {
	var ceremonies []*model.CeremonySummary
	for rows.Next() {
		c, err := scanCeremony(rows)
		if err != nil {
			return nil, &PersistenceError{Op: "scan_ceremony", Err: err}
		}
		ceremonies = append(ceremonies, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "scan_ceremony", Err: err}
	}
	return ceremonies, nil
}

func scanCeremony(row scanner) (*model.CeremonySummary, error) {
	var c model.CeremonySummary
	var ctype, createdAt string
	var participants, outcomes sql.NullString

	err := row.Scan(
		&c.ID,
		&ctype,
		&c.EpicNumber,
		&participants,
		&outcomes,
		&c.TranscriptPath,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	c.Type = model.CeremonyType(ctype)
	c.CreatedAt = stringToTime(createdAt)
	if participants.Valid && participants.String != "null" {
		if err := json.Unmarshal([]byte(participants.String), &c.Participants); err != nil {
			return nil, err
		}
	}
	if outcomes.Valid && outcomes.String != "null" {
		if err := json.Unmarshal([]byte(outcomes.String), &c.Outcomes); err != nil {
			return nil, err
		}
	}
	return &c, nil
}
