package store

import (
	"context"
	"fmt"
)

// InitSchema creates the database schema if it doesn't exist.
//
// Status and priority columns are CHECK-constrained at the schema level, and
// all foreign keys cascade from epics down through stories to their linked
// rows, so an insert or update violating an enum or reference fails before
// any durable write. Idempotent; safe to call on every startup.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS epics (
		number INTEGER PRIMARY KEY CHECK (number > 0),
		title TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('planning', 'active', 'complete', 'archived')),
		total_stories INTEGER NOT NULL DEFAULT 0,
		completed_stories INTEGER NOT NULL DEFAULT 0,
		in_progress_stories INTEGER NOT NULL DEFAULT 0,
		progress INTEGER NOT NULL DEFAULT 0,
		current_story INTEGER,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		metadata TEXT  -- JSON object
	);

	CREATE TABLE IF NOT EXISTS stories (
		epic INTEGER NOT NULL,
		number INTEGER NOT NULL CHECK (number > 0),
		title TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('planning', 'ready', 'in_progress', 'review', 'blocked', 'completed')),
		assignee TEXT,
		estimate INTEGER,
		actual INTEGER,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		metadata TEXT,  -- JSON object
		PRIMARY KEY (epic, number),
		FOREIGN KEY (epic) REFERENCES epics(number) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS ceremonies (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL CHECK (type IN ('standup', 'retrospective', 'planning', 'review')),
		epic INTEGER NOT NULL,
		participants TEXT,  -- JSON array
		outcomes TEXT,      -- JSON array
		transcript_path TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (epic) REFERENCES epics(number) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS action_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		summary TEXT NOT NULL,
		assignee TEXT,
		status TEXT NOT NULL CHECK (status IN ('todo', 'in_progress', 'done')),
		priority TEXT NOT NULL CHECK (priority IN ('low', 'medium', 'high', 'critical')),
		epic INTEGER,
		story INTEGER,
		ceremony_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (epic) REFERENCES epics(number) ON DELETE CASCADE,
		FOREIGN KEY (epic, story) REFERENCES stories(epic, number) ON DELETE CASCADE,
		FOREIGN KEY (ceremony_id) REFERENCES ceremonies(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS learnings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic TEXT NOT NULL,
		summary TEXT NOT NULL,
		relevance TEXT,
		status TEXT NOT NULL CHECK (status IN ('active', 'obsolete')),
		supersedes INTEGER,
		created_at TEXT NOT NULL,
		FOREIGN KEY (supersedes) REFERENCES learnings(id)
	);

	CREATE INDEX IF NOT EXISTS idx_stories_status ON stories(status);
	CREATE INDEX IF NOT EXISTS idx_stories_assignee ON stories(assignee);
	CREATE INDEX IF NOT EXISTS idx_items_open ON action_items(status, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_items_epic ON action_items(epic);
	CREATE INDEX IF NOT EXISTS idx_items_ceremony ON action_items(ceremony_id);
	CREATE INDEX IF NOT EXISTS idx_ceremonies_epic ON ceremonies(epic, created_at);
	CREATE INDEX IF NOT EXISTS idx_learnings_topic ON learnings(topic);
	CREATE INDEX IF NOT EXISTS idx_learnings_status ON learnings(status);
	CREATE INDEX IF NOT EXISTS idx_learnings_supersedes ON learnings(supersedes);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
