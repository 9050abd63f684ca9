// Package store provides the indexed relational half of loom's hybrid state:
// an embedded SQLite database holding epic, story, action item, ceremony,
// and learning rows alongside the human-readable markdown tree.
//
// The database runs in embedded mode with WAL for concurrent readers during
// writes. All write operations happen inside a single explicit transaction
// driven by the coordinator (Begin/Commit/Rollback); nested transactions are
// disallowed. Rows never become durable unless the transaction commits, which
// is what makes the coordinator's rollback safe.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection and the single active transaction.
type Store struct {
	conn *sql.DB
	path string

	mu sync.Mutex
	tx *sql.Tx
}

// Open creates a database connection at the specified path.
//
// The parent directory is created if needed. WAL mode, a bounded busy
// timeout, and foreign key enforcement are configured on open. The caller
// must Close() the store when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets loader reads run during a coordinator write; busy_timeout
	// bounds lock waits instead of failing immediately. Pragmas go in the
	// DSN so every pooled connection gets them, foreign_keys especially.
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{conn: conn, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the connection. An open transaction
// is rolled back first.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	s.mu.Lock()
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	s.mu.Unlock()

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// Checkpoint moves committed WAL frames into the main database file and
// truncates the log. The coordinator calls it before staging the database
// so the file the commit captures is the state the transaction just made
// durable, not a WAL-stale copy.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return &PersistenceError{Op: "checkpoint", Err: err}
	}
	return nil
}

// Begin opens the single write transaction. A second Begin before Commit or
// Rollback fails with ErrTxActive: the coordinator serializes writes, and the
// store refuses to paper over a violation of that contract.
func (s *Store) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		return ErrTxActive
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin", Err: err}
	}
	s.tx = tx
	return nil
}

// Commit makes the open transaction durable.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return ErrNoTx
	}

	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

// Rollback discards the open transaction. Calling Rollback with no open
// transaction is a no-op, so rollback paths may call it unconditionally.
func (s *Store) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}

	err := s.tx.Rollback()
	s.tx = nil
	if err != nil {
		return &PersistenceError{Op: "rollback", Err: err}
	}
	return nil
}

// InTx reports whether a write transaction is open.
func (s *Store) InTx() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil
}

// writer returns the open transaction, or ErrNoTx if a mutation was
// attempted outside the coordinator sequence.
func (s *Store) writer() (*sql.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil, ErrNoTx
	}
	return s.tx, nil
}

// timeToString formats a timestamp for storage.
func timeToString(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// stringToTime parses a stored timestamp, returning the zero time on failure.
func stringToTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullString converts an optional string for SQL storage.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullInt converts an optional integer (0 = absent) for SQL storage.
func nullInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}
