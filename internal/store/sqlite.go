// ABOUTME: SQLite persistence for gateway resume state using modernc.org/sqlite
// ABOUTME: Lets shards resume their sessions across process restarts

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists per-shard resume state (session id and last-seen
// sequence number) so a restarted process can resume instead of paying for
// a fresh identify on every shard.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS resume_state (
			shard_id INTEGER PRIMARY KEY,
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// ResumeState returns the persisted resume state for a shard. ok is false
// when the shard has no saved state.
func (s *SQLiteStore) ResumeState(shardID int) (sessionID string, sequence int64, ok bool, err error) {
	row := s.db.QueryRow(
		`SELECT session_id, sequence FROM resume_state WHERE shard_id = ?`, shardID)

	if err := row.Scan(&sessionID, &sequence); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, false, nil
		}
		return "", 0, false, fmt.Errorf("loading resume state for shard %d: %w", shardID, err)
	}
	return sessionID, sequence, true, nil
}

// SaveResumeState upserts the resume state for a shard.
func (s *SQLiteStore) SaveResumeState(shardID int, sessionID string, sequence int64) error {
	_, err := s.db.Exec(`
		INSERT INTO resume_state (shard_id, session_id, sequence, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(shard_id) DO UPDATE SET
			session_id = excluded.session_id,
			sequence = excluded.sequence,
			updated_at = excluded.updated_at`,
		shardID, sessionID, sequence, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving resume state for shard %d: %w", shardID, err)
	}
	return nil
}

// ClearResumeState removes the resume state for a shard, forcing the next
// connection to identify from scratch.
func (s *SQLiteStore) ClearResumeState(shardID int) error {
	if _, err := s.db.Exec(`DELETE FROM resume_state WHERE shard_id = ?`, shardID); err != nil {
		return fmt.Errorf("clearing resume state for shard %d: %w", shardID, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
