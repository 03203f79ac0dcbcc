// ABOUTME: SQLite implementation of the ledger Store using modernc.org/sqlite.
// ABOUTME: Opens the database in WAL mode and creates the schema on first use.

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the ledger at path. Parent directories are
// created as needed. ":memory:" gives a private in-memory ledger.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if inMemory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite ledger initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS game_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT,
			type TEXT NOT NULL,
			payload TEXT,
			timestamp_ms INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_game_events_type
			ON game_events(type);

		CREATE TABLE IF NOT EXISTS external_calls (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id TEXT NOT NULL,
			function_name TEXT NOT NULL,
			mode TEXT NOT NULL,
			success INTEGER NOT NULL,
			error_code TEXT,
			error_message TEXT,
			duration_ms INTEGER NOT NULL,
			started_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_external_calls_function
			ON external_calls(function_name, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite ledger")
	return s.db.Close()
}
