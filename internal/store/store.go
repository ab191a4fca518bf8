package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/conclave/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers inside the process; the busy timeout
	// covers other processes such as a concurrent backup.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// dsn sets the pragmas on every connection the pool opens.
func dsn(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			kind         TEXT NOT NULL,
			task         TEXT NOT NULL,
			status       TEXT DEFAULT 'running',
			turn_budget  INTEGER NOT NULL,
			participants TEXT NOT NULL,
			result       TEXT,
			failure      TEXT,
			started_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			name        TEXT NOT NULL,
			role        TEXT NOT NULL,
			model       TEXT,
			workspace   TEXT,
			turn_budget INTEGER NOT NULL,
			turn_count  INTEGER NOT NULL DEFAULT 0,
			status      TEXT NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_run ON sessions(run_id)`,
		`CREATE TABLE IF NOT EXISTS log_entries (
			run_id    TEXT NOT NULL,
			seq       INTEGER NOT NULL,
			ts        DATETIME NOT NULL,
			agent_id  TEXT NOT NULL,
			kind      TEXT NOT NULL,
			phase     TEXT,
			detail    TEXT,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_entries_agent ON log_entries(run_id, agent_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
