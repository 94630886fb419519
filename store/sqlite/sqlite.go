// Package sqlite implements agentd.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/drojas/agentd"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the
// store emits debug logs for mutating operations. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements agentd.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ agentd.Store = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors caused by concurrent writers opening independent
// connections. This also gives every mutating operation the per-row
// serializability the run store contract requires.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with
		// the blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes. Safe to call multiple
// times.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			tool_ids TEXT NOT NULL DEFAULT '[]',
			created_ts INTEGER NOT NULL,
			updated_ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			title TEXT NOT NULL,
			created_ts INTEGER NOT NULL,
			updated_ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_state (
			chat_id TEXT PRIMARY KEY,
			pending_run_id TEXT,
			active_run_id TEXT,
			last_run_id TEXT,
			last_run_status TEXT,
			last_run_ts INTEGER,
			updated_ts INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS plan_runs (
			run_id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			goal TEXT NOT NULL,
			status TEXT NOT NULL,
			created_ts INTEGER NOT NULL,
			updated_ts INTEGER NOT NULL,
			current_step_path TEXT,
			last_event TEXT,
			plan_json TEXT,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS tools (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			base_url TEXT NOT NULL,
			docs_url TEXT,
			openapi_url TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			endpoints TEXT NOT NULL DEFAULT '[]',
			created_ts INTEGER NOT NULL,
			updated_ts INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_project ON chats(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_plan_runs_chat_status_updated ON plan_runs(chat_id, status, updated_ts)`,
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// nullIfEmpty maps "" to SQL NULL so unset fields stay NULL in storage
// and never read back as phantom empty values with meaning.
func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func emptyIfNull(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}
