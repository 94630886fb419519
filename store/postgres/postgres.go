// Package postgres implements agentd.Store on PostgreSQL via pgx.
// The pool is created and owned by the caller; Close releases it.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drojas/agentd"
)

// StoreOption configures a Postgres Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements agentd.Store backed by a PostgreSQL pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ agentd.Store = (*Store)(nil)

// New wraps an existing pool. Unlike the SQLite store there is no
// single-connection constraint; Postgres row locking provides the
// per-row serializability the contracts need.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes. Safe to call multiple
// times.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			tool_ids JSONB NOT NULL DEFAULT '[]',
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			title TEXT NOT NULL,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_state (
			chat_id TEXT PRIMARY KEY,
			pending_run_id TEXT,
			active_run_id TEXT,
			last_run_id TEXT,
			last_run_status TEXT,
			last_run_ts BIGINT,
			updated_ts BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS plan_runs (
			run_id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			goal TEXT NOT NULL,
			status TEXT NOT NULL,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL,
			current_step_path TEXT,
			last_event TEXT,
			plan_json JSONB,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS tools (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			base_url TEXT NOT NULL,
			docs_url TEXT,
			openapi_url TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			endpoints JSONB NOT NULL DEFAULT '[]',
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_project ON chats(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_plan_runs_chat_status_updated ON plan_runs(chat_id, status, updated_ts)`,
	}
	for _, q := range ddl {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
