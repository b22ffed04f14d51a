// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package postgres provides a PostgreSQL backend for multi-replica
// deployments.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/backend/sqlstore"
)

var _ backend.Store = (*Backend)(nil)

// Backend is a PostgreSQL storage backend.
type Backend struct {
	*sqlstore.Store
}

// Config contains PostgreSQL connection configuration.
type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Validate checks the pool settings.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("postgres url is required")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("max open conns must be >= 1")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max idle conns must be <= max open conns")
	}
	return nil
}

// New connects to the database and applies the schema.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = cfg.MaxOpenConns / 2
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Backend{Store: sqlstore.New(db, sqlstore.Dialect{
		NumberedPlaceholders: true,
		LockClause:           " FOR UPDATE",
		IsUniqueViolation:    isUniqueViolation,
	})}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS installations (
			installation_id BIGINT PRIMARY KEY,
			db_id TEXT NOT NULL UNIQUE,
			login TEXT NOT NULL,
			avatar_url TEXT NOT NULL DEFAULT '',
			settings_reference_url TEXT NOT NULL DEFAULT '',
			repos TEXT NOT NULL DEFAULT '',
			rules TEXT NOT NULL DEFAULT '',
			settings TEXT NOT NULL DEFAULT '',
			tasks TEXT NOT NULL DEFAULT '',
			scheduler TEXT NOT NULL DEFAULT '',
			env_vars TEXT NOT NULL DEFAULT '{}',
			recording_until TEXT,
			recording_started_at TEXT,
			notification_webhook_url TEXT NOT NULL DEFAULT '',
			execution_backend_name TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS recorded_webhooks (
			installation_id BIGINT NOT NULL REFERENCES installations(installation_id) ON DELETE CASCADE,
			delivery_id TEXT NOT NULL,
			event TEXT NOT NULL,
			payload TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (installation_id, delivery_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recorded_webhooks_recorded_at ON recorded_webhooks(recorded_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			installation_id BIGINT NOT NULL REFERENCES installations(installation_id) ON DELETE CASCADE,
			event TEXT NOT NULL,
			kind TEXT NOT NULL,
			paths TEXT NOT NULL DEFAULT '[]',
			backend TEXT NOT NULL,
			status TEXT NOT NULL,
			logs TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			finished_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_installation ON runs(installation_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			installation_id BIGINT NOT NULL REFERENCES installations(installation_id) ON DELETE CASCADE,
			task TEXT NOT NULL,
			data TEXT NOT NULL DEFAULT '',
			run_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_run_at ON scheduled_tasks(run_at)`,
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
