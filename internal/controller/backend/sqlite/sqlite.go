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

// Package sqlite provides a SQLite backend for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/backend/sqlstore"
)

var _ backend.Store = (*Backend)(nil)

// Backend is a SQLite storage backend.
type Backend struct {
	*sqlstore.Store
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens the database at cfg.Path and brings its schema up to date.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := configurePragmas(ctx, db, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Backend{Store: sqlstore.New(db, sqlstore.Dialect{
		IsUniqueViolation: isUniqueViolation,
	})}, nil
}

func configurePragmas(ctx context.Context, db *sql.DB, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS installations (
			installation_id INTEGER PRIMARY KEY,
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
			installation_id INTEGER NOT NULL REFERENCES installations(installation_id) ON DELETE CASCADE,
			delivery_id TEXT NOT NULL,
			event TEXT NOT NULL,
			payload TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (installation_id, delivery_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recorded_webhooks_recorded_at ON recorded_webhooks(recorded_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			installation_id INTEGER NOT NULL REFERENCES installations(installation_id) ON DELETE CASCADE,
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
			installation_id INTEGER NOT NULL REFERENCES installations(installation_id) ON DELETE CASCADE,
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
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
