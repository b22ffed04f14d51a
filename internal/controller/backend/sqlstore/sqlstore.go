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

// Package sqlstore implements backend.Store on top of database/sql. The
// sqlite and postgres packages open the connection, run their schema and
// hand the *sql.DB to New with the dialect they speak.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/installation"
)

var _ backend.Store = (*Store)(nil)

// timeFormat is fixed width so TEXT columns sort chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Dialect captures the differences between SQL engines.
type Dialect struct {
	// NumberedPlaceholders rewrites '?' into $1, $2, ... when true.
	NumberedPlaceholders bool

	// LockClause is appended to SELECTs that precede an update in the same
	// transaction, e.g. " FOR UPDATE".
	LockClause string

	// IsUniqueViolation reports whether err is a unique constraint failure.
	IsUniqueViolation func(error) bool
}

// Store is a database/sql implementation of backend.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps db. The schema must already exist.
func New(db *sql.DB, d Dialect) *Store {
	if d.IsUniqueViolation == nil {
		d.IsUniqueViolation = func(error) bool { return false }
	}
	return &Store{db: db, dialect: d}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) q(query string) string {
	if !s.dialect.NumberedPlaceholders {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const installationColumns = `installation_id, db_id, login, avatar_url, settings_reference_url,
	repos, rules, settings, tasks, scheduler, env_vars, recording_until, recording_started_at,
	notification_webhook_url, execution_backend_name, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanInstallation(row scanner) (*installation.Installation, error) {
	var (
		inst                                     installation.Installation
		repos, rules, settings, tasks, scheduler string
		envVars                                  string
		recUntil, recStarted                     sql.NullString
		createdAt, updatedAt                     string
	)
	err := row.Scan(&inst.ID, &inst.DBID, &inst.Login, &inst.AvatarURL, &inst.SettingsReferenceURL,
		&repos, &rules, &settings, &tasks, &scheduler, &envVars, &recUntil, &recStarted,
		&inst.NotificationWebhookURL, &inst.ExecutionBackendName, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	inst.Repos = toDocument(repos)
	inst.Rules = toDocument(rules)
	inst.Settings = toDocument(settings)
	inst.Tasks = toDocument(tasks)
	inst.Scheduler = toDocument(scheduler)

	inst.EnvVars = map[string]string{}
	if envVars != "" {
		if err := json.Unmarshal([]byte(envVars), &inst.EnvVars); err != nil {
			return nil, fmt.Errorf("decode env vars: %w", err)
		}
	}
	inst.RecordingUntil = parseNullTime(recUntil)
	inst.RecordingStartedAt = parseNullTime(recStarted)
	inst.CreatedAt = parseTime(createdAt)
	inst.UpdatedAt = parseTime(updatedAt)
	return &inst, nil
}

func (s *Store) GetInstallation(ctx context.Context, id int64) (*installation.Installation, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+installationColumns+` FROM installations WHERE installation_id = ?`), id)
	inst, err := scanInstallation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get installation %d: %w", id, err)
	}
	return inst, nil
}

func installationArgs(inst *installation.Installation) ([]any, error) {
	env := inst.EnvVars
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return []any{
		inst.ID, inst.DBID, inst.Login, inst.AvatarURL, inst.SettingsReferenceURL,
		string(inst.Repos), string(inst.Rules), string(inst.Settings), string(inst.Tasks), string(inst.Scheduler),
		string(envJSON), formatNullTime(inst.RecordingUntil), formatNullTime(inst.RecordingStartedAt),
		inst.NotificationWebhookURL, inst.ExecutionBackendName,
		formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt),
	}, nil
}

func prepareNew(inst *installation.Installation) {
	now := time.Now().UTC()
	if inst.DBID == "" {
		inst.DBID = uuid.NewString()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	if inst.EnvVars == nil {
		inst.EnvVars = map[string]string{}
	}
}

func (s *Store) CreateInstallation(ctx context.Context, inst *installation.Installation) (bool, error) {
	prepareNew(inst)
	args, err := installationArgs(inst)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO installations (`+installationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (installation_id) DO NOTHING`), args...)
	if err != nil {
		return false, fmt.Errorf("create installation %d: %w", inst.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) SaveInstallation(ctx context.Context, inst *installation.Installation) error {
	prepareNew(inst)
	args, err := installationArgs(inst)
	if err != nil {
		return err
	}
	var createdAt string
	err = s.db.QueryRowContext(ctx, s.q(`INSERT INTO installations (`+installationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (installation_id) DO UPDATE SET
			login = excluded.login,
			avatar_url = excluded.avatar_url,
			settings_reference_url = COALESCE(NULLIF(excluded.settings_reference_url, ''), installations.settings_reference_url),
			repos = excluded.repos,
			rules = excluded.rules,
			settings = excluded.settings,
			tasks = excluded.tasks,
			scheduler = excluded.scheduler,
			env_vars = excluded.env_vars,
			recording_until = excluded.recording_until,
			recording_started_at = excluded.recording_started_at,
			notification_webhook_url = excluded.notification_webhook_url,
			execution_backend_name = excluded.execution_backend_name,
			updated_at = excluded.updated_at
		RETURNING db_id, created_at, settings_reference_url`), args...).Scan(&inst.DBID, &createdAt, &inst.SettingsReferenceURL)
	if err != nil {
		return fmt.Errorf("save installation %d: %w", inst.ID, err)
	}
	inst.CreatedAt = parseTime(createdAt)
	return nil
}

func (s *Store) DeleteInstallation(ctx context.Context, id int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"recorded_webhooks", "runs", "scheduled_tasks"} {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE installation_id = ?`), id); err != nil {
			return false, fmt.Errorf("delete %s for installation %d: %w", table, id, err)
		}
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM installations WHERE installation_id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("delete installation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

func (s *Store) ListInstallations(ctx context.Context, q backend.Query) ([]*installation.Installation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+installationColumns+` FROM installations ORDER BY installation_id`)
	if err != nil {
		return nil, fmt.Errorf("list installations: %w", err)
	}
	defer rows.Close()

	var out []*installation.Installation
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan installation: %w", err)
		}
		if q.Matches(inst) {
			out = append(out, inst)
		}
	}
	return out, rows.Err()
}

// exec runs a single-row update and maps zero affected rows to ErrNotFound.
func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return backend.ErrNotFound
	}
	return nil
}

func (s *Store) AttachSettings(ctx context.Context, id int64, ref string, u installation.SettingsUpdate) error {
	if ref == "" {
		return backend.ErrEmptyReference
	}
	return s.exec(ctx, `UPDATE installations SET settings_reference_url = ?,
		repos = ?, rules = ?, settings = ?, tasks = ?, scheduler = ?, updated_at = ?
		WHERE installation_id = ?`,
		ref, string(u.Repos), string(u.Rules), string(u.Settings), string(u.Tasks), string(u.Scheduler),
		formatTime(time.Now()), id)
}

func (s *Store) UpdateSettings(ctx context.Context, id int64, u installation.SettingsUpdate) error {
	return s.exec(ctx, `UPDATE installations SET
		repos = ?, rules = ?, settings = ?, tasks = ?, scheduler = ?, updated_at = ?
		WHERE installation_id = ?`,
		string(u.Repos), string(u.Rules), string(u.Settings), string(u.Tasks), string(u.Scheduler),
		formatTime(time.Now()), id)
}

func (s *Store) UpdateInstallation(ctx context.Context, id int64, p backend.Patch) error {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now())}
	if p.NotificationWebhookURL != nil {
		sets = append(sets, "notification_webhook_url = ?")
		args = append(args, *p.NotificationWebhookURL)
	}
	if p.ExecutionBackendName != nil {
		sets = append(sets, "execution_backend_name = ?")
		args = append(args, *p.ExecutionBackendName)
	}
	args = append(args, id)
	return s.exec(ctx, `UPDATE installations SET `+strings.Join(sets, ", ")+` WHERE installation_id = ?`, args...)
}

func (s *Store) SetRecording(ctx context.Context, id int64, startedAt, until time.Time) error {
	return s.exec(ctx, `UPDATE installations SET recording_started_at = ?, recording_until = ?, updated_at = ?
		WHERE installation_id = ?`,
		formatTime(startedAt), formatTime(until), formatTime(time.Now()), id)
}

func (s *Store) SetEnvVar(ctx context.Context, id int64, key string, value *string) (map[string]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	var raw string
	err = tx.QueryRowContext(ctx,
		s.q(`SELECT env_vars FROM installations WHERE installation_id = ?`+s.dialect.LockClause), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read env vars: %w", err)
	}

	env := map[string]string{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("decode env vars: %w", err)
		}
	}
	if value == nil {
		delete(env, key)
	} else {
		env[key] = *value
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		s.q(`UPDATE installations SET env_vars = ?, updated_at = ? WHERE installation_id = ?`),
		string(encoded), formatTime(time.Now()), id); err != nil {
		return nil, fmt.Errorf("write env vars: %w", err)
	}
	return env, tx.Commit()
}

func (s *Store) RecordWebhook(ctx context.Context, w *backend.RecordedWebhook) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO recorded_webhooks
		(installation_id, delivery_id, event, payload, recorded_at) VALUES (?, ?, ?, ?, ?)`),
		w.InstallationID, w.DeliveryID, w.Event, string(w.Payload), formatTime(w.RecordedAt))
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return backend.ErrDuplicate
		}
		return fmt.Errorf("record webhook %s: %w", w.DeliveryID, err)
	}
	return nil
}

func (s *Store) GetWebhook(ctx context.Context, installationID int64, deliveryID string) (*backend.RecordedWebhook, error) {
	var (
		w          backend.RecordedWebhook
		payload    string
		recordedAt string
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT installation_id, delivery_id, event, payload, recorded_at
		FROM recorded_webhooks WHERE installation_id = ? AND delivery_id = ?`), installationID, deliveryID).
		Scan(&w.InstallationID, &w.DeliveryID, &w.Event, &payload, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook %s: %w", deliveryID, err)
	}
	w.Payload = json.RawMessage(payload)
	w.RecordedAt = parseTime(recordedAt)
	return &w, nil
}

func (s *Store) ListWebhooks(ctx context.Context, installationID int64) ([]*backend.RecordedWebhook, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT installation_id, delivery_id, event, recorded_at
		FROM recorded_webhooks WHERE installation_id = ? ORDER BY recorded_at DESC`), installationID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*backend.RecordedWebhook
	for rows.Next() {
		var (
			w          backend.RecordedWebhook
			recordedAt string
		)
		if err := rows.Scan(&w.InstallationID, &w.DeliveryID, &w.Event, &recordedAt); err != nil {
			return nil, err
		}
		w.RecordedAt = parseTime(recordedAt)
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *Store) PruneWebhooks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM recorded_webhooks WHERE recorded_at < ?`), formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune webhooks: %w", err)
	}
	return res.RowsAffected()
}

const runColumns = `id, installation_id, event, kind, paths, backend, status, logs, started_at, finished_at`

func scanRun(row scanner) (*backend.Run, error) {
	var (
		r          backend.Run
		paths      string
		status     string
		startedAt  string
		finishedAt sql.NullString
	)
	if err := row.Scan(&r.ID, &r.InstallationID, &r.Event, &r.Kind, &paths, &r.Backend, &status,
		&r.Logs, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	if paths != "" {
		if err := json.Unmarshal([]byte(paths), &r.Paths); err != nil {
			return nil, fmt.Errorf("decode paths: %w", err)
		}
	}
	r.Status = backend.RunStatus(status)
	r.StartedAt = parseTime(startedAt)
	r.FinishedAt = parseNullTime(finishedAt)
	return &r, nil
}

func (s *Store) CreateRun(ctx context.Context, run *backend.Run) error {
	paths, err := json.Marshal(run.Paths)
	if err != nil {
		return err
	}
	if run.Status == "" {
		run.Status = backend.RunDispatched
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.InstallationID, run.Event, run.Kind, string(paths), run.Backend, string(run.Status),
		run.Logs, formatTime(run.StartedAt), formatNullTime(run.FinishedAt))
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return backend.ErrDuplicate
		}
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) CompleteRun(ctx context.Context, id string, status backend.RunStatus, logs string, finishedAt time.Time) error {
	err := s.exec(ctx, `UPDATE runs SET status = ?, logs = ?, finished_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(status), logs, formatTime(finishedAt), id, string(backend.RunSucceeded), string(backend.RunFailed))
	if !errors.Is(err, backend.ErrNotFound) {
		return err
	}
	if _, getErr := s.GetRun(ctx, id); getErr != nil {
		return getErr
	}
	return backend.ErrAlreadyCompleted
}

func (s *Store) ListRuns(ctx context.Context, installationID int64, limit int) ([]*backend.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE installation_id = ? ORDER BY started_at DESC`
	args := []any{installationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*backend.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const taskColumns = `id, installation_id, task, data, run_at, created_at`

func scanTask(row scanner) (*backend.ScheduledTask, error) {
	var (
		t              backend.ScheduledTask
		data           string
		runAt, created string
	)
	if err := row.Scan(&t.ID, &t.InstallationID, &t.Task, &data, &runAt, &created); err != nil {
		return nil, err
	}
	if data != "" {
		t.Data = json.RawMessage(data)
	}
	t.RunAt = parseTime(runAt)
	t.CreatedAt = parseTime(created)
	return &t, nil
}

func (s *Store) ScheduleTask(ctx context.Context, task *backend.ScheduledTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO scheduled_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`),
		task.ID, task.InstallationID, task.Task, string(task.Data), formatTime(task.RunAt), formatTime(task.CreatedAt))
	if err != nil {
		return fmt.Errorf("schedule task %s: %w", task.Task, err)
	}
	return nil
}

func (s *Store) ClaimDueTasks(ctx context.Context, now time.Time) ([]*backend.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`DELETE FROM scheduled_tasks WHERE run_at <= ? RETURNING `+taskColumns), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	defer rows.Close()

	var out []*backend.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortTasks(out)
	return out, nil
}

func (s *Store) ListTasks(ctx context.Context, installationID int64) ([]*backend.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE installation_id = ? ORDER BY run_at`), installationID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*backend.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func sortTasks(tasks []*backend.ScheduledTask) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].RunAt.Before(tasks[j].RunAt) })
}

func toDocument(s string) installation.Document {
	if s == "" {
		return nil
	}
	return installation.Document(s)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
