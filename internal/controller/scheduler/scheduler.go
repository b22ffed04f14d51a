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

// Package scheduler runs installation tasks on a timetable.
//
// Two sources feed it. Scheduler keys ("hourly", "daily", ...) map to cron
// expressions in server configuration; when a key comes due every
// installation whose settings declare it runs the task it names. One-off
// tasks are stored by run units through the scheduleTask callback and run
// once their time has passed.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/dispatch"
	"github.com/busbud/peril/internal/controller/installation"
	"github.com/busbud/peril/internal/controller/metrics"
	internallog "github.com/busbud/peril/internal/log"
	perilerrors "github.com/busbud/peril/pkg/errors"
)

// DefaultKeys are always available to settings files.
var DefaultKeys = map[string]string{
	"hourly":  "@hourly",
	"daily":   "@daily",
	"weekly":  "@weekly",
	"monthly": "@monthly",
}

// TaskRunner starts the run units registered for a task.
type TaskRunner interface {
	RunTask(ctx context.Context, inst *installation.Installation, task string, data json.RawMessage, kind dispatch.RunKind) (*dispatch.RunBootstrap, error)
}

// Store is the storage the scheduler reads.
type Store interface {
	backend.InstallationStore
	backend.TaskStore
}

// Config configures a Scheduler.
type Config struct {
	// Interval between checks. Defaults to one minute.
	Interval time.Duration

	// Keys adds or overrides scheduler keys.
	Keys map[string]string

	Logger *slog.Logger
	Now    func() time.Time
}

type key struct {
	name    string
	expr    string
	cron    *Cron
	nextRun time.Time
	lastRun *time.Time
	runs    int64
	errors  int64
}

// Scheduler owns the timetable loop.
type Scheduler struct {
	store    Store
	runner   TaskRunner
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	keys    map[string]*key
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a scheduler. Every key must be a valid cron expression.
func New(store Store, runner TaskRunner, cfg Config) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		store:    store,
		runner:   runner,
		interval: cfg.Interval,
		now:      cfg.Now,
		logger:   logger.With(slog.String("component", "scheduler")),
		keys:     make(map[string]*key),
	}

	exprs := make(map[string]string, len(DefaultKeys)+len(cfg.Keys))
	for name, expr := range DefaultKeys {
		exprs[name] = expr
	}
	for name, expr := range cfg.Keys {
		exprs[name] = expr
	}
	now := s.now().UTC()
	for name, expr := range exprs {
		c, err := ParseCron(expr)
		if err != nil {
			return nil, &perilerrors.ConfigError{Key: "scheduler.keys." + name, Reason: err.Error(), Cause: err}
		}
		s.keys[name] = &key{name: name, expr: expr, cron: c, nextRun: c.Next(now)}
	}
	return s, nil
}

// ParseRunAt reads the time of a scheduled task: an RFC 3339 timestamp or
// a duration from now such as "5m".
func ParseRunAt(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, &perilerrors.ValidationError{Field: "time", Message: "is required"}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return time.Time{}, &perilerrors.ValidationError{
			Field:   "time",
			Message: fmt.Sprintf("%q is neither an RFC 3339 time nor a duration", value),
		}
	}
	if d < 0 {
		return time.Time{}, &perilerrors.ValidationError{Field: "time", Message: "duration must not be negative"}
	}
	return now.Add(d).UTC(), nil
}

// ScheduleTask stores a one-off task for the installation. The task must
// be declared in the installation's settings.
func (s *Scheduler) ScheduleTask(ctx context.Context, installationID int64, task string, at time.Time, data json.RawMessage) (*backend.ScheduledTask, error) {
	if task == "" {
		return nil, &perilerrors.ValidationError{Field: "task", Message: "is required"}
	}
	if len(data) > 0 && !json.Valid(data) {
		return nil, &perilerrors.ValidationError{Field: "data", Message: "must be JSON"}
	}

	inst, err := s.store.GetInstallation(ctx, installationID)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, &perilerrors.UnknownInstallationError{InstallationID: installationID}
	}
	if err != nil {
		return nil, fmt.Errorf("loading installation: %w", err)
	}
	if _, ok, _ := inst.TaskReferences(task); !ok {
		return nil, &perilerrors.NotFoundError{Resource: "task", ID: task}
	}

	st := &backend.ScheduledTask{
		ID:             uuid.NewString(),
		InstallationID: installationID,
		Task:           task,
		Data:           data,
		RunAt:          at.UTC(),
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.ScheduleTask(ctx, st); err != nil {
		return nil, fmt.Errorf("storing task: %w", err)
	}
	metrics.RecordScheduledTask("stored")
	s.logger.Info("task scheduled",
		slog.Int64(internallog.InstallationIDKey, installationID),
		slog.String("task", task),
		slog.Time("run_at", st.RunAt))
	return st, nil
}

// Start runs the loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop ends the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx, s.now().UTC())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, k := range s.dueKeys(now) {
		s.runKey(ctx, k)
	}
	s.runDueTasks(ctx, now)
}

// dueKeys returns the keys whose next run has passed and advances them.
func (s *Scheduler) dueKeys(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for _, k := range s.keys {
		if k.nextRun.IsZero() || now.Before(k.nextRun) {
			continue
		}
		due = append(due, k.name)
		ran := now
		k.lastRun = &ran
		k.runs++
		k.nextRun = k.cron.Next(now)
	}
	sort.Strings(due)
	return due
}

func (s *Scheduler) runKey(ctx context.Context, name string) {
	logger := s.logger.With(slog.String("key", name))
	insts, err := s.store.ListInstallations(ctx, backend.Query{
		Status:       installation.StatusActive,
		SchedulerKey: name,
	})
	if err != nil {
		logger.Error("failed to list installations", internallog.Error(err))
		metrics.RecordStoreError("ListInstallations", string(perilerrors.KindOf(err)))
		s.countError(name)
		return
	}

	for _, inst := range insts {
		sched, err := inst.Schedule()
		if err != nil {
			continue
		}
		task := sched[name]
		ilog := internallog.WithInstallation(logger, inst.ID).With(slog.String("task", task))
		b, err := s.runner.RunTask(ctx, inst, task, nil, dispatch.KindScheduled)
		if err != nil {
			ilog.Error("scheduled task failed", internallog.Error(err))
			s.countError(name)
			continue
		}
		metrics.RecordScheduledTask("cron")
		ilog.Info("scheduled task started", slog.String(internallog.RunIDKey, b.PerilSettings.PerilRunID))
	}
}

func (s *Scheduler) runDueTasks(ctx context.Context, now time.Time) {
	tasks, err := s.store.ClaimDueTasks(ctx, now)
	if err != nil {
		s.logger.Error("failed to claim due tasks", internallog.Error(err))
		metrics.RecordStoreError("ClaimDueTasks", string(perilerrors.KindOf(err)))
		return
	}

	for _, t := range tasks {
		logger := s.logger.With(
			slog.Int64(internallog.InstallationIDKey, t.InstallationID),
			slog.String("task", t.Task),
			slog.String("task_id", t.ID))

		inst, err := s.store.GetInstallation(ctx, t.InstallationID)
		if err != nil {
			logger.Warn("dropping task for missing installation", internallog.Error(err))
			continue
		}
		b, err := s.runner.RunTask(ctx, inst, t.Task, t.Data, dispatch.KindScheduled)
		if err != nil {
			logger.Error("one-off task failed", internallog.Error(err))
			continue
		}
		metrics.RecordScheduledTask("one_off")
		logger.Info("one-off task started", slog.String(internallog.RunIDKey, b.PerilSettings.PerilRunID))
	}
}

func (s *Scheduler) countError(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[name]; ok {
		k.errors++
	}
}

// KeyStatus describes one scheduler key.
type KeyStatus struct {
	Name       string     `json:"name"`
	Cron       string     `json:"cron"`
	NextRun    time.Time  `json:"nextRun"`
	LastRun    *time.Time `json:"lastRun,omitempty"`
	RunCount   int64      `json:"runCount"`
	ErrorCount int64      `json:"errorCount"`
}

// Status lists the keys sorted by name.
func (s *Scheduler) Status() []KeyStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]KeyStatus, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, KeyStatus{
			Name:       k.name,
			Cron:       k.expr,
			NextRun:    k.nextRun,
			LastRun:    k.lastRun,
			RunCount:   k.runs,
			ErrorCount: k.errors,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
