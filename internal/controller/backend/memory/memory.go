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

// Package memory provides an in-memory Store for tests and single-process
// development setups.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/installation"
)

var _ backend.Store = (*Backend)(nil)

type webhookKey struct {
	installationID int64
	deliveryID     string
}

// Backend is an in-memory storage backend. Values are cloned on the way in
// and out so callers never share state with the store.
type Backend struct {
	mu            sync.RWMutex
	installations map[int64]*installation.Installation
	webhooks      map[webhookKey]*backend.RecordedWebhook
	runs          map[string]*backend.Run
	tasks         map[string]*backend.ScheduledTask
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		installations: make(map[int64]*installation.Installation),
		webhooks:      make(map[webhookKey]*backend.RecordedWebhook),
		runs:          make(map[string]*backend.Run),
		tasks:         make(map[string]*backend.ScheduledTask),
	}
}

// Close is a no-op.
func (b *Backend) Close() error { return nil }

func (b *Backend) GetInstallation(ctx context.Context, id int64) (*installation.Installation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	inst, ok := b.installations[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return inst.Clone(), nil
}

func (b *Backend) CreateInstallation(ctx context.Context, inst *installation.Installation) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.installations[inst.ID]; exists {
		return false, nil
	}
	b.put(inst)
	return true, nil
}

func (b *Backend) SaveInstallation(ctx context.Context, inst *installation.Installation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.installations[inst.ID]; ok {
		inst.DBID = existing.DBID
		inst.CreatedAt = existing.CreatedAt
		if inst.SettingsReferenceURL == "" {
			inst.SettingsReferenceURL = existing.SettingsReferenceURL
		}
	}
	b.put(inst)
	return nil
}

// put stores a clone of inst, filling identity and timestamps. Callers hold mu.
func (b *Backend) put(inst *installation.Installation) {
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
	b.installations[inst.ID] = inst.Clone()
}

func (b *Backend) DeleteInstallation(ctx context.Context, id int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.installations[id]; !ok {
		return false, nil
	}
	delete(b.installations, id)
	for k := range b.webhooks {
		if k.installationID == id {
			delete(b.webhooks, k)
		}
	}
	for k, r := range b.runs {
		if r.InstallationID == id {
			delete(b.runs, k)
		}
	}
	for k, t := range b.tasks {
		if t.InstallationID == id {
			delete(b.tasks, k)
		}
	}
	return true, nil
}

func (b *Backend) ListInstallations(ctx context.Context, q backend.Query) ([]*installation.Installation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*installation.Installation
	for _, inst := range b.installations {
		if q.Matches(inst) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// mutate applies fn to the stored installation under the write lock.
func (b *Backend) mutate(id int64, fn func(*installation.Installation)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	inst, ok := b.installations[id]
	if !ok {
		return backend.ErrNotFound
	}
	fn(inst)
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (b *Backend) AttachSettings(ctx context.Context, id int64, ref string, update installation.SettingsUpdate) error {
	if ref == "" {
		return backend.ErrEmptyReference
	}
	return b.mutate(id, func(inst *installation.Installation) {
		inst.SettingsReferenceURL = ref
		update.Apply(inst)
	})
}

func (b *Backend) UpdateSettings(ctx context.Context, id int64, update installation.SettingsUpdate) error {
	return b.mutate(id, update.Apply)
}

func (b *Backend) UpdateInstallation(ctx context.Context, id int64, p backend.Patch) error {
	return b.mutate(id, func(inst *installation.Installation) {
		if p.NotificationWebhookURL != nil {
			inst.NotificationWebhookURL = *p.NotificationWebhookURL
		}
		if p.ExecutionBackendName != nil {
			inst.ExecutionBackendName = *p.ExecutionBackendName
		}
	})
}

func (b *Backend) SetRecording(ctx context.Context, id int64, startedAt, until time.Time) error {
	return b.mutate(id, func(inst *installation.Installation) {
		s, u := startedAt.UTC(), until.UTC()
		inst.RecordingStartedAt = &s
		inst.RecordingUntil = &u
	})
}

func (b *Backend) SetEnvVar(ctx context.Context, id int64, key string, value *string) (map[string]string, error) {
	var env map[string]string
	err := b.mutate(id, func(inst *installation.Installation) {
		if value == nil {
			delete(inst.EnvVars, key)
		} else {
			inst.EnvVars[key] = *value
		}
		env = make(map[string]string, len(inst.EnvVars))
		for k, v := range inst.EnvVars {
			env[k] = v
		}
	})
	return env, err
}

func (b *Backend) RecordWebhook(ctx context.Context, w *backend.RecordedWebhook) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := webhookKey{w.InstallationID, w.DeliveryID}
	if _, exists := b.webhooks[key]; exists {
		return backend.ErrDuplicate
	}
	cp := *w
	cp.Payload = append([]byte(nil), w.Payload...)
	b.webhooks[key] = &cp
	return nil
}

func (b *Backend) GetWebhook(ctx context.Context, installationID int64, deliveryID string) (*backend.RecordedWebhook, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	w, ok := b.webhooks[webhookKey{installationID, deliveryID}]
	if !ok {
		return nil, backend.ErrNotFound
	}
	cp := *w
	cp.Payload = append([]byte(nil), w.Payload...)
	return &cp, nil
}

func (b *Backend) ListWebhooks(ctx context.Context, installationID int64) ([]*backend.RecordedWebhook, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*backend.RecordedWebhook
	for k, w := range b.webhooks {
		if k.installationID != installationID {
			continue
		}
		cp := *w
		cp.Payload = nil
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	return out, nil
}

func (b *Backend) PruneWebhooks(ctx context.Context, before time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n int64
	for k, w := range b.webhooks {
		if w.RecordedAt.Before(before) {
			delete(b.webhooks, k)
			n++
		}
	}
	return n, nil
}

func (b *Backend) CreateRun(ctx context.Context, run *backend.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ID]; exists {
		return backend.ErrDuplicate
	}
	b.runs[run.ID] = cloneRun(run)
	return nil
}

func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, ok := b.runs[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return cloneRun(run), nil
}

func (b *Backend) CompleteRun(ctx context.Context, id string, status backend.RunStatus, logs string, finishedAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[id]
	if !ok {
		return backend.ErrNotFound
	}
	if run.Status.IsTerminal() {
		return backend.ErrAlreadyCompleted
	}
	f := finishedAt.UTC()
	run.Status = status
	run.Logs = logs
	run.FinishedAt = &f
	return nil
}

func (b *Backend) ListRuns(ctx context.Context, installationID int64, limit int) ([]*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*backend.Run
	for _, r := range b.runs {
		if r.InstallationID == installationID {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *Backend) ScheduleTask(ctx context.Context, task *backend.ScheduledTask) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	cp := *task
	b.tasks[task.ID] = &cp
	return nil
}

func (b *Backend) ClaimDueTasks(ctx context.Context, now time.Time) ([]*backend.ScheduledTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []*backend.ScheduledTask
	for id, t := range b.tasks {
		if !t.RunAt.After(now) {
			due = append(due, t)
			delete(b.tasks, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	return due, nil
}

func (b *Backend) ListTasks(ctx context.Context, installationID int64) ([]*backend.ScheduledTask, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*backend.ScheduledTask
	for _, t := range b.tasks {
		if t.InstallationID == installationID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out, nil
}

func cloneRun(r *backend.Run) *backend.Run {
	cp := *r
	cp.Paths = append([]string(nil), r.Paths...)
	if r.FinishedAt != nil {
		f := *r.FinishedAt
		cp.FinishedAt = &f
	}
	return &cp
}
