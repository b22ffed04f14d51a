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

// Package backend defines Peril's persistence interfaces.
//
// # Interface Hierarchy
//
// Storage is split by concern so components depend on the smallest surface
// they need:
//
//   - InstallationStore: installation records keyed by GitHub installation ID
//   - WebhookStore: recorded webhooks keyed by (installation ID, delivery ID)
//   - RunStore: dispatched runs awaiting or holding their completion report
//   - TaskStore: one-off tasks scheduled by run units
//
// Store composes all of these plus io.Closer. The sqlite, postgres and
// memory packages each implement Store; a process opens exactly one and
// passes it to the components that need it.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/busbud/peril/internal/controller/installation"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("duplicate")

	// ErrAlreadyCompleted is returned when a run has already been completed.
	ErrAlreadyCompleted = errors.New("run already completed")

	// ErrEmptyReference is returned when a settings reference would be cleared.
	ErrEmptyReference = errors.New("settings reference cannot be empty")
)

// InstallationStore persists installations. Single-field mutations are
// atomic updates by identifier; nothing takes cross-request locks.
type InstallationStore interface {
	// GetInstallation returns ErrNotFound when the ID is unknown.
	GetInstallation(ctx context.Context, id int64) (*installation.Installation, error)

	// CreateInstallation inserts inst unless a record with the same ID
	// exists. It reports whether a record was created; an existing record
	// is never modified.
	CreateInstallation(ctx context.Context, inst *installation.Installation) (bool, error)

	// SaveInstallation upserts the whole record. A stored settings reference
	// is kept when inst carries none, so an Active installation stays Active.
	SaveInstallation(ctx context.Context, inst *installation.Installation) error

	// DeleteInstallation removes the installation along with its recorded
	// webhooks, runs and scheduled tasks. It reports whether anything was deleted.
	DeleteInstallation(ctx context.Context, id int64) (bool, error)

	// ListInstallations returns installations matching q, ordered by ID.
	ListInstallations(ctx context.Context, q Query) ([]*installation.Installation, error)

	// AttachSettings sets the settings reference and the documents read
	// from it in one update. An empty ref returns ErrEmptyReference.
	AttachSettings(ctx context.Context, id int64, ref string, update installation.SettingsUpdate) error

	// UpdateSettings replaces the documents read from the settings file.
	UpdateSettings(ctx context.Context, id int64, update installation.SettingsUpdate) error

	// UpdateInstallation applies the non-nil fields of p.
	UpdateInstallation(ctx context.Context, id int64, p Patch) error

	// SetRecording opens a recording window.
	SetRecording(ctx context.Context, id int64, startedAt, until time.Time) error

	// SetEnvVar sets key to value, or removes it when value is nil, and
	// returns the resulting env map.
	SetEnvVar(ctx context.Context, id int64, key string, value *string) (map[string]string, error)
}

// WebhookStore persists recorded webhooks.
type WebhookStore interface {
	// RecordWebhook returns ErrDuplicate if (installation, delivery) was
	// already recorded.
	RecordWebhook(ctx context.Context, w *RecordedWebhook) error

	GetWebhook(ctx context.Context, installationID int64, deliveryID string) (*RecordedWebhook, error)

	// ListWebhooks returns recordings newest first, without payloads.
	ListWebhooks(ctx context.Context, installationID int64) ([]*RecordedWebhook, error)

	// PruneWebhooks deletes recordings older than before and returns the count.
	PruneWebhooks(ctx context.Context, before time.Time) (int64, error)
}

// RunStore persists dispatched runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// CompleteRun records the outcome of a dispatched run. The first
	// completion wins; later ones return ErrAlreadyCompleted.
	CompleteRun(ctx context.Context, id string, status RunStatus, logs string, finishedAt time.Time) error

	// ListRuns returns runs for an installation, newest first.
	ListRuns(ctx context.Context, installationID int64, limit int) ([]*Run, error)
}

// TaskStore persists one-off scheduled tasks.
type TaskStore interface {
	ScheduleTask(ctx context.Context, task *ScheduledTask) error

	// ClaimDueTasks removes and returns every task with RunAt <= now.
	ClaimDueTasks(ctx context.Context, now time.Time) ([]*ScheduledTask, error)

	ListTasks(ctx context.Context, installationID int64) ([]*ScheduledTask, error)
}

// Store is the full storage surface.
type Store interface {
	InstallationStore
	WebhookStore
	RunStore
	TaskStore
	io.Closer
}

// Query selects installations. Zero values match everything.
type Query struct {
	// IDs restricts results to these installation IDs.
	IDs []int64

	// Status restricts results to partial or active installations.
	Status installation.Status

	// SchedulerKey keeps installations whose scheduler declares this key.
	SchedulerKey string

	// ExternalOnly keeps installations routed to an external backend.
	ExternalOnly bool

	// Scheduled keeps installations with a non-empty scheduler document.
	Scheduled bool
}

// Matches applies every predicate of q to inst.
func (q Query) Matches(inst *installation.Installation) bool {
	if len(q.IDs) > 0 {
		found := false
		for _, id := range q.IDs {
			if id == inst.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Status != "" && inst.Status() != q.Status {
		return false
	}
	if q.ExternalOnly && !inst.UsesExternalBackend() {
		return false
	}
	if q.Scheduled && inst.Scheduler.IsEmpty() {
		return false
	}
	if q.SchedulerKey != "" && !inst.HasScheduleKey(q.SchedulerKey) {
		return false
	}
	return true
}

// Patch lists optional installation field updates.
type Patch struct {
	NotificationWebhookURL *string
	ExecutionBackendName   *string
}

// RecordedWebhook is an immutable snapshot of one inbound event.
type RecordedWebhook struct {
	InstallationID int64           `json:"iID"`
	Event          string          `json:"event"`
	DeliveryID     string          `json:"eventID"`
	Payload        json.RawMessage `json:"json,omitempty"`
	RecordedAt     time.Time       `json:"createdAt"`
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunDispatched RunStatus = "dispatched"
	RunSucceeded  RunStatus = "succeeded"
	RunFailed     RunStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// Run is a dispatched run unit invocation.
type Run struct {
	ID             string     `json:"runID"`
	InstallationID int64      `json:"iID"`
	Event          string     `json:"event"`
	Kind           string     `json:"kind"`
	Paths          []string   `json:"paths"`
	Backend        string     `json:"backend"`
	Status         RunStatus  `json:"status"`
	Logs           string     `json:"logs,omitempty"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// ScheduledTask is a named task to run at a later time.
type ScheduledTask struct {
	ID             string          `json:"id"`
	InstallationID int64           `json:"iID"`
	Task           string          `json:"task"`
	Data           json.RawMessage `json:"data,omitempty"`
	RunAt          time.Time       `json:"runAt"`
	CreatedAt      time.Time       `json:"createdAt"`
}
