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

// Package backendtest holds a conformance suite that every backend.Store
// implementation runs from its own tests.
package backendtest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/installation"
)

// Run exercises newStore against the full backend.Store contract.
func Run(t *testing.T, newStore func(t *testing.T) backend.Store) {
	t.Helper()

	t.Run("CreateInstallationIsInsertIfAbsent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.CreateInstallation(ctx, installation.New(1, "acme", ""))
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.CreateInstallation(ctx, installation.New(1, "renamed", ""))
		require.NoError(t, err)
		assert.False(t, created)

		got, err := s.GetInstallation(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "acme", got.Login)
		assert.NotEmpty(t, got.DBID)
		assert.Equal(t, installation.StatusPartial, got.Status())
	})

	t.Run("GetUnknownInstallation", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetInstallation(context.Background(), 404)
		assert.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("SaveInstallationKeepsIdentity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inst := installation.New(2, "acme", "https://avatars/acme")
		require.NoError(t, s.SaveInstallation(ctx, inst))
		dbID := inst.DBID

		again := installation.New(2, "acme-inc", "")
		require.NoError(t, s.SaveInstallation(ctx, again))
		assert.Equal(t, dbID, again.DBID)

		got, err := s.GetInstallation(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, "acme-inc", got.Login)
		assert.Equal(t, dbID, got.DBID)
	})

	t.Run("AttachSettingsActivates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateInstallation(ctx, installation.New(3, "acme", ""))
		require.NoError(t, err)

		update := installation.SettingsUpdate{
			Rules:     installation.Document(`{"pull_request":"acme/peril@rules/pr.ts"}`),
			Scheduler: installation.Document(`{"@daily":"nightly"}`),
		}
		require.NoError(t, s.AttachSettings(ctx, 3, "acme/peril@peril.settings.json", update))

		got, err := s.GetInstallation(ctx, 3)
		require.NoError(t, err)
		assert.True(t, got.IsActive())
		assert.JSONEq(t, `{"pull_request":"acme/peril@rules/pr.ts"}`, string(got.Rules))
		assert.True(t, got.Repos.IsEmpty())

		list, err := s.ListInstallations(ctx, backend.Query{SchedulerKey: "@daily"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, int64(3), list[0].ID)

		err = s.AttachSettings(ctx, 999, "x/y@z.json", update)
		assert.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("SettingsReferenceCannotBeCleared", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateInstallation(ctx, installation.New(42, "busbud", ""))
		require.NoError(t, err)
		require.NoError(t, s.AttachSettings(ctx, 42, "busbud/peril-settings@settings.json", installation.SettingsUpdate{}))

		replacement := installation.New(42, "busbud", "https://avatars/busbud")
		require.NoError(t, s.SaveInstallation(ctx, replacement))
		assert.Equal(t, "busbud/peril-settings@settings.json", replacement.SettingsReferenceURL)

		err = s.AttachSettings(ctx, 42, "", installation.SettingsUpdate{})
		assert.ErrorIs(t, err, backend.ErrEmptyReference)

		got, err := s.GetInstallation(ctx, 42)
		require.NoError(t, err)
		assert.True(t, got.IsActive())
		assert.Equal(t, installation.StatusActive, got.Status())
		assert.Equal(t, "busbud/peril-settings@settings.json", got.SettingsReferenceURL)
		assert.Equal(t, "https://avatars/busbud", got.AvatarURL)
	})

	t.Run("UpdateSettingsKeepsReference", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateInstallation(ctx, installation.New(4, "acme", ""))
		require.NoError(t, err)
		require.NoError(t, s.AttachSettings(ctx, 4, "acme/peril@settings.json", installation.SettingsUpdate{}))

		require.NoError(t, s.UpdateSettings(ctx, 4, installation.SettingsUpdate{
			Settings: installation.Document(`{"ignored_repos":["acme/legacy"]}`),
		}))

		got, err := s.GetInstallation(ctx, 4)
		require.NoError(t, err)
		assert.Equal(t, "acme/peril@settings.json", got.SettingsReferenceURL)
		prefs, err := got.Preferences()
		require.NoError(t, err)
		assert.Equal(t, []string{"acme/legacy"}, prefs.IgnoredRepos)
	})

	t.Run("UpdateInstallationPatch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateInstallation(ctx, installation.New(5, "acme", ""))
		require.NoError(t, err)

		fn := "peril-acme"
		require.NoError(t, s.UpdateInstallation(ctx, 5, backend.Patch{ExecutionBackendName: &fn}))

		got, err := s.GetInstallation(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, "peril-acme", got.ExecutionBackendName)
		assert.Empty(t, got.NotificationWebhookURL)

		list, err := s.ListInstallations(ctx, backend.Query{ExternalOnly: true})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		assert.ErrorIs(t, s.UpdateInstallation(ctx, 6, backend.Patch{}), backend.ErrNotFound)
	})

	t.Run("SetEnvVar", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateInstallation(ctx, installation.New(7, "acme", ""))
		require.NoError(t, err)

		v := "secret"
		env, err := s.SetEnvVar(ctx, 7, "TOKEN", &v)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"TOKEN": "secret"}, env)

		env, err = s.SetEnvVar(ctx, 7, "TOKEN", nil)
		require.NoError(t, err)
		assert.Empty(t, env)

		_, err = s.SetEnvVar(ctx, 8, "TOKEN", &v)
		assert.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("SetRecording", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateInstallation(ctx, installation.New(9, "acme", ""))
		require.NoError(t, err)

		now := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.SetRecording(ctx, 9, now, now.Add(5*time.Minute)))

		got, err := s.GetInstallation(ctx, 9)
		require.NoError(t, err)
		assert.True(t, got.IsRecording(now))
		assert.False(t, got.IsRecording(now.Add(5*time.Minute)))
	})

	t.Run("RecordWebhookRejectsDuplicates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateInstallation(ctx, installation.New(10, "acme", ""))
		require.NoError(t, err)

		now := time.Now().UTC()
		w := &backend.RecordedWebhook{
			InstallationID: 10,
			Event:          "pull_request",
			DeliveryID:     "d-1",
			Payload:        json.RawMessage(`{"action":"opened"}`),
			RecordedAt:     now,
		}
		require.NoError(t, s.RecordWebhook(ctx, w))
		assert.ErrorIs(t, s.RecordWebhook(ctx, w), backend.ErrDuplicate)

		require.NoError(t, s.RecordWebhook(ctx, &backend.RecordedWebhook{
			InstallationID: 10, Event: "issues", DeliveryID: "d-2",
			Payload: json.RawMessage(`{}`), RecordedAt: now.Add(time.Second),
		}))

		got, err := s.GetWebhook(ctx, 10, "d-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"action":"opened"}`, string(got.Payload))

		list, err := s.ListWebhooks(ctx, 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "d-2", list[0].DeliveryID)
		assert.Empty(t, list[0].Payload)

		_, err = s.GetWebhook(ctx, 10, "missing")
		assert.ErrorIs(t, err, backend.ErrNotFound)

		n, err := s.PruneWebhooks(ctx, now.Add(500*time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("CompleteRunFirstWins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateInstallation(ctx, installation.New(11, "acme", ""))
		require.NoError(t, err)

		run := &backend.Run{
			ID: "run-1", InstallationID: 11, Event: "pull_request", Kind: "pull-request",
			Paths: []string{"acme/peril@rules/pr.ts"}, Backend: "local",
			Status: backend.RunDispatched, StartedAt: time.Now().UTC(),
		}
		require.NoError(t, s.CreateRun(ctx, run))
		assert.ErrorIs(t, s.CreateRun(ctx, run), backend.ErrDuplicate)

		require.NoError(t, s.CompleteRun(ctx, "run-1", backend.RunSucceeded, "ok", time.Now()))
		err = s.CompleteRun(ctx, "run-1", backend.RunFailed, "late", time.Now())
		assert.ErrorIs(t, err, backend.ErrAlreadyCompleted)
		assert.ErrorIs(t, s.CompleteRun(ctx, "nope", backend.RunFailed, "", time.Now()), backend.ErrNotFound)

		got, err := s.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, backend.RunSucceeded, got.Status)
		assert.Equal(t, "ok", got.Logs)
		assert.Equal(t, []string{"acme/peril@rules/pr.ts"}, got.Paths)
		require.NotNil(t, got.FinishedAt)

		runs, err := s.ListRuns(ctx, 11, 10)
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	})

	t.Run("ClaimDueTasks", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateInstallation(ctx, installation.New(12, "acme", ""))
		require.NoError(t, err)

		now := time.Now().UTC()
		require.NoError(t, s.ScheduleTask(ctx, &backend.ScheduledTask{
			InstallationID: 12, Task: "later", RunAt: now.Add(time.Hour),
		}))
		require.NoError(t, s.ScheduleTask(ctx, &backend.ScheduledTask{
			InstallationID: 12, Task: "due", Data: json.RawMessage(`{"n":1}`), RunAt: now.Add(-time.Minute),
		}))

		due, err := s.ClaimDueTasks(ctx, now)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "due", due[0].Task)
		assert.JSONEq(t, `{"n":1}`, string(due[0].Data))

		due, err = s.ClaimDueTasks(ctx, now)
		require.NoError(t, err)
		assert.Empty(t, due)

		pending, err := s.ListTasks(ctx, 12)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "later", pending[0].Task)
	})

	t.Run("DeleteInstallationCascades", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateInstallation(ctx, installation.New(13, "acme", ""))
		require.NoError(t, err)

		now := time.Now().UTC()
		require.NoError(t, s.RecordWebhook(ctx, &backend.RecordedWebhook{
			InstallationID: 13, Event: "push", DeliveryID: "d", Payload: json.RawMessage(`{}`), RecordedAt: now,
		}))
		require.NoError(t, s.CreateRun(ctx, &backend.Run{
			ID: "run-13", InstallationID: 13, Event: "push", Kind: "other", Backend: "local",
			Status: backend.RunDispatched, StartedAt: now,
		}))
		require.NoError(t, s.ScheduleTask(ctx, &backend.ScheduledTask{InstallationID: 13, Task: "t", RunAt: now}))

		deleted, err := s.DeleteInstallation(ctx, 13)
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = s.GetInstallation(ctx, 13)
		assert.ErrorIs(t, err, backend.ErrNotFound)
		_, err = s.GetWebhook(ctx, 13, "d")
		assert.ErrorIs(t, err, backend.ErrNotFound)
		_, err = s.GetRun(ctx, "run-13")
		assert.ErrorIs(t, err, backend.ErrNotFound)
		tasks, err := s.ListTasks(ctx, 13)
		require.NoError(t, err)
		assert.Empty(t, tasks)

		deleted, err = s.DeleteInstallation(ctx, 13)
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}
