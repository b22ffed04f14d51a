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

package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/installation"
	"github.com/busbud/peril/internal/controller/settings"
)

func TestListInstallations(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/installations", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Len(t, body["installations"], 1)
	require.Len(t, body["installationsToSetUp"], 1)
	assert.EqualValues(t, 42, body["installations"].([]any)[0].(map[string]any)["iID"])
	assert.EqualValues(t, 7, body["installationsToSetUp"].([]any)[0].(map[string]any)["iID"])

	session, err := h.tokens.IssueSession("octocat", []int64{7})
	require.NoError(t, err)
	rec = h.do(t, http.MethodGet, "/api/installations", "", bearer(session))
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Empty(t, body["installations"])
	assert.Len(t, body["installationsToSetUp"], 1)

	rec = h.do(t, http.MethodGet, "/api/installations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListInstallations_HidesSecrets(t *testing.T) {
	h := newHarness(t)
	v := "hunter2"
	_, err := h.store.SetEnvVar(context.Background(), 42, "NPM_TOKEN", &v)
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/api/installations", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.Contains(t, rec.Body.String(), "NPM_TOKEN")
}

func TestGetInstallation_Access(t *testing.T) {
	h := newHarness(t)
	session, err := h.tokens.IssueSession("octocat", []int64{7})
	require.NoError(t, err)

	tests := []struct {
		name    string
		path    string
		headers map[string]string
		want    int
	}{
		{name: "admin", path: "/api/installations/42", headers: admin(), want: http.StatusOK},
		{name: "member", path: "/api/installations/7", headers: bearer(session), want: http.StatusOK},
		{name: "not a member", path: "/api/installations/42", headers: bearer(session), want: http.StatusForbidden},
		{name: "unknown", path: "/api/installations/99", headers: admin(), want: http.StatusNotFound},
		{name: "bad id", path: "/api/installations/abc", headers: admin(), want: http.StatusBadRequest},
		{name: "anonymous", path: "/api/installations/42", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, tt.path, "", tt.headers)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestEditInstallation(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPatch, "/api/installations/42", `{"settingsReferenceURL":""}`, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	errBody := decodeBody(t, rec)["error"].(map[string]any)
	assert.Equal(t, "validation", errBody["context"])
	assert.Contains(t, errBody["description"], "cannot be cleared")

	rec = h.do(t, http.MethodPatch, "/api/installations/42", `{"notificationWebhookURL":"ftp://nope"}`, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decodeBody(t, rec)["error"])

	rec = h.do(t, http.MethodPatch, "/api/installations/42",
		`{"notificationWebhookURL":"https://hooks.slack.com/services/T/B/X","executionBackendName":"peril-runner"}`, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Nil(t, body["error"])
	assert.Equal(t, "peril-runner", body["executionBackendName"])

	inst, err := h.store.GetInstallation(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.slack.com/services/T/B/X", inst.NotificationWebhookURL)
	assert.Equal(t, "busbud/peril-settings@settings.json", inst.SettingsReferenceURL)
}

type unreachableGitHub struct{}

func (unreachableGitHub) FetchFile(context.Context, int64, string, string, string, string) ([]byte, error) {
	return nil, errors.New("github down")
}

func TestEditInstallation_FailedFetchChangesNothing(t *testing.T) {
	h := newHarnessWithSettings(t, func(store backend.Store) Settings {
		return settings.NewUpdater(store, unreachableGitHub{}, nil, settings.Config{})
	})

	rec := h.do(t, http.MethodPatch, "/api/installations/42",
		`{"notificationWebhookURL":"https://hooks.slack.com/x","executionBackendName":"peril-runner","settingsReferenceURL":"busbud/other@settings.json"}`,
		admin())
	require.Equal(t, http.StatusOK, rec.Code)
	errBody, ok := decodeBody(t, rec)["error"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, errBody["description"], "github down")

	inst, err := h.store.GetInstallation(context.Background(), 42)
	require.NoError(t, err)
	assert.Empty(t, inst.NotificationWebhookURL)
	assert.Empty(t, inst.ExecutionBackendName)
	assert.Equal(t, "busbud/peril-settings@settings.json", inst.SettingsReferenceURL)
}

func TestAttachSettings(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/installations/7/settings", `{"settingsReferenceURL":"acme/peril@settings.json"}`, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme/peril@settings.json", decodeBody(t, rec)["settingsReferenceURL"])

	inst, err := h.store.GetInstallation(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, installation.StatusActive, inst.Status())

	rec = h.do(t, http.MethodPost, "/api/installations/99/settings", `{"settingsReferenceURL":"x/y@z.json"}`, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decodeBody(t, rec)["error"])
}

func TestEnvVars(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPut, "/api/installations/42/env/NPM_TOKEN", `{"value":"abc"}`, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"NPM_TOKEN": "abc"}, decodeBody(t, rec)["envVars"])

	rec = h.do(t, http.MethodPut, "/api/installations/42/env/SLACK", `{"value":"def"}`, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["envVars"], 2)

	rec = h.do(t, http.MethodDelete, "/api/installations/42/env/NPM_TOKEN", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"SLACK": "def"}, decodeBody(t, rec)["envVars"])

	rec = h.do(t, http.MethodPut, "/api/installations/99/env/X", `{"value":"1"}`, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unknown_installation", decodeBody(t, rec)["error"].(map[string]any)["context"])
}

func TestRecordingAndWebhooks(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/installations/42/recording", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["recordingUntil"])

	inst, err := h.store.GetInstallation(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, inst.RecordingUntil)

	rec = h.do(t, http.MethodGet, "/api/installations/42/webhooks", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["webhooks"])

	rec = h.do(t, http.MethodGet, "/api/installations/42/webhooks/missing", "", admin())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/installations/42/webhooks/d-1/replay", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "replayed", decodeBody(t, rec)["runID"])
	assert.Equal(t, []string{"d-1"}, h.redeliver.calls)
}

func TestRunTaskAndListRuns(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/installations/42/tasks/cleanup", `{"data":{"force":true}}`, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	started := decodeBody(t, rec)
	require.NotEmpty(t, started["runID"])
	assert.Equal(t, []any{"busbud/peril-settings@tasks/cleanup.ts"}, started["paths"])

	rec = h.do(t, http.MethodPost, "/api/installations/42/tasks/deploy", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["error"].(map[string]any)["context"])

	rec = h.do(t, http.MethodGet, "/api/installations/42/runs?limit=10", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeBody(t, rec)["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, started["runID"], runs[0].(map[string]any)["runID"])

	rec = h.do(t, http.MethodGet, "/api/installations/42/runs?limit=-1", "", admin())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLive_Disabled(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/installations/42/live", "", admin())
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	draining := false
	h := HealthHandler(HealthSources{
		ActiveRuns:    func() int { return 2 },
		Draining:      func() bool { return draining },
		SchedulerKeys: func() int { return 4 },
	})

	rec := httptestGet(h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "2 active", body["checks"].(map[string]any)["local_runs"])

	draining = true
	rec = httptestGet(h, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
