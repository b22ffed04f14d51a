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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/busbud/peril/internal/controller/auth"
	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/backend/memory"
	"github.com/busbud/peril/internal/controller/dispatch"
	"github.com/busbud/peril/internal/controller/executor"
	"github.com/busbud/peril/internal/controller/installation"
	"github.com/busbud/peril/internal/controller/recorder"
	"github.com/busbud/peril/internal/controller/scheduler"
	"github.com/busbud/peril/internal/controller/webhook"
)

const adminKey = "test-admin-key-0001"

type captureBackend struct {
	mu   sync.Mutex
	jobs []executor.Job
}

func (c *captureBackend) Name() string { return executor.LocalName }

func (c *captureBackend) Start(_ context.Context, job executor.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
	return nil
}

type staticToken string

func (s staticToken) InstallationToken(context.Context, int64) (string, error) { return string(s), nil }

// storeSettings attaches references without fetching anything.
type storeSettings struct{ store backend.Store }

func (s storeSettings) Attach(ctx context.Context, id int64, ref string) (*installation.Installation, error) {
	if err := s.store.AttachSettings(ctx, id, ref, installation.SettingsUpdate{}); err != nil {
		return nil, err
	}
	return s.store.GetInstallation(ctx, id)
}

func (s storeSettings) Sync(ctx context.Context, id int64) (*installation.Installation, error) {
	return s.store.GetInstallation(ctx, id)
}

type fakeRedeliverer struct{ calls []string }

func (f *fakeRedeliverer) Redeliver(_ context.Context, _ int64, deliveryID string) (webhook.Response, error) {
	f.calls = append(f.calls, deliveryID)
	return webhook.Response{Action: webhook.ActionDispatched, RunID: "replayed"}, nil
}

type harness struct {
	store      *memory.Backend
	tokens     *auth.Service
	dispatcher *dispatch.Dispatcher
	redeliver  *fakeRedeliverer
	handler    http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithSettings(t, func(store backend.Store) Settings { return storeSettings{store} })
}

// newHarnessWithSettings builds the harness around the Settings returned by settingsFor.
func newHarnessWithSettings(t *testing.T, settingsFor func(backend.Store) Settings) *harness {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	_, err := store.CreateInstallation(ctx, installation.New(42, "busbud", ""))
	require.NoError(t, err)
	tasks, err := installation.ParseDocument([]byte(`{"cleanup": "tasks/cleanup.ts"}`))
	require.NoError(t, err)
	require.NoError(t, store.AttachSettings(ctx, 42, "busbud/peril-settings@settings.json", installation.SettingsUpdate{Tasks: tasks}))
	_, err = store.CreateInstallation(ctx, installation.New(7, "acme", ""))
	require.NoError(t, err)

	tokens, err := auth.NewService(auth.Config{Secret: []byte("0123456789abcdef0123456789abcdef"), Issuer: "peril"})
	require.NoError(t, err)

	d, err := dispatch.New(dispatch.Deps{
		Store:        store,
		GitHub:       staticToken("ghs_token"),
		Capabilities: tokens,
		Local:        &captureBackend{},
	}, dispatch.Config{PublicAPIRoot: "https://peril.example.com"})
	require.NoError(t, err)

	sched, err := scheduler.New(store, d, scheduler.Config{})
	require.NoError(t, err)

	h := &harness{store: store, tokens: tokens, dispatcher: d, redeliver: &fakeRedeliverer{}}
	srv := New(Deps{
		Store:        store,
		Runs:         d,
		Capabilities: tokens,
		Tasks:        sched,
		Settings:     settingsFor(store),
		Recorder:     recorder.New(store, store, recorder.Config{}),
		Redeliverer:  h.redeliver,
		Auth: auth.NewMiddleware(auth.MiddlewareConfig{
			Tokens:  tokens,
			APIKeys: []string{adminKey},
		}),
	}, Config{})

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	h.handler = mux
	return h
}

// startRun dispatches the cleanup task and returns its run ID and token.
func (h *harness) startRun(t *testing.T) (string, string) {
	t.Helper()
	inst, err := h.store.GetInstallation(context.Background(), 42)
	require.NoError(t, err)
	b, err := h.dispatcher.RunTask(context.Background(), inst, "cleanup", nil, dispatch.KindOther)
	require.NoError(t, err)
	return b.PerilSettings.PerilRunID, b.PerilSettings.PerilJWT
}

func (h *harness) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func admin() map[string]string {
	return map[string]string{"X-API-Key": adminKey}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func httptestGet(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}
