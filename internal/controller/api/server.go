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

// Package api serves Peril's HTTP surface other than webhook ingress: the
// callbacks run units make with their capability token and the management
// API used by dashboards and the operator CLI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/busbud/peril/internal/controller/auth"
	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/dispatch"
	"github.com/busbud/peril/internal/controller/installation"
	"github.com/busbud/peril/internal/controller/webhook"
	perilerrors "github.com/busbud/peril/pkg/errors"
)

// Runs starts and completes runs.
type Runs interface {
	Run(ctx context.Context, runID string) (*backend.Run, error)
	Complete(ctx context.Context, runID string, succeeded bool, logs []string) (*dispatch.Completion, error)
	RunTask(ctx context.Context, inst *installation.Installation, task string, data json.RawMessage, kind dispatch.RunKind) (*dispatch.RunBootstrap, error)
}

// Capabilities verifies run tokens.
type Capabilities interface {
	VerifyOp(token string, op auth.Op) (auth.Result, *auth.CapabilityClaims)
}

// Tasks stores one-off scheduled tasks.
type Tasks interface {
	ScheduleTask(ctx context.Context, installationID int64, task string, at time.Time, data json.RawMessage) (*backend.ScheduledTask, error)
}

// Settings attaches and re-reads settings files.
type Settings interface {
	Attach(ctx context.Context, installationID int64, ref string) (*installation.Installation, error)
	Sync(ctx context.Context, installationID int64) (*installation.Installation, error)
}

// Recorder manages recorded webhooks.
type Recorder interface {
	StartRecording(ctx context.Context, installationID int64, length time.Duration) (time.Time, error)
	List(ctx context.Context, installationID int64) ([]*backend.RecordedWebhook, error)
	Replay(ctx context.Context, installationID int64, deliveryID string) (*backend.RecordedWebhook, error)
}

// Redeliverer routes a recorded webhook again.
type Redeliverer interface {
	Redeliver(ctx context.Context, installationID int64, deliveryID string) (webhook.Response, error)
}

// Streamer serves the live run event stream.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, installationID int64)
}

// Deps are the collaborators behind the API. Stream is optional.
type Deps struct {
	Store        backend.Store
	Runs         Runs
	Capabilities Capabilities
	Tasks        Tasks
	Settings     Settings
	Recorder     Recorder
	Redeliverer  Redeliverer
	Stream       Streamer
	Auth         *auth.Middleware
}

// Config configures the API.
type Config struct {
	// RecordingWindow is how long a recording request records for.
	RecordingWindow time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Server holds the API handlers.
type Server struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
}

// New creates the API server.
func New(deps Deps, cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "api")),
	}
}

// RegisterRoutes adds every API route to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/runs/{runID}/complete", s.handleRunComplete)
	mux.HandleFunc("POST /api/tasks", s.handleScheduleTask)

	user := func(h http.HandlerFunc) http.Handler { return s.deps.Auth.Wrap(h) }
	mux.Handle("GET /api/installations", user(s.handleListInstallations))
	mux.Handle("GET /api/installations/{iID}", user(s.handleGetInstallation))
	mux.Handle("PATCH /api/installations/{iID}", user(s.handleEditInstallation))
	mux.Handle("POST /api/installations/{iID}/settings", user(s.handleAttachSettings))
	mux.Handle("POST /api/installations/{iID}/settings/sync", user(s.handleSyncSettings))
	mux.Handle("POST /api/installations/{iID}/recording", user(s.handleStartRecording))
	mux.Handle("PUT /api/installations/{iID}/env/{key}", user(s.handleSetEnvVar))
	mux.Handle("DELETE /api/installations/{iID}/env/{key}", user(s.handleDeleteEnvVar))
	mux.Handle("POST /api/installations/{iID}/tasks/{task}", user(s.handleRunTask))
	mux.Handle("GET /api/installations/{iID}/webhooks", user(s.handleListWebhooks))
	mux.Handle("GET /api/installations/{iID}/webhooks/{deliveryID}", user(s.handleGetWebhook))
	mux.Handle("POST /api/installations/{iID}/webhooks/{deliveryID}/replay", user(s.handleReplayWebhook))
	mux.Handle("GET /api/installations/{iID}/runs", user(s.handleListRuns))
	mux.Handle("GET /api/installations/{iID}/live", user(s.handleLive))
}

// installationID reads {iID} and checks the caller may act on it. It
// writes the error response itself and reports false on failure.
func installationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("iID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, &perilerrors.ValidationError{Field: "iID", Message: "must be a positive integer"})
		return 0, false
	}
	user, ok := auth.UserFromContext(r.Context())
	if !ok || !user.CanAccess(id) {
		auth.WriteAuthError(w, &perilerrors.AuthenticationError{
			Reason:    "forbidden",
			Message:   "no access to installation " + strconv.FormatInt(id, 10),
			Forbidden: true,
		})
		return 0, false
	}
	return id, true
}

// decode reads an optional JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return &perilerrors.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": perilerrors.Describe(err)})
}

// writeMutationResult answers a management mutation. Failures are data,
// not transport errors: the status stays 200 and the body carries
// {"error": {description, context}}.
func writeMutationResult(w http.ResponseWriter, data any, err error) {
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"error": perilerrors.Describe(err)})
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// statusFor maps an error to the status of a read endpoint.
func statusFor(err error) int {
	switch perilerrors.KindOf(err) {
	case perilerrors.KindNotFound, perilerrors.KindUnknownInstallation:
		return http.StatusNotFound
	case perilerrors.KindValidation:
		return http.StatusBadRequest
	case perilerrors.KindAuthentication:
		return http.StatusUnauthorized
	case perilerrors.KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) loadInstallation(ctx context.Context, id int64) (*installation.Installation, error) {
	inst, err := s.deps.Store.GetInstallation(ctx, id)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, &perilerrors.UnknownInstallationError{InstallationID: id}
	}
	return inst, err
}
