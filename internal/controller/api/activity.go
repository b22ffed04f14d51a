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
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/dispatch"
	perilerrors "github.com/busbud/peril/pkg/errors"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// RunTaskRequest is the body of POST /api/installations/{iID}/tasks/{task}.
type RunTaskRequest struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// RunStarted identifies a run started on request.
type RunStarted struct {
	RunID string   `json:"runID"`
	Paths []string `json:"paths"`
}

// handleRunTask handles POST /api/installations/{iID}/tasks/{task}.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	id, ok := installationID(w, r)
	if !ok {
		return
	}
	var req RunTaskRequest
	if err := decode(w, r, &req); err != nil {
		writeMutationResult(w, nil, err)
		return
	}
	inst, err := s.loadInstallation(r.Context(), id)
	if err != nil {
		writeMutationResult(w, nil, err)
		return
	}
	b, err := s.deps.Runs.RunTask(r.Context(), inst, r.PathValue("task"), req.Data, dispatch.KindOther)
	if err != nil {
		writeMutationResult(w, nil, err)
		return
	}
	writeMutationResult(w, RunStarted{RunID: b.PerilSettings.PerilRunID, Paths: b.Paths}, nil)
}

// handleListWebhooks handles GET /api/installations/{iID}/webhooks.
func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	id, ok := installationID(w, r)
	if !ok {
		return
	}
	hooks, err := s.deps.Recorder.List(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if hooks == nil {
		hooks = []*backend.RecordedWebhook{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": hooks})
}

// handleGetWebhook handles GET /api/installations/{iID}/webhooks/{deliveryID}.
func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := installationID(w, r)
	if !ok {
		return
	}
	hook, err := s.deps.Recorder.Replay(r.Context(), id, r.PathValue("deliveryID"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

// handleReplayWebhook handles POST /api/installations/{iID}/webhooks/{deliveryID}/replay.
func (s *Server) handleReplayWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := installationID(w, r)
	if !ok {
		return
	}
	resp, err := s.deps.Redeliverer.Redeliver(r.Context(), id, r.PathValue("deliveryID"))
	writeMutationResult(w, resp, err)
}

// handleListRuns handles GET /api/installations/{iID}/runs?limit=N.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := installationID(w, r)
	if !ok {
		return
	}
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, &perilerrors.ValidationError{Field: "limit", Message: "must be a positive integer"})
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), id, limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if runs == nil {
		runs = []*backend.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleLive handles GET /api/installations/{iID}/live.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id, ok := installationID(w, r)
	if !ok {
		return
	}
	if s.deps.Stream == nil {
		writeError(w, http.StatusNotImplemented, perilerrors.New("live updates are disabled"))
		return
	}
	s.deps.Stream.Serve(w, r, id)
}
