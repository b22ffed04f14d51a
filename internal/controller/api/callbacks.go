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
	"slices"

	"github.com/busbud/peril/internal/controller/auth"
	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/metrics"
	"github.com/busbud/peril/internal/controller/scheduler"
	internallog "github.com/busbud/peril/internal/log"
	perilerrors "github.com/busbud/peril/pkg/errors"
)

// CompleteRunRequest is the body of POST /api/runs/{runID}/complete.
type CompleteRunRequest struct {
	Status string   `json:"status"`
	Logs   []string `json:"logs"`
}

// CompleteRunResponse acknowledges a completion report.
type CompleteRunResponse struct {
	Run       *backend.Run `json:"run"`
	Duplicate bool         `json:"duplicate,omitempty"`
}

// ScheduleTaskRequest is the body of POST /api/tasks.
type ScheduleTaskRequest struct {
	Task string          `json:"task"`
	Time string          `json:"time"`
	Data json.RawMessage `json:"data,omitempty"`
}

// capability checks the bearer token for op. On failure it writes a 401
// or 403 and returns nil.
func (s *Server) capability(w http.ResponseWriter, r *http.Request, op auth.Op) *auth.CapabilityClaims {
	token, ok := auth.BearerToken(r)
	if !ok {
		metrics.RecordCapabilityRejection("missing")
		auth.WriteAuthError(w, &perilerrors.AuthenticationError{Reason: "missing_credentials", Message: "capability token required"})
		return nil
	}
	res, claims := s.deps.Capabilities.VerifyOp(token, op)
	if res != auth.Valid {
		metrics.RecordCapabilityRejection(res.String())
		auth.WriteAuthError(w, &perilerrors.AuthenticationError{
			Reason:    res.String(),
			Message:   "capability token rejected: " + res.String(),
			Forbidden: res == auth.ScopeViolation,
		})
		return nil
	}
	if rl := s.deps.Auth; rl != nil && !rl.RateLimiter().Allow("run:"+claims.RunID()) {
		auth.WriteRateLimited(w)
		return nil
	}
	return claims
}

func scopeViolation(w http.ResponseWriter, message string) {
	metrics.RecordCapabilityRejection(auth.ScopeViolation.String())
	auth.WriteAuthError(w, &perilerrors.AuthenticationError{
		Reason:    auth.ScopeViolation.String(),
		Message:   message,
		Forbidden: true,
	})
}

// handleRunComplete handles POST /api/runs/{runID}/complete. A run may only
// report for itself.
func (s *Server) handleRunComplete(w http.ResponseWriter, r *http.Request) {
	claims := s.capability(w, r, auth.OpReportRunCompletion)
	if claims == nil {
		return
	}

	runID := r.PathValue("runID")
	if claims.RunID() != runID {
		scopeViolation(w, "token was issued for another run")
		return
	}
	run, err := s.deps.Runs.Run(r.Context(), runID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !slices.Contains(claims.Installations, run.InstallationID) {
		scopeViolation(w, "token does not cover the run's installation")
		return
	}

	var req CompleteRunRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var succeeded bool
	switch req.Status {
	case "success":
		succeeded = true
	case "failure":
	default:
		writeError(w, http.StatusBadRequest, &perilerrors.ValidationError{Field: "status", Message: `must be "success" or "failure"`})
		return
	}

	c, err := s.deps.Runs.Complete(r.Context(), runID, succeeded, req.Logs)
	if err != nil {
		s.logger.Error("failed to complete run", internallog.RunIDKey, runID, internallog.Error(err))
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, CompleteRunResponse{Run: c.Run, Duplicate: c.Duplicate})
}

// handleScheduleTask handles POST /api/tasks. The task is stored for the
// installation the token was issued for.
func (s *Server) handleScheduleTask(w http.ResponseWriter, r *http.Request) {
	claims := s.capability(w, r, auth.OpScheduleTask)
	if claims == nil {
		return
	}
	id, ok := claims.Installation()
	if !ok {
		scopeViolation(w, "token is not scoped to a single installation")
		return
	}

	var req ScheduleTaskRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	at, err := scheduler.ParseRunAt(req.Time, s.cfg.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	task, err := s.deps.Tasks.ScheduleTask(r.Context(), id, req.Task, at, req.Data)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}
