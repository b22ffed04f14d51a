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
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/busbud/peril/internal/controller/auth"
	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/installation"
	internallog "github.com/busbud/peril/internal/log"
	perilerrors "github.com/busbud/peril/pkg/errors"
)

// InstallationList is the response of GET /api/installations. Partial
// installations are listed separately as awaiting setup.
type InstallationList struct {
	Installations        []installation.Summary `json:"installations"`
	InstallationsToSetUp []installation.Summary `json:"installationsToSetUp"`
}

// EditInstallationRequest is the body of PATCH /api/installations/{iID}.
// Absent fields are left unchanged.
type EditInstallationRequest struct {
	SettingsReferenceURL   *string `json:"settingsReferenceURL,omitempty"`
	NotificationWebhookURL *string `json:"notificationWebhookURL,omitempty"`
	ExecutionBackendName   *string `json:"executionBackendName,omitempty"`
}

// AttachSettingsRequest is the body of POST /api/installations/{iID}/settings.
type AttachSettingsRequest struct {
	SettingsReferenceURL string `json:"settingsReferenceURL"`
}

// RecordingResponse reports an open recording window.
type RecordingResponse struct {
	RecordingUntil time.Time `json:"recordingUntil"`
}

// EnvVarRequest is the body of PUT /api/installations/{iID}/env/{key}.
type EnvVarRequest struct {
	Value string `json:"value"`
}

// EnvVarsResponse carries the whole env map after a change.
type EnvVarsResponse struct {
	EnvVars map[string]string `json:"envVars"`
}

// handleListInstallations handles GET /api/installations.
func (s *Server) handleListInstallations(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		auth.WriteAuthError(w, &perilerrors.AuthenticationError{Reason: "missing_credentials", Message: "authentication required"})
		return
	}

	q := backend.Query{}
	if !user.Admin {
		if len(user.Installations) == 0 {
			writeJSON(w, http.StatusOK, InstallationList{
				Installations:        []installation.Summary{},
				InstallationsToSetUp: []installation.Summary{},
			})
			return
		}
		q.IDs = user.Installations
	}

	insts, err := s.deps.Store.ListInstallations(r.Context(), q)
	if err != nil {
		s.logger.Error("failed to list installations", internallog.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := InstallationList{
		Installations:        []installation.Summary{},
		InstallationsToSetUp: []installation.Summary{},
	}
	for _, inst := range insts {
		if inst.IsActive() {
			resp.Installations = append(resp.Installations, inst.Summary())
		} else {
			resp.InstallationsToSetUp = append(resp.InstallationsToSetUp, inst.Summary())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetInstallation handles GET /api/installations/{iID}.
func (s *Server) handleGetInstallation(w http.ResponseWriter, r *http.Request) {
	id, ok := installationID(w, r)
	if !ok {
		return
	}
	inst, err := s.loadInstallation(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// handleAttachSettings handles POST /api/installations/{iID}/settings.
func (s *Server) handleAttachSettings(w http.ResponseWriter, r *http.Request) {
	id, ok := installationID(w, r)
	if !ok {
		return
	}
	var req AttachSettingsRequest
	if err := decode(w, r, &req); err != nil {
		writeMutationResult(w, nil, err)
		return
	}
	inst, err := s.deps.Settings.Attach(r.Context(), id, req.SettingsReferenceURL)
	writeMutationResult(w, inst, err)
}

// handleEditInstallation handles PATCH /api/installations/{iID}.
func (s *Server) handleEditInstallation(w http.ResponseWriter, r *http.Request) {
	id, ok := installationID(w, r)
	if !ok {
		return
	}
	var req EditInstallationRequest
	if err := decode(w, r, &req); err != nil {
		writeMutationResult(w, nil, err)
		return
	}

	if req.SettingsReferenceURL != nil && strings.TrimSpace(*req.SettingsReferenceURL) == "" {
		writeMutationResult(w, nil, &perilerrors.ValidationError{
			Field:   "settingsReferenceURL",
			Message: "cannot be cleared",
		})
		return
	}
	if req.NotificationWebhookURL != nil && *req.NotificationWebhookURL != "" {
		if err := validateWebhookURL(*req.NotificationWebhookURL); err != nil {
			writeMutationResult(w, nil, err)
			return
		}
	}

	ctx := r.Context()
	if _, err := s.loadInstallation(ctx, id); err != nil {
		writeMutationResult(w, nil, err)
		return
	}
	// Settings are fetched first so a reference that cannot be loaded
	// leaves the rest of the installation untouched.
	if req.SettingsReferenceURL != nil {
		if _, err := s.deps.Settings.Attach(ctx, id, *req.SettingsReferenceURL); err != nil {
			writeMutationResult(w, nil, err)
			return
		}
	}
	if req.NotificationWebhookURL != nil || req.ExecutionBackendName != nil {
		patch := backend.Patch{
			NotificationWebhookURL: req.NotificationWebhookURL,
			ExecutionBackendName:   req.ExecutionBackendName,
		}
		if err := s.deps.Store.UpdateInstallation(ctx, id, patch); err != nil {
			writeMutationResult(w, nil, perilerrors.Wrap(err, "updating installation"))
			return
		}
	}

	inst, err := s.loadInstallation(ctx, id)
	writeMutationResult(w, inst, err)
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return &perilerrors.ValidationError{Field: "notificationWebhookURL", Message: "must be an http(s) URL"}
	}
	return nil
}

// handleSyncSettings handles POST /api/installations/{iID}/settings/sync.
func (s *Server) handleSyncSettings(w http.ResponseWriter, r *http.Request) {
	id, ok := installationID(w, r)
	if !ok {
		return
	}
	inst, err := s.deps.Settings.Sync(r.Context(), id)
	writeMutationResult(w, inst, err)
}

// handleStartRecording handles POST /api/installations/{iID}/recording.
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	id, ok := installationID(w, r)
	if !ok {
		return
	}
	until, err := s.deps.Recorder.StartRecording(r.Context(), id, s.cfg.RecordingWindow)
	if err != nil {
		writeMutationResult(w, nil, err)
		return
	}
	writeMutationResult(w, RecordingResponse{RecordingUntil: until}, nil)
}

// handleSetEnvVar handles PUT /api/installations/{iID}/env/{key}.
func (s *Server) handleSetEnvVar(w http.ResponseWriter, r *http.Request) {
	id, ok := installationID(w, r)
	if !ok {
		return
	}
	var req EnvVarRequest
	if err := decode(w, r, &req); err != nil {
		writeMutationResult(w, nil, err)
		return
	}
	s.changeEnvVar(w, r, id, &req.Value)
}

// handleDeleteEnvVar handles DELETE /api/installations/{iID}/env/{key}.
func (s *Server) handleDeleteEnvVar(w http.ResponseWriter, r *http.Request) {
	id, ok := installationID(w, r)
	if !ok {
		return
	}
	s.changeEnvVar(w, r, id, nil)
}

func (s *Server) changeEnvVar(w http.ResponseWriter, r *http.Request, id int64, value *string) {
	key := r.PathValue("key")
	if key == "" {
		writeMutationResult(w, nil, &perilerrors.ValidationError{Field: "key", Message: "is required"})
		return
	}
	env, err := s.deps.Store.SetEnvVar(r.Context(), id, key, value)
	if err != nil {
		if perilerrors.Is(err, backend.ErrNotFound) {
			err = &perilerrors.UnknownInstallationError{InstallationID: id}
		}
		writeMutationResult(w, nil, err)
		return
	}
	s.logger.Info("env var changed",
		internallog.InstallationIDKey, id,
		"key", key,
		"removed", value == nil)
	writeMutationResult(w, EnvVarsResponse{EnvVars: env}, nil)
}
