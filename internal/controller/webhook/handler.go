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

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/busbud/peril/internal/controller/metrics"
	internallog "github.com/busbud/peril/internal/log"
	perilerrors "github.com/busbud/peril/pkg/errors"
)

// DefaultMaxBodyBytes matches GitHub's payload cap.
const DefaultMaxBodyBytes = 25 << 20

// Action is what the router did with a delivery.
type Action string

const (
	ActionCreatedInstallation Action = "created"
	ActionAlreadyExists       Action = "already_exists"
	ActionDeletedInstallation Action = "deleted"
	ActionIgnored             Action = "ignored"
	ActionDispatched          Action = "dispatched"
	ActionNothingToRun        Action = "nothing_to_run"
)

// StatusCode is the HTTP status returned to GitHub for the action.
func (a Action) StatusCode() int {
	if a == ActionAlreadyExists {
		return http.StatusNoContent
	}
	return http.StatusOK
}

// Response is the body returned to GitHub.
type Response struct {
	Action  Action `json:"action"`
	RunID   string `json:"runID,omitempty"`
	Message string `json:"message,omitempty"`
}

// Router handles verified deliveries.
type Router interface {
	Route(ctx context.Context, d Delivery) (Response, error)
}

// HandlerConfig configures the ingress handler.
type HandlerConfig struct {
	Secret       []byte
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Handler is the POST /webhook endpoint.
type Handler struct {
	secret  []byte
	maxBody int64
	router  Router
	logger  *slog.Logger
}

// NewHandler creates the ingress handler.
func NewHandler(cfg HandlerConfig, router Router) *Handler {
	h := &Handler{
		secret:  cfg.Secret,
		maxBody: cfg.MaxBodyBytes,
		router:  router,
		logger:  cfg.Logger,
	}
	if h.maxBody <= 0 {
		h.maxBody = DefaultMaxBodyBytes
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With(slog.String("component", "webhook"))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	logger := h.logger.With(slog.String(internallog.EventKey, event), slog.String(internallog.DeliveryIDKey, deliveryID))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, event, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		h.reject(w, event, http.StatusBadRequest, "failed to read body")
		return
	}

	switch Verify(h.secret, body, r.Header.Get(SignatureHeader)) {
	case MissingHeader:
		logger.Warn("webhook rejected", "reason", "missing signature")
		h.reject(w, event, http.StatusBadRequest, "missing "+SignatureHeader+" header")
		return
	case InvalidSignature:
		logger.Warn("webhook rejected", "reason", "invalid signature")
		h.reject(w, event, http.StatusUnauthorized, "signature verification failed")
		return
	}

	if event == "" {
		h.reject(w, event, http.StatusBadRequest, "missing X-GitHub-Event header")
		return
	}
	internallog.Trace(logger, "webhook payload", slog.Int("bytes", len(body)), slog.String("body", string(body)))

	resp, err := h.router.Route(r.Context(), Delivery{Event: event, DeliveryID: deliveryID, Body: body})
	if err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			logger.Error("webhook handling failed",
				internallog.Error(err),
				slog.Bool("retryable", perilerrors.IsRetryable(err)))
		} else {
			logger.Info("webhook not handled", internallog.Error(err))
		}
		h.reject(w, event, status, err.Error())
		return
	}

	metrics.RecordWebhook(event, string(resp.Action))
	logger.Debug("webhook handled", "action", string(resp.Action), internallog.RunIDKey, resp.RunID)

	status := resp.Action.StatusCode()
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, resp)
}

func statusForError(err error) int {
	switch perilerrors.KindOf(err) {
	case perilerrors.KindUnknownInstallation, perilerrors.KindNotFound:
		return http.StatusNotFound
	case perilerrors.KindValidation:
		return http.StatusBadRequest
	case perilerrors.KindAuthentication:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) reject(w http.ResponseWriter, event string, status int, message string) {
	metrics.RecordWebhook(event, http.StatusText(status))
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
