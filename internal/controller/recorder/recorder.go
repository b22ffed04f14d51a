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

// Package recorder keeps raw webhooks for installations that asked to be
// recorded, so they can be inspected and replayed while developing run
// units.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/installation"
	"github.com/busbud/peril/internal/controller/metrics"
	internallog "github.com/busbud/peril/internal/log"
	perilerrors "github.com/busbud/peril/pkg/errors"
)

// DefaultWindow is how long a recording stays open.
const DefaultWindow = 5 * time.Minute

// Config configures a Recorder.
type Config struct {
	Window time.Duration
	Logger *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Recorder records and replays webhooks.
type Recorder struct {
	installations backend.InstallationStore
	webhooks      backend.WebhookStore
	window        time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// New creates a Recorder.
func New(installations backend.InstallationStore, webhooks backend.WebhookStore, cfg Config) *Recorder {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		installations: installations,
		webhooks:      webhooks,
		window:        cfg.Window,
		now:           cfg.Now,
		logger:        logger.With(slog.String("component", "recorder")),
	}
}

// MaybeRecord stores the payload when inst's recording window is open.
// A delivery already recorded for the installation is not an error; it
// reports false.
func (r *Recorder) MaybeRecord(ctx context.Context, inst *installation.Installation, event, deliveryID string, payload []byte) (bool, error) {
	now := r.now().UTC()
	if !inst.IsRecording(now) {
		return false, nil
	}
	if deliveryID == "" {
		return false, &perilerrors.ValidationError{Field: "X-GitHub-Delivery", Message: "required to record a webhook"}
	}

	err := r.webhooks.RecordWebhook(ctx, &backend.RecordedWebhook{
		InstallationID: inst.ID,
		Event:          event,
		DeliveryID:     deliveryID,
		Payload:        append([]byte(nil), payload...),
		RecordedAt:     now,
	})
	logger := internallog.WithInstallation(r.logger, inst.ID)
	if errors.Is(err, backend.ErrDuplicate) {
		logger.Debug("webhook already recorded", slog.String(internallog.DeliveryIDKey, deliveryID))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recording webhook: %w", err)
	}

	metrics.RecordWebhookRecorded()
	logger.Info("webhook recorded",
		slog.String(internallog.EventKey, event),
		slog.String(internallog.DeliveryIDKey, deliveryID))
	return true, nil
}

// StartRecording opens a recording window of the given length, or the
// configured window when length is zero, and returns the time it closes.
func (r *Recorder) StartRecording(ctx context.Context, installationID int64, length time.Duration) (time.Time, error) {
	if length <= 0 {
		length = r.window
	}
	now := r.now().UTC()
	until := now.Add(length)

	err := r.installations.SetRecording(ctx, installationID, now, until)
	if errors.Is(err, backend.ErrNotFound) {
		return time.Time{}, &perilerrors.UnknownInstallationError{InstallationID: installationID}
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("starting recording: %w", err)
	}

	internallog.WithInstallation(r.logger, installationID).Info("recording started", slog.Time("until", until))
	return until, nil
}

// List returns recordings for an installation, newest first, without payloads.
func (r *Recorder) List(ctx context.Context, installationID int64) ([]*backend.RecordedWebhook, error) {
	return r.webhooks.ListWebhooks(ctx, installationID)
}

// Replay returns a single recording including its payload.
func (r *Recorder) Replay(ctx context.Context, installationID int64, deliveryID string) (*backend.RecordedWebhook, error) {
	w, err := r.webhooks.GetWebhook(ctx, installationID, deliveryID)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, &perilerrors.NotFoundError{Resource: "recorded webhook", ID: deliveryID}
	}
	if err != nil {
		return nil, fmt.Errorf("loading recorded webhook: %w", err)
	}
	return w, nil
}

// Prune deletes recordings older than retention.
func (r *Recorder) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := r.webhooks.PruneWebhooks(ctx, r.now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("pruning recorded webhooks: %w", err)
	}
	if n > 0 {
		r.logger.Info("pruned recorded webhooks", "count", n)
	}
	return n, nil
}
