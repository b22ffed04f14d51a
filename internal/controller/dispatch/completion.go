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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/executor"
	"github.com/busbud/peril/internal/controller/metrics"
	"github.com/busbud/peril/internal/controller/notify"
	"github.com/busbud/peril/internal/controller/observe"
	internallog "github.com/busbud/peril/internal/log"
	perilerrors "github.com/busbud/peril/pkg/errors"
)

// Completion is the result of a completion report.
type Completion struct {
	Run *backend.Run

	// Duplicate is set when the run had already completed. The report
	// changed nothing.
	Duplicate bool
}

// Run loads a run by ID.
func (d *Dispatcher) Run(ctx context.Context, runID string) (*backend.Run, error) {
	run, err := d.deps.Store.GetRun(ctx, runID)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, &perilerrors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	return run, nil
}

// Complete records a run's outcome. The first report wins; later reports
// for the same run are no-ops that still succeed. A failed run posts its
// logs to the installation's Slack channel.
func (d *Dispatcher) Complete(ctx context.Context, runID string, succeeded bool, logs []string) (*Completion, error) {
	run, err := d.Run(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return &Completion{Run: run, Duplicate: true}, nil
	}

	inst, err := d.deps.Store.GetInstallation(ctx, run.InstallationID)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, &perilerrors.UnknownInstallationError{InstallationID: run.InstallationID}
	}
	if err != nil {
		return nil, fmt.Errorf("loading installation: %w", err)
	}

	text := strings.Join(logs, "\n")
	redacted := notify.Redact(inst.EnvVars, notify.Redact(d.cfg.Secrets, text))

	status := backend.RunSucceeded
	if !succeeded {
		status = backend.RunFailed
	}

	err = d.deps.Store.CompleteRun(ctx, runID, status, redacted, d.now().UTC())
	if errors.Is(err, backend.ErrAlreadyCompleted) {
		current, gerr := d.Run(ctx, runID)
		if gerr != nil {
			return nil, gerr
		}
		return &Completion{Run: current, Duplicate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("completing run: %w", err)
	}

	metrics.RecordRunCompleted(string(status))
	d.logger.Info("run completed",
		slog.Int64(internallog.InstallationIDKey, run.InstallationID),
		slog.String(internallog.RunIDKey, runID),
		slog.String(internallog.EventKey, run.Event),
		slog.String("status", string(status)))

	eventType := observe.RunFinished
	if !succeeded {
		eventType = observe.RunFailed
	}
	d.publish(observe.Event{Type: eventType, InstallationID: run.InstallationID, RunID: runID, Event: run.Event, Paths: run.Paths})

	if !succeeded && d.deps.Notifier != nil {
		d.deps.Notifier.SendLogs(ctx, inst, fmt.Sprintf("Run for `%s` failed.", run.Event), notify.RunLogs{
			Event: run.Event,
			Paths: run.Paths,
			Log:   text,
		})
	}

	current, err := d.Run(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &Completion{Run: current}, nil
}

// ReportFailure completes a run that died before reporting for itself.
func (d *Dispatcher) ReportFailure(ctx context.Context, job executor.Job, logs string) {
	c, err := d.Complete(ctx, job.RunID, false, []string{logs})
	if err != nil {
		d.logger.Error("failed to record run failure",
			slog.String(internallog.RunIDKey, job.RunID),
			slog.Int64(internallog.InstallationIDKey, job.InstallationID),
			internallog.Error(err))
		return
	}
	if c.Duplicate {
		d.logger.Debug("run already reported", slog.String(internallog.RunIDKey, job.RunID))
	}
}
