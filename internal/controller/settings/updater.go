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

// Package settings keeps installations in sync with their settings file.
// The file lives in a GitHub repository ("org/repo@path#branch") or, in
// development, on local disk ("file:///abs/path.json").
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/installation"
	"github.com/busbud/peril/internal/controller/metrics"
	"github.com/busbud/peril/internal/controller/webhook"
	internallog "github.com/busbud/peril/internal/log"
	perilerrors "github.com/busbud/peril/pkg/errors"
)

// Fetcher reads a file from a repository with an installation's access.
type Fetcher interface {
	FetchFile(ctx context.Context, installationID int64, owner, repo, path, ref string) ([]byte, error)
}

// Notifier posts a message to an installation's Slack channel.
type Notifier interface {
	Send(ctx context.Context, inst *installation.Installation, text string)
}

// Config configures an Updater.
type Config struct {
	// AllowLocalFiles permits file:// references.
	AllowLocalFiles bool

	// DefaultBranch is assumed for references without #branch when the push
	// payload does not name the repository's default branch.
	DefaultBranch string

	Logger *slog.Logger
}

// Updater fetches settings files and projects them onto installations.
type Updater struct {
	store    backend.InstallationStore
	fetcher  Fetcher
	notifier Notifier
	cfg      Config
	logger   *slog.Logger

	watcher *Watcher
}

// NewUpdater creates an Updater.
func NewUpdater(store backend.InstallationStore, fetcher Fetcher, notifier Notifier, cfg Config) *Updater {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "master"
	}
	return &Updater{
		store:    store,
		fetcher:  fetcher,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "settings")),
	}
}

// SetWatcher registers local references attached from now on with w.
func (u *Updater) SetWatcher(w *Watcher) {
	u.watcher = w
}

// Attach points a partial or active installation at a settings file and
// loads it. An empty reference is rejected: a reference is never cleared.
func (u *Updater) Attach(ctx context.Context, installationID int64, ref string) (*installation.Installation, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, &perilerrors.ValidationError{Field: "settingsReferenceURL", Message: "must not be empty"}
	}
	parsed, err := u.parseReference(ref)
	if err != nil {
		return nil, err
	}

	inst, err := u.load(ctx, installationID)
	if err != nil {
		return nil, err
	}

	update, err := u.fetch(ctx, inst, parsed)
	if err != nil {
		return nil, err
	}

	if err := u.store.AttachSettings(ctx, installationID, parsed.String(), update); err != nil {
		return nil, fmt.Errorf("attaching settings: %w", err)
	}
	metrics.RecordSettingsSync("attached")
	u.logger.Info("settings attached",
		slog.Int64(internallog.InstallationIDKey, installationID),
		slog.String("reference", parsed.String()))

	if parsed.Local && u.watcher != nil {
		if err := u.watcher.Watch(parsed.Path); err != nil {
			u.logger.Warn("failed to watch settings file", "path", parsed.Path, internallog.Error(err))
		}
	}

	return u.load(ctx, installationID)
}

// Sync re-reads the settings file of an active installation.
func (u *Updater) Sync(ctx context.Context, installationID int64) (*installation.Installation, error) {
	inst, err := u.load(ctx, installationID)
	if err != nil {
		return nil, err
	}
	if !inst.IsActive() {
		return nil, &perilerrors.ValidationError{
			Field:   "settingsReferenceURL",
			Message: "installation has no settings attached",
		}
	}

	parsed, err := u.parseReference(inst.SettingsReferenceURL)
	if err != nil {
		return nil, err
	}
	update, err := u.fetch(ctx, inst, parsed)
	if err != nil {
		return nil, err
	}

	if err := u.store.UpdateSettings(ctx, installationID, update); err != nil {
		return nil, fmt.Errorf("updating settings: %w", err)
	}
	metrics.RecordSettingsSync("synced")
	internallog.WithInstallation(u.logger, installationID).Info("settings synced")

	return u.load(ctx, installationID)
}

// HandleEvent re-syncs inst when event is a push that changed its settings
// file on the watched branch. It reports whether a sync happened.
func (u *Updater) HandleEvent(ctx context.Context, inst *installation.Installation, event string, body []byte) (bool, error) {
	if event != webhook.EventPush || !inst.IsActive() {
		return false, nil
	}
	ref, err := installation.ParseReference(inst.SettingsReferenceURL)
	if err != nil || ref.Local || ref.Repo == "" {
		return false, nil
	}

	env, err := webhook.ParseEnvelope(body)
	if err != nil {
		return false, err
	}
	if !strings.EqualFold(env.RepoFullName(), ref.Repo) {
		return false, nil
	}

	var push webhook.PushEvent
	if err := json.Unmarshal(body, &push); err != nil {
		return false, fmt.Errorf("failed to parse push payload: %w", err)
	}

	branch := ref.Branch
	if branch == "" && env.Repository != nil {
		branch = env.Repository.DefaultBranch
	}
	if branch == "" {
		branch = u.cfg.DefaultBranch
	}
	if push.Branch() != branch || !push.Touches(ref.Path) {
		return false, nil
	}

	u.logger.Info("settings file changed",
		slog.Int64(internallog.InstallationIDKey, inst.ID),
		slog.String("reference", ref.String()))

	if _, err := u.Sync(ctx, inst.ID); err != nil {
		return false, err
	}
	return true, nil
}

// SyncLocal re-syncs every installation whose settings live at path.
func (u *Updater) SyncLocal(ctx context.Context, path string) error {
	insts, err := u.store.ListInstallations(ctx, backend.Query{Status: installation.StatusActive})
	if err != nil {
		return fmt.Errorf("listing installations: %w", err)
	}

	var errs []error
	for _, inst := range insts {
		ref, err := installation.ParseReference(inst.SettingsReferenceURL)
		if err != nil || !ref.Local || ref.Path != path {
			continue
		}
		if _, err := u.Sync(ctx, inst.ID); err != nil {
			errs = append(errs, fmt.Errorf("installation %d: %w", inst.ID, err))
		}
	}
	return errors.Join(errs...)
}

// LocalPaths returns the file:// settings paths of active installations.
func (u *Updater) LocalPaths(ctx context.Context) ([]string, error) {
	insts, err := u.store.ListInstallations(ctx, backend.Query{Status: installation.StatusActive})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var paths []string
	for _, inst := range insts {
		ref, err := installation.ParseReference(inst.SettingsReferenceURL)
		if err != nil || !ref.Local || seen[ref.Path] {
			continue
		}
		seen[ref.Path] = true
		paths = append(paths, ref.Path)
	}
	return paths, nil
}

func (u *Updater) parseReference(ref string) (installation.Reference, error) {
	parsed, err := installation.ParseReference(ref)
	if err != nil {
		return installation.Reference{}, &perilerrors.ValidationError{Field: "settingsReferenceURL", Message: err.Error()}
	}
	if parsed.Local && !u.cfg.AllowLocalFiles {
		return installation.Reference{}, &perilerrors.ValidationError{
			Field:   "settingsReferenceURL",
			Message: "file:// references are disabled on this server",
		}
	}
	if parsed.IsRelative() {
		return installation.Reference{}, &perilerrors.ValidationError{
			Field:   "settingsReferenceURL",
			Message: "use a string like 'org/repo@path/to/settings.json'",
		}
	}
	return parsed, nil
}

func (u *Updater) load(ctx context.Context, installationID int64) (*installation.Installation, error) {
	inst, err := u.store.GetInstallation(ctx, installationID)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, &perilerrors.UnknownInstallationError{InstallationID: installationID}
	}
	if err != nil {
		return nil, fmt.Errorf("loading installation: %w", err)
	}
	return inst, nil
}

// fetch reads and parses the settings file. A file that does not parse is
// reported to the installation's Slack channel.
func (u *Updater) fetch(ctx context.Context, inst *installation.Installation, ref installation.Reference) (installation.SettingsUpdate, error) {
	var (
		data []byte
		err  error
	)
	if ref.Local {
		data, err = os.ReadFile(ref.Path)
		if err != nil {
			err = &perilerrors.NotFoundError{Resource: "settings file", ID: ref.String()}
		}
	} else {
		data, err = u.fetcher.FetchFile(ctx, inst.ID, ref.Owner(), ref.Name(), ref.Path, ref.Branch)
	}
	if err != nil {
		metrics.RecordSettingsSync("fetch_error")
		return installation.SettingsUpdate{}, fmt.Errorf("fetching settings %s: %w", ref, err)
	}

	update, err := Parse(data)
	if err != nil {
		metrics.RecordSettingsSync("parse_error")
		if u.notifier != nil {
			u.notifier.Send(ctx, inst, fmt.Sprintf("Settings at `%s` did not parse as JSON.", ref))
		}
		return installation.SettingsUpdate{}, &perilerrors.ValidationError{Field: "settings", Message: err.Error()}
	}
	return update, nil
}
