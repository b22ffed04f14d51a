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

// Package installation defines the Installation aggregate and the typed
// projections over its user-supplied settings documents.
package installation

import (
	"sort"
	"time"
)

// Status classifies an installation by whether it has settings attached.
type Status string

const (
	// StatusPartial installations have no settings reference yet.
	StatusPartial Status = "partial"
	// StatusActive installations have a settings reference. There is no way back to partial.
	StatusActive Status = "active"
)

// Installation is one GitHub account that installed the App.
type Installation struct {
	ID        int64  `json:"iID"`
	DBID      string `json:"id"`
	Login     string `json:"login"`
	AvatarURL string `json:"avatarURL,omitempty"`

	// SettingsReferenceURL points at the settings document, e.g.
	// "org/repo@peril.settings.json". Empty for partial installations.
	SettingsReferenceURL string `json:"settingsReferenceURL,omitempty"`

	Repos     Document `json:"repos"`
	Rules     Document `json:"rules"`
	Settings  Document `json:"settings"`
	Tasks     Document `json:"tasks"`
	Scheduler Document `json:"scheduler"`

	EnvVars map[string]string `json:"envVars"`

	RecordingUntil     *time.Time `json:"recordingUntil,omitempty"`
	RecordingStartedAt *time.Time `json:"recordingStartedAt,omitempty"`

	NotificationWebhookURL string `json:"notificationWebhookURL,omitempty"`

	// ExecutionBackendName routes runs to an external backend (a Lambda
	// function name) instead of the local runner.
	ExecutionBackendName string `json:"executionBackendName,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New returns a partial installation for a freshly created GitHub App
// installation.
func New(id int64, login, avatarURL string) *Installation {
	return &Installation{
		ID:        id,
		Login:     login,
		AvatarURL: avatarURL,
		EnvVars:   map[string]string{},
	}
}

// Status reports whether the installation is partial or active.
func (i *Installation) Status() Status {
	if i.SettingsReferenceURL == "" {
		return StatusPartial
	}
	return StatusActive
}

// IsActive is shorthand for Status() == StatusActive.
func (i *Installation) IsActive() bool {
	return i.Status() == StatusActive
}

// IsRecording reports whether the recording window is open at now. The
// window end is exclusive.
func (i *Installation) IsRecording(now time.Time) bool {
	return i.RecordingUntil != nil && i.RecordingUntil.After(now)
}

// UsesExternalBackend reports whether runs go to a named external backend.
func (i *Installation) UsesExternalBackend() bool {
	return i.ExecutionBackendName != ""
}

// Clone returns a deep copy so callers can mutate without racing other
// readers of a cached value.
func (i *Installation) Clone() *Installation {
	if i == nil {
		return nil
	}
	out := *i
	out.Repos = i.Repos.Clone()
	out.Rules = i.Rules.Clone()
	out.Settings = i.Settings.Clone()
	out.Tasks = i.Tasks.Clone()
	out.Scheduler = i.Scheduler.Clone()
	out.EnvVars = make(map[string]string, len(i.EnvVars))
	for k, v := range i.EnvVars {
		out.EnvVars[k] = v
	}
	if i.RecordingUntil != nil {
		t := *i.RecordingUntil
		out.RecordingUntil = &t
	}
	if i.RecordingStartedAt != nil {
		t := *i.RecordingStartedAt
		out.RecordingStartedAt = &t
	}
	return &out
}

// SettingsUpdate carries the user-editable documents taken from a settings
// file. Env vars are deliberately absent: they are only set through the API.
type SettingsUpdate struct {
	Repos     Document
	Rules     Document
	Settings  Document
	Tasks     Document
	Scheduler Document
}

// Apply copies the update onto the installation.
func (u SettingsUpdate) Apply(i *Installation) {
	i.Repos = u.Repos
	i.Rules = u.Rules
	i.Settings = u.Settings
	i.Tasks = u.Tasks
	i.Scheduler = u.Scheduler
}

// Summary is the listing projection of an installation. It never carries
// env var values or the notification URL.
type Summary struct {
	ID                   int64      `json:"iID"`
	DBID                 string     `json:"id"`
	Login                string     `json:"login"`
	AvatarURL            string     `json:"avatarURL,omitempty"`
	Status               Status     `json:"status"`
	SettingsReferenceURL string     `json:"settingsReferenceURL,omitempty"`
	EnvVarNames          []string   `json:"envVarNames,omitempty"`
	RecordingUntil       *time.Time `json:"recordingUntil,omitempty"`
	HasNotifications     bool       `json:"hasNotifications"`
	ExecutionBackendName string     `json:"executionBackendName,omitempty"`
}

// Summary builds the listing projection.
func (i *Installation) Summary() Summary {
	names := make([]string, 0, len(i.EnvVars))
	for k := range i.EnvVars {
		names = append(names, k)
	}
	sort.Strings(names)

	return Summary{
		ID:                   i.ID,
		DBID:                 i.DBID,
		Login:                i.Login,
		AvatarURL:            i.AvatarURL,
		Status:               i.Status(),
		SettingsReferenceURL: i.SettingsReferenceURL,
		EnvVarNames:          names,
		RecordingUntil:       i.RecordingUntil,
		HasNotifications:     i.NotificationWebhookURL != "",
		ExecutionBackendName: i.ExecutionBackendName,
	}
}

// Snapshot is the subset of an installation handed to a run unit.
type Snapshot struct {
	ID       int64    `json:"iID"`
	Login    string   `json:"login"`
	Settings Document `json:"settings"`
}

// Snapshot builds the run projection.
func (i *Installation) Snapshot() Snapshot {
	return Snapshot{
		ID:       i.ID,
		Login:    i.Login,
		Settings: i.Settings.Clone(),
	}
}
