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
	"encoding/json"
	"fmt"
	"strings"
)

// GitHub event names handled specially by the router.
const (
	EventInstallation = "installation"
	EventPing         = "ping"
	EventPush         = "push"
	EventPullRequest  = "pull_request"
)

// Installation actions.
const (
	ActionCreated = "created"
	ActionDeleted = "deleted"
)

// Delivery is one inbound webhook: the event header, delivery ID and the
// raw body exactly as signed.
type Delivery struct {
	Event      string
	DeliveryID string
	Body       []byte
}

// Envelope holds the fields common to GitHub App webhook payloads.
type Envelope struct {
	Action       string                `json:"action"`
	Installation *EnvelopeInstallation `json:"installation"`
	Repository   *Repository           `json:"repository"`
	Sender       *User                 `json:"sender"`
}

// EnvelopeInstallation is the installation object of a payload.
type EnvelopeInstallation struct {
	ID      int64 `json:"id"`
	Account *User `json:"account"`
}

// User is a GitHub account.
type User struct {
	Login     string `json:"login"`
	ID        int64  `json:"id"`
	AvatarURL string `json:"avatar_url"`
}

// Repository is a GitHub repository.
type Repository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
	Owner         *User  `json:"owner"`
}

// ParseEnvelope decodes the common fields of a payload.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	return &env, nil
}

// InstallationID returns the installation the payload belongs to.
func (e *Envelope) InstallationID() (int64, bool) {
	if e.Installation == nil || e.Installation.ID == 0 {
		return 0, false
	}
	return e.Installation.ID, true
}

// RepoFullName returns "org/repo", or "" for organisation-level events.
func (e *Envelope) RepoFullName() string {
	if e.Repository == nil {
		return ""
	}
	return e.Repository.FullName
}

// SenderLogin returns the login of the user who triggered the event.
func (e *Envelope) SenderLogin() string {
	if e.Sender == nil {
		return ""
	}
	return e.Sender.Login
}

// QualifiedEvent joins event and action, e.g. "pull_request.closed".
func QualifiedEvent(event, action string) string {
	if action == "" {
		return event
	}
	return event + "." + action
}

// PushEvent is the subset of a push payload used to detect settings changes.
type PushEvent struct {
	Ref     string       `json:"ref"`
	Commits []PushCommit `json:"commits"`
}

// PushCommit lists the files a commit touched.
type PushCommit struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

// Branch returns the branch name of refs/heads/<branch>.
func (p *PushEvent) Branch() string {
	return strings.TrimPrefix(p.Ref, "refs/heads/")
}

// Touches reports whether any commit added, removed or modified path.
func (p *PushEvent) Touches(path string) bool {
	for _, c := range p.Commits {
		for _, list := range [][]string{c.Added, c.Removed, c.Modified} {
			for _, f := range list {
				if f == path {
					return true
				}
			}
		}
	}
	return false
}
