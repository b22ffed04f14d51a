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
	"encoding/json"
	"strings"

	"github.com/busbud/peril/internal/controller/installation"
)

// DSLType tells the run host which DSL to build.
type DSLType string

const (
	DSLPullRequest DSLType = "pr"
	DSLRun         DSLType = "run"
)

// RunKind classifies why a run happened.
type RunKind string

const (
	KindPullRequest RunKind = "pull-request"
	KindScheduled   RunKind = "scheduled"
	KindOther       RunKind = "other"
)

// kindForEvent maps a GitHub event name to its run kind.
func kindForEvent(event string) RunKind {
	if strings.HasPrefix(event, "pull_request") {
		return KindPullRequest
	}
	return KindOther
}

// machineManPreview is the Accept header run units send to GitHub.
const machineManPreview = "application/vnd.github.machine-man-preview+json"

// RunBootstrap is the document handed to an execution backend.
type RunBootstrap struct {
	Payload       Payload               `json:"payload"`
	Paths         []string              `json:"paths"`
	Installation  installation.Snapshot `json:"installation"`
	DSLType       DSLType               `json:"dslType"`
	RunKind       RunKind               `json:"runKind"`
	PerilSettings PerilSettings         `json:"perilSettings"`
}

// Payload carries the DSL seed and the raw webhook or task data.
type Payload struct {
	DSL     DSL             `json:"dsl"`
	Webhook json.RawMessage `json:"webhook"`
}

// DSL is the seed the run host builds its DSL from.
type DSL struct {
	Settings DSLSettings `json:"settings"`
}

// DSLSettings configures how the run host talks to GitHub.
type DSLSettings struct {
	GitHub  GitHubSettings `json:"github"`
	CLIArgs map[string]any `json:"cliArgs"`
}

// GitHubSettings holds the installation access token for the run.
type GitHubSettings struct {
	AccessToken       string            `json:"accessToken"`
	BaseURL           string            `json:"baseURL,omitempty"`
	AdditionalHeaders map[string]string `json:"additionalHeaders"`
}

// PerilSettings lets the run call back into the control API.
type PerilSettings struct {
	PerilJWT     string            `json:"perilJWT"`
	PerilAPIRoot string            `json:"perilAPIRoot"`
	EnvVars      map[string]string `json:"envVars"`
	PerilRunID   string            `json:"perilRunID"`
	Event        string            `json:"event"`
}

// RunContext is attached to the webhook payload as its "peril" object.
type RunContext struct {
	RepoName           string `json:"repoName,omitempty"`
	TriggeringUsername string `json:"triggeringUsername,omitempty"`
	EventID            string `json:"eventID,omitempty"`
	IsRepoEvent        bool   `json:"isRepoEvent"`
}

// withRunContext returns body with rc set as its top-level "peril" field.
// Non-object bodies are wrapped as {"data": body}.
func withRunContext(body json.RawMessage, rc RunContext) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &obj); err != nil {
			obj = map[string]json.RawMessage{"data": body}
		}
	}
	if obj == nil {
		obj = map[string]json.RawMessage{}
	}
	raw, err := json.Marshal(rc)
	if err != nil {
		return nil, err
	}
	obj["peril"] = raw
	return json.Marshal(obj)
}
