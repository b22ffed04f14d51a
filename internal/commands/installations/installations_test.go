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

package installations

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busbud/peril/internal/commands/shared"
	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/backend/memory"
	"github.com/busbud/peril/internal/controller/installation"
)

func seedStore(t *testing.T) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()

	partial := installation.New(7, "octocat", "")
	require.NoError(t, store.SaveInstallation(ctx, partial))

	active := installation.New(42, "busbud", "")
	active.SettingsReferenceURL = "busbud/peril-settings@settings.json"
	active.Rules = installation.Document(`{"pull_request":"rules/pr.ts","issues":"rules/issues.ts"}`)
	active.EnvVars = map[string]string{"SLACK_TOKEN": "xoxb"}
	require.NoError(t, store.SaveInstallation(ctx, active))

	lambda := installation.New(99, "lambda-org", "")
	lambda.SettingsReferenceURL = "lambda-org/settings@settings.json"
	lambda.ExecutionBackendName = "peril-runner-fn"
	require.NoError(t, store.SaveInstallation(ctx, lambda))

	orig := openStore
	openStore = func(context.Context) (backend.Store, error) { return store, nil }
	t.Cleanup(func() { openStore = orig })
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestList(t *testing.T) {
	seedStore(t)

	tests := []struct {
		name    string
		args    []string
		want    []string
		notWant []string
	}{
		{"all", []string{"list"}, []string{"octocat", "busbud", "lambda-org"}, nil},
		{"external", []string{"list", "--external"}, []string{"lambda-org", "peril-runner-fn"}, []string{"octocat", "busbud"}},
		{"partial", []string{"list", "--status", "partial"}, []string{"octocat"}, []string{"busbud", "lambda-org"}},
		{"active", []string{"list", "--status", "active"}, []string{"busbud", "lambda-org"}, []string{"octocat"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, tt.args...)
			require.NoError(t, err)
			for _, s := range tt.want {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.notWant {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestList_BadStatus(t *testing.T) {
	seedStore(t)
	_, err := run(t, "list", "--status", "dormant")
	assert.Error(t, err)
}

func TestList_JSON(t *testing.T) {
	seedStore(t)
	shared.SetJSONForTest(true)
	defer shared.SetJSONForTest(false)

	out, err := run(t, "list", "--external")
	require.NoError(t, err)

	var resp struct {
		Installations []installation.Summary `json:"installations"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Installations, 1)
	assert.Equal(t, int64(99), resp.Installations[0].ID)
}

func TestShow(t *testing.T) {
	seedStore(t)

	out, err := run(t, "show", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "busbud/peril-settings@settings.json")
	assert.Contains(t, out, "SLACK_TOKEN")
	assert.NotContains(t, out, "xoxb", "env values are never printed")
	assert.Regexp(t, `Rules:\s+2`, out)
}

func TestShow_Errors(t *testing.T) {
	seedStore(t)

	_, err := run(t, "show", "abc")
	assert.Error(t, err)

	_, err = run(t, "show", "1000")
	require.Error(t, err)
	assert.Equal(t, shared.ExitNotFound, shared.ExitCode(err))
}
