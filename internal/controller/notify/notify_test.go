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

package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busbud/peril/internal/controller/installation"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRedact(t *testing.T) {
	tests := []struct {
		name    string
		secrets map[string]string
		in      string
		want    string
	}{
		{name: "no secrets", in: "hello", want: "hello"},
		{name: "single", secrets: map[string]string{"TOKEN": "abc123"}, in: "token is abc123!", want: "token is [TOKEN]!"},
		{name: "repeated", secrets: map[string]string{"K": "xy"}, in: "xy-xy", want: "[K]-[K]"},
		{name: "empty value ignored", secrets: map[string]string{"EMPTY": ""}, in: "abc", want: "abc"},
		{name: "longest first", secrets: map[string]string{"SHORT": "abc", "LONG": "abcdef"}, in: "abcdef abc", want: "[LONG] [SHORT]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Redact(tt.secrets, tt.in))
		})
	}
}

func TestSentence(t *testing.T) {
	assert.Equal(t, "", Sentence(nil))
	assert.Equal(t, "a", Sentence([]string{"a"}))
	assert.Equal(t, "a and b", Sentence([]string{"a", "b"}))
	assert.Equal(t, "a, b and c", Sentence([]string{"a", "b", "c"}))
}

func TestSend(t *testing.T) {
	var got message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.Client(), map[string]string{"PERIL_JWT_SECRET": "server-secret"}, discard())
	inst := installation.New(42, "acme", "")
	inst.NotificationWebhookURL = srv.URL
	inst.EnvVars = map[string]string{"NPM_TOKEN": "npm-123"}

	n.Send(context.Background(), inst, "failed with npm-123 and server-secret")

	assert.Equal(t, "Peril for acme", got.Username)
	assert.Equal(t, "failed with [NPM_TOKEN] and [PERIL_JWT_SECRET]", got.Text)
	assert.False(t, got.UnfurlLinks)
}

func TestSendLogs(t *testing.T) {
	var got message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := New(srv.Client(), nil, discard())
	inst := installation.New(42, "acme", "")
	inst.NotificationWebhookURL = srv.URL
	inst.EnvVars = map[string]string{"KEY": "hunter2"}

	n.SendLogs(context.Background(), inst, "Run failed", RunLogs{
		Event: "pull_request.opened",
		Paths: []string{"acme/peril@a.ts", "acme/peril@b.ts"},
		Log:   "boom hunter2",
	})

	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "pull_request.opened - acme/peril@a.ts and acme/peril@b.ts", got.Attachments[0].Title)
	assert.Equal(t, "```\nboom [KEY]\n```", got.Attachments[0].Text)
}

func TestSend_NoURLIsNoop(t *testing.T) {
	n := New(http.DefaultClient, nil, discard())
	n.Send(context.Background(), installation.New(1, "acme", ""), "hi")
}

func TestSend_FailureIsSwallowed(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(srv.Client(), nil, discard())
	inst := installation.New(42, "acme", "")
	inst.NotificationWebhookURL = srv.URL

	err := n.deliver(context.Background(), srv.URL, message{Text: "hi"})
	assert.ErrorContains(t, err, "slack returned 500")

	n.Send(context.Background(), inst, "hi")
	assert.Equal(t, 2, calls)
}
