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

// Package notify posts installation notices to Slack incoming webhooks.
// Messages are scrubbed of server secrets and installation env var values
// before they leave the process; delivery failures are logged and dropped.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/busbud/peril/internal/controller/installation"
	"github.com/busbud/peril/internal/controller/metrics"
	internallog "github.com/busbud/peril/internal/log"
)

// Notifier sends Slack messages for installations.
type Notifier struct {
	client  *http.Client
	secrets map[string]string
	logger  *slog.Logger
}

// New creates a notifier. secrets maps names to server secret values that
// must never appear in a message.
func New(client *http.Client, secrets map[string]string, logger *slog.Logger) *Notifier {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		client:  client,
		secrets: secrets,
		logger:  logger.With(slog.String("component", "notify")),
	}
}

// RunLogs is the attachment sent with a failed run.
type RunLogs struct {
	Event string
	Paths []string
	Log   string
}

type attachment struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type message struct {
	UnfurlLinks bool         `json:"unfurl_links"`
	Username    string       `json:"username"`
	Text        string       `json:"text"`
	Attachments []attachment `json:"attachments,omitempty"`
}

// Send posts text to the installation's notification webhook, if any.
func (n *Notifier) Send(ctx context.Context, inst *installation.Installation, text string) {
	if inst.NotificationWebhookURL == "" {
		return
	}
	n.post(ctx, inst, message{
		Username: "Peril for " + inst.Login,
		Text:     n.redact(inst, text),
	})
}

// SendLogs posts text with the run's logs attached as a code block.
func (n *Notifier) SendLogs(ctx context.Context, inst *installation.Installation, text string, logs RunLogs) {
	if inst.NotificationWebhookURL == "" {
		return
	}
	n.post(ctx, inst, message{
		Username: "Peril for " + inst.Login,
		Text:     n.redact(inst, text),
		Attachments: []attachment{{
			Title: fmt.Sprintf("%s - %s", logs.Event, Sentence(logs.Paths)),
			Text:  "```\n" + n.redact(inst, logs.Log) + "\n```",
		}},
	})
}

func (n *Notifier) redact(inst *installation.Installation, s string) string {
	return Redact(inst.EnvVars, Redact(n.secrets, s))
}

func (n *Notifier) post(ctx context.Context, inst *installation.Installation, msg message) {
	logger := internallog.WithInstallation(n.logger, inst.ID)
	if err := n.deliver(ctx, inst.NotificationWebhookURL, msg); err != nil {
		metrics.RecordNotificationFailure()
		logger.Error("sending slack message failed", "login", inst.Login, internallog.Error(err))
		return
	}
	logger.Debug("slack message sent")
}

func (n *Notifier) deliver(ctx context.Context, url string, msg message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

// Redact replaces every non-empty value of secrets in s with "[KEY]".
// Longer values are replaced first so a value containing another is not
// left half redacted.
func Redact(secrets map[string]string, s string) string {
	if len(secrets) == 0 || s == "" {
		return s
	}
	keys := make([]string, 0, len(secrets))
	for k, v := range secrets {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(secrets[keys[i]]) != len(secrets[keys[j]]) {
			return len(secrets[keys[i]]) > len(secrets[keys[j]])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		s = strings.ReplaceAll(s, secrets[k], "["+k+"]")
	}
	return s
}

// Sentence joins items as "a, b and c".
func Sentence(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
}
