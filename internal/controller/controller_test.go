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

package controller

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busbud/peril/internal/config"
	"github.com/busbud/peril/internal/controller/webhook"
	internallog "github.com/busbud/peril/internal/log"
)

const testAPIKey = "controller-test-key-0001"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Webhook.Secret = "It's a Secret to Everybody"
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.Auth.APIKeys = []string{testAPIKey}
	cfg.GitHub.AppID = 1234
	cfg.GitHub.PrivateKey = string(keyPEM)
	cfg.Store.Type = "memory"
	cfg.Runner.Command = []string{"true"}
	cfg.Lambda.Region = ""
	cfg.Scheduler.Enabled = false
	return cfg
}

func newTestController(t *testing.T, cfg *config.Config) *Controller {
	t.Helper()
	c, err := New(cfg, Options{Version: "1.2.3", Commit: "abc123", Logger: internallog.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func TestNew_RequiresSecrets(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"webhook secret", func(c *config.Config) { c.Webhook.Secret = "" }},
		{"short jwt secret", func(c *config.Config) { c.Auth.JWTSecret = "short" }},
		{"app id", func(c *config.Config) { c.GitHub.AppID = 0 }},
		{"private key", func(c *config.Config) { c.GitHub.PrivateKey = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := New(cfg, Options{Logger: internallog.Discard()})
			assert.Error(t, err)
		})
	}
}

func TestNew_UnknownStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Type = "cassandra"
	_, err := New(cfg, Options{Logger: internallog.Discard()})
	assert.Error(t, err)
}

func TestHandler_Routes(t *testing.T) {
	cfg := testConfig(t)
	c := newTestController(t, cfg)
	h := c.Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = get("/version")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1.2.3")

	rec = get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get("/api/installations")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_InstallationLifecycle(t *testing.T) {
	cfg := testConfig(t)
	c := newTestController(t, cfg)
	h := c.Handler()

	body := []byte(`{"action":"created","installation":{"id":4766,"account":{"login":"busbud"}}}`)
	send := func(sign bool) int {
		req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
		req.Header.Set("X-GitHub-Event", "installation")
		req.Header.Set("X-GitHub-Delivery", "d-1")
		if sign {
			req.Header.Set(webhook.SignatureHeader, webhook.Sign([]byte(cfg.Webhook.Secret), body))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusBadRequest, send(false))
	assert.Equal(t, http.StatusOK, send(true))
	assert.Equal(t, http.StatusNoContent, send(true))

	req := httptest.NewRequest(http.MethodGet, "/api/installations", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Installations []struct {
			ID int64 `json:"iID"`
		} `json:"installations"`
		ToSetUp []struct {
			ID    int64  `json:"iID"`
			Login string `json:"login"`
		} `json:"installationsToSetUp"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Installations)
	require.Len(t, list.ToSetUp, 1)
	assert.Equal(t, int64(4766), list.ToSetUp[0].ID)
	assert.Equal(t, "busbud", list.ToSetUp[0].Login)
}

func TestStartShutdown(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg, Options{Version: "1.2.3", Logger: internallog.Discard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return c.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + c.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Error(t, c.Start(ctx), "second start must fail")

	cancel()
	require.NoError(t, <-errCh)
	require.NoError(t, c.Shutdown(context.Background()))
	assert.True(t, c.draining.Load())

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRunOptions_Apply(t *testing.T) {
	cfg := config.Default()
	RunOptions{
		ListenAddr:  ":8080",
		StoreType:   "postgres",
		PostgresURL: "postgres://peril@localhost/peril",
		LogLevel:    "debug",
	}.Apply(cfg)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "postgres", cfg.Store.Type)
	assert.Equal(t, "postgres://peril@localhost/peril", cfg.Store.PostgresURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, config.Default().Server.PublicAPIRootURL, cfg.Server.PublicAPIRootURL, "empty overrides leave values alone")
}
