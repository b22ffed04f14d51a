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

// Package github is the GitHub App client: App JWTs, cached installation
// access tokens and the contents API used to read settings files.
package github

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	perilerrors "github.com/busbud/peril/pkg/errors"
)

// DefaultBaseURL is the public GitHub REST root.
const DefaultBaseURL = "https://api.github.com"

// Config contains GitHub App configuration.
type Config struct {
	AppID int64

	// PrivateKeyPEM is the App's RSA private key.
	PrivateKeyPEM []byte

	// BaseURL is the REST root. For GitHub Enterprise use https://host/api/v3.
	BaseURL string

	// HTTPClient is used for every call. Required.
	HTTPClient *http.Client
}

// App authenticates as a GitHub App.
type App struct {
	appID      int64
	key        *rsa.PrivateKey
	baseURL    string
	httpClient *http.Client
	now        func() time.Time

	mu      sync.Mutex
	sources map[int64]oauth2.TokenSource
}

// NewApp parses the private key and returns an App client.
func NewApp(cfg Config) (*App, error) {
	if cfg.AppID == 0 {
		return nil, &perilerrors.ConfigError{Key: "github.app_id", Reason: "app id is required"}
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, &perilerrors.ConfigError{Key: "github.private_key", Reason: "invalid RSA private key", Cause: err}
	}
	if cfg.HTTPClient == nil {
		return nil, fmt.Errorf("http client is required")
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &App{
		appID:      cfg.AppID,
		key:        key,
		baseURL:    baseURL,
		httpClient: cfg.HTTPClient,
		now:        time.Now,
		sources:    make(map[int64]oauth2.TokenSource),
	}, nil
}

// AppToken signs a short-lived RS256 JWT identifying the App. GitHub rejects
// tokens valid for more than ten minutes, and iat is backdated for clock drift.
func (a *App) AppToken() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(a.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign app token: %w", err)
	}
	return signed, nil
}

// TokenSource returns a cached token source for an installation. Tokens are
// refreshed a minute before GitHub expires them.
func (a *App) TokenSource(installationID int64) oauth2.TokenSource {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ts, ok := a.sources[installationID]; ok {
		return ts
	}
	ts := oauth2.ReuseTokenSourceWithExpiry(nil, &installationTokenSource{app: a, installationID: installationID}, time.Minute)
	a.sources[installationID] = ts
	return ts
}

// Forget drops the cached token for an installation.
func (a *App) Forget(installationID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sources, installationID)
}

// InstallationToken returns an access token for the installation.
func (a *App) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	tok, err := a.TokenSource(installationID).Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

type installationTokenSource struct {
	app            *App
	installationID int64
}

func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.app.createInstallationToken(ctx, s.installationID)
}

func (a *App) createInstallationToken(ctx context.Context, installationID int64) (*oauth2.Token, error) {
	appToken, err := a.AppToken()
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+appToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &perilerrors.TransientError{Service: "github", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, apiError(resp, fmt.Sprintf("installation %d access token", installationID))
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &oauth2.Token{AccessToken: body.Token, TokenType: "Bearer", Expiry: body.ExpiresAt}, nil
}

// ContentResponse represents a GitHub API content response.
type ContentResponse struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Size     int    `json:"size"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Content  string `json:"content"`
	SHA      string `json:"sha"`
}

// GetContent fetches a file as the installation. An empty ref reads the
// default branch.
func (a *App) GetContent(ctx context.Context, installationID int64, owner, repo, path, ref string) (*ContentResponse, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s", a.baseURL,
		url.PathEscape(owner), url.PathEscape(repo), strings.TrimPrefix(path, "/"))
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	client := &http.Client{
		Transport: &oauth2.Transport{Source: a.TokenSource(installationID), Base: a.httpClient.Transport},
		Timeout:   a.httpClient.Timeout,
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &perilerrors.TransientError{Service: "github", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp, fmt.Sprintf("%s/%s/%s", owner, repo, path))
	}

	var content ContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if content.Type != "" && content.Type != "file" {
		return nil, &perilerrors.ValidationError{Field: "path", Message: fmt.Sprintf("%s is a %s, not a file", path, content.Type)}
	}
	return &content, nil
}

// FetchFile returns the decoded contents of a file.
func (a *App) FetchFile(ctx context.Context, installationID int64, owner, repo, path, ref string) ([]byte, error) {
	content, err := a.GetContent(ctx, installationID, owner, repo, path, ref)
	if err != nil {
		return nil, err
	}
	return DecodeContent(content.Content)
}

// DecodeContent decodes base64-encoded content from GitHub API response.
func DecodeContent(encoded string) ([]byte, error) {
	// GitHub wraps base64 content at 60 columns.
	encoded = strings.ReplaceAll(encoded, "\n", "")
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 content: %w", err)
	}
	return decoded, nil
}

func apiError(resp *http.Response, what string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &perilerrors.NotFoundError{Resource: "github", ID: what}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &perilerrors.ConfigError{
			Key:    "github",
			Reason: fmt.Sprintf("access denied to %s (status %d): %s", what, resp.StatusCode, strings.TrimSpace(string(body))),
		}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &perilerrors.TransientError{
			Service:    "github",
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("%s: %s", what, strings.TrimSpace(string(body))),
		}
	default:
		return fmt.Errorf("GitHub API error for %s (status %d): %s", what, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
