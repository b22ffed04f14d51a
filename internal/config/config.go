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

// Package config loads the Peril server configuration from a YAML file and
// PERIL_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	internallog "github.com/busbud/peril/internal/log"
	perilerrors "github.com/busbud/peril/pkg/errors"
)

// Config is the root configuration for perild and the peril CLI.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Auth      AuthConfig      `yaml:"auth"`
	GitHub    GitHubConfig    `yaml:"github"`
	Store     StoreConfig     `yaml:"store"`
	Runner    RunnerConfig    `yaml:"runner"`
	Lambda    LambdaConfig    `yaml:"lambda"`
	Settings  SettingsConfig  `yaml:"settings"`
	Recording RecordingConfig `yaml:"recording"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// ListenAddr is the TCP address perild binds to.
	ListenAddr string `yaml:"listen_addr"`

	// PublicAPIRootURL is the externally reachable root of this server. It
	// is handed to run units so they know where to call back.
	PublicAPIRootURL string `yaml:"public_api_root_url"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxBodyBytes bounds inbound webhook bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// CORSOrigins are browser origins allowed to call /api/. Empty disables CORS.
	CORSOrigins []string `yaml:"cors_origins"`
}

// WebhookConfig holds the GitHub App webhook secret.
type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

// AuthConfig configures capability tokens and the management API.
type AuthConfig struct {
	// JWTSecret signs capability tokens and user session tokens (HS256).
	JWTSecret string `yaml:"jwt_secret"`

	Issuer string `yaml:"issuer"`

	// CapabilityTTL bounds how long a dispatched run may call back.
	CapabilityTTL time.Duration `yaml:"capability_ttl"`

	// SessionTTL is the lifetime of user tokens minted by `peril token issue --user`.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// APIKeys grant admin access to the management API.
	APIKeys []string `yaml:"api_keys"`

	// RateLimit is the sustained requests per second allowed per caller.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// GitHubConfig configures the GitHub App identity.
type GitHubConfig struct {
	AppID          int64  `yaml:"app_id"`
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyPath string `yaml:"private_key_path"`

	// APIBaseURL is the REST root used by the server itself.
	APIBaseURL string `yaml:"api_base_url"`

	// EnterpriseBaseURL, when set, is forwarded to run units as the GitHub
	// base URL. Left empty for github.com.
	EnterpriseBaseURL string `yaml:"enterprise_base_url"`
}

// StoreConfig selects the installation store.
type StoreConfig struct {
	// Type is one of sqlite, postgres, memory.
	Type         string `yaml:"type"`
	SQLitePath   string `yaml:"sqlite_path"`
	PostgresURL  string `yaml:"postgres_url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// RunnerConfig configures the local execution backend.
type RunnerConfig struct {
	// Command is the run-unit host program and its arguments. The bootstrap
	// document is written to its stdin.
	Command []string `yaml:"command"`

	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	WorkDir       string        `yaml:"work_dir"`
}

// LambdaConfig configures the external execution backend.
type LambdaConfig struct {
	Region string `yaml:"region"`

	// Endpoint overrides the Lambda endpoint, mostly for local testing.
	Endpoint string `yaml:"endpoint"`

	// ValidateCredentials checks the AWS identity with STS at startup.
	ValidateCredentials bool `yaml:"validate_credentials"`
}

// SettingsConfig controls how installation settings documents are fetched.
type SettingsConfig struct {
	// AllowLocalFiles permits file:// settings references. Development only.
	AllowLocalFiles bool `yaml:"allow_local_files"`

	// WatchLocalFiles re-syncs file:// settings when the file changes.
	WatchLocalFiles bool `yaml:"watch_local_files"`

	// DefaultBranch is used when a reference has no #branch suffix.
	DefaultBranch string `yaml:"default_branch"`
}

// RecordingConfig controls webhook recording windows.
type RecordingConfig struct {
	Window time.Duration `yaml:"window"`

	// Retention is how long recorded webhooks are kept. Zero keeps them forever.
	Retention time.Duration `yaml:"retention"`
}

// SchedulerConfig controls the task scheduler.
type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`

	// Keys maps scheduler keys used in settings files to cron
	// expressions. They are added to the built-in hourly, daily, weekly
	// and monthly keys.
	Keys map[string]string `yaml:"keys,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is otlp-http or console.
	Exporter   string  `yaml:"exporter"`
	Endpoint   string  `yaml:"endpoint"`
	Insecure   bool    `yaml:"insecure"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Default returns a configuration with defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:       ":5000",
			PublicAPIRootURL: "http://localhost:5000",
			ShutdownTimeout:  10 * time.Second,
			MaxBodyBytes:     25 << 20,
		},
		Auth: AuthConfig{
			Issuer:        "peril",
			CapabilityTTL: time.Hour,
			SessionTTL:    7 * 24 * time.Hour,
			RateLimit:     10,
			RateBurst:     20,
		},
		GitHub: GitHubConfig{
			APIBaseURL: "https://api.github.com",
		},
		Store: StoreConfig{
			Type:         "sqlite",
			SQLitePath:   filepath.Join(defaultDataDir(), "peril.db"),
			MaxOpenConns: 10,
		},
		Runner: RunnerConfig{
			Command:       []string{"peril-runner"},
			Timeout:       5 * time.Minute,
			MaxConcurrent: 4,
		},
		Lambda: LambdaConfig{
			Region: "us-east-1",
		},
		Settings: SettingsConfig{
			DefaultBranch: "master",
		},
		Recording: RecordingConfig{
			Window:    5 * time.Minute,
			Retention: 7 * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Exporter:   "otlp-http",
			SampleRate: 1.0,
		},
	}
}

// Load reads configuration from configPath (optional), applies defaults
// and environment overrides, then validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &perilerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &perilerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills zero values left by a partial YAML file.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = d.Server.ListenAddr
	}
	if c.Server.PublicAPIRootURL == "" {
		c.Server.PublicAPIRootURL = d.Server.PublicAPIRootURL
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = d.Server.MaxBodyBytes
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = d.Auth.Issuer
	}
	if c.Auth.CapabilityTTL == 0 {
		c.Auth.CapabilityTTL = d.Auth.CapabilityTTL
	}
	if c.Auth.SessionTTL == 0 {
		c.Auth.SessionTTL = d.Auth.SessionTTL
	}
	if c.Auth.RateLimit == 0 {
		c.Auth.RateLimit = d.Auth.RateLimit
	}
	if c.Auth.RateBurst == 0 {
		c.Auth.RateBurst = d.Auth.RateBurst
	}
	if c.GitHub.APIBaseURL == "" {
		c.GitHub.APIBaseURL = d.GitHub.APIBaseURL
	}
	if c.Store.Type == "" {
		c.Store.Type = d.Store.Type
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = d.Store.SQLitePath
	}
	if c.Store.MaxOpenConns == 0 {
		c.Store.MaxOpenConns = d.Store.MaxOpenConns
	}
	if len(c.Runner.Command) == 0 {
		c.Runner.Command = d.Runner.Command
	}
	if c.Runner.Timeout == 0 {
		c.Runner.Timeout = d.Runner.Timeout
	}
	if c.Runner.MaxConcurrent == 0 {
		c.Runner.MaxConcurrent = d.Runner.MaxConcurrent
	}
	if c.Lambda.Region == "" {
		c.Lambda.Region = d.Lambda.Region
	}
	if c.Settings.DefaultBranch == "" {
		c.Settings.DefaultBranch = d.Settings.DefaultBranch
	}
	if c.Recording.Window == 0 {
		c.Recording.Window = d.Recording.Window
	}
	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = d.Scheduler.Interval
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = d.Tracing.Exporter
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = d.Tracing.SampleRate
	}
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv applies PERIL_* environment overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("PERIL_LISTEN_ADDR"); val != "" {
		c.Server.ListenAddr = val
	}
	if val := os.Getenv("PERIL_PUBLIC_API_ROOT_URL"); val != "" {
		c.Server.PublicAPIRootURL = val
	}
	if val := os.Getenv("PERIL_CORS_ORIGINS"); val != "" {
		c.Server.CORSOrigins = splitList(val)
	}
	if val := os.Getenv("PERIL_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Server.ShutdownTimeout = d
		}
	}

	if val := os.Getenv("PERIL_WEBHOOK_SECRET"); val != "" {
		c.Webhook.Secret = val
	}

	if val := os.Getenv("PERIL_JWT_SECRET"); val != "" {
		c.Auth.JWTSecret = val
	}
	if val := os.Getenv("PERIL_CAPABILITY_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Auth.CapabilityTTL = d
		}
	}
	if val := os.Getenv("PERIL_API_KEYS"); val != "" {
		c.Auth.APIKeys = splitList(val)
	}

	if val := os.Getenv("PERIL_GITHUB_APP_ID"); val != "" {
		if id, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.GitHub.AppID = id
		}
	}
	if val := os.Getenv("PERIL_GITHUB_PRIVATE_KEY"); val != "" {
		c.GitHub.PrivateKey = val
	}
	if val := os.Getenv("PERIL_GITHUB_PRIVATE_KEY_PATH"); val != "" {
		c.GitHub.PrivateKeyPath = val
	}
	if val := os.Getenv("PERIL_GITHUB_API_BASE_URL"); val != "" {
		c.GitHub.APIBaseURL = val
	}

	if val := os.Getenv("PERIL_STORE_TYPE"); val != "" {
		c.Store.Type = strings.ToLower(val)
	}
	if val := os.Getenv("PERIL_SQLITE_PATH"); val != "" {
		c.Store.SQLitePath = val
	}
	if val := os.Getenv("PERIL_POSTGRES_URL"); val != "" {
		c.Store.PostgresURL = val
	}

	if val := os.Getenv("PERIL_RUNNER_COMMAND"); val != "" {
		c.Runner.Command = strings.Fields(val)
	}
	if val := os.Getenv("PERIL_RUNNER_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Runner.Timeout = d
		}
	}
	if val := os.Getenv("PERIL_RUNNER_MAX_CONCURRENT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Runner.MaxConcurrent = n
		}
	}

	if val := os.Getenv("PERIL_AWS_REGION"); val != "" {
		c.Lambda.Region = val
	} else if val := os.Getenv("AWS_REGION"); val != "" {
		c.Lambda.Region = val
	}

	if val := os.Getenv("PERIL_ALLOW_LOCAL_SETTINGS"); val != "" {
		c.Settings.AllowLocalFiles = parseBool(val)
	}
	if val := os.Getenv("PERIL_SCHEDULER_ENABLED"); val != "" {
		c.Scheduler.Enabled = parseBool(val)
	}

	logCfg := internallog.ApplyEnv(&internallog.Config{
		Level:     c.Log.Level,
		Format:    internallog.Format(c.Log.Format),
		AddSource: c.Log.AddSource,
	})
	c.Log.Level = logCfg.Level
	c.Log.Format = string(logCfg.Format)
	c.Log.AddSource = logCfg.AddSource

	if val := os.Getenv("PERIL_TRACING_ENDPOINT"); val != "" {
		c.Tracing.Enabled = true
		c.Tracing.Endpoint = val
	}
}

// Validate checks structural correctness. Secrets required to serve traffic
// are checked separately by ValidateServe.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("server.shutdown_timeout must be positive, got %v", c.Server.ShutdownTimeout))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, "server.max_body_bytes must be positive")
	}
	if c.Auth.CapabilityTTL <= 0 {
		errs = append(errs, "auth.capability_ttl must be positive")
	}
	if c.Auth.RateLimit < 0 || c.Auth.RateBurst < 0 {
		errs = append(errs, "auth.rate_limit and auth.rate_burst must not be negative")
	}

	switch c.Store.Type {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite store")
		}
	case "postgres":
		if c.Store.PostgresURL == "" {
			errs = append(errs, "store.postgres_url is required for the postgres store")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("store.type must be one of [sqlite, postgres, memory], got %q", c.Store.Type))
	}

	if len(c.Runner.Command) == 0 {
		errs = append(errs, "runner.command must not be empty")
	}
	if c.Runner.Timeout <= 0 {
		errs = append(errs, "runner.timeout must be positive")
	}
	if c.Runner.MaxConcurrent < 1 {
		errs = append(errs, "runner.max_concurrent must be at least 1")
	}
	if c.Recording.Window <= 0 {
		errs = append(errs, "recording.window must be positive")
	}
	if c.Recording.Retention < 0 {
		errs = append(errs, "recording.retention must not be negative")
	}
	if c.Scheduler.Interval < time.Second {
		errs = append(errs, "scheduler.interval must be at least 1s")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Tracing.Enabled {
		if c.Tracing.Exporter != "otlp-http" && c.Tracing.Exporter != "console" {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of [otlp-http, console], got %q", c.Tracing.Exporter))
		}
		if c.Tracing.Exporter == "otlp-http" && c.Tracing.Endpoint == "" {
			errs = append(errs, "tracing.endpoint is required for the otlp-http exporter")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateServe checks the secrets perild needs before accepting traffic.
func (c *Config) ValidateServe() error {
	var errs []string

	if c.Webhook.Secret == "" {
		errs = append(errs, "webhook.secret (PERIL_WEBHOOK_SECRET) is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, "auth.jwt_secret (PERIL_JWT_SECRET) must be at least 32 bytes")
	}
	if c.GitHub.AppID == 0 {
		errs = append(errs, "github.app_id (PERIL_GITHUB_APP_ID) is required")
	}
	if c.GitHub.PrivateKey == "" && c.GitHub.PrivateKeyPath == "" {
		errs = append(errs, "github.private_key or github.private_key_path is required")
	}

	if len(errs) > 0 {
		return &perilerrors.ConfigError{Key: "secrets", Reason: strings.Join(errs, "; ")}
	}
	return nil
}

// GitHubPrivateKeyPEM returns the App private key, reading it from disk when
// only a path is configured.
func (c *Config) GitHubPrivateKeyPEM() ([]byte, error) {
	if c.GitHub.PrivateKey != "" {
		return []byte(c.GitHub.PrivateKey), nil
	}
	if c.GitHub.PrivateKeyPath == "" {
		return nil, &perilerrors.ConfigError{Key: "github.private_key", Reason: "not configured"}
	}
	data, err := os.ReadFile(c.GitHub.PrivateKeyPath)
	if err != nil {
		return nil, &perilerrors.ConfigError{Key: "github.private_key_path", Reason: "unreadable", Cause: err}
	}
	return data, nil
}

// Secrets returns server-side secret values that must never reach a Slack
// channel or a log line, keyed by a display name.
func (c *Config) Secrets() map[string]string {
	out := map[string]string{}
	if c.Webhook.Secret != "" {
		out["PERIL_WEBHOOK_SECRET"] = c.Webhook.Secret
	}
	if c.Auth.JWTSecret != "" {
		out["PERIL_JWT_SECRET"] = c.Auth.JWTSecret
	}
	if c.GitHub.PrivateKey != "" {
		out["PERIL_GITHUB_PRIVATE_KEY"] = c.GitHub.PrivateKey
	}
	if c.Store.PostgresURL != "" {
		out["PERIL_POSTGRES_URL"] = c.Store.PostgresURL
	}
	for i, k := range c.Auth.APIKeys {
		out[fmt.Sprintf("PERIL_API_KEY_%d", i)] = k
	}
	return out
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(val string) bool {
	return val == "1" || strings.EqualFold(val, "true")
}

// defaultDataDir returns the default data directory.
func defaultDataDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "peril")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/peril-data"
	}

	return filepath.Join(homeDir, ".peril", "data")
}
