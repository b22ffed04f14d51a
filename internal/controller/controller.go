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
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/busbud/peril/internal/config"
	"github.com/busbud/peril/internal/controller/api"
	"github.com/busbud/peril/internal/controller/auth"
	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/backend/memory"
	"github.com/busbud/peril/internal/controller/backend/postgres"
	"github.com/busbud/peril/internal/controller/backend/sqlite"
	"github.com/busbud/peril/internal/controller/dispatch"
	"github.com/busbud/peril/internal/controller/executor"
	"github.com/busbud/peril/internal/controller/github"
	"github.com/busbud/peril/internal/controller/metrics"
	"github.com/busbud/peril/internal/controller/middleware"
	"github.com/busbud/peril/internal/controller/notify"
	"github.com/busbud/peril/internal/controller/observe"
	"github.com/busbud/peril/internal/controller/recorder"
	"github.com/busbud/peril/internal/controller/router"
	"github.com/busbud/peril/internal/controller/scheduler"
	"github.com/busbud/peril/internal/controller/settings"
	"github.com/busbud/peril/internal/controller/webhook"
	"github.com/busbud/peril/internal/httpclient"
	internallog "github.com/busbud/peril/internal/log"
	"github.com/busbud/peril/internal/tracing"
	perilerrors "github.com/busbud/peril/pkg/errors"
)

const (
	// pruneInterval is how often expired webhook recordings are deleted.
	pruneInterval = time.Hour

	// rateLimitIdle is how long an idle caller keeps its rate limiter.
	rateLimitIdle = 30 * time.Minute

	// settingsDebounce coalesces bursts of writes to a watched settings file.
	settingsDebounce = 250 * time.Millisecond
)

// Options are build-time facts about the binary.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// Logger overrides the logger built from the config.
	Logger *slog.Logger
}

// Controller is the perild server.
type Controller struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store      backend.Store
	app        *github.App
	tokens     *auth.Service
	authMW     *auth.Middleware
	hub        *observe.Hub
	local      *executor.Local
	external   *executor.Lambda
	dispatcher *dispatch.Dispatcher
	recorder   *recorder.Recorder
	settings   *settings.Updater
	watcher    *settings.Watcher
	router     *router.Router
	scheduler  *scheduler.Scheduler
	tracing    *tracing.Provider

	handler http.Handler
	server  *http.Server

	mu       sync.Mutex
	started  bool
	ln       net.Listener
	draining atomic.Bool
}

// New builds a controller from cfg. Nothing listens until Start.
func New(cfg *config.Config, opts Options) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateServe(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = internallog.New(&internallog.Config{
			Level:     cfg.Log.Level,
			Format:    internallog.Format(cfg.Log.Format),
			AddSource: cfg.Log.AddSource,
		})
	}

	c := &Controller{cfg: cfg, opts: opts, logger: logger}
	if err := c.build(context.Background()); err != nil {
		if c.store != nil {
			_ = c.store.Close()
		}
		return nil, err
	}
	return c, nil
}

func (c *Controller) build(ctx context.Context) error {
	cfg := c.cfg
	secrets := cfg.Secrets()

	if cfg.Tracing.Enabled {
		provider, err := tracing.Setup(ctx, tracing.Config{
			ServiceName:    "perild",
			ServiceVersion: c.opts.Version,
			Exporter:       cfg.Tracing.Exporter,
			Endpoint:       cfg.Tracing.Endpoint,
			Insecure:       cfg.Tracing.Insecure,
			SampleRate:     cfg.Tracing.SampleRate,
		})
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		c.tracing = provider
	}

	store, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	c.store = store

	clientCfg := httpclient.DefaultConfig()
	clientCfg.Logger = internallog.WithComponent(c.logger, "httpclient")
	client, err := httpclient.New(clientCfg)
	if err != nil {
		return fmt.Errorf("failed to create http client: %w", err)
	}

	pem, err := cfg.GitHubPrivateKeyPEM()
	if err != nil {
		return err
	}
	c.app, err = github.NewApp(github.Config{
		AppID:         cfg.GitHub.AppID,
		PrivateKeyPEM: pem,
		BaseURL:       cfg.GitHub.APIBaseURL,
		HTTPClient:    client,
	})
	if err != nil {
		return err
	}

	c.tokens, err = auth.NewService(auth.Config{
		Secret:        []byte(cfg.Auth.JWTSecret),
		Issuer:        cfg.Auth.Issuer,
		CapabilityTTL: cfg.Auth.CapabilityTTL,
		SessionTTL:    cfg.Auth.SessionTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create token service: %w", err)
	}
	c.authMW = auth.NewMiddleware(auth.MiddlewareConfig{
		Tokens:  c.tokens,
		APIKeys: cfg.Auth.APIKeys,
		RateLimit: auth.RateLimitConfig{
			RequestsPerSecond: cfg.Auth.RateLimit,
			BurstSize:         cfg.Auth.RateBurst,
			Enabled:           cfg.Auth.RateLimit > 0,
		},
		Logger: c.logger,
	})

	notifier := notify.New(client, secrets, c.logger)
	c.hub = observe.NewHub()

	c.local, err = executor.NewLocal(executor.LocalConfig{
		Command:       cfg.Runner.Command,
		Timeout:       cfg.Runner.Timeout,
		MaxConcurrent: cfg.Runner.MaxConcurrent,
		WorkDir:       cfg.Runner.WorkDir,
		Logger:        c.logger,
	})
	if err != nil {
		return err
	}

	var external executor.Backend
	if cfg.Lambda.Region != "" {
		lambda, err := executor.NewLambda(ctx, executor.LambdaConfig{
			Region:              cfg.Lambda.Region,
			Endpoint:            cfg.Lambda.Endpoint,
			ValidateCredentials: cfg.Lambda.ValidateCredentials,
			HTTPClient:          client,
			Logger:              c.logger,
		})
		if err != nil {
			if cfg.Lambda.ValidateCredentials {
				return fmt.Errorf("failed to create lambda backend: %w", err)
			}
			c.logger.Warn("lambda backend unavailable, external installations will fail to dispatch",
				internallog.Error(err))
		} else {
			c.external = lambda
			external = lambda
		}
	}

	c.dispatcher, err = dispatch.New(dispatch.Deps{
		Store:        c.store,
		GitHub:       c.app,
		Capabilities: c.tokens,
		Local:        c.local,
		External:     external,
		Observers:    c.hub,
		Notifier:     notifier,
	}, dispatch.Config{
		PublicAPIRoot:     cfg.Server.PublicAPIRootURL,
		EnterpriseBaseURL: cfg.GitHub.EnterpriseBaseURL,
		Secrets:           secrets,
		Logger:            c.logger,
	})
	if err != nil {
		return err
	}
	c.local.SetReporter(c.dispatcher)

	c.recorder = recorder.New(c.store, c.store, recorder.Config{
		Window: cfg.Recording.Window,
		Logger: c.logger,
	})

	c.settings = settings.NewUpdater(c.store, c.app, notifier, settings.Config{
		AllowLocalFiles: cfg.Settings.AllowLocalFiles,
		DefaultBranch:   cfg.Settings.DefaultBranch,
		Logger:          c.logger,
	})
	if cfg.Settings.AllowLocalFiles && cfg.Settings.WatchLocalFiles {
		c.watcher, err = settings.NewWatcher(c.onSettingsFileChange, settingsDebounce, c.logger)
		if err != nil {
			return fmt.Errorf("failed to create settings watcher: %w", err)
		}
		c.settings.SetWatcher(c.watcher)
	}

	c.router = router.New(router.Deps{
		Store:      c.store,
		Dispatcher: c.dispatcher,
		Recorder:   c.recorder,
		Settings:   c.settings,
		Tokens:     c.app,
		Logger:     c.logger,
	})

	c.scheduler, err = scheduler.New(c.store, c.dispatcher, scheduler.Config{
		Interval: cfg.Scheduler.Interval,
		Keys:     cfg.Scheduler.Keys,
		Logger:   c.logger,
	})
	if err != nil {
		return err
	}

	c.handler = c.routes()
	return nil
}

// routes builds the full HTTP handler.
func (c *Controller) routes() http.Handler {
	mux := http.NewServeMux()

	ingress := webhook.NewHandler(webhook.HandlerConfig{
		Secret:       c.cfg.Webhook.Secret,
		MaxBodyBytes: c.cfg.Server.MaxBodyBytes,
		Logger:       c.logger,
	}, c.router)
	mux.Handle("POST /webhook", ingress)

	apiServer := api.New(api.Deps{
		Store:        c.store,
		Runs:         c.dispatcher,
		Capabilities: c.tokens,
		Tasks:        c.scheduler,
		Settings:     c.settings,
		Recorder:     c.recorder,
		Redeliverer:  c.router,
		Stream:       observe.NewStreamHandler(c.hub, c.logger),
		Auth:         c.authMW,
	}, api.Config{
		RecordingWindow: c.cfg.Recording.Window,
		Logger:          c.logger,
	})
	apiServer.RegisterRoutes(mux)

	mux.Handle("GET /health", api.HealthHandler(api.HealthSources{
		ActiveRuns:    c.local.ActiveRuns,
		Draining:      c.draining.Load,
		SchedulerKeys: func() int { return len(c.scheduler.Status()) },
		Subscribers:   c.hub.TotalSubscribers,
	}))
	mux.Handle("GET /version", api.VersionHandler(c.opts.Version, c.opts.Commit, c.opts.BuildDate))
	mux.Handle("GET /metrics", metrics.Handler())

	cors := middleware.CORS(middleware.CORSConfig{AllowedOrigins: c.cfg.Server.CORSOrigins})
	return internallog.HTTPMiddleware(c.logger)(tracing.Middleware(cors(mux)))
}

// Handler returns the server's HTTP handler.
func (c *Controller) Handler() http.Handler {
	return c.handler
}

// Start listens and serves until ctx is cancelled or the server fails.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("controller already started")
	}
	c.started = true

	ln, err := net.Listen("tcp", c.cfg.Server.ListenAddr)
	if err != nil {
		c.started = false
		c.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", c.cfg.Server.ListenAddr, err)
	}
	c.ln = ln
	c.server = &http.Server{
		Handler:           c.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	c.mu.Unlock()

	c.logger.Info("perild listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("public_api_root", c.cfg.Server.PublicAPIRootURL),
		slog.String("store", c.cfg.Store.Type),
		slog.String("version", c.opts.Version))

	if c.cfg.Scheduler.Enabled {
		c.scheduler.Start(ctx)
		c.logger.Info("scheduler started",
			slog.Duration("interval", c.cfg.Scheduler.Interval),
			slog.Int("keys", len(c.scheduler.Status())))
	}

	if c.watcher != nil {
		c.watchLocalSettings(ctx)
		go c.watcher.Run(ctx)
	}

	if c.cfg.Recording.Retention > 0 {
		go c.pruneLoop(ctx)
	}
	go c.rateLimitCleanupLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound listener address, or "" before Start.
func (c *Controller) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return ""
	}
	return c.ln.Addr().String()
}

// Shutdown drains local runs, stops background work and closes the store.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return c.closeResources(ctx)
	}

	c.draining.Store(true)
	c.logger.Info("graceful shutdown initiated",
		slog.Int("active_runs", c.local.ActiveRuns()))

	if c.server != nil {
		c.server.SetKeepAlivesEnabled(false)
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, c.cfg.Server.ShutdownTimeout)
	defer drainCancel()
	if err := c.local.Drain(drainCtx); err != nil {
		c.logger.Warn("drain timeout exceeded", internallog.Error(err))
	} else {
		c.logger.Info("all local runs finished during drain")
	}

	if c.cfg.Scheduler.Enabled {
		c.scheduler.Stop()
	}

	if c.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, c.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := c.server.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("http server shutdown error", internallog.Error(err))
		}
	}

	c.started = false
	err := c.closeResources(ctx)
	c.logger.Info("controller stopped")
	return err
}

func (c *Controller) closeResources(ctx context.Context) error {
	if c.watcher != nil {
		if err := c.watcher.Close(); err != nil {
			c.logger.Error("failed to close settings watcher", internallog.Error(err))
		}
	}

	if c.tracing != nil {
		flushCtx, flushCancel := context.WithTimeout(ctx, 10*time.Second)
		defer flushCancel()
		if err := c.tracing.ForceFlush(flushCtx); err != nil {
			c.logger.Warn("failed to flush pending spans", internallog.Error(err))
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.tracing.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("OpenTelemetry provider shutdown error", internallog.Error(err))
		}
	}

	if c.store != nil {
		if err := c.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}
	return nil
}

func (c *Controller) onSettingsFileChange(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.settings.SyncLocal(ctx, path); err != nil {
		c.logger.Warn("failed to re-sync local settings",
			slog.String("path", path),
			internallog.Error(err))
	}
}

// watchLocalSettings registers the file:// references already attached.
// References attached later are registered by the updater itself.
func (c *Controller) watchLocalSettings(ctx context.Context) {
	paths, err := c.settings.LocalPaths(ctx)
	if err != nil {
		c.logger.Warn("failed to list local settings files", internallog.Error(err))
		return
	}
	for _, path := range paths {
		if err := c.watcher.Watch(path); err != nil {
			c.logger.Warn("failed to watch settings file",
				slog.String("path", path),
				internallog.Error(err))
		}
	}
}

func (c *Controller) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := c.recorder.Prune(ctx, c.cfg.Recording.Retention)
		if err != nil {
			c.logger.Warn("failed to prune recorded webhooks", internallog.Error(err))
			metrics.RecordStoreError("PruneWebhooks", string(perilerrors.KindOf(err)))
		} else if n > 0 {
			c.logger.Info("pruned recorded webhooks", slog.Int64("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Controller) rateLimitCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(rateLimitIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.authMW.RateLimiter().Cleanup(rateLimitIdle)
		}
	}
}

// OpenStore opens the store selected by cfg.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (backend.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "postgres":
		return postgres.New(ctx, postgres.Config{
			URL:             cfg.PostgresURL,
			PingTimeout:     5 * time.Second,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxOpenConns / 2,
			ConnMaxLifetime: 30 * time.Minute,
		})
	case "sqlite", "":
		return sqlite.New(sqlite.Config{Path: cfg.SQLitePath, WAL: true})
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
