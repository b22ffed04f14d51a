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
	"os"
	"os/signal"
	"syscall"

	"github.com/busbud/peril/internal/config"
	internallog "github.com/busbud/peril/internal/log"
)

// RunOptions configures a foreground server run.
type RunOptions struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath is an explicit config file. Empty uses the XDG default
	// when one exists.
	ConfigPath string

	// Config overrides
	ListenAddr       string
	PublicAPIRootURL string
	StoreType        string
	SQLitePath       string
	PostgresURL      string
	LogLevel         string
}

// Apply copies the non-empty overrides onto cfg.
func (o RunOptions) Apply(cfg *config.Config) {
	if o.ListenAddr != "" {
		cfg.Server.ListenAddr = o.ListenAddr
	}
	if o.PublicAPIRootURL != "" {
		cfg.Server.PublicAPIRootURL = o.PublicAPIRootURL
	}
	if o.StoreType != "" {
		cfg.Store.Type = o.StoreType
	}
	if o.SQLitePath != "" {
		cfg.Store.SQLitePath = o.SQLitePath
	}
	if o.PostgresURL != "" {
		cfg.Store.PostgresURL = o.PostgresURL
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
}

// Run starts the server and blocks until SIGINT, SIGTERM or a server error.
// It is shared by perild and `peril serve`.
func Run(opts RunOptions) error {
	cfg, err := config.Load(config.ResolvePath(opts.ConfigPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	opts.Apply(cfg)

	logger := internallog.New(&internallog.Config{
		Level:     cfg.Log.Level,
		Format:    internallog.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	c, err := New(cfg, Options{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create controller", internallog.Error(err))
		return fmt.Errorf("failed to create controller: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
		if err := c.Shutdown(context.Background()); err != nil {
			logger.Error("error during shutdown", internallog.Error(err))
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	case err := <-errCh:
		if shutdownErr := c.Shutdown(context.Background()); shutdownErr != nil {
			logger.Error("error during shutdown", internallog.Error(shutdownErr))
		}
		if err != nil {
			logger.Error("server error", internallog.Error(err))
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}
