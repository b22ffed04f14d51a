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

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/busbud/peril/internal/controller/metrics"
	internallog "github.com/busbud/peril/internal/log"
	perilerrors "github.com/busbud/peril/pkg/errors"
)

// maxLogBytes bounds the output kept from a local run.
const maxLogBytes = 64 << 10

// LocalConfig configures the subprocess backend.
type LocalConfig struct {
	// Command is the run-unit host and its arguments. The bootstrap is
	// written to its stdin.
	Command []string

	// Timeout is the wall-clock limit for one run.
	Timeout time.Duration

	// MaxConcurrent bounds the number of runs executing at once.
	MaxConcurrent int

	WorkDir string
	Logger  *slog.Logger
}

// Validate checks the configuration.
func (c LocalConfig) Validate() error {
	if len(c.Command) == 0 {
		return &perilerrors.ConfigError{Key: "runner.command", Reason: "must not be empty"}
	}
	if c.Timeout <= 0 {
		return &perilerrors.ConfigError{Key: "runner.timeout", Reason: "must be positive"}
	}
	if c.MaxConcurrent < 1 {
		return &perilerrors.ConfigError{Key: "runner.max_concurrent", Reason: "must be at least 1"}
	}
	return nil
}

// Local runs each job as a subprocess of this server.
type Local struct {
	cfg    LocalConfig
	logger *slog.Logger

	semaphore chan struct{}
	active    atomic.Int64

	// startMu orders slot reservation in Start against Drain so a run is
	// either counted in wg or rejected.
	startMu  sync.Mutex
	wg       sync.WaitGroup
	draining bool

	// baseCtx outlives the request that started a run.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.RWMutex
	reporter Reporter
}

// NewLocal creates the subprocess backend.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "executor"), slog.String("backend", LocalName)),
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
		baseCtx:   ctx,
		cancel:    cancel,
	}, nil
}

// Name returns LocalName.
func (l *Local) Name() string { return LocalName }

// SetReporter sets where failed runs are reported.
func (l *Local) SetReporter(r Reporter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reporter = r
}

// ActiveRuns returns the number of subprocesses currently running.
func (l *Local) ActiveRuns() int {
	return int(l.active.Load())
}

// Start takes a free slot and starts the subprocess. It never waits for a
// slot: with every slot taken it fails with a transient ErrBusy so the
// webhook request is answered promptly. It returns once the process is
// running; the outcome is observed in the background.
func (l *Local) Start(ctx context.Context, job Job) error {
	if err := l.reserve(); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(l.baseCtx, l.cfg.Timeout)
	cmd := exec.CommandContext(runCtx, l.cfg.Command[0], l.cfg.Command[1:]...)
	cmd.Dir = l.cfg.WorkDir
	cmd.Stdin = bytes.NewReader(job.Bootstrap)
	cmd.Env = append(os.Environ(),
		"PERIL_RUN_ID="+job.RunID,
		"PERIL_INSTALLATION_ID="+strconv.FormatInt(job.InstallationID, 10),
	)
	cmd.WaitDelay = 5 * time.Second

	output := &tailBuffer{limit: maxLogBytes}
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		cancel()
		l.release()
		return fmt.Errorf("starting %s: %w", l.cfg.Command[0], err)
	}

	l.active.Add(1)
	started := time.Now()

	logger := internallog.WithRun(l.logger, job.InstallationID, job.RunID)
	logger.Debug("run started", "pid", cmd.Process.Pid)

	go func() {
		defer l.release()
		defer l.active.Add(-1)
		defer cancel()

		err := cmd.Wait()
		elapsed := time.Since(started)
		metrics.ObserveLocalRun(elapsed)

		if err == nil {
			logger.Debug("run exited", internallog.DurationKey, elapsed.Milliseconds())
			return
		}

		logs := output.String()
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			logs += fmt.Sprintf("\nrun timed out after %s", l.cfg.Timeout)
		case errors.Is(runCtx.Err(), context.Canceled):
			logs += "\nrun cancelled by shutdown"
		default:
			logs += fmt.Sprintf("\n%s", err)
		}
		logger.Warn("run failed", internallog.Error(err), internallog.DurationKey, elapsed.Milliseconds())

		l.mu.RLock()
		reporter := l.reporter
		l.mu.RUnlock()
		if reporter != nil {
			reportCtx, cancelReport := context.WithTimeout(context.Background(), 30*time.Second)
			reporter.ReportFailure(reportCtx, job, logs)
			cancelReport()
		}
	}()

	return nil
}

// reserve takes a runner slot and registers the run with wg.
func (l *Local) reserve() error {
	l.startMu.Lock()
	defer l.startMu.Unlock()

	if l.draining {
		return ErrDraining
	}
	select {
	case l.semaphore <- struct{}{}:
	default:
		metrics.RecordLocalRunRejected()
		return &perilerrors.TransientError{Service: "local runner", Cause: ErrBusy}
	}
	l.wg.Add(1)
	return nil
}

// release returns a slot taken by reserve.
func (l *Local) release() {
	<-l.semaphore
	l.wg.Done()
}

// Drain stops accepting runs and waits for running ones to exit. When ctx
// ends first the remaining subprocesses are killed.
func (l *Local) Drain(ctx context.Context) error {
	l.startMu.Lock()
	l.draining = true
	l.startMu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.cancel()
		return nil
	case <-ctx.Done():
		remaining := l.ActiveRuns()
		l.cancel()
		<-done
		return fmt.Errorf("drain timeout: %d run(s) killed: %w", remaining, ctx.Err())
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return "[output truncated]\n" + string(b.buf)
	}
	return string(b.buf)
}
