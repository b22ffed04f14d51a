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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perilerrors "github.com/busbud/peril/pkg/errors"
)

type fakeReporter struct {
	mu      sync.Mutex
	reports map[string]string
}

func (f *fakeReporter) ReportFailure(_ context.Context, job Job, logs string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reports == nil {
		f.reports = map[string]string{}
	}
	f.reports[job.RunID] = logs
}

func (f *fakeReporter) get(runID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	logs, ok := f.reports[runID]
	return logs, ok
}

func newLocal(t *testing.T, timeout time.Duration, command ...string) (*Local, *fakeReporter) {
	t.Helper()
	l, err := NewLocal(LocalConfig{Command: command, Timeout: timeout, MaxConcurrent: 2})
	require.NoError(t, err)
	r := &fakeReporter{}
	l.SetReporter(r)
	return l, r
}

func TestLocalConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LocalConfig
		wantErr bool
	}{
		{"valid", LocalConfig{Command: []string{"true"}, Timeout: time.Second, MaxConcurrent: 1}, false},
		{"no command", LocalConfig{Timeout: time.Second, MaxConcurrent: 1}, true},
		{"no timeout", LocalConfig{Command: []string{"true"}, MaxConcurrent: 1}, true},
		{"no slots", LocalConfig{Command: []string{"true"}, Timeout: time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLocal_WritesBootstrapToStdin(t *testing.T) {
	out := filepath.Join(t.TempDir(), "bootstrap.json")
	l, r := newLocal(t, 5*time.Second, "sh", "-c", `cat > "$0"`, out)

	bootstrap := []byte(`{"paths":["org/repo@dangerfile.ts"]}`)
	require.NoError(t, l.Start(context.Background(), Job{RunID: "run-1", InstallationID: 42, Bootstrap: bootstrap}))
	require.NoError(t, l.Drain(context.Background()))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, bootstrap, got)

	_, reported := r.get("run-1")
	assert.False(t, reported, "successful exit must not report a failure")
}

func TestLocal_PassesRunEnvironment(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env")
	l, _ := newLocal(t, 5*time.Second, "sh", "-c", `echo "$PERIL_RUN_ID $PERIL_INSTALLATION_ID" > "$0"`, out)

	require.NoError(t, l.Start(context.Background(), Job{RunID: "run-env", InstallationID: 4766}))
	require.NoError(t, l.Drain(context.Background()))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "run-env 4766\n", string(got))
}

func TestLocal_ReportsNonZeroExit(t *testing.T) {
	l, r := newLocal(t, 5*time.Second, "sh", "-c", "echo boom >&2; exit 3")

	require.NoError(t, l.Start(context.Background(), Job{RunID: "run-2"}))
	require.NoError(t, l.Drain(context.Background()))

	logs, ok := r.get("run-2")
	require.True(t, ok)
	assert.Contains(t, logs, "boom")
	assert.Contains(t, logs, "exit status 3")
}

func TestLocal_Timeout(t *testing.T) {
	l, r := newLocal(t, 100*time.Millisecond, "sleep", "5")

	require.NoError(t, l.Start(context.Background(), Job{RunID: "run-slow"}))
	require.NoError(t, l.Drain(context.Background()))

	logs, ok := r.get("run-slow")
	require.True(t, ok)
	assert.Contains(t, logs, "timed out")
}

func TestLocal_StartFailsForMissingBinary(t *testing.T) {
	l, _ := newLocal(t, time.Second, filepath.Join(t.TempDir(), "missing"))
	err := l.Start(context.Background(), Job{RunID: "run-3"})
	assert.Error(t, err)
	assert.Equal(t, 0, l.ActiveRuns())
}

func TestLocal_RejectsAfterDrain(t *testing.T) {
	l, _ := newLocal(t, time.Second, "true")
	require.NoError(t, l.Drain(context.Background()))
	assert.ErrorIs(t, l.Start(context.Background(), Job{RunID: "late"}), ErrDraining)
}

func TestLocal_DrainTimeoutKillsRuns(t *testing.T) {
	l, r := newLocal(t, time.Minute, "sleep", "30")
	require.NoError(t, l.Start(context.Background(), Job{RunID: "run-long"}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := l.Drain(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain timeout")
	assert.Equal(t, 0, l.ActiveRuns())

	logs, ok := r.get("run-long")
	require.True(t, ok)
	assert.Contains(t, logs, "cancelled by shutdown")
}

func TestLocal_SemaphoreBoundsConcurrency(t *testing.T) {
	l, err := NewLocal(LocalConfig{Command: []string{"sleep", "1"}, Timeout: 5 * time.Second, MaxConcurrent: 1})
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background(), Job{RunID: "a"}))

	// A full runner fails at once instead of holding the caller.
	began := time.Now()
	err = l.Start(context.Background(), Job{RunID: "b"})
	assert.Less(t, time.Since(began), 500*time.Millisecond)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, perilerrors.KindTransient, perilerrors.KindOf(err))
	assert.Equal(t, 1, l.ActiveRuns())

	require.NoError(t, l.Drain(context.Background()))
	assert.Equal(t, 0, l.ActiveRuns())
}

func TestLocal_StartRacingDrain(t *testing.T) {
	l, err := NewLocal(LocalConfig{Command: []string{"true"}, Timeout: 5 * time.Second, MaxConcurrent: 64})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := l.Start(context.Background(), Job{RunID: fmt.Sprintf("run-%d", i)})
			if err != nil {
				assert.ErrorIs(t, err, ErrDraining)
			}
		}(i)
	}
	require.NoError(t, l.Drain(context.Background()))
	wg.Wait()

	// Every run that got past the draining check was waited for.
	assert.Equal(t, 0, l.ActiveRuns())
	assert.ErrorIs(t, l.Start(context.Background(), Job{RunID: "late"}), ErrDraining)
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 4}
	_, _ = b.Write([]byte("abc"))
	assert.Equal(t, "abc", b.String())
	_, _ = b.Write([]byte("def"))
	assert.Equal(t, "[output truncated]\ncdef", b.String())
}
