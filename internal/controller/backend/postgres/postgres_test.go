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

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/backend/backendtest"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid", cfg: Config{URL: "postgres://localhost/peril", MaxOpenConns: 4, MaxIdleConns: 2}},
		{name: "missing url", cfg: Config{MaxOpenConns: 4}, wantErr: true},
		{name: "no conns", cfg: Config{URL: "postgres://localhost/peril"}, wantErr: true},
		{name: "idle above open", cfg: Config{URL: "postgres://x", MaxOpenConns: 1, MaxIdleConns: 2}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

// TestBackend runs against a live database when PERIL_TEST_POSTGRES_URL is set.
func TestBackend(t *testing.T) {
	url := os.Getenv("PERIL_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("PERIL_TEST_POSTGRES_URL not set")
	}

	backendtest.Run(t, func(t *testing.T) backend.Store {
		be, err := New(context.Background(), Config{URL: url, MaxOpenConns: 4})
		require.NoError(t, err)
		for _, table := range []string{"recorded_webhooks", "runs", "scheduled_tasks", "installations"} {
			_, err := be.DB().Exec("DELETE FROM " + table)
			require.NoError(t, err)
		}
		t.Cleanup(func() { be.Close() })
		return be
	})
}
