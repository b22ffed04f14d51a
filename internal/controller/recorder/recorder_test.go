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

package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busbud/peril/internal/controller/backend/memory"
	"github.com/busbud/peril/internal/controller/installation"
	perilerrors "github.com/busbud/peril/pkg/errors"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newRecorder(t *testing.T) (*Recorder, *memory.Backend) {
	t.Helper()
	store := memory.New()
	_, err := store.CreateInstallation(context.Background(), installation.New(42, "busbud", ""))
	require.NoError(t, err)
	r := New(store, store, Config{Now: func() time.Time { return now }})
	return r, store
}

func TestMaybeRecord_Window(t *testing.T) {
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	tests := []struct {
		name   string
		until  *time.Time
		record bool
	}{
		{"no window", nil, false},
		{"window closed", &past, false},
		{"window ends now", &now, false},
		{"window open", &future, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store := newRecorder(t)
			inst := installation.New(42, "busbud", "")
			inst.RecordingUntil = tt.until

			recorded, err := r.MaybeRecord(context.Background(), inst, "pull_request.opened", "d-1", []byte(`{"a":1}`))
			require.NoError(t, err)
			assert.Equal(t, tt.record, recorded)

			list, err := store.ListWebhooks(context.Background(), 42)
			require.NoError(t, err)
			if tt.record {
				assert.Len(t, list, 1)
			} else {
				assert.Empty(t, list)
			}
		})
	}
}

func TestMaybeRecord_DuplicateDelivery(t *testing.T) {
	r, store := newRecorder(t)
	until := now.Add(time.Minute)
	inst := installation.New(42, "busbud", "")
	inst.RecordingUntil = &until

	first, err := r.MaybeRecord(context.Background(), inst, "push", "d-1", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, first)

	second, err := r.MaybeRecord(context.Background(), inst, "push", "d-1", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, second)

	list, err := store.ListWebhooks(context.Background(), 42)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStartRecording(t *testing.T) {
	r, store := newRecorder(t)

	until, err := r.StartRecording(context.Background(), 42, 0)
	require.NoError(t, err)
	assert.Equal(t, now.Add(DefaultWindow), until)

	inst, err := store.GetInstallation(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, inst.RecordingStartedAt)
	assert.True(t, inst.RecordingStartedAt.Equal(now))
	assert.True(t, inst.IsRecording(now))
	assert.False(t, inst.IsRecording(until))

	_, err = r.StartRecording(context.Background(), 43, 0)
	assert.Equal(t, perilerrors.KindUnknownInstallation, perilerrors.KindOf(err))
}

func TestReplay(t *testing.T) {
	r, _ := newRecorder(t)
	until := now.Add(time.Minute)
	inst := installation.New(42, "busbud", "")
	inst.RecordingUntil = &until

	_, err := r.MaybeRecord(context.Background(), inst, "issues.opened", "d-7", []byte(`{"issue":{}}`))
	require.NoError(t, err)

	got, err := r.Replay(context.Background(), 42, "d-7")
	require.NoError(t, err)
	assert.Equal(t, "issues.opened", got.Event)
	assert.JSONEq(t, `{"issue":{}}`, string(got.Payload))

	_, err = r.Replay(context.Background(), 42, "missing")
	assert.Equal(t, perilerrors.KindNotFound, perilerrors.KindOf(err))
}

func TestPrune(t *testing.T) {
	r, _ := newRecorder(t)
	until := now.Add(time.Minute)
	inst := installation.New(42, "busbud", "")
	inst.RecordingUntil = &until

	_, err := r.MaybeRecord(context.Background(), inst, "push", "d-1", []byte(`{}`))
	require.NoError(t, err)

	n, err := r.Prune(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = r.Prune(context.Background(), -time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
