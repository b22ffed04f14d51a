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

package settings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busbud/peril/internal/controller/backend/memory"
	"github.com/busbud/peril/internal/controller/installation"
	perilerrors "github.com/busbud/peril/pkg/errors"
)

type fakeFetcher struct {
	mu    sync.Mutex
	files map[string]string
	calls []string
}

func (f *fakeFetcher) FetchFile(_ context.Context, iID int64, owner, repo, path, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s/%s@%s#%s", owner, repo, path, ref)
	f.calls = append(f.calls, key)
	content, ok := f.files[key]
	if !ok {
		return nil, &perilerrors.NotFoundError{Resource: "file", ID: key}
	}
	return []byte(content), nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Send(_ context.Context, _ *installation.Installation, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
}

const settingsJSON = `{
	"rules": {"pull_request": "danger/pr.ts"},
	"scheduler": {"daily": "cleanup"},
	"tasks": {"cleanup": "danger/cleanup.ts"},
}`

func setup(t *testing.T, allowLocal bool) (*Updater, *memory.Backend, *fakeFetcher, *fakeNotifier) {
	t.Helper()
	store := memory.New()
	_, err := store.CreateInstallation(context.Background(), installation.New(42, "busbud", ""))
	require.NoError(t, err)

	fetcher := &fakeFetcher{files: map[string]string{
		"busbud/peril-settings@settings.json#": settingsJSON,
		"busbud/peril-settings@broken.json#":   `{"rules": `,
	}}
	notifier := &fakeNotifier{}
	u := NewUpdater(store, fetcher, notifier, Config{AllowLocalFiles: allowLocal})
	return u, store, fetcher, notifier
}

func TestAttach_ActivatesInstallation(t *testing.T) {
	u, _, _, _ := setup(t, false)

	inst, err := u.Attach(context.Background(), 42, "busbud/peril-settings@settings.json")
	require.NoError(t, err)

	assert.Equal(t, installation.StatusActive, inst.Status())
	assert.Equal(t, "busbud/peril-settings@settings.json", inst.SettingsReferenceURL)
	assert.True(t, inst.HasScheduleKey("daily"))
	refs, ok, err := inst.TaskReferences("cleanup")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, installation.References{"danger/cleanup.ts"}, refs)
}

func TestAttach_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		id       int64
		ref      string
		wantKind perilerrors.Kind
	}{
		{"empty reference", 42, "  ", perilerrors.KindValidation},
		{"relative reference", 42, "settings.json", perilerrors.KindValidation},
		{"local files disabled", 42, "file:///etc/peril.json", perilerrors.KindValidation},
		{"unknown installation", 43, "busbud/peril-settings@settings.json", perilerrors.KindUnknownInstallation},
		{"missing file", 42, "busbud/peril-settings@missing.json", perilerrors.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, store, _, _ := setup(t, false)
			_, err := u.Attach(context.Background(), tt.id, tt.ref)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, perilerrors.KindOf(err))

			inst, err := store.GetInstallation(context.Background(), 42)
			require.NoError(t, err)
			assert.Equal(t, installation.StatusPartial, inst.Status())
		})
	}
}

func TestAttach_ParseFailureNotifiesSlack(t *testing.T) {
	u, _, _, notifier := setup(t, false)

	_, err := u.Attach(context.Background(), 42, "busbud/peril-settings@broken.json")
	require.Error(t, err)
	assert.Equal(t, perilerrors.KindValidation, perilerrors.KindOf(err))

	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "busbud/peril-settings@broken.json")
	assert.Contains(t, notifier.messages[0], "did not parse as JSON")
}

func TestSync_RequiresActive(t *testing.T) {
	u, _, _, _ := setup(t, false)
	_, err := u.Sync(context.Background(), 42)
	assert.Equal(t, perilerrors.KindValidation, perilerrors.KindOf(err))
}

func TestAttach_LocalFile(t *testing.T) {
	u, _, _, _ := setup(t, true)
	path := filepath.Join(t.TempDir(), "peril.json")
	require.NoError(t, os.WriteFile(path, []byte(settingsJSON), 0o600))

	inst, err := u.Attach(context.Background(), 42, "file://"+path)
	require.NoError(t, err)
	assert.True(t, inst.HasScheduleKey("daily"))

	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler": {"weekly": "cleanup"}}`), 0o600))
	require.NoError(t, u.SyncLocal(context.Background(), path))

	inst, err = u.load(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, inst.HasScheduleKey("weekly"))
	assert.False(t, inst.HasScheduleKey("daily"))

	paths, err := u.LocalPaths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{path}, paths)
}

func TestHandleEvent(t *testing.T) {
	push := func(repo, ref, defaultBranch string, modified ...string) []byte {
		return []byte(fmt.Sprintf(`{
			"ref": %q,
			"repository": {"full_name": %q, "default_branch": %q},
			"installation": {"id": 42},
			"commits": [{"modified": %q}]
		}`, ref, repo, defaultBranch, modified))
	}

	tests := []struct {
		name     string
		event    string
		body     []byte
		wantSync bool
	}{
		{"settings file on default branch", "push", push("busbud/peril-settings", "refs/heads/main", "main", "settings.json"), true},
		{"other file", "push", push("busbud/peril-settings", "refs/heads/main", "main", "README.md"), false},
		{"other branch", "push", push("busbud/peril-settings", "refs/heads/feature", "main", "settings.json"), false},
		{"other repo", "push", push("busbud/app", "refs/heads/main", "main", "settings.json"), false},
		{"not a push", "pull_request", push("busbud/peril-settings", "refs/heads/main", "main", "settings.json"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, _, fetcher, _ := setup(t, false)
			inst, err := u.Attach(context.Background(), 42, "busbud/peril-settings@settings.json")
			require.NoError(t, err)
			before := fetcher.callCount()

			synced, err := u.HandleEvent(context.Background(), inst, tt.event, tt.body)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSync, synced)
			if tt.wantSync {
				assert.Equal(t, before+1, fetcher.callCount())
			} else {
				assert.Equal(t, before, fetcher.callCount())
			}
		})
	}
}

func TestHandleEvent_PartialInstallationIgnored(t *testing.T) {
	u, store, _, _ := setup(t, false)
	inst, err := store.GetInstallation(context.Background(), 42)
	require.NoError(t, err)

	synced, err := u.HandleEvent(context.Background(), inst, "push", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, synced)
}
