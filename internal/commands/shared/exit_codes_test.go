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

package shared

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perilerrors "github.com/busbud/peril/pkg/errors"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", fmt.Errorf("boom"), ExitFailure},
		{"exit error keeps code", NewNotFoundError("no such installation", nil), ExitNotFound},
		{"config kind", &perilerrors.ConfigError{Key: "store.type", Reason: "bad"}, ExitConfiguration},
		{"unknown installation", fmt.Errorf("lookup: %w", &perilerrors.UnknownInstallationError{InstallationID: 9}), ExitNotFound},
		{"authentication", &perilerrors.AuthenticationError{Reason: "expired", Message: "token expired"}, ExitAuthentication},
		{"wrapped exit error", fmt.Errorf("outer: %w", NewConfigError("bad config", nil)), ExitConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestPrintError(t *testing.T) {
	var buf bytes.Buffer
	code := printError(&buf, NewNotFoundError("installation 9 not found", nil))
	assert.Equal(t, ExitNotFound, code)
	assert.Equal(t, "Error: installation 9 not found\n", buf.String())
}

func TestPrintError_JSON(t *testing.T) {
	SetJSONForTest(true)
	defer SetJSONForTest(false)

	var buf bytes.Buffer
	code := printError(&buf, &perilerrors.UnknownInstallationError{InstallationID: 9})
	assert.Equal(t, ExitNotFound, code)

	var out struct {
		Success bool `json:"success"`
		Error   struct {
			Context string `json:"context"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.False(t, out.Success)
	assert.Equal(t, "unknown_installation", out.Error.Context)
}
