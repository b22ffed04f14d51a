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

package serve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busbud/peril/internal/controller"
)

func TestServeFlags(t *testing.T) {
	cmd := NewCommand()
	assert.Equal(t, "serve", cmd.Use)

	for _, name := range []string{"listen", "public-url", "store", "sqlite-path", "postgres-url", "log-level"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestAddFlags_Parse(t *testing.T) {
	var opts controller.RunOptions
	cmd := NewCommand()
	cmd.ResetFlags()
	AddFlags(cmd, &opts)

	require.NoError(t, cmd.ParseFlags([]string{"--listen", ":9000", "--store", "memory"}))
	assert.Equal(t, ":9000", opts.ListenAddr)
	assert.Equal(t, "memory", opts.StoreType)
	assert.Empty(t, opts.PostgresURL)
}
