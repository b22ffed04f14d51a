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
	"github.com/spf13/cobra"

	"github.com/busbud/peril/internal/commands/shared"
	"github.com/busbud/peril/internal/controller"
)

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var opts controller.RunOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Peril server in the foreground",
		Long: `Run the webhook ingress, control API and scheduler until interrupted.

Configuration is read from --config (or ~/.config/peril/config.yaml) and
PERIL_* environment variables. Flags override both.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Version, opts.Commit, opts.BuildDate = shared.GetVersion()
			opts.ConfigPath = shared.GetConfigPath()
			return controller.Run(opts)
		},
	}

	AddFlags(cmd, &opts)
	return cmd
}

// AddFlags registers the server override flags on cmd.
func AddFlags(cmd *cobra.Command, opts *controller.RunOptions) {
	f := cmd.Flags()
	f.StringVar(&opts.ListenAddr, "listen", "", "Address to listen on (e.g. :5000)")
	f.StringVar(&opts.PublicAPIRootURL, "public-url", "", "Externally reachable URL handed to run units")
	f.StringVar(&opts.StoreType, "store", "", "Store backend (sqlite, postgres, memory)")
	f.StringVar(&opts.SQLitePath, "sqlite-path", "", "SQLite database path")
	f.StringVar(&opts.PostgresURL, "postgres-url", "", "PostgreSQL connection URL")
	f.StringVar(&opts.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
}
