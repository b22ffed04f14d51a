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

package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/busbud/peril/internal/controller"
	internallog "github.com/busbud/peril/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	opts := controller.RunOptions{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	}

	flag.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to config file (default: ~/.config/peril/config.yaml)")
	flag.StringVar(&opts.ListenAddr, "listen", "", "Address to listen on (e.g. :5000)")
	flag.StringVar(&opts.PublicAPIRootURL, "public-url", "", "Externally reachable URL handed to run units")
	flag.StringVar(&opts.StoreType, "store", "", "Store backend (sqlite, postgres, memory)")
	flag.StringVar(&opts.SQLitePath, "sqlite-path", "", "SQLite database path")
	flag.StringVar(&opts.PostgresURL, "postgres-url", "", "PostgreSQL connection URL")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	showVersion := flag.BoolP("version", "v", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("perild %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if err := controller.Run(opts); err != nil {
		// Run has not configured logging if the config failed to load.
		internallog.New(internallog.FromEnv()).Error("perild exited", internallog.Error(err))
		os.Exit(1)
	}
}
