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

// Package installations implements `peril installations`, a read-only view
// of the installation store.
package installations

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/busbud/peril/internal/commands/shared"
	"github.com/busbud/peril/internal/controller"
	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/installation"
)

// openStore is replaced in tests.
var openStore = func(ctx context.Context) (backend.Store, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return nil, err
	}
	store, err := controller.OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, shared.NewConfigError("failed to open store", err)
	}
	return store, nil
}

// NewCommand creates the installations command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "installations",
		Aliases: []string{"installation", "inst"},
		Short:   "Inspect GitHub App installations",
	}
	cmd.AddCommand(newListCommand(), newShowCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	var (
		external bool
		status   string
		key      string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installations",
		Long: `List installations in the store.

Use --external to see installations whose runs go to an external backend,
and --scheduler-key to see installations a scheduler key would run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := backend.Query{ExternalOnly: external, SchedulerKey: key}
			switch status {
			case "":
			case string(installation.StatusPartial), string(installation.StatusActive):
				q.Status = installation.Status(status)
			default:
				return fmt.Errorf("--status must be partial or active, got %q", status)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			insts, err := store.ListInstallations(ctx, q)
			if err != nil {
				return fmt.Errorf("failed to list installations: %w", err)
			}

			summaries := make([]installation.Summary, 0, len(insts))
			for _, inst := range insts {
				summaries = append(summaries, inst.Summary())
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, map[string][]installation.Summary{"installations": summaries})
			}
			if len(summaries) == 0 {
				fmt.Fprintln(out, "No installations.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLOGIN\tSTATUS\tBACKEND\tSETTINGS")
			for _, s := range summaries {
				backendName := s.ExecutionBackendName
				if backendName == "" {
					backendName = "local"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", s.ID, s.Login, s.Status, backendName, dash(s.SettingsReferenceURL))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&external, "external", false, "Only installations routed to an external backend")
	cmd.Flags().StringVar(&status, "status", "", "Only partial or active installations")
	cmd.Flags().StringVar(&key, "scheduler-key", "", "Only installations whose scheduler declares this key")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <installation-id>",
		Short: "Show one installation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid installation id %q", args[0])
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			inst, err := store.GetInstallation(ctx, id)
			if errors.Is(err, backend.ErrNotFound) {
				return shared.NewNotFoundError(fmt.Sprintf("installation %d not found", id), nil)
			}
			if err != nil {
				return fmt.Errorf("failed to load installation: %w", err)
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, inst.Summary())
			}

			s := inst.Summary()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "ID:\t%d\n", s.ID)
			fmt.Fprintf(w, "Login:\t%s\n", s.Login)
			fmt.Fprintf(w, "Status:\t%s\n", s.Status)
			fmt.Fprintf(w, "Settings:\t%s\n", dash(s.SettingsReferenceURL))
			fmt.Fprintf(w, "Backend:\t%s\n", dash(s.ExecutionBackendName))
			fmt.Fprintf(w, "Env vars:\t%s\n", dash(strings.Join(s.EnvVarNames, ", ")))
			fmt.Fprintf(w, "Notifications:\t%t\n", s.HasNotifications)
			if s.RecordingUntil != nil {
				fmt.Fprintf(w, "Recording until:\t%s\n", s.RecordingUntil.Format(time.RFC3339))
			}
			fmt.Fprintf(w, "Rules:\t%d\n", countKeys(inst.Rules))
			fmt.Fprintf(w, "Tasks:\t%d\n", countKeys(inst.Tasks))
			return w.Flush()
		},
	}
}

func countKeys(d installation.Document) int {
	var m map[string]any
	if d.IsEmpty() || d.Decode(&m) != nil {
		return 0
	}
	return len(m)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
