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

// Package webhook implements `peril webhook`, helpers for exercising the
// ingress endpoint by hand.
package webhook

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/busbud/peril/internal/commands/shared"
	ingress "github.com/busbud/peril/internal/controller/webhook"
)

// NewCommand creates the webhook command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Webhook testing helpers",
	}
	cmd.AddCommand(newSignCommand())
	return cmd
}

// Signed is the output of `webhook sign`.
type Signed struct {
	Header    string `json:"header"`
	Signature string `json:"signature"`
}

func newSignCommand() *cobra.Command {
	var secret string

	cmd := &cobra.Command{
		Use:   "sign [file]",
		Short: "Compute the X-Hub-Signature-256 value for a webhook body",
		Long: `Compute the HMAC-SHA256 signature GitHub would send for a body.

The body is read from file, or from stdin when no file is given. The secret
defaults to webhook.secret from the config (PERIL_WEBHOOK_SECRET).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				cfg, err := shared.LoadConfig()
				if err != nil {
					return err
				}
				secret = cfg.Webhook.Secret
			}
			if secret == "" {
				return shared.NewConfigError("no webhook secret: pass --secret or set PERIL_WEBHOOK_SECRET", nil)
			}

			var (
				body []byte
				err  error
			)
			if len(args) == 1 && args[0] != "-" {
				body, err = os.ReadFile(args[0])
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("failed to read body: %w", err)
			}

			sig := ingress.Sign([]byte(secret), body)
			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), Signed{Header: ingress.SignatureHeader, Signature: sig})
			}
			fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Webhook secret (default: from config)")
	return cmd
}
