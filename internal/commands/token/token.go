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

// Package token implements `peril token`: minting and checking the JWTs the
// server accepts.
package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/busbud/peril/internal/commands/shared"
	"github.com/busbud/peril/internal/config"
	"github.com/busbud/peril/internal/controller/auth"
)

// loadConfig is replaced in tests.
var loadConfig = shared.LoadConfig

// NewCommand creates the token command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and verify API tokens",
	}
	cmd.AddCommand(newIssueCommand(), newVerifyCommand())
	return cmd
}

// Issued is the output of `token issue`.
type Issued struct {
	Token     string    `json:"token"`
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newIssueCommand() *cobra.Command {
	var (
		user          string
		installations []int64
		capability    bool
		runID         string
		ops           []string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a management API token or a run capability token",
		Long: `Issue a token signed with auth.jwt_secret.

By default a user session token is minted for --user, allowed to act on the
listed --installation IDs. With --capability a run capability token is minted
instead, scoped to one installation and the given --op list.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, err := service()
			if err != nil {
				return err
			}

			var issued Issued
			if capability {
				if len(installations) != 1 {
					return fmt.Errorf("--capability needs exactly one --installation")
				}
				if runID == "" {
					runID = uuid.NewString()
				}
				scope := make([]auth.Op, 0, len(ops))
				for _, op := range ops {
					scope = append(scope, auth.Op(op))
				}
				tok, err := svc.IssueCapability(installations[0], runID, scope...)
				if err != nil {
					return fmt.Errorf("failed to issue capability: %w", err)
				}
				issued = Issued{Token: tok, Kind: "capability", Subject: runID, ExpiresAt: time.Now().Add(cfg.Auth.CapabilityTTL)}
			} else {
				if user == "" {
					return fmt.Errorf("--user is required")
				}
				tok, err := svc.IssueSession(user, installations)
				if err != nil {
					return fmt.Errorf("failed to issue session token: %w", err)
				}
				issued = Issued{Token: tok, Kind: "session", Subject: user, ExpiresAt: time.Now().Add(cfg.Auth.SessionTTL)}
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), issued)
			}
			fmt.Fprintln(cmd.OutOrStdout(), issued.Token)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&user, "user", "", "GitHub login the session token is for")
	f.Int64SliceVar(&installations, "installation", nil, "Installation IDs the token may act on")
	f.BoolVar(&capability, "capability", false, "Issue a run capability token instead of a session token")
	f.StringVar(&runID, "run-id", "", "Run ID for a capability token (default: random)")
	f.StringSliceVar(&ops, "op", opNames(auth.RunOps), "Operations a capability token allows")
	return cmd
}

// Verification is the output of `token verify`.
type Verification struct {
	Kind          string    `json:"kind"`
	Result        string    `json:"result"`
	Subject       string    `json:"subject,omitempty"`
	Installations []int64   `json:"installations,omitempty"`
	Ops           []string  `json:"ops,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitzero"`
}

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <token>",
		Short: "Check a session or capability token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := service()
			if err != nil {
				return err
			}
			v := verify(svc, strings.TrimSpace(args[0]))

			if shared.GetJSON() {
				if err := shared.EmitJSON(cmd.OutOrStdout(), v); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "kind:          %s\n", v.Kind)
				fmt.Fprintf(out, "result:        %s\n", v.Result)
				if v.Subject != "" {
					fmt.Fprintf(out, "subject:       %s\n", v.Subject)
					fmt.Fprintf(out, "installations: %v\n", v.Installations)
				}
				if len(v.Ops) > 0 {
					fmt.Fprintf(out, "ops:           %s\n", strings.Join(v.Ops, ", "))
				}
				if !v.ExpiresAt.IsZero() {
					fmt.Fprintf(out, "expires:       %s\n", v.ExpiresAt.Format(time.RFC3339))
				}
			}

			if v.Result != auth.Valid.String() {
				return &shared.ExitError{Code: shared.ExitAuthentication, Message: "token is not valid: " + v.Result}
			}
			return nil
		},
	}
}

// verify tries the token as a session token first, then as a capability.
func verify(svc *auth.Service, tok string) Verification {
	if claims, err := svc.ValidateSession(tok); err == nil {
		v := Verification{
			Kind:          "session",
			Result:        auth.Valid.String(),
			Subject:       claims.Subject,
			Installations: claims.Installations,
		}
		if claims.ExpiresAt != nil {
			v.ExpiresAt = claims.ExpiresAt.Time
		}
		return v
	}

	// Scope is reported through Ops, so a token outside one op's scope
	// still verifies.
	res, claims := svc.VerifyOp(tok, auth.OpReportRunCompletion)
	if res == auth.ScopeViolation {
		res = auth.Valid
	}
	v := Verification{Kind: "capability", Result: res.String()}
	if claims != nil {
		v.Subject = claims.RunID()
		v.Installations = claims.Installations
		v.Ops = opNames(claims.Ops)
		if claims.ExpiresAt != nil {
			v.ExpiresAt = claims.ExpiresAt.Time
		}
	}
	return v
}

func service() (*auth.Service, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	svc, err := auth.NewService(auth.Config{
		Secret:        []byte(cfg.Auth.JWTSecret),
		Issuer:        cfg.Auth.Issuer,
		CapabilityTTL: cfg.Auth.CapabilityTTL,
		SessionTTL:    cfg.Auth.SessionTTL,
	})
	if err != nil {
		return nil, nil, shared.NewConfigError("auth.jwt_secret (PERIL_JWT_SECRET) is not usable", err)
	}
	return svc, cfg, nil
}

func opNames(ops []auth.Op) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = string(op)
	}
	return out
}
