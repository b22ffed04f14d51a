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

package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Op is an operation a capability token may perform.
type Op string

const (
	OpScheduleTask        Op = "scheduleTask"
	OpReportRunCompletion Op = "reportRunCompletion"
)

// RunOps is the scope of every dispatched run.
var RunOps = []Op{OpScheduleTask, OpReportRunCompletion}

func knownOp(op Op) bool {
	return op == OpScheduleTask || op == OpReportRunCompletion
}

// Result is the outcome of verifying a capability token.
type Result int

const (
	Valid Result = iota
	Expired
	ScopeViolation
	BadSignature
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case Expired:
		return "expired"
	case ScopeViolation:
		return "scope_violation"
	case BadSignature:
		return "bad_signature"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// CapabilityClaims are the claims of a run's capability token. Subject is
// the run ID.
type CapabilityClaims struct {
	jwt.RegisteredClaims
	Installations []int64 `json:"installations"`
	Ops           []Op    `json:"ops"`
}

// RunID returns the run the token was minted for.
func (c *CapabilityClaims) RunID() string { return c.Subject }

// Allows reports whether op is in scope.
func (c *CapabilityClaims) Allows(op Op) bool {
	for _, o := range c.Ops {
		if o == op {
			return true
		}
	}
	return false
}

// Installation returns the single installation the token was minted for.
func (c *CapabilityClaims) Installation() (int64, bool) {
	if len(c.Installations) != 1 {
		return 0, false
	}
	return c.Installations[0], true
}

// IssueCapability mints a token for one run of one installation.
func (s *Service) IssueCapability(installationID int64, runID string, ops ...Op) (string, error) {
	if runID == "" {
		return "", errors.New("run id is required")
	}
	if len(ops) == 0 {
		return "", errors.New("at least one op is required")
	}
	for _, op := range ops {
		if !knownOp(op) {
			return "", fmt.Errorf("unknown op %q", op)
		}
	}
	claims := CapabilityClaims{
		RegisteredClaims: s.registered(runID, RunAudience, s.cfg.CapabilityTTL, uuid.NewString()),
		Installations:    []int64{installationID},
		Ops:              append([]Op(nil), ops...),
	}
	return s.sign(claims)
}

// VerifyOp checks signature, issuer, audience, expiry and that op is in scope.
func (s *Service) VerifyOp(token string, op Op) (Result, *CapabilityClaims) {
	claims := &CapabilityClaims{}
	if err := s.parse(token, RunAudience, claims); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Expired, nil
		}
		return BadSignature, nil
	}
	if !claims.Allows(op) {
		return ScopeViolation, claims
	}
	return Valid, claims
}

// VerifyCapability is VerifyOp plus installation membership.
func (s *Service) VerifyCapability(token string, installationID int64, op Op) (Result, *CapabilityClaims) {
	res, claims := s.VerifyOp(token, op)
	if res != Valid {
		return res, claims
	}
	if !containsID(claims.Installations, installationID) {
		return ScopeViolation, claims
	}
	return Valid, claims
}
