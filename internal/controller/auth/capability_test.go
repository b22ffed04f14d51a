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
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(Config{Secret: testSecret, Issuer: "peril", CapabilityTTL: time.Hour})
	require.NoError(t, err)
	return s
}

func TestNewService_RequiresSecretAndIssuer(t *testing.T) {
	_, err := NewService(Config{Issuer: "peril"})
	assert.Error(t, err)
	_, err = NewService(Config{Secret: testSecret})
	assert.Error(t, err)
}

func TestCapability_RoundTrip(t *testing.T) {
	s := newTestService(t)

	token, err := s.IssueCapability(42, "run-1", RunOps...)
	require.NoError(t, err)

	res, claims := s.VerifyCapability(token, 42, OpReportRunCompletion)
	assert.Equal(t, Valid, res)
	require.NotNil(t, claims)
	assert.Equal(t, "run-1", claims.RunID())
	assert.Equal(t, []int64{42}, claims.Installations)
	assert.Equal(t, "peril", claims.Issuer)
	assert.NotEmpty(t, claims.ID)

	iID, ok := claims.Installation()
	assert.True(t, ok)
	assert.Equal(t, int64(42), iID)
}

func TestCapability_Scope(t *testing.T) {
	s := newTestService(t)

	token, err := s.IssueCapability(42, "run-1", OpReportRunCompletion)
	require.NoError(t, err)

	tests := []struct {
		name string
		iID  int64
		op   Op
		want Result
	}{
		{name: "allowed", iID: 42, op: OpReportRunCompletion, want: Valid},
		{name: "op out of scope", iID: 42, op: OpScheduleTask, want: ScopeViolation},
		{name: "other installation", iID: 43, op: OpReportRunCompletion, want: ScopeViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _ := s.VerifyCapability(token, tt.iID, tt.op)
			assert.Equal(t, tt.want, res)
		})
	}
}

func TestCapability_UnknownOpCannotBeIssued(t *testing.T) {
	s := newTestService(t)
	_, err := s.IssueCapability(42, "run-1", Op("deleteEverything"))
	assert.Error(t, err)
	_, err = s.IssueCapability(42, "run-1")
	assert.Error(t, err)
	_, err = s.IssueCapability(42, "", OpScheduleTask)
	assert.Error(t, err)
}

func TestCapability_Expired(t *testing.T) {
	s := newTestService(t)
	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := s.IssueCapability(42, "run-1", RunOps...)
	require.NoError(t, err)

	s.now = time.Now
	res, claims := s.VerifyCapability(token, 42, OpScheduleTask)
	assert.Equal(t, Expired, res)
	assert.Nil(t, claims)
}

func TestCapability_BadSignature(t *testing.T) {
	s := newTestService(t)
	other, err := NewService(Config{Secret: []byte("another-secret-another-secret-xx"), Issuer: "peril"})
	require.NoError(t, err)

	token, err := other.IssueCapability(42, "run-1", RunOps...)
	require.NoError(t, err)

	res, _ := s.VerifyCapability(token, 42, OpScheduleTask)
	assert.Equal(t, BadSignature, res)

	res, _ = s.VerifyCapability("not-a-jwt", 42, OpScheduleTask)
	assert.Equal(t, BadSignature, res)

	res, _ = s.VerifyCapability("", 42, OpScheduleTask)
	assert.Equal(t, BadSignature, res)
}

func TestCapability_RejectsOtherAlgorithms(t *testing.T) {
	s := newTestService(t)
	claims := CapabilityClaims{
		RegisteredClaims: s.registered("run-1", RunAudience, time.Hour, "id"),
		Installations:    []int64{42},
		Ops:              RunOps,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testSecret)
	require.NoError(t, err)

	res, _ := s.VerifyCapability(token, 42, OpScheduleTask)
	assert.Equal(t, BadSignature, res)
}

func TestCapability_SessionTokenIsNotACapability(t *testing.T) {
	s := newTestService(t)
	token, err := s.IssueSession("orta", []int64{42})
	require.NoError(t, err)

	res, _ := s.VerifyCapability(token, 42, OpScheduleTask)
	assert.Equal(t, BadSignature, res)
}

func TestSession_RoundTrip(t *testing.T) {
	s := newTestService(t)
	token, err := s.IssueSession("orta", []int64{1, 2})
	require.NoError(t, err)

	claims, err := s.ValidateSession(token)
	require.NoError(t, err)
	assert.Equal(t, "orta", claims.Subject)
	assert.Equal(t, []int64{1, 2}, claims.Installations)

	capToken, err := s.IssueCapability(1, "run", RunOps...)
	require.NoError(t, err)
	_, err = s.ValidateSession(capToken)
	assert.Error(t, err)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "valid", Valid.String())
	assert.Equal(t, "scope_violation", ScopeViolation.String())
	assert.Equal(t, "result(9)", Result(9).String())
}
