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
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionClaims identify a management API user and the installations they
// may act on.
type SessionClaims struct {
	jwt.RegisteredClaims
	Name          string  `json:"name,omitempty"`
	Installations []int64 `json:"installations"`
}

// IssueSession mints a user token for login.
func (s *Service) IssueSession(login string, installations []int64) (string, error) {
	claims := SessionClaims{
		RegisteredClaims: s.registered(login, APIAudience, s.cfg.SessionTTL, uuid.NewString()),
		Name:             login,
		Installations:    append([]int64(nil), installations...),
	}
	return s.sign(claims)
}

// ValidateSession parses a user token.
func (s *Service) ValidateSession(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	if err := s.parse(token, APIAudience, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return claims, nil
}
