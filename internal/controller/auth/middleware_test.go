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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	s := newTestService(t)
	session, err := s.IssueSession("orta", []int64{42})
	require.NoError(t, err)
	capToken, err := s.IssueCapability(42, "run-1", RunOps...)
	require.NoError(t, err)

	m := NewMiddleware(MiddlewareConfig{Tokens: s, APIKeys: []string{"admin-key-1234"}})

	var gotUser *User
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		setup      func(r *http.Request)
		target     string
		wantStatus int
		wantAdmin  bool
	}{
		{name: "no credentials", setup: func(*http.Request) {}, wantStatus: http.StatusUnauthorized},
		{name: "api key", setup: func(r *http.Request) { r.Header.Set("X-API-Key", "admin-key-1234") }, wantStatus: http.StatusOK, wantAdmin: true},
		{name: "wrong api key", setup: func(r *http.Request) { r.Header.Set("X-API-Key", "nope") }, wantStatus: http.StatusUnauthorized},
		{name: "session", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+session) }, wantStatus: http.StatusOK},
		{name: "capability token", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+capToken) }, wantStatus: http.StatusUnauthorized},
		{name: "query key", setup: func(*http.Request) {}, target: "/api/installations?api_key=admin-key-1234", wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotUser = nil
			target := tt.target
			if target == "" {
				target = "/api/installations"
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			tt.setup(req)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus != http.StatusOK {
				assert.Contains(t, rec.Body.String(), `"context":"authentication"`)
				return
			}
			require.NotNil(t, gotUser)
			assert.Equal(t, tt.wantAdmin, gotUser.Admin)
			assert.True(t, gotUser.CanAccess(42))
			assert.Equal(t, tt.wantAdmin, gotUser.CanAccess(43))
		})
	}
}

func TestMiddleware_RateLimit(t *testing.T) {
	m := NewMiddleware(MiddlewareConfig{
		APIKeys:   []string{"admin-key-1234"},
		RateLimit: RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 2},
	})
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/installations", nil)
		req.Header.Set("X-API-Key", "admin-key-1234")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimiter_PerCaller(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, RequestsPerSecond: 5, BurstSize: 5})

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("user1"), "request %d should be allowed", i)
	}
	assert.False(t, rl.Allow("user1"))
	assert.True(t, rl.Allow("user2"))
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow("user1"))
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true})
	rl.Allow("a")
	rl.Allow("b")
	assert.Equal(t, 2, rl.Len())

	rl.Cleanup(time.Hour)
	assert.Equal(t, 2, rl.Len())

	time.Sleep(5 * time.Millisecond)
	rl.Cleanup(time.Millisecond)
	assert.Equal(t, 0, rl.Len())
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := BearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Bearer abc")
	tok, ok := BearerToken(req)
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	req.Header.Set("Authorization", "Basic abc")
	_, ok = BearerToken(req)
	assert.False(t, ok)
}
