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
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	internallog "github.com/busbud/peril/internal/log"
	perilerrors "github.com/busbud/peril/pkg/errors"
)

type contextKey string

const userContextKey contextKey = "user"

// User is an authenticated management API caller.
type User struct {
	ID            string
	Name          string
	Admin         bool
	Installations []int64
}

// CanAccess reports whether the user may act on installation id.
func (u *User) CanAccess(id int64) bool {
	return u.Admin || containsID(u.Installations, id)
}

// UserFromContext extracts the authenticated user from the request context.
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userContextKey).(*User)
	return user, ok
}

// ContextWithUser returns a new context with the given user.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// MiddlewareConfig configures management API authentication.
type MiddlewareConfig struct {
	// Tokens validates Bearer session tokens.
	Tokens *Service

	// APIKeys are admin keys accepted in X-API-Key.
	APIKeys []string

	RateLimit RateLimitConfig

	Logger *slog.Logger
}

// Middleware authenticates management API requests.
type Middleware struct {
	tokens      *Service
	apiKeys     [][]byte
	rateLimiter *RateLimiter
	logger      *slog.Logger
}

// NewMiddleware creates a new auth middleware.
func NewMiddleware(cfg MiddlewareConfig) *Middleware {
	m := &Middleware{
		tokens:      cfg.Tokens,
		rateLimiter: NewRateLimiter(cfg.RateLimit),
		logger:      cfg.Logger,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	for _, k := range cfg.APIKeys {
		if k != "" {
			m.apiKeys = append(m.apiKeys, []byte(k))
		}
	}
	return m
}

// RateLimiter exposes the limiter so callback routes can share it.
func (m *Middleware) RateLimiter() *RateLimiter { return m.rateLimiter }

// Wrap wraps an http.Handler with authentication and rate limiting.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "" || r.URL.Query().Get("token") != "" {
			WriteAuthError(w, &perilerrors.AuthenticationError{
				Reason:  "query_credentials",
				Message: "credentials in query parameters are not supported",
			})
			return
		}

		user, err := m.authenticate(r)
		if err != nil {
			m.logger.Debug("management api authentication failed",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				internallog.Error(err))
			WriteAuthError(w, err)
			return
		}

		if !m.rateLimiter.Allow(user.ID) {
			WriteRateLimited(w)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}

func (m *Middleware) authenticate(r *http.Request) (*User, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		if !m.validKey(key) {
			return nil, &perilerrors.AuthenticationError{Reason: "invalid_api_key", Message: "invalid credentials"}
		}
		return &User{ID: "api-key:" + keyID(key), Name: "admin", Admin: true}, nil
	}

	token, ok := BearerToken(r)
	if !ok {
		return nil, &perilerrors.AuthenticationError{Reason: "missing_credentials", Message: "authentication required"}
	}
	if m.tokens == nil {
		return nil, &perilerrors.AuthenticationError{Reason: "invalid_token", Message: "session tokens are not accepted"}
	}
	claims, err := m.tokens.ValidateSession(token)
	if err != nil {
		return nil, &perilerrors.AuthenticationError{Reason: "invalid_token", Message: err.Error()}
	}
	return &User{
		ID:            claims.Subject,
		Name:          claims.Name,
		Installations: claims.Installations,
	}, nil
}

func (m *Middleware) validKey(key string) bool {
	found := 0
	for _, k := range m.apiKeys {
		found |= subtle.ConstantTimeCompare([]byte(key), k)
	}
	return found == 1
}

// keyID is a short non-secret label for rate limiting and logs.
func keyID(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// WriteAuthError writes a 401, or a 403 for forbidden authentication errors.
func WriteAuthError(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	var authErr *perilerrors.AuthenticationError
	if perilerrors.As(err, &authErr) && authErr.Forbidden {
		status = http.StatusForbidden
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="peril"`)
	}
	writeError(w, status, err)
}

// WriteRateLimited writes a 429.
func WriteRateLimited(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, perilerrors.New("rate limit exceeded"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": perilerrors.Describe(err)})
}
