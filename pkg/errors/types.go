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

// Package errors defines the error taxonomy shared across Peril.
//
// Every failure that crosses a component boundary is one of a small set of
// kinds. The HTTP layers switch on these kinds to pick a status code or to
// build the {description, context} object returned by API mutations.
package errors

import (
	"fmt"
	"time"
)

// AuthenticationError is returned when a webhook signature or a bearer
// credential does not check out. It is always surfaced to the caller.
type AuthenticationError struct {
	// Reason is a short machine-friendly cause, e.g. "missing_signature".
	Reason string

	// Message is the human-readable description.
	Message string

	// Forbidden marks credentials that are valid but not allowed to act on
	// the target (HTTP 403 rather than 401).
	Forbidden bool
}

func (e *AuthenticationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("authentication failed (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

// UnknownInstallationError means an event or request referenced an
// installation the store does not know about.
type UnknownInstallationError struct {
	InstallationID int64
}

func (e *UnknownInstallationError) Error() string {
	return fmt.Sprintf("unknown installation: %d", e.InstallationID)
}

// ConfigError represents configuration problems, both in the server config
// and in an installation's settings.
type ConfigError struct {
	// Key is the configuration key that has the problem
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error
	Cause error
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TransientError wraps a failure of a downstream service (Slack, GitHub,
// Lambda) that may succeed if tried again later.
type TransientError struct {
	// Service names the downstream, e.g. "slack".
	Service string

	// StatusCode is the HTTP status returned, if any.
	StatusCode int

	// RetryAfter is the server-suggested delay, if any.
	RetryAfter time.Duration

	Cause error
}

func (e *TransientError) Error() string {
	msg := fmt.Sprintf("%s unavailable", e.Service)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// DuplicateDeliveryError reports that a webhook delivery or a run completion
// was already processed. Callers treat it as success.
type DuplicateDeliveryError struct {
	// Kind is what was duplicated, e.g. "webhook" or "run".
	Kind string
	ID   string
}

func (e *DuplicateDeliveryError) Error() string {
	return fmt.Sprintf("duplicate %s delivery: %s", e.Kind, e.ID)
}

// ValidationError represents invalid user input.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a missing resource other than an installation.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "webhook", "run", "task")
	Resource string

	// ID is the identifier that was not found
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}
