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

package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the taxonomy.
type Kind string

const (
	KindAuthentication      Kind = "authentication"
	KindUnknownInstallation Kind = "unknown_installation"
	KindConfiguration       Kind = "configuration"
	KindTransient           Kind = "transient"
	KindDuplicate           Kind = "duplicate"
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindInternal            Kind = "internal"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message.
func New(message string) error {
	return errors.New(message)
}

// KindOf walks the error chain and returns the first taxonomy kind found.
func KindOf(err error) Kind {
	var (
		authErr     *AuthenticationError
		unknownErr  *UnknownInstallationError
		configErr   *ConfigError
		transient   *TransientError
		duplicate   *DuplicateDeliveryError
		validation  *ValidationError
		notFoundErr *NotFoundError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr):
		return KindAuthentication
	case errors.As(err, &unknownErr):
		return KindUnknownInstallation
	case errors.As(err, &configErr):
		return KindConfiguration
	case errors.As(err, &duplicate):
		return KindDuplicate
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &notFoundErr):
		return KindNotFound
	case errors.As(err, &transient):
		return KindTransient
	default:
		return KindInternal
	}
}

// IsRetryable reports whether the failure came from a downstream that may
// recover on its own.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Description is the structured error object returned by API mutations.
type Description struct {
	Description string `json:"description"`
	Context     string `json:"context,omitempty"`
}

// Describe converts err into the structured object returned by mutations.
// The description is the outermost message; the context is the taxonomy
// kind so clients can branch without parsing text.
func Describe(err error) *Description {
	if err == nil {
		return nil
	}
	return &Description{
		Description: err.Error(),
		Context:     string(KindOf(err)),
	}
}
