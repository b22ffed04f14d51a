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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	perilerrors "github.com/busbud/peril/pkg/errors"
)

// Exit codes for peril commands
const (
	ExitSuccess        = 0
	ExitFailure        = 1
	ExitConfiguration  = 2
	ExitNotFound       = 3
	ExitAuthentication = 4
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates an error for unusable configuration.
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfiguration, Message: msg, Cause: cause}
}

// NewNotFoundError creates an error for a missing installation or record.
func NewNotFoundError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitNotFound, Message: msg, Cause: cause}
}

// ExitCode picks the exit code for err. An ExitError keeps its own code;
// other errors are mapped by kind.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch perilerrors.KindOf(err) {
	case perilerrors.KindConfiguration:
		return ExitConfiguration
	case perilerrors.KindNotFound, perilerrors.KindUnknownInstallation:
		return ExitNotFound
	case perilerrors.KindAuthentication:
		return ExitAuthentication
	default:
		return ExitFailure
	}
}

// HandleExitError prints err and exits with its code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	os.Exit(printError(os.Stderr, err))
}

func printError(w io.Writer, err error) int {
	code := ExitCode(err)
	if jsonFlag {
		_ = EmitJSONError(w, "", err)
		return code
	}
	fmt.Fprintln(w, "Error:", err.Error())
	return code
}
