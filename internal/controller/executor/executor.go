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

// Package executor hands run bootstraps to the process that executes run
// units. There are exactly two backends: Local runs a co-located
// subprocess, Lambda invokes an external function asynchronously. Both
// return as soon as execution has begun; the run unit reports its own
// completion through the callback API.
package executor

import (
	"context"
	"errors"
)

// LocalName is the backend name recorded for runs executed in-process.
const LocalName = "local"

var (
	// ErrDraining is returned by Start once shutdown has begun.
	ErrDraining = errors.New("executor is draining")

	// ErrBusy is returned by a backend with no free capacity.
	ErrBusy = errors.New("all runner slots are busy")
)

// Job is one run handed to a backend.
type Job struct {
	RunID          string
	InstallationID int64
	Event          string
	Paths          []string

	// Target is the external function name. Empty for local runs.
	Target string

	// Bootstrap is the serialized run bootstrap document.
	Bootstrap []byte
}

// Backend starts runs.
type Backend interface {
	Name() string
	Start(ctx context.Context, job Job) error
}

// Reporter is told about runs that failed before they could report for
// themselves, such as a subprocess that crashed or timed out.
type Reporter interface {
	ReportFailure(ctx context.Context, job Job, logs string)
}
