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

package api

import (
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// HealthResponse is the response format for /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthSources are optional probes reported by /health.
type HealthSources struct {
	// ActiveRuns counts local runs in flight.
	ActiveRuns func() int

	// Draining reports a shutdown in progress.
	Draining func() bool

	// SchedulerKeys counts configured scheduler keys.
	SchedulerKeys func() int

	// Subscribers counts live stream subscribers.
	Subscribers func() int
}

var startTime = time.Now()

// HealthHandler serves GET /health. A draining server answers 503 so load
// balancers stop routing webhooks to it.
func HealthHandler(src HealthSources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"api":     "ok",
			"runtime": runtime.Version(),
		}
		if src.ActiveRuns != nil {
			checks["local_runs"] = fmt.Sprintf("%d active", src.ActiveRuns())
		}
		if src.SchedulerKeys != nil {
			checks["scheduler"] = formatKeyCount(src.SchedulerKeys())
		}
		if src.Subscribers != nil {
			checks["live_subscribers"] = fmt.Sprintf("%d", src.Subscribers())
		}

		resp := HealthResponse{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			Checks:    checks,
		}
		status := http.StatusOK
		if src.Draining != nil && src.Draining() {
			resp.Status = "draining"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

func formatKeyCount(n int) string {
	if n == 0 {
		return "disabled"
	}
	return fmt.Sprintf("%d keys", n)
}
