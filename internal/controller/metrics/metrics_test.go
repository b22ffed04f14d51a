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

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordStoreError(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		errorType string
	}{
		{name: "CreateRun error", operation: "CreateRun", errorType: "io_error"},
		{name: "CompleteRun error", operation: "CompleteRun", errorType: "not_found"},
		{name: "PruneWebhooks error", operation: "PruneWebhooks", errorType: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels := prometheus.Labels{"operation": tt.operation, "error_type": tt.errorType}
			initial := testutil.ToFloat64(storeErrors.With(labels))

			RecordStoreError(tt.operation, tt.errorType)

			if got := testutil.ToFloat64(storeErrors.With(labels)); got != initial+1 {
				t.Errorf("expected count to increment by 1, got initial=%f, new=%f", initial, got)
			}
		})
	}
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(webhooksReceived.WithLabelValues("pull_request", "dispatched"))
	RecordWebhook("pull_request", "dispatched")
	RecordWebhook("pull_request", "dispatched")
	if got := testutil.ToFloat64(webhooksReceived.WithLabelValues("pull_request", "dispatched")); got != before+2 {
		t.Errorf("webhooks_received_total = %f, want %f", got, before+2)
	}

	before = testutil.ToFloat64(runsDispatched.WithLabelValues("local", "pull-request"))
	RecordDispatch("local", "pull-request")
	if got := testutil.ToFloat64(runsDispatched.WithLabelValues("local", "pull-request")); got != before+1 {
		t.Errorf("runs_dispatched_total = %f, want %f", got, before+1)
	}

	before = testutil.ToFloat64(notificationFailures)
	RecordNotificationFailure()
	if got := testutil.ToFloat64(notificationFailures); got != before+1 {
		t.Errorf("notification_failures_total = %f, want %f", got, before+1)
	}
}

func TestHandler(t *testing.T) {
	RecordRunCompleted("succeeded")
	ObserveLocalRun(2 * time.Second)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{"peril_runs_completed_total", "peril_local_run_duration_seconds"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
