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

// Package metrics defines Peril's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "peril"

var (
	webhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Inbound webhooks by event and outcome",
		},
		[]string{"event", "outcome"},
	)

	webhooksRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhooks_recorded_total",
		Help:      "Webhooks persisted while an installation was recording",
	})

	runsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_dispatched_total",
			Help:      "Runs handed to an execution backend",
		},
		[]string{"backend", "kind"},
	)

	dispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Runs an execution backend refused to start",
		},
		[]string{"backend"},
	)

	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Completion reports by final status",
		},
		[]string{"status"},
	)

	localRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "local_run_duration_seconds",
		Help:      "Wall-clock time of runs executed by the local backend",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	localRunsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "local_runs_rejected_total",
		Help:      "Runs refused by the local backend because every slot was busy",
	})

	capabilityRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_rejections_total",
			Help:      "Callback requests refused by capability token verification",
		},
		[]string{"result"},
	)

	notificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_failures_total",
		Help:      "Slack notifications that could not be delivered",
	})

	settingsSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settings_syncs_total",
			Help:      "Settings document fetches by outcome",
		},
		[]string{"outcome"},
	)

	scheduledTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_tasks_total",
			Help:      "Tasks started by the scheduler",
		},
		[]string{"source"},
	)
)

// RecordWebhook counts an inbound webhook.
func RecordWebhook(event, outcome string) {
	webhooksReceived.WithLabelValues(event, outcome).Inc()
}

func RecordWebhookRecorded() {
	webhooksRecorded.Inc()
}

func RecordDispatch(backend, kind string) {
	runsDispatched.WithLabelValues(backend, kind).Inc()
}

func RecordDispatchError(backend string) {
	dispatchErrors.WithLabelValues(backend).Inc()
}

func RecordRunCompleted(status string) {
	runsCompleted.WithLabelValues(status).Inc()
}

func ObserveLocalRun(d time.Duration) {
	localRunDuration.Observe(d.Seconds())
}

func RecordLocalRunRejected() {
	localRunsRejected.Inc()
}

func RecordCapabilityRejection(result string) {
	capabilityRejections.WithLabelValues(result).Inc()
}

func RecordNotificationFailure() {
	notificationFailures.Inc()
}

func RecordSettingsSync(outcome string) {
	settingsSyncs.WithLabelValues(outcome).Inc()
}

// RecordScheduledTask counts a task start; source is "cron" or "one_off".
func RecordScheduledTask(source string) {
	scheduledTasks.WithLabelValues(source).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
