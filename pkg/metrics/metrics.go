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

// Package metrics registers the Prometheus series the dispatcher and
// worker packages report against: step counts and durations, queue
// depth, and itinerary-edit activity. Registration happens once at
// package init via promauto against the default registry; callers expose
// it with promhttp.Handler().
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waypoint_steps_total",
			Help: "Total number of activity executions by agent and outcome.",
		},
		[]string{"agent_name", "status"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waypoint_step_duration_seconds",
			Help:    "Duration of activity executions.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent_name", "status"},
	)

	workflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waypoint_workflows_total",
			Help: "Total number of workflows dispatched or completed, by outcome.",
		},
		[]string{"status"},
	)

	itineraryInsertionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waypoint_itinerary_insertions_total",
			Help: "Itinerary-edit insertion attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "waypoint_queue_depth",
			Help: "Approximate number of undelivered envelopes per topic.",
		},
		[]string{"topic"},
	)
)

// RecordStep reports one activity execution's outcome and duration.
func RecordStep(agentName, status string, duration time.Duration) {
	stepsTotal.WithLabelValues(agentName, status).Inc()
	stepDuration.WithLabelValues(agentName, status).Observe(duration.Seconds())
}

// RecordWorkflow reports a workflow-level lifecycle transition.
func RecordWorkflow(status string) {
	workflowsTotal.WithLabelValues(status).Inc()
}

// RecordInsertion reports one itinerary-edit insertion attempt: "inserted",
// "unknown_name", or "over_limit".
func RecordInsertion(outcome string) {
	itineraryInsertionsTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records topic's current approximate backlog.
func SetQueueDepth(topic string, depth int) {
	queueDepth.WithLabelValues(topic).Set(float64(depth))
}
