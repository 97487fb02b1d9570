/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// Action metrics
	actionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_action_total",
		Help: "Total number of applied actions",
	}, []string{"integration", "verb", "result"})

	actionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "steward_action_duration_seconds",
		Help:    "Duration of applied actions including retries",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	}, []string{"integration", "verb"})

	actionRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_action_retries_total",
		Help: "Total number of action retries",
	}, []string{"integration", "verb"})

	// Inventory metrics
	resourcesDesired = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "steward_resources_desired",
		Help: "Number of desired resources in the last run",
	}, []string{"integration", "scope", "kind"})

	resourcesCurrent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "steward_resources_current",
		Help: "Number of current resources listed in the last run",
	}, []string{"integration", "scope", "kind"})

	resourcesChanged = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "steward_resources_changed",
		Help: "Number of resources with a planned action in the last run",
	}, []string{"integration", "scope", "kind"})
)

func init() {
	metrics.Registry.MustRegister(
		actionTotal,
		actionDuration,
		actionRetriesTotal,
		resourcesDesired,
		resourcesCurrent,
		resourcesChanged,
	)
}

// RecordAction records an applied action
// verb: "create", "update" or "delete"
// result: "success", "failure" or "skipped"
func RecordAction(integration, verb, result string, durationSeconds float64) {
	actionTotal.WithLabelValues(integration, verb, result).Inc()
	if result != "skipped" {
		actionDuration.WithLabelValues(integration, verb).Observe(durationSeconds)
	}
}

// RecordActionRetry records one retry of an action
func RecordActionRetry(integration, verb string) {
	actionRetriesTotal.WithLabelValues(integration, verb).Inc()
}

// SetResourceCounts sets the per-(scope, kind) inventory gauges
func SetResourceCounts(integration, scope, kind string, desired, current, changed int) {
	resourcesDesired.WithLabelValues(integration, scope, kind).Set(float64(desired))
	resourcesCurrent.WithLabelValues(integration, scope, kind).Set(float64(current))
	resourcesChanged.WithLabelValues(integration, scope, kind).Set(float64(changed))
}
