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
	// Reconciliation run metrics
	runTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_run_total",
		Help: "Total number of reconciliation runs",
	}, []string{"integration", "mode", "result"})

	runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "steward_run_duration_seconds",
		Help:    "Duration of reconciliation runs",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	}, []string{"integration", "mode"})

	fetchErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_fetch_errors_total",
		Help: "Total number of scopes whose current state could not be fetched",
	}, []string{"integration", "scope"})

	// Early exit metrics
	earlyExitDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_early_exit_decisions_total",
		Help: "Total number of early-exit gate decisions",
	}, []string{"integration", "mode", "decision"})

	earlyExitCacheErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_early_exit_cache_errors_total",
		Help: "Total number of failed early-exit cache operations",
	}, []string{"integration", "operation"})

	// Sharding metrics
	affectedShards = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "steward_affected_shards",
		Help: "Number of shard keys selected by the last affected-shard computation",
	}, []string{"integration"})
)

func init() {
	metrics.Registry.MustRegister(
		runTotal,
		runDuration,
		fetchErrorsTotal,
		earlyExitDecisionsTotal,
		earlyExitCacheErrorsTotal,
		affectedShards,
	)
}

// RecordRun records a finished reconciliation run
// mode: "apply" or "dry-run"
// result: "success", "error" or "skipped"
func RecordRun(integration, mode, result string, durationSeconds float64) {
	runTotal.WithLabelValues(integration, mode, result).Inc()
	runDuration.WithLabelValues(integration, mode).Observe(durationSeconds)
}

// RecordFetchError records a scope that could not be fetched
func RecordFetchError(integration, scope string) {
	fetchErrorsTotal.WithLabelValues(integration, scope).Inc()
}

// RecordEarlyExitDecision records a gate decision
// mode: "snapshot" or "cache"
// decision: "proceed" or "skip"
func RecordEarlyExitDecision(integration, mode, decision string) {
	earlyExitDecisionsTotal.WithLabelValues(integration, mode, decision).Inc()
}

// RecordEarlyExitCacheError records a failed cache get or set
func RecordEarlyExitCacheError(integration, operation string) {
	earlyExitCacheErrorsTotal.WithLabelValues(integration, operation).Inc()
}

// SetAffectedShards sets the number of affected shard keys
func SetAffectedShards(integration string, count int) {
	affectedShards.WithLabelValues(integration).Set(float64(count))
}
