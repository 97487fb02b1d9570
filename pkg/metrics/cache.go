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
	// Early-exit cache backend metrics
	cacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_cache_lookups_total",
		Help: "Total number of early-exit cache lookups",
	}, []string{"backend", "result"})

	cacheEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_cache_evictions_total",
		Help: "Total number of early-exit cache evictions",
	}, []string{"backend"})

	cacheEntriesGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "steward_cache_entries",
		Help: "Current number of entries in the early-exit cache",
	}, []string{"backend"})

	cacheSizeBytesGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "steward_cache_size_bytes",
		Help: "Current size of the early-exit cache in bytes",
	}, []string{"backend"})
)

func init() {
	metrics.Registry.MustRegister(
		cacheLookupsTotal,
		cacheEvictionsTotal,
		cacheEntriesGauge,
		cacheSizeBytesGauge,
	)
}

// RecordCacheLookup records a cache lookup
// result: "hit", "miss", "expired" or "error"
func RecordCacheLookup(backend, result string) {
	cacheLookupsTotal.WithLabelValues(backend, result).Inc()
}

// RecordCacheEviction records an entry evicted to make room
func RecordCacheEviction(backend string) {
	cacheEvictionsTotal.WithLabelValues(backend).Inc()
}

// UpdateCacheStats updates cache size metrics
func UpdateCacheStats(backend string, entries int, sizeBytes int64) {
	cacheEntriesGauge.WithLabelValues(backend).Set(float64(entries))
	cacheSizeBytesGauge.WithLabelValues(backend).Set(float64(sizeBytes))
}
