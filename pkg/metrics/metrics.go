// Package metrics exposes the Prometheus registry of the query-cache gateway.
// Metrics are defined with promauto in the package that updates them
// (gateway, cache, lock, scoring, revalidate, warehouse, httpapi) so that no
// package depends on a central definition.
//
// This package provides the scrape handler and the catalogue below.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "qcache"

// Registry is the registerer all promauto metrics use.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source of scraped metrics.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics scrape handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Gateway (pkg/gateway):
//   - qcache_requests_total{status} (Counter): requests by HIT, MISS, HIT-REVALIDATING, ERROR
//   - qcache_request_duration_seconds{status} (Histogram): request latency by status
//   - qcache_errors_total{class} (Counter): validation, warehouse, cache, scoring, lock, revalidation
//   - qcache_coalesced_misses_total (Counter): misses that shared another request's warehouse call
//   - qcache_cache_write_retries_total{operation} (Counter): cache write retry attempts
//   - qcache_cache_write_backoff_seconds{operation} (Histogram): backoff before retries
//   - qcache_cache_write_retry_exhausted_total{operation} (Counter): writes given up
//
// Cache store (pkg/cache):
//   - qcache_store_hits_total (Counter): payload reads that found a key
//   - qcache_store_misses_total (Counter): payload reads that found nothing
//   - qcache_store_written_bytes_total{kind} (Counter): bytes written (payload, meta)
//   - qcache_store_errors_total{operation} (Counter): Redis errors by operation
//
// Revalidation (pkg/lock, pkg/revalidate):
//   - qcache_revalidation_lock_acquisitions_total{result} (Counter): acquired, contended, error
//   - qcache_revalidation_jobs_total{result} (Counter): submitted, rejected, succeeded, failed
//   - qcache_revalidation_duration_seconds (Histogram): job duration
//   - qcache_revalidation_queue_depth (Gauge): jobs waiting for a worker
//
// Scoring (pkg/scoring):
//   - qcache_scoring_records_total{outcome} (Counter): usage events by HIT, MISS, REVALIDATED
//   - qcache_scoring_errors_total{operation} (Counter): load, save, candidates
//   - qcache_prewarm_score (Histogram): recomputed pre-warm scores
//
// Warehouse (pkg/warehouse):
//   - qcache_warehouse_queries_total{result} (Counter): executions by ok, error
//   - qcache_warehouse_query_duration_seconds (Histogram): execution latency
//
// HTTP (internal/httpapi):
//   - qcache_http_requests_total{route, code} (Counter): requests by route and status code
//   - qcache_http_request_duration_seconds{route} (Histogram): handler latency
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(qcache_requests_total{status=~"HIT.*"}[5m])) /
//   sum(rate(qcache_requests_total[5m]))
//
//   # Revalidation backlog
//   qcache_revalidation_queue_depth > 0
//
//   # Swallowed cache failures
//   rate(qcache_errors_total{class="cache"}[5m])
//
//   # P95 warehouse latency
//   histogram_quantile(0.95, rate(qcache_warehouse_query_duration_seconds_bucket[5m]))
