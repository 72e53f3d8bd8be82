package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks payload lookups that found an entry.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qcache_store_hits_total",
			Help: "Total number of cache store payload hits",
		},
	)

	// CacheMisses tracks payload lookups that found nothing.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qcache_store_misses_total",
			Help: "Total number of cache store payload misses",
		},
	)

	// BytesWritten tracks serialized bytes written by record kind.
	BytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qcache_store_written_bytes_total",
			Help: "Total bytes written to the cache store",
		},
		[]string{"kind"}, // "payload", "meta"
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qcache_store_errors_total",
			Help: "Total number of cache store operation errors",
		},
		[]string{"operation"}, // "get", "set", "ttl", "delete"
	)
)
