package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	cacheWriteRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcache_cache_write_retries_total",
		Help: "Cache write retry attempts by operation",
	}, []string{"operation"})

	cacheWriteBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qcache_cache_write_backoff_seconds",
		Help:    "Backoff before cache write retries by operation",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"operation"})

	cacheWriteExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcache_cache_write_retry_exhausted_total",
		Help: "Cache writes that failed after every attempt by operation",
	}, []string{"operation"})
)

// RetryConfig holds the configuration for cache write retries.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// BackoffMultiplier grows the wait after every retry.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration. Cache writes
// sit on the request path, so the budget is small.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    25 * time.Millisecond,
		MaxBackoff:        250 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

// retryWithBackoff runs fn until it succeeds, the attempts run out or ctx
// ends. The wait grows exponentially with ±20% jitter.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, operation string, logger zerolog.Logger, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("operation", operation).
					Int("attempt", attempt).
					Msg("Cache write succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if attempt >= cfg.MaxAttempts {
			break
		}

		cacheWriteRetriesTotal.WithLabelValues(operation).Inc()

		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		cacheWriteBackoffSeconds.WithLabelValues(operation).Observe(jitter.Seconds())

		logger.Debug().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying cache write after backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	cacheWriteExhaustedTotal.WithLabelValues(operation).Inc()
	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, cfg.MaxAttempts, lastErr)
}
