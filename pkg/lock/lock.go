// Package lock implements the distributed revalidation lock.
//
// The lock is a Redis key set with SET NX EX, so mutual exclusion holds
// across every gateway replica that shares the Redis instance. The key
// expires on its own, so a crashed holder blocks revalidation for at most
// one lock TTL.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// KeyPrefix namespaces revalidation locks.
const KeyPrefix = "lock:revalidate:"

// DefaultTTL is how long a lock survives a holder that never releases it.
const DefaultTTL = 5 * time.Minute

var (
	lockAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcache_revalidation_lock_acquisitions_total",
		Help: "Revalidation lock acquisition attempts by result",
	}, []string{"result"}) // "acquired", "contended", "error"
)

// Manager acquires and releases revalidation locks.
type Manager struct {
	redis  redis.Cmdable
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates a lock manager. A ttl <= 0 uses DefaultTTL.
func NewManager(client redis.Cmdable, ttl time.Duration, logger zerolog.Logger) *Manager {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		redis:  client,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Key returns the lock key for a cache key.
func Key(cacheKey string) string {
	return KeyPrefix + cacheKey
}

// TTL returns the lock expiry window.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// TryAcquire takes the lock for cacheKey. It returns true iff this call
// created the lock key; false means another holder is revalidating.
// The stored value is the acquisition time and only serves observability.
func (m *Manager) TryAcquire(ctx context.Context, cacheKey string) (bool, error) {
	key := Key(cacheKey)
	stamp := m.now().UTC().Format(time.RFC3339Nano)

	ok, err := m.redis.SetNX(ctx, key, stamp, m.ttl).Result()
	if err != nil {
		lockAcquisitionsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("acquire revalidation lock %s: %w", key, err)
	}

	if !ok {
		lockAcquisitionsTotal.WithLabelValues("contended").Inc()
		m.logger.Debug().Str("cache_key", cacheKey).Msg("Revalidation lock held elsewhere")
		return false, nil
	}

	lockAcquisitionsTotal.WithLabelValues("acquired").Inc()
	m.logger.Debug().
		Str("cache_key", cacheKey).
		Dur("ttl", m.ttl).
		Msg("Revalidation lock acquired")
	return true, nil
}

// Release deletes the lock for cacheKey unconditionally.
func (m *Manager) Release(ctx context.Context, cacheKey string) error {
	key := Key(cacheKey)
	if err := m.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release revalidation lock %s: %w", key, err)
	}
	m.logger.Debug().Str("cache_key", cacheKey).Msg("Revalidation lock released")
	return nil
}

// AcquiredAt returns when the current holder took the lock, or false if
// the lock is free.
func (m *Manager) AcquiredAt(ctx context.Context, cacheKey string) (time.Time, bool, error) {
	val, err := m.redis.Get(ctx, Key(cacheKey)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read revalidation lock: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, true, fmt.Errorf("parse revalidation lock value: %w", err)
	}
	return at, true, nil
}
