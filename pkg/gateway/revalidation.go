package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/warehouse-query-cache/pkg/cache"
	"github.com/Sternrassler/warehouse-query-cache/pkg/fingerprint"
	"github.com/Sternrassler/warehouse-query-cache/pkg/revalidate"
	"github.com/Sternrassler/warehouse-query-cache/pkg/strategy"
	"github.com/Sternrassler/warehouse-query-cache/pkg/warehouse"
)

// releaseTimeout bounds the lock release after a job, whose own context
// may already be done.
const releaseTimeout = 5 * time.Second

// startRevalidation takes the lock for a stale entry and queues a refresh.
// It reports whether a job was queued. When another replica holds the lock
// or the queue is full, the caller serves a plain hit.
func (g *Gateway) startRevalidation(ctx context.Context, logger zerolog.Logger, fp fingerprint.Fingerprint, sql string, entry *cache.Entry) bool {
	acquired, err := g.locks.TryAcquire(ctx, entry.Key)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassLock)).Inc()
		logger.Warn().Err(err).Msg("Revalidation lock unavailable")
		return false
	}
	if !acquired {
		logger.Debug().Msg("Revalidation already in progress")
		return false
	}

	job := revalidate.Job{
		CacheKey: entry.Key,
		Run: func(jobCtx context.Context) error {
			return g.revalidate(jobCtx, logger, fp, sql, entry)
		},
	}
	if !g.revalidator.Submit(job) {
		g.releaseLock(logger, entry.Key)
		return false
	}

	logger.Debug().Msg("Revalidation queued")
	return true
}

// revalidate re-executes the query, overwrites the entry when the data
// changed and records the verification. The entry stays permanent only
// while the query is persistent and the result is not empty. The lock is
// always released.
func (g *Gateway) revalidate(ctx context.Context, logger zerolog.Logger, fp fingerprint.Fingerprint, sql string, stale *cache.Entry) (err error) {
	key := stale.Key
	defer g.releaseLock(logger, key)
	defer func() {
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassRevalidation)).Inc()
		}
	}()

	start := time.Now()
	rows, err := g.warehouse.Execute(ctx, sql)
	if err != nil {
		return &RevalidationError{CacheKey: key, Stage: "execute", Err: err}
	}
	if rows == nil {
		rows = []warehouse.Row{}
	}

	hash, err := cache.DataHash(rows)
	if err != nil {
		return &RevalidationError{CacheKey: key, Stage: "hash", Err: err}
	}

	meta, err := g.store.GetMeta(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) && !errors.Is(err, cache.ErrUnsupportedSchema) {
			return &RevalidationError{CacheKey: key, Stage: "load metadata", Err: err}
		}
		meta = &cache.Metadata{SchemaVersion: cache.MetadataVersion}
	}

	ttl := g.revalidatedTTL(ctx, logger, fp, stale.Strategy, len(rows))

	now := g.now().UTC()
	changed := meta.RecordVerification(hash, now)

	// An unchanged payload is rewritten only to give it an expiry.
	if changed || ttl > 0 {
		fresh := &cache.Entry{Key: key, Rows: rows, Strategy: stale.Strategy}
		if err := g.store.Set(ctx, fresh, ttl); err != nil {
			return &RevalidationError{CacheKey: key, Stage: "write entry", Err: err}
		}
	}
	if err := g.store.SetMeta(ctx, key, meta, ttl); err != nil {
		return &RevalidationError{CacheKey: key, Stage: "write metadata", Err: err}
	}

	logger.Info().
		Bool("changed", changed).
		Int("row_count", len(rows)).
		Int("verification_count", meta.VerificationCount).
		Int("data_change_count", meta.DataChangeCount).
		Dur("ttl", ttl).
		Dur("duration", time.Since(start)).
		Msg("Revalidation complete")
	return nil
}

// revalidatedTTL is the TTL a refreshed entry is written back with.
func (g *Gateway) revalidatedTTL(ctx context.Context, logger zerolog.Logger, fp fingerprint.Fingerprint, typ strategy.Type, rowCount int) time.Duration {
	if rowCount == 0 {
		return strategy.EmptyResultTTL
	}
	switch typ {
	case strategy.Daily:
		return strategy.DailyTTL
	case strategy.Hourly:
		return strategy.HourlyTTL
	}

	persistent, err := g.scoring.IsPersistent(ctx, fp.FullHash)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassScoring)).Inc()
		logger.Warn().Err(err).Msg("Persistence lookup failed, using fallback TTL")
	}
	return strategy.Decision{Type: strategy.Static}.EffectiveTTL(persistent)
}

func (g *Gateway) releaseLock(logger zerolog.Logger, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := g.locks.Release(ctx, key); err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassLock)).Inc()
		logger.Warn().Err(err).Msg("Revalidation lock release failed")
	}
}
