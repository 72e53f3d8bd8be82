// Package cache stores warehouse query results and their verification
// metadata in Redis.
//
// The store is a thin adapter: every operation is one round trip, there
// are no retries, and failures come back as *StoreError so callers can
// degrade to uncached results instead of failing a request.
//
// # Keys
//
//   - cache:<fullHash>              static and hourly entries
//   - cache:<fullHash>:<yyyy-mm-dd> daily entries
//   - <cache key>:meta              verification metadata
//
// Metadata is written with the same TTL as its entry, so both expire
// together. Entries of persistent static queries carry no TTL at all.
//
// # Basic Usage
//
//	store := cache.NewStore(redisClient)
//
//	entry, err := store.Get(ctx, "cache:9f86d0...")
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// execute against the warehouse
//	}
//
//	err = store.Set(ctx, &cache.Entry{Key: key, Rows: rows}, time.Hour)
//
// # Metrics
//
//   - qcache_store_hits_total
//   - qcache_store_misses_total
//   - qcache_store_written_bytes_total{kind}
//   - qcache_store_errors_total{operation}
package cache
