package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NoExpiry is returned by TTL for keys stored without an expiration.
const NoExpiry time.Duration = -1

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrUnsupportedSchema indicates a stored record has an unknown schema version.
	ErrUnsupportedSchema = errors.New("unsupported schema version")
)

// StoreError is a failed cache store operation.
type StoreError struct {
	Op  string
	Key string
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Store reads and writes cache payloads and their metadata in Redis.
// Every operation is a single round trip; retries are the caller's concern.
type Store struct {
	redis redis.Cmdable
}

// NewStore creates a cache store backed by the given Redis client.
func NewStore(client redis.Cmdable) *Store {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &Store{redis: client}
}

// Get retrieves the entry stored at key.
// Returns ErrCacheMiss if the key doesn't exist.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, &StoreError{Op: "get", Key: key, Err: err}
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, &StoreError{Op: "get", Key: key, Err: fmt.Errorf("%w: %v", ErrInvalidEntry, err)}
	}
	if entry.Key == "" {
		entry.Key = key
	}

	CacheHits.Inc()
	return &entry, nil
}

// Set stores entry at entry.Key. A ttl of zero stores a permanent entry.
func (s *Store) Set(ctx context.Context, entry *Entry, ttl time.Duration) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if entry.Key == "" {
		return fmt.Errorf("cache entry key cannot be empty")
	}
	if ttl < 0 {
		return fmt.Errorf("negative ttl %v", ttl)
	}

	stored := *entry
	stored.TTLSeconds = nil
	if ttl > 0 {
		secs := int64(ttl / time.Second)
		stored.TTLSeconds = &secs
	}
	if stored.CachedAt.IsZero() {
		stored.CachedAt = time.Now().UTC()
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return &StoreError{Op: "set", Key: entry.Key, Err: fmt.Errorf("marshal cache entry: %w", err)}
	}

	if err := s.redis.Set(ctx, entry.Key, data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return &StoreError{Op: "set", Key: entry.Key, Err: err}
	}

	BytesWritten.WithLabelValues("payload").Add(float64(len(data)))
	entry.TTLSeconds = stored.TTLSeconds
	entry.CachedAt = stored.CachedAt
	return nil
}

// TTL returns the remaining lifetime of key, NoExpiry for permanent keys,
// or ErrCacheMiss when the key does not exist.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.redis.TTL(ctx, key).Result()
	if err != nil {
		CacheErrors.WithLabelValues("ttl").Inc()
		return 0, &StoreError{Op: "ttl", Key: key, Err: err}
	}

	// go-redis reports the raw -1 / -2 replies as nanosecond durations.
	switch ttl {
	case -2:
		return 0, ErrCacheMiss
	case -1:
		return NoExpiry, nil
	}
	return ttl, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return &StoreError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// GetMeta retrieves the metadata record of a cache key.
func (s *Store) GetMeta(ctx context.Context, cacheKey string) (*Metadata, error) {
	key := MetaKey(cacheKey)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, &StoreError{Op: "get", Key: key, Err: err}
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, &StoreError{Op: "get", Key: key, Err: fmt.Errorf("%w: %v", ErrInvalidEntry, err)}
	}
	if meta.SchemaVersion != MetadataVersion {
		return nil, &StoreError{Op: "get", Key: key, Err: fmt.Errorf("%w: %d", ErrUnsupportedSchema, meta.SchemaVersion)}
	}

	return &meta, nil
}

// SetMeta stores the metadata record of a cache key with the same TTL
// semantics as Set.
func (s *Store) SetMeta(ctx context.Context, cacheKey string, meta *Metadata, ttl time.Duration) error {
	key := MetaKey(cacheKey)
	if meta == nil {
		return fmt.Errorf("cache metadata cannot be nil")
	}
	if ttl < 0 {
		return fmt.Errorf("negative ttl %v", ttl)
	}
	if meta.DataChangeCount > meta.VerificationCount {
		return fmt.Errorf("data change count %d exceeds verification count %d", meta.DataChangeCount, meta.VerificationCount)
	}

	stored := *meta
	stored.SchemaVersion = MetadataVersion

	data, err := json.Marshal(&stored)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return &StoreError{Op: "set", Key: key, Err: fmt.Errorf("marshal metadata: %w", err)}
	}

	if err := s.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return &StoreError{Op: "set", Key: key, Err: err}
	}

	BytesWritten.WithLabelValues("meta").Add(float64(len(data)))
	return nil
}

// MetaTTL is TTL for the metadata record of a cache key.
func (s *Store) MetaTTL(ctx context.Context, cacheKey string) (time.Duration, error) {
	return s.TTL(ctx, MetaKey(cacheKey))
}

// DeleteMeta removes the metadata record of a cache key.
func (s *Store) DeleteMeta(ctx context.Context, cacheKey string) error {
	return s.Delete(ctx, MetaKey(cacheKey))
}
