package cache

// MetaSuffix is appended to a cache key to address its metadata record.
const MetaSuffix = ":meta"

// MetaKey returns the metadata key for a cache key.
//
// Example:
//
//	cache:9f86d0...:2026-03-14 -> cache:9f86d0...:2026-03-14:meta
func MetaKey(cacheKey string) string {
	return cacheKey + MetaSuffix
}
