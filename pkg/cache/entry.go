package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Sternrassler/warehouse-query-cache/pkg/strategy"
	"github.com/Sternrassler/warehouse-query-cache/pkg/warehouse"
)

// MetadataVersion is the current schema version of Metadata records.
const MetadataVersion = 1

// Entry is a cached warehouse result.
type Entry struct {
	// Key is the physical cache key (cache:<hash>[:<date>]).
	Key string `json:"key"`

	// Rows is the result payload in warehouse order.
	Rows []warehouse.Row `json:"rows"`

	// Strategy is the classification the entry was written under.
	Strategy strategy.Type `json:"strategy"`

	// TTLSeconds is the TTL the entry was written with, nil when permanent.
	TTLSeconds *int64 `json:"ttl_seconds,omitempty"`

	// CachedAt is when the entry was written.
	CachedAt time.Time `json:"cached_at"`
}

// IsPermanent reports whether the entry was written without a TTL.
func (e *Entry) IsPermanent() bool {
	return e.TTLSeconds == nil
}

// Metadata tracks verification history of a cache entry.
type Metadata struct {
	SchemaVersion int `json:"v"`

	// LastVerified is when the payload was last written or revalidated.
	LastVerified time.Time `json:"last_verified"`

	// DataHash is the content hash of the last known payload.
	DataHash string `json:"data_hash"`

	// VerificationCount counts revalidations.
	VerificationCount int `json:"verification_count"`

	// LastDataChange is when a revalidation last found different data.
	LastDataChange *time.Time `json:"last_data_change,omitempty"`

	// DataChangeCount counts revalidations that found different data.
	// Never exceeds VerificationCount.
	DataChangeCount int `json:"data_change_count"`
}

// NewMetadata returns the metadata for a freshly written payload.
func NewMetadata(dataHash string, now time.Time) *Metadata {
	return &Metadata{
		SchemaVersion: MetadataVersion,
		LastVerified:  now,
		DataHash:      dataHash,
	}
}

// Age returns how long ago the payload was last verified.
func (m *Metadata) Age(now time.Time) time.Duration {
	return now.Sub(m.LastVerified)
}

// RecordVerification applies a revalidation result and reports whether
// the data changed.
func (m *Metadata) RecordVerification(freshHash string, now time.Time) bool {
	changed := freshHash != m.DataHash
	m.VerificationCount++
	m.LastVerified = now
	if changed {
		m.DataChangeCount++
		m.DataHash = freshHash
		t := now
		m.LastDataChange = &t
	}
	return changed
}

// DataHash returns the content hash of a row payload.
// encoding/json sorts map keys, so equal rows hash equally.
func DataHash(rows []warehouse.Row) (string, error) {
	data, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("marshal rows: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
