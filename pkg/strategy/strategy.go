// Package strategy classifies the temporal volatility of a query and
// derives its physical cache key and TTL.
package strategy

import (
	"regexp"
	"time"

	"github.com/Sternrassler/warehouse-query-cache/pkg/fingerprint"
)

// Type is the temporal-volatility classification of a query.
type Type string

const (
	// Static queries reference no current date or time.
	Static Type = "static"

	// Daily queries depend on the current date only.
	Daily Type = "daily"

	// Hourly queries depend on the time of day.
	Hourly Type = "hourly"
)

// TTLs per strategy.
const (
	DailyTTL  = 24 * time.Hour
	HourlyTTL = time.Hour

	// StaticFallbackTTL bounds static entries whose query is not persistent.
	StaticFallbackTTL = 24 * time.Hour

	// EmptyResultTTL applies to every empty warehouse result, whatever the strategy.
	EmptyResultTTL = time.Hour
)

// KeyPrefix namespaces cache payload keys.
const KeyPrefix = "cache:"

// DateLayout is the format of the daily key suffix and stats buckets.
const DateLayout = "2006-01-02"

// dateFunctions match calls returning the current date without a
// time-of-day component. Matching is on whole words of normalized SQL so
// identifiers such as snow( or localtime_zone do not count.
var dateFunctions = regexp.MustCompile(`\b(?:current_date|utc_date)\b|\b(?:curdate|today)\s*\(|\bdate\s*\(\s*'now'\s*\)`)

// timeFunctions match calls returning a value that changes within a day.
var timeFunctions = regexp.MustCompile(`\b(?:current_timestamp|current_time|localtimestamp|localtime|sysdate|utc_timestamp|systimestamp)\b|\b(?:now|getdate|getutcdate|sysdatetime)\s*\(`)

// Decision is the outcome of classifying a query.
type Decision struct {
	Type Type

	// TTL is the strategy's TTL. Zero for static queries: the effective
	// TTL depends on persistence, see EffectiveTTL.
	TTL time.Duration

	// KeySuffix is the UTC date for daily queries, empty otherwise.
	KeySuffix string
}

// Classify decides the strategy for sql. now supplies the date for the
// daily key suffix and is converted to UTC.
func Classify(sql string, forceDynamic bool, now time.Time) Decision {
	normalized := fingerprint.Normalize(sql)
	return ClassifyNormalized(normalized, forceDynamic, now)
}

// ClassifyNormalized is Classify for an already normalized statement.
func ClassifyNormalized(normalized string, forceDynamic bool, now time.Time) Decision {
	hasDate := dateFunctions.MatchString(normalized)
	hasTime := timeFunctions.MatchString(normalized)

	switch {
	case forceDynamic || (hasDate && !hasTime):
		return Decision{
			Type:      Daily,
			TTL:       DailyTTL,
			KeySuffix: now.UTC().Format(DateLayout),
		}
	case hasTime:
		return Decision{Type: Hourly, TTL: HourlyTTL}
	default:
		return Decision{Type: Static}
	}
}

// EffectiveTTL returns the TTL to store an entry with. Zero means no expiry,
// which only persistent static queries get.
func (d Decision) EffectiveTTL(persistent bool) time.Duration {
	if d.Type != Static {
		return d.TTL
	}
	if persistent {
		return 0
	}
	return StaticFallbackTTL
}

// Key builds the physical cache key for a fingerprint hash.
//
// Format: cache:<fullHash> or cache:<fullHash>:<yyyy-mm-dd>
func (d Decision) Key(fullHash string) string {
	if d.KeySuffix == "" {
		return KeyPrefix + fullHash
	}
	return KeyPrefix + fullHash + ":" + d.KeySuffix
}
