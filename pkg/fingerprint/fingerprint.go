// Package fingerprint derives a stable identity for SQL queries.
//
// Two SQL strings that differ only in whitespace, comments, casing, the
// spelling of zero-argument temporal calls or the magnitude of an interval
// literal produce the same fingerprint. The full hash is used for cache keys
// and statistics; the short hash is for logs only.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ShortHashLen is the number of hex characters in a short hash.
const ShortHashLen = 8

// DefaultMemoSize is the default number of normalized statements memoized per process.
const DefaultMemoSize = 4096

// IntervalPlaceholder replaces the numeric literal following INTERVAL.
const IntervalPlaceholder = "?"

var (
	lineComment  = regexp.MustCompile(`--[^\n]*`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	whitespace   = regexp.MustCompile(`\s+`)

	currentDateCall      = regexp.MustCompile(`current_date\s*\(\s*\)`)
	currentTimestampCall = regexp.MustCompile(`current_timestamp\s*\(\s*\)`)
	nowCall              = regexp.MustCompile(`\bnow\s*\(\s*\)`)

	intervalLiteral = regexp.MustCompile(`(\binterval\s*'?\s*)\d+(?:\.\d+)?`)
)

// Fingerprint identifies a normalized query, optionally scoped to a caller.
type Fingerprint struct {
	// FullHash is the hex SHA-256 of the normalized SQL (and caller scope).
	FullHash string `json:"full_hash"`

	// ShortHash is the first 8 characters of FullHash. Never use it as a key.
	ShortHash string `json:"short_hash"`

	// NormalizedSQL is the canonical form that was hashed.
	NormalizedSQL string `json:"normalized_sql"`

	// CallerScope isolates cache entries per caller when non-empty.
	CallerScope string `json:"caller_scope,omitempty"`
}

// Normalize canonicalizes SQL text. It never fails: malformed SQL still
// normalizes deterministically.
//
// Comments are removed before whitespace is collapsed so that a line
// comment cannot swallow the statement that follows it.
func Normalize(sql string) string {
	s := blockComment.ReplaceAllString(sql, " ")
	s = lineComment.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	s = whitespace.ReplaceAllString(s, " ")
	s = strings.ToLower(s)

	s = currentDateCall.ReplaceAllString(s, "current_date()")
	s = currentTimestampCall.ReplaceAllString(s, "current_timestamp()")
	s = nowCall.ReplaceAllString(s, "now()")

	s = intervalLiteral.ReplaceAllString(s, "${1}"+IntervalPlaceholder)
	return s
}

// Hash returns the hex SHA-256 identity of a normalized statement.
func Hash(normalized, callerScope string) string {
	h := sha256.New()
	h.Write([]byte(normalized))
	if callerScope != "" {
		h.Write([]byte{0})
		h.Write([]byte("scope:"))
		h.Write([]byte(callerScope))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprinter computes fingerprints, memoizing normalization results.
// The memo only caches a pure function, so it is safe to keep per process.
type Fingerprinter struct {
	memo *lru.Cache[string, string]
}

// New creates a Fingerprinter with a normalization memo of the given size.
// A size <= 0 uses DefaultMemoSize.
func New(memoSize int) *Fingerprinter {
	if memoSize <= 0 {
		memoSize = DefaultMemoSize
	}
	memo, err := lru.New[string, string](memoSize)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(err)
	}
	return &Fingerprinter{memo: memo}
}

// Normalize returns the memoized normalized form of sql.
func (f *Fingerprinter) Normalize(sql string) string {
	if f == nil || f.memo == nil {
		return Normalize(sql)
	}
	if normalized, ok := f.memo.Get(sql); ok {
		return normalized
	}
	normalized := Normalize(sql)
	f.memo.Add(sql, normalized)
	return normalized
}

// Fingerprint derives the identity of sql for the optional caller scope.
func (f *Fingerprinter) Fingerprint(sql, callerScope string) Fingerprint {
	normalized := f.Normalize(sql)
	full := Hash(normalized, callerScope)
	return Fingerprint{
		FullHash:      full,
		ShortHash:     full[:ShortHashLen],
		NormalizedSQL: normalized,
		CallerScope:   callerScope,
	}
}

// Of is a convenience for one-off fingerprints without a memo.
func Of(sql, callerScope string) Fingerprint {
	var f *Fingerprinter
	return f.Fingerprint(sql, callerScope)
}
