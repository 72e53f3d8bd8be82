package gateway

import (
	"errors"
	"fmt"
)

// Common errors returned by the gateway.
var (
	// ErrRetryExhausted is returned when all cache write attempts failed.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context ends during retry backoff.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass classifies gateway failures for metrics and logs.
type ErrorClass string

const (
	// ErrorClassValidation is a rejected request. Client-visible.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassWarehouse is a failed warehouse execution. Client-visible.
	ErrorClassWarehouse ErrorClass = "warehouse"

	// ErrorClassCache is a failed cache read or write. Swallowed.
	ErrorClassCache ErrorClass = "cache"

	// ErrorClassScoring is a failed stats update. Swallowed.
	ErrorClassScoring ErrorClass = "scoring"

	// ErrorClassLock is a failed lock round trip. Swallowed.
	ErrorClassLock ErrorClass = "lock"

	// ErrorClassRevalidation is a failed background refresh. Swallowed.
	ErrorClassRevalidation ErrorClass = "revalidation"
)

// ValidationError is a request rejected before any cache or warehouse work.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
}

// WarehouseError is a warehouse failure on the miss path. It is returned to
// the caller and never cached.
type WarehouseError struct {
	Fingerprint string
	Err         error
}

// Error implements the error interface.
func (e *WarehouseError) Error() string {
	return fmt.Sprintf("warehouse execution failed for %s: %v", e.Fingerprint, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *WarehouseError) Unwrap() error {
	return e.Err
}

// RevalidationError is a failed background refresh of a cache entry.
type RevalidationError struct {
	CacheKey string
	Stage    string
	Err      error
}

// Error implements the error interface.
func (e *RevalidationError) Error() string {
	return fmt.Sprintf("revalidate %s: %s: %v", e.CacheKey, e.Stage, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RevalidationError) Unwrap() error {
	return e.Err
}

// IsClientError reports whether err should be shown to the caller.
func IsClientError(err error) bool {
	var ve *ValidationError
	var we *WarehouseError
	return errors.As(err, &ve) || errors.As(err, &we)
}
