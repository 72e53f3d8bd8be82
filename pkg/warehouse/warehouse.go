// Package warehouse executes SQL against the analytical data warehouse.
//
// The gateway only depends on the Executor interface. PostgresExecutor
// implements it for warehouses that speak the Postgres wire protocol.
package warehouse

import (
	"context"
	"errors"
	"fmt"
)

// Row is one result record keyed by column name.
type Row map[string]any

// Executor runs arbitrary SQL and returns the full row set.
type Executor interface {
	Execute(ctx context.Context, sql string) ([]Row, error)
}

// ErrNotConnected is returned when the executor has no open pool.
var ErrNotConnected = errors.New("warehouse not connected")

// QueryError is a failed warehouse execution.
type QueryError struct {
	// Code is the SQLSTATE when the warehouse reported one.
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("warehouse query failed (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("warehouse query failed: %s", e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *QueryError) Unwrap() error {
	return e.Err
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, sql string) ([]Row, error)

// Execute calls f(ctx, sql).
func (f ExecutorFunc) Execute(ctx context.Context, sql string) ([]Row, error) {
	return f(ctx, sql)
}
