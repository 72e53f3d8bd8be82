// Package testutil provides testing utilities for the query-cache gateway.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/warehouse-query-cache/pkg/warehouse"
)

// MockResult defines the behavior of the mock warehouse for one statement.
type MockResult struct {
	Rows  []warehouse.Row
	Err   error
	Delay time.Duration
}

// MockWarehouse is a configurable in-process warehouse for testing.
// Results are matched on the trimmed SQL text.
type MockWarehouse struct {
	mu       sync.RWMutex
	results  map[string]MockResult
	fallback MockResult

	// Tracking
	ExecCount int
	Executed  []string
}

// NewMockWarehouse creates a mock warehouse that returns no rows by default.
func NewMockWarehouse() *MockWarehouse {
	return &MockWarehouse{
		results:  make(map[string]MockResult),
		fallback: MockResult{Rows: []warehouse.Row{}},
	}
}

// Execute implements warehouse.Executor.
func (m *MockWarehouse) Execute(ctx context.Context, sql string) ([]warehouse.Row, error) {
	m.mu.Lock()
	m.ExecCount++
	m.Executed = append(m.Executed, sql)
	res, ok := m.results[strings.TrimSpace(sql)]
	if !ok {
		res = m.fallback
	}
	m.mu.Unlock()

	if res.Delay > 0 {
		select {
		case <-time.After(res.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if res.Err != nil {
		return nil, res.Err
	}
	return cloneRows(res.Rows), nil
}

// SetResult configures the result for a statement.
func (m *MockWarehouse) SetResult(sql string, res MockResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[strings.TrimSpace(sql)] = res
}

// SetRows configures rows for a statement.
func (m *MockWarehouse) SetRows(sql string, rows []warehouse.Row) {
	m.SetResult(sql, MockResult{Rows: rows})
}

// SetFallback configures the result for statements without a result.
func (m *MockWarehouse) SetFallback(res MockResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = res
}

// GetExecCount returns the number of executions.
func (m *MockWarehouse) GetExecCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ExecCount
}

// Reset clears all tracking counters.
func (m *MockWarehouse) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExecCount = 0
	m.Executed = nil
}

// NewRows builds n rows of the form {"id": i, "value": i*10}.
// Numbers are float64 so they survive a JSON round trip unchanged.
func NewRows(n int) []warehouse.Row {
	rows := make([]warehouse.Row, n)
	for i := 0; i < n; i++ {
		rows[i] = warehouse.Row{"id": float64(i + 1), "value": float64((i + 1) * 10)}
	}
	return rows
}

func cloneRows(rows []warehouse.Row) []warehouse.Row {
	if rows == nil {
		return []warehouse.Row{}
	}
	out := make([]warehouse.Row, len(rows))
	for i, r := range rows {
		c := make(warehouse.Row, len(r))
		for k, v := range r {
			c[k] = v
		}
		out[i] = c
	}
	return out
}
