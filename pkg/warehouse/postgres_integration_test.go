//go:build integration

package warehouse

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a Postgres container standing in for the warehouse.
func setupPostgres(t *testing.T) (*PostgresExecutor, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "warehouse",
			"POSTGRES_PASSWORD": "warehouse",
			"POSTGRES_DB":       "analytics",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://warehouse:warehouse@%s:%s/analytics?sslmode=disable", host, port.Port())
	exec, err := NewPostgresExecutor(ctx, PostgresConfig{DSN: dsn, MaxConns: 4}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to connect to warehouse: %v", err)
	}

	cleanup := func() {
		exec.Close()
		container.Terminate(ctx)
	}

	return exec, cleanup
}

func TestPostgresExecutor_Integration_Execute(t *testing.T) {
	exec, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := exec.Execute(ctx, "CREATE TABLE orders (id int, region text)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := exec.Execute(ctx, "INSERT INTO orders VALUES (1, 'eu'), (2, 'us'), (3, 'eu')"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := exec.Execute(ctx, "SELECT region, COUNT(*) AS n FROM orders GROUP BY region ORDER BY region")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0]["region"] != "eu" || rows[0]["n"] != int64(2) {
		t.Errorf("rows[0] = %v, want region=eu n=2", rows[0])
	}

	empty, err := exec.Execute(ctx, "SELECT * FROM orders WHERE id < 0")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("empty result = %v, want non-nil empty slice", empty)
	}
}

func TestPostgresExecutor_Integration_QueryError(t *testing.T) {
	exec, cleanup := setupPostgres(t)
	defer cleanup()

	_, err := exec.Execute(context.Background(), "SELECT * FROM missing_table")
	var qe *QueryError
	if !errors.As(err, &qe) {
		t.Fatalf("Execute() error = %v, want *QueryError", err)
	}
	if qe.Code != "42P01" {
		t.Errorf("Code = %q, want 42P01", qe.Code)
	}
}
