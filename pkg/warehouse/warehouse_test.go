package warehouse

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

func TestWrapQueryError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantMsg  string
	}{
		{
			name:     "postgres error keeps sqlstate",
			err:      &pgconn.PgError{Code: "42P01", Message: `relation "nope" does not exist`},
			wantCode: "42P01",
			wantMsg:  "warehouse query failed (42P01): relation \"nope\" does not exist",
		},
		{
			name:    "network error",
			err:     errors.New("connection reset by peer"),
			wantMsg: "warehouse query failed: connection reset by peer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapQueryError(tt.err)

			var qe *QueryError
			if !errors.As(got, &qe) {
				t.Fatalf("wrapQueryError() = %T, want *QueryError", got)
			}
			if qe.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", qe.Code, tt.wantCode)
			}
			if got.Error() != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got.Error(), tt.wantMsg)
			}
			if !errors.Is(got, tt.err) {
				t.Error("wrapped error should unwrap to the original")
			}
		})
	}
}

func TestExecutorFunc(t *testing.T) {
	var seen string
	exec := ExecutorFunc(func(ctx context.Context, sql string) ([]Row, error) {
		seen = sql
		return []Row{{"n": 1}}, nil
	})

	rows, err := exec.Execute(context.Background(), "SELECT 1 AS n")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if seen != "SELECT 1 AS n" || len(rows) != 1 {
		t.Errorf("Execute() = %v (sql %q)", rows, seen)
	}
}

func TestPostgresExecutor_NotConnected(t *testing.T) {
	exec := &PostgresExecutor{logger: zerolog.Nop()}
	if _, err := exec.Execute(context.Background(), "SELECT 1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Execute() error = %v, want ErrNotConnected", err)
	}
}

func TestNewPostgresExecutor_RequiresDSN(t *testing.T) {
	if _, err := NewPostgresExecutor(context.Background(), PostgresConfig{}, zerolog.Nop()); err == nil {
		t.Error("NewPostgresExecutor() without DSN should fail")
	}
}
