package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	warehouseQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcache_warehouse_queries_total",
		Help: "Total warehouse executions by result",
	}, []string{"result"})

	warehouseQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qcache_warehouse_query_duration_seconds",
		Help:    "Warehouse execution duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)

// PostgresConfig configures the warehouse connection pool.
type PostgresConfig struct {
	// DSN is a libpq-style connection string or postgres:// URL.
	DSN string `yaml:"dsn"`

	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

// PostgresExecutor runs queries through a pgx connection pool.
type PostgresExecutor struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresExecutor connects to the warehouse and verifies the connection.
func NewPostgresExecutor(ctx context.Context, cfg PostgresConfig, logger zerolog.Logger) (*PostgresExecutor, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("warehouse dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse warehouse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create warehouse pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}

	return &PostgresExecutor{pool: pool, logger: logger}, nil
}

// Execute runs sql and collects every row, keyed by column name.
func (e *PostgresExecutor) Execute(ctx context.Context, sql string) ([]Row, error) {
	if e.pool == nil {
		return nil, ErrNotConnected
	}

	start := time.Now()
	defer func() {
		warehouseQueryDuration.Observe(time.Since(start).Seconds())
	}()

	rows, err := e.pool.Query(ctx, sql)
	if err != nil {
		warehouseQueriesTotal.WithLabelValues("error").Inc()
		return nil, wrapQueryError(err)
	}

	result, err := collectRows(rows)
	if err != nil {
		warehouseQueriesTotal.WithLabelValues("error").Inc()
		return nil, wrapQueryError(err)
	}

	warehouseQueriesTotal.WithLabelValues("ok").Inc()
	e.logger.Debug().
		Int("row_count", len(result)).
		Dur("duration", time.Since(start)).
		Msg("Warehouse query executed")

	return result, nil
}

// Close releases the connection pool.
func (e *PostgresExecutor) Close() {
	if e.pool != nil {
		e.pool.Close()
	}
}

func collectRows(rows pgx.Rows) ([]Row, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	result := make([]Row, 0)

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(Row, len(fields))
		for i, field := range fields {
			row[field.Name] = values[i]
		}
		result = append(result, row)
	}

	return result, rows.Err()
}

func wrapQueryError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &QueryError{Code: pgErr.Code, Message: pgErr.Message, Err: err}
	}
	return &QueryError{Message: err.Error(), Err: err}
}
