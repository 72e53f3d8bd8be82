// Package gateway is the request-level orchestrator of the query cache.
//
// A request is fingerprinted, classified and looked up in the cache. A hit
// is served as is; a hit on a persistent entry whose metadata has gone
// stale is served and revalidated in the background by whichever replica
// wins the revalidation lock. A miss runs the query on the warehouse,
// writes the result back and responds. Every path ends with a usage record
// for the scoring engine.
//
// Only validation and warehouse errors reach the caller. Cache, lock,
// scoring and revalidation failures are logged and degrade to serving
// uncached or stale data.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/warehouse-query-cache/pkg/cache"
	"github.com/Sternrassler/warehouse-query-cache/pkg/fingerprint"
	"github.com/Sternrassler/warehouse-query-cache/pkg/logging"
	"github.com/Sternrassler/warehouse-query-cache/pkg/revalidate"
	"github.com/Sternrassler/warehouse-query-cache/pkg/scoring"
	"github.com/Sternrassler/warehouse-query-cache/pkg/strategy"
	"github.com/Sternrassler/warehouse-query-cache/pkg/warehouse"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcache_requests_total",
		Help: "Gateway requests by cache status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qcache_request_duration_seconds",
		Help:    "Gateway request duration by cache status",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"status"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcache_errors_total",
		Help: "Gateway errors by class",
	}, []string{"class"})

	coalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qcache_coalesced_misses_total",
		Help: "Misses served by a warehouse execution started for another request",
	})
)

// Status is the cache status reported to the caller.
type Status string

const (
	StatusHit             Status = "HIT"
	StatusMiss            Status = "MISS"
	StatusHitRevalidating Status = "HIT-REVALIDATING"
)

// Request is a query submitted by a dashboard client.
type Request struct {
	SQL string

	// UserID scopes the cache entry to one caller when set.
	UserID string

	// ForceDynamic forces daily partitioning regardless of the SQL.
	ForceDynamic bool
}

// Response is the served result with its cache metadata.
type Response struct {
	Rows        []warehouse.Row
	Status      Status
	Strategy    strategy.Type
	Fingerprint string
	CacheKey    string
	Persistent  bool

	// RowCount and Duration describe the warehouse execution. Set on MISS only.
	RowCount int
	Duration time.Duration
}

// CacheStore is the subset of cache.Store the gateway uses.
type CacheStore interface {
	Get(ctx context.Context, key string) (*cache.Entry, error)
	Set(ctx context.Context, entry *cache.Entry, ttl time.Duration) error
	GetMeta(ctx context.Context, cacheKey string) (*cache.Metadata, error)
	SetMeta(ctx context.Context, cacheKey string, meta *cache.Metadata, ttl time.Duration) error
}

// Locker is the revalidation lock.
type Locker interface {
	TryAcquire(ctx context.Context, cacheKey string) (bool, error)
	Release(ctx context.Context, cacheKey string) error
	TTL() time.Duration
}

// UsageRecorder is the scoring engine.
type UsageRecorder interface {
	Record(ctx context.Context, ev scoring.Event) (*scoring.QueryStats, error)
	IsPersistent(ctx context.Context, fullHash string) (bool, error)
}

// Submitter queues background revalidation jobs without blocking.
type Submitter interface {
	Submit(job revalidate.Job) bool
}

// Config holds gateway behaviour settings.
type Config struct {
	// StaleAfter is the age of a persistent entry's last verification at
	// which a hit triggers revalidation.
	StaleAfter time.Duration `yaml:"stale_after"`

	// MaxSQLBytes rejects larger statements. Zero disables the check.
	MaxSQLBytes int `yaml:"max_sql_bytes"`

	// FingerprintMemo is the size of the normalization memo.
	FingerprintMemo int `yaml:"fingerprint_memo"`

	// Revalidation configures the worker pool the gateway creates when no
	// Submitter is supplied. Its timeout defaults to the lock TTL.
	Revalidation revalidate.Config `yaml:"revalidation"`

	// Retry bounds cache write retries.
	Retry RetryConfig `yaml:"retry"`
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		StaleAfter:      7 * 24 * time.Hour,
		MaxSQLBytes:     1 << 20,
		FingerprintMemo: fingerprint.DefaultMemoSize,
		Revalidation: revalidate.Config{
			Workers:   revalidate.DefaultConfig().Workers,
			QueueSize: revalidate.DefaultConfig().QueueSize,
		},
		Retry: DefaultRetryConfig(),
	}
}

// Deps are the collaborators of a Gateway.
type Deps struct {
	Store     CacheStore
	Locks     Locker
	Scoring   UsageRecorder
	Warehouse warehouse.Executor

	// Revalidator is optional. When nil the gateway runs its own pool and
	// shuts it down in Close.
	Revalidator Submitter

	// Logger is optional and defaults to the "gateway" component logger.
	Logger *zerolog.Logger
}

// Gateway serves queries from cache or the warehouse.
type Gateway struct {
	store     CacheStore
	locks     Locker
	scoring   UsageRecorder
	warehouse warehouse.Executor

	revalidator Submitter
	ownPool     *revalidate.Pool

	fingerprinter *fingerprint.Fingerprinter
	inflight      singleflight.Group

	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a gateway.
func New(deps Deps, cfg Config) (*Gateway, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if deps.Locks == nil {
		return nil, fmt.Errorf("lock manager is required")
	}
	if deps.Scoring == nil {
		return nil, fmt.Errorf("scoring engine is required")
	}
	if deps.Warehouse == nil {
		return nil, fmt.Errorf("warehouse executor is required")
	}
	if cfg.StaleAfter <= 0 {
		return nil, fmt.Errorf("stale_after must be > 0 (got %v)", cfg.StaleAfter)
	}

	logger := logging.NewLogger("gateway")
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	g := &Gateway{
		store:         deps.Store,
		locks:         deps.Locks,
		scoring:       deps.Scoring,
		warehouse:     deps.Warehouse,
		revalidator:   deps.Revalidator,
		fingerprinter: fingerprint.New(cfg.FingerprintMemo),
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}

	if g.revalidator == nil {
		poolCfg := cfg.Revalidation
		if poolCfg.Timeout <= 0 {
			poolCfg.Timeout = deps.Locks.TTL()
		}
		g.ownPool = revalidate.NewPool(poolCfg, logger.With().Str("component", "revalidate").Logger())
		g.revalidator = g.ownPool
	}

	return g, nil
}

// SetClock overrides the time source (for testing).
func (g *Gateway) SetClock(now func() time.Time) {
	g.now = now
}

// Close waits for queued revalidations when the gateway owns its pool.
func (g *Gateway) Close() {
	if g.ownPool != nil {
		g.ownPool.Close()
	}
}

// Handle serves one request.
func (g *Gateway) Handle(ctx context.Context, req Request) (*Response, error) {
	start := g.now()

	if err := g.validate(req); err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassValidation)).Inc()
		return nil, err
	}

	fp := g.fingerprinter.Fingerprint(req.SQL, req.UserID)
	decision := strategy.ClassifyNormalized(fp.NormalizedSQL, req.ForceDynamic, start)
	key := decision.Key(fp.FullHash)

	logger := g.logger.With().
		Str("fingerprint", fp.ShortHash).
		Str("cache_key", key).
		Str("strategy", string(decision.Type)).
		Logger()
	if id := RequestIDFromContext(ctx); id != "" {
		logger = logger.With().Str("request_id", id).Logger()
	}

	entry, err := g.store.Get(ctx, key)
	switch {
	case err == nil:
		return g.serveHit(ctx, logger, req, fp, decision, entry, start)
	case !errors.Is(err, cache.ErrCacheMiss):
		errorsTotal.WithLabelValues(string(ErrorClassCache)).Inc()
		logger.Warn().Err(err).Msg("Cache read failed, falling back to warehouse")
	}

	return g.serveMiss(ctx, logger, req, fp, decision, key, start)
}

func (g *Gateway) validate(req Request) error {
	if strings.TrimSpace(req.SQL) == "" {
		return &ValidationError{Field: "sql", Message: "must not be empty"}
	}
	if g.cfg.MaxSQLBytes > 0 && len(req.SQL) > g.cfg.MaxSQLBytes {
		return &ValidationError{Field: "sql", Message: fmt.Sprintf("exceeds %d bytes", g.cfg.MaxSQLBytes)}
	}
	return nil
}

func (g *Gateway) serveHit(ctx context.Context, logger zerolog.Logger, req Request, fp fingerprint.Fingerprint, decision strategy.Decision, entry *cache.Entry, start time.Time) (*Response, error) {
	status := StatusHit
	if entry.IsPermanent() && g.isStale(ctx, logger, entry.Key) && g.startRevalidation(ctx, logger, fp, req.SQL, entry) {
		status = StatusHitRevalidating
	}

	outcome := scoring.OutcomeHit
	if status == StatusHitRevalidating {
		outcome = scoring.OutcomeRevalidated
	}
	g.record(ctx, logger, fp, req.SQL, outcome, 0, len(entry.Rows))

	strat := entry.Strategy
	if strat == "" {
		strat = decision.Type
	}

	g.observe(status, start)
	logger.Debug().
		Str("status", string(status)).
		Int("row_count", len(entry.Rows)).
		Bool("persistent", entry.IsPermanent()).
		Msg("Served from cache")

	return &Response{
		Rows:        entry.Rows,
		Status:      status,
		Strategy:    strat,
		Fingerprint: fp.FullHash,
		CacheKey:    entry.Key,
		Persistent:  entry.IsPermanent(),
	}, nil
}

// isStale reports whether a persistent entry is due for revalidation.
// An entry without readable metadata has never been verified and is stale.
func (g *Gateway) isStale(ctx context.Context, logger zerolog.Logger, key string) bool {
	meta, err := g.store.GetMeta(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			errorsTotal.WithLabelValues(string(ErrorClassCache)).Inc()
			logger.Warn().Err(err).Msg("Cache metadata read failed, treating entry as stale")
		}
		return true
	}
	return meta.Age(g.now()) >= g.cfg.StaleAfter
}

type missResult struct {
	rows       []warehouse.Row
	duration   time.Duration
	persistent bool
}

func (g *Gateway) serveMiss(ctx context.Context, logger zerolog.Logger, req Request, fp fingerprint.Fingerprint, decision strategy.Decision, key string, start time.Time) (*Response, error) {
	// Concurrent misses on one key share a single warehouse execution. The
	// execution is detached so one caller going away does not fail the rest.
	detached := context.WithoutCancel(ctx)
	ch := g.inflight.DoChan(key, func() (any, error) {
		return g.executeAndStore(detached, logger, req.SQL, fp, decision, key)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if res.Err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassWarehouse)).Inc()
		g.observe("ERROR", start)
		return nil, res.Err
	}
	if res.Shared {
		coalescedTotal.Inc()
	}

	mr := res.Val.(*missResult)
	g.record(ctx, logger, fp, req.SQL, scoring.OutcomeMiss, mr.duration, len(mr.rows))
	g.observe(StatusMiss, start)

	return &Response{
		Rows:        mr.rows,
		Status:      StatusMiss,
		Strategy:    decision.Type,
		Fingerprint: fp.FullHash,
		CacheKey:    key,
		Persistent:  mr.persistent,
		RowCount:    len(mr.rows),
		Duration:    mr.duration,
	}, nil
}

func (g *Gateway) executeAndStore(ctx context.Context, logger zerolog.Logger, sql string, fp fingerprint.Fingerprint, decision strategy.Decision, key string) (*missResult, error) {
	execStart := time.Now()
	rows, err := g.warehouse.Execute(ctx, sql)
	elapsed := time.Since(execStart)
	if err != nil {
		logger.Error().
			Err(err).
			Dur("duration", elapsed).
			Msg("Warehouse execution failed")
		return nil, &WarehouseError{Fingerprint: fp.ShortHash, Err: err}
	}
	if rows == nil {
		rows = []warehouse.Row{}
	}

	persistent := false
	if decision.Type == strategy.Static {
		p, err := g.scoring.IsPersistent(ctx, fp.FullHash)
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassScoring)).Inc()
			logger.Warn().Err(err).Msg("Persistence lookup failed, using fallback TTL")
		}
		persistent = p
	}

	ttl := decision.EffectiveTTL(persistent)
	if len(rows) == 0 {
		ttl = strategy.EmptyResultTTL
		persistent = false
	}

	logger.Debug().
		Int("row_count", len(rows)).
		Dur("duration", elapsed).
		Dur("ttl", ttl).
		Msg("Warehouse execution complete")

	g.writeCache(ctx, logger, &cache.Entry{Key: key, Rows: rows, Strategy: decision.Type}, ttl)

	return &missResult{rows: rows, duration: elapsed, persistent: persistent}, nil
}

// writeCache stores a payload and fresh metadata with the same TTL.
// Failures are logged and swallowed.
func (g *Gateway) writeCache(ctx context.Context, logger zerolog.Logger, entry *cache.Entry, ttl time.Duration) {
	hash, err := cache.DataHash(entry.Rows)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassCache)).Inc()
		logger.Warn().Err(err).Msg("Result not cacheable")
		return
	}

	err = retryWithBackoff(ctx, g.cfg.Retry, "set", logger, func() error {
		return g.store.Set(ctx, entry, ttl)
	})
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassCache)).Inc()
		logger.Warn().Err(err).Msg("Cache write failed, serving uncached result")
		return
	}

	meta := cache.NewMetadata(hash, g.now().UTC())
	err = retryWithBackoff(ctx, g.cfg.Retry, "set_meta", logger, func() error {
		return g.store.SetMeta(ctx, entry.Key, meta, ttl)
	})
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassCache)).Inc()
		logger.Warn().Err(err).Msg("Cache metadata write failed")
	}
}

// record logs the outcome with the scoring engine. Failures are swallowed.
func (g *Gateway) record(ctx context.Context, logger zerolog.Logger, fp fingerprint.Fingerprint, sql string, outcome scoring.Outcome, duration time.Duration, rowCount int) {
	_, err := g.scoring.Record(ctx, scoring.Event{
		Fingerprint: fp,
		SQL:         sql,
		Outcome:     outcome,
		Duration:    duration,
		RowCount:    rowCount,
	})
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassScoring)).Inc()
		logger.Warn().Err(err).Str("outcome", string(outcome)).Msg("Usage record failed")
	}
}

func (g *Gateway) observe(status Status, start time.Time) {
	requestsTotal.WithLabelValues(string(status)).Inc()
	requestDuration.WithLabelValues(string(status)).Observe(g.now().Sub(start).Seconds())
}
