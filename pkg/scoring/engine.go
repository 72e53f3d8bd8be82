// Package scoring maintains per-fingerprint usage statistics and derives
// the pre-warm score and the persistence flag from them.
//
// Records live in Redis at stats:<fullHash> and are updated with a plain
// read-modify-write. Concurrent updates may lose a count; the numbers are
// advisory, so that is accepted. Every update also refreshes the
// prewarm:candidates sorted set, which an external pre-warmer polls.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/warehouse-query-cache/pkg/fingerprint"
)

// Redis keys for scoring state.
const (
	StatsKeyPrefix   = "stats:"
	CandidatesKey    = "prewarm:candidates"
	DefaultFeedLimit = 50
)

var (
	// ErrNotFound indicates no stats exist for a fingerprint.
	ErrNotFound = errors.New("query stats not found")

	// ErrUnsupportedSchema indicates a stored record has an unknown schema version.
	ErrUnsupportedSchema = errors.New("unsupported stats schema version")
)

var (
	scoringRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcache_scoring_records_total",
		Help: "Usage events recorded by outcome",
	}, []string{"outcome"})

	scoringErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcache_scoring_errors_total",
		Help: "Scoring engine errors by operation",
	}, []string{"operation"})

	preWarmScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qcache_prewarm_score",
		Help:    "Distribution of recomputed pre-warm scores",
		Buckets: []float64{5, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})
)

// Event is one observed request.
type Event struct {
	Fingerprint fingerprint.Fingerprint
	SQL         string
	Outcome     Outcome
	Duration    time.Duration
	RowCount    int
}

// Candidate is an entry of the pre-warm feed.
type Candidate struct {
	FullHash     string  `json:"full_hash"`
	Score        float64 `json:"score"`
	SQL          string  `json:"sql,omitempty"`
	CallerScope  string  `json:"caller_scope,omitempty"`
	IsPersistent bool    `json:"is_persistent"`
}

// Engine records usage and serves statistics.
type Engine struct {
	redis  redis.Cmdable
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewEngine creates a scoring engine.
func NewEngine(client redis.Cmdable, cfg Config, logger zerolog.Logger) (*Engine, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scoring config: %w", err)
	}
	return &Engine{
		redis:  client,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// SetClock overrides the time source (for testing).
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Config returns the engine's scoring configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// StatsKey returns the Redis key of a fingerprint's stats.
func StatsKey(fullHash string) string {
	return StatsKeyPrefix + fullHash
}

// Record counts one request against its fingerprint, recomputes the
// derived fields, persists the record and updates the candidate feed.
func (e *Engine) Record(ctx context.Context, ev Event) (*QueryStats, error) {
	if !ev.Outcome.Valid() {
		return nil, fmt.Errorf("unknown outcome %q", ev.Outcome)
	}
	hash := ev.Fingerprint.FullHash
	now := e.now().UTC()

	stats, err := e.load(ctx, hash)
	switch {
	case errors.Is(err, ErrNotFound):
		stats = NewQueryStats(hash, now)
	case errors.Is(err, ErrUnsupportedSchema):
		e.logger.Warn().
			Err(err).
			Str("fingerprint", ev.Fingerprint.ShortHash).
			Msg("Discarding stats record with unknown schema")
		stats = NewQueryStats(hash, now)
	case err != nil:
		scoringErrorsTotal.WithLabelValues("load").Inc()
		return nil, err
	}

	if ev.SQL != "" {
		stats.SampleSQL = ev.SQL
	}
	stats.CallerScope = ev.Fingerprint.CallerScope
	stats.Apply(ev.Outcome, ev.Duration, ev.RowCount, now, e.cfg)

	if err := e.save(ctx, stats); err != nil {
		scoringErrorsTotal.WithLabelValues("save").Inc()
		return nil, err
	}

	scoringRecordsTotal.WithLabelValues(string(ev.Outcome)).Inc()
	preWarmScores.Observe(stats.PreWarmScore)

	e.logger.Debug().
		Str("fingerprint", ev.Fingerprint.ShortHash).
		Str("outcome", string(ev.Outcome)).
		Int64("total_executions", stats.TotalExecutions).
		Float64("score", stats.PreWarmScore).
		Bool("persistent", stats.IsPersistent).
		Msg("Usage recorded")

	return stats, nil
}

// Get returns the stats of a fingerprint rescored as of now.
// Returns ErrNotFound if the fingerprint has never been recorded.
func (e *Engine) Get(ctx context.Context, fullHash string) (*QueryStats, error) {
	stats, err := e.load(ctx, fullHash)
	if err != nil {
		return nil, err
	}
	Rescore(stats, e.now(), e.cfg)
	return stats, nil
}

// IsPersistent reports whether a fingerprint currently qualifies for
// caching without a TTL. Unknown fingerprints are not persistent.
func (e *Engine) IsPersistent(ctx context.Context, fullHash string) (bool, error) {
	stats, err := e.Get(ctx, fullHash)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnsupportedSchema) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stats.IsPersistent, nil
}

// Candidates returns up to limit fingerprints with the highest pre-warm
// scores, best first. Scores are as of each fingerprint's last request.
func (e *Engine) Candidates(ctx context.Context, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = DefaultFeedLimit
	}

	members, err := e.redis.ZRevRangeWithScores(ctx, CandidatesKey, 0, int64(limit-1)).Result()
	if err != nil {
		scoringErrorsTotal.WithLabelValues("candidates").Inc()
		return nil, fmt.Errorf("read pre-warm candidates: %w", err)
	}
	if len(members) == 0 {
		return []Candidate{}, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = StatsKey(fmt.Sprint(m.Member))
	}
	raw, err := e.redis.MGet(ctx, keys...).Result()
	if err != nil {
		scoringErrorsTotal.WithLabelValues("candidates").Inc()
		return nil, fmt.Errorf("read candidate stats: %w", err)
	}

	candidates := make([]Candidate, 0, len(members))
	for i, m := range members {
		c := Candidate{FullHash: fmt.Sprint(m.Member), Score: m.Score}
		if s, ok := raw[i].(string); ok {
			var stats QueryStats
			if err := json.Unmarshal([]byte(s), &stats); err == nil && stats.SchemaVersion == StatsVersion {
				c.SQL = stats.SampleSQL
				c.CallerScope = stats.CallerScope
				c.IsPersistent = stats.IsPersistent
			}
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func (e *Engine) load(ctx context.Context, fullHash string) (*QueryStats, error) {
	data, err := e.redis.Get(ctx, StatsKey(fullHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}

	var stats QueryStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnsupportedSchema, err)
	}
	if stats.SchemaVersion != StatsVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSchema, stats.SchemaVersion)
	}
	if stats.DailyHitHistory == nil {
		stats.DailyHitHistory = make(map[string]int)
	}
	return &stats, nil
}

func (e *Engine) save(ctx context.Context, stats *QueryStats) error {
	stats.SchemaVersion = StatsVersion
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	pipe := e.redis.Pipeline()
	pipe.Set(ctx, StatsKey(stats.FullHash), data, 0)
	pipe.ZAdd(ctx, CandidatesKey, redis.Z{Score: stats.PreWarmScore, Member: stats.FullHash})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store stats in redis: %w", err)
	}
	return nil
}
