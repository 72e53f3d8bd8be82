package scoring

import (
	"math"
	"time"
)

// StatsVersion is the current schema version of QueryStats records.
const StatsVersion = 1

// DateLayout is the key format of DailyHitHistory.
const DateLayout = "2006-01-02"

// Outcome is how a request was served.
type Outcome string

const (
	OutcomeHit         Outcome = "HIT"
	OutcomeMiss        Outcome = "MISS"
	OutcomeRevalidated Outcome = "REVALIDATED"
)

// IsHit reports whether the outcome was served from cache.
func (o Outcome) IsHit() bool {
	return o == OutcomeHit || o == OutcomeRevalidated
}

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeHit || o == OutcomeMiss || o == OutcomeRevalidated
}

// QueryStats is the usage record of one fingerprint.
type QueryStats struct {
	SchemaVersion int `json:"v"`

	FullHash    string `json:"full_hash"`
	SampleSQL   string `json:"sample_sql"`
	CallerScope string `json:"caller_scope,omitempty"`

	TotalExecutions int64 `json:"total_executions"`
	TotalHits       int64 `json:"total_hits"`
	TotalMisses     int64 `json:"total_misses"`

	// AvgDurationMs and AvgRowCount average over warehouse executions,
	// counted by Samples.
	AvgDurationMs float64 `json:"avg_duration_ms"`
	AvgRowCount   float64 `json:"avg_row_count"`
	Samples       int64   `json:"samples"`

	// DailyHitHistory maps a UTC date to the hits recorded that day.
	DailyHitHistory map[string]int `json:"daily_hit_history"`

	LastCacheHit          *time.Time `json:"last_cache_hit,omitempty"`
	ConsecutiveDaysNoHits int        `json:"consecutive_days_no_hits"`

	PreWarmScore float64 `json:"pre_warm_score"`
	IsPersistent bool    `json:"is_persistent"`

	FirstSeen time.Time `json:"first_seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewQueryStats returns the zero-state record for a fingerprint.
func NewQueryStats(fullHash string, now time.Time) *QueryStats {
	return &QueryStats{
		SchemaVersion:   StatsVersion,
		FullHash:        fullHash,
		DailyHitHistory: make(map[string]int),
		FirstSeen:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}
}

// Clone returns a deep copy.
func (s *QueryStats) Clone() *QueryStats {
	c := *s
	c.DailyHitHistory = make(map[string]int, len(s.DailyHitHistory))
	for k, v := range s.DailyHitHistory {
		c.DailyHitHistory[k] = v
	}
	if s.LastCacheHit != nil {
		t := *s.LastCacheHit
		c.LastCacheHit = &t
	}
	return &c
}

// Apply counts one request and recomputes every derived field.
func (s *QueryStats) Apply(outcome Outcome, duration time.Duration, rowCount int, now time.Time, cfg Config) {
	now = now.UTC()
	if s.DailyHitHistory == nil {
		s.DailyHitHistory = make(map[string]int)
	}

	s.TotalExecutions++
	if outcome.IsHit() {
		s.TotalHits++
		t := now
		s.LastCacheHit = &t
		s.DailyHitHistory[now.Format(DateLayout)]++
	} else {
		s.TotalMisses++
		s.Samples++
		n := float64(s.Samples)
		s.AvgDurationMs = (s.AvgDurationMs*(n-1) + float64(duration.Milliseconds())) / n
		s.AvgRowCount = (s.AvgRowCount*(n-1) + float64(rowCount)) / n
	}

	s.UpdatedAt = now
	Rescore(s, now, cfg)
}

// Rescore prunes history and recomputes the idle streak, score and
// persistence flag as of now. It does not count a request.
func Rescore(s *QueryStats, now time.Time, cfg Config) {
	now = now.UTC()
	pruneHistory(s, now, cfg.HistoryDays)
	s.ConsecutiveDaysNoHits = ConsecutiveDaysNoHits(s, now)
	s.PreWarmScore = Score(s, now, cfg)
	s.IsPersistent = Persistent(s, now, cfg)
}

// ConsecutiveDaysNoHits is 0 when the last hit is today, otherwise the
// number of calendar days since it. A record without any hit yields 1.
func ConsecutiveDaysNoHits(s *QueryStats, now time.Time) int {
	if s.LastCacheHit == nil {
		return 1
	}
	days := daysBetween(*s.LastCacheHit, now)
	if days < 0 {
		return 0
	}
	return days
}

// Score computes the pre-warm score in [0, 100].
func Score(s *QueryStats, now time.Time, cfg Config) float64 {
	w, sat := cfg.Weights, cfg.Saturation
	recentHits, activeDays := window(s, now, cfg.WindowDays)

	sum := w.Frequency*clamp01(float64(s.TotalExecutions)/sat.Executions) +
		w.Duration*clamp01(s.AvgDurationMs/sat.DurationMs) +
		w.DataSize*clamp01(s.AvgRowCount/sat.RowCount) +
		w.HistoricalHits*clamp01(float64(s.TotalHits)/sat.Hits) +
		w.RecentActivity*clamp01(float64(recentHits)/sat.RecentHits) +
		w.Consistency*clamp01(float64(activeDays)/float64(cfg.WindowDays))

	idle := ConsecutiveDaysNoHits(s, now)
	decay := math.Pow(cfg.DecayBase, float64(idle))

	return math.Max(0, math.Min(100, sum*100*decay))
}

// Persistent reports whether the query has shown sustained usage: hits on
// enough distinct days of the window, with enough hits per active day, and
// no long idle streak.
func Persistent(s *QueryStats, now time.Time, cfg Config) bool {
	if ConsecutiveDaysNoHits(s, now) >= cfg.PersistMaxIdleDays {
		return false
	}
	recentHits, activeDays := window(s, now, cfg.WindowDays)
	if activeDays < cfg.PersistMinActiveDays {
		return false
	}
	return float64(recentHits)/float64(activeDays) >= cfg.PersistMinAvgHits
}

// window sums hits over the last days calendar days including today and
// counts the days with at least one hit.
func window(s *QueryStats, now time.Time, days int) (hits, activeDays int) {
	today := civilDate(now)
	for i := 0; i < days; i++ {
		n := s.DailyHitHistory[today.AddDate(0, 0, -i).Format(DateLayout)]
		if n > 0 {
			hits += n
			activeDays++
		}
	}
	return hits, activeDays
}

func pruneHistory(s *QueryStats, now time.Time, keepDays int) {
	for date := range s.DailyHitHistory {
		d, err := time.Parse(DateLayout, date)
		if err != nil || daysBetween(d, now) >= keepDays {
			delete(s.DailyHitHistory, date)
		}
	}
}

// daysBetween counts UTC calendar days from a to b.
func daysBetween(a, b time.Time) int {
	return int(civilDate(b).Sub(civilDate(a)).Hours() / 24)
}

func civilDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
