package scoring

import (
	"fmt"
	"math"
)

// Weights are the share of each signal in the pre-warm score.
// They must be non-negative and sum to at most 1.
type Weights struct {
	Frequency      float64 `yaml:"frequency"`
	Duration       float64 `yaml:"duration"`
	DataSize       float64 `yaml:"data_size"`
	HistoricalHits float64 `yaml:"historical_hits"`
	RecentActivity float64 `yaml:"recent_activity"`
	Consistency    float64 `yaml:"consistency"`
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.Frequency + w.Duration + w.DataSize + w.HistoricalHits + w.RecentActivity + w.Consistency
}

// Saturation holds the value at which each signal reaches its cap.
type Saturation struct {
	Executions float64 `yaml:"executions"`
	DurationMs float64 `yaml:"duration_ms"`
	RowCount   float64 `yaml:"row_count"`
	Hits       float64 `yaml:"hits"`
	RecentHits float64 `yaml:"recent_hits"`
}

// Config tunes the scoring and persistence rules.
type Config struct {
	Weights    Weights    `yaml:"weights"`
	Saturation Saturation `yaml:"saturation"`

	// DecayBase is raised to the number of idle days and multiplies the score.
	DecayBase float64 `yaml:"decay_base"`

	// HistoryDays is how many calendar days of hit history are kept.
	HistoryDays int `yaml:"history_days"`

	// WindowDays is the recent-activity window.
	WindowDays int `yaml:"window_days"`

	// PersistMinActiveDays is the minimum number of days with hits in the window.
	PersistMinActiveDays int `yaml:"persist_min_active_days"`

	// PersistMinAvgHits is the minimum average hits per active day.
	PersistMinAvgHits float64 `yaml:"persist_min_avg_hits"`

	// PersistMaxIdleDays revokes persistence once this many days pass without a hit.
	PersistMaxIdleDays int `yaml:"persist_max_idle_days"`
}

// DefaultConfig returns the stock scoring configuration.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Frequency:      0.20,
			Duration:       0.15,
			DataSize:       0.10,
			HistoricalHits: 0.20,
			RecentActivity: 0.25,
			Consistency:    0.10,
		},
		Saturation: Saturation{
			Executions: 100,
			DurationMs: 5000,
			RowCount:   100000,
			Hits:       50,
			RecentHits: 20,
		},
		DecayBase:            0.75,
		HistoryDays:          14,
		WindowDays:           7,
		PersistMinActiveDays: 3,
		PersistMinAvgHits:    2,
		PersistMaxIdleDays:   7,
	}
}

// Validate checks the configuration for values the algorithm cannot use.
func (c Config) Validate() error {
	w := c.Weights
	for name, v := range map[string]float64{
		"frequency":       w.Frequency,
		"duration":        w.Duration,
		"data_size":       w.DataSize,
		"historical_hits": w.HistoricalHits,
		"recent_activity": w.RecentActivity,
		"consistency":     w.Consistency,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("weight %s must be >= 0 (got %v)", name, v)
		}
	}
	if sum := w.Sum(); sum > 1+1e-9 {
		return fmt.Errorf("weights must sum to at most 1 (got %v)", sum)
	}

	s := c.Saturation
	if s.Executions <= 0 || s.DurationMs <= 0 || s.RowCount <= 0 || s.Hits <= 0 || s.RecentHits <= 0 {
		return fmt.Errorf("saturation constants must be > 0")
	}
	if c.DecayBase <= 0 || c.DecayBase > 1 {
		return fmt.Errorf("decay_base must be in (0, 1] (got %v)", c.DecayBase)
	}
	if c.WindowDays < 1 {
		return fmt.Errorf("window_days must be >= 1 (got %d)", c.WindowDays)
	}
	if c.HistoryDays < c.WindowDays {
		return fmt.Errorf("history_days (%d) must cover window_days (%d)", c.HistoryDays, c.WindowDays)
	}
	if c.PersistMinActiveDays < 1 || c.PersistMinActiveDays > c.WindowDays {
		return fmt.Errorf("persist_min_active_days must be in [1, %d] (got %d)", c.WindowDays, c.PersistMinActiveDays)
	}
	if c.PersistMaxIdleDays < 1 {
		return fmt.Errorf("persist_max_idle_days must be >= 1 (got %d)", c.PersistMaxIdleDays)
	}
	return nil
}
