// Package logging configures zerolog for the query-cache gateway.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs cache decisions and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs startup and revalidation results and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs swallowed cache, lock and scoring failures and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs warehouse failures only.
	LevelError LogLevel = "error"
)

// Valid reports whether l names a known level.
func (l LogLevel) Valid() bool {
	switch strings.ToLower(string(l)) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel `yaml:"level"`

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool `yaml:"pretty"`

	// Output is where logs go (default: os.Stderr).
	Output io.Writer `yaml:"-"`
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.DurationFieldUnit = time.Millisecond
	zerolog.DurationFieldInteger = false

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger for a component from the global logger.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: per-request cache decisions
//   - Cache hit/miss, chosen strategy and TTL
//   - Revalidation queued or skipped (lock held)
//   - Usage records and recomputed scores
//
// Info: normal operation events
//   - Server startup/shutdown, configuration summary
//   - Revalidation results (changed or unchanged)
//   - Cache writes that succeeded after a retry
//
// Warn: failures that are swallowed
//   - Cache read/write errors (served uncached)
//   - Lock and scoring errors
//   - Failed or rejected revalidation jobs
//   - Stored records with an unknown schema version
//
// Error: failures the caller sees
//   - Warehouse execution errors on the miss path
//   - Startup failures (Redis or warehouse unreachable)
//
// Context Fields:
//   - component: emitting package (gateway, scoring, revalidate, httpapi, ...)
//   - fingerprint: short hash of the query
//   - cache_key: physical cache key
//   - strategy: static, hourly or daily
//   - status: HIT, MISS or HIT-REVALIDATING
//   - duration: elapsed time in milliseconds
//   - row_count: rows in the served or fetched payload
//   - request_id: id of the HTTP request
