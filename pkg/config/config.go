// Package config loads gateway configuration from a YAML file overlaid by
// environment variables.
//
// Precedence, lowest first: built-in defaults, the YAML file, environment.
// Recognised variables: REDIS_URL, WAREHOUSE_DSN, PORT, LOG_LEVEL,
// LOG_PRETTY.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/warehouse-query-cache/pkg/gateway"
	"github.com/Sternrassler/warehouse-query-cache/pkg/lock"
	"github.com/Sternrassler/warehouse-query-cache/pkg/logging"
	"github.com/Sternrassler/warehouse-query-cache/pkg/scoring"
	"github.com/Sternrassler/warehouse-query-cache/pkg/warehouse"
)

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Redis     RedisConfig              `yaml:"redis"`
	Warehouse warehouse.PostgresConfig `yaml:"warehouse"`
	Logging   logging.Config           `yaml:"logging"`
	Gateway   GatewayConfig            `yaml:"gateway"`
	Scoring   scoring.Config           `yaml:"scoring"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds the cache backend connection.
type RedisConfig struct {
	// URL is host:port or a redis:// / rediss:// URL.
	URL string `yaml:"url"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// GatewayConfig holds orchestrator settings.
type GatewayConfig struct {
	gateway.Config `yaml:",inline"`

	// LockTTL is the revalidation lock lifetime and job timeout.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			URL:         "localhost:6379",
			DialTimeout: 5 * time.Second,
		},
		Warehouse: warehouse.PostgresConfig{
			MaxConns:        10,
			MaxConnLifetime: 30 * time.Minute,
		},
		Logging: logging.Config{
			Level: logging.LevelInfo,
		},
		Gateway: GatewayConfig{
			Config:  gateway.DefaultConfig(),
			LockTTL: lock.DefaultTTL,
		},
		Scoring: scoring.DefaultConfig(),
	}
}

// Load reads path (if not empty), applies the environment and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("REDIS_URL"); ok && v != "" {
		c.Redis.URL = v
	}
	if v, ok := lookup("WAREHOUSE_DSN"); ok && v != "" {
		c.Warehouse.DSN = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		c.Server.Port = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = logging.LogLevel(v)
	}
	if v, ok := lookup("LOG_PRETTY"); ok && v != "" {
		pretty, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOG_PRETTY: %w", err)
		}
		c.Logging.Pretty = pretty
	}
	return nil
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server.port must be numeric (got %q)", c.Server.Port)
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if _, err := c.Redis.Options(); err != nil {
		return err
	}
	if !c.Logging.Level.Valid() {
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Gateway.StaleAfter <= 0 {
		return fmt.Errorf("gateway.stale_after must be > 0 (got %v)", c.Gateway.StaleAfter)
	}
	if c.Gateway.LockTTL < time.Second {
		return fmt.Errorf("gateway.lock_ttl must be >= 1s (got %v)", c.Gateway.LockTTL)
	}
	if c.Gateway.Revalidation.Workers < 1 {
		return fmt.Errorf("gateway.revalidation.workers must be >= 1 (got %d)", c.Gateway.Revalidation.Workers)
	}
	if c.Gateway.Revalidation.QueueSize < 0 {
		return fmt.Errorf("gateway.revalidation.queue_size must be >= 0 (got %d)", c.Gateway.Revalidation.QueueSize)
	}
	if c.Gateway.Retry.MaxAttempts < 1 {
		return fmt.Errorf("gateway.retry.max_attempts must be >= 1 (got %d)", c.Gateway.Retry.MaxAttempts)
	}
	if err := c.Scoring.Validate(); err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	return nil
}

// Options converts the connection settings to go-redis options.
func (r RedisConfig) Options() (*redis.Options, error) {
	var opts *redis.Options
	if strings.HasPrefix(r.URL, "redis://") || strings.HasPrefix(r.URL, "rediss://") {
		parsed, err := redis.ParseURL(r.URL)
		if err != nil {
			return nil, fmt.Errorf("redis.url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: r.URL}
	}
	if r.DialTimeout > 0 {
		opts.DialTimeout = r.DialTimeout
	}
	return opts, nil
}
