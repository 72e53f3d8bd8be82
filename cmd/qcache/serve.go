package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/warehouse-query-cache/internal/httpapi"
	"github.com/Sternrassler/warehouse-query-cache/pkg/cache"
	"github.com/Sternrassler/warehouse-query-cache/pkg/config"
	"github.com/Sternrassler/warehouse-query-cache/pkg/gateway"
	"github.com/Sternrassler/warehouse-query-cache/pkg/lock"
	"github.com/Sternrassler/warehouse-query-cache/pkg/logging"
	"github.com/Sternrassler/warehouse-query-cache/pkg/scoring"
	"github.com/Sternrassler/warehouse-query-cache/pkg/warehouse"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logging.Setup(cfg.Logging)
	logger := logging.NewLogger("qcache")

	redisClient, err := connectRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	logger.Info().Str("redis_addr", redisClient.Options().Addr).Msg("Connected to Redis")

	exec, err := warehouse.NewPostgresExecutor(ctx, cfg.Warehouse, logging.NewLogger("warehouse"))
	if err != nil {
		return fmt.Errorf("connect warehouse: %w", err)
	}
	defer exec.Close()
	logger.Info().Msg("Connected to warehouse")

	app, err := buildApp(cfg, redisClient, exec)
	if err != nil {
		return err
	}
	defer app.gateway.Close()

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      app.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Dur("stale_after", cfg.Gateway.StaleAfter).
			Int("revalidation_workers", cfg.Gateway.Revalidation.Workers).
			Msg("Starting query-cache gateway")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

type app struct {
	gateway *gateway.Gateway
	engine  *scoring.Engine
	handler http.Handler
}

// buildApp wires the gateway and its HTTP surface on top of live clients.
func buildApp(cfg *config.Config, redisClient *redis.Client, exec warehouse.Executor) (*app, error) {
	engine, err := scoring.NewEngine(redisClient, cfg.Scoring, logging.NewLogger("scoring"))
	if err != nil {
		return nil, err
	}

	gwLogger := logging.NewLogger("gateway")
	gwCfg := cfg.Gateway.Config
	if gwCfg.Revalidation.Timeout <= 0 {
		gwCfg.Revalidation.Timeout = cfg.Gateway.LockTTL
	}

	gw, err := gateway.New(gateway.Deps{
		Store:     cache.NewStore(redisClient),
		Locks:     lock.NewManager(redisClient, cfg.Gateway.LockTTL, logging.NewLogger("lock")),
		Scoring:   engine,
		Warehouse: exec,
		Logger:    &gwLogger,
	}, gwCfg)
	if err != nil {
		return nil, err
	}

	health := func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}
	srv := httpapi.NewServer(gw, engine, health, logging.NewLogger("httpapi"))

	return &app{gateway: gw, engine: engine, handler: srv.Router()}, nil
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}
