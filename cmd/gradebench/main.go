// gradebench benchmarks LLMs as graders of scanned student answers
// against a human reference, exposing grading dispatch and discrepancy
// statistics over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/gradebench/gradebench/internal/api"
	"github.com/gradebench/gradebench/internal/completion"
	"github.com/gradebench/gradebench/internal/configuration"
	"github.com/gradebench/gradebench/internal/grading"
	"github.com/gradebench/gradebench/internal/metrics"
	"github.com/gradebench/gradebench/internal/stats"
	"github.com/gradebench/gradebench/internal/store"
)

var version = "dev" // set via ldflags at build time

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "gradebench",
		Short:         "AI grader benchmarking engine",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the grading engine HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configuration.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(serve)
	return root
}

func newLogger(cfg configuration.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func newStore(ctx context.Context, cfg configuration.StoreConfig) (store.Store, func(), error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return store.NewRedisStore(client, cfg.RedisTTL), func() { client.Close() }, nil
	case "postgres":
		pg, err := store.NewPostgresStore(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

func runServe(ctx context.Context, cfg *configuration.Config) error {
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := newStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	client := completion.NewOpenRouterClient(cfg.OpenRouter.BaseURL, cfg.OpenRouter.APIKey, cfg.OpenRouter.Headers)
	handler := completion.Chain(
		completion.NewHTTPHandler(client, nil),
		completion.NewLoggingMiddleware(logger),
		completion.NewRateLimitMiddleware(cfg.RateLimit),
	)

	schedulerMetrics := metrics.NewSchedulerMetrics(prometheus.DefaultRegisterer)
	scheduler := grading.NewScheduler(cfg.Scheduler, handler, st, nil, logger, schedulerMetrics)
	scheduler.Start()

	calc := stats.NewCalculator(cfg.Stats.Thresholds, logger)
	server := api.NewServer(st, scheduler, calc, cfg.Batch, cfg.Templates, logger)

	router := server.Router()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr, "store", cfg.Store.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}

	// Drain in-flight grading work so settled results are persisted.
	done := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("scheduler drain timed out")
	}
	return nil
}
