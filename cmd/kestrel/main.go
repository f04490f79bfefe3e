// Kestrel - Fraud scoring decisions and alert triage.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

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

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/configstore"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// anomalyCounterTTL expires counters of users that went quiet.
const anomalyCounterTTL = 30 * 24 * time.Hour

func main() {
	cfg := loadConfig()
	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"anomaly_backend", cfg.Engine.AnomalyBackend,
		"jwt_auth", cfg.Auth.JWTSecret != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("kestrel stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("kestrel shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	go metrics.StartDBStatsCollector(ctx, repo.DB(), 15*time.Second)

	var redisClient *redis.Client
	if cfg.Cache.Type == "redis" || cfg.Engine.AnomalyBackend == "redis" {
		redisClient, err = cache.NewRedisClient(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		slog.Info("redis connected", "addr", cfg.Cache.RedisAddr)
	}

	cacheImpl, err := cache.New(cfg.Cache, redisClient)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	notifier := bus.NewNotifier(busImpl)

	configs := configstore.New(repo, notifier)
	ruleCfg, err := configs.Load(ctx)
	if err != nil {
		return fmt.Errorf("load rule config: %w", err)
	}
	slog.Info("rule config loaded",
		"version", ruleCfg.Version,
		"auto_block_active", ruleCfg.AutoBlockActive,
		"auto_block_mode", ruleCfg.AutoBlockMode,
	)

	tracker, err := anomaly.New(cfg.Engine.AnomalyBackend, redisClient, anomalyCounterTTL)
	if err != nil {
		return fmt.Errorf("initialize anomaly tracker: %w", err)
	}

	lifecycle := alerts.New(repo, notifier)

	opts := []decision.Option{
		decision.WithCache(cacheImpl, cfg.Engine.DecisionCacheTTL, cfg.Engine.BanCacheTTL),
		decision.WithEventBus(busImpl),
	}
	if cfg.Engine.GeoFile != "" {
		table, err := decision.LoadPrefixTable(cfg.Engine.GeoFile)
		if err != nil {
			return fmt.Errorf("load geo file: %w", err)
		}
		opts = append(opts, decision.WithGeoResolver(table))
		slog.Info("geo prefix table loaded", "path", cfg.Engine.GeoFile, "prefixes", table.Len())
	}

	decisions, err := decision.New(repo, configs, tracker, lifecycle, opts...)
	if err != nil {
		return fmt.Errorf("initialize decision service: %w", err)
	}

	var asyncWorker *worker.Worker
	if cfg.Engine.Workers > 0 {
		asyncWorker = worker.NewWorker(busImpl, decisions, configs)
		if err := asyncWorker.Start(worker.Config{WorkerCount: cfg.Engine.Workers}); err != nil {
			return fmt.Errorf("start async worker: %w", err)
		}
		slog.Info("async worker started", "workers", cfg.Engine.Workers)
	}

	srv := api.NewServer(cfg.Server, cfg.Auth, api.Dependencies{
		Decisions: decisions,
		Alerts:    lifecycle,
		Configs:   configs,
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
	}, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Drain in-flight evaluations before the repository closes.
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}
	return serveErr
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 KESTREL                   |")
	fmt.Println("  |     Fraud decisions and alert triage      |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate                  - Decide a scored transaction")
	fmt.Println("    GET  /decisions/{txId}          - Stored decision")
	fmt.Println("    POST /decisions/{txId}/replay   - Recompute under the recorded config")
	fmt.Println("    GET  /alerts                    - List alerts (?status=)")
	fmt.Println("    POST /alerts/{id}/transition    - Move an alert through triage")
	fmt.Println("    GET  /alerts/{id}/audit         - Alert journal")
	fmt.Println("    GET  /config  PUT /config       - Business rule parameters")
	fmt.Println("    POST /banlist                   - Ban an IP or user")
	fmt.Println("    GET  /health  /ready  /metrics  - Operations")
	fmt.Println()
}
