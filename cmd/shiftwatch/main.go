// Shiftwatch - Fraud detection for ride-hailing fleet shifts.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/shiftwatch/internal/agents"
	"github.com/opensource-finance/shiftwatch/internal/api"
	"github.com/opensource-finance/shiftwatch/internal/baseline"
	"github.com/opensource-finance/shiftwatch/internal/bus"
	"github.com/opensource-finance/shiftwatch/internal/cache"
	"github.com/opensource-finance/shiftwatch/internal/domain"
	"github.com/opensource-finance/shiftwatch/internal/events"
	"github.com/opensource-finance/shiftwatch/internal/financial"
	"github.com/opensource-finance/shiftwatch/internal/history"
	"github.com/opensource-finance/shiftwatch/internal/lock"
	"github.com/opensource-finance/shiftwatch/internal/orchestrator"
	"github.com/opensource-finance/shiftwatch/internal/repository"
	"github.com/opensource-finance/shiftwatch/internal/rules"
	"github.com/opensource-finance/shiftwatch/internal/scheduler"
	"github.com/opensource-finance/shiftwatch/internal/shifts"
	"github.com/opensource-finance/shiftwatch/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load .env overrides; real environment variables win
	envErr := loadEnvFile(os.Getenv("SHIFTWATCH_ENV_FILE"))

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting shiftwatch",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	if envErr != nil {
		slog.Warn("failed to load env file", "error", envErr)
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"lock", cfg.Lock.Type,
		"sweep_interval", cfg.Scheduler.Interval.String(),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize sweep lock
	locker, err := lock.New(cfg.Lock, repo.DB())
	if err != nil {
		slog.Error("failed to initialize lock", "error", err)
		os.Exit(1)
	}
	defer locker.Close()
	slog.Info("lock initialized", "type", cfg.Lock.Type)

	// Analysis pipeline
	calc := financial.NewCalculatorFromConfig(cfg.Fraud)
	baselines := baseline.NewBuilder(repo, cacheImpl, cfg.Cache.BaselineTTL)
	combiner, err := rules.NewDefaultCombiner()
	if err != nil {
		slog.Error("failed to compile combination rules", "error", err)
		os.Exit(1)
	}
	eventStore := events.NewStore(repo, busImpl)
	allAgents := agents.Default(agents.Deps{
		History:    repo,
		Fleet:      baselines,
		Engine:     rules.NewEngine(rules.DefaultThresholds()),
		Calculator: calc,
	})
	orch := orchestrator.New(repo, baselines, eventStore, allAgents, combiner)
	slog.Info("fraud pipeline initialized", "agents", len(allAgents))

	// Shift bookkeeping
	recorder := history.NewRecorder(repo, 5*time.Second)
	shiftSvc := shifts.NewService(repo, calc, recorder, busImpl)

	// Deferred re-analysis worker
	reanalyzer := worker.NewWorker(busImpl, repo, orch, worker.Config{
		ReanalyzeOpenShifts: cfg.Fraud.ReanalyzeOpenShifts,
		Timeout:             cfg.Scheduler.ShiftTimeout,
	})
	if err := reanalyzer.Start(); err != nil {
		slog.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// Periodic sweep
	sweeper := scheduler.New(repo, orch, locker, cfg.Scheduler)
	if cfg.Scheduler.Enabled {
		sweeper.Start(ctx)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Analyzer: orch,
		Shifts:   shiftSvc,
		Events:   eventStore,
		History:  repo,
		Sweeper:  sweeper,
		Checks: map[string]api.Pinger{
			"repository": repo,
			"cache":      cacheImpl,
			"bus":        busImpl,
		},
		Version: Version,
	})

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("shiftwatch is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop producers of analysis work before their dependencies close
	sweeper.Stop()
	if err := reanalyzer.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}
	recorder.Wait()

	slog.Info("shiftwatch shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  SHIFTWATCH - fleet shift fraud detection")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Sweep:    every %s (enabled: %t)\n", cfg.Scheduler.Interval, cfg.Scheduler.Enabled)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST  /shifts                     - Start a shift")
	fmt.Println("    POST  /shifts/{id}/finish         - Finish a shift")
	fmt.Println("    POST  /shifts/{id}/analyze        - Analyze a shift (?dryRun=true)")
	fmt.Println("    GET   /shifts/{id}/history        - Shift change log")
	fmt.Println("    POST  /shifts/{id}/rides          - Add a ride")
	fmt.Println("    PUT   /rides/{id}                 - Update a ride")
	fmt.Println("    DELETE /rides/{id}                - Delete a ride")
	fmt.Println("    POST  /shifts/{id}/expenses       - Add an expense")
	fmt.Println("    DELETE /expenses/{id}             - Delete an expense")
	fmt.Println("    GET   /fraud-events               - List fraud events")
	fmt.Println("    GET   /fraud-events/stats         - Counts by status")
	fmt.Println("    GET   /fraud-events/{id}          - Get a fraud event")
	fmt.Println("    PATCH /fraud-events/{id}/status   - Review a fraud event")
	fmt.Println("    GET   /fraud-events/{id}/report   - Report input")
	fmt.Println("    POST  /sweeps                     - Run a sweep now")
	fmt.Println("    GET   /health                     - Health check")
	fmt.Println("    GET   /metrics                    - Prometheus metrics")
	fmt.Println()
}
