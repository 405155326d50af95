package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shopflow/settlement-engine/internal/config"
	"github.com/shopflow/settlement-engine/internal/database"
	"github.com/shopflow/settlement-engine/internal/engine"
	"github.com/shopflow/settlement-engine/internal/handlers"
	"github.com/shopflow/settlement-engine/internal/inventory"
	"github.com/shopflow/settlement-engine/internal/kafka"
	"github.com/shopflow/settlement-engine/internal/metrics"
	"github.com/shopflow/settlement-engine/internal/risk"
	"github.com/shopflow/settlement-engine/internal/scheduler"
	"github.com/shopflow/settlement-engine/internal/settlement"
)

const (
	serviceName = "settlement-engine"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg)
	logger.Info("Starting Settlement Engine Service",
		"service", serviceName,
		"version", version,
		"environment", cfg.Environment)

	// Database
	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database connection", "error", err)
		}
	}()

	if err := database.RunMigrations(cfg.Database); err != nil {
		logger.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	// Repositories
	txManager := database.NewTxManager(db)
	orderRepo := database.NewOrderRepository(db, logger)
	ruleRepo := database.NewRuleRepository(db, logger)
	commissionRepo := database.NewCommissionRepository(db, logger)
	ledgerRepo := database.NewLedgerRepository(db, logger)
	partnerRepo := database.NewPartnerRepository(db, logger)

	// Collaborators
	auditProducer := kafka.NewProducer(cfg.Kafka, logger)
	defer func() {
		if err := auditProducer.Close(); err != nil {
			logger.Error("Failed to close audit producer", "error", err)
		}
	}()

	inventoryClient := inventory.NewClient(cfg.Inventory, logger)

	// Risk scoring, optionally cached in redis
	scorer := risk.NewScorer(cfg.Risk, logger, partnerRepo)
	var signals handlers.SignalSource = scorer
	var sweepSignals settlement.SignalSource = scorer
	var invalidator engine.RiskInvalidator
	if cfg.Redis.Enabled {
		redisClient, err := risk.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
		if err != nil {
			logger.Error("Failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()

		cached := risk.NewCachedScorer(scorer, redisClient, cfg.Redis.CacheTTL, logger)
		signals = cached
		sweepSignals = cached
		invalidator = cached
	}

	// Engine
	stateMachine := engine.NewStateMachine(
		cfg,
		logger,
		txManager,
		orderRepo,
		commissionRepo,
		ruleRepo,
		partnerRepo,
		ledgerRepo,
		inventoryClient,
		auditProducer,
		invalidator,
	)

	sweeper := settlement.NewSweeper(
		cfg,
		logger,
		txManager,
		commissionRepo,
		ledgerRepo,
		partnerRepo,
		sweepSignals,
		auditProducer,
	)

	// Metrics
	metricsCollector := metrics.NewCollector(logger, commissionRepo)

	// Scheduler
	sweepScheduler, err := scheduler.NewScheduler(cfg, logger, sweeper, metricsCollector)
	if err != nil {
		logger.Error("Failed to create scheduler", "error", err)
		os.Exit(1)
	}

	// HTTP
	httpHandlers := handlers.NewHTTPHandler(
		cfg,
		logger,
		stateMachine,
		sweepScheduler,
		orderRepo,
		ledgerRepo,
		commissionRepo,
		signals,
		metricsCollector,
	)

	httpRouter := mux.NewRouter()
	httpHandlers.RegisterRoutes(httpRouter)
	httpRouter.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      httpRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metricsCollector.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("Metrics collector failed", "error", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sweepScheduler.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("Scheduler failed", "error", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting HTTP server", "port", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Shutting down services...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server gracefully", "error", err)
	}

	wg.Wait()
	logger.Info("Service shutdown complete")
}

// setupLogging configures structured logging
func setupLogging(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}

	handlerOptions := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: cfg.Debug,
	}

	var handler slog.Handler
	if cfg.Environment == "production" {
		handler = slog.NewJSONHandler(os.Stdout, handlerOptions)
	} else {
		handler = slog.NewTextHandler(os.Stdout, handlerOptions)
	}

	logger := slog.New(handler)
	logger = logger.With(
		"service", serviceName,
		"version", version,
		"environment", cfg.Environment,
	)

	slog.SetDefault(logger)
	return logger
}
