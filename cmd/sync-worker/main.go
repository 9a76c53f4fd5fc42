package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/sagewell/carebook-platform/internal/cache"
	"github.com/sagewell/carebook-platform/internal/calendar"
	appconfig "github.com/sagewell/carebook-platform/internal/config"
	"github.com/sagewell/carebook-platform/internal/events"
	"github.com/sagewell/carebook-platform/internal/observability/metrics"
	"github.com/sagewell/carebook-platform/internal/scheduling"
	"github.com/sagewell/carebook-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting calendar sync worker",
		"interval", cfg.SyncInterval.String(), "window_days", cfg.SyncWindowDays)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	var slotCache cache.Cache
	if cfg.RedisAddr != "" {
		slotCache = cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisTLS)
	} else {
		slotCache = cache.NewMemory(nil)
	}

	store := scheduling.NewStore(pool)
	calStore := calendar.NewStore(pool)
	expander := scheduling.NewExpander(cfg.ExpansionHorizonDays)
	service := scheduling.NewService(store, expander, slotCache, cfg.SlotCacheTTL, logger)
	google := calendar.NewGoogleClient(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURI)

	reconciler, err := calendar.NewReconciler(calendar.ReconcilerConfig{
		Provider:     google,
		Integrations: calStore,
		Events:       calStore,
		Slots:        store,
		Outbox:       events.NewOutboxStore(pool),
		Invalidator:  service,
		Logger:       logger,
		Metrics:      metrics.NewSchedulingMetrics(nil),
		WindowDays:   cfg.SyncWindowDays,
	})
	if err != nil {
		logger.Error("failed to create reconciler", "error", err)
		os.Exit(1)
	}

	syncService, err := calendar.NewSyncService(calendar.SyncServiceConfig{
		Reconciler: reconciler,
		Interval:   cfg.SyncInterval,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to create sync service", "error", err)
		os.Exit(1)
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("shutting down sync worker...")
		cancel()
	}()

	syncService.Start(ctx)
	logger.Info("sync worker stopped")
}
