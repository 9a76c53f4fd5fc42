package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sagewell/carebook-platform/internal/api/router"
	"github.com/sagewell/carebook-platform/internal/cache"
	"github.com/sagewell/carebook-platform/internal/calendar"
	appconfig "github.com/sagewell/carebook-platform/internal/config"
	"github.com/sagewell/carebook-platform/internal/conflicts"
	"github.com/sagewell/carebook-platform/internal/events"
	"github.com/sagewell/carebook-platform/internal/http/handlers"
	"github.com/sagewell/carebook-platform/internal/identity"
	"github.com/sagewell/carebook-platform/internal/notify"
	"github.com/sagewell/carebook-platform/internal/observability/metrics"
	"github.com/sagewell/carebook-platform/internal/scheduling"
	"github.com/sagewell/carebook-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting carebook API server", "env", cfg.Env, "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	registry := prometheus.NewRegistry()
	schedMetrics := metrics.NewSchedulingMetrics(registry)

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
	mirror := calendar.NewMirror(google, calStore, logger)
	assignor := scheduling.NewAssignor(store, calStore, logger).
		WithMirror(mirror).
		WithMetrics(schedMetrics)

	outboxStore := events.NewOutboxStore(pool)
	emailSender := notify.EmailSender(notify.NewStubEmailSender(logger))
	if sg := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.EmailFrom,
		FromName:  cfg.EmailFromName,
	}, logger); sg != nil {
		emailSender = sg
	}
	dispatcher := notify.NewDispatcher(emailSender, events.NewProcessedStore(pool), logger)
	deliverer := events.NewDeliverer(outboxStore, dispatcher, logger).
		WithBatchSize(int32(cfg.OutboxBatchSize)).
		WithInterval(cfg.OutboxInterval)
	go deliverer.Start(ctx)

	reconciler, err := calendar.NewReconciler(calendar.ReconcilerConfig{
		Provider:     google,
		Integrations: calStore,
		Events:       calStore,
		Slots:        store,
		Outbox:       outboxStore,
		Invalidator:  service,
		Logger:       logger,
		Metrics:      schedMetrics,
		WindowDays:   cfg.SyncWindowDays,
	})
	if err != nil {
		logger.Error("failed to create reconciler", "error", err)
		os.Exit(1)
	}

	detector := conflicts.NewDetector(store, calStore, logger)
	resolver := conflicts.NewResolver(detector, store, calStore, logger).
		WithMetrics(schedMetrics).
		WithInvalidator(service)

	authorizer := identity.NewAuthorizer(identity.NewPgApprovalStore(pool))

	r := router.New(&router.Config{
		Logger:          logger,
		WindowsHandler:  handlers.NewWindowsHandler(service, authorizer, logger),
		SlotsHandler:    handlers.NewSlotsHandler(service, logger),
		BookingsHandler: handlers.NewBookingsHandler(assignor, store, logger),
		CalendarHandler: calendar.NewHandler(calStore, reconciler, logger),
		ConflictHandler: conflicts.NewHandler(detector, resolver, logger),
		MetricsHandler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),

		ActorJWTSecret:     cfg.ActorJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		BookingRatePerSec:  cfg.BookingRatePerSec,
		BookingBurst:       cfg.BookingBurst,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
