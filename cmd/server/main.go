package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"board-collab/internal/api"
	"board-collab/internal/bridge"
	"board-collab/internal/config"
	"board-collab/internal/db"
	"board-collab/internal/logging"
	"board-collab/internal/metrics"
	"board-collab/internal/repository"
	"board-collab/internal/services/collaboration"
	"board-collab/internal/services/coordinator"
	"board-collab/internal/services/locks"
	"board-collab/internal/services/presence"
	"board-collab/internal/services/preview"
	"board-collab/internal/services/selection"
	"board-collab/internal/services/versions"
	"board-collab/internal/telemetry"

	"go.uber.org/zap"
)

/*
Startup order:
 1. config, logger, tracing
 2. optional persistence and Redis bridge
 3. relay, the five components, coordinator wiring
 4. background sweeps and the HTTP server

Shutdown runs in reverse: stop accepting requests, disconnect every session
(which releases their locks), stop sweeps, then close storage and flush traces.
*/

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "board-collab: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting board collaboration coordinator", zap.String("addr", cfg.Addr()))

	// Tracing first so everything below is traced
	jaegerShutdown, err := telemetry.InitJaeger("board-collab", cfg.JaegerEndpoint, cfg.TraceSampleRatio, logger)
	if err != nil {
		logger.Warn("Failed to initialize Jaeger, continuing without tracing", zap.Error(err))
		jaegerShutdown = func(context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			logger.Warn("Failed to shutdown Jaeger", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector("collab")

	var versionOpts []versions.Option
	if cfg.DBEnabled {
		database, err := db.NewGorm(cfg, logger)
		if err != nil {
			return err
		}
		defer database.Close()
		versionOpts = append(versionOpts,
			versions.WithStore(repository.NewVersionRepository(database.DB)),
			versions.WithIdleEviction(cfg.VersionIdleTTL),
		)
	}

	relay := collaboration.NewRelay(logger, collector, cfg.SendBufferSize,
		collaboration.WithPongWait(cfg.PresenceStaleAfter),
	)

	var redisBridge *bridge.RedisBridge
	if cfg.RedisAddr != "" {
		redisBridge, err = bridge.NewRedisBridge(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			return err
		}
		defer redisBridge.Close()
		relay.SetBridge(redisBridge)
	}

	presenceTracker := presence.NewTracker(relay, presence.Config{
		SweepInterval: cfg.PresenceSweepInterval,
		StaleAfter:    cfg.PresenceStaleAfter,
	}, logger, collector)
	lockManager := locks.NewManager(relay, locks.Config{
		TTL:           cfg.LockTTL,
		SweepInterval: cfg.LockSweepInterval,
		RenewInterval: cfg.LockRenewInterval,
	}, logger, collector)
	previews := preview.NewBroadcaster(ctx, relay, cfg.PreviewDebounce, logger, collector)
	defer previews.Close()
	versionTracker := versions.NewTracker(relay, cfg.VersionHistoryLimit, logger, collector, versionOpts...)
	selections := selection.NewRegistry(relay, logger, collector, selection.WithClearOnHidden(cfg.SelectionClearOnHidden))

	coord := coordinator.New(relay, presenceTracker, lockManager, previews, versionTracker, selections, logger)
	coord.Register()

	// Background sweeps
	var wg sync.WaitGroup
	background := []func(context.Context){presenceTracker.Run, lockManager.Run, versionTracker.Run}
	if redisBridge != nil {
		background = append(background, func(ctx context.Context) { redisBridge.Run(ctx, relay.DeliverLocal) })
	}
	for _, fn := range background {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(fn)
	}

	wsHandler := collaboration.NewWebSocketHandler(relay, logger)
	handler := api.NewHandler(relay, coord, versionTracker, logger)
	router := api.SetupRoutes(handler, wsHandler.HandleConnection, collector.Handler(), logger)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", cfg.Addr()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	stop()

	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	// Hijacked websocket connections are not covered by server.Shutdown
	relay.Shutdown(shutdownCtx)
	wg.Wait()

	logger.Info("Server shutdown complete")
	return nil
}
