package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/twodo-sync-engine/internal/broadcast"
	"github.com/example/twodo-sync-engine/internal/buffer"
	"github.com/example/twodo-sync-engine/internal/config"
	"github.com/example/twodo-sync-engine/internal/observability"
	"github.com/example/twodo-sync-engine/internal/playback"
	"github.com/example/twodo-sync-engine/internal/presence"
	"github.com/example/twodo-sync-engine/internal/session"
	"github.com/example/twodo-sync-engine/internal/snapshot"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	if err := resources.EnsureBucket(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare snapshot bucket")
	}

	store := buffer.NewPGStore(resources.Postgres)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare buffer schema")
	}

	archiver := snapshot.NewArchiver(resources.Object, cfg.ObjectBucket, logger)
	archiver.Start(ctx)

	manager := session.NewManager(store, archiver, session.ManagerConfig{
		UndoCapacity:   cfg.UndoCapacity,
		RedoCapacity:   cfg.RedoCapacity,
		SnapshotEvery:  cfg.SnapshotEvery,
		SnapshotRetain: cfg.SnapshotRetain,
		BufferDebounce: cfg.BufferDebounce,
	}, logger)

	registry := session.NewRegistry()
	relay := broadcast.NewRedisBroadcaster(resources.Redis, registry, logger)
	relay.Start(ctx)

	pres := presence.NewService(resources.Redis, registry, logger)
	pres.Start(ctx)

	hub := session.NewHub(manager, registry, relay, pres, logger)

	playbackSvc := playback.NewService(manager, playback.NewObjectLoader(resources.Object, cfg.ObjectBucket), logger, playback.ServiceConfig{})

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/diag/", session.NewDiagHandler(manager, registry, logger))
	mux.Handle("/documents/", playback.NewHTTPHandler(playbackSvc, logger))
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	logger.Info().Msg("server dependencies initialized")

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)
	manager.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		resources.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	}
}
