// Package app wires configuration, storage, the cache manager, the
// preload scheduler and the HTTP server into a running service.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pioxmdr920415/tilecache/internal/fetch"
	v1 "github.com/pioxmdr920415/tilecache/internal/infrastructure/http/v1"
	"github.com/pioxmdr920415/tilecache/internal/infrastructure/http/v1/handler"
	"github.com/pioxmdr920415/tilecache/internal/provider"
	"github.com/pioxmdr920415/tilecache/internal/repository/store"
	"github.com/pioxmdr920415/tilecache/internal/usecase"
	"github.com/pioxmdr920415/tilecache/pkg/config"
	"github.com/pioxmdr920415/tilecache/pkg/logger"
	"github.com/pioxmdr920415/tilecache/pkg/telemetry"
)

func Run(cfg *config.Config) {
	// Initialize logger
	l := logger.NewZapLogger(cfg.Logger.Level)
	defer l.Sync()

	l.Info("starting tilecache service", "config", cfg)

	// Initialize OpenTelemetry if enabled
	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTracer(telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			Environment:    cfg.Telemetry.Environment,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		}, l)
		if err != nil {
			l.Fatal("failed to initialize telemetry", "error", err)
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				l.Error("failed to shutdown telemetry", "error", err)
			}
		}()
		l.Info("telemetry initialized", "service", cfg.Telemetry.ServiceName)
	}

	// Initialize tile store
	tileStore, err := store.New(cfg.Store, l)
	if err != nil {
		l.Fatal("failed to initialize tile store", "type", cfg.Store.Type, "error", err)
	}

	// Initialize provider registry and upstream fetcher
	registry := provider.NewRegistry(provider.Defaults())
	fetcher := fetch.NewHTTP(cfg.Fetch, l)

	// Initialize cache manager
	manager, err := usecase.NewManager(tileStore, registry, fetcher, l,
		usecase.WithMaxBytes(cfg.Cache.MaxBytes),
	)
	if err != nil {
		l.Fatal("failed to initialize cache manager", "error", err)
	}

	// Initialize preload scheduler
	scheduler := usecase.NewScheduler(manager, registry, cfg.Preload, l)
	scheduler.SetOffline(cfg.Cache.Offline)

	// Initialize handler
	validate := validator.New()
	h := handler.NewHandler(validate, manager, scheduler, l)

	// Initialize router
	router := v1.NewRouter(h, l, cfg.Telemetry.Enabled)

	// Initialize HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.Server.ReadTimeout,
		WriteTimeout: cfg.HTTP.Server.WriteTimeout,
		IdleTimeout:  cfg.HTTP.Server.IdleTimeout,
	}

	// Start server
	go func() {
		l.Info("starting http server", "port", cfg.HTTP.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal("failed to start server", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	l.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		l.Error("server forced to shutdown", "error", err)
	}

	scheduler.Stop()

	if err := manager.Shutdown(); err != nil {
		l.Error("cache manager shutdown failed", "error", err)
	}

	l.Info("server stopped")
}
