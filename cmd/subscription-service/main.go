package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/draftea/subscription-system/shared/telemetry"
	"github.com/draftea/subscription-system/subscription-service/config"
	"github.com/draftea/subscription-system/subscription-service/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	cfg, err := config.ReadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize dependencies
	ctx := context.Background()
	deps, err := config.BuildDependencies(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build dependencies: %v", err)
	}
	logger := deps.Logger
	defer func() {
		if err := deps.Close(); err != nil {
			log.Printf("Error closing dependencies: %v", err)
		}
	}()

	logger.Info("starting service",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.Store.Driver),
	)

	if cfg.Saga.RecoverOnStart {
		recovered, err := deps.Orchestrator.Recover(telemetry.WithTelemetry(ctx, deps.Telemetry))
		if err != nil {
			logger.Error("saga recovery failed", zap.Error(err))
		} else if recovered > 0 {
			logger.Info("recovered interrupted sagas", zap.Int("count", recovered))
		}
	}

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: setupRouter(deps),
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(runCtx)

	if cfg.Outbox.Enabled {
		group.Go(func() error {
			deps.Dispatcher.Run(groupCtx)
			return nil
		})
	}

	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for interrupt signal to gracefully shutdown
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("service stopped with error", zap.Error(err))
	}

	// Sagas started by requests keep running in the background
	deps.Orchestrator.Wait()
	logger.Info("service stopped")
}

func setupRouter(deps *config.Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// Telemetry middleware (inject telemetry into context)
	if deps.Telemetry != nil {
		r.Use(telemetry.Middleware(deps.Telemetry))
	}

	r.Get("/health", deps.SubscriptionHandlers.Health)

	// Metrics endpoint for Prometheus
	r.Handle("/metrics", handlers.NewMetricsHandler())

	deps.SubscriptionHandlers.RegisterRoutes(r)

	return r
}
