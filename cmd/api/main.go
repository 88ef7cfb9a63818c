package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/photoloom/internal/api"
	"github.com/timmy/photoloom/internal/api/handler"
	"github.com/timmy/photoloom/internal/app"
	"github.com/timmy/photoloom/internal/config"
	"github.com/timmy/photoloom/internal/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}

	collections := handler.NewCollectionHandler(a.Qdrant, a.Cache, a.Manager)
	if a.Thumbs != nil {
		collections.WithThumbnails(a.Thumbs)
	}

	router := api.SetupRouter(api.Handlers{
		Health:       handler.NewHealthHandler(a.HealthChecks()),
		Jobs:         handler.NewJobHandler(a.Manager),
		Collections:  collections,
		Capabilities: handler.NewCapabilitiesHandler(a.Negotiator),
	}, cfg.Server)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	// running jobs are cancelled and persisted before connections close
	if err := a.Close(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Failed to stop ingestion jobs cleanly")
	}

	appLogger.Info("Server exited")
}
