// Package app wires configuration into the ingestion pipeline and its collaborators.
package app

import (
	"context"
	"fmt"

	"github.com/timmy/photoloom/internal/api/handler"
	"github.com/timmy/photoloom/internal/config"
	"github.com/timmy/photoloom/internal/logger"
	"github.com/timmy/photoloom/internal/photo"
	"github.com/timmy/photoloom/internal/pipeline"
	"github.com/timmy/photoloom/internal/repository"
	"github.com/timmy/photoloom/internal/service"
	"github.com/timmy/photoloom/internal/storage"
	"gorm.io/gorm"
)

// App holds the long-lived components shared by the API server and the CLI.
type App struct {
	Config     *config.Config
	DB         *gorm.DB
	Cache      *repository.CacheRepository
	Jobs       *repository.JobRepository
	Qdrant     *repository.QdrantRepository
	ML         *service.MLService
	Negotiator *service.Negotiator
	Thumbs     *storage.ThumbnailStore // nil when object storage is disabled
	Manager    *pipeline.Manager
}

// New builds every component from cfg. Call Close when done.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	cache, err := repository.NewCacheRepository(db, cfg.Cache.LRUSize)
	if err != nil {
		return nil, err
	}
	jobs := repository.NewJobRepository(db)

	qdrantRepo, err := repository.NewQdrantRepository(&repository.QdrantConnectionConfig{
		Host:            cfg.Qdrant.Host,
		Port:            cfg.Qdrant.Port,
		APIKey:          cfg.Qdrant.APIKey,
		UseTLS:          cfg.Qdrant.UseTLS,
		VectorDimension: cfg.Qdrant.VectorDimension,
		MaxMessageBytes: cfg.Qdrant.MaxPayloadBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Qdrant repository: %w", err)
	}

	thumbs, err := storage.NewThumbnailStore(cfg.Storage)
	if err != nil {
		qdrantRepo.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if thumbs != nil {
		if err := thumbs.Prepare(ctx); err != nil {
			qdrantRepo.Close()
			return nil, fmt.Errorf("failed to prepare thumbnail bucket: %w", err)
		}
		logger.Info("Thumbnails go to object storage: bucket=%s", cfg.Storage.Bucket)
	}

	mlService := service.NewMLService(&service.MLConfig{
		BaseURL: cfg.ML.BaseURL,
		Timeout: cfg.ML.Timeout,
		Retries: cfg.ML.CapabilityRetries,
	})

	negotiator := service.NewNegotiator(mlService, service.NegotiatorConfig{
		BatchSizeOverride: cfg.Ingest.MLBatchSize,
		TTL:               cfg.ML.CapabilitiesTTL,
		QueueMultiplier:   cfg.Ingest.MLQueueMultiplier,
		ProcessorWorkers:  cfg.Ingest.ProcessorWorkers,
		MLWorkers:         cfg.Ingest.MLWorkers,
		DBWorkers:         cfg.Ingest.DBWorkers,
		DBBatchSize:       cfg.Ingest.DBBatchSize,
		RawQueueCapacity:  cfg.Ingest.QueueCapacity,
	})

	decoder := photo.NewDecoder(photo.DecoderConfig{
		RawCommand:     cfg.Raw.DecoderCommand,
		RawArgs:        cfg.Raw.DecoderArgs,
		PreferExternal: cfg.Raw.PreferExternal,
	})

	deps := pipeline.Dependencies{
		Store:    qdrantRepo,
		Cache:    cache,
		Embedder: mlService,
		Planner:  negotiator,
		Decoder:  decoder,
		History:  jobs,
	}
	if thumbs != nil {
		deps.Thumbs = thumbs
	}

	manager := pipeline.NewManager(deps, pipeline.Config{
		GatherTimeout:         cfg.Ingest.GatherTimeout,
		FlushInterval:         cfg.Ingest.DBFlushInterval,
		MaxBatchBytes:         cfg.Qdrant.BatchByteCeiling(),
		ThumbnailSize:         cfg.Ingest.ThumbnailSize,
		TransportMaxDimension: cfg.Ingest.TransportMaxDimension,
		Retention:             cfg.Ingest.JobRetention,
		LogLines:              cfg.Ingest.LogLines,
	})

	return &App{
		Config:     cfg,
		DB:         db,
		Cache:      cache,
		Jobs:       jobs,
		Qdrant:     qdrantRepo,
		ML:         mlService,
		Negotiator: negotiator,
		Thumbs:     thumbs,
		Manager:    manager,
	}, nil
}

// HealthChecks returns the dependency probes served on /health.
func (a *App) HealthChecks() map[string]handler.Check {
	return map[string]handler.Check{
		"database": func(ctx context.Context) error {
			sqlDB, err := a.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"qdrant": a.Qdrant.Ping,
		"ml": func(ctx context.Context) error {
			_, err := a.ML.Capabilities(ctx)
			return err
		},
	}
}

// Close stops running jobs and releases connections.
func (a *App) Close(ctx context.Context) error {
	err := a.Manager.Shutdown(ctx)
	if cerr := a.Qdrant.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if sqlDB, derr := a.DB.DB(); derr == nil {
		if cerr := sqlDB.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
