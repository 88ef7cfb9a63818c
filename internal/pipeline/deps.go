package pipeline

import (
	"context"
	"image"

	"github.com/timmy/photoloom/internal/domain"
	"github.com/timmy/photoloom/internal/service"
)

// Embedder is the ML service boundary.
type Embedder interface {
	BatchEmbedAndCaption(ctx context.Context, images []service.MLImage) ([]service.MLResult, error)
}

// VectorStore is the vector database boundary.
type VectorStore interface {
	EnsureCollection(ctx context.Context, collection string) error
	UpsertBatch(ctx context.Context, collection string, records []domain.StorageRecord) error
	ExistingIDs(ctx context.Context, collection string, ids []string) (map[string]bool, error)
}

// DedupCache maps (collection, content hash) to a previous ML result.
type DedupCache interface {
	Get(ctx context.Context, collection, contentHash string) (*domain.CacheEntry, error)
	Put(ctx context.Context, entry *domain.CacheEntry) error
	ForEach(ctx context.Context, collection string, batchSize int, fn func(entries []domain.CacheEntry) error) error
}

// Planner sizes a job's queues and worker pools.
type Planner interface {
	Plan(ctx context.Context) domain.BatchPlan
}

// ImageDecoder turns a supported file into an upright bitmap.
type ImageDecoder interface {
	Decode(ctx context.Context, path string) (image.Image, error)
}

// ThumbnailStore uploads thumbnails and returns their URL.
type ThumbnailStore interface {
	Put(ctx context.Context, collection, contentHash string, jpeg []byte) (string, error)
}

// JobStore persists job summaries.
type JobStore interface {
	Save(ctx context.Context, job *domain.JobRecord) error
	ListRecent(ctx context.Context, limit int) ([]domain.JobRecord, error)
}

// Dependencies are the collaborators shared by every job of a Manager.
// Thumbs and History are optional.
type Dependencies struct {
	Store    VectorStore
	Cache    DedupCache
	Embedder Embedder
	Planner  Planner
	Decoder  ImageDecoder
	Thumbs   ThumbnailStore
	History  JobStore
}
