package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/photoloom/internal/api/middleware"
	"github.com/timmy/photoloom/internal/domain"
	"github.com/timmy/photoloom/internal/logger"
	"github.com/timmy/photoloom/internal/pipeline"
	"github.com/timmy/photoloom/internal/repository"
)

const (
	maxSampleSize     = 100
	thumbnailPageSize = 256
)

// CollectionStore is the vector database view the collection endpoints need.
type CollectionStore interface {
	Count(ctx context.Context, collection string) (uint64, error)
	Scroll(ctx context.Context, collection, offset string, limit uint32) ([]repository.ScrolledPoint, string, error)
	DeleteCollection(ctx context.Context, collection string) error
}

// CacheIndex is the dedup cache view the collection endpoints need.
type CacheIndex interface {
	CountByCollection(ctx context.Context, collection string) (int64, error)
	DeleteByCollection(ctx context.Context, collection string) (int64, error)
	ForEach(ctx context.Context, collection string, batchSize int, fn func(entries []domain.CacheEntry) error) error
}

// RunningJobs reports whether a collection is being ingested and keeps new
// jobs off a collection while it is deleted.
type RunningJobs interface {
	Running(collection string) (string, bool)
	Reserve(collection string) (release func(), err error)
}

// ThumbnailRemover deletes stored thumbnails.
type ThumbnailRemover interface {
	Delete(ctx context.Context, collection, contentHash string) error
}

// CollectionHandler handles collection inspection and removal.
type CollectionHandler struct {
	store  CollectionStore
	cache  CacheIndex
	jobs   RunningJobs
	thumbs ThumbnailRemover
}

// NewCollectionHandler creates a new collection handler.
func NewCollectionHandler(store CollectionStore, cache CacheIndex, jobs RunningJobs) *CollectionHandler {
	return &CollectionHandler{store: store, cache: cache, jobs: jobs}
}

// WithThumbnails makes collection deletion also remove the collection's thumbnails.
func (h *CollectionHandler) WithThumbnails(thumbs ThumbnailRemover) *CollectionHandler {
	h.thumbs = thumbs
	return h
}

// CollectionStats is returned by GET /api/v1/collections/:name.
type CollectionStats struct {
	Name          string                     `json:"name"`
	Points        uint64                     `json:"points"`
	CachedEntries int64                      `json:"cached_entries"`
	RunningJob    string                     `json:"running_job,omitempty"`
	Sample        []repository.ScrolledPoint `json:"sample,omitempty"`
	NextOffset    string                     `json:"next_offset,omitempty"`
}

// GetCollection handles GET /api/v1/collections/:name.
// Optional query parameters sample (point count) and offset page through stored points.
func (h *CollectionHandler) GetCollection(c *gin.Context) {
	name, ok := collectionParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	points, err := h.store.Count(ctx, name)
	if err != nil {
		writeCollectionError(c, err)
		return
	}
	cached, err := h.cache.CountByCollection(ctx, name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count cache entries: " + err.Error()})
		return
	}

	stats := CollectionStats{Name: name, Points: points, CachedEntries: cached}
	if id, running := h.jobs.Running(name); running {
		stats.RunningJob = id
	}

	if raw := c.Query("sample"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sample must be a positive integer"})
			return
		}
		sample, next, err := h.store.Scroll(ctx, name, c.Query("offset"), uint32(min(n, maxSampleSize)))
		if err != nil {
			writeCollectionError(c, err)
			return
		}
		stats.Sample, stats.NextOffset = sample, next
	}

	c.JSON(http.StatusOK, stats)
}

// DeleteCollection handles DELETE /api/v1/collections/:name. It drops the
// vector collection, its thumbnails and its dedup cache entries. No job can
// start on the collection until the deletion finishes.
func (h *CollectionHandler) DeleteCollection(c *gin.Context) {
	name, ok := collectionParam(c)
	if !ok {
		return
	}
	release, err := h.jobs.Reserve(name)
	if err != nil {
		resp := gin.H{"error": "collection has a running job"}
		if id, running := h.jobs.Running(name); running {
			resp["job_id"] = id
		}
		c.JSON(http.StatusConflict, resp)
		return
	}
	defer release()
	ctx := c.Request.Context()
	log := middleware.GetLogger(c)

	if err := h.store.DeleteCollection(ctx, name); err != nil {
		writeCollectionError(c, err)
		return
	}

	var thumbsRemoved int
	if h.thumbs != nil {
		err := h.cache.ForEach(ctx, name, thumbnailPageSize, func(entries []domain.CacheEntry) error {
			for _, e := range entries {
				if err := h.thumbs.Delete(ctx, name, e.ContentHash); err != nil {
					log.WithError(err).WithField(logger.FieldContentHash, e.ContentHash).Warn("Failed to delete thumbnail")
					continue
				}
				thumbsRemoved++
			}
			return nil
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list thumbnails: " + err.Error()})
			return
		}
	}

	removed, err := h.cache.DeleteByCollection(ctx, name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear cache: " + err.Error()})
		return
	}

	log.WithFields(logger.Fields{
		logger.FieldCollection: name,
		logger.FieldCount:      removed,
		"thumbnails_removed":   thumbsRemoved,
	}).Warn("Collection deleted")
	c.JSON(http.StatusOK, gin.H{
		"deleted":               name,
		"cache_entries_removed": removed,
		"thumbnails_removed":    thumbsRemoved,
	})
}

func collectionParam(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !pipeline.ValidCollectionName(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid collection name"})
		return "", false
	}
	return name, true
}

func writeCollectionError(c *gin.Context, err error) {
	if errors.Is(err, repository.ErrCollectionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
