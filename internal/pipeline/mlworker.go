package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/timmy/photoloom/internal/domain"
	"github.com/timmy/photoloom/internal/logger"
	"github.com/timmy/photoloom/internal/service"
)

var (
	errMissingResult  = errors.New("ml service returned no result for item")
	errEmptyEmbedding = errors.New("ml service returned an empty embedding")
)

// mlWorker is the GPU stage: it gathers batches, calls the ML service and
// turns results into storage records.
type mlWorker struct {
	job           *Job
	embedder      Embedder
	cache         DedupCache
	thumbs        ThumbnailStore
	batchSize     int
	gatherTimeout time.Duration
}

func (w *mlWorker) run(ctx context.Context, in <-chan mlWorkItem, out chan<- domain.StorageRecord) {
	for {
		batch, open := w.gather(ctx, in)
		if len(batch) > 0 {
			w.process(ctx, batch, out)
		}
		if !open {
			return
		}
	}
}

// gather waits up to gatherTimeout for a first item, then takes whatever else
// is ready without blocking, up to batchSize. open is false once in is closed
// and drained or ctx is done.
func (w *mlWorker) gather(ctx context.Context, in <-chan mlWorkItem) (batch []mlWorkItem, open bool) {
	timer := time.NewTimer(w.gatherTimeout)
	defer timer.Stop()

	select {
	case item, ok := <-in:
		if !ok {
			return nil, false
		}
		batch = append(make([]mlWorkItem, 0, w.batchSize), item)
	case <-timer.C:
		return nil, true
	case <-ctx.Done():
		return nil, false
	}

	for len(batch) < w.batchSize {
		select {
		case item, ok := <-in:
			if !ok {
				return batch, false
			}
			batch = append(batch, item)
		default:
			return batch, true
		}
	}
	return batch, true
}

func (w *mlWorker) process(ctx context.Context, batch []mlWorkItem, out chan<- domain.StorageRecord) {
	images := make([]service.MLImage, len(batch))
	for i, item := range batch {
		images[i] = service.MLImage{
			UniqueID:    item.ContentHash,
			ImageBase64: base64.StdEncoding.EncodeToString(item.Image),
			Filename:    filepath.Base(item.Path),
		}
	}

	start := time.Now()
	results, err := w.embedder.BatchEmbedAndCaption(ctx, images)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.With(logger.Fields{
			logger.FieldBatchSize:  len(batch),
			logger.FieldDurationMs: elapsed,
		}).Error(ctx, "[ML] Batch request failed: %v", err)
		w.job.logf(ctx, "error", "ml batch of %d failed: %v", len(batch), err)
		for _, item := range batch {
			w.job.fail(ctx, item.Path, stageML, err)
		}
		return
	}

	logger.With(logger.Fields{
		logger.FieldBatchSize:  len(batch),
		logger.FieldDurationMs: elapsed,
		logger.FieldCount:      len(results),
	}).Debug(ctx, "[ML] Batch returned")

	byID := make(map[string]service.MLResult, len(results))
	for _, r := range results {
		byID[r.UniqueID] = r
	}

	for _, item := range batch {
		r, ok := byID[item.ContentHash]
		switch {
		case !ok:
			w.job.fail(ctx, item.Path, stageML, errMissingResult)
			continue
		case r.Error != "":
			w.job.fail(ctx, item.Path, stageML, fmt.Errorf("ml service: %s", r.Error))
			continue
		case len(r.Embedding) == 0:
			w.job.fail(ctx, item.Path, stageML, errEmptyEmbedding)
			continue
		}

		rec := w.buildRecord(ctx, item, r)
		if err := w.cache.Put(ctx, &domain.CacheEntry{
			Collection:  w.job.Collection,
			ContentHash: item.ContentHash,
			PointID:     rec.PointID,
			Vector:      rec.Vector,
			Payload:     rec.Payload,
		}); err != nil {
			logger.FromContext(ctx).WithField(logger.FieldContentHash, item.ContentHash).WithError(err).Warn("[ML] Failed to write cache entry")
		}

		select {
		case out <- rec:
			w.job.addProcessed()
		case <-ctx.Done():
			return
		}
	}
}

func (w *mlWorker) buildRecord(ctx context.Context, item mlWorkItem, r service.MLResult) domain.StorageRecord {
	payload := domain.PhotoPayload{
		PhotoMetadata: item.Metadata,
		ContentHash:   item.ContentHash,
		Caption:       r.Caption,
		IngestedAt:    time.Now().UTC(),
		IngestedByJob: w.job.ID,
	}

	if w.thumbs != nil {
		url, err := w.thumbs.Put(ctx, w.job.Collection, item.ContentHash, item.Thumbnail)
		if err == nil {
			payload.ThumbnailURL = url
		} else {
			logger.FromContext(ctx).WithField(logger.FieldContentHash, item.ContentHash).WithError(err).Warn("[ML] Thumbnail upload failed, storing inline")
		}
	}
	if payload.ThumbnailURL == "" {
		payload.Thumbnail = base64.StdEncoding.EncodeToString(item.Thumbnail)
	}

	return domain.StorageRecord{
		PointID: item.PointID,
		Vector:  r.Embedding,
		Payload: payload,
		Origin:  domain.OriginEmbedded,
	}
}
