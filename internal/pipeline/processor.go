package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/timmy/photoloom/internal/domain"
	"github.com/timmy/photoloom/internal/logger"
	"github.com/timmy/photoloom/internal/photo"
	"github.com/timmy/photoloom/internal/repository"
)

// claimSet remembers which content hashes a job has already routed.
type claimSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newClaimSet() *claimSet {
	return &claimSet{seen: make(map[string]struct{})}
}

// claim returns false if hash was claimed before.
func (c *claimSet) claim(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[hash]; ok {
		return false
	}
	c.seen[hash] = struct{}{}
	return true
}

// processor is the CPU stage: hash, dedup lookup, decode, re-encode.
type processor struct {
	job           *Job
	cache         DedupCache
	decoder       ImageDecoder
	claimed       *claimSet
	thumbnailSize int
	transportMax  int
}

func (p *processor) run(ctx context.Context, in <-chan string, mlOut chan<- mlWorkItem, dbOut chan<- domain.StorageRecord) {
	for {
		select {
		case path, ok := <-in:
			if !ok {
				return
			}
			p.handle(ctx, path, mlOut, dbOut)
		case <-ctx.Done():
			return
		}
	}
}

func (p *processor) handle(ctx context.Context, path string, mlOut chan<- mlWorkItem, dbOut chan<- domain.StorageRecord) {
	hash, err := hashFile(path)
	if err != nil {
		p.job.fail(ctx, path, stageProcess, err)
		return
	}

	if !p.claimed.claim(hash) {
		p.job.addDuplicate(ctx, path, hash)
		return
	}

	collection := p.job.Collection
	entry, err := p.cache.Get(ctx, collection, hash)
	switch {
	case err == nil:
		rec := p.recordFromCache(path, entry)
		select {
		case dbOut <- rec:
			p.job.addCached()
		case <-ctx.Done():
		}
		return
	case !errors.Is(err, repository.ErrCacheMiss):
		logger.FromContext(ctx).WithField(logger.FieldContentHash, hash).WithError(err).Warn("[Processor] Cache lookup failed, treating as miss")
	}

	item, err := p.prepare(ctx, path, hash)
	if err != nil {
		p.job.fail(ctx, path, stageProcess, err)
		return
	}

	select {
	case mlOut <- item:
	case <-ctx.Done():
	}
}

// recordFromCache reuses the cached vector and caption with metadata read from this file.
func (p *processor) recordFromCache(path string, entry *domain.CacheEntry) domain.StorageRecord {
	payload := entry.Payload
	if meta, err := photo.ExtractMetadata(path); err == nil {
		meta.Width = payload.Width
		meta.Height = payload.Height
		payload.PhotoMetadata = meta
	}
	payload.ContentHash = entry.ContentHash
	payload.IngestedAt = time.Now().UTC()
	payload.IngestedByJob = p.job.ID

	return domain.StorageRecord{
		PointID: entry.PointID,
		Vector:  entry.Vector,
		Payload: payload,
		Origin:  domain.OriginCached,
	}
}

func (p *processor) prepare(ctx context.Context, path, hash string) (mlWorkItem, error) {
	img, err := p.decoder.Decode(ctx, path)
	if err != nil {
		return mlWorkItem{}, err
	}

	meta, err := photo.ExtractMetadata(path)
	if err != nil {
		return mlWorkItem{}, fmt.Errorf("metadata: %w", err)
	}
	bounds := img.Bounds()
	meta.Width, meta.Height = bounds.Dx(), bounds.Dy()

	transport, err := photo.EncodeTransport(img, p.transportMax)
	if err != nil {
		return mlWorkItem{}, err
	}
	thumb, err := photo.Thumbnail(img, p.thumbnailSize)
	if err != nil {
		return mlWorkItem{}, err
	}

	return mlWorkItem{
		Path:        path,
		ContentHash: hash,
		PointID:     PointID(p.job.Collection, hash),
		Image:       transport,
		Thumbnail:   thumb,
		Metadata:    meta,
	}, nil
}

// hashFile streams path through SHA-256.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
