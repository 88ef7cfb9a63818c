package repository

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/timmy/photoloom/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrCacheMiss is returned when no dedup entry exists for a (collection, hash) pair.
var ErrCacheMiss = errors.New("dedup cache miss")

const defaultHotEntries = 1024

type cacheKey struct {
	collection string
	hash       string
}

// CacheRepository is the persistent dedup cache, keyed by (collection, content hash).
// Reads go through an in-process LRU; writes go to the database first.
// Returned entries are shared and must be treated as read-only.
type CacheRepository struct {
	db  *gorm.DB
	hot *lru.Cache[cacheKey, *domain.CacheEntry]
}

// NewCacheRepository creates a CacheRepository.
// Parameters:
//   - db: GORM database handle.
//   - hotEntries: LRU capacity; <= 0 uses a default.
func NewCacheRepository(db *gorm.DB, hotEntries int) (*CacheRepository, error) {
	if hotEntries <= 0 {
		hotEntries = defaultHotEntries
	}
	hot, err := lru.New[cacheKey, *domain.CacheEntry](hotEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache LRU: %w", err)
	}
	return &CacheRepository{db: db, hot: hot}, nil
}

// Get retrieves the entry for a content hash in a collection.
// Returns ErrCacheMiss when there is none.
func (r *CacheRepository) Get(ctx context.Context, collection, contentHash string) (*domain.CacheEntry, error) {
	key := cacheKey{collection: collection, hash: contentHash}
	if entry, ok := r.hot.Get(key); ok {
		return entry, nil
	}

	var entry domain.CacheEntry
	err := r.db.WithContext(ctx).
		Where("collection = ? AND content_hash = ?", collection, contentHash).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	r.hot.Add(key, &entry)
	return &entry, nil
}

// Put inserts or replaces the entry for (entry.Collection, entry.ContentHash).
func (r *CacheRepository) Put(ctx context.Context, entry *domain.CacheEntry) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "content_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"point_id", "vector", "payload", "updated_at"}),
	}).Create(entry).Error
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	r.hot.Add(cacheKey{collection: entry.Collection, hash: entry.ContentHash}, entry)
	return nil
}

// ForEach walks every entry of a collection in pages of batchSize.
// Iteration stops at the first error returned by fn.
func (r *CacheRepository) ForEach(ctx context.Context, collection string, batchSize int, fn func(entries []domain.CacheEntry) error) error {
	if batchSize <= 0 {
		batchSize = 256
	}

	last := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// keyset paging on content_hash; the table has a composite primary key
		var page []domain.CacheEntry
		if err := r.db.WithContext(ctx).
			Where("collection = ? AND content_hash > ?", collection, last).
			Order("content_hash").
			Limit(batchSize).
			Find(&page).Error; err != nil {
			return fmt.Errorf("failed to scan cache for %s: %w", collection, err)
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < batchSize {
			return nil
		}
		last = page[len(page)-1].ContentHash
	}
}

// CountByCollection counts cache entries of a collection.
func (r *CacheRepository) CountByCollection(ctx context.Context, collection string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.CacheEntry{}).
		Where("collection = ?", collection).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteByCollection removes every cache entry of a collection.
func (r *CacheRepository) DeleteByCollection(ctx context.Context, collection string) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("collection = ?", collection).
		Delete(&domain.CacheEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge cache for %s: %w", collection, result.Error)
	}

	for _, key := range r.hot.Keys() {
		if key.collection == collection {
			r.hot.Remove(key)
		}
	}
	return result.RowsAffected, nil
}
