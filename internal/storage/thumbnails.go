package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
)

const defaultThumbnailPrefix = "thumbnails"

// ThumbnailStore keeps one JPEG thumbnail per (collection, content hash).
// Objects are content-addressed, so an existing key is never uploaded twice.
type ThumbnailStore struct {
	objects ObjectStorage
	prefix  string
}

// NewThumbnails wraps an ObjectStorage as a thumbnail store.
func NewThumbnails(objects ObjectStorage, prefix string) *ThumbnailStore {
	return &ThumbnailStore{objects: objects, prefix: prefix}
}

// Key returns the object key of a thumbnail.
func (s *ThumbnailStore) Key(collection, contentHash string) string {
	shard := contentHash
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return path.Join(s.prefix, collection, shard, contentHash+".jpg")
}

// Put uploads a thumbnail unless it is already stored and returns its public URL.
func (s *ThumbnailStore) Put(ctx context.Context, collection, contentHash string, jpeg []byte) (string, error) {
	key := s.Key(collection, contentHash)

	exists, err := s.objects.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := s.objects.Upload(ctx, key, bytes.NewReader(jpeg), int64(len(jpeg)), "image/jpeg"); err != nil {
			return "", fmt.Errorf("thumbnail %s: %w", contentHash, err)
		}
	}
	return s.objects.GetURL(key), nil
}

// Delete removes a thumbnail.
func (s *ThumbnailStore) Delete(ctx context.Context, collection, contentHash string) error {
	return s.objects.Delete(ctx, s.Key(collection, contentHash))
}

type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

// Prepare makes sure the backing bucket exists when the backend supports it.
func (s *ThumbnailStore) Prepare(ctx context.Context) error {
	if b, ok := s.objects.(bucketEnsurer); ok {
		return b.EnsureBucket(ctx)
	}
	return nil
}
