package storage

import (
	"strings"

	"github.com/timmy/photoloom/internal/config"
)

// NewThumbnailStore builds the thumbnail store from configuration.
// Returns nil, nil when object storage is disabled; callers then inline thumbnails.
func NewThumbnailStore(cfg config.StorageConfig) (*ThumbnailStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	s3cfg := &S3Config{
		Type:      StorageType(cfg.Type),
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		PublicURL: cfg.PublicURL,
	}
	// Auto-detect storage type if not specified
	if s3cfg.Type == "" {
		s3cfg.Type = detectStorageType(cfg.Endpoint)
	}

	objects, err := NewS3Storage(s3cfg)
	if err != nil {
		return nil, err
	}
	return NewThumbnails(objects, defaultThumbnailPrefix), nil
}

// detectStorageType attempts to detect the storage type from the endpoint
func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)

	switch {
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}
