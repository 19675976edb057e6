package storage

import (
	"context"
	"fmt"
	"log/slog"

	"podscrub/internal/config"
)

// NewStorage selects and constructs the configured Storage backend.
// StorageBackend == "s3" uses S3Storage (also used for R2 via EndpointURL);
// anything else falls back to the local filesystem backend.
func NewStorage(ctx context.Context, cfg *config.Config) (Storage, error) {
	switch cfg.StorageBackend {
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET is required for s3 storage backend")
		}
		store, err := NewS3Storage(ctx, S3Config{
			Region:      cfg.S3Region,
			Bucket:      cfg.S3Bucket,
			AccessKey:   cfg.S3AccessKey,
			SecretKey:   cfg.S3SecretKey,
			EndpointURL: cfg.S3EndpointURL,
			BaseURL:     cfg.S3BaseURL,
			PublicRead:  cfg.S3PublicRead,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 storage: %w", err)
		}
		return store, nil
	default:
		slog.Info("using local filesystem storage backend", "root", cfg.LocalStorageRoot)
		return NewLocalStorage(cfg.LocalStorageRoot, cfg.BaseURL)
	}
}
