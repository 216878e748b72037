// Package storage connects the artifact store backend selected in config
package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/UnendingLoop/ArchiveIIIF/internal/config"
	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/UnendingLoop/ArchiveIIIF/internal/storage/miniostorage"
	"github.com/UnendingLoop/ArchiveIIIF/internal/storage/s3storage"
)

// ObjectStore - общий контракт minio/s3 бэкендов
type ObjectStore interface {
	Put(ctx context.Context, key string, size int64, contentType string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, model.ObjectInfo, error)
	Stat(ctx context.Context, key string) (model.ObjectInfo, error)
}

// NewObjectStore retries until the backend answers or ctx is cancelled.
func NewObjectStore(ctx context.Context, cfg config.Storage, delay time.Duration) (ObjectStore, error) {
	for {
		log.Printf("Connecting to %s artifact storage...", cfg.Backend)
		strg, err := connect(ctx, cfg)
		if err == nil {
			log.Println("Successfully connected artifact storage!")
			return strg, nil
		}
		log.Printf("Failed to init connection to artifact storage: %v\nNext retry in %v...", err, delay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func connect(ctx context.Context, cfg config.Storage) (ObjectStore, error) {
	switch cfg.Backend {
	case "", "minio":
		strg, err := miniostorage.NewMinioClient(ctx, miniostorage.Config{
			Addr:   cfg.MinioAddr,
			User:   cfg.MinioUser,
			Pass:   cfg.MinioPass,
			Bucket: cfg.Bucket,
		})
		if err != nil {
			return nil, err
		}
		return strg, nil
	case "s3":
		strg, err := s3storage.NewS3Client(ctx, s3storage.Config{
			Bucket:       cfg.Bucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return strg, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
