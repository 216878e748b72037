// Package miniostorage provides structure to work with minio-storage
package miniostorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Addr   string
	User   string
	Pass   string
	Bucket string
	Secure bool
}

type MinioStorage struct {
	bucket string
	client *minio.Client
}

func NewMinioClient(ctx context.Context, cfg Config) (*MinioStorage, error) {
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "derivatives"
		log.Printf("Bucket name is empty. Using default value %q...", bucket)
	}

	// подключаемся к минио - создаем клиента
	strg, err := minio.New(cfg.Addr, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.User, cfg.Pass, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, err
	}

	// создаем бакет если его нет
	if err := ensureBucket(ctx, strg, bucket); err != nil {
		log.Println("Failed to create bucket in MinIO:", err)
		return nil, err
	}

	return &MinioStorage{bucket: bucket, client: strg}, nil
}

func (s *MinioStorage) Put(ctx context.Context, key string, size int64, contentType string, r io.Reader) error {
	if r == nil {
		return errors.New("nil reader passed to storage.Put")
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (s *MinioStorage) Get(ctx context.Context, key string) (io.ReadCloser, model.ObjectInfo, error) {
	res, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, model.ObjectInfo{}, translate(err, key)
	}

	// GetObject ленивый - реальная ошибка всплывает только на Stat
	resStat, err := res.Stat()
	if err != nil {
		_ = res.Close()
		return nil, model.ObjectInfo{}, translate(err, key)
	}

	return res, model.ObjectInfo{ContentType: resStat.ContentType, Size: resStat.Size}, nil
}

func (s *MinioStorage) Stat(ctx context.Context, key string) (model.ObjectInfo, error) {
	st, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return model.ObjectInfo{}, translate(err, key)
	}
	return model.ObjectInfo{ContentType: st.ContentType, Size: st.Size}, nil
}

func translate(err error, key string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return fmt.Errorf("%w: %s", model.ErrObjectNotFound, key)
	default:
		return err
	}
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}

	if exists {
		return nil
	}

	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}
