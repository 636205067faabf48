package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/pkg/config"
)

// MinIOStorage implements ObjectStore against any S3-compatible endpoint
type MinIOStorage struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewMinIOStorage creates a MinIO-backed store and ensures the bucket exists
func NewMinIOStorage(cfg *config.StorageConfig) (*MinIOStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Info().Str("bucket", cfg.Bucket).Msg("bucket created")
	}

	publicURL := strings.TrimSuffix(cfg.PublicURL, "/")
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}

	log.Info().Str("endpoint", cfg.Endpoint).Str("bucket", cfg.Bucket).Msg("minio storage initialized")
	return &MinIOStorage{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: publicURL,
	}, nil
}

// Store saves content under the given path with attached user metadata
func (ms *MinIOStorage) Store(ctx context.Context, path string, content io.Reader, contentType string, metadata map[string]string) error {
	info, err := ms.client.PutObject(ctx, ms.bucket, path, content, -1, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to put object")
		return fmt.Errorf("failed to put object: %w", err)
	}

	log.Info().
		Str("path", path).
		Str("content_type", contentType).
		Int64("bytes_written", info.Size).
		Msg("object stored successfully")
	return nil
}

// Retrieve gets content from the given path
func (ms *MinIOStorage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := ms.client.GetObject(ctx, ms.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to get object")
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	// GetObject is lazy; stat now so missing objects error here, not at first read
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("object not found: %s", path)
		}
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	return obj, nil
}

// Delete removes the object at the given path
func (ms *MinIOStorage) Delete(ctx context.Context, path string) error {
	if err := ms.client.RemoveObject(ctx, ms.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to remove object")
		return fmt.Errorf("failed to remove object: %w", err)
	}

	log.Info().Str("path", path).Msg("object deleted successfully")
	return nil
}

// Exists checks if an object exists at the given path
func (ms *MinIOStorage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := ms.client.StatObject(ctx, ms.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		log.Error().Err(err).Str("path", path).Msg("failed to stat object")
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	return true, nil
}

// GetSize returns the size of the object at the given path
func (ms *MinIOStorage) GetSize(ctx context.Context, path string) (int64, error) {
	info, err := ms.client.StatObject(ctx, ms.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return 0, fmt.Errorf("object not found: %s", path)
		}
		return 0, fmt.Errorf("failed to stat object: %w", err)
	}
	return info.Size, nil
}

// List returns object paths matching the prefix
func (ms *MinIOStorage) List(ctx context.Context, prefix string) ([]string, error) {
	paths := []string{}
	for obj := range ms.client.ListObjects(ctx, ms.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			log.Error().Err(obj.Err).Str("prefix", prefix).Msg("failed to list objects")
			return nil, fmt.Errorf("failed to list objects: %w", obj.Err)
		}
		paths = append(paths, obj.Key)
	}

	log.Debug().Str("prefix", prefix).Int("count", len(paths)).Msg("objects listed successfully")
	return paths, nil
}

// URL returns the publicly resolvable URL for a stored path
func (ms *MinIOStorage) URL(path string) string {
	return ms.publicURL + "/" + strings.TrimPrefix(path, "/")
}
