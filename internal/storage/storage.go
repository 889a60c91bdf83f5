package storage

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/judgehub/videopipe/internal/config"
	"github.com/judgehub/videopipe/internal/logging"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// PutOptions controls how an object is written
type PutOptions struct {
	ContentType string
	Public      bool
}

// ObjectStore is the object storage contract used by the pipeline
type ObjectStore interface {
	Download(ctx context.Context, bucket, key, destPath string) error
	Upload(ctx context.Context, bucket, key, srcPath string, opts PutOptions) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Delete(ctx context.Context, bucket, key string) error
	URL(bucket, key string) string
}

// New creates the object store selected by cfg.Backend
func New(ctx context.Context, cfg config.StorageConfig, logger *logging.Logger) (ObjectStore, error) {
	switch cfg.Backend {
	case "", "minio":
		store, err := NewMinio(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "s3":
		store, err := NewS3(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// MinioStore implements ObjectStore on minio-go
type MinioStore struct {
	client  *minio.Client
	baseURL string
	logger  *logging.Logger
}

// NewMinio creates a new minio-backed store
func NewMinio(ctx context.Context, cfg config.StorageConfig, logger *logging.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	store := &MinioStore{
		client:  client,
		baseURL: publicBaseURL(cfg),
		logger:  logger,
	}

	if err := store.EnsureBucket(ctx, cfg.BucketName, cfg.Region); err != nil {
		return nil, err
	}

	return store, nil
}

// EnsureBucket creates the bucket when missing
func (s *MinioStore) EnsureBucket(ctx context.Context, bucket, region string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return s.classify("bucket_exists", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// Download fetches an object to a local file
func (s *MinioStore) Download(ctx context.Context, bucket, key, destPath string) error {
	start := time.Now()
	err := s.client.FGetObject(ctx, bucket, key, destPath, minio.GetObjectOptions{})
	s.logger.LogStorageOperation("download", bucket, key, 0, time.Since(start), err)
	if err != nil {
		return s.classify("download", err)
	}
	return nil
}

// Upload writes a local file to the store
func (s *MinioStore) Upload(ctx context.Context, bucket, key, srcPath string, opts PutOptions) error {
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType}
	if opts.Public {
		putOpts.UserMetadata = map[string]string{"x-amz-acl": "public-read"}
	}

	start := time.Now()
	info, err := s.client.FPutObject(ctx, bucket, key, srcPath, putOpts)
	s.logger.LogStorageOperation("upload", bucket, key, info.Size, time.Since(start), err)
	if err != nil {
		return s.classify("upload", err)
	}
	return nil
}

// Exists reports whether an object is present
func (s *MinioStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, s.classify("stat", err)
}

// Delete removes an object
func (s *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return s.classify("delete", err)
	}
	return nil
}

// URL returns the public URL of an object
func (s *MinioStore) URL(bucket, key string) string {
	return ObjectURL(s.baseURL, bucket, key)
}

func (s *MinioStore) classify(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("failed to %s object: %w: %v", op, ErrNotFound, err)
	case resp.StatusCode >= 500, resp.Code == "SlowDown", isNetworkError(err):
		return &StorageUnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s object: %w", op, err)
}

// ObjectURL joins a public base URL, bucket and key
func ObjectURL(baseURL, bucket, key string) string {
	if key == "" {
		return ""
	}
	return strings.TrimRight(baseURL, "/") + "/" + bucket + "/" + strings.TrimLeft(key, "/")
}

func publicBaseURL(cfg config.StorageConfig) string {
	if cfg.PublicBaseURL != "" {
		return cfg.PublicBaseURL
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return scheme + "://" + cfg.Endpoint
}

// ContentType returns the content type based on file extension
func ContentType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".m3u8":
		return "application/x-mpegURL"
	case ".ts":
		return "video/MP2T"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
