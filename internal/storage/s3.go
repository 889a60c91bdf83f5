package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/judgehub/videopipe/internal/config"
	"github.com/judgehub/videopipe/internal/logging"
)

// S3Store implements ObjectStore on the AWS SDK
type S3Store struct {
	client  *s3.Client
	baseURL string
	logger  *logging.Logger
}

// NewS3 creates an S3-backed store. A configured endpoint switches to
// path-style addressing for S3-compatible services.
func NewS3(ctx context.Context, cfg config.StorageConfig, logger *logging.Logger) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			scheme := "http://"
			if cfg.UseSSL {
				scheme = "https://"
			}
			o.BaseEndpoint = aws.String(scheme + cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	baseURL := cfg.PublicBaseURL
	if baseURL == "" {
		if cfg.Endpoint != "" {
			baseURL = publicBaseURL(cfg)
		} else {
			baseURL = fmt.Sprintf("https://s3.%s.amazonaws.com", cfg.Region)
		}
	}

	return &S3Store{
		client:  client,
		baseURL: baseURL,
		logger:  logger,
	}, nil
}

// Download fetches an object to a local file
func (s *S3Store) Download(ctx context.Context, bucket, key, destPath string) error {
	start := time.Now()
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.logger.LogStorageOperation("download", bucket, key, 0, time.Since(start), err)
		return s.classify("download", err)
	}
	defer resp.Body.Close()

	file, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer file.Close()

	n, err := io.Copy(file, resp.Body)
	s.logger.LogStorageOperation("download", bucket, key, n, time.Since(start), err)
	if err != nil {
		return &StorageUnavailableError{Op: "download", Err: err}
	}
	return nil
}

// Upload writes a local file to the store
func (s *S3Store) Upload(ctx context.Context, bucket, key, srcPath string, opts PutOptions) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", srcPath, err)
	}
	defer file.Close()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(opts.ContentType),
	}
	if opts.Public {
		input.ACL = types.ObjectCannedACLPublicRead
	}

	var size int64
	if st, statErr := file.Stat(); statErr == nil {
		size = st.Size()
		input.ContentLength = aws.Int64(size)
	}

	start := time.Now()
	_, err = s.client.PutObject(ctx, input)
	s.logger.LogStorageOperation("upload", bucket, key, size, time.Since(start), err)
	if err != nil {
		return s.classify("upload", err)
	}
	return nil
}

// Exists reports whether an object is present
func (s *S3Store) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, s.classify("stat", err)
}

// Delete removes an object
func (s *S3Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s.classify("delete", err)
	}
	return nil
}

// URL returns the public URL of an object
func (s *S3Store) URL(bucket, key string) string {
	return ObjectURL(s.baseURL, bucket, key)
}

func (s *S3Store) classify(op string, err error) error {
	if isS3NotFound(err) {
		return fmt.Errorf("failed to %s object: %w: %v", op, ErrNotFound, err)
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() >= 500 {
			return &StorageUnavailableError{Op: op, Err: err}
		}
		return fmt.Errorf("failed to %s object: %w", op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout":
			return &StorageUnavailableError{Op: op, Err: err}
		}
		return fmt.Errorf("failed to %s object: %w", op, err)
	}

	// no HTTP response at all: the endpoint was not reached
	return &StorageUnavailableError{Op: op, Err: err}
}

func isS3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404
}
