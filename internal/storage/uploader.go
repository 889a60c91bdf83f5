package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/judgehub/videopipe/internal/logging"
	"golang.org/x/sync/errgroup"
)

// UploadResult lists what an UploadDir call published
type UploadResult struct {
	Keys   []string       // published keys in walk order
	Failed []*UploadError // files that could not be uploaded
}

// Published reports whether key was uploaded successfully
func (r *UploadResult) Published(key string) bool {
	for _, k := range r.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// Uploader publishes local files into a bucket with public-read visibility
type Uploader struct {
	store       ObjectStore
	bucket      string
	concurrency int
	logger      *logging.Logger
}

// NewUploader creates an uploader for bucket
func NewUploader(store ObjectStore, bucket string, concurrency int, logger *logging.Logger) *Uploader {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Uploader{
		store:       store,
		bucket:      bucket,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Bucket returns the destination bucket
func (u *Uploader) Bucket() string {
	return u.bucket
}

// JoinKey joins a key prefix and a slash separated relative path
func JoinKey(prefix, rel string) string {
	rel = strings.TrimLeft(filepath.ToSlash(rel), "/")
	if prefix == "" {
		return rel
	}
	return path.Join(strings.TrimRight(prefix, "/"), rel)
}

// UploadFile uploads a single local file to key
func (u *Uploader) UploadFile(ctx context.Context, localPath, key string) error {
	if uerr := u.upload(ctx, localPath, key); uerr != nil {
		return uerr
	}
	return nil
}

func (u *Uploader) upload(ctx context.Context, localPath, key string) *UploadError {
	err := u.store.Upload(ctx, u.bucket, key, localPath, PutOptions{
		ContentType: ContentType(localPath),
		Public:      true,
	})
	if err != nil {
		return &UploadError{Key: key, Err: err}
	}
	return nil
}

// UploadDir uploads every file below root under prefix. A failed file is
// logged and recorded in the result; the remaining files are still
// uploaded. The returned error is set only when root cannot be walked.
func (u *Uploader) UploadDir(ctx context.Context, root, prefix string) (*UploadResult, error) {
	type item struct {
		local string
		key   string
	}

	var items []item
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		items = append(items, item{local: p, key: JoinKey(prefix, rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	errs := make([]*UploadError, len(items))

	var g errgroup.Group
	g.SetLimit(u.concurrency)
	for i, it := range items {
		i, it := i, it
		g.Go(func() error {
			errs[i] = u.upload(ctx, it.local, it.key)
			return nil
		})
	}
	_ = g.Wait()

	result := &UploadResult{}
	for i, it := range items {
		if errs[i] != nil {
			u.logger.WithField("key", it.key).ErrorWithErr("Failed to upload file", errs[i])
			result.Failed = append(result.Failed, errs[i])
			continue
		}
		result.Keys = append(result.Keys, it.key)
	}

	return result, nil
}
