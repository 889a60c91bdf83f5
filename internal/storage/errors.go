package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrNotFound is returned when an object does not exist
var ErrNotFound = errors.New("object not found")

// UploadError records a single failed object upload
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("failed to upload %s: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// StorageUnavailableError means the object store could not be reached or
// answered with a server-side failure
type StorageUnavailableError struct {
	Op  string
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err is a StorageUnavailableError
func IsUnavailable(err error) bool {
	var unavail *StorageUnavailableError
	return errors.As(err, &unavail)
}

// isNetworkError reports transport-level failures shared by every backend
func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
