package transcoder

import (
	"errors"
	"fmt"

	"github.com/judgehub/videopipe/internal/storage"
	"github.com/judgehub/videopipe/pkg/models"
)

// ErrNoRenditions is matched by every NoRenditionsError
var ErrNoRenditions = errors.New("no renditions were produced")

// ErrJobInFlight is returned when another worker holds the job lock
var ErrJobInFlight = errors.New("job is already being processed")

// SourceMissingError means the record has no usable source object
type SourceMissingError struct {
	ID  string
	Key string
	Err error
}

func (e *SourceMissingError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("source missing: record %s has no source file", e.ID)
	}
	if e.Err != nil {
		return fmt.Sprintf("source missing: %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("source missing: %s", e.Key)
}

func (e *SourceMissingError) Unwrap() error {
	return e.Err
}

// ProbeError means the source could not be inspected as a video
type ProbeError struct {
	Path string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("failed to probe %s: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// EncodeError is scoped to a single tier and never fails the job by itself
type EncodeError struct {
	Tier string
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("failed to encode tier %s: %v", e.Tier, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// NoRenditionsError means every selected tier failed to encode or publish
type NoRenditionsError struct {
	Attempted int
}

func (e *NoRenditionsError) Error() string {
	return fmt.Sprintf("%s (%d tiers attempted)", ErrNoRenditions.Error(), e.Attempted)
}

func (e *NoRenditionsError) Unwrap() error {
	return ErrNoRenditions
}

// IsRetryable reports whether a failed job should be redelivered. Known
// permanent failures are not retried; unavailable storage and unclassified
// errors are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		sourceErr *SourceMissingError
		probeErr  *ProbeError
		uploadErr *storage.UploadError
		unavail   *storage.StorageUnavailableError
	)

	switch {
	case errors.As(err, &unavail):
		return true
	case errors.Is(err, ErrJobInFlight):
		return true
	case errors.As(err, &sourceErr),
		errors.As(err, &probeErr),
		errors.Is(err, ErrNoRenditions),
		errors.Is(err, models.ErrRecordNotFound),
		errors.Is(err, models.ErrUnknownRecordKind),
		errors.Is(err, models.ErrInvalidTransition),
		errors.As(err, &uploadErr):
		return false
	}

	return true
}

// failureReason maps an error to a low-cardinality metrics label
func failureReason(err error) string {
	var (
		sourceErr *SourceMissingError
		probeErr  *ProbeError
		uploadErr *storage.UploadError
	)

	switch {
	case err == nil:
		return ""
	case storage.IsUnavailable(err):
		return "storage_unavailable"
	case errors.Is(err, ErrJobInFlight):
		return "in_flight"
	case errors.As(err, &sourceErr):
		return "source_missing"
	case errors.As(err, &probeErr):
		return "probe"
	case errors.Is(err, ErrNoRenditions):
		return "no_renditions"
	case errors.As(err, &uploadErr):
		return "upload"
	case errors.Is(err, models.ErrRecordNotFound):
		return "not_found"
	}
	return "unknown"
}
