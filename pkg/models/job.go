package models

import (
	"errors"
	"fmt"
	"time"
)

// JobStatus is the processing state of a video record
type JobStatus string

// JobStatus constants
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusUploading  JobStatus = "uploading"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// transitions lists the allowed next states for every status.
// failed -> processing is a resubmission; completed -> processing is an
// idempotent re-invocation (queue redelivery or manual reprocess).
var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusUploading, JobStatusProcessing, JobStatusFailed},
	JobStatusUploading:  {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusProcessing, JobStatusCompleted, JobStatusFailed},
	JobStatusFailed:     {JobStatusProcessing},
	JobStatusCompleted:  {JobStatusProcessing},
}

// IsValid reports whether s is a known status
func (s JobStatus) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s ends an attempt
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether the state machine allows s -> to
func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// RecordKind names the record type that owns a video
type RecordKind string

// RecordKind constants
const (
	RecordKindVideo   RecordKind = "video"
	RecordKindProblem RecordKind = "problem"
)

// ParseRecordKind maps an empty or known name to a RecordKind
func ParseRecordKind(s string) (RecordKind, error) {
	switch RecordKind(s) {
	case "", RecordKindVideo:
		return RecordKindVideo, nil
	case RecordKindProblem:
		return RecordKindProblem, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownRecordKind, s)
}

// ErrUnknownRecordKind is returned for a record kind no store handles
var ErrUnknownRecordKind = errors.New("unknown record kind")

// ErrInvalidTransition is returned when a mutator would break the state machine
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrRecordNotFound is returned by record stores for unknown ids
var ErrRecordNotFound = errors.New("record not found")

// Job is one processing attempt for one source video. It is the value the
// orchestrator threads through every stage and persists at checkpoints.
type Job struct {
	ID             string     `json:"id"`
	Kind           RecordKind `json:"kind"`
	SourceKey      string     `json:"source_key"`
	Status         JobStatus  `json:"status"`
	Progress       int        `json:"progress"`
	Error          string     `json:"error,omitempty"`
	MediaInfo      *MediaInfo `json:"media_info,omitempty"`
	ThumbnailKey   string     `json:"thumbnail_key,omitempty"`
	MasterPlaylist string     `json:"master_playlist,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Start moves the job into processing and resets per-attempt state
func (j *Job) Start(now time.Time) error {
	if !j.Status.CanTransition(JobStatusProcessing) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobStatusProcessing)
	}
	j.Status = JobStatusProcessing
	j.Progress = 0
	j.Error = ""
	j.MasterPlaylist = ""
	j.StartedAt = &now
	j.CompletedAt = nil
	return nil
}

// SetProgress records progress while processing. Values never decrease and
// stay below 100 until Complete.
func (j *Job) SetProgress(p int) bool {
	if j.Status != JobStatusProcessing {
		return false
	}
	if p > 99 {
		p = 99
	}
	if p <= j.Progress {
		return false
	}
	j.Progress = p
	return true
}

// Complete marks the job completed with its master playlist key
func (j *Job) Complete(masterPlaylist string, now time.Time) error {
	if masterPlaylist == "" {
		return errors.New("master playlist path is required to complete a job")
	}
	if !j.Status.CanTransition(JobStatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobStatusCompleted)
	}
	j.Status = JobStatusCompleted
	j.Progress = 100
	j.Error = ""
	j.MasterPlaylist = masterPlaylist
	j.CompletedAt = &now
	return nil
}

// Fail marks the job failed. Any status may fail so a broken record can
// always be surfaced.
func (j *Job) Fail(cause error, now time.Time) {
	msg := "unknown error"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	j.Status = JobStatusFailed
	j.Error = msg
	j.MasterPlaylist = ""
	if j.Progress >= 100 {
		j.Progress = 99
	}
	j.CompletedAt = &now
}
