package models

import (
	"time"
)

// VideoAsset holds the processing columns shared by every record kind that
// owns a video
type VideoAsset struct {
	SourceKey    string     `json:"source_key" db:"source_key"`
	Status       JobStatus  `json:"status" db:"status"`
	Progress     int        `json:"progress" db:"processing_progress"`
	Error        string     `json:"error,omitempty" db:"processing_error"`
	MediaInfo    *MediaInfo `json:"media_info,omitempty"`
	ThumbnailKey string     `json:"thumbnail_key,omitempty" db:"thumbnail_key"`
	PlaylistKey  string     `json:"hls_playlist,omitempty" db:"hls_playlist"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty" db:"processed_at"`
}

// Video represents a standalone uploaded video
type Video struct {
	ID        string    `json:"id" db:"id"`
	Title     string    `json:"title" db:"title"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	VideoAsset
}

// ProblemVideo is the explanation video attached to a problem
type ProblemVideo struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	VideoAsset
}

// NewJob builds the processing job view of an asset
func (a *VideoAsset) NewJob(id string, kind RecordKind, createdAt time.Time) *Job {
	status := a.Status
	if status == "" {
		status = JobStatusPending
	}
	return &Job{
		ID:             id,
		Kind:           kind,
		SourceKey:      a.SourceKey,
		Status:         status,
		Progress:       a.Progress,
		Error:          a.Error,
		MediaInfo:      a.MediaInfo,
		ThumbnailKey:   a.ThumbnailKey,
		MasterPlaylist: a.PlaylistKey,
		CreatedAt:      createdAt,
		StartedAt:      a.StartedAt,
		CompletedAt:    a.ProcessedAt,
	}
}

// Apply copies the job state back onto the asset columns
func (a *VideoAsset) Apply(j *Job) {
	a.Status = j.Status
	a.Progress = j.Progress
	a.Error = j.Error
	a.PlaylistKey = j.MasterPlaylist
	a.StartedAt = j.StartedAt
	a.ProcessedAt = j.CompletedAt
	if j.MediaInfo != nil {
		a.MediaInfo = j.MediaInfo
	}
	if j.ThumbnailKey != "" {
		a.ThumbnailKey = j.ThumbnailKey
	}
}
