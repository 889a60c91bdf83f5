package models

import (
	"time"
)

// Rendition is the persisted state of one quality tier of one record
type Rendition struct {
	RecordID     string     `json:"record_id" db:"record_id"`
	Kind         RecordKind `json:"kind" db:"record_kind"`
	Quality      string     `json:"quality" db:"quality"`
	Width        int        `json:"width" db:"width"`
	Height       int        `json:"height" db:"height"`
	Bitrate      string     `json:"bitrate" db:"bitrate"`
	PlaylistPath string     `json:"playlist_path" db:"playlist_path"`
	Size         int64      `json:"size" db:"size"`
	Ready        bool       `json:"ready" db:"is_ready"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// NewRendition builds a ready rendition row for a published tier
func NewRendition(recordID string, kind RecordKind, tier QualityTier, playlistPath string, size int64) Rendition {
	return Rendition{
		RecordID:     recordID,
		Kind:         kind,
		Quality:      tier.Name,
		Width:        tier.Width,
		Height:       tier.Height,
		Bitrate:      tier.Bitrate,
		PlaylistPath: playlistPath,
		Size:         size,
		Ready:        true,
	}
}
