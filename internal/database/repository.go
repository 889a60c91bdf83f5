package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/judgehub/videopipe/pkg/models"
)

// Repository provides database operations for every record kind that owns
// a video. It satisfies the orchestrator's Records contract.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// tableFor maps a record kind to the table holding its video columns
func tableFor(kind models.RecordKind) (string, error) {
	parsed, err := models.ParseRecordKind(string(kind))
	if err != nil {
		return "", err
	}
	if parsed == models.RecordKindProblem {
		return "problems", nil
	}
	return "videos", nil
}

const assetColumns = `source_key, status, processing_progress, processing_error,
	duration, width, height, frame_rate, bitrate, codec, file_size,
	thumbnail_key, hls_playlist, started_at, processed_at`

// assetRow scans the shared video columns; media columns stay NULL until
// the source has been probed
type assetRow struct {
	SourceKey    string
	Status       string
	Progress     int
	Error        string
	Duration     *float64
	Width        *int
	Height       *int
	FrameRate    *string
	Bitrate      *int64
	Codec        *string
	Size         *int64
	ThumbnailKey string
	PlaylistKey  string
	StartedAt    *time.Time
	ProcessedAt  *time.Time
}

func (r *assetRow) dest() []any {
	return []any{
		&r.SourceKey, &r.Status, &r.Progress, &r.Error,
		&r.Duration, &r.Width, &r.Height, &r.FrameRate, &r.Bitrate, &r.Codec, &r.Size,
		&r.ThumbnailKey, &r.PlaylistKey, &r.StartedAt, &r.ProcessedAt,
	}
}

func (r *assetRow) asset() models.VideoAsset {
	return models.VideoAsset{
		SourceKey:    r.SourceKey,
		Status:       models.JobStatus(r.Status),
		Progress:     r.Progress,
		Error:        r.Error,
		MediaInfo:    r.mediaInfo(),
		ThumbnailKey: r.ThumbnailKey,
		PlaylistKey:  r.PlaylistKey,
		StartedAt:    r.StartedAt,
		ProcessedAt:  r.ProcessedAt,
	}
}

func (r *assetRow) mediaInfo() *models.MediaInfo {
	if r.Width == nil || r.Height == nil {
		return nil
	}

	info := &models.MediaInfo{Width: *r.Width, Height: *r.Height}
	if r.Duration != nil {
		info.Duration = *r.Duration
	}
	if r.FrameRate != nil {
		if rate, err := models.ParseRational(*r.FrameRate); err == nil {
			info.FrameRate = rate
		}
	}
	if r.Bitrate != nil {
		info.Bitrate = *r.Bitrate
	}
	if r.Codec != nil {
		info.Codec = *r.Codec
	}
	if r.Size != nil {
		info.Size = *r.Size
	}
	return info
}

// Load reads the processing view of a record
func (r *Repository) Load(ctx context.Context, kind models.RecordKind, id string) (*models.Job, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	if kind == "" {
		kind = models.RecordKindVideo
	}

	var (
		row       assetRow
		createdAt time.Time
	)
	query := fmt.Sprintf(`SELECT %s, created_at FROM %s WHERE id = $1`, assetColumns, table)
	if err := r.db.Pool.QueryRow(ctx, query, id).Scan(append(row.dest(), &createdAt)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s %s: %w", kind, id, models.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to load %s: %w", kind, err)
	}

	asset := row.asset()
	return asset.NewJob(id, kind, createdAt), nil
}

// SaveStatus persists the lifecycle columns of a job
func (r *Repository) SaveStatus(ctx context.Context, job *models.Job) error {
	table, err := tableFor(job.Kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, processing_progress = $3, processing_error = $4,
		    hls_playlist = $5, started_at = $6, processed_at = $7, updated_at = NOW()
		WHERE id = $1
	`, table)

	tag, err := r.db.Pool.Exec(ctx, query,
		job.ID, string(job.Status), job.Progress, job.Error,
		job.MasterPlaylist, job.StartedAt, job.CompletedAt,
	)
	return checkUpdate(tag, err, job.Kind, job.ID, "status")
}

// SaveProgress persists processing progress only
func (r *Repository) SaveProgress(ctx context.Context, kind models.RecordKind, id string, progress int) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET processing_progress = $2, updated_at = NOW() WHERE id = $1`, table)
	tag, err := r.db.Pool.Exec(ctx, query, id, progress)
	return checkUpdate(tag, err, kind, id, "progress")
}

// SaveMediaInfo persists probe results
func (r *Repository) SaveMediaInfo(ctx context.Context, kind models.RecordKind, id string, info *models.MediaInfo) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	if info == nil {
		return errors.New("media info is required")
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET duration = $2, width = $3, height = $4, frame_rate = $5,
		    bitrate = $6, codec = $7, file_size = $8, updated_at = NOW()
		WHERE id = $1
	`, table)

	tag, err := r.db.Pool.Exec(ctx, query,
		id, info.Duration, info.Width, info.Height, info.FrameRate.String(),
		info.Bitrate, info.Codec, info.Size,
	)
	return checkUpdate(tag, err, kind, id, "media info")
}

// SaveThumbnail persists the thumbnail key
func (r *Repository) SaveThumbnail(ctx context.Context, kind models.RecordKind, id, key string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET thumbnail_key = $2, updated_at = NOW() WHERE id = $1`, table)
	tag, err := r.db.Pool.Exec(ctx, query, id, key)
	return checkUpdate(tag, err, kind, id, "thumbnail")
}

const upsertRendition = `
	INSERT INTO video_qualities (record_kind, record_id, quality, width, height, bitrate, playlist_path, size, is_ready)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (record_kind, record_id, quality) DO UPDATE
	SET width = EXCLUDED.width, height = EXCLUDED.height, bitrate = EXCLUDED.bitrate,
	    playlist_path = EXCLUDED.playlist_path, size = EXCLUDED.size,
	    is_ready = EXCLUDED.is_ready, updated_at = NOW()
`

const retireRenditions = `
	UPDATE video_qualities SET is_ready = FALSE, updated_at = NOW()
	WHERE record_kind = $1 AND record_id = $2 AND is_ready
	  AND NOT (quality = ANY($3::text[]))
	RETURNING quality, playlist_path
`

// UpsertRenditions writes one row per tier in a single transaction. Running
// it again for the same record updates rows in place, and ready rows of
// tiers missing from renditions are marked not ready. The retired rows are
// returned so their objects can be removed.
func (r *Repository) UpsertRenditions(ctx context.Context, kind models.RecordKind, id string, renditions []models.Rendition) ([]models.Rendition, error) {
	if len(renditions) == 0 {
		return nil, nil
	}
	if kind == "" {
		kind = models.RecordKindVideo
	}

	var retired []models.Rendition
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		qualities := make([]string, 0, len(renditions))
		for _, rd := range renditions {
			batch.Queue(upsertRendition,
				string(kind), id, rd.Quality, rd.Width, rd.Height, rd.Bitrate,
				rd.PlaylistPath, rd.Size, rd.Ready,
			)
			qualities = append(qualities, rd.Quality)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, retireRenditions, string(kind), id, qualities)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rd := models.Rendition{RecordID: id, Kind: kind}
			if err := rows.Scan(&rd.Quality, &rd.PlaylistPath); err != nil {
				return err
			}
			retired = append(retired, rd)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert renditions: %w", err)
	}
	return retired, nil
}

// ListRenditions returns the renditions of a record ordered by height
func (r *Repository) ListRenditions(ctx context.Context, kind models.RecordKind, id string) ([]models.Rendition, error) {
	if kind == "" {
		kind = models.RecordKindVideo
	}

	query := `
		SELECT record_id, record_kind, quality, width, height, bitrate,
		       playlist_path, size, is_ready, created_at, updated_at
		FROM video_qualities
		WHERE record_kind = $1 AND record_id = $2
		ORDER BY height ASC, quality ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, string(kind), id)
	if err != nil {
		return nil, fmt.Errorf("failed to list renditions: %w", err)
	}
	defer rows.Close()

	var renditions []models.Rendition
	for rows.Next() {
		var (
			rd      models.Rendition
			rowKind string
		)
		if err := rows.Scan(
			&rd.RecordID, &rowKind, &rd.Quality, &rd.Width, &rd.Height, &rd.Bitrate,
			&rd.PlaylistPath, &rd.Size, &rd.Ready, &rd.CreatedAt, &rd.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rendition: %w", err)
		}
		rd.Kind = models.RecordKind(rowKind)
		renditions = append(renditions, rd)
	}

	return renditions, rows.Err()
}

func checkUpdate(tag pgconn.CommandTag, err error, kind models.RecordKind, id, what string) error {
	if err != nil {
		return fmt.Errorf("failed to update %s of %s %s: %w", what, kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, models.ErrRecordNotFound)
	}
	return nil
}
