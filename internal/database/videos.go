package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/judgehub/videopipe/pkg/models"
)

// Videos

// CreateVideo creates a new video record in pending state
func (r *Repository) CreateVideo(ctx context.Context, video *models.Video) error {
	if video.ID == "" {
		video.ID = uuid.New().String()
	}
	if video.Status == "" {
		video.Status = models.JobStatusPending
	}

	query := `
		INSERT INTO videos (id, title, source_key, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		video.ID, video.Title, video.SourceKey, string(video.Status),
	).Scan(&video.CreatedAt, &video.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create video: %w", err)
	}

	return nil
}

// GetVideo retrieves a video by ID
func (r *Repository) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	var (
		video models.Video
		row   assetRow
	)

	query := fmt.Sprintf(`SELECT id, title, %s, created_at, updated_at FROM videos WHERE id = $1`, assetColumns)

	dest := append([]any{&video.ID, &video.Title}, row.dest()...)
	dest = append(dest, &video.CreatedAt, &video.UpdatedAt)

	if err := r.db.Pool.QueryRow(ctx, query, id).Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("video %s: %w", id, models.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	video.VideoAsset = row.asset()
	return &video, nil
}

// ListVideos retrieves videos newest first with pagination
func (r *Repository) ListVideos(ctx context.Context, limit, offset int) ([]*models.Video, error) {
	query := fmt.Sprintf(`
		SELECT id, title, %s, created_at, updated_at
		FROM videos
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, assetColumns)

	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	var videos []*models.Video
	for rows.Next() {
		var (
			video models.Video
			row   assetRow
		)
		dest := append([]any{&video.ID, &video.Title}, row.dest()...)
		dest = append(dest, &video.CreatedAt, &video.UpdatedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		video.VideoAsset = row.asset()
		videos = append(videos, &video)
	}

	return videos, rows.Err()
}

// Problems

// CreateProblemVideo creates a problem record carrying an explanation video
func (r *Repository) CreateProblemVideo(ctx context.Context, problem *models.ProblemVideo) error {
	if problem.ID == "" {
		problem.ID = uuid.New().String()
	}
	if problem.Status == "" {
		problem.Status = models.JobStatusPending
	}

	query := `
		INSERT INTO problems (id, name, source_key, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		problem.ID, problem.Name, problem.SourceKey, string(problem.Status),
	).Scan(&problem.CreatedAt, &problem.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create problem: %w", err)
	}

	return nil
}

// GetProblemVideo retrieves a problem record by ID
func (r *Repository) GetProblemVideo(ctx context.Context, id string) (*models.ProblemVideo, error) {
	var (
		problem models.ProblemVideo
		row     assetRow
	)

	query := fmt.Sprintf(`SELECT id, name, %s, created_at, updated_at FROM problems WHERE id = $1`, assetColumns)

	dest := append([]any{&problem.ID, &problem.Name}, row.dest()...)
	dest = append(dest, &problem.CreatedAt, &problem.UpdatedAt)

	if err := r.db.Pool.QueryRow(ctx, query, id).Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("problem %s: %w", id, models.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to get problem: %w", err)
	}

	problem.VideoAsset = row.asset()
	return &problem, nil
}
