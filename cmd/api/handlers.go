package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/judgehub/videopipe/internal/cache"
	"github.com/judgehub/videopipe/internal/logging"
	"github.com/judgehub/videopipe/internal/middleware"
	"github.com/judgehub/videopipe/internal/transcoder"
	"github.com/judgehub/videopipe/pkg/models"
)

// Repo is the persistence the API reads and writes
type Repo interface {
	CreateVideo(ctx context.Context, video *models.Video) error
	GetVideo(ctx context.Context, id string) (*models.Video, error)
	ListVideos(ctx context.Context, limit, offset int) ([]*models.Video, error)
	CreateProblemVideo(ctx context.Context, problem *models.ProblemVideo) error
	GetProblemVideo(ctx context.Context, id string) (*models.ProblemVideo, error)
	ListRenditions(ctx context.Context, kind models.RecordKind, id string) ([]models.Rendition, error)
}

// Publisher enqueues processing requests
type Publisher interface {
	Publish(ctx context.Context, req transcoder.JobRequest) error
}

// ProgressReader returns live progress written by the workers
type ProgressReader interface {
	GetProgress(ctx context.Context, kind models.RecordKind, id string) (*cache.Progress, error)
}

// URLBuilder turns destination keys into client URLs
type URLBuilder interface {
	URL(bucket, key string) string
}

// API holds the HTTP handlers' collaborators. progress may be nil.
type API struct {
	repo     Repo
	queue    Publisher
	progress ProgressReader
	urls     URLBuilder
	bucket   string
	health   func(ctx context.Context) error
	logger   *logging.Logger
}

type createVideoRequest struct {
	Title     string `json:"title" binding:"required"`
	SourceKey string `json:"source_key"`
}

type createProblemRequest struct {
	Name      string `json:"name" binding:"required"`
	SourceKey string `json:"source_key"`
}

// RenditionView is one tier as exposed to clients
type RenditionView struct {
	Quality string `json:"quality"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Bitrate string `json:"bitrate"`
	Ready   bool   `json:"ready"`
}

// StatusResponse describes a record's processing state
type StatusResponse struct {
	ID             string            `json:"id"`
	Kind           models.RecordKind `json:"kind"`
	Title          string            `json:"title,omitempty"`
	Status         models.JobStatus  `json:"status"`
	Progress       int               `json:"progress"`
	Error          string            `json:"error,omitempty"`
	MediaInfo      *models.MediaInfo `json:"media_info,omitempty"`
	ThumbnailURL   string            `json:"thumbnail_url,omitempty"`
	MasterPlaylist string            `json:"master_playlist_url,omitempty"`
	Renditions     []RenditionView   `json:"renditions"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Health check endpoint
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if api.health != nil {
		if err := api.health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Create video endpoint. The record starts pending and is queued right
// away when its source is already in storage.
func (api *API) createVideo(c *gin.Context) {
	var req createVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	video := &models.Video{Title: req.Title}
	video.SourceKey = req.SourceKey

	if err := api.repo.CreateVideo(c.Request.Context(), video); err != nil {
		api.logger.ErrorWithErr("Failed to create video", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create video"})
		return
	}

	queued := api.enqueue(c, models.RecordKindVideo, video.ID, video.SourceKey)
	c.JSON(http.StatusCreated, gin.H{"video": video, "queued": queued})
}

// Get video endpoint
func (api *API) getVideo(c *gin.Context) {
	video, err := api.repo.GetVideo(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.notFoundOr500(c, "Video", err)
		return
	}

	resp, err := api.status(c.Request.Context(), models.RecordKindVideo, video.ID, video.VideoAsset, video.CreatedAt, video.UpdatedAt)
	if err != nil {
		api.logger.ErrorWithErr("Failed to load renditions", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load renditions"})
		return
	}
	resp.Title = video.Title

	c.JSON(http.StatusOK, resp)
}

// List videos endpoint
func (api *API) listVideos(c *gin.Context) {
	limit := queryInt(c, "limit", 20)
	offset := queryInt(c, "offset", 0)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	videos, err := api.repo.ListVideos(c.Request.Context(), limit, offset)
	if err != nil {
		api.logger.ErrorWithErr("Failed to list videos", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list videos"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"videos": videos,
		"limit":  limit,
		"offset": offset,
	})
}

// Reprocess endpoint. Only settled records can be resubmitted.
func (api *API) reprocessVideo(c *gin.Context) {
	video, err := api.repo.GetVideo(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.notFoundOr500(c, "Video", err)
		return
	}

	if !video.Status.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Video is not in a state that can be reprocessed",
			"status": video.Status,
		})
		return
	}
	if video.SourceKey == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Video has no source to process"})
		return
	}

	if err := api.queue.Publish(c.Request.Context(), transcoder.JobRequest{ID: video.ID, Kind: models.RecordKindVideo}); err != nil {
		api.logger.ErrorWithErr("Failed to queue reprocess", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to queue job"})
		return
	}

	userID, _ := middleware.GetUserID(c)
	api.logger.WithJobID(video.ID).WithField("user_id", userID).Info("Reprocess requested")
	c.JSON(http.StatusAccepted, gin.H{"message": "Video queued for reprocessing", "video_id": video.ID})
}

// Create problem endpoint
func (api *API) createProblem(c *gin.Context) {
	var req createProblemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	problem := &models.ProblemVideo{Name: req.Name}
	problem.SourceKey = req.SourceKey

	if err := api.repo.CreateProblemVideo(c.Request.Context(), problem); err != nil {
		api.logger.ErrorWithErr("Failed to create problem", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create problem"})
		return
	}

	queued := api.enqueue(c, models.RecordKindProblem, problem.ID, problem.SourceKey)
	c.JSON(http.StatusCreated, gin.H{"problem": problem, "queued": queued})
}

// Get problem video endpoint
func (api *API) getProblemVideo(c *gin.Context) {
	problem, err := api.repo.GetProblemVideo(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.notFoundOr500(c, "Problem", err)
		return
	}

	resp, err := api.status(c.Request.Context(), models.RecordKindProblem, problem.ID, problem.VideoAsset, problem.CreatedAt, problem.UpdatedAt)
	if err != nil {
		api.logger.ErrorWithErr("Failed to load renditions", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load renditions"})
		return
	}
	resp.Title = problem.Name

	c.JSON(http.StatusOK, resp)
}

// enqueue publishes a job for a record with a source. A publish failure
// leaves the record pending; reprocess is not allowed from pending, so the
// caller learns about it through queued=false.
func (api *API) enqueue(c *gin.Context, kind models.RecordKind, id, sourceKey string) bool {
	if sourceKey == "" {
		return false
	}
	if err := api.queue.Publish(c.Request.Context(), transcoder.JobRequest{ID: id, Kind: kind}); err != nil {
		api.logger.WithJobID(id).ErrorWithErr("Failed to queue job", err)
		return false
	}
	return true
}

// status assembles the client view of a record. Cached progress wins over
// the row when it is newer.
func (api *API) status(ctx context.Context, kind models.RecordKind, id string, asset models.VideoAsset, createdAt, updatedAt time.Time) (*StatusResponse, error) {
	resp := &StatusResponse{
		ID:         id,
		Kind:       kind,
		Status:     asset.Status,
		Progress:   asset.Progress,
		Error:      asset.Error,
		MediaInfo:  asset.MediaInfo,
		Renditions: []RenditionView{},
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}

	if api.progress != nil {
		live, err := api.progress.GetProgress(ctx, kind, id)
		if err != nil {
			api.logger.Warnf("Failed to read cached progress for %s: %v", id, err)
		} else if live != nil && live.UpdatedAt.After(updatedAt) {
			resp.Status = live.Status
			resp.Progress = live.Progress
		}
	}

	if asset.ThumbnailKey != "" {
		resp.ThumbnailURL = api.urls.URL(api.bucket, asset.ThumbnailKey)
	}
	if asset.PlaylistKey != "" {
		resp.MasterPlaylist = api.urls.URL(api.bucket, asset.PlaylistKey)
	}

	renditions, err := api.repo.ListRenditions(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	for _, r := range renditions {
		resp.Renditions = append(resp.Renditions, RenditionView{
			Quality: r.Quality,
			Width:   r.Width,
			Height:  r.Height,
			Bitrate: r.Bitrate,
			Ready:   r.Ready,
		})
	}

	return resp, nil
}

func (api *API) notFoundOr500(c *gin.Context, what string, err error) {
	if errors.Is(err, models.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
		return
	}
	api.logger.ErrorWithErr("Failed to load record", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load " + what})
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(def)))
	if err != nil {
		return def
	}
	return v
}
