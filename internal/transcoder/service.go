package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/judgehub/videopipe/internal/config"
	"github.com/judgehub/videopipe/internal/logging"
	"github.com/judgehub/videopipe/internal/metrics"
	"github.com/judgehub/videopipe/internal/storage"
	"github.com/judgehub/videopipe/internal/tracing"
	"github.com/judgehub/videopipe/pkg/models"
)

// Storage layout
const (
	HLSPrefix       = "videos/hls"
	ThumbnailPrefix = "videos/thumbnails"
)

// Progress checkpoints
const (
	progressDownloaded = 10
	progressProbed     = 20
	progressThumbnail  = 25
	progressEncoded    = 80
	progressUploaded   = 90
)

// HLSKeyPrefix returns the key prefix holding every HLS object of a record
func HLSKeyPrefix(id string) string {
	return HLSPrefix + "/" + id
}

// MasterPlaylistKey returns the storage key of a record's master playlist
func MasterPlaylistKey(id string) string {
	return storage.JoinKey(HLSKeyPrefix(id), MasterPlaylistName)
}

// ThumbnailKey returns the storage key of a record's thumbnail
func ThumbnailKey(id string) string {
	return fmt.Sprintf("%s/thumb_%s.jpg", ThumbnailPrefix, id)
}

// Records is the persistence capability the orchestrator needs from any
// record kind
type Records interface {
	Load(ctx context.Context, kind models.RecordKind, id string) (*models.Job, error)
	SaveStatus(ctx context.Context, job *models.Job) error
	SaveProgress(ctx context.Context, kind models.RecordKind, id string, progress int) error
	SaveMediaInfo(ctx context.Context, kind models.RecordKind, id string, info *models.MediaInfo) error
	SaveThumbnail(ctx context.Context, kind models.RecordKind, id, key string) error
	// UpsertRenditions returns the previously ready renditions it retired
	UpsertRenditions(ctx context.Context, kind models.RecordKind, id string, renditions []models.Rendition) ([]models.Rendition, error)
}

// Prober inspects a local source file
type Prober interface {
	Probe(ctx context.Context, path string) (*models.MediaInfo, error)
}

// ThumbnailGenerator captures a poster frame
type ThumbnailGenerator interface {
	GenerateThumbnail(ctx context.Context, opts ThumbnailOptions) bool
}

// RenditionEncoder encodes a set of tiers
type RenditionEncoder interface {
	EncodeRenditions(ctx context.Context, input string, tiers []models.QualityTier, outDir string, maxConcurrent int, onDone TierCallback) []TierResult
}

// ProgressSink receives live status for the serving layer
type ProgressSink interface {
	PublishProgress(ctx context.Context, kind models.RecordKind, id string, status models.JobStatus, progress int) error
}

// ProgressSinks fans an update out to several sinks
type ProgressSinks []ProgressSink

// PublishProgress publishes to every sink and joins their errors
func (s ProgressSinks) PublishProgress(ctx context.Context, kind models.RecordKind, id string, status models.JobStatus, progress int) error {
	var errs []error
	for _, sink := range s {
		if err := sink.PublishProgress(ctx, kind, id, status, progress); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JobLocker guards against two workers processing the same record
type JobLocker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// JobRequest identifies the record to process
type JobRequest struct {
	ID   string            `json:"id"`
	Kind models.RecordKind `json:"kind"`
}

// Result is the outcome of one ProcessJob call. The queue layer decides
// between ack, delayed retry and dead-lettering from it.
type Result struct {
	JobID     string
	Kind      models.RecordKind
	Status    models.JobStatus
	Err       error
	Retryable bool
}

// ServiceConfig holds orchestration settings
type ServiceConfig struct {
	TempDir           string
	SourceBucket      string
	Bucket            string
	Tiers             []models.QualityTier
	MaxConcurrent     int
	UploadConcurrency int
	VerifyUploads     bool
	ThumbnailTime     float64
	ThumbnailWidth    int
	LockTTL           time.Duration
}

// NewServiceConfig assembles a ServiceConfig from application configuration
func NewServiceConfig(cfg *config.Config) ServiceConfig {
	return ServiceConfig{
		TempDir:           cfg.Transcoder.TempDir,
		SourceBucket:      cfg.Storage.SourceBucket,
		Bucket:            cfg.Storage.BucketName,
		Tiers:             cfg.Transcoder.Tiers,
		MaxConcurrent:     cfg.Transcoder.MaxConcurrent,
		UploadConcurrency: cfg.Storage.UploadConcurrency,
		VerifyUploads:     cfg.Storage.VerifyUploads,
		ThumbnailTime:     cfg.Transcoder.ThumbnailTime,
		ThumbnailWidth:    cfg.Transcoder.ThumbnailWidth,
		LockTTL:           cfg.Redis.LockTTL,
	}
}

// Dependencies are the collaborators of a Service. Progress and Locker are
// optional.
type Dependencies struct {
	Records    Records
	Store      storage.ObjectStore
	Prober     Prober
	Thumbnails ThumbnailGenerator
	Encoder    RenditionEncoder
	Progress   ProgressSink
	Locker     JobLocker
	Logger     *logging.Logger
}

// Service orchestrates processing of a single job
type Service struct {
	cfg      ServiceConfig
	records  Records
	store    storage.ObjectStore
	uploader *storage.Uploader
	prober   Prober
	thumbs   ThumbnailGenerator
	encoder  RenditionEncoder
	progress ProgressSink
	locker   JobLocker
	logger   *logging.Logger
	now      func() time.Time
}

// NewService creates a new orchestrator
func NewService(cfg ServiceConfig, deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Hour
	}

	return &Service{
		cfg:      cfg,
		records:  deps.Records,
		store:    deps.Store,
		uploader: storage.NewUploader(deps.Store, cfg.Bucket, cfg.UploadConcurrency, logger),
		prober:   deps.Prober,
		thumbs:   deps.Thumbnails,
		encoder:  deps.Encoder,
		progress: deps.Progress,
		locker:   deps.Locker,
		logger:   logger,
		now:      time.Now,
	}
}

// ProcessJob runs the whole pipeline for one record. Every fatal error is
// recorded on the record before it is returned in the Result.
func (s *Service) ProcessJob(ctx context.Context, req JobRequest) Result {
	if req.Kind == "" {
		req.Kind = models.RecordKindVideo
	}

	logger := s.logger.WithJobID(req.ID).WithKind(string(req.Kind))
	span, ctx := tracing.StartSpan(ctx, "transcoder.ProcessJob")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "job_id", req.ID)
	tracing.SetTag(span, "kind", string(req.Kind))

	metrics.JobsInProgress.Inc()
	defer metrics.JobsInProgress.Dec()

	if s.locker != nil {
		lockKey := fmt.Sprintf("job:%s:%s", req.Kind, req.ID)
		token, acquired, err := s.locker.AcquireLock(ctx, lockKey, s.cfg.LockTTL)
		switch {
		case err != nil:
			logger.Warnf("Job lock unavailable, continuing without it: %v", err)
		case !acquired:
			logger.Info("Job already in flight, deferring")
			return s.result(req, "", ErrJobInFlight)
		default:
			defer func() {
				if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), lockKey, token); err != nil {
					logger.Warnf("Failed to release job lock: %v", err)
				}
			}()
		}
	}

	job, err := s.records.Load(ctx, req.Kind, req.ID)
	if err != nil {
		tracing.LogError(span, err)
		logger.ErrorWithErr("Failed to load record", err)
		return s.result(req, "", fmt.Errorf("failed to load record: %w", err))
	}

	start := s.now()
	if err := job.Start(start); err != nil {
		return s.failJob(ctx, job, logger, err)
	}
	if err := s.records.SaveStatus(ctx, job); err != nil {
		logger.ErrorWithErr("Failed to persist processing status", err)
		return s.result(req, job.Status, fmt.Errorf("failed to update job status: %w", err))
	}
	s.publish(ctx, job, logger)
	logger.LogJobEvent(job.ID, "started", string(job.Status), map[string]interface{}{"source_key": job.SourceKey})

	if job.SourceKey == "" {
		return s.failJob(ctx, job, logger, &SourceMissingError{ID: job.ID})
	}

	if err := s.run(ctx, job, logger); err != nil {
		tracing.LogError(span, err)
		return s.failJob(ctx, job, logger, err)
	}

	duration := s.now().Sub(start)
	metrics.RecordJobFinished(string(job.Kind), string(job.Status), duration.Seconds())
	if job.MediaInfo != nil {
		metrics.RecordSourceDuration(job.MediaInfo.Duration)
	}
	logger.LogJobEvent(job.ID, "completed", string(job.Status), map[string]interface{}{
		"master_playlist": job.MasterPlaylist,
		"duration_s":      duration.Seconds(),
	})

	return Result{JobID: job.ID, Kind: job.Kind, Status: job.Status}
}

// run executes every stage after the job has been started
func (s *Service) run(ctx context.Context, job *models.Job, logger *logging.Logger) error {
	if err := os.MkdirAll(s.cfg.TempDir, 0755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	scratch, err := os.MkdirTemp(s.cfg.TempDir, fmt.Sprintf("%s-%s-", job.Kind, job.ID))
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	input, err := s.fetchSource(ctx, job, scratch)
	if err != nil {
		return err
	}
	s.setProgress(ctx, job, logger, progressDownloaded)

	info, err := s.probe(ctx, input)
	if err != nil {
		return err
	}
	job.MediaInfo = info
	if err := s.records.SaveMediaInfo(ctx, job.Kind, job.ID, info); err != nil {
		return fmt.Errorf("failed to save media info: %w", err)
	}
	s.setProgress(ctx, job, logger, progressProbed)

	s.makeThumbnail(ctx, job, logger, input, scratch)
	s.setProgress(ctx, job, logger, progressThumbnail)

	tiers := models.SelectTiers(s.cfg.Tiers, info.Height)
	logger.Infof("Encoding %d tiers for %dx%d source", len(tiers), info.Width, info.Height)

	hlsDir := filepath.Join(scratch, "hls")
	if err := os.MkdirAll(hlsDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	encoded := s.encode(ctx, job, logger, input, tiers, hlsDir)
	if len(encoded) == 0 {
		return &NoRenditionsError{Attempted: len(tiers)}
	}

	prefix := HLSKeyPrefix(job.ID)
	confirmed, err := s.publishTiers(ctx, logger, encoded, hlsDir, prefix)
	if err != nil {
		return err
	}
	s.setProgress(ctx, job, logger, progressUploaded)

	masterPath := filepath.Join(hlsDir, MasterPlaylistName)
	if err := WriteMasterPlaylist(confirmed, masterPath); err != nil {
		return err
	}
	masterKey := MasterPlaylistKey(job.ID)
	if err := s.uploader.UploadFile(ctx, masterPath, masterKey); err != nil {
		return fmt.Errorf("failed to upload master playlist: %w", err)
	}

	renditions := make([]models.Rendition, 0, len(confirmed))
	for _, r := range confirmed {
		key := storage.JoinKey(prefix, r.PlaylistPath)
		renditions = append(renditions, models.NewRendition(job.ID, job.Kind, r.Tier, key, r.Size))
	}
	retired, err := s.records.UpsertRenditions(ctx, job.Kind, job.ID, renditions)
	if err != nil {
		return fmt.Errorf("failed to save renditions: %w", err)
	}
	s.dropRetired(ctx, logger, retired)

	if err := job.Complete(masterKey, s.now()); err != nil {
		return err
	}
	if err := s.records.SaveStatus(ctx, job); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	s.publish(ctx, job, logger)

	return nil
}

// dropRetired deletes the playlists of tiers a reprocess no longer produced.
// Their rows are already not ready, so failures are only logged.
func (s *Service) dropRetired(ctx context.Context, logger *logging.Logger, retired []models.Rendition) {
	for _, rd := range retired {
		if err := s.store.Delete(ctx, s.cfg.Bucket, rd.PlaylistPath); err != nil {
			logger.Warnf("Failed to delete retired %s playlist %s: %v", rd.Quality, rd.PlaylistPath, err)
			continue
		}
		logger.Infof("Retired %s rendition", rd.Quality)
	}
}

// fetchSource checks the source object and downloads it into scratch
func (s *Service) fetchSource(ctx context.Context, job *models.Job, scratch string) (string, error) {
	span, ctx := tracing.StartSpan(ctx, "transcoder.fetchSource")
	defer tracing.FinishSpan(span)

	exists, err := s.store.Exists(ctx, s.cfg.SourceBucket, job.SourceKey)
	if err != nil {
		return "", fmt.Errorf("failed to check source: %w", err)
	}
	if !exists {
		return "", &SourceMissingError{ID: job.ID, Key: job.SourceKey}
	}

	input := filepath.Join(scratch, "source"+strings.ToLower(filepath.Ext(job.SourceKey)))
	if err := s.store.Download(ctx, s.cfg.SourceBucket, job.SourceKey, input); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", &SourceMissingError{ID: job.ID, Key: job.SourceKey, Err: err}
		}
		return "", fmt.Errorf("failed to download source: %w", err)
	}

	return input, nil
}

func (s *Service) probe(ctx context.Context, input string) (*models.MediaInfo, error) {
	span, ctx := tracing.StartSpan(ctx, "transcoder.probe")
	defer tracing.FinishSpan(span)

	info, err := s.prober.Probe(ctx, input)
	if err != nil {
		tracing.LogError(span, err)
		var probeErr *ProbeError
		if !errors.As(err, &probeErr) {
			err = &ProbeError{Path: input, Err: err}
		}
		return nil, err
	}
	return info, nil
}

// makeThumbnail is best effort: failures are logged and never fail the job
func (s *Service) makeThumbnail(ctx context.Context, job *models.Job, logger *logging.Logger, input, scratch string) {
	span, ctx := tracing.StartSpan(ctx, "transcoder.thumbnail")
	defer tracing.FinishSpan(span)

	thumbPath := filepath.Join(scratch, fmt.Sprintf("thumb_%s.jpg", job.ID))
	ok := s.thumbs.GenerateThumbnail(ctx, ThumbnailOptions{
		InputPath:  input,
		OutputPath: thumbPath,
		Timestamp:  s.cfg.ThumbnailTime,
		Duration:   job.MediaInfo.Duration,
		Width:      s.cfg.ThumbnailWidth,
	})
	metrics.RecordThumbnail(ok)
	if !ok {
		logger.Warn("Thumbnail generation failed, continuing without one")
		return
	}

	key := ThumbnailKey(job.ID)
	if err := s.uploader.UploadFile(ctx, thumbPath, key); err != nil {
		logger.Warnf("Failed to upload thumbnail: %v", err)
		return
	}
	if err := s.records.SaveThumbnail(ctx, job.Kind, job.ID, key); err != nil {
		logger.Warnf("Failed to save thumbnail key: %v", err)
		return
	}
	job.ThumbnailKey = key
}

// encode runs every tier and moves progress across the encode window as
// tiers finish
func (s *Service) encode(ctx context.Context, job *models.Job, logger *logging.Logger, input string, tiers []models.QualityTier, outDir string) []TierResult {
	span, ctx := tracing.StartSpan(ctx, "transcoder.encode")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "tiers", len(tiers))

	var mu sync.Mutex
	onDone := func(o TierOutcome) {
		var size int64
		if o.Result != nil {
			size = o.Result.Size
		}
		logger.LogTierResult(job.ID, o.Tier.Name, size, o.Duration, o.Err)
		metrics.RecordTierEncoded(o.Tier.Name, o.Err == nil, o.Duration.Seconds())

		window := progressEncoded - progressThumbnail
		mu.Lock()
		defer mu.Unlock()
		s.setProgress(ctx, job, logger, progressThumbnail+window*o.Done/o.Total)
	}

	return s.encoder.EncodeRenditions(ctx, input, tiers, outDir, s.cfg.MaxConcurrent, onDone)
}

// publishTiers uploads the tier tree and returns the tiers that are safe to
// reference from the master playlist: every file of the tier was uploaded
// and, when verification is on, the tier playlist is visible in the store.
func (s *Service) publishTiers(ctx context.Context, logger *logging.Logger, encoded []TierResult, hlsDir, prefix string) ([]TierResult, error) {
	span, ctx := tracing.StartSpan(ctx, "transcoder.upload")
	defer tracing.FinishSpan(span)

	result, err := s.uploader.UploadDir(ctx, hlsDir, prefix)
	if err != nil {
		return nil, err
	}
	metrics.RecordUploadFailures(len(result.Failed))

	failedTiers := make(map[string]bool)
	var lastUnavailable error
	for _, f := range result.Failed {
		rel := strings.TrimPrefix(f.Key, prefix+"/")
		if tier, _, found := strings.Cut(rel, "/"); found {
			failedTiers[tier] = true
		}
		if storage.IsUnavailable(f) {
			lastUnavailable = f
		}
	}

	var confirmed []TierResult
	for _, r := range encoded {
		key := storage.JoinKey(prefix, r.PlaylistPath)
		if failedTiers[r.Tier.Name] || !result.Published(key) {
			logger.Warnf("Tier %s was not fully uploaded, leaving it out", r.Tier.Name)
			continue
		}

		if s.cfg.VerifyUploads {
			exists, err := s.store.Exists(ctx, s.cfg.Bucket, key)
			if err != nil || !exists {
				logger.Warnf("Tier %s playlist not visible after upload: %v", r.Tier.Name, err)
				if err != nil && storage.IsUnavailable(err) {
					lastUnavailable = err
				}
				continue
			}
		}

		confirmed = append(confirmed, r)
	}

	if len(confirmed) == 0 {
		if lastUnavailable != nil {
			return nil, lastUnavailable
		}
		return nil, &NoRenditionsError{Attempted: len(encoded)}
	}

	return confirmed, nil
}

func (s *Service) setProgress(ctx context.Context, job *models.Job, logger *logging.Logger, progress int) {
	if !job.SetProgress(progress) {
		return
	}
	if err := s.records.SaveProgress(ctx, job.Kind, job.ID, job.Progress); err != nil {
		logger.Warnf("Failed to save progress: %v", err)
	}
	s.publish(ctx, job, logger)
}

func (s *Service) publish(ctx context.Context, job *models.Job, logger *logging.Logger) {
	if s.progress == nil {
		return
	}
	if err := s.progress.PublishProgress(ctx, job.Kind, job.ID, job.Status, job.Progress); err != nil {
		logger.Debugf("Failed to publish progress: %v", err)
	}
}

// failJob marks a job as failed, persists it and builds the Result
func (s *Service) failJob(ctx context.Context, job *models.Job, logger *logging.Logger, cause error) Result {
	job.Fail(cause, s.now())

	retryable := IsRetryable(cause)
	logger.LogJobEvent(job.ID, "failed", string(job.Status), map[string]interface{}{
		"error":     job.Error,
		"retryable": retryable,
	})

	// the record must reflect the failure even if the caller's context is done
	saveCtx := context.WithoutCancel(ctx)
	if err := s.records.SaveStatus(saveCtx, job); err != nil {
		logger.ErrorWithErr("Failed to persist failed status", err)
	}
	s.publish(saveCtx, job, logger)

	var duration float64
	if job.StartedAt != nil {
		duration = s.now().Sub(*job.StartedAt).Seconds()
	}
	metrics.RecordJobFinished(string(job.Kind), string(job.Status), duration)

	return s.result(JobRequest{ID: job.ID, Kind: job.Kind}, job.Status, cause)
}

func (s *Service) result(req JobRequest, status models.JobStatus, err error) Result {
	retryable := IsRetryable(err)
	if err != nil {
		metrics.RecordJobFailure(failureReason(err), retryable)
	}
	return Result{
		JobID:     req.ID,
		Kind:      req.Kind,
		Status:    status,
		Err:       err,
		Retryable: retryable,
	}
}
