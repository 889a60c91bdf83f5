package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/judgehub/videopipe/internal/config"
	"github.com/judgehub/videopipe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{
		Host: "db", Port: 5432, User: "u", Password: "p", DBName: "videopipe",
		SSLMode: "disable", MaxConns: 10, MinConns: 2,
	})
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=videopipe sslmode=disable pool_max_conns=10 pool_min_conns=2", dsn)

	dsn = DSN(config.DatabaseConfig{Host: "db", Port: 5432, User: "u", DBName: "x", SSLMode: "require"})
	assert.NotContains(t, dsn, "pool_")
}

func TestTableFor(t *testing.T) {
	table, err := tableFor(models.RecordKindVideo)
	require.NoError(t, err)
	assert.Equal(t, "videos", table)

	table, err = tableFor("")
	require.NoError(t, err)
	assert.Equal(t, "videos", table)

	table, err = tableFor(models.RecordKindProblem)
	require.NoError(t, err)
	assert.Equal(t, "problems", table)

	_, err = tableFor("course")
	assert.ErrorIs(t, err, models.ErrUnknownRecordKind)
}

func TestAssetRowBeforeProbe(t *testing.T) {
	row := assetRow{SourceKey: "videos/uploads/a.mp4", Status: "pending"}
	asset := row.asset()
	assert.Nil(t, asset.MediaInfo)
	assert.Equal(t, models.JobStatusPending, asset.Status)
}

func TestAssetRowMediaInfo(t *testing.T) {
	duration, width, height := 12.5, 1280, 720
	rate, bitrate, codec, size := "30000/1001", int64(2_000_000), "h264", int64(1024)
	row := assetRow{
		Status:    "completed",
		Duration:  &duration,
		Width:     &width,
		Height:    &height,
		FrameRate: &rate,
		Bitrate:   &bitrate,
		Codec:     &codec,
		Size:      &size,
	}

	info := row.mediaInfo()
	require.NotNil(t, info)
	assert.Equal(t, 1280, info.Width)
	assert.Equal(t, models.Rational{Num: 30000, Den: 1001}, info.FrameRate)
	assert.Equal(t, "h264", info.Codec)
	assert.Equal(t, int64(1024), info.Size)
}

// testRepository connects to VIDEOPIPE_TEST_DATABASE_URL and migrates it
func testRepository(t *testing.T) *Repository {
	t.Helper()

	dsn := os.Getenv("VIDEOPIPE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("VIDEOPIPE_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(ctx))
	version, err := db.MigrationVersion(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, version)
	return NewRepository(db)
}

func TestRepositoryLifecycle(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	video := &models.Video{Title: "Binary search", VideoAsset: models.VideoAsset{SourceKey: "videos/uploads/bs.mp4"}}
	require.NoError(t, repo.CreateVideo(ctx, video))
	require.NotEmpty(t, video.ID)

	job, err := repo.Load(ctx, models.RecordKindVideo, video.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "videos/uploads/bs.mp4", job.SourceKey)

	now := time.Now()
	require.NoError(t, job.Start(now))
	require.NoError(t, repo.SaveStatus(ctx, job))
	require.NoError(t, repo.SaveProgress(ctx, job.Kind, job.ID, 20))

	info := &models.MediaInfo{Width: 1280, Height: 720, Duration: 30, FrameRate: models.Rational{Num: 25, Den: 1}, Codec: "h264"}
	require.NoError(t, repo.SaveMediaInfo(ctx, job.Kind, job.ID, info))
	require.NoError(t, repo.SaveThumbnail(ctx, job.Kind, job.ID, "videos/thumbnails/thumb_"+job.ID+".jpg"))

	renditions := []models.Rendition{
		models.NewRendition(job.ID, job.Kind, models.Tier720p, "videos/hls/"+job.ID+"/720p/720p.m3u8", 200),
		models.NewRendition(job.ID, job.Kind, models.Tier360p, "videos/hls/"+job.ID+"/360p/360p.m3u8", 100),
	}
	_, err = repo.UpsertRenditions(ctx, job.Kind, job.ID, renditions)
	require.NoError(t, err)
	// a second run updates in place
	renditions[0].Size = 300
	retired, err := repo.UpsertRenditions(ctx, job.Kind, job.ID, renditions)
	require.NoError(t, err)
	assert.Empty(t, retired)

	require.NoError(t, job.Complete("videos/hls/"+job.ID+"/master.m3u8", time.Now()))
	require.NoError(t, repo.SaveStatus(ctx, job))

	got, err := repo.GetVideo(ctx, video.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "videos/hls/"+job.ID+"/master.m3u8", got.PlaylistKey)
	require.NotNil(t, got.MediaInfo)
	assert.Equal(t, 25.0, got.MediaInfo.FPS())

	list, err := repo.ListRenditions(ctx, models.RecordKindVideo, video.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "360p", list[0].Quality)
	assert.Equal(t, int64(300), list[1].Size)
	assert.True(t, list[1].Ready)

	// a reprocess that only produced 360p retires 720p
	retired, err = repo.UpsertRenditions(ctx, job.Kind, job.ID, renditions[1:])
	require.NoError(t, err)
	require.Len(t, retired, 1)
	assert.Equal(t, "720p", retired[0].Quality)
	assert.Equal(t, "videos/hls/"+job.ID+"/720p/720p.m3u8", retired[0].PlaylistPath)

	list, err = repo.ListRenditions(ctx, models.RecordKindVideo, video.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Ready)
	assert.False(t, list[1].Ready)
}

func TestRepositoryProblemRecords(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	problem := &models.ProblemVideo{Name: "Two sum", VideoAsset: models.VideoAsset{SourceKey: "problems/two-sum.mp4"}}
	require.NoError(t, repo.CreateProblemVideo(ctx, problem))

	job, err := repo.Load(ctx, models.RecordKindProblem, problem.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordKindProblem, job.Kind)

	job.Fail(assert.AnError, time.Now())
	require.NoError(t, repo.SaveStatus(ctx, job))

	got, err := repo.GetProblemVideo(ctx, problem.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, assert.AnError.Error(), got.Error)
}

func TestRepositoryNotFound(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	_, err := repo.Load(ctx, models.RecordKindVideo, "missing")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)

	err = repo.SaveProgress(ctx, models.RecordKindVideo, "missing", 10)
	assert.ErrorIs(t, err, models.ErrRecordNotFound)

	_, err = repo.GetVideo(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
}
