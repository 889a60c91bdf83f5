package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/judgehub/videopipe/internal/config"
	"github.com/judgehub/videopipe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cache, err := NewFromConfig(config.RedisConfig{
		Host:        mr.Host(),
		Port:        mr.Server().Addr().Port,
		ProgressTTL: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	return cache, mr
}

func TestNewCache(t *testing.T) {
	cache, _ := setupTestCache(t)
	assert.NoError(t, cache.Ping(context.Background()))
	assert.Equal(t, time.Hour, cache.progressTTL)
}

func TestNewCacheUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	port := mr.Server().Addr().Port
	mr.Close()

	_, err := NewCache("127.0.0.1", port, "", 0)
	assert.Error(t, err)
}

func TestProgress(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()

	p, err := cache.GetProgress(ctx, models.RecordKindVideo, "42")
	require.NoError(t, err)
	assert.Nil(t, p, "miss returns nil")

	require.NoError(t, cache.PublishProgress(ctx, models.RecordKindVideo, "42", models.JobStatusProcessing, 25))
	require.NoError(t, cache.PublishProgress(ctx, models.RecordKindVideo, "42", models.JobStatusProcessing, 52))

	p, err = cache.GetProgress(ctx, models.RecordKindVideo, "42")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, models.JobStatusProcessing, p.Status)
	assert.Equal(t, 52, p.Progress)
	assert.False(t, p.UpdatedAt.IsZero())

	assert.True(t, mr.Exists("progress:video:42"))
	assert.Equal(t, time.Hour, mr.TTL("progress:video:42"))

	// kinds do not collide
	p, err = cache.GetProgress(ctx, models.RecordKindProblem, "42")
	require.NoError(t, err)
	assert.Nil(t, p)

	mr.FastForward(2 * time.Hour)
	p, err = cache.GetProgress(ctx, models.RecordKindVideo, "42")
	require.NoError(t, err)
	assert.Nil(t, p, "entry expires")
}

func TestProgressDefaultKind(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.PublishProgress(ctx, "", "7", models.JobStatusCompleted, 100))
	assert.True(t, mr.Exists("progress:video:7"))

	require.NoError(t, cache.DeleteProgress(ctx, models.RecordKindVideo, "7"))
	assert.False(t, mr.Exists("progress:video:7"))
}

func TestProgressCorruptEntry(t *testing.T) {
	cache, mr := setupTestCache(t)
	require.NoError(t, mr.Set("progress:video:9", "not json"))

	_, err := cache.GetProgress(context.Background(), models.RecordKindVideo, "9")
	assert.Error(t, err)
}

func TestLocking(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()

	token, ok, err := cache.AcquireLock(ctx, "job:video:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = cache.AcquireLock(ctx, "job:video:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire fails while held")

	require.NoError(t, cache.ReleaseLock(ctx, "job:video:1", token))
	_, ok, err = cache.AcquireLock(ctx, "job:video:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// a crashed holder's lock expires
	mr.FastForward(2 * time.Minute)
	_, ok, err = cache.AcquireLock(ctx, "job:video:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseLockKeepsNewOwner(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()

	stale, ok, err := cache.AcquireLock(ctx, "job:video:2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// the first holder overruns its TTL and a second worker takes over
	mr.FastForward(2 * time.Minute)
	current, ok, err := cache.AcquireLock(ctx, "job:video:2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, cache.ReleaseLock(ctx, "job:video:2", stale))
	assert.True(t, mr.Exists("lock:job:video:2"), "late release must not drop the new owner's lock")

	_, ok, err = cache.AcquireLock(ctx, "job:video:2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.ReleaseLock(ctx, "job:video:2", current))
	assert.False(t, mr.Exists("lock:job:video:2"))
}

func TestJSONHelpers(t *testing.T) {
	cache, _ := setupTestCache(t)
	ctx := context.Background()

	type payload struct {
		Name string `json:"name"`
	}

	require.NoError(t, cache.SetWithJSON(ctx, "k", payload{Name: "x"}, time.Minute))

	var got payload
	require.NoError(t, cache.GetWithJSON(ctx, "k", &got))
	assert.Equal(t, "x", got.Name)

	var miss payload
	require.NoError(t, cache.GetWithJSON(ctx, "absent", &miss))
	assert.Empty(t, miss.Name)

	exists, err := cache.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)
}
