package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/judgehub/videopipe/internal/config"
	"github.com/judgehub/videopipe/pkg/models"
	"github.com/redis/go-redis/v9"
)

const defaultProgressTTL = 24 * time.Hour

// Cache provides caching functionality using Redis
type Cache struct {
	client      *redis.Client
	progressTTL time.Duration
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client, progressTTL: defaultProgressTTL}, nil
}

// NewFromConfig creates a cache from Redis configuration
func NewFromConfig(cfg config.RedisConfig) (*Cache, error) {
	c, err := NewCache(cfg.Host, cfg.Port, cfg.Password, cfg.DB)
	if err != nil {
		return nil, err
	}
	if cfg.ProgressTTL > 0 {
		c.progressTTL = cfg.ProgressTTL
	}
	return c, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Progress is the live processing state of one record
type Progress struct {
	Status    models.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func progressKey(kind models.RecordKind, id string) string {
	if kind == "" {
		kind = models.RecordKindVideo
	}
	return fmt.Sprintf("progress:%s:%s", kind, id)
}

// PublishProgress stores the latest status and progress of a record
func (c *Cache) PublishProgress(ctx context.Context, kind models.RecordKind, id string, status models.JobStatus, progress int) error {
	return c.SetWithJSON(ctx, progressKey(kind, id), Progress{
		Status:    status,
		Progress:  progress,
		UpdatedAt: time.Now().UTC(),
	}, c.progressTTL)
}

// GetProgress returns the cached progress of a record, or nil on a miss
func (c *Cache) GetProgress(ctx context.Context, kind models.RecordKind, id string) (*Progress, error) {
	var p Progress
	found, err := c.getJSON(ctx, progressKey(kind, id), &p)
	if err != nil || !found {
		return nil, err
	}
	return &p, nil
}

// DeleteProgress drops the cached progress of a record
func (c *Cache) DeleteProgress(ctx context.Context, kind models.RecordKind, id string) error {
	return c.client.Del(ctx, progressKey(kind, id)).Err()
}

// Locking Operations for Distributed Systems

// releaseScript deletes the lock only while it still holds the caller's token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLock attempts to acquire a distributed lock. The returned token
// identifies this holder to ReleaseLock.
func (c *Cache) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, bool, error) {
	key := fmt.Sprintf("lock:%s", resource)
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseLock releases a distributed lock if token still owns it. A lock
// that expired and was taken by another holder is left alone.
func (c *Cache) ReleaseLock(ctx context.Context, resource, token string) error {
	key := fmt.Sprintf("lock:%s", resource)
	return releaseScript.Run(ctx, c.client, []string{key}, token).Err()
}

// Exists checks if a key exists
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	result, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// SetWithJSON sets a value with JSON marshaling
func (c *Cache) SetWithJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetWithJSON gets a value with JSON unmarshaling. A miss leaves dest
// untouched and returns nil.
func (c *Cache) GetWithJSON(ctx context.Context, key string, dest interface{}) error {
	_, err := c.getJSON(ctx, key, dest)
	return err
}

func (c *Cache) getJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get value from cache: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal value: %w", err)
	}

	return true, nil
}

// Ping checks the connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
