package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/judgehub/videopipe/pkg/models"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. VIDEOPIPE_DATABASE_HOST
const EnvPrefix = "VIDEOPIPE"

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Storage    StorageConfig
	Queue      QueueConfig
	Transcoder TranscoderConfig
	Logging    LoggingConfig
	Metrics    MetricsConfig
	Tracing    TracingConfig
	Janitor    JanitorConfig
	Auth       AuthConfig
	Webhook    WebhookConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	MaxConns    int
	MinConns    int
	AutoMigrate bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled     bool
	Host        string
	Port        int
	Password    string
	DB          int
	ProgressTTL time.Duration
	LockTTL     time.Duration
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Backend           string // minio or s3
	Endpoint          string
	AccessKeyID       string
	SecretAccessKey   string
	BucketName        string
	SourceBucket      string
	Region            string
	UseSSL            bool
	PublicBaseURL     string
	UploadConcurrency int
	VerifyUploads     bool
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	Vhost      string
	Exchange   string
	QueueName  string
	RetryDelay time.Duration
	MaxRetries int
}

// URL returns the AMQP connection string
func (q QueueConfig) URL() string {
	vhost := strings.TrimPrefix(q.Vhost, "/")
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", q.User, q.Password, q.Host, q.Port, vhost)
}

// TranscoderConfig holds transcoding configuration
type TranscoderConfig struct {
	WorkerCount      int
	TempDir          string
	FFmpegPath       string
	FFprobePath      string
	MaxConcurrent    int
	Preset           string
	ProbeTimeout     time.Duration
	ThumbnailTimeout time.Duration
	EncodeTimeout    time.Duration
	ThumbnailTime    float64
	ThumbnailWidth   int
	UseJobLock       bool
	Tiers            []models.QualityTier
}

// JobBudget is the longest a single job can keep its scratch directory and
// lock: probe, thumbnail, then the tiers encoded in waves of MaxConcurrent
func (t TranscoderConfig) JobBudget() time.Duration {
	waves := 1
	if t.MaxConcurrent > 0 && len(t.Tiers) > 0 {
		waves = (len(t.Tiers) + t.MaxConcurrent - 1) / t.MaxConcurrent
	}
	return t.ProbeTimeout + t.ThumbnailTimeout + t.EncodeTimeout*time.Duration(waves)
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// TracingConfig holds Jaeger configuration
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
}

// JanitorConfig controls the scratch directory sweep
type JanitorConfig struct {
	Enabled  bool
	Schedule string
	MaxAge   time.Duration
}

// AuthConfig holds API authentication and rate limit settings
type AuthConfig struct {
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int
}

// WebhookConfig lists the endpoints told about finished jobs
type WebhookConfig struct {
	URLs        []string
	Secret      string
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// Load reads configuration from file and environment variables. An empty
// path skips the file and uses defaults plus environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate rejects configurations the worker cannot run with
func (c *Config) Validate() error {
	var errs []error

	if len(c.Transcoder.Tiers) == 0 {
		errs = append(errs, errors.New("transcoder.tiers must not be empty"))
	}
	seen := make(map[string]bool)
	for _, tier := range c.Transcoder.Tiers {
		if err := tier.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[tier.Name] {
			errs = append(errs, fmt.Errorf("duplicate tier %q", tier.Name))
		}
		seen[tier.Name] = true
	}

	if c.Transcoder.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("transcoder.maxConcurrent must be positive"))
	}
	if c.Transcoder.WorkerCount <= 0 {
		errs = append(errs, errors.New("transcoder.workerCount must be positive"))
	}
	if c.Storage.UploadConcurrency <= 0 {
		errs = append(errs, errors.New("storage.uploadConcurrency must be positive"))
	}

	switch c.Storage.Backend {
	case "minio", "s3":
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	// shorter values let a running job lose its scratch directory or lock
	budget := c.Transcoder.JobBudget()
	if c.Janitor.Enabled && c.Janitor.MaxAge <= budget {
		errs = append(errs, fmt.Errorf("janitor.maxAge %s must exceed the job budget %s", c.Janitor.MaxAge, budget))
	}
	if c.Redis.Enabled && c.Transcoder.UseJobLock && c.Redis.LockTTL <= budget {
		errs = append(errs, fmt.Errorf("redis.lockTTL %s must exceed the job budget %s", c.Redis.LockTTL, budget))
	}

	if c.Queue.MaxRetries < 0 {
		errs = append(errs, errors.New("queue.maxRetries must not be negative"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "30s")
	v.SetDefault("server.shutdownTimeout", "10s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "videopipe")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.autoMigrate", true)

	// Redis defaults
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.progressTTL", "24h")
	v.SetDefault("redis.lockTTL", "2h")

	// Storage defaults
	v.SetDefault("storage.backend", "minio")
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.accessKeyID", "minioadmin")
	v.SetDefault("storage.secretAccessKey", "minioadmin")
	v.SetDefault("storage.bucketName", "videos")
	v.SetDefault("storage.sourceBucket", "media")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.useSSL", false)
	v.SetDefault("storage.publicBaseURL", "")
	v.SetDefault("storage.uploadConcurrency", 8)
	v.SetDefault("storage.verifyUploads", true)

	// Queue defaults
	v.SetDefault("queue.host", "localhost")
	v.SetDefault("queue.port", 5672)
	v.SetDefault("queue.user", "guest")
	v.SetDefault("queue.password", "guest")
	v.SetDefault("queue.vhost", "/")
	v.SetDefault("queue.exchange", "videopipe")
	v.SetDefault("queue.queueName", "video_processing")
	v.SetDefault("queue.retryDelay", "60s")
	v.SetDefault("queue.maxRetries", 3)

	// Transcoder defaults
	v.SetDefault("transcoder.workerCount", 2)
	v.SetDefault("transcoder.tempDir", "/tmp/videopipe")
	v.SetDefault("transcoder.ffmpegPath", "ffmpeg")
	v.SetDefault("transcoder.ffprobePath", "ffprobe")
	v.SetDefault("transcoder.maxConcurrent", 3)
	v.SetDefault("transcoder.preset", "veryfast")
	v.SetDefault("transcoder.probeTimeout", "30s")
	v.SetDefault("transcoder.thumbnailTimeout", "30s")
	v.SetDefault("transcoder.encodeTimeout", "1h")
	v.SetDefault("transcoder.thumbnailTime", 1.0)
	v.SetDefault("transcoder.thumbnailWidth", 640)
	v.SetDefault("transcoder.useJobLock", true)
	v.SetDefault("transcoder.tiers", defaultTiers())

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "videopipe")
	v.SetDefault("tracing.endpoint", "http://localhost:14268/api/traces")

	// Janitor defaults
	v.SetDefault("janitor.enabled", true)
	v.SetDefault("janitor.schedule", "0 */15 * * * *")
	v.SetDefault("janitor.maxAge", "6h")

	// Auth defaults
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.rateLimitRPS", 10.0)
	v.SetDefault("auth.rateLimitBurst", 20)

	// Webhook defaults
	v.SetDefault("webhook.urls", []string{})
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.maxAttempts", 3)
	v.SetDefault("webhook.retryDelay", "2s")
}

func defaultTiers() []map[string]interface{} {
	var tiers []map[string]interface{}
	for _, t := range models.DefaultTiers() {
		tiers = append(tiers, map[string]interface{}{
			"name":    t.Name,
			"width":   t.Width,
			"height":  t.Height,
			"bitrate": t.Bitrate,
		})
	}
	return tiers
}
