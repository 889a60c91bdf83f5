package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/judgehub/videopipe/internal/cache"
	"github.com/judgehub/videopipe/internal/config"
	"github.com/judgehub/videopipe/internal/database"
	"github.com/judgehub/videopipe/internal/janitor"
	"github.com/judgehub/videopipe/internal/logging"
	"github.com/judgehub/videopipe/internal/metrics"
	"github.com/judgehub/videopipe/internal/queue"
	"github.com/judgehub/videopipe/internal/storage"
	"github.com/judgehub/videopipe/internal/tracing"
	"github.com/judgehub/videopipe/internal/transcoder"
	"github.com/judgehub/videopipe/internal/webhook"
	"github.com/rs/zerolog/log"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}

	closer, err := tracing.Init(cfg.Tracing)
	if err != nil {
		logger.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			logger.Fatalf("Failed to run migrations: %v", err)
		}
	}
	if version, err := db.MigrationVersion(ctx); err != nil {
		logger.Warnf("Failed to read schema version: %v", err)
	} else {
		logger.Infof("Database schema at version %d", version)
	}
	repo := database.NewRepository(db)

	// Initialize storage
	store, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}

	deps := transcoder.Dependencies{
		Records: repo,
		Store:   store,
		Logger:  logger,
	}

	checks := map[string]metrics.HealthCheck{"database": db.Health}
	var sinks transcoder.ProgressSinks

	if cfg.Redis.Enabled {
		c, err := cache.NewFromConfig(cfg.Redis)
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer c.Close()

		sinks = append(sinks, c)
		if cfg.Transcoder.UseJobLock {
			deps.Locker = c
		}
		checks["redis"] = c.Ping
	}

	notifier := webhook.New(cfg.Webhook, logger)
	if notifier != nil {
		sinks = append(sinks, notifier)
	}
	if len(sinks) > 0 {
		deps.Progress = sinks
	}

	ffmpeg := transcoder.NewFFmpegFromConfig(cfg.Transcoder, logger)
	deps.Prober = ffmpeg
	deps.Thumbnails = ffmpeg
	deps.Encoder = ffmpeg

	svc := transcoder.NewService(transcoder.NewServiceConfig(cfg), deps)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port, logger, checks)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.ErrorWithErr("Metrics server stopped", err)
			}
		}()
	}

	var sweeper *janitor.Janitor
	if cfg.Janitor.Enabled {
		sweeper = janitor.New(cfg.Transcoder.TempDir, cfg.Janitor, logger)
		if err := sweeper.Start(); err != nil {
			logger.Fatalf("Failed to start scratch janitor: %v", err)
		}
	}

	// Initialize queue
	q, err := queue.New(cfg.Queue, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()

	if err := q.ConsumeJobs(ctx, cfg.Transcoder.WorkerCount, svc.ProcessJob); err != nil {
		logger.Fatalf("Failed to consume jobs: %v", err)
	}
	logger.Infof("Worker started with %d concurrent jobs", cfg.Transcoder.WorkerCount)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker, draining in-flight jobs")
	cancel()
	q.Wait()
	if notifier != nil {
		notifier.Wait()
	}

	if sweeper != nil {
		sweeper.Stop()
	}
	if metricsServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.ErrorWithErr("Failed to stop metrics server", err)
		}
	}

	logger.Info("Worker stopped")
}
