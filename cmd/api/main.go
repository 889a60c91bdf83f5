package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/judgehub/videopipe/internal/cache"
	"github.com/judgehub/videopipe/internal/config"
	"github.com/judgehub/videopipe/internal/database"
	"github.com/judgehub/videopipe/internal/logging"
	"github.com/judgehub/videopipe/internal/middleware"
	"github.com/judgehub/videopipe/internal/queue"
	"github.com/judgehub/videopipe/internal/storage"
	"github.com/rs/zerolog/log"
)

func main() {
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Initialize storage
	store, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}

	// Initialize queue
	q, err := queue.New(cfg.Queue, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()

	api := &API{
		repo:   database.NewRepository(db),
		queue:  q,
		urls:   store,
		bucket: cfg.Storage.BucketName,
		health: db.Health,
		logger: logger,
	}

	if cfg.Redis.Enabled {
		c, err := cache.NewFromConfig(cfg.Redis)
		if err != nil {
			logger.Warnf("Redis unavailable, serving progress from the database: %v", err)
		} else {
			defer c.Close()
			api.progress = c
		}
	}

	limiter := middleware.NewRateLimiter(cfg.Auth.RateLimitRPS, cfg.Auth.RateLimitBurst)
	go limiter.Cleanup(ctx)

	router := setupRouter(api, logger, limiter, cfg.Auth.JWTSecret)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer done()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithErr("Server forced to shutdown", err)
	}

	logger.Info("Server stopped")
}

func setupRouter(api *API, logger *logging.Logger, limiter *middleware.RateLimiter, jwtSecret string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.Logger(logger))

	router.GET("/health", api.healthCheck)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.RateLimit(limiter))
	{
		v1.POST("/videos", api.createVideo)
		v1.GET("/videos", api.listVideos)
		v1.GET("/videos/:id", api.getVideo)
		v1.POST("/videos/:id/reprocess", middleware.JWTAuth(jwtSecret), api.reprocessVideo)

		v1.POST("/problems", api.createProblem)
		v1.GET("/problems/:id/video", api.getProblemVideo)
	}

	return router
}
