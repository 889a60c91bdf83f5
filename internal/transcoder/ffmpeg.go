package transcoder

import (
	"context"
	"time"

	"github.com/judgehub/videopipe/internal/config"
	"github.com/judgehub/videopipe/internal/logging"
)

// FFmpeg wraps ffmpeg and ffprobe invocations
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	preset      string

	probeTimeout     time.Duration
	thumbnailTimeout time.Duration
	encodeTimeout    time.Duration

	runner Runner
	logger *logging.Logger

	// measures a finished tier directory
	measure func(dir string) (int64, error)
}

// Option customizes an FFmpeg instance
type Option func(*FFmpeg)

// WithRunner replaces the subprocess runner
func WithRunner(r Runner) Option {
	return func(f *FFmpeg) { f.runner = r }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(f *FFmpeg) { f.logger = l }
}

// WithTimeouts overrides the per-invocation timeouts. Zero keeps the default.
func WithTimeouts(probe, thumbnail, encode time.Duration) Option {
	return func(f *FFmpeg) {
		if probe > 0 {
			f.probeTimeout = probe
		}
		if thumbnail > 0 {
			f.thumbnailTimeout = thumbnail
		}
		if encode > 0 {
			f.encodeTimeout = encode
		}
	}
}

// WithPreset sets the x264 preset
func WithPreset(preset string) Option {
	return func(f *FFmpeg) {
		if preset != "" {
			f.preset = preset
		}
	}
}

// NewFFmpeg creates a new FFmpeg instance
func NewFFmpeg(ffmpegPath, ffprobePath string, opts ...Option) *FFmpeg {
	f := &FFmpeg{
		ffmpegPath:       ffmpegPath,
		ffprobePath:      ffprobePath,
		preset:           "veryfast",
		probeTimeout:     30 * time.Second,
		thumbnailTimeout: 30 * time.Second,
		encodeTimeout:    time.Hour,
		runner:           ExecRunner{},
		logger:           logging.Nop(),
		measure:          dirSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewFFmpegFromConfig builds an FFmpeg from transcoder configuration
func NewFFmpegFromConfig(cfg config.TranscoderConfig, logger *logging.Logger, opts ...Option) *FFmpeg {
	base := []Option{
		WithLogger(logger),
		WithPreset(cfg.Preset),
		WithTimeouts(cfg.ProbeTimeout, cfg.ThumbnailTimeout, cfg.EncodeTimeout),
	}
	return NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath, append(base, opts...)...)
}

func (f *FFmpeg) run(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return f.runner.Run(ctx, name, args...)
}
