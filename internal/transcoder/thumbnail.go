package transcoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// Thumbnail defaults
const (
	DefaultThumbnailTime    = 1.0
	DefaultThumbnailWidth   = 640
	DefaultThumbnailQuality = 85
)

// ThumbnailOptions holds options for thumbnail generation
type ThumbnailOptions struct {
	InputPath  string
	OutputPath string
	Timestamp  float64 // seconds into the source
	Duration   float64 // known source duration, 0 if unknown
	Width      int     // output width, height follows the aspect ratio
	Quality    int     // JPEG quality 1-100
}

func (o *ThumbnailOptions) setDefaults() {
	if o.Timestamp < 0 {
		o.Timestamp = 0
	}
	if o.Width <= 0 {
		o.Width = DefaultThumbnailWidth
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = DefaultThumbnailQuality
	}
}

// GenerateThumbnail captures a single frame as a JPEG. A timestamp past the
// end of the source is captured at t=0, and a failed capture is retried once
// at t=0. It reports whether a thumbnail was written.
func (f *FFmpeg) GenerateThumbnail(ctx context.Context, opts ThumbnailOptions) bool {
	opts.setDefaults()

	ts := opts.Timestamp
	if opts.Duration > 0 && ts >= opts.Duration {
		ts = 0
	}

	err := f.captureThumbnail(ctx, opts, ts)
	if err != nil && ts > 0 {
		f.logger.Warnf("Thumbnail at %.2fs failed, retrying at 0s: %v", ts, err)
		err = f.captureThumbnail(ctx, opts, 0)
	}
	if err != nil {
		f.logger.ErrorWithErr("Failed to generate thumbnail", err)
		return false
	}

	return true
}

func (f *FFmpeg) captureThumbnail(ctx context.Context, opts ThumbnailOptions, ts float64) error {
	if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	framePath := strings.TrimSuffix(opts.OutputPath, filepath.Ext(opts.OutputPath)) + "_frame.png"
	defer os.Remove(framePath)

	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%.3f", ts),
		"-i", opts.InputPath,
		"-frames:v", "1",
		framePath,
	}

	if _, err := f.run(ctx, f.thumbnailTimeout, f.ffmpegPath, args...); err != nil {
		return err
	}

	// ffmpeg exits 0 without output when seeking past the last frame
	if st, err := os.Stat(framePath); err != nil || st.Size() == 0 {
		return fmt.Errorf("no frame decoded at %.3fs", ts)
	}

	img, err := imaging.Open(framePath)
	if err != nil {
		return fmt.Errorf("failed to open frame: %w", err)
	}

	resized := imaging.Resize(img, opts.Width, 0, imaging.Lanczos)
	if err := imaging.Save(resized, opts.OutputPath, imaging.JPEGQuality(opts.Quality)); err != nil {
		return fmt.Errorf("failed to save thumbnail: %w", err)
	}

	return nil
}
