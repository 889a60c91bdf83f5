package transcoder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/judgehub/videopipe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const probeFixture = `{
  "streams": [
    {"codec_type": "video", "codec_name": "mjpeg", "width": 600, "height": 600,
     "r_frame_rate": "90000/1", "disposition": {"attached_pic": 1}},
    {"codec_type": "audio", "codec_name": "aac", "bit_rate": "128000"},
    {"codec_type": "video", "codec_name": "h264", "width": 1280, "height": 720,
     "r_frame_rate": "30000/1001", "avg_frame_rate": "30000/1001", "disposition": {"attached_pic": 0}}
  ],
  "format": {"filename": "in.mp4", "format_name": "mov,mp4", "duration": "30.030000",
             "size": "5242880", "bit_rate": "1396000"}
}`

func TestParseProbeOutput(t *testing.T) {
	info, err := ParseProbeOutput([]byte(probeFixture))
	require.NoError(t, err)

	assert.Equal(t, 1280, info.Width)
	assert.Equal(t, 720, info.Height)
	assert.Equal(t, "h264", info.Codec)
	assert.Equal(t, models.Rational{Num: 30000, Den: 1001}, info.FrameRate)
	assert.InDelta(t, 29.97, info.FPS(), 0.01)
	assert.InDelta(t, 30.03, info.Duration, 0.001)
	assert.Equal(t, int64(5242880), info.Size)
	assert.Equal(t, int64(1396000), info.Bitrate)
}

func TestParseProbeOutputFallbacks(t *testing.T) {
	data := `{"streams":[{"codec_type":"video","codec_name":"vp9","width":640,"height":360,
		"r_frame_rate":"0/0","avg_frame_rate":"25/1","duration":"12.5","bit_rate":"900000"}],
		"format":{}}`

	info, err := ParseProbeOutput([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, 25.0, info.FPS())
	assert.Equal(t, 12.5, info.Duration)
	assert.Equal(t, int64(900000), info.Bitrate)
}

func TestParseProbeOutputErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid json", `{not json`},
		{"audio only", `{"streams":[{"codec_type":"audio"}],"format":{}}`},
		{"cover art only", `{"streams":[{"codec_type":"video","width":1,"height":1,"r_frame_rate":"1/1","disposition":{"attached_pic":1}}]}`},
		{"no frame rate", `{"streams":[{"codec_type":"video","width":640,"height":360,"r_frame_rate":"0/0"}]}`},
		{"zero height", `{"streams":[{"codec_type":"video","width":640,"height":0,"r_frame_rate":"25/1"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProbeOutput([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestProbe(t *testing.T) {
	runner := &fakeRunner{fn: func(name string, args []string) ([]byte, error) {
		return []byte(probeFixture), nil
	}}
	ff := NewFFmpeg("ffmpeg", "/usr/bin/ffprobe", WithRunner(runner))

	info, err := ff.Probe(context.Background(), "/tmp/in.mp4")
	require.NoError(t, err)
	assert.Equal(t, 720, info.Height)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "/usr/bin/ffprobe", runner.calls[0][0])
	assert.Equal(t, "/tmp/in.mp4", runner.calls[0][len(runner.calls[0])-1])
	assert.Contains(t, runner.calls[0], "-show_streams")
}

func TestProbeCommandFailure(t *testing.T) {
	runner := &fakeRunner{fn: func(name string, args []string) ([]byte, error) {
		return nil, &CommandError{Name: name, Stderr: "moov atom not found", Err: errors.New("exit status 1")}
	}}
	ff := NewFFmpeg("ffmpeg", "ffprobe", WithRunner(runner))

	_, err := ff.Probe(context.Background(), "/tmp/broken.mp4")
	var probeErr *ProbeError
	require.ErrorAs(t, err, &probeErr)
	assert.Contains(t, err.Error(), "moov atom not found")
	assert.False(t, IsRetryable(err))
}

func TestGenerateThumbnail(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{fn: func(name string, args []string) ([]byte, error) {
		return nil, writePNG(args[len(args)-1], 1280, 720)
	}}
	ff := NewFFmpeg("ffmpeg", "ffprobe", WithRunner(runner))

	out := filepath.Join(dir, "thumb_1.jpg")
	ok := ff.GenerateThumbnail(context.Background(), ThumbnailOptions{
		InputPath:  "/tmp/in.mp4",
		OutputPath: out,
		Timestamp:  1,
		Duration:   30,
	})
	require.True(t, ok)

	require.Len(t, runner.calls, 1)
	args := runner.calls[0]
	assert.Equal(t, "1.000", argValue(args, "-ss"))
	assert.Equal(t, "1", argValue(args, "-frames:v"))
	ssIdx, inIdx := indexOf(args, "-ss"), indexOf(args, "-i")
	assert.Less(t, ssIdx, inIdx, "seek must come before the input")

	img, err := imaging.Open(out)
	require.NoError(t, err)
	assert.Equal(t, 640, img.Bounds().Dx())
	assert.Equal(t, 360, img.Bounds().Dy())

	// intermediate frame is cleaned up
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestGenerateThumbnailPastEnd(t *testing.T) {
	runner := &fakeRunner{fn: func(name string, args []string) ([]byte, error) {
		return nil, writePNG(args[len(args)-1], 64, 36)
	}}
	ff := NewFFmpeg("ffmpeg", "ffprobe", WithRunner(runner))

	ok := ff.GenerateThumbnail(context.Background(), ThumbnailOptions{
		InputPath:  "/tmp/in.mp4",
		OutputPath: filepath.Join(t.TempDir(), "thumb.jpg"),
		Timestamp:  1,
		Duration:   0.5,
	})
	require.True(t, ok)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "0.000", argValue(runner.calls[0], "-ss"))
}

func TestGenerateThumbnailFallsBackToStart(t *testing.T) {
	runner := &fakeRunner{fn: func(name string, args []string) ([]byte, error) {
		if argValue(args, "-ss") != "0.000" {
			// decoder produced nothing at the requested offset
			return nil, nil
		}
		return nil, writePNG(args[len(args)-1], 64, 36)
	}}
	ff := NewFFmpeg("ffmpeg", "ffprobe", WithRunner(runner))

	ok := ff.GenerateThumbnail(context.Background(), ThumbnailOptions{
		InputPath:  "/tmp/in.mp4",
		OutputPath: filepath.Join(t.TempDir(), "thumb.jpg"),
		Timestamp:  1,
	})
	require.True(t, ok)
	assert.Equal(t, 2, runner.callCount())
}

func TestGenerateThumbnailFailure(t *testing.T) {
	runner := &fakeRunner{fn: func(name string, args []string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	}}
	ff := NewFFmpeg("ffmpeg", "ffprobe", WithRunner(runner))

	out := filepath.Join(t.TempDir(), "thumb.jpg")
	ok := ff.GenerateThumbnail(context.Background(), ThumbnailOptions{
		InputPath:  "/tmp/in.mp4",
		OutputPath: out,
		Timestamp:  1,
	})
	assert.False(t, ok)
	assert.Equal(t, 2, runner.callCount(), "one retry at t=0, no more")
	assert.NoFileExists(t, out)
}

func TestEncodeRendition(t *testing.T) {
	outDir := t.TempDir()
	runner := &fakeRunner{fn: func(name string, args []string) ([]byte, error) {
		return nil, writeTierFiles(args[len(args)-1], 3)
	}}
	ff := NewFFmpeg("ffmpeg", "ffprobe", WithRunner(runner), WithPreset("veryfast"))

	res, err := ff.EncodeRendition(context.Background(), "/tmp/in.mp4", models.Tier720p, outDir)
	require.NoError(t, err)

	assert.Equal(t, "720p/720p.m3u8", res.PlaylistPath)
	assert.Greater(t, res.Size, int64(0))

	args := runner.calls[0][1:]
	assert.Equal(t, "scale=1280:720", argValue(args, "-vf"))
	assert.Equal(t, "libx264", argValue(args, "-c:v"))
	assert.Equal(t, "veryfast", argValue(args, "-preset"))
	assert.Equal(t, "main", argValue(args, "-profile:v"))
	assert.Equal(t, "2800k", argValue(args, "-b:v"))
	assert.Equal(t, "2800k", argValue(args, "-maxrate"))
	assert.Equal(t, "5600000", argValue(args, "-bufsize"))
	assert.Equal(t, "128k", argValue(args, "-b:a"))
	assert.Equal(t, "2", argValue(args, "-ac"))
	assert.Equal(t, "48000", argValue(args, "-ar"))
	assert.Equal(t, "2", argValue(args, "-hls_time"))
	assert.Equal(t, "event", argValue(args, "-hls_playlist_type"))
	assert.Equal(t, "independent_segments+program_date_time", argValue(args, "-hls_flags"))
	assert.NotContains(t, strings.Join(args, " "), "delete_segments")
	assert.Equal(t, filepath.Join(outDir, "720p", "720p_%03d.ts"), argValue(args, "-hls_segment_filename"))
	assert.Equal(t, filepath.Join(outDir, "720p", "720p.m3u8"), args[len(args)-1])
}

func TestEncodeRenditionFailureRemovesTierDir(t *testing.T) {
	outDir := t.TempDir()
	runner := &fakeRunner{fn: func(name string, args []string) ([]byte, error) {
		// partial output before the crash
		_ = writeTierFiles(args[len(args)-1], 1)
		return nil, errors.New("exit status 234")
	}}
	ff := NewFFmpeg("ffmpeg", "ffprobe", WithRunner(runner))

	_, err := ff.EncodeRendition(context.Background(), "/tmp/in.mp4", models.Tier360p, outDir)
	var encErr *EncodeError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, "360p", encErr.Tier)
	assert.NoDirExists(t, filepath.Join(outDir, "360p"))
}

func TestEncodeRenditionMissingPlaylist(t *testing.T) {
	outDir := t.TempDir()
	// exits cleanly without writing anything
	ff := NewFFmpeg("ffmpeg", "ffprobe", WithRunner(&fakeRunner{}))

	_, err := ff.EncodeRendition(context.Background(), "/tmp/in.mp4", models.Tier360p, outDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "playlist not produced")
	assert.NoDirExists(t, filepath.Join(outDir, "360p"))
}

func TestEncodeRenditionUnmeasurableOutput(t *testing.T) {
	outDir := t.TempDir()
	runner := &fakeRunner{fn: func(name string, args []string) ([]byte, error) {
		return nil, writeTierFiles(args[len(args)-1], 2)
	}}
	ff := NewFFmpeg("ffmpeg", "ffprobe", WithRunner(runner))
	ff.measure = func(string) (int64, error) { return 0, errors.New("stat failed") }

	_, err := ff.EncodeRendition(context.Background(), "/tmp/in.mp4", models.Tier360p, outDir)

	var encErr *EncodeError
	require.ErrorAs(t, err, &encErr)
	assert.NoDirExists(t, filepath.Join(outDir, "360p"), "partial output is not left for upload")
}

func TestEncodeRenditionsPartialFailure(t *testing.T) {
	outDir := t.TempDir()
	runner := &fakeRunner{fn: func(name string, args []string) ([]byte, error) {
		playlist := args[len(args)-1]
		if strings.HasSuffix(playlist, "480p.m3u8") {
			return nil, errors.New("exit status 1")
		}
		return nil, writeTierFiles(playlist, 2)
	}}
	ff := NewFFmpeg("ffmpeg", "ffprobe", WithRunner(runner))

	var (
		mu       sync.Mutex
		outcomes []TierOutcome
	)
	tiers := []models.QualityTier{models.Tier1080p, models.Tier480p, models.Tier360p, models.Tier720p}
	results := ff.EncodeRenditions(context.Background(), "/tmp/in.mp4", tiers, outDir, 2, func(o TierOutcome) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, o)
	})

	var names []string
	for _, r := range results {
		names = append(names, r.Tier.Name)
	}
	assert.Equal(t, []string{"360p", "720p", "1080p"}, names)

	require.Len(t, outcomes, 4)
	var done []int
	failed := 0
	for _, o := range outcomes {
		done = append(done, o.Done)
		assert.Equal(t, 4, o.Total)
		if o.Err != nil {
			failed++
			assert.Equal(t, "480p", o.Tier.Name)
		}
	}
	sort.Ints(done)
	assert.Equal(t, []int{1, 2, 3, 4}, done)
	assert.Equal(t, 1, failed)
}

func TestEncodeRenditionsAllFail(t *testing.T) {
	runner := &fakeRunner{fn: func(name string, args []string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	}}
	ff := NewFFmpeg("ffmpeg", "ffprobe", WithRunner(runner))

	results := ff.EncodeRenditions(context.Background(), "/tmp/in.mp4", models.DefaultTiers(), t.TempDir(), 3, nil)
	assert.Empty(t, results)
	assert.Equal(t, 3, runner.callCount())
}

func TestCommandError(t *testing.T) {
	err := &CommandError{Name: "ffmpeg", Stderr: "Invalid data", Err: errors.New("exit status 1")}
	assert.Equal(t, "ffmpeg failed: exit status 1, stderr: Invalid data", err.Error())

	err = &CommandError{Name: "ffprobe", TimedOut: true, Err: errors.New("signal: killed")}
	assert.Contains(t, err.Error(), "timed out")

	assert.Equal(t, "cdef", tail("abcdef", 4))
}

func indexOf(args []string, v string) int {
	for i, a := range args {
		if a == v {
			return i
		}
	}
	return -1
}
