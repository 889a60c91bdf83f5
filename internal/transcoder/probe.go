package transcoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/judgehub/videopipe/pkg/models"
)

// probeOutput mirrors the subset of ffprobe JSON that is used
type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	BitRate      string `json:"bit_rate"`
	Duration     string `json:"duration"`
	FrameRate    string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	Disposition  struct {
		AttachedPic int `json:"attached_pic"`
	} `json:"disposition"`
}

// Probe extracts media information from a local file
func (f *FFmpeg) Probe(ctx context.Context, path string) (*models.MediaInfo, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	out, err := f.run(ctx, f.probeTimeout, f.ffprobePath, args...)
	if err != nil {
		return nil, &ProbeError{Path: path, Err: err}
	}

	info, err := ParseProbeOutput(out)
	if err != nil {
		return nil, &ProbeError{Path: path, Err: err}
	}

	if info.Size == 0 {
		if st, statErr := os.Stat(path); statErr == nil {
			info.Size = st.Size()
		}
	}

	return info, nil
}

// ParseProbeOutput converts ffprobe JSON into MediaInfo
func ParseProbeOutput(data []byte) (*models.MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	stream := firstVideoStream(out.Streams)
	if stream == nil {
		return nil, errors.New("no video stream found")
	}

	info := &models.MediaInfo{
		Width:  stream.Width,
		Height: stream.Height,
		Codec:  stream.CodecName,
	}

	rate, err := parseFrameRate(stream.FrameRate)
	if err != nil {
		rate, err = parseFrameRate(stream.AvgFrameRate)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid frame rate: %w", err)
	}
	info.FrameRate = rate

	info.Duration = parseFloatOr(out.Format.Duration, parseFloatOr(stream.Duration, 0))
	info.Bitrate = parseIntOr(out.Format.BitRate, parseIntOr(stream.BitRate, 0))
	info.Size = parseIntOr(out.Format.Size, 0)

	if err := info.Validate(); err != nil {
		return nil, err
	}

	return info, nil
}

// firstVideoStream skips cover art, which ffprobe reports as a video stream
func firstVideoStream(streams []probeStream) *probeStream {
	for i := range streams {
		s := &streams[i]
		if s.CodecType == "video" && s.Disposition.AttachedPic == 0 {
			return s
		}
	}
	return nil
}

func parseFrameRate(s string) (models.Rational, error) {
	r, err := models.ParseRational(s)
	if err != nil {
		return r, err
	}
	// ffprobe reports "0/0" for unknown rates
	if r.Num <= 0 {
		return r, fmt.Errorf("unknown frame rate %q", s)
	}
	return r, nil
}

func parseFloatOr(s string, def float64) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func parseIntOr(s string, def int64) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return def
	}
	return v
}
