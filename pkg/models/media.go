package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Rational is an exact frame rate such as 30000/1001
type Rational struct {
	Num int64 `json:"num"`
	Den int64 `json:"den"`
}

// ParseRational parses "num/den" or a bare integer as reported by ffprobe
func ParseRational(s string) (Rational, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Rational{}, errors.New("empty rational")
	}

	numStr, denStr, found := strings.Cut(s, "/")
	if !found {
		denStr = "1"
	}

	num, err := strconv.ParseInt(strings.TrimSpace(numStr), 10, 64)
	if err != nil {
		return Rational{}, fmt.Errorf("invalid rational numerator %q: %w", s, err)
	}
	den, err := strconv.ParseInt(strings.TrimSpace(denStr), 10, 64)
	if err != nil {
		return Rational{}, fmt.Errorf("invalid rational denominator %q: %w", s, err)
	}
	if den == 0 {
		return Rational{}, fmt.Errorf("invalid rational %q: zero denominator", s)
	}

	return Rational{Num: num, Den: den}, nil
}

// Float64 returns the value with a single double precision division
func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// String formats the rational the way ffprobe does
func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// MediaInfo is the immutable result of probing a source file
type MediaInfo struct {
	Duration  float64  `json:"duration"`
	Width     int      `json:"width"`
	Height    int      `json:"height"`
	FrameRate Rational `json:"frame_rate"`
	Bitrate   int64    `json:"bitrate"`
	Codec     string   `json:"codec"`
	Size      int64    `json:"size"`
}

// FPS returns the frame rate as a float
func (m *MediaInfo) FPS() float64 {
	return m.FrameRate.Float64()
}

// Validate checks the ranges a usable probe result must satisfy
func (m *MediaInfo) Validate() error {
	switch {
	case m.Width <= 0 || m.Height <= 0:
		return fmt.Errorf("invalid dimensions %dx%d", m.Width, m.Height)
	case m.FrameRate.Num <= 0 || m.FrameRate.Den <= 0:
		return fmt.Errorf("invalid frame rate %s", m.FrameRate)
	case m.Duration < 0:
		return fmt.Errorf("invalid duration %f", m.Duration)
	case m.Bitrate < 0:
		return fmt.Errorf("invalid bitrate %d", m.Bitrate)
	case m.Size < 0:
		return fmt.Errorf("invalid size %d", m.Size)
	}
	return nil
}
