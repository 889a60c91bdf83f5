package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// QualityTier defines one output rendition target
type QualityTier struct {
	Name    string `json:"name" mapstructure:"name"`
	Width   int    `json:"width" mapstructure:"width"`
	Height  int    `json:"height" mapstructure:"height"`
	Bitrate string `json:"bitrate" mapstructure:"bitrate"` // label such as "800k"
}

// Standard tiers
var (
	Tier360p = QualityTier{Name: "360p", Width: 640, Height: 360, Bitrate: "800k"}
	Tier480p = QualityTier{Name: "480p", Width: 854, Height: 480, Bitrate: "1400k"}
	Tier720p = QualityTier{Name: "720p", Width: 1280, Height: 720, Bitrate: "2800k"}

	Tier1080p = QualityTier{Name: "1080p", Width: 1920, Height: 1080, Bitrate: "5000k"}
)

// DefaultTiers returns the ladder used when configuration does not override it
func DefaultTiers() []QualityTier {
	return []QualityTier{Tier360p, Tier720p, Tier1080p}
}

// BandwidthBits converts the bitrate label to bits per second
func (t QualityTier) BandwidthBits() (int64, error) {
	return ParseBitrate(t.Bitrate)
}

// Validate checks that a configured tier is usable
func (t QualityTier) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tier name is required")
	}
	if strings.ContainsAny(t.Name, `/\ `) {
		return fmt.Errorf("tier %q: name must be a single path segment", t.Name)
	}
	if t.Width <= 0 || t.Height <= 0 {
		return fmt.Errorf("tier %q: invalid dimensions %dx%d", t.Name, t.Width, t.Height)
	}
	bits, err := t.BandwidthBits()
	if err != nil {
		return fmt.Errorf("tier %q: %w", t.Name, err)
	}
	if bits <= 0 {
		return fmt.Errorf("tier %q: bitrate must be positive", t.Name)
	}
	return nil
}

// ParseBitrate parses labels such as "800k", "2.5M" or "128000"
func ParseBitrate(label string) (int64, error) {
	s := strings.TrimSpace(label)
	if s == "" {
		return 0, fmt.Errorf("empty bitrate")
	}

	multiplier := 1.0
	switch s[len(s)-1] {
	case 'k', 'K':
		multiplier = 1000
		s = s[:len(s)-1]
	case 'm', 'M':
		multiplier = 1000000
		s = s[:len(s)-1]
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n * int64(multiplier), nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid bitrate %q", label)
	}
	return int64(f * multiplier), nil
}

// SortTiers orders tiers by ascending height, then width, then name
func SortTiers(tiers []QualityTier) {
	sort.SliceStable(tiers, func(i, j int) bool {
		if tiers[i].Height != tiers[j].Height {
			return tiers[i].Height < tiers[j].Height
		}
		if tiers[i].Width != tiers[j].Width {
			return tiers[i].Width < tiers[j].Width
		}
		return tiers[i].Name < tiers[j].Name
	})
}

// SelectTiers returns the configured tiers that do not upscale a source of
// the given height. When none fit, the lowest configured tier is used as a
// floor so every job produces at least one rendition.
func SelectTiers(configured []QualityTier, sourceHeight int) []QualityTier {
	if len(configured) == 0 {
		return nil
	}

	ladder := make([]QualityTier, len(configured))
	copy(ladder, configured)
	SortTiers(ladder)

	var selected []QualityTier
	for _, tier := range ladder {
		if tier.Height <= sourceHeight {
			selected = append(selected, tier)
		}
	}

	if len(selected) == 0 {
		selected = append(selected, ladder[0])
	}

	return selected
}
