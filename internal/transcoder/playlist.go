package transcoder

import (
	"fmt"
	"os"
	"strings"
)

// MasterPlaylistName is the file name of the top-level playlist
const MasterPlaylistName = "master.m3u8"

// ComposeMasterPlaylist renders the HLS master playlist for the given tiers,
// ordered by ascending height
func ComposeMasterPlaylist(results []TierResult) ([]byte, error) {
	if len(results) == 0 {
		return nil, &NoRenditionsError{}
	}

	ordered := make([]TierResult, len(results))
	copy(ordered, results)
	sortTierResults(ordered)

	var content strings.Builder
	content.WriteString("#EXTM3U\n")
	content.WriteString("#EXT-X-VERSION:3\n\n")

	for _, r := range ordered {
		bandwidth, err := r.Tier.BandwidthBits()
		if err != nil {
			return nil, fmt.Errorf("tier %s: %w", r.Tier.Name, err)
		}
		fmt.Fprintf(&content, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n",
			bandwidth, r.Tier.Width, r.Tier.Height)
		content.WriteString(PlaylistRelPath(r.Tier.Name) + "\n\n")
	}

	return []byte(content.String()), nil
}

// WriteMasterPlaylist composes the master playlist and writes it to path
func WriteMasterPlaylist(results []TierResult, path string) error {
	data, err := ComposeMasterPlaylist(results)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write master playlist: %w", err)
	}
	return nil
}
