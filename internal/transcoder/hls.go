package transcoder

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/judgehub/videopipe/pkg/models"
	"golang.org/x/sync/errgroup"
)

// HLS packaging parameters
const (
	hlsSegmentTime = 2
	hlsListSize    = 5
	audioBitrate   = "128k"
	audioChannels  = "2"
	audioRate      = "48000"
)

// TierResult describes one successfully encoded tier
type TierResult struct {
	Tier         models.QualityTier
	PlaylistPath string // relative to the output root, e.g. 720p/720p.m3u8
	Size         int64  // bytes on disk for playlist and segments
}

// TierOutcome reports a finished tier to a TierCallback
type TierOutcome struct {
	Tier     models.QualityTier
	Result   *TierResult // nil on failure
	Err      error
	Duration time.Duration
	Done     int // tiers finished so far, including this one
	Total    int
}

// TierCallback is invoked once per tier as it finishes, successful or not.
// Calls may come from several goroutines at once.
type TierCallback func(TierOutcome)

// PlaylistRelPath returns the playlist location of a tier under the output root
func PlaylistRelPath(tierName string) string {
	return path.Join(tierName, tierName+".m3u8")
}

// EncodeRendition transcodes input into one HLS tier under outDir/<tier>/
func (f *FFmpeg) EncodeRendition(ctx context.Context, input string, tier models.QualityTier, outDir string) (*TierResult, error) {
	bits, err := tier.BandwidthBits()
	if err != nil {
		return nil, &EncodeError{Tier: tier.Name, Err: err}
	}

	tierDir := filepath.Join(outDir, tier.Name)
	if err := os.MkdirAll(tierDir, 0755); err != nil {
		return nil, &EncodeError{Tier: tier.Name, Err: fmt.Errorf("failed to create tier directory: %w", err)}
	}

	playlist := filepath.Join(tierDir, tier.Name+".m3u8")
	segments := filepath.Join(tierDir, tier.Name+"_%03d.ts")

	args := []string{
		"-y",
		"-i", input,
		"-vf", fmt.Sprintf("scale=%d:%d", tier.Width, tier.Height),
		"-c:v", "libx264",
		"-preset", f.preset,
		"-profile:v", "main",
		"-b:v", tier.Bitrate,
		"-maxrate", tier.Bitrate,
		"-bufsize", fmt.Sprintf("%d", 2*bits),
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-ac", audioChannels,
		"-ar", audioRate,
		"-hls_time", fmt.Sprintf("%d", hlsSegmentTime),
		"-hls_init_time", fmt.Sprintf("%d", hlsSegmentTime),
		"-hls_allow_cache", "0",
		"-hls_playlist_type", "event",
		"-hls_flags", "independent_segments+program_date_time",
		"-hls_list_size", fmt.Sprintf("%d", hlsListSize),
		"-hls_segment_filename", segments,
		playlist,
	}

	if _, err := f.run(ctx, f.encodeTimeout, f.ffmpegPath, args...); err != nil {
		os.RemoveAll(tierDir)
		return nil, &EncodeError{Tier: tier.Name, Err: err}
	}

	if _, err := os.Stat(playlist); err != nil {
		os.RemoveAll(tierDir)
		return nil, &EncodeError{Tier: tier.Name, Err: fmt.Errorf("playlist not produced: %w", err)}
	}

	size, err := f.measure(tierDir)
	if err != nil {
		os.RemoveAll(tierDir)
		return nil, &EncodeError{Tier: tier.Name, Err: err}
	}

	return &TierResult{
		Tier:         tier,
		PlaylistPath: PlaylistRelPath(tier.Name),
		Size:         size,
	}, nil
}

// EncodeRenditions encodes every tier with at most maxConcurrent running at
// once. A failed tier is reported through onDone and left out of the result;
// the other tiers keep going. Results are sorted by ascending height.
func (f *FFmpeg) EncodeRenditions(ctx context.Context, input string, tiers []models.QualityTier, outDir string, maxConcurrent int, onDone TierCallback) []TierResult {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		results []TierResult
		done    int
	)
	g.SetLimit(maxConcurrent)

	for _, tier := range tiers {
		tier := tier
		g.Go(func() error {
			start := time.Now()
			res, err := f.EncodeRendition(ctx, input, tier, outDir)

			mu.Lock()
			if err == nil {
				results = append(results, *res)
			}
			done++
			outcome := TierOutcome{
				Tier:     tier,
				Result:   res,
				Err:      err,
				Duration: time.Since(start),
				Done:     done,
				Total:    len(tiers),
			}
			mu.Unlock()

			if onDone != nil {
				onDone(outcome)
			}
			return nil
		})
	}

	_ = g.Wait()

	sortTierResults(results)
	return results
}

func sortTierResults(results []TierResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Tier.Height != results[j].Tier.Height {
			return results[i].Tier.Height < results[j].Tier.Height
		}
		return results[i].Tier.Name < results[j].Tier.Name
	})
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure %s: %w", root, err)
	}
	return total, nil
}
