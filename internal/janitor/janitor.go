package janitor

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/judgehub/videopipe/internal/config"
	"github.com/judgehub/videopipe/internal/logging"
	"github.com/judgehub/videopipe/internal/metrics"
	"github.com/robfig/cron/v3"
)

// Janitor removes scratch directories left behind by crashed workers
type Janitor struct {
	root     string
	maxAge   time.Duration
	schedule string
	logger   *logging.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a janitor sweeping entries of root older than cfg.MaxAge
func New(root string, cfg config.JanitorConfig, logger *logging.Logger) *Janitor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Janitor{
		root:     root,
		maxAge:   cfg.MaxAge,
		schedule: cfg.Schedule,
		logger:   logger,
		now:      time.Now,
	}
}

// Start registers the sweep on the cron schedule (with seconds) and starts it
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron != nil {
		return nil
	}

	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(j.schedule, func() {
		if _, err := j.Sweep(); err != nil {
			j.logger.ErrorWithErr("Scratch sweep failed", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}

	c.Start()
	j.cron = c
	j.logger.Infof("Scratch janitor started for %s (schedule %q, max age %s)", j.root, j.schedule, j.maxAge)
	return nil
}

// Stop stops the schedule and waits for a running sweep
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Sweep removes top-level entries of the scratch root with no file modified
// within the max age. It returns how many were removed.
func (j *Janitor) Sweep() (int, error) {
	entries, err := os.ReadDir(j.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read scratch root: %w", err)
	}

	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	for _, entry := range entries {
		path := filepath.Join(j.root, entry.Name())
		if lastActivity(path).After(cutoff) {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			j.logger.Warnf("Failed to remove stale scratch entry %s: %v", path, err)
			continue
		}
		j.logger.Debugf("Removed stale scratch entry %s", path)
		removed++
	}

	if removed > 0 {
		metrics.RecordScratchRemoved(removed)
		j.logger.Infof("Removed %d stale scratch entries", removed)
	}
	return removed, nil
}

// lastActivity is the newest modification time anywhere under path. An
// encoder writing segments deep in the tree does not touch the entry itself.
func lastActivity(path string) time.Time {
	var newest time.Time
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest
}
