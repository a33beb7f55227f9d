// Package cleanup removes aged files from the temp dir on a fixed interval,
// independently of job state.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/imalyk/go-ofx-processor/pkg/storage"
)

const (
	DefaultInterval = time.Hour
	DefaultMaxAge   = 24 * time.Hour
	keepFile        = ".gitkeep"
)

// Sweeper deletes regular files in dir whose modification time is older than maxAge.
type Sweeper struct {
	dir      string
	maxAge   time.Duration
	interval time.Duration
	staging  storage.Stager
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper returns a sweeper for dir. A nil stager sweeps only the local dir.
func NewSweeper(dir string, maxAge, interval time.Duration, staging storage.Stager, logger *slog.Logger) *Sweeper {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if staging == nil {
		staging = storage.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		dir:      dir,
		maxAge:   maxAge,
		interval: interval,
		staging:  staging,
		logger:   logger.With("component", "cleanup"),
		now:      time.Now,
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass and returns the number of local files removed.
// Errors on single entries are logged and skipped; an unreadable dir ends the
// pass without deleting anything.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.now()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Debug("temp dir not readable, skipping sweep", "dir", s.dir, "error", err)
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.Name() == keepFile || !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("stat failed", "path", path, "error", err)
			continue
		}
		age := now.Sub(info.ModTime())
		if age <= s.maxAge {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn("remove failed", "path", path, "error", err)
			continue
		}
		removed++
		s.logger.Info("removed expired file", "path", path, "age_hours", int(age.Hours()))
	}

	if s.staging.Enabled() {
		n, err := s.staging.Sweep(ctx, now.Add(-s.maxAge))
		if err != nil {
			s.logger.Warn("staged object sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Info("removed expired staged objects", "count", n)
		}
	}
	return removed
}
