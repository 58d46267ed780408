// Package recording manages caller-audio files: it allocates paths for
// new recordings and sweeps out files past their retention age.
package recording

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Dir is the recording directory under a data dir.
type Dir struct {
	path string
}

// NewDir ensures the recordings directory exists under dataDir.
func NewDir(dataDir string) (*Dir, error) {
	path := filepath.Join(dataDir, "recordings")
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, fmt.Errorf("creating recordings directory: %w", err)
	}
	return &Dir{path: path}, nil
}

// Path returns the directory path.
func (d *Dir) Path() string { return d.path }

// NewPath allocates a unique wav path for one call's recording.
func (d *Dir) NewPath(sessionID string) string {
	return filepath.Join(d.path, fmt.Sprintf("%s-%s.wav", sessionID, uuid.NewString()))
}

// Cleanup deletes recordings older than MaxAge on every Interval tick.
// A zero MaxAge disables the sweep.
type Cleanup struct {
	Dir      string
	MaxAge   time.Duration
	Interval time.Duration
	Logger   *slog.Logger
}

// Run sweeps until the context is cancelled.
func (c *Cleanup) Run(ctx context.Context) {
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "recording")
	if c.MaxAge <= 0 {
		return
	}
	interval := c.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := c.sweep(time.Now().Add(-c.MaxAge))
			if err != nil {
				log.Error("recording retention cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				log.Info("recording retention cleanup", "deleted", deleted, "max_age", c.MaxAge)
			}
		}
	}
}

// sweep removes every regular file modified before the cutoff and
// returns how many were deleted.
func (c *Cleanup) sweep(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return 0, fmt.Errorf("reading recordings directory: %w", err)
	}
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.Dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return deleted, fmt.Errorf("removing %s: %w", entry.Name(), err)
		}
		deleted++
	}
	return deleted, nil
}
