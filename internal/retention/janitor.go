// Package retention sweeps expired trace files written by the file sink.
//
// Modes:
//   - purge:             delete expired files (no archiver configured)
//   - archive-and-purge: bundle expired sessions into one JSONL file, then
//     delete the originals
//
// Archive failures are fail-safe: files are NOT deleted if archiving fails.
// The janitor runs as a background goroutine and stops with its context.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/shopdesk/pkg/models"
)

// DefaultRetentionDays is used when a janitor is built with a non-positive age.
const DefaultRetentionDays = 7

const minInterval = time.Minute

// CycleStats tracks what happened in a single sweep.
type CycleStats struct {
	Scanned     int
	Expired     int
	Archived    int
	Purged      int
	ArchivePath string
	Errors      []error
}

// Janitor periodically removes trace files older than its retention window.
type Janitor struct {
	dir      string
	maxAge   time.Duration
	interval time.Duration
	archiver *LocalArchiver

	now func() time.Time
}

// NewJanitor creates a janitor over dir. Intervals below a minute are raised
// to an hour.
func NewJanitor(dir string, retentionDays int, interval time.Duration) *Janitor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if interval < minInterval {
		interval = time.Hour
	}
	return &Janitor{
		dir:      dir,
		maxAge:   time.Duration(retentionDays) * 24 * time.Hour,
		interval: interval,
		now:      time.Now,
	}
}

// WithArchiver switches the janitor to archive-and-purge.
func (j *Janitor) WithArchiver(a *LocalArchiver) *Janitor {
	j.archiver = a
	return j
}

// WithClock overrides the time source.
func (j *Janitor) WithClock(now func() time.Time) *Janitor {
	j.now = now
	return j
}

// Start runs a sweep immediately and then on every tick. It blocks until ctx
// is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Str("dir", j.dir).
		Dur("max_age", j.maxAge).
		Dur("interval", j.interval).
		Bool("archive", j.archiver != nil).
		Msg("Trace retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Trace retention janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

func (j *Janitor) runCycle(ctx context.Context) {
	start := time.Now()
	stats := j.Sweep(ctx)
	for _, e := range stats.Errors {
		log.Warn().Err(e).Msg("Retention cycle error")
	}
	if stats.Purged > 0 || stats.Archived > 0 {
		log.Info().
			Int("purged", stats.Purged).
			Int("archived", stats.Archived).
			Str("archive", stats.ArchivePath).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
}

// Sweep performs one retention pass.
func (j *Janitor) Sweep(ctx context.Context) CycleStats {
	var stats CycleStats

	expired, scanned, err := j.findExpired()
	stats.Scanned = scanned
	stats.Expired = len(expired)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return stats
	}
	if len(expired) == 0 {
		return stats
	}

	if j.archiver != nil {
		sessions, readErrs := readSessions(expired)
		stats.Errors = append(stats.Errors, readErrs...)
		path, err := j.archiver.Archive(ctx, sessions)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			log.Warn().Err(err).Msg("Archive failed, skipping purge")
			return stats
		}
		stats.Archived = len(sessions)
		stats.ArchivePath = path
	}

	for _, p := range expired {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			stats.Errors = append(stats.Errors, fmt.Errorf("purge %s: %w", filepath.Base(p), err))
			continue
		}
		stats.Purged++
	}
	return stats
}

// findExpired lists trace files whose modification time is past the window,
// oldest first.
func (j *Janitor) findExpired() ([]string, int, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("read trace dir: %w", err)
	}

	cutoff := j.now().Add(-j.maxAge)
	type aged struct {
		path string
		mod  time.Time
	}
	var expired []aged
	scanned := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "trace_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		scanned++
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			expired = append(expired, aged{filepath.Join(j.dir, name), info.ModTime()})
		}
	}
	sort.Slice(expired, func(a, b int) bool { return expired[a].mod.Before(expired[b].mod) })

	paths := make([]string, len(expired))
	for i, e := range expired {
		paths[i] = e.path
	}
	return paths, scanned, nil
}

func readSessions(paths []string) ([]models.TraceSession, []error) {
	var (
		sessions []models.TraceSession
		errs     []error
	)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", filepath.Base(p), err))
			continue
		}
		var s models.TraceSession
		if err := json.Unmarshal(data, &s); err != nil {
			errs = append(errs, fmt.Errorf("decode %s: %w", filepath.Base(p), err))
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, errs
}
