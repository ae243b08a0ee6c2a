package retention_test

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/shopdesk/internal/retention"
	"github.com/agentoven/shopdesk/pkg/models"
)

var now = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

func writeTrace(t *testing.T, dir, id string, age time.Duration) string {
	t.Helper()
	data, err := json.Marshal(models.TraceSession{SessionID: id, UserID: "user_001"})
	require.NoError(t, err)
	p := filepath.Join(dir, "trace_"+id+".json")
	require.NoError(t, os.WriteFile(p, data, 0o644))
	mod := now.Add(-age)
	require.NoError(t, os.Chtimes(p, mod, mod))
	return p
}

func TestSweep_PurgesExpired(t *testing.T) {
	dir := t.TempDir()
	old := writeTrace(t, dir, "old", 10*24*time.Hour)
	fresh := writeTrace(t, dir, "fresh", time.Hour)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	j := retention.NewJanitor(dir, 7, time.Hour).WithClock(func() time.Time { return now })
	stats := j.Sweep(context.Background())

	assert.Empty(t, stats.Errors)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.Purged)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestSweep_MissingDir(t *testing.T) {
	j := retention.NewJanitor(filepath.Join(t.TempDir(), "absent"), 7, time.Hour)
	stats := j.Sweep(context.Background())
	assert.Empty(t, stats.Errors)
	assert.Zero(t, stats.Scanned)
}

func TestSweep_ArchivesBeforePurge(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(t.TempDir(), "archive")
	writeTrace(t, dir, "a", 9*24*time.Hour)
	writeTrace(t, dir, "b", 8*24*time.Hour)

	j := retention.NewJanitor(dir, 7, time.Hour).
		WithClock(func() time.Time { return now }).
		WithArchiver(retention.NewLocalArchiver(archive, true))
	stats := j.Sweep(context.Background())

	require.Empty(t, stats.Errors)
	assert.Equal(t, 2, stats.Archived)
	assert.Equal(t, 2, stats.Purged)
	require.FileExists(t, stats.ArchivePath)

	f, err := os.Open(stats.ArchivePath)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)

	var ids []string
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		var s models.TraceSession
		require.NoError(t, json.Unmarshal(sc.Bytes(), &s))
		ids = append(ids, s.SessionID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestSweep_ArchiveFailureKeepsFiles(t *testing.T) {
	dir := t.TempDir()
	old := writeTrace(t, dir, "old", 30*24*time.Hour)

	// A regular file where the archive directory should be.
	blocker := filepath.Join(t.TempDir(), "archive")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	j := retention.NewJanitor(dir, 7, time.Hour).
		WithClock(func() time.Time { return now }).
		WithArchiver(retention.NewLocalArchiver(blocker, false))
	stats := j.Sweep(context.Background())

	assert.NotEmpty(t, stats.Errors)
	assert.Zero(t, stats.Purged)
	assert.FileExists(t, old)
}

func TestStart_StopsWithContext(t *testing.T) {
	dir := t.TempDir()
	old := writeTrace(t, dir, "old", 30*24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		retention.NewJanitor(dir, 7, time.Hour).WithClock(func() time.Time { return now }).Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(old)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}
