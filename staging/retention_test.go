package staging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedScanDir(t *testing.T, a *Area, rel string) {
	t.Helper()
	dir := a.Abs(rel)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.py"), []byte("x"), 0644))
}

func TestSweep_ArchivesOldProcessed(t *testing.T) {
	a := newTestArea(t)
	now := time.Date(2026, 6, 30, 15, 0, 0, 0, time.UTC)

	seedScanDir(t, a, "processed/2026-05-01/old")
	seedScanDir(t, a, "processed/2026-05-31/edge")
	seedScanDir(t, a, "processed/2026-06-29/new")

	policy := RetentionPolicy{RetentionDays: 30}
	res, err := a.Sweep(policy, now)
	require.NoError(t, err)

	require.Len(t, res.Archived, 1)
	assert.Equal(t, Relocation{ScanID: "old", From: "processed/2026-05-01/old", To: "archive/2026-05-01/old"}, res.Archived[0])
	assert.True(t, exists(a.Path("archive", "2026-05-01", "old", "f.py")))
	assert.False(t, exists(a.Path("processed", "2026-05-01")), "emptied day folders are removed")
	assert.True(t, exists(a.Path("processed", "2026-05-31", "edge")), "exactly at the cutoff is kept")

	again, err := a.Sweep(policy, now)
	require.NoError(t, err)
	assert.False(t, again.Changed(), "second sweep on unchanged state is a no-op")
}

func TestSweep_FailedCleanupRequiresAutoCleanup(t *testing.T) {
	a := newTestArea(t)
	now := time.Now()

	seedScanDir(t, a, "failed/stage_failure/stale")
	seedScanDir(t, a, "failed/stage_failure/recent")
	old := now.Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(a.Path("failed", "stage_failure", "stale"), old, old))

	res, err := a.Sweep(RetentionPolicy{FailedRetentionDays: 7}, now)
	require.NoError(t, err)
	assert.False(t, res.Changed(), "without auto_cleanup nothing is deleted")

	policy := RetentionPolicy{FailedRetentionDays: 7, AutoCleanup: true}
	res, err = a.Sweep(policy, now)
	require.NoError(t, err)
	require.Len(t, res.Deleted, 1)
	assert.Equal(t, "stale", res.Deleted[0].ScanID)
	assert.False(t, exists(a.Path("failed", "stage_failure", "stale")))
	assert.True(t, exists(a.Path("failed", "stage_failure", "recent")))

	res, err = a.Sweep(policy, now)
	require.NoError(t, err)
	assert.False(t, res.Changed())
}

func TestSweep_ZeroRetentionKeepsEverything(t *testing.T) {
	a := newTestArea(t)
	seedScanDir(t, a, "processed/2001-01-01/ancient")

	res, err := a.Sweep(RetentionPolicy{}, time.Now())
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.True(t, exists(a.Path("processed", "2001-01-01", "ancient")))
}
