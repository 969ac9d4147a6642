package staging

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/stagebus/errors"
	stagetest "github.com/teranos/stagebus/internal/testing"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManifest(t *testing.T) *Manifest {
	t.Helper()
	return NewManifest(stagetest.CreateTestDB(t))
}

func claimed(scanID, name, hash string) *Claimed {
	return &Claimed{ScanID: scanID, Filename: name, FileID: FileID(name), ContentHash: hash}
}

func TestRegisterAssignsVersions(t *testing.T) {
	ctx := context.Background()
	m := newTestManifest(t)

	e1, err := m.Register(ctx, m.db, claimed("s1", "a.py", "h1"), t0)
	require.NoError(t, err)
	e2, err := m.Register(ctx, m.db, claimed("s2", "a.py", "h2"), t0.Add(time.Second))
	require.NoError(t, err)
	other, err := m.Register(ctx, m.db, claimed("s3", "b.py", "h1"), t0)
	require.NoError(t, err)

	assert.Equal(t, 1, e1.Version)
	assert.Equal(t, 2, e2.Version)
	assert.Equal(t, 1, other.Version, "versions are per file_id")

	got, err := m.Get(ctx, nil, "s2")
	require.NoError(t, err)
	assert.Equal(t, StateClaimed, got.State)
	assert.Equal(t, "h2", got.ContentHash)
	assert.Empty(t, got.Status)
	assert.Nil(t, got.ConcludedAt)
	assert.True(t, got.CreatedAt.Equal(t0.Add(time.Second)))
}

func TestRegisterRejectsDuplicateScanID(t *testing.T) {
	ctx := context.Background()
	m := newTestManifest(t)

	_, err := m.Register(ctx, m.db, claimed("s1", "a.py", "h1"), t0)
	require.NoError(t, err)
	_, err = m.Register(ctx, m.db, claimed("s1", "a.py", "h1"), t0)
	assert.True(t, errors.IsStorageError(err))
	assert.True(t, errors.Is(err, errors.ErrDuplicateClaim))
}

func TestGetMissing(t *testing.T) {
	m := newTestManifest(t)
	_, err := m.Get(context.Background(), nil, "nope")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newTestManifest(t)

	_, err := m.Register(ctx, m.db, claimed("s1", "a.py", "h1"), t0)
	require.NoError(t, err)

	require.NoError(t, m.Advance(ctx, m.db, "s1", StateStage, "static_analysis", t0))
	require.NoError(t, m.Advance(ctx, m.db, "s1", StateStage, "ai_augmentation", t0))

	loc := SuccessLocation("s1", "a.py", t0)
	require.NoError(t, m.MarkFinalizing(ctx, m.db, "s1", Outcome{Status: StatusSuccess, Location: loc}, t0))

	mid, err := m.Get(ctx, nil, "s1")
	require.NoError(t, err)
	assert.Equal(t, StateFinalizing, mid.State)
	assert.Equal(t, StatusSuccess, mid.Status)
	assert.Equal(t, loc, mid.Location, "destination is durable before the move")
	assert.Equal(t, "ai_augmentation", mid.Stage)

	done, err := m.Conclude(ctx, m.db, "s1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StateDoneSuccess, done.State)
	require.NotNil(t, done.ConcludedAt)
	assert.True(t, done.ConcludedAt.Equal(t0.Add(time.Minute)))

	_, err = m.Conclude(ctx, m.db, "s1", t0)
	assert.True(t, errors.Is(err, errors.ErrInvalidStateTransition), "concluding twice is a protocol error")
}

func TestConcludeFailure(t *testing.T) {
	ctx := context.Background()
	m := newTestManifest(t)

	_, err := m.Register(ctx, m.db, claimed("s1", "b.py", "h"), t0)
	require.NoError(t, err)
	require.NoError(t, m.MarkFinalizing(ctx, m.db, "s1", Outcome{
		Status:   StatusFailed,
		Location: FailureLocation("s1", "b.py", ReasonStageFailure),
		Reason:   ReasonStageFailure,
		Stage:    "static_analysis",
		Error:    "exit status 2",
	}, t0))

	done, err := m.Conclude(ctx, m.db, "s1", t0)
	require.NoError(t, err)
	assert.Equal(t, StateDoneFailed, done.State)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, "exit status 2", done.Error)
	assert.Equal(t, "failed/stage_failure/s1/b.py", done.Location)
}

func TestAdvanceRejectsIllegalTransitions(t *testing.T) {
	ctx := context.Background()
	m := newTestManifest(t)

	_, err := m.Register(ctx, m.db, claimed("s1", "a.py", "h"), t0)
	require.NoError(t, err)

	err = m.Advance(ctx, m.db, "s1", StateDoneSuccess, "", t0)
	assert.True(t, errors.Is(err, errors.ErrInvalidStateTransition))
	assert.Contains(t, err.Error(), "scan s1")
	assert.Contains(t, err.Error(), "cannot move from CLAIMED to DONE_SUCCESS")

	_, err = m.Conclude(ctx, m.db, "s1", t0)
	assert.True(t, errors.Is(err, errors.ErrInvalidStateTransition), "conclude requires FINALIZING")

	got, err := m.Get(ctx, nil, "s1")
	require.NoError(t, err)
	assert.Equal(t, StateClaimed, got.State, "rejected transitions change nothing")

	err = m.Advance(ctx, m.db, "missing", StateStage, "scan", t0)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRecordConcluded(t *testing.T) {
	ctx := context.Background()
	m := newTestManifest(t)

	_, err := m.Register(ctx, m.db, claimed("s1", "a.py", "h"), t0)
	require.NoError(t, err)

	dup := &Entry{
		ScanID:      "s2",
		Filename:    "a.py",
		FileID:      FileID("a.py"),
		ContentHash: "h",
		Reason:      ReasonDuplicateClaim,
		Location:    FailureLocation("s2", "a.py", ReasonDuplicateClaim),
		DuplicateOf: "s1",
	}
	require.NoError(t, m.RecordConcluded(ctx, m.db, dup, t0))
	assert.Equal(t, 2, dup.Version)

	got, err := m.Get(ctx, nil, "s2")
	require.NoError(t, err)
	assert.Equal(t, StateDoneFailed, got.State)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "s1", got.DuplicateOf)
	require.NotNil(t, got.ConcludedAt)
}

func TestLatestSuccessAndInFlight(t *testing.T) {
	ctx := context.Background()
	m := newTestManifest(t)
	id := FileID("a.py")

	latest, err := m.LatestSuccess(ctx, nil, id)
	require.NoError(t, err)
	assert.Nil(t, latest)

	_, err = m.Register(ctx, m.db, claimed("s1", "a.py", "h1"), t0)
	require.NoError(t, err)

	inFlight, err := m.FindInFlight(ctx, nil, id, "h1")
	require.NoError(t, err)
	require.NotNil(t, inFlight)
	assert.Equal(t, "s1", inFlight.ScanID)

	miss, err := m.FindInFlight(ctx, nil, id, "other-hash")
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, m.MarkFinalizing(ctx, m.db, "s1", Outcome{Status: StatusSuccess, Location: "processed/x/s1/a.py"}, t0))
	_, err = m.Conclude(ctx, m.db, "s1", t0)
	require.NoError(t, err)

	inFlight, err = m.FindInFlight(ctx, nil, id, "h1")
	require.NoError(t, err)
	assert.Nil(t, inFlight, "concluded entries are no longer in flight")

	latest, err = m.LatestSuccess(ctx, nil, id)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "s1", latest.ScanID)

	all, err := m.InFlight(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	m := newTestManifest(t)

	for i, name := range []string{"a.py", "b.py", "a.py"} {
		_, err := m.Register(ctx, m.db, claimed(NewScanID(), name, "h"), t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	all, err := m.List(ctx, ListQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a.py", all[0].Filename, "creation order")

	byName, err := m.List(ctx, ListQuery{Filename: "a.py"})
	require.NoError(t, err)
	assert.Len(t, byName, 2)

	limited, err := m.List(ctx, ListQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	inFlight, err := m.InFlight(ctx)
	require.NoError(t, err)
	assert.Len(t, inFlight, 3)
}

func TestExportDocument(t *testing.T) {
	ctx := context.Background()
	m := newTestManifest(t)

	conclude := func(scanID, name string, status Status, at time.Time) {
		_, err := m.Register(ctx, m.db, claimed(scanID, name, "h-"+scanID), at)
		require.NoError(t, err)
		loc := SuccessLocation(scanID, name, at)
		if status == StatusFailed {
			loc = FailureLocation(scanID, name, ReasonStageFailure)
		}
		require.NoError(t, m.MarkFinalizing(ctx, m.db, scanID, Outcome{Status: status, Location: loc}, at))
		_, err = m.Conclude(ctx, m.db, scanID, at)
		require.NoError(t, err)
	}

	conclude("s1", "a.py", StatusSuccess, t0)
	conclude("s2", "b.py", StatusFailed, t0.Add(time.Minute))
	_, err := m.Register(ctx, m.db, claimed("s3", "c.py", "h"), t0.Add(2*time.Minute))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "metadata.json")
	doc, err := m.ExportDocument(ctx, path)
	require.NoError(t, err)

	assert.Equal(t, int64(1), doc.TotalFilesProcessed, "only successes count as processed")
	assert.Equal(t, int64(1), doc.TotalFilesFailed)
	require.Len(t, doc.Scans, 2, "in-flight entries are not exported")
	require.NotNil(t, doc.LastScan)
	assert.True(t, doc.LastScan.Equal(t0.Add(time.Minute)))

	read, err := ReadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, doc.TotalFilesProcessed, read.TotalFilesProcessed)
	require.Len(t, read.Scans, 2)
	assert.Equal(t, "s1", read.Scans[0].ScanID)
	assert.Equal(t, StatusSuccess, read.Scans[0].Status)
	assert.Equal(t, "processed/2026-03-01/s1/a.py", read.Scans[0].Location)
	assert.Equal(t, StatusFailed, read.Scans[1].Status)
}

func TestExportDocumentEmpty(t *testing.T) {
	m := newTestManifest(t)
	path := filepath.Join(t.TempDir(), "metadata.json")

	doc, err := m.ExportDocument(context.Background(), path)
	require.NoError(t, err)
	assert.Nil(t, doc.LastScan)
	assert.NotNil(t, doc.Scans)
	assert.Empty(t, doc.Scans)
}
