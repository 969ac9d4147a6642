package staging

import (
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/teranos/stagebus/errors"
)

// RetentionPolicy drives Sweep
type RetentionPolicy struct {
	RetentionDays       int  // processed/ -> archive/ after this many days (0 = keep forever)
	FailedRetentionDays int  // failed/ entries deleted after this many days when AutoCleanup
	AutoCleanup         bool // enables deletion of old failed/ entries
}

// Relocation is one scan directory moved by a sweep
type Relocation struct {
	ScanID string
	From   string // old directory, relative to the root
	To     string // new directory, relative to the root; empty when deleted
}

// SweepResult lists what a sweep changed
type SweepResult struct {
	Archived []Relocation
	Deleted  []Relocation
}

// Changed reports whether the sweep touched anything
func (r *SweepResult) Changed() bool {
	return len(r.Archived) > 0 || len(r.Deleted) > 0
}

// Sweep archives processed/<date>/<scan_id>/ directories whose date is older
// than the retention window and, with AutoCleanup, deletes failed scan
// directories older than theirs. A second sweep over unchanged state finds
// nothing to do.
func (a *Area) Sweep(policy RetentionPolicy, now time.Time) (*SweepResult, error) {
	result := &SweepResult{}

	if policy.RetentionDays > 0 {
		cutoff := startOfDay(now).AddDate(0, 0, -policy.RetentionDays)
		if err := a.archiveProcessed(cutoff, result); err != nil {
			return result, err
		}
	}

	if policy.AutoCleanup && policy.FailedRetentionDays > 0 {
		cutoff := now.Add(-time.Duration(policy.FailedRetentionDays) * 24 * time.Hour)
		if err := a.cleanupFailed(cutoff, result); err != nil {
			return result, err
		}
	}

	if result.Changed() {
		a.logger.Infow("Retention sweep",
			"archived", len(result.Archived),
			"deleted", len(result.Deleted))
	}
	return result, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (a *Area) archiveProcessed(cutoff time.Time, result *SweepResult) error {
	days, err := os.ReadDir(a.Path(DirProcessed))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "list processed")
	}

	for _, day := range days {
		if !day.IsDir() {
			continue
		}
		date, err := time.Parse(DateLayout, day.Name())
		if err != nil || !date.Before(cutoff) {
			continue
		}

		scans, err := os.ReadDir(a.Path(DirProcessed, day.Name()))
		if err != nil {
			return errors.Wrapf(err, "list processed/%s", day.Name())
		}
		for _, scan := range scans {
			if !scan.IsDir() {
				continue
			}
			from := path.Join(DirProcessed, day.Name(), scan.Name())
			to := path.Join(DirArchive, day.Name(), scan.Name())
			if err := os.MkdirAll(a.Path(DirArchive, day.Name()), dirPerm); err != nil {
				return errors.Wrapf(err, "create archive/%s", day.Name())
			}
			if exists(a.Abs(to)) {
				return errors.Mark(errors.Newf("%s already archived", to), errors.ErrDuplicateClaim)
			}
			if err := os.Rename(a.Abs(from), a.Abs(to)); err != nil {
				return errors.Wrapf(err, "archive %s", from)
			}
			result.Archived = append(result.Archived, Relocation{ScanID: scan.Name(), From: from, To: to})
		}

		// Only remove the day folder once it is empty
		os.Remove(a.Path(DirProcessed, day.Name()))
	}
	return nil
}

func (a *Area) cleanupFailed(cutoff time.Time, result *SweepResult) error {
	reasons, err := os.ReadDir(a.Path(DirFailed))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "list failed")
	}

	for _, reason := range reasons {
		if !reason.IsDir() {
			continue
		}
		scans, err := os.ReadDir(a.Path(DirFailed, reason.Name()))
		if err != nil {
			return errors.Wrapf(err, "list failed/%s", reason.Name())
		}
		for _, scan := range scans {
			if !scan.IsDir() {
				continue
			}
			info, err := scan.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			from := path.Join(DirFailed, reason.Name(), scan.Name())
			if err := os.RemoveAll(a.Abs(from)); err != nil {
				return errors.Wrapf(err, "delete %s", from)
			}
			result.Deleted = append(result.Deleted, Relocation{ScanID: scan.Name(), From: from})
		}
	}
	return nil
}

// StrayProcessedFiles lists regular files directly under processed/, left by
// layouts that predate per-scan directories
func (a *Area) StrayProcessedFiles() ([]string, error) {
	entries, err := os.ReadDir(a.Path(DirProcessed))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "list processed")
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, filepath.Join(a.Path(DirProcessed), e.Name()))
		}
	}
	return out, nil
}

// WorkDirs lists scan ids that still have a directory under .work/
func (a *Area) WorkDirs() ([]string, error) {
	entries, err := os.ReadDir(a.Path(DirWork))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "list work dirs")
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
