package staging

import (
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/teranos/stagebus/errors"
)

// Failure reasons used as failed/<reason>/ folder names
const (
	ReasonStageFailure   = "stage_failure"
	ReasonStageTimeout   = "stage_timeout"
	ReasonDuplicateClaim = "duplicate_claim"
	ReasonInvalidFile    = "invalid_file"
	ReasonInterrupted    = "interrupted"
)

// SuccessLocation is where a concluded file lives: processed/<date>/<scan_id>/<file>
func SuccessLocation(scanID, filename string, at time.Time) string {
	return path.Join(DirProcessed, at.UTC().Format(DateLayout), scanID, filename)
}

// FailureLocation is failed/<reason>/<scan_id>/<file>
func FailureLocation(scanID, filename, reason string) string {
	if reason == "" {
		reason = ReasonStageFailure
	}
	return path.Join(DirFailed, reason, scanID, filename)
}

// Finalize moves .work/<scanID>/ (the file and its artifacts) so the file
// ends up at location. It is safe to call again after a crash: if the work
// dir is gone and the destination exists, the move already happened.
func (a *Area) Finalize(scanID, location string) error {
	workDir := a.WorkDir(scanID)
	destDir := filepath.Dir(a.Abs(location))

	if !exists(workDir) {
		if exists(a.Abs(location)) {
			return nil
		}
		return errors.Newf("work dir for %s is gone and %s does not exist", scanID, location)
	}

	if err := os.MkdirAll(filepath.Dir(destDir), dirPerm); err != nil {
		return errors.Wrapf(err, "create parent of %s", location)
	}
	if exists(destDir) {
		// A previous attempt created the destination; refuse to merge two copies
		return errors.Mark(
			errors.Newf("%s already exists while %s is still in flight", path.Dir(location), scanID),
			errors.ErrDuplicateClaim)
	}
	if err := os.Rename(workDir, destDir); err != nil {
		return errors.Wrapf(err, "move %s to %s", scanID, path.Dir(location))
	}

	a.logger.Debugw("Scan finalized", "scan_id", scanID, "location", location)
	return nil
}

// MoveToLegacy moves an arbitrary path under the root into legacy/, keeping
// its base name (suffixed if taken). Returns the new location.
func (a *Area) MoveToLegacy(src string) (string, error) {
	if err := os.MkdirAll(a.Path(DirLegacy), dirPerm); err != nil {
		return "", errors.Wrap(err, "create legacy dir")
	}
	base := filepath.Base(src)
	dest := a.Path(DirLegacy, base)
	for i := 1; exists(dest); i++ {
		dest = a.Path(DirLegacy, base+"."+strconv.Itoa(i))
	}
	if err := os.Rename(src, dest); err != nil {
		return "", errors.Wrapf(err, "move %s to legacy", a.Rel(src))
	}
	return a.Rel(dest), nil
}
