package staging

import (
	"os"
	"path/filepath"

	"github.com/teranos/stagebus/errors"
)

// Claimed is a file moved out of incoming/ into its private work directory
type Claimed struct {
	ScanID      string
	Filename    string
	FileID      string
	ContentHash string
	Size        int64
	Path        string // absolute path of the file inside .work/<scan_id>/
}

// WorkDir returns the in-flight directory for scanID
func (a *Area) WorkDir(scanID string) string {
	return a.Path(DirWork, scanID)
}

// Claim moves incoming/<name> into .work/<scanID>/<name>. The rename is the
// mutual-exclusion primitive: of several claimers racing for one file exactly
// one rename succeeds, the rest get ErrDuplicateClaim.
func (a *Area) Claim(name, scanID string) (*Claimed, error) {
	src := a.Path(DirIncoming, name)
	workDir := a.WorkDir(scanID)

	if err := os.MkdirAll(workDir, dirPerm); err != nil {
		return nil, errors.Wrapf(err, "create work dir for %s", scanID)
	}

	dst := filepath.Join(workDir, name)
	if err := os.Rename(src, dst); err != nil {
		os.Remove(workDir)
		if os.IsNotExist(err) {
			return nil, errors.Mark(
				errors.Wrapf(err, "%s was claimed by someone else", name),
				errors.ErrDuplicateClaim)
		}
		return nil, errors.Wrapf(err, "claim %s", name)
	}

	hash, size, err := ContentHash(dst)
	if err != nil {
		return nil, err
	}

	a.logger.Debugw("File claimed", "file", name, "scan_id", scanID, "size", size)
	return &Claimed{
		ScanID:      scanID,
		Filename:    name,
		FileID:      FileID(name),
		ContentHash: hash,
		Size:        size,
		Path:        dst,
	}, nil
}

// Release puts a claimed file back into incoming/ (used when registering the
// claim in the manifest failed, so the next tick can retry).
func (a *Area) Release(scanID, name string) error {
	src := filepath.Join(a.WorkDir(scanID), name)
	if err := os.Rename(src, a.Path(DirIncoming, name)); err != nil {
		return errors.Wrapf(err, "release %s back to incoming", name)
	}
	return errors.Wrapf(os.RemoveAll(a.WorkDir(scanID)), "remove work dir %s", scanID)
}
