// Package staging is the filesystem mailbox producers submit work through,
// plus the manifest that records every file's outcome.
//
//	incoming/                         producers write here, nothing else does
//	.work/<scan_id>/<file>            claimed and in flight
//	processed/<date>/<scan_id>/       file plus one <stage>.json artifact per stage
//	failed/<reason>/<scan_id>/        file plus error_log.yaml
//	archive/<date>/<scan_id>/         processed entries past retention
//	legacy/                           stray files from before the manifest existed
package staging

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/logger"
)

const (
	DirIncoming  = "incoming"
	DirWork      = ".work"
	DirProcessed = "processed"
	DirFailed    = "failed"
	DirArchive   = "archive"
	DirLegacy    = "legacy"
)

// DateLayout names the per-day folders under processed/ and archive/
const DateLayout = "2006-01-02"

const (
	dirPerm  = 0755
	filePerm = 0644
)

// Area is a staging root on disk
type Area struct {
	root   string
	logger *zap.SugaredLogger
}

// NewArea returns an Area rooted at root. Call Init before use.
func NewArea(root string, log *zap.SugaredLogger) *Area {
	if log == nil {
		log = logger.Logger
	}
	return &Area{
		root:   root,
		logger: logger.AddStagingSymbol(log.Named("staging")),
	}
}

// Root returns the staging root directory
func (a *Area) Root() string {
	return a.root
}

// Init creates every top-level directory
func (a *Area) Init() error {
	for _, dir := range []string{DirIncoming, DirWork, DirProcessed, DirFailed, DirArchive, DirLegacy} {
		if err := os.MkdirAll(filepath.Join(a.root, dir), dirPerm); err != nil {
			return errors.Wrapf(err, "create staging directory %s", dir)
		}
	}
	return nil
}

// Path joins parts below the staging root
func (a *Area) Path(parts ...string) string {
	return filepath.Join(append([]string{a.root}, parts...)...)
}

// Rel returns path relative to the staging root, slash separated, as
// recorded in manifest locations
func (a *Area) Rel(path string) string {
	rel, err := filepath.Rel(a.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// Abs resolves a manifest location back to a filesystem path
func (a *Area) Abs(location string) string {
	return filepath.Join(a.root, filepath.FromSlash(location))
}

// IncomingFile is a candidate found in incoming/
type IncomingFile struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// IsIgnored reports whether a name in incoming/ is never picked up:
// hidden files, editor backups and partial uploads.
func IsIgnored(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") || strings.HasSuffix(name, "~") {
		return true
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tmp", ".part", ".crdownload", ".partial", ".swp":
		return true
	}
	return false
}

// ListIncoming returns regular files waiting in incoming/, oldest first
func (a *Area) ListIncoming() ([]IncomingFile, error) {
	entries, err := os.ReadDir(a.Path(DirIncoming))
	if err != nil {
		return nil, errors.Wrap(err, "list incoming")
	}

	var files []IncomingFile
	for _, entry := range entries {
		if !entry.Type().IsRegular() || IsIgnored(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Vanished between ReadDir and Info: another claimer got it
			continue
		}
		files = append(files, IncomingFile{Name: entry.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].Name < files[j].Name
		}
		return files[i].ModTime.Before(files[j].ModTime)
	})
	return files, nil
}

// Submit copies data into incoming/ the way a producer should: write to a
// hidden temp name, then rename, so a poll never sees a partial file.
func (a *Area) Submit(name string, data []byte) error {
	if IsIgnored(name) || filepath.Base(name) != name {
		return errors.Wrapf(errors.ErrInvalidRequest, "invalid incoming filename %q", name)
	}
	return writeFileAtomic(a.Path(DirIncoming, name), data)
}

// Locate lists every folder holding a directory for scanID:
// .work, processed/<date>, failed/<reason>, archive/<date>.
// More than one result is a corruption signal.
func (a *Area) Locate(scanID string) ([]string, error) {
	var found []string

	if exists(a.Path(DirWork, scanID)) {
		found = append(found, a.Rel(a.Path(DirWork, scanID)))
	}
	for _, top := range []string{DirProcessed, DirFailed, DirArchive} {
		groups, err := os.ReadDir(a.Path(top))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "list %s", top)
		}
		for _, g := range groups {
			if !g.IsDir() {
				continue
			}
			candidate := a.Path(top, g.Name(), scanID)
			if exists(candidate) {
				found = append(found, a.Rel(candidate))
			}
		}
	}
	return found, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// writeFileAtomic writes data to a temp file beside path and renames it into place
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "create temp file for %s", path)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "sync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmpName)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		return errors.Wrapf(err, "chmod %s", tmpName)
	}
	return errors.Wrapf(os.Rename(tmpName, path), "rename into %s", path)
}
