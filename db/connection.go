package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/sym"
)

// SQLiteBusyTimeoutMS is how long a connection waits on another writer's lock
// before the driver reports SQLITE_BUSY.
const SQLiteBusyTimeoutMS = 5000

// DSN builds the driver connection string for path. Connection parameters are
// applied by the driver to every pooled connection, unlike a one-off PRAGMA:
//   - _txlock=immediate: BEGIN takes the write lock up front, so two writers
//     serialize at BEGIN instead of failing at COMMIT with a deadlock
//   - _busy_timeout: wait for the lock rather than failing immediately
//   - _foreign_keys: enforce references
func DSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("file:%s%s_txlock=immediate&_busy_timeout=%d&_foreign_keys=on",
		path, sep, SQLiteBusyTimeoutMS)
}

// Open opens a SQLite database at the specified path with optimized settings.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "symbol", sym.DB)
	}
	db, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Enable WAL mode for concurrent reads during writes (persistent, database-wide)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to enable WAL mode for %s", path)
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"symbol", sym.DB,
			"wal_mode", true,
			"foreign_keys", true,
			"busy_timeout_ms", SQLiteBusyTimeoutMS,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and brings its schema up to date.
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "migrate %s", path)
	}
	return db, nil
}
