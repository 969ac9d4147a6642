// Package testing holds helpers shared by package tests.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/stagebus/db"
)

// CreateTestDB opens a migrated SQLite database in t.TempDir().
// File-backed rather than :memory: so every pooled connection, and every
// concurrent claimer in a test, sees the same store.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return OpenTestDB(t, filepath.Join(t.TempDir(), "stagebus.db"))
}

// OpenTestDB opens (and migrates) the database at path. Two calls with the
// same path simulate two processes sharing one store.
func OpenTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(path, nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %+v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// Logger returns a zaptest logger that only prints on failure.
func Logger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	return zaptest.NewLogger(t, zaptest.Level(zap.DebugLevel)).Sugar()
}
