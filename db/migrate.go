package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/sym"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// Migration is one embedded schema file. Version is the numeric filename prefix.
type Migration struct {
	Version  string
	Filename string
}

// Migrations lists embedded migrations in apply order (000 first).
func Migrations() ([]Migration, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		out = append(out, Migration{
			Version:  strings.SplitN(entry.Name(), "_", 2)[0],
			Filename: entry.Name(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

// AppliedVersions returns the versions recorded in schema_migrations.
// A database that has never been migrated yields an empty set.
func AppliedVersions(db *sql.DB) (map[string]bool, error) {
	applied := make(map[string]bool)

	var hasTable int
	if err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'",
	).Scan(&hasTable); err != nil {
		return nil, errors.Wrap(err, "inspect schema_migrations")
	}
	if hasTable == 0 {
		return applied, nil
	}

	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, errors.Wrap(err, "query schema_migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Migrate runs all pending migrations, each in its own transaction.
// If logger is provided, logs migration progress; otherwise operates silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	all, err := Migrations()
	if err != nil {
		return err
	}

	applied, err := AppliedVersions(db)
	if err != nil {
		return err
	}

	count := 0
	for _, m := range all {
		if applied[m.Version] {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)", "migration", m.Filename)
			}
			continue
		}
		if len(applied) == 0 && count == 0 && m.Version != "000" {
			return errors.Newf("schema_migrations table missing, but first migration is not 000: %s", m.Filename)
		}

		sqlBytes, err := migrations.ReadFile(path.Join(migrationsDir, m.Filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", m.Filename)
		}

		if logger != nil {
			logger.Infow("Applying migration", "migration", m.Filename, "version", m.Version, "symbol", sym.DB)
		}

		if err := apply(db, m, string(sqlBytes)); err != nil {
			return err
		}
		count++
	}

	if logger != nil {
		logger.Infow("Migrations complete",
			"symbol", sym.DB,
			"applied", count,
			"total_migrations", len(all),
		)
	}
	return nil
}

func apply(db *sql.DB, m Migration, stmt string) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.Filename)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(stmt); err != nil {
		return errors.Wrapf(err, "execute %s", m.Filename)
	}
	// 000 creates the table, then records itself
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
		return errors.Wrapf(err, "record %s", m.Filename)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.Filename)
}
