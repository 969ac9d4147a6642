// Package commands implements the stagebus CLI subcommands
package commands

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/stagebus/am"
	"github.com/teranos/stagebus/bus"
	"github.com/teranos/stagebus/db"
	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/logger"
	"github.com/teranos/stagebus/settings"
	"github.com/teranos/stagebus/staging"
)

// dbPath overrides database.path for every command that opens the store
var dbPath string

// store bundles everything a command may need from one opened database
type store struct {
	cfg      *am.Config
	db       *sql.DB
	bus      *bus.Bus
	manifest *staging.Manifest
	settings *settings.Store
}

func (s *store) Close() error {
	return s.db.Close()
}

// openStore loads the configuration and opens the migrated database it names
func openStore() (*store, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	path := dbPath
	if path == "" {
		path = cfg.GetDatabasePath()
	}

	database, err := db.OpenWithMigrations(path, logger.ComponentLogger("db"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return &store{
		cfg:      cfg,
		db:       database,
		bus:      bus.New(database, logger.Logger),
		manifest: staging.NewManifest(database),
		settings: settings.NewStore(database),
	}, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to format JSON")
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func renderTable(cmd *cobra.Command, header []string, rows [][]string) error {
	data := pterm.TableData{header}
	data = append(data, rows...)
	return pterm.DefaultTable.WithHasHeader().WithWriter(cmd.OutOrStdout()).WithData(data).Render()
}

// parsePayload reads a JSON object from the command line; empty means {}
func parsePayload(s string) (bus.Payload, error) {
	if s == "" {
		return bus.Payload{}, nil
	}
	var p bus.Payload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(errors.ErrInvalidRequest, "payload is not a JSON object: %v", err),
			`pass a JSON object, e.g. '{"filename":"a.go"}'`)
	}
	return p, nil
}

// parseValue accepts JSON (numbers, booleans, quoted strings); anything else is a plain string
func parseValue(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.NewInvalidRequestError("invalid id %q", s)
	}
	return id, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
