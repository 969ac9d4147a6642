// Package settings owns operator-tunable settings and feature flags. Every
// change is recorded in settings_history. The orchestrator only reads them,
// through a Reader that falls back to the loaded configuration.
package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/stagebus/errors"
)

// Kind distinguishes plain settings from feature flags
type Kind string

const (
	KindSetting Kind = "setting"
	KindFlag    Kind = "flag"
)

// Keys the orchestrator reads
const (
	FlagRAGIntegration     = "rag_integration_enabled"
	KeyScanIntervalSeconds = "scan_interval_seconds"
	KeyRetentionDays       = "retention_days"
	KeyFailedRetentionDays = "failed_retention_days"
	KeyAutoCleanup         = "auto_cleanup"
)

var (
	intKeys  = map[string]int{KeyScanIntervalSeconds: 1, KeyRetentionDays: 0, KeyFailedRetentionDays: 0} // key -> minimum
	boolKeys = map[string]bool{KeyAutoCleanup: true}
)

// Setting is one stored value
type Setting struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Kind      Kind            `json:"kind"`
	Enabled   bool            `json:"enabled"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Change is one settings_history row
type Change struct {
	ID         int64     `json:"id"`
	Key        string    `json:"key"`
	OldValue   *string   `json:"old_value,omitempty"`
	NewValue   string    `json:"new_value"`
	OldEnabled *bool     `json:"old_enabled,omitempty"`
	NewEnabled bool      `json:"new_enabled"`
	ChangedAt  time.Time `json:"changed_at"`
}

// Store reads and writes settings. Writes happen on behalf of operators (the CLI).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore returns a store over an already-migrated database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const settingColumns = `key, value, kind, enabled, updated_at`

func scanSetting(row interface{ Scan(...interface{}) error }) (*Setting, error) {
	var (
		s     Setting
		value string
	)
	if err := row.Scan(&s.Key, &value, &s.Kind, &s.Enabled, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Value = json.RawMessage(value)
	return &s, nil
}

// Get returns the setting for key, or an ErrNotFound error
func (s *Store) Get(ctx context.Context, key string) (*Setting, error) {
	return get(ctx, s.db, key)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func get(ctx context.Context, q queryRower, key string) (*Setting, error) {
	st, err := scanSetting(q.QueryRowContext(ctx,
		`SELECT `+settingColumns+` FROM settings WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("setting %s", key)
	}
	if err != nil {
		return nil, errors.Storagef(err, "get setting %s", key)
	}
	return st, nil
}

// List returns every setting ordered by key
func (s *Store) List(ctx context.Context) ([]*Setting, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+settingColumns+` FROM settings ORDER BY key`)
	if err != nil {
		return nil, errors.Storage(err, "list settings")
	}
	defer rows.Close()

	var out []*Setting
	for rows.Next() {
		st, err := scanSetting(rows)
		if err != nil {
			return nil, errors.Storage(err, "scan setting")
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage(err, "iterate settings")
	}
	return out, nil
}

// Set stores a plain setting. Keys the orchestrator reads are type-checked.
func (s *Store) Set(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "setting %s: %v", key, err)
	}
	if err := validate(key, raw); err != nil {
		return err
	}
	return s.write(ctx, key, KindSetting, string(raw), false)
}

// SetFlag turns a feature flag on or off
func (s *Store) SetFlag(ctx context.Context, key string, enabled bool) error {
	if key == "" {
		return errors.NewInvalidRequestError("flag key is empty")
	}
	if _, ok := intKeys[key]; ok {
		return errors.NewInvalidRequestError("%s is a setting, not a flag", key)
	}
	raw, _ := json.Marshal(enabled)
	return s.write(ctx, key, KindFlag, string(raw), enabled)
}

func validate(key string, raw json.RawMessage) error {
	if key == "" {
		return errors.NewInvalidRequestError("setting key is empty")
	}
	if minimum, ok := intKeys[key]; ok {
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			return errors.NewInvalidRequestError("%s must be an integer, got %s", key, raw)
		}
		if n < minimum {
			return errors.NewInvalidRequestError("%s must be at least %d, got %d", key, minimum, n)
		}
	}
	if boolKeys[key] {
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return errors.NewInvalidRequestError("%s must be true or false, got %s", key, raw)
		}
	}
	return nil
}

// write upserts key and appends the change to history in one transaction
func (s *Store) write(ctx context.Context, key string, kind Kind, value string, enabled bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Storage(err, "begin settings transaction")
	}
	defer tx.Rollback()

	var (
		oldValue   *string
		oldEnabled *bool
	)
	prev, err := get(ctx, tx, key)
	switch {
	case err == nil:
		if prev.Kind != kind {
			return errors.NewInvalidRequestError("%s is a %s, not a %s", key, prev.Kind, kind)
		}
		v := string(prev.Value)
		oldValue, oldEnabled = &v, &prev.Enabled
	case !errors.IsNotFoundError(err):
		return err
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `INSERT INTO settings (key, value, kind, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, enabled = excluded.enabled, updated_at = excluded.updated_at`,
		key, value, string(kind), enabled, now); err != nil {
		return errors.Storagef(err, "write setting %s", key)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO settings_history (key, old_value, new_value, old_enabled, new_enabled, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		key, oldValue, value, oldEnabled, enabled, now); err != nil {
		return errors.Storagef(err, "record history for %s", key)
	}

	return errors.Storage(tx.Commit(), "commit settings transaction")
}

// History returns changes newest first; an empty key returns every key's history
func (s *Store) History(ctx context.Context, key string, limit int) ([]*Change, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, key, old_value, new_value, old_enabled, new_enabled, changed_at FROM settings_history`
	args := []interface{}{}
	if key != "" {
		query += ` WHERE key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Storage(err, "list settings history")
	}
	defer rows.Close()

	var out []*Change
	for rows.Next() {
		var (
			c          Change
			oldValue   sql.NullString
			oldEnabled sql.NullBool
		)
		if err := rows.Scan(&c.ID, &c.Key, &oldValue, &c.NewValue, &oldEnabled, &c.NewEnabled, &c.ChangedAt); err != nil {
			return nil, errors.Storage(err, "scan settings history")
		}
		if oldValue.Valid {
			c.OldValue = &oldValue.String
		}
		if oldEnabled.Valid {
			c.OldEnabled = &oldEnabled.Bool
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage(err, "iterate settings history")
	}
	return out, nil
}
