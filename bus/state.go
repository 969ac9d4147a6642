package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/stagebus/errors"
)

// GetState returns the entry for key, or nil when the key was never written
func (b *Bus) GetState(ctx context.Context, key string) (*StateEntry, error) {
	return getState(ctx, b.db, key)
}

// SetState writes key atomically (last writer wins)
func (b *Bus) SetState(ctx context.Context, key string, value interface{}) error {
	return b.WithTx(ctx, func(tx *Tx) error {
		return tx.SetState(key, value)
	})
}

// IncrementState adds delta to an integer key and returns the new value.
// A single upsert, so concurrent increments never lose an update.
func (b *Bus) IncrementState(ctx context.Context, key string, delta int64) (int64, error) {
	var v int64
	err := b.WithTx(ctx, func(tx *Tx) error {
		var err error
		v, err = tx.IncrementState(key, delta)
		return err
	})
	return v, err
}

// ListState returns all entries whose key starts with prefix, ordered by key
func (b *Bus) ListState(ctx context.Context, prefix string) ([]*StateEntry, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM state WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix)
	if err != nil {
		return nil, errors.Storage(err, "list state")
	}
	defer rows.Close()

	var out []*StateEntry
	for rows.Next() {
		var (
			e     StateEntry
			value string
		)
		if err := rows.Scan(&e.Key, &value, &e.UpdatedAt); err != nil {
			return nil, errors.Storage(err, "scan state")
		}
		e.Value = json.RawMessage(value)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage(err, "iterate state")
	}
	return out, nil
}

func getState(ctx context.Context, q DBTX, key string) (*StateEntry, error) {
	var (
		e     StateEntry
		value string
	)
	err := q.QueryRowContext(ctx,
		`SELECT key, value, updated_at FROM state WHERE key = ?`, key).
		Scan(&e.Key, &value, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Storagef(err, "get state %s", key)
	}
	e.Value = json.RawMessage(value)
	return &e, nil
}

func setState(ctx context.Context, q DBTX, now time.Time, key string, value interface{}) error {
	if key == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "state key is required")
	}
	body, err := json.Marshal(value)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "encode state %s", key), errors.ErrInvalidRequest)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(body), now)
	return errors.Storagef(err, "set state %s", key)
}

func incrementState(ctx context.Context, q DBTX, now time.Time, key string, delta int64) (int64, error) {
	if key == "" {
		return 0, errors.Wrap(errors.ErrInvalidRequest, "state key is required")
	}

	var v int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO state (key, value, updated_at) VALUES (?, CAST(? AS TEXT), ?)
		ON CONFLICT(key) DO UPDATE
			SET value = CAST(CAST(state.value AS INTEGER) + ? AS TEXT),
			    updated_at = excluded.updated_at
		RETURNING CAST(value AS INTEGER)`,
		key, delta, now, delta).Scan(&v)
	if err != nil {
		return 0, errors.Storagef(err, "increment state %s", key)
	}
	return v, nil
}
