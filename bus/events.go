package bus

import (
	"context"
	"strings"
	"time"

	"github.com/teranos/stagebus/errors"
)

// Publish durably appends an event and returns its id.
// Either the event is recorded whole or an ErrStorage-marked error is returned.
func (b *Bus) Publish(ctx context.Context, eventType EventType, payload Payload) (int64, error) {
	var id int64
	err := b.WithTx(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.Publish(eventType, payload)
		return err
	})
	if err != nil {
		return 0, err
	}
	b.logger.Debugw("Event published", "event_id", id, "event_type", eventType)
	return id, nil
}

func publish(ctx context.Context, q DBTX, now time.Time, eventType EventType, payload Payload) (int64, error) {
	if !IsKnownEventType(eventType) {
		return 0, errors.Wrapf(errors.ErrInvalidRequest, "unknown event type %q", eventType)
	}
	body, err := encodePayload(payload)
	if err != nil {
		return 0, errors.Mark(err, errors.ErrInvalidRequest)
	}

	res, err := q.ExecContext(ctx,
		`INSERT INTO events (event_type, payload, timestamp) VALUES (?, ?, ?)`,
		string(eventType), body, now)
	if err != nil {
		return 0, errors.Storagef(err, "publish %s", eventType)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Storage(err, "read event id")
	}
	return id, nil
}

// GetEvents returns events with id > q.AfterID in id order. The read is
// finite and restartable: pass the last returned id as the next AfterID.
func (b *Bus) GetEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	query := `SELECT id, event_type, payload, timestamp FROM events WHERE id > ?`
	args := []interface{}{q.AfterID}

	if len(q.Types) > 0 {
		query += ` AND event_type IN (` + placeholders(len(q.Types)) + `)`
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, clampLimit(q.Limit))

	return b.queryEvents(ctx, query, args...)
}

// LatestEvents returns the newest events of one type (all types when empty), newest first
func (b *Bus) LatestEvents(ctx context.Context, eventType EventType, limit int) ([]*Event, error) {
	query := `SELECT id, event_type, payload, timestamp FROM events`
	var args []interface{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	return b.queryEvents(ctx, query, args...)
}

// LastEventID returns the highest assigned event id, 0 when the log is empty
func (b *Bus) LastEventID(ctx context.Context) (int64, error) {
	var id int64
	err := b.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id)
	if err != nil {
		return 0, errors.Storage(err, "read last event id")
	}
	return id, nil
}

// PruneEvents deletes events with id < beforeID. Operator action only;
// nothing in normal operation removes events.
func (b *Bus) PruneEvents(ctx context.Context, beforeID int64) (int64, error) {
	var n int64
	err := b.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `DELETE FROM events WHERE id < ?`, beforeID)
		if err != nil {
			return errors.Storage(err, "prune events")
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	b.logger.Infow("Events pruned", "before_id", beforeID, "count", n)
	return n, nil
}

func (b *Bus) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*Event, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Storage(err, "query events")
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e       Event
			payload string
		)
		if err := rows.Scan(&e.ID, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, errors.Storage(err, "scan event")
		}
		if e.Payload, err = decodePayload(payload); err != nil {
			return nil, errors.Storagef(err, "event %d payload", e.ID)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage(err, "iterate events")
	}
	return events, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
