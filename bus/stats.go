package bus

import (
	"context"

	"github.com/teranos/stagebus/errors"
)

// Stats summarizes the store for the CLI and liveness checks
type Stats struct {
	Events           int64                   `json:"events"`
	LastEventID      int64                   `json:"last_event_id"`
	Commands         map[CommandStatus]int64 `json:"commands"`
	ArchivedCommands int64                   `json:"archived_commands"`
	StateKeys        int64                   `json:"state_keys"`
}

// Stats counts events, commands by status, archived commands and state keys
func (b *Bus) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{Commands: map[CommandStatus]int64{
		CommandPending:    0,
		CommandInProgress: 0,
		CommandDone:       0,
		CommandFailed:     0,
	}}

	if err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MAX(id), 0) FROM events`).Scan(&s.Events, &s.LastEventID); err != nil {
		return nil, errors.Storage(err, "count events")
	}

	rows, err := b.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM commands GROUP BY status`)
	if err != nil {
		return nil, errors.Storage(err, "count commands")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status CommandStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Storage(err, "scan command counts")
		}
		s.Commands[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage(err, "iterate command counts")
	}

	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commands_archive`).Scan(&s.ArchivedCommands); err != nil {
		return nil, errors.Storage(err, "count archived commands")
	}
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM state`).Scan(&s.StateKeys); err != nil {
		return nil, errors.Storage(err, "count state keys")
	}
	return s, nil
}
