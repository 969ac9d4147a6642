package bus

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/stagebus/errors"
)

// Enqueue adds a pending command and returns its id
func (b *Bus) Enqueue(ctx context.Context, commandType CommandType, payload Payload) (int64, error) {
	var id int64
	err := b.WithTx(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.Enqueue(commandType, payload)
		return err
	})
	if err != nil {
		return 0, err
	}
	b.logger.Debugw("Command enqueued", "command_id", id, "command_type", commandType)
	return id, nil
}

func enqueue(ctx context.Context, q DBTX, now time.Time, commandType CommandType, payload Payload) (int64, error) {
	if commandType == "" {
		return 0, errors.Wrap(errors.ErrInvalidRequest, "command type is required")
	}
	body, err := encodePayload(payload)
	if err != nil {
		return 0, errors.Mark(err, errors.ErrInvalidRequest)
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO commands (command_type, payload, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		string(commandType), body, string(CommandPending), now, now)
	if err != nil {
		return 0, errors.Storagef(err, "enqueue %s", commandType)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Storage(err, "read command id")
	}
	return id, nil
}

// ClaimNextCommand atomically moves the oldest pending command (optionally
// restricted to types) to in_progress and returns it. Returns nil, nil when
// nothing is eligible. The select and the status change are one UPDATE
// statement inside an immediate transaction, so two callers can never claim
// the same command.
func (b *Bus) ClaimNextCommand(ctx context.Context, claimer string, types ...CommandType) (*Command, error) {
	var cmd *Command
	err := b.WithTx(ctx, func(tx *Tx) error {
		sub := `SELECT id FROM commands WHERE status = ?`
		args := []interface{}{string(CommandInProgress), claimer, tx.now, string(CommandPending)}
		if len(types) > 0 {
			sub += ` AND command_type IN (` + placeholders(len(types)) + `)`
			for _, t := range types {
				args = append(args, string(t))
			}
		}
		sub += ` ORDER BY id ASC LIMIT 1`

		var id int64
		err := tx.tx.QueryRowContext(ctx, `
			UPDATE commands
			SET status = ?, claimed_by = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = (`+sub+`)
			RETURNING id`, args...).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return errors.Storage(err, "claim command")
		}

		cmd, err = getCommand(ctx, tx.tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if cmd != nil {
		b.logger.Debugw("Command claimed", "command_id", cmd.ID, "command_type", cmd.Type, "claimed_by", claimer)
	}
	return cmd, nil
}

// CompleteCommand transitions an in_progress command to done.
// Completing an already-done command is a no-op.
func (b *Bus) CompleteCommand(ctx context.Context, id int64, outcome Payload) error {
	return b.WithTx(ctx, func(tx *Tx) error {
		return tx.CompleteCommand(id, outcome)
	})
}

// FailCommand transitions an in_progress command to failed.
// Failing an already-failed command is a no-op.
func (b *Bus) FailCommand(ctx context.Context, id int64, reason string) error {
	return b.WithTx(ctx, func(tx *Tx) error {
		return tx.FailCommand(id, reason)
	})
}

func finishCommand(ctx context.Context, q DBTX, now time.Time, id int64, to CommandStatus, outcome Payload, reason string) error {
	var outcomeArg interface{}
	if outcome != nil {
		body, err := encodePayload(outcome)
		if err != nil {
			return errors.Mark(err, errors.ErrInvalidRequest)
		}
		outcomeArg = body
	}
	var reasonArg interface{}
	if reason != "" {
		reasonArg = reason
	}

	res, err := q.ExecContext(ctx, `
		UPDATE commands SET status = ?, outcome = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), outcomeArg, reasonArg, now, id, string(CommandInProgress))
	if err != nil {
		return errors.Storagef(err, "mark command %d %s", id, to)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Nothing updated: decide between idempotent re-delivery and a protocol error
	current, err := commandStatus(ctx, q, id)
	if err != nil {
		return err
	}
	if current == to {
		return nil
	}
	return errors.NewInvalidTransition("command", string(current), string(to))
}

// RequeueCommand explicitly returns an in_progress or failed command to pending.
// Requeueing a pending command is a no-op; a done command cannot be requeued.
func (b *Bus) RequeueCommand(ctx context.Context, id int64) error {
	return b.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE commands SET status = ?, claimed_by = NULL, updated_at = ?
			WHERE id = ? AND status IN (?, ?)`,
			string(CommandPending), tx.now, id, string(CommandInProgress), string(CommandFailed))
		if err != nil {
			return errors.Storagef(err, "requeue command %d", id)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			b.logger.Infow("Command requeued", "command_id", id)
			return nil
		}

		current, err := commandStatus(ctx, tx.tx, id)
		if err != nil {
			return err
		}
		if current == CommandPending {
			return nil
		}
		return errors.NewInvalidTransition("command", string(current), string(CommandPending))
	})
}

// RequeueStale returns in_progress commands whose last update is older than
// olderThan to pending: their claimer crashed or was killed. Commands held by
// exceptClaimer (the caller's own live workers) are left alone.
func (b *Bus) RequeueStale(ctx context.Context, olderThan time.Duration, exceptClaimer string) (int64, error) {
	var n int64
	err := b.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE commands SET status = ?, claimed_by = NULL, updated_at = ?
			WHERE status = ? AND updated_at < ? AND COALESCE(claimed_by, '') != ?`,
			string(CommandPending), tx.now, string(CommandInProgress), tx.now.Add(-olderThan), exceptClaimer)
		if err != nil {
			return errors.Storage(err, "requeue stale commands")
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.logger.Warnw("Requeued stale commands", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// TouchCommand refreshes updated_at on an in_progress command so RequeueStale
// does not treat long-running work as orphaned.
func (b *Bus) TouchCommand(ctx context.Context, id int64) error {
	return b.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx,
			`UPDATE commands SET updated_at = ? WHERE id = ? AND status = ?`,
			tx.now, id, string(CommandInProgress))
		return errors.Storagef(err, "touch command %d", id)
	})
}

// GetCommand retrieves a command by id
func (b *Bus) GetCommand(ctx context.Context, id int64) (*Command, error) {
	return getCommand(ctx, b.db, id)
}

func getCommand(ctx context.Context, q DBTX, id int64) (*Command, error) {
	cmd, err := scanCommand(q.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("command %d", id)
	}
	if err != nil {
		return nil, errors.Storagef(err, "get command %d", id)
	}
	return cmd, nil
}

func commandStatus(ctx context.Context, q DBTX, id int64) (CommandStatus, error) {
	var status CommandStatus
	err := q.QueryRowContext(ctx, `SELECT status FROM commands WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.NewNotFoundError("command %d", id)
	}
	if err != nil {
		return "", errors.Storagef(err, "read command %d status", id)
	}
	return status, nil
}

// ListCommands returns commands matching q in id order
func (b *Bus) ListCommands(ctx context.Context, q CommandQuery) ([]*Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE id > ?`
	args := []interface{}{q.AfterID}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(q.Status))
	}
	if q.Type != "" {
		query += ` AND command_type = ?`
		args = append(args, string(q.Type))
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, clampLimit(q.Limit))

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Storage(err, "list commands")
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, errors.Storage(err, "scan command")
		}
		out = append(out, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage(err, "iterate commands")
	}
	return out, nil
}

// ArchiveCommands moves done and failed commands last updated before
// olderThan ago into commands_archive
func (b *Bus) ArchiveCommands(ctx context.Context, olderThan time.Duration) (int64, error) {
	var n int64
	err := b.WithTx(ctx, func(tx *Tx) error {
		cutoff := tx.now.Add(-olderThan)
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO commands_archive (`+commandColumns+`, archived_at)
			SELECT `+commandColumns+`, ? FROM commands
			WHERE status IN (?, ?) AND updated_at < ?`,
			tx.now, string(CommandDone), string(CommandFailed), cutoff)
		if err != nil {
			return errors.Storage(err, "copy commands to archive")
		}
		res, err := tx.tx.ExecContext(ctx,
			`DELETE FROM commands WHERE status IN (?, ?) AND updated_at < ?`,
			string(CommandDone), string(CommandFailed), cutoff)
		if err != nil {
			return errors.Storage(err, "delete archived commands")
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.logger.Infow("Commands archived", "count", n)
	}
	return n, nil
}
