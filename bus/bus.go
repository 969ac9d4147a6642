package bus

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/logger"
)

// DBTX is the query surface shared by *sql.DB and *sql.Tx, so other stores
// (the staging manifest) can join a bus transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Bus unifies EventLog, CommandQueue and StateStore behind one transactional
// boundary. All writes in this process are serialized by mu; writes from other
// processes serialize on SQLite's write lock (immediate transactions with a
// busy timeout). Reads run concurrently under WAL.
type Bus struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.SugaredLogger
	now    func() time.Time
}

// New creates a bus over an already-migrated database
func New(db *sql.DB, log *zap.SugaredLogger) *Bus {
	if log == nil {
		log = logger.Logger
	}
	return &Bus{
		db:     db,
		logger: logger.AddBusSymbol(log.Named("bus")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source (tests)
func (b *Bus) SetClock(now func() time.Time) {
	b.now = now
}

// DB exposes the underlying handle for read-only collaborators
func (b *Bus) DB() *sql.DB {
	return b.db
}

// Tx is one unit of work. Everything done through it commits or rolls back together.
type Tx struct {
	bus *Bus
	tx  *sql.Tx
	ctx context.Context
	now time.Time
}

// DBTX returns the transaction handle for stores joining this unit of work
func (t *Tx) DBTX() DBTX {
	return t.tx
}

// Now is the timestamp stamped on every row written by this transaction
func (t *Tx) Now() time.Time {
	return t.now
}

// WithTx runs fn inside one immediate SQLite transaction. fn's error is
// returned unchanged after rollback; begin and commit failures are storage errors.
func (b *Bus) WithTx(ctx context.Context, fn func(*Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Storage(err, "begin bus transaction")
	}

	tx := &Tx{bus: b, tx: sqlTx, ctx: ctx, now: b.now()}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			b.logger.Warnw("Rollback failed", "error", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return errors.Storage(err, "commit bus transaction")
	}
	return nil
}

// Publish appends an event within the transaction
func (t *Tx) Publish(eventType EventType, payload Payload) (int64, error) {
	return publish(t.ctx, t.tx, t.now, eventType, payload)
}

// Enqueue adds a pending command within the transaction
func (t *Tx) Enqueue(commandType CommandType, payload Payload) (int64, error) {
	return enqueue(t.ctx, t.tx, t.now, commandType, payload)
}

// SetState writes key within the transaction
func (t *Tx) SetState(key string, value interface{}) error {
	return setState(t.ctx, t.tx, t.now, key, value)
}

// IncrementState adds delta to an integer key within the transaction
func (t *Tx) IncrementState(key string, delta int64) (int64, error) {
	return incrementState(t.ctx, t.tx, t.now, key, delta)
}

// GetState reads key as seen by the transaction
func (t *Tx) GetState(key string) (*StateEntry, error) {
	return getState(t.ctx, t.tx, key)
}

// CompleteCommand marks an in_progress command done within the transaction
func (t *Tx) CompleteCommand(id int64, outcome Payload) error {
	return finishCommand(t.ctx, t.tx, t.now, id, CommandDone, outcome, "")
}

// FailCommand marks an in_progress command failed within the transaction
func (t *Tx) FailCommand(id int64, reason string) error {
	return finishCommand(t.ctx, t.tx, t.now, id, CommandFailed, nil, reason)
}

// Ping checks the store is reachable
func (b *Bus) Ping(ctx context.Context) error {
	return errors.Storage(b.db.PingContext(ctx), "ping bus store")
}
