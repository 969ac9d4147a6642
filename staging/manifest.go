package staging

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/stagebus/bus"
	"github.com/teranos/stagebus/db"
	"github.com/teranos/stagebus/errors"
)

// Entry is one manifest row: the full life cycle of one submitted file version
type Entry struct {
	ScanID      string     `json:"scan_id"`
	Filename    string     `json:"filename"`
	FileID      string     `json:"file_id"`
	Version     int        `json:"version"`
	ContentHash string     `json:"content_hash"`
	Status      Status     `json:"status,omitempty"`
	State       FileState  `json:"state"`
	Stage       string     `json:"stage,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Location    string     `json:"location,omitempty"`
	DuplicateOf string     `json:"duplicate_of,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ConcludedAt *time.Time `json:"concluded_at,omitempty"`
}

// Outcome is what finalization intends to record, written before the file moves
type Outcome struct {
	Status      Status
	Location    string
	Reason      string
	Stage       string
	Error       string
	DuplicateOf string
}

// Manifest is the durable ledger of file-processing outcomes and the single
// source of truth for "has this file+version been seen". Writes take a
// bus.DBTX so they commit together with the bus events describing them.
type Manifest struct {
	db *sql.DB
}

// NewManifest returns a manifest over an already-migrated database
func NewManifest(db *sql.DB) *Manifest {
	return &Manifest{db: db}
}

const entryColumns = `scan_id, filename, file_id, version, content_hash, status, state, stage, reason,
	location, duplicate_of, error, created_at, updated_at, concluded_at`

func scanEntry(row interface{ Scan(...interface{}) error }) (*Entry, error) {
	var (
		e                                                  Entry
		status, stage, reason, location, dupOf, errMessage sql.NullString
		concluded                                          sql.NullTime
	)
	if err := row.Scan(&e.ScanID, &e.Filename, &e.FileID, &e.Version, &e.ContentHash,
		&status, &e.State, &stage, &reason, &location, &dupOf, &errMessage,
		&e.CreatedAt, &e.UpdatedAt, &concluded); err != nil {
		return nil, err
	}
	e.Status = Status(status.String)
	e.Stage = stage.String
	e.Reason = reason.String
	e.Location = location.String
	e.DuplicateOf = dupOf.String
	e.Error = errMessage.String
	if concluded.Valid {
		t := concluded.Time
		e.ConcludedAt = &t
	}
	return &e, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Register records a freshly claimed file in state CLAIMED with the next
// version for its file_id. UNIQUE(file_id, version) rejects a racing insert.
func (m *Manifest) Register(ctx context.Context, q bus.DBTX, c *Claimed, now time.Time) (*Entry, error) {
	version, err := m.nextVersion(ctx, q, c.FileID)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		ScanID:      c.ScanID,
		Filename:    c.Filename,
		FileID:      c.FileID,
		Version:     version,
		ContentHash: c.ContentHash,
		State:       StateClaimed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.insert(ctx, q, e); err != nil {
		return nil, err
	}
	return e, nil
}

// RecordConcluded inserts an entry that concluded without passing through the
// stages (a quarantined duplicate claim). Version is assigned here.
func (m *Manifest) RecordConcluded(ctx context.Context, q bus.DBTX, e *Entry, now time.Time) error {
	version, err := m.nextVersion(ctx, q, e.FileID)
	if err != nil {
		return err
	}
	e.Version = version
	e.CreatedAt, e.UpdatedAt = now, now
	e.ConcludedAt = &now
	if e.Status == StatusSuccess {
		e.State = StateDoneSuccess
	} else {
		e.Status, e.State = StatusFailed, StateDoneFailed
	}
	return m.insert(ctx, q, e)
}

func (m *Manifest) nextVersion(ctx context.Context, q bus.DBTX, fileID string) (int, error) {
	var version int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM staging_manifest WHERE file_id = ?`, fileID).Scan(&version)
	if err != nil {
		return 0, errors.Storagef(err, "next version for %s", fileID)
	}
	return version, nil
}

func (m *Manifest) insert(ctx context.Context, q bus.DBTX, e *Entry) error {
	var concluded interface{}
	if e.ConcludedAt != nil {
		concluded = *e.ConcludedAt
	}
	_, err := q.ExecContext(ctx, `INSERT INTO staging_manifest (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ScanID, e.Filename, e.FileID, e.Version, e.ContentHash,
		nullable(string(e.Status)), string(e.State), nullable(e.Stage), nullable(e.Reason),
		nullable(e.Location), nullable(e.DuplicateOf), nullable(e.Error),
		e.CreatedAt, e.UpdatedAt, concluded)
	if db.IsConstraint(err) {
		return errors.Mark(errors.Storagef(err, "scan %s already registered", e.ScanID), errors.ErrDuplicateClaim)
	}
	return errors.Storagef(err, "insert manifest entry %s", e.ScanID)
}

// Get returns the entry for scanID, reading through q (nil = the manifest's own DB)
func (m *Manifest) Get(ctx context.Context, q bus.DBTX, scanID string) (*Entry, error) {
	if q == nil {
		q = m.db
	}
	e, err := scanEntry(q.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM staging_manifest WHERE scan_id = ?`, scanID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("scan %s", scanID)
	}
	if err != nil {
		return nil, errors.Storagef(err, "get manifest entry %s", scanID)
	}
	return e, nil
}

// Advance moves scanID to state to, recording the current stage. The
// allowed source states are part of the UPDATE, so an illegal transition
// changes nothing and reports ErrInvalidStateTransition.
func (m *Manifest) Advance(ctx context.Context, q bus.DBTX, scanID string, to FileState, stage string, now time.Time) error {
	from := allowedFrom(to)
	args := []interface{}{string(to), nullable(stage), now, scanID}
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := q.ExecContext(ctx, `UPDATE staging_manifest SET state = ?, stage = COALESCE(?, stage), updated_at = ?
		WHERE scan_id = ? AND state IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return errors.Storagef(err, "advance %s to %s", scanID, to)
	}
	return m.checkUpdated(ctx, q, res, scanID, to)
}

// MarkFinalizing records the intended outcome and destination before the file
// moves. If the process dies after the move but before Conclude, reconciliation
// finds FINALIZING plus a location and finishes the job.
func (m *Manifest) MarkFinalizing(ctx context.Context, q bus.DBTX, scanID string, o Outcome, now time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE staging_manifest
		SET state = ?, status = ?, location = ?, reason = ?, stage = COALESCE(?, stage),
		    error = ?, duplicate_of = ?, updated_at = ?
		WHERE scan_id = ? AND state IN (?, ?)`,
		string(StateFinalizing), string(o.Status), o.Location, nullable(o.Reason), nullable(o.Stage),
		nullable(o.Error), nullable(o.DuplicateOf), now,
		scanID, string(StateClaimed), string(StateStage))
	if err != nil {
		return errors.Storagef(err, "mark %s finalizing", scanID)
	}
	return m.checkUpdated(ctx, q, res, scanID, StateFinalizing)
}

// Conclude moves a FINALIZING entry to its terminal state
func (m *Manifest) Conclude(ctx context.Context, q bus.DBTX, scanID string, now time.Time) (*Entry, error) {
	res, err := q.ExecContext(ctx, `UPDATE staging_manifest
		SET state = CASE status WHEN ? THEN ? ELSE ? END, concluded_at = ?, updated_at = ?
		WHERE scan_id = ? AND state = ?`,
		string(StatusSuccess), string(StateDoneSuccess), string(StateDoneFailed), now, now,
		scanID, string(StateFinalizing))
	if err != nil {
		return nil, errors.Storagef(err, "conclude %s", scanID)
	}
	if err := m.checkUpdated(ctx, q, res, scanID, StateDoneSuccess); err != nil {
		return nil, err
	}
	return m.Get(ctx, q, scanID)
}

// Relocate records a new location for a concluded entry (retention archiving)
func (m *Manifest) Relocate(ctx context.Context, q bus.DBTX, scanID, location string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE staging_manifest SET location = ?, updated_at = ? WHERE scan_id = ?`,
		location, now, scanID)
	return errors.Storagef(err, "relocate %s", scanID)
}

func (m *Manifest) checkUpdated(ctx context.Context, q bus.DBTX, res sql.Result, scanID string, to FileState) error {
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	current, err := m.Get(ctx, q, scanID)
	if err != nil {
		return err
	}
	if err := CheckTransition(current.State, to); err != nil {
		return errors.Wrapf(err, "scan %s", scanID)
	}
	// Legal on re-read: the row moved under us between the UPDATE and the Get
	return errors.Storagef(errors.Newf("state of %s changed concurrently", scanID), "advance %s to %s", scanID, to)
}

// LatestSuccess returns the newest SUCCESS version of fileID, or nil
func (m *Manifest) LatestSuccess(ctx context.Context, q bus.DBTX, fileID string) (*Entry, error) {
	if q == nil {
		q = m.db
	}
	e, err := scanEntry(q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM staging_manifest
		WHERE file_id = ? AND status = ? AND state = ?
		ORDER BY version DESC LIMIT 1`,
		fileID, string(StatusSuccess), string(StateDoneSuccess)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Storagef(err, "latest success for %s", fileID)
	}
	return e, nil
}

// FindInFlight returns a not-yet-concluded entry for the same file and
// content, or nil. A hit means the same file is in incoming/ and in flight.
func (m *Manifest) FindInFlight(ctx context.Context, q bus.DBTX, fileID, contentHash string) (*Entry, error) {
	if q == nil {
		q = m.db
	}
	e, err := scanEntry(q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM staging_manifest
		WHERE file_id = ? AND content_hash = ? AND state NOT IN (?, ?)
		ORDER BY version DESC LIMIT 1`,
		fileID, contentHash, string(StateDoneSuccess), string(StateDoneFailed)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Storagef(err, "in-flight lookup for %s", fileID)
	}
	return e, nil
}

// ListQuery filters List
type ListQuery struct {
	Status   Status
	States   []FileState
	FileID   string
	Filename string
	Limit    int // 0 = all
}

// List returns entries in creation order
func (m *Manifest) List(ctx context.Context, lq ListQuery) ([]*Entry, error) {
	var (
		where []string
		args  []interface{}
	)
	if lq.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(lq.Status))
	}
	if len(lq.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(lq.States))+")")
		for _, s := range lq.States {
			args = append(args, string(s))
		}
	}
	if lq.FileID != "" {
		where = append(where, "file_id = ?")
		args = append(args, lq.FileID)
	}
	if lq.Filename != "" {
		where = append(where, "filename = ?")
		args = append(args, lq.Filename)
	}

	query := `SELECT ` + entryColumns + ` FROM staging_manifest`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, scan_id ASC`
	if lq.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, lq.Limit)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Storage(err, "list manifest")
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Storage(err, "scan manifest entry")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage(err, "iterate manifest")
	}
	return out, nil
}

// InFlight returns every entry that has not concluded
func (m *Manifest) InFlight(ctx context.Context) ([]*Entry, error) {
	return m.List(ctx, ListQuery{States: []FileState{StateDetected, StateClaimed, StateStage, StateFinalizing}})
}

// Totals summarizes concluded entries
type Totals struct {
	Processed int64
	Failed    int64
	LastScan  *time.Time
}

// Totals counts concluded entries by status and finds the latest conclusion
func (m *Manifest) Totals(ctx context.Context) (*Totals, error) {
	var (
		t    Totals
		last sql.NullString
	)
	err := m.db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0),
			MAX(concluded_at)
		FROM staging_manifest`,
		string(StateDoneSuccess), string(StateDoneFailed)).Scan(&t.Processed, &t.Failed, &last)
	if err != nil {
		return nil, errors.Storage(err, "manifest totals")
	}
	if last.Valid && last.String != "" {
		if ts, err := parseSQLiteTime(last.String); err == nil {
			t.LastScan = &ts
		}
	}
	return &t, nil
}

// MAX() loses the column's declared type, so the driver hands back text
func parseSQLiteTime(s string) (time.Time, error) {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf("unrecognized timestamp %q", s)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
