package bus

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/teranos/stagebus/errors"
)

// Payload is a structured key/value document carried by events and commands
type Payload map[string]interface{}

// String returns p[key] as a string, or "" when absent
func (p Payload) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// Int64 returns p[key] as an integer. JSON round trips turn numbers into
// float64, so every numeric representation is accepted.
func (p Payload) Int64(key string) int64 {
	switch v := p[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

func encodePayload(p Payload) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal payload")
	}
	return string(b), nil
}

func decodePayload(s string) (Payload, error) {
	if s == "" {
		return Payload{}, nil
	}
	var p Payload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal payload")
	}
	if p == nil {
		p = Payload{}
	}
	return p, nil
}

// Event is an immutable record of something that happened.
// ID is the only ordering guarantee; timestamps may collide.
type Event struct {
	ID        int64     `json:"id"`
	Type      EventType `json:"event_type"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Command is a requested action with an exclusive-claim life cycle
type Command struct {
	ID        int64         `json:"id"`
	Type      CommandType   `json:"command_type"`
	Payload   Payload       `json:"payload"`
	Status    CommandStatus `json:"status"`
	Outcome   Payload       `json:"outcome,omitempty"`
	Error     string        `json:"error,omitempty"`
	ClaimedBy string        `json:"claimed_by,omitempty"`
	Attempts  int           `json:"attempts"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StateEntry is one key of the state store. Value holds the JSON encoding.
type StateEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Decode unmarshals the stored value into v
func (e *StateEntry) Decode(v interface{}) error {
	return errors.Wrapf(json.Unmarshal(e.Value, v), "decode state %s", e.Key)
}

// Int returns the value as an integer, or 0 if it is not numeric
func (e *StateEntry) Int() int64 {
	n, err := strconv.ParseInt(string(e.Value), 10, 64)
	if err != nil {
		var f float64
		if json.Unmarshal(e.Value, &f) == nil {
			return int64(f)
		}
		return 0
	}
	return n
}

// String returns a JSON string value unquoted, or the raw JSON for other kinds
func (e *StateEntry) String() string {
	var s string
	if json.Unmarshal(e.Value, &s) == nil {
		return s
	}
	return string(e.Value)
}

// EventQuery selects events. Callers paginate by AfterID, never by offset,
// so reads stay correct under concurrent appends.
type EventQuery struct {
	AfterID int64
	Types   []EventType
	Limit   int
}

// CommandQuery selects commands for the query surface
type CommandQuery struct {
	Status  CommandStatus
	Type    CommandType
	AfterID int64
	Limit   int
}

// DefaultQueryLimit applies when a query leaves Limit unset
const DefaultQueryLimit = 100

// MaxQueryLimit bounds any single page
const MaxQueryLimit = 10000

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultQueryLimit
	case limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return limit
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const commandColumns = `id, command_type, payload, status, outcome, error, claimed_by, attempts, created_at, updated_at`

func scanCommand(row rowScanner) (*Command, error) {
	var (
		c                        Command
		payload                  string
		outcome, errStr, claimer sql.NullString
	)
	if err := row.Scan(&c.ID, &c.Type, &payload, &c.Status, &outcome, &errStr, &claimer,
		&c.Attempts, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}

	p, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	c.Payload = p
	if outcome.Valid {
		if c.Outcome, err = decodePayload(outcome.String); err != nil {
			return nil, err
		}
	}
	c.Error = errStr.String
	c.ClaimedBy = claimer.String
	return &c, nil
}
