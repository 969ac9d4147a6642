// Package errors provides error handling for stagebus.
//
// It re-exports github.com/cockroachdb/errors (stack traces, wrapping,
// hints, details, markers) and defines the failure taxonomy shared by the
// bus, the staging area and the orchestrator:
//
//	ErrStorage                 durable backend unreachable or corrupt; retried next tick
//	ErrInvalidStateTransition  protocol error; surfaced, never retried
//	ErrStageFailure            a pipeline stage failed; the file is routed to failed/
//	ErrDuplicateClaim          filesystem race or double presence; the file is quarantined
//
// Classify with errors.Is:
//
//	if errors.Is(err, errors.ErrStorage) {
//	    // back off and retry on the next tick
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint       = crdb.WithHint
	WithHintf      = crdb.WithHintf
	WithDetail     = crdb.WithDetail
	WithDetailf    = crdb.WithDetailf
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Inspection and marking
var (
	Is               = crdb.Is
	IsAny            = crdb.IsAny
	As               = crdb.As
	Unwrap           = crdb.Unwrap
	UnwrapAll        = crdb.UnwrapAll
	Mark             = crdb.Mark
	CombineErrors    = crdb.CombineErrors
	GetStack         = crdb.GetReportableStackTrace
	AssertionFailedf = crdb.AssertionFailedf
)

// Generic sentinels.
var (
	// ErrNotFound indicates the requested row, key or file does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates malformed input (unknown event type, empty key, ...)
	ErrInvalidRequest = New("invalid request")

	// ErrTimeout indicates an operation exceeded its deadline
	ErrTimeout = New("operation timed out")
)

// Failure taxonomy.
var (
	// ErrStorage marks any failure of the durable backend.
	ErrStorage = New("storage error")

	// ErrInvalidStateTransition marks an attempt to move a command or file
	// along an edge its life cycle does not have.
	ErrInvalidStateTransition = New("invalid state transition")

	// ErrStageFailure marks a pipeline stage that failed or timed out.
	ErrStageFailure = New("stage failure")

	// ErrDuplicateClaim marks a file that was claimed elsewhere or is
	// present in more than one mailbox folder.
	ErrDuplicateClaim = New("duplicate claim")
)

// Storage marks err as a storage failure, adding msg as context.
// Returns nil when err is nil so call sites can wrap unconditionally.
func Storage(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, msg), ErrStorage)
}

// Storagef is Storage with a formatted message.
func Storagef(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Mark(Wrapf(err, format, args...), ErrStorage)
}

// NewInvalidTransition reports an illegal status change for the named entity.
func NewInvalidTransition(entity string, from, to string) error {
	err := Newf("%s cannot move from %s to %s", entity, from, to)
	return Mark(err, ErrInvalidStateTransition)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}

// IsStorageError reports whether err is or wraps a storage failure.
func IsStorageError(err error) bool {
	return err != nil && Is(err, ErrStorage)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}
