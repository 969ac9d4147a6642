// Package pipeline is the collaborator the orchestrator drives each claimed
// file through. A Stage is one call into an external analysis step; the
// built-in adapters cover the scan, exec-based analyzers (static analysis,
// extraction) and local-inference AI augmentation.
package pipeline

import (
	"context"
	"fmt"

	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/staging"
)

// Stage names used by the built-in adapters
const (
	StageScan           = "scan"
	StageStaticAnalysis = "static_analysis"
	StageExtraction     = "extraction"
	StageAIAugmentation = "ai_augmentation"
)

// Input is what every stage sees: the claimed file plus results of the
// stages that already ran for it.
type Input struct {
	*staging.Claimed
	Version int
	Results map[string]*Result
}

// Result is a stage's output. Artifact is stored as <stage>.json beside the file.
type Result struct {
	Stage    string      `json:"stage"`
	Summary  string      `json:"summary,omitempty"`
	Artifact interface{} `json:"artifact,omitempty"`
}

// Stage is one step of the analysis pipeline. Run must honour ctx: the
// orchestrator cancels it when the per-stage timeout elapses.
type Stage interface {
	Name() string
	Run(ctx context.Context, in *Input) (*Result, error)
}

// StageError reports a stage that failed, timed out, or rejected its input.
// It matches errors.ErrStageFailure, and errors.ErrTimeout when Timeout is set.
type StageError struct {
	Stage   string
	Timeout bool
	Invalid bool // the input itself is unusable (too large, binary, ...)
	Err     error
}

func (e *StageError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("stage %s timed out: %v", e.Stage, e.Err)
	case e.Invalid:
		return fmt.Sprintf("stage %s rejected input: %v", e.Stage, e.Err)
	default:
		return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
	}
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is classify a StageError without unwrapping to its cause
func (e *StageError) Is(target error) bool {
	switch target {
	case errors.ErrStageFailure:
		return true
	case errors.ErrTimeout:
		return e.Timeout
	}
	return false
}

// Reason maps the failure onto the failed/<reason>/ folder it is routed to
func (e *StageError) Reason() string {
	switch {
	case e.Timeout:
		return staging.ReasonStageTimeout
	case e.Invalid:
		return staging.ReasonInvalidFile
	default:
		return staging.ReasonStageFailure
	}
}

// Failf builds a StageError for stage
func Failf(stage, format string, args ...interface{}) *StageError {
	return &StageError{Stage: stage, Err: errors.Newf(format, args...)}
}

// Invalidf builds a StageError for input the stage cannot process
func Invalidf(stage, format string, args ...interface{}) *StageError {
	return &StageError{Stage: stage, Invalid: true, Err: errors.Newf(format, args...)}
}

// AsStageError returns err as a *StageError, or nil
func AsStageError(err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return nil
}
