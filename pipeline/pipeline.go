package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/stagebus/am"
	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/logger"
)

// abandonGrace is how long RunStage waits past the deadline for a stage to
// return before abandoning it.
const abandonGrace = 100 * time.Millisecond

// Pipeline is the ordered list of stages every claimed file goes through
type Pipeline struct {
	stages []Stage
}

// New builds a pipeline from stages, run in the given order
func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Stages returns the stages in execution order
func (p *Pipeline) Stages() []Stage {
	return p.stages
}

// Names returns the stage names in execution order
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// FromConfig assembles the pipeline the configuration describes: the scan
// stage always, then each configured analyzer command, then AI augmentation
// when local inference is enabled.
func FromConfig(cfg *am.Config, log *zap.SugaredLogger) (*Pipeline, error) {
	if log == nil {
		log = logger.Logger
	}
	log = log.Named("pipeline")

	stages := []Stage{NewScanStage(cfg.Pipeline.MaxFileBytes)}

	for _, c := range []struct{ name, command string }{
		{StageStaticAnalysis, cfg.Pipeline.StaticAnalysisCommand},
		{StageExtraction, cfg.Pipeline.ExtractionCommand},
	} {
		if c.command == "" {
			continue
		}
		stage, err := NewExecStage(c.name, c.command)
		if err != nil {
			return nil, errors.Wrapf(err, "configure %s stage", c.name)
		}
		stages = append(stages, stage)
	}

	if cfg.LocalInference.Enabled {
		stage, err := NewInferenceStage(cfg.LocalInference, log)
		if err != nil {
			return nil, errors.Wrap(err, "configure ai_augmentation stage")
		}
		stages = append(stages, stage)
	}

	p := New(stages...)
	log.Debugw("Pipeline configured", "stages", p.Names())
	return p, nil
}

// RunStage runs one stage under timeout. Whatever goes wrong comes back as a
// *StageError; a stage that outlives its deadline is a timeout failure even
// if it ignored ctx and returned late with a result. A stage that ignores ctx
// entirely is abandoned at the deadline: its goroutine is left to finish on
// its own and whatever it eventually returns is dropped.
func RunStage(ctx context.Context, stage Stage, in *Input, timeout time.Duration) (*Result, error) {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := stage.Run(stageCtx, in)
		done <- outcome{res, err}
	}()

	var res *Result
	var err error
	select {
	case out := <-done:
		res, err = out.res, out.err
	case <-stageCtx.Done():
		// Give a ctx-aware stage a moment to report its own cause.
		select {
		case out := <-done:
			res, err = out.res, out.err
		case <-time.After(abandonGrace):
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			fields := append(logger.FieldsFromContext(ctx),
				logger.FieldStage, stage.Name(), "timeout", timeout.String())
			if in != nil && in.Claimed != nil {
				fields = append(fields, logger.FieldScanID, in.ScanID, logger.FieldFileID, in.FileID)
			}
			logger.Logger.Named("pipeline").Warnw("Stage ignored its deadline; abandoning its goroutine", fields...)
			return nil, &StageError{Stage: stage.Name(), Timeout: true, Err: errors.Wrapf(stageCtx.Err(), "exceeded %s", timeout)}
		}
	}

	if stageCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		cause := err
		if cause == nil {
			cause = stageCtx.Err()
		}
		return nil, &StageError{Stage: stage.Name(), Timeout: true, Err: errors.Wrapf(cause, "exceeded %s", timeout)}
	}
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a stage verdict
			return nil, ctx.Err()
		}
		if se := AsStageError(err); se != nil {
			return nil, se
		}
		return nil, &StageError{Stage: stage.Name(), Err: err}
	}
	if res == nil {
		res = &Result{}
	}
	res.Stage = stage.Name()
	return res, nil
}
