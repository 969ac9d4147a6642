package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teranos/stagebus/bus"
	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/logger"
	"github.com/teranos/stagebus/pipeline"
	"github.com/teranos/stagebus/staging"
)

// failure is why a scan is routed to failed/
type failure struct {
	reason  string
	stage   string
	timeout bool
	err     error
}

func stageFailure(stage string, err error) *failure {
	f := &failure{reason: staging.ReasonStageFailure, stage: stage, err: err}
	if se := pipeline.AsStageError(err); se != nil {
		f.reason = se.Reason()
		f.timeout = se.Timeout
	}
	return f
}

// drain processes queued process_file commands with up to workers goroutines
// until the queue is empty
func (o *Orchestrator) drain(ctx context.Context, report *TickReport) error {
	workers := o.Config().Staging.EffectiveWorkers()
	outcomes := make(chan *staging.Entry)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				cmd, err := o.bus.ClaimNextCommand(gctx, o.instance, bus.CommandProcessFile)
				if err != nil || cmd == nil {
					return err
				}
				e, err := o.process(gctx, cmd)
				if err != nil {
					o.release(cmd.ID)
					return err
				}
				if e != nil {
					select {
					case outcomes <- e:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
		close(outcomes)
	}()
	for e := range outcomes {
		if e.Status == staging.StatusSuccess {
			report.Processed++
		} else {
			report.Failed++
		}
	}
	return <-done
}

// worker is one member of the long-running pool
func (o *Orchestrator) worker(ctx context.Context, id int) error {
	log := o.logger.With(logger.FieldWorkerID, id)
	backoff := time.Second

	for {
		cmd, err := o.bus.ClaimNextCommand(ctx, o.instance, bus.CommandProcessFile)
		if ctx.Err() != nil {
			if cmd != nil {
				o.release(cmd.ID)
			}
			return nil
		}
		if err != nil {
			log.Warnw("Could not claim command", logger.FieldError, err, logger.FieldBackoff, backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if ceiling := o.Config().Staging.MaxBackoff(); backoff > ceiling {
				backoff = ceiling
			}
			continue
		}
		backoff = time.Second

		if cmd == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-o.work:
			case <-time.After(o.Config().Staging.ScanInterval()):
			}
			continue
		}

		if _, err := o.process(ctx, cmd); err != nil {
			o.release(cmd.ID)
			if ctx.Err() != nil {
				return nil
			}
			log.Errorw("Processing interrupted by storage error",
				logger.FieldCommandID, cmd.ID, logger.FieldError, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// release hands a claimed command back to the queue. The run context may be
// gone, so it uses its own; if storage is down the id is retried after the
// next healthy tick.
func (o *Orchestrator) release(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.bus.RequeueCommand(ctx, id); err != nil {
		if errors.Is(err, errors.ErrInvalidStateTransition) {
			// Already concluded
			return
		}
		o.mu.Lock()
		o.orphans = append(o.orphans, id)
		o.mu.Unlock()
		o.logger.Warnw("Could not requeue command", logger.FieldCommandID, id, logger.FieldError, err)
	}
}

func (o *Orchestrator) requeueOrphans(ctx context.Context) {
	o.mu.Lock()
	ids := o.orphans
	o.orphans = nil
	o.mu.Unlock()

	for _, id := range ids {
		err := o.bus.RequeueCommand(ctx, id)
		if err != nil && !errors.Is(err, errors.ErrInvalidStateTransition) {
			o.mu.Lock()
			o.orphans = append(o.orphans, id)
			o.mu.Unlock()
		}
	}
}

// process runs one process_file command to its conclusion. It returns the
// concluded entry, or nil when the scan was left for reconciliation. A non-nil
// error means storage failed or ctx ended; the caller requeues the command.
func (o *Orchestrator) process(ctx context.Context, cmd *bus.Command) (*staging.Entry, error) {
	scanID := cmd.Payload.String("scan_id")
	ctx = logger.WithScanID(ctx, scanID)
	log := logger.FromContext(ctx, o.logger).With(logger.FieldCommandID, cmd.ID)

	entry, err := o.manifest.Get(ctx, nil, scanID)
	if errors.IsNotFoundError(err) {
		log.Warnw("Command refers to an unknown scan")
		return nil, o.bus.WithTx(ctx, func(tx *bus.Tx) error {
			return tx.FailCommand(cmd.ID, "no manifest entry for scan "+scanID)
		})
	}
	if err != nil {
		return nil, err
	}

	switch {
	case entry.State.IsDone():
		// An earlier attempt concluded the scan but its command was requeued
		log.Debugw("Scan already concluded", logger.FieldState, entry.State)
		return entry, o.bus.WithTx(ctx, func(tx *bus.Tx) error {
			if entry.Status == staging.StatusSuccess {
				return tx.CompleteCommand(cmd.ID, bus.Payload{"scan_id": scanID, "status": string(entry.Status), "location": entry.Location})
			}
			return tx.FailCommand(cmd.ID, entry.Reason+": "+entry.Error)
		})
	case entry.State == staging.StateFinalizing:
		return o.completeFinalizing(ctx, cmd.ID, entry)
	}

	claimed := &staging.Claimed{
		ScanID:      entry.ScanID,
		Filename:    entry.Filename,
		FileID:      entry.FileID,
		ContentHash: entry.ContentHash,
		Path:        filepath.Join(o.area.WorkDir(scanID), entry.Filename),
	}
	info, err := os.Stat(claimed.Path)
	if err != nil {
		return o.finalize(ctx, cmd.ID, entry, &failure{
			reason: staging.ReasonInterrupted,
			stage:  entry.Stage,
			err:    errors.Wrapf(err, "work file for %s is missing", scanID),
		})
	}
	claimed.Size = info.Size()

	in := &pipeline.Input{Claimed: claimed, Version: entry.Version, Results: map[string]*pipeline.Result{}}
	timeout := o.Config().Staging.StageTimeout()

	for _, stage := range o.pipeline.Stages() {
		name := stage.Name()
		if err := o.bus.WithTx(ctx, func(tx *bus.Tx) error {
			if err := o.manifest.Advance(ctx, tx.DBTX(), scanID, staging.StateStage, name, tx.Now()); err != nil {
				return err
			}
			_, err := tx.Publish(bus.EventStageStarted, bus.Payload{
				"scan_id":  scanID,
				"filename": entry.Filename,
				"stage":    name,
			})
			return err
		}); err != nil {
			return nil, err
		}

		started := time.Now()
		res, err := pipeline.RunStage(ctx, stage, in, timeout)
		elapsed := time.Since(started)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Infow("Stage failed", logger.FieldStage, name, logger.FieldError, err, logger.FieldDurationMS, elapsed.Milliseconds())
			return o.finalize(ctx, cmd.ID, entry, stageFailure(name, err))
		}
		in.Results[name] = res

		if res.Artifact != nil {
			if err := o.area.WriteArtifact(scanID, name, res); err != nil {
				return o.finalize(ctx, cmd.ID, entry, stageFailure(name, err))
			}
		}

		if _, err := o.publish(ctx, bus.EventStageCompleted, bus.Payload{
			"scan_id":     scanID,
			"stage":       name,
			"summary":     res.Summary,
			"duration_ms": elapsed.Milliseconds(),
		}); err != nil {
			return nil, err
		}
		if err := o.bus.TouchCommand(ctx, cmd.ID); err != nil {
			return nil, err
		}
		log.Debugw("Stage completed", logger.FieldStage, name, logger.FieldDurationMS, elapsed.Milliseconds())
	}

	return o.finalize(ctx, cmd.ID, entry, nil)
}

func (o *Orchestrator) publish(ctx context.Context, eventType bus.EventType, payload bus.Payload) (int64, error) {
	var id int64
	err := o.bus.WithTx(ctx, func(tx *bus.Tx) error {
		var err error
		id, err = tx.Publish(eventType, payload)
		return err
	})
	return id, err
}

// finalize records the intended outcome, moves the work dir and concludes.
// f is nil on success.
func (o *Orchestrator) finalize(ctx context.Context, cmdID int64, entry *staging.Entry, f *failure) (*staging.Entry, error) {
	now := o.now()
	outcome := staging.Outcome{
		Status:   staging.StatusSuccess,
		Location: staging.SuccessLocation(entry.ScanID, entry.Filename, now),
	}

	if f != nil {
		outcome = staging.Outcome{
			Status:   staging.StatusFailed,
			Location: staging.FailureLocation(entry.ScanID, entry.Filename, f.reason),
			Reason:   f.reason,
			Stage:    f.stage,
			Error:    f.err.Error(),
		}
		elog := &staging.ErrorLog{
			ScanID:    entry.ScanID,
			Filename:  entry.Filename,
			FileID:    entry.FileID,
			Version:   entry.Version,
			Reason:    f.reason,
			Stage:     f.stage,
			Timeout:   f.timeout,
			Error:     f.err.Error(),
			Details:   errors.GetAllDetails(f.err),
			Hints:     errors.GetAllHints(f.err),
			Timestamp: now,
		}
		// The work dir is gone when the file itself vanished; recreate it so
		// the error log still lands beside the failure
		if err := os.MkdirAll(o.area.WorkDir(entry.ScanID), 0755); err != nil {
			return nil, errors.Wrapf(err, "recreate work dir for %s", entry.ScanID)
		}
		if err := o.area.WriteWorkErrorLog(entry.ScanID, elog); err != nil {
			o.logger.Warnw("Could not write error log", logger.FieldScanID, entry.ScanID, logger.FieldError, err)
		}
	}

	if err := o.bus.WithTx(ctx, func(tx *bus.Tx) error {
		return o.manifest.MarkFinalizing(ctx, tx.DBTX(), entry.ScanID, outcome, tx.Now())
	}); err != nil {
		return nil, err
	}
	o.markDirty()

	entry.State = staging.StateFinalizing
	entry.Status = outcome.Status
	entry.Location = outcome.Location
	return o.completeFinalizing(ctx, cmdID, entry)
}

// completeFinalizing performs the move recorded by MarkFinalizing and
// concludes. Safe to repeat: Finalize is idempotent once the move happened.
func (o *Orchestrator) completeFinalizing(ctx context.Context, cmdID int64, entry *staging.Entry) (*staging.Entry, error) {
	err := o.area.Finalize(entry.ScanID, entry.Location)
	if errors.Is(err, errors.ErrDuplicateClaim) {
		if err := o.quarantineWorkDir(ctx, entry, err); err != nil {
			return nil, err
		}
	} else if err != nil {
		// Leave the entry FINALIZING; reconciliation retries the move
		o.logger.Errorw("Could not move scan to its final location",
			logger.FieldScanID, entry.ScanID, logger.FieldLocation, entry.Location, logger.FieldError, err)
		if cmdID != 0 {
			return nil, o.bus.WithTx(ctx, func(tx *bus.Tx) error {
				return tx.FailCommand(cmdID, "move failed: "+err.Error())
			})
		}
		return nil, nil
	}
	return o.conclude(ctx, cmdID, entry.ScanID)
}

// quarantineWorkDir handles a work dir whose destination already exists:
// the scan is in two places at once. The destination wins; the work dir copy
// goes to legacy/ and operators are alerted.
func (o *Orchestrator) quarantineWorkDir(ctx context.Context, entry *staging.Entry, cause error) error {
	moved, err := o.area.MoveToLegacy(o.area.WorkDir(entry.ScanID))
	if err != nil {
		return errors.Wrapf(err, "quarantine work dir of %s", entry.ScanID)
	}
	o.logger.Errorw("Scan found in two places, work copy quarantined",
		logger.FieldScanID, entry.ScanID, logger.FieldLocation, entry.Location, "legacy", moved, logger.FieldError, cause)
	_, err = o.publish(ctx, bus.EventDuplicateClaim, bus.Payload{
		"scan_id":  entry.ScanID,
		"filename": entry.Filename,
		"location": entry.Location,
		"legacy":   moved,
		"error":    cause.Error(),
	})
	return err
}

// conclude moves a FINALIZING entry to its terminal state and publishes the
// outcome in the same transaction
func (o *Orchestrator) conclude(ctx context.Context, cmdID int64, scanID string) (*staging.Entry, error) {
	rag := o.ragEnabled(ctx)

	var concluded *staging.Entry
	err := o.bus.WithTx(ctx, func(tx *bus.Tx) error {
		e, err := o.manifest.Conclude(ctx, tx.DBTX(), scanID, tx.Now())
		if err != nil {
			return err
		}
		concluded = e
		return publishConclusion(tx, e, cmdID, rag && e.Status == staging.StatusSuccess)
	})
	if err != nil {
		return nil, err
	}
	o.markDirty()

	fields := []interface{}{
		logger.FieldScanID, concluded.ScanID,
		logger.FieldFile, concluded.Filename,
		logger.FieldVersion, concluded.Version,
		logger.FieldLocation, concluded.Location,
	}
	if concluded.Status == staging.StatusSuccess {
		o.logger.Infow("File processed", fields...)
	} else {
		o.logger.Warnw("File failed", append(fields, logger.FieldReason, concluded.Reason, logger.FieldStage, concluded.Stage)...)
	}
	return concluded, nil
}
