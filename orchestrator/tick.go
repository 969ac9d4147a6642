package orchestrator

import (
	"context"
	"path/filepath"
	"time"

	"github.com/teranos/stagebus/bus"
	"github.com/teranos/stagebus/db"
	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/logger"
	"github.com/teranos/stagebus/settings"
	"github.com/teranos/stagebus/staging"
)

// TickReport summarizes one tick
type TickReport struct {
	Detected   int // candidate files seen in incoming/
	Claimed    int // registered and queued for the stages
	LostClaims int // another claimer renamed the file first
	Duplicates int // same content already in flight, quarantined
	Unchanged  int // identical to the latest success, concluded without stages
	Processed  int // concluded SUCCESS by the stages during this tick
	Failed     int // concluded FAILED during this tick
	Reconciled *ReconcileReport
	Sweep      *staging.SweepResult
}

// Tick runs one iteration of the control loop and processes every claimed
// file before returning. The long-running loop uses the same steps but hands
// claimed files to the worker pool instead.
func (o *Orchestrator) Tick(ctx context.Context) (*TickReport, error) {
	return o.tick(ctx, true)
}

func (o *Orchestrator) tick(ctx context.Context, drain bool) (*TickReport, error) {
	report := &TickReport{}
	started := time.Now()

	if err := o.bus.Ping(ctx); err != nil {
		return report, o.tickFailed(errors.Storage(err, "ping store"))
	}

	o.mu.Lock()
	o.ticks++
	reconcile := !o.reconciled || o.ticks%ReconcileEvery == 0
	o.mu.Unlock()

	// Filesystem and per-file problems are logged and the tick goes on; only
	// storage errors end it early
	var softErr error

	if reconcile {
		rec, err := o.Reconcile(ctx)
		report.Reconciled = rec
		if errors.IsStorageError(err) {
			return report, o.tickFailed(err)
		}
		if err != nil {
			softErr = errors.CombineErrors(softErr, err)
		} else {
			o.mu.Lock()
			o.reconciled = true
			o.mu.Unlock()
		}
	}

	if err := o.admit(ctx, report); err != nil {
		if errors.IsStorageError(err) {
			return report, o.tickFailed(err)
		}
		softErr = errors.CombineErrors(softErr, err)
	}

	if drain {
		if err := o.drain(ctx, report); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			return report, o.tickFailed(err)
		}
	} else {
		o.wakeWorkers(report.Claimed)
	}

	if o.sweepDue() {
		sweep, err := o.Sweep(ctx)
		report.Sweep = sweep
		if errors.IsStorageError(err) {
			return report, o.tickFailed(err)
		}
		if err != nil {
			softErr = errors.CombineErrors(softErr, err)
		}
	}

	if err := o.exportIfDirty(ctx); err != nil {
		softErr = errors.CombineErrors(softErr, err)
	}

	o.markHealthy()
	o.requeueOrphans(ctx)
	if err := o.heartbeat(ctx); err != nil {
		return report, o.tickFailed(err)
	}

	log := o.logger.With(logger.FieldDurationMS, time.Since(started).Milliseconds())
	if report.Detected > 0 || report.Processed > 0 || report.Failed > 0 {
		log.Infow("Tick complete",
			"detected", report.Detected,
			"claimed", report.Claimed,
			"processed", report.Processed,
			"failed", report.Failed,
			"duplicates", report.Duplicates+report.LostClaims)
	} else {
		log.Debugw("Tick complete, nothing new")
	}
	if softErr != nil {
		o.logger.Warnw("Tick finished with errors", logger.FieldError, softErr)
	}
	return report, softErr
}

func (o *Orchestrator) tickFailed(err error) error {
	// A store closed under us means shutdown, not an outage
	if db.IsDatabaseClosed(err) {
		o.logger.Debugw("Store closed, skipping tick", logger.FieldError, err)
		return err
	}
	o.markFailed(err)
	o.mu.Lock()
	failures := o.failures
	o.mu.Unlock()
	o.logger.Errorw("Tick failed", logger.FieldError, err,
		"consecutive_failures", failures, "lock_contention", db.IsBusy(err))
	return err
}

// admit claims every candidate in incoming/ and records it in the manifest
func (o *Orchestrator) admit(ctx context.Context, report *TickReport) error {
	files, err := o.area.ListIncoming()
	if err != nil {
		return err
	}

	var softErr error
	for _, f := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report.Detected++
		if err := o.admitFile(ctx, f.Name, report); err != nil {
			if errors.IsStorageError(err) {
				return err
			}
			o.logger.Warnw("Could not admit file", logger.FieldFile, f.Name, logger.FieldError, err)
			softErr = errors.CombineErrors(softErr, err)
		}
	}
	return softErr
}

type admission struct {
	entry    *staging.Entry // set when the file concluded without running the stages
	errorLog *staging.ErrorLog
}

func (o *Orchestrator) admitFile(ctx context.Context, name string, report *TickReport) error {
	scanID := staging.NewScanID()
	claimed, err := o.area.Claim(name, scanID)
	if errors.Is(err, errors.ErrDuplicateClaim) {
		report.LostClaims++
		o.logger.Debugw("Lost claim race", logger.FieldFile, name)
		return nil
	}
	if err != nil {
		return err
	}

	var adm admission
	err = o.bus.WithTx(ctx, func(tx *bus.Tx) error {
		adm = admission{}
		q, now := tx.DBTX(), tx.Now()

		inFlight, err := o.manifest.FindInFlight(ctx, q, claimed.FileID, claimed.ContentHash)
		if err != nil {
			return err
		}
		if inFlight != nil {
			return o.admitDuplicate(ctx, tx, claimed, inFlight, &adm)
		}

		latest, err := o.manifest.LatestSuccess(ctx, q, claimed.FileID)
		if err != nil {
			return err
		}
		if latest != nil && latest.ContentHash == claimed.ContentHash {
			return o.admitUnchanged(ctx, tx, claimed, latest, &adm)
		}

		entry, err := o.manifest.Register(ctx, q, claimed, now)
		if err != nil {
			return err
		}
		if err := publishArrival(tx, entry); err != nil {
			return err
		}
		_, err = tx.Enqueue(bus.CommandProcessFile, bus.Payload{
			"scan_id":  entry.ScanID,
			"filename": entry.Filename,
			"file_id":  entry.FileID,
			"version":  entry.Version,
		})
		return err
	})
	if err != nil {
		if rerr := o.area.Release(scanID, name); rerr != nil {
			o.logger.Errorw("Could not release claim after failed registration",
				logger.FieldScanID, scanID, logger.FieldFile, name, logger.FieldError, rerr)
		}
		return err
	}
	o.markDirty()

	if adm.entry == nil {
		report.Claimed++
		o.logger.Infow("File claimed", logger.FieldFile, name, logger.FieldScanID, scanID)
		return nil
	}

	if adm.entry.Status == staging.StatusFailed {
		report.Duplicates++
		report.Failed++
	} else {
		report.Unchanged++
	}
	// The manifest already holds the outcome; reconciliation finishes the move if this fails
	if adm.errorLog != nil {
		if err := o.area.WriteWorkErrorLog(scanID, adm.errorLog); err != nil {
			o.logger.Warnw("Could not write error log", logger.FieldScanID, scanID, logger.FieldError, err)
		}
	}
	return o.area.Finalize(scanID, adm.entry.Location)
}

// admitDuplicate quarantines a copy of content that is already in flight
func (o *Orchestrator) admitDuplicate(ctx context.Context, tx *bus.Tx, c *staging.Claimed, inFlight *staging.Entry, adm *admission) error {
	now := tx.Now()
	message := c.Filename + " with identical content is already in flight as " + inFlight.ScanID
	e := &staging.Entry{
		ScanID:      c.ScanID,
		Filename:    c.Filename,
		FileID:      c.FileID,
		ContentHash: c.ContentHash,
		Status:      staging.StatusFailed,
		Reason:      staging.ReasonDuplicateClaim,
		Location:    staging.FailureLocation(c.ScanID, c.Filename, staging.ReasonDuplicateClaim),
		DuplicateOf: inFlight.ScanID,
		Error:       message,
	}
	if err := o.manifest.RecordConcluded(ctx, tx.DBTX(), e, now); err != nil {
		return err
	}
	if err := publishArrival(tx, e); err != nil {
		return err
	}
	if _, err := tx.Publish(bus.EventDuplicateClaim, bus.Payload{
		"scan_id":      e.ScanID,
		"filename":     e.Filename,
		"duplicate_of": inFlight.ScanID,
		"location":     e.Location,
	}); err != nil {
		return err
	}
	if err := publishConclusion(tx, e, 0, false); err != nil {
		return err
	}

	adm.entry = e
	adm.errorLog = &staging.ErrorLog{
		ScanID:    e.ScanID,
		Filename:  e.Filename,
		FileID:    e.FileID,
		Version:   e.Version,
		Reason:    e.Reason,
		Error:     message,
		Hints:     []string{"wait for " + inFlight.ScanID + " to conclude before resubmitting"},
		Timestamp: now,
	}
	o.logger.Warnw("Duplicate claim quarantined",
		logger.FieldScanID, e.ScanID, logger.FieldFile, e.Filename, "duplicate_of", inFlight.ScanID)
	return nil
}

// admitUnchanged versions a resubmission identical to the latest success
// and concludes it without running the stages again
func (o *Orchestrator) admitUnchanged(ctx context.Context, tx *bus.Tx, c *staging.Claimed, latest *staging.Entry, adm *admission) error {
	now := tx.Now()
	e := &staging.Entry{
		ScanID:      c.ScanID,
		Filename:    c.Filename,
		FileID:      c.FileID,
		ContentHash: c.ContentHash,
		Status:      staging.StatusSuccess,
		Location:    staging.SuccessLocation(c.ScanID, c.Filename, now),
		DuplicateOf: latest.ScanID,
	}
	if err := o.manifest.RecordConcluded(ctx, tx.DBTX(), e, now); err != nil {
		return err
	}
	if err := publishArrival(tx, e); err != nil {
		return err
	}
	if err := publishConclusion(tx, e, 0, false); err != nil {
		return err
	}
	adm.entry = e
	o.logger.Infow("Unchanged resubmission recorded",
		logger.FieldScanID, e.ScanID, logger.FieldFile, e.Filename, logger.FieldVersion, e.Version, "duplicate_of", latest.ScanID)
	return nil
}

func publishArrival(tx *bus.Tx, e *staging.Entry) error {
	base := bus.Payload{
		"scan_id":  e.ScanID,
		"filename": e.Filename,
		"file_id":  e.FileID,
		"version":  e.Version,
	}
	if _, err := tx.Publish(bus.EventFileDetected, base); err != nil {
		return err
	}
	claimed := bus.Payload{"content_hash": e.ContentHash}
	for k, v := range base {
		claimed[k] = v
	}
	_, err := tx.Publish(bus.EventFileClaimed, claimed)
	return err
}

// publishConclusion records a terminal outcome on the bus: counters, the
// file_processed or file_failed event, an optional RAG request, and the
// command's own transition. cmdID 0 means no command is involved.
func publishConclusion(tx *bus.Tx, e *staging.Entry, cmdID int64, rag bool) error {
	if _, err := tx.IncrementState(bus.StateTotalScans, 1); err != nil {
		return err
	}

	payload := bus.Payload{
		"scan_id":  e.ScanID,
		"filename": e.Filename,
		"file_id":  e.FileID,
		"version":  e.Version,
		"status":   string(e.Status),
		"location": e.Location,
	}
	if e.DuplicateOf != "" {
		payload["duplicate_of"] = e.DuplicateOf
	}

	if e.Status != staging.StatusSuccess {
		if _, err := tx.IncrementState(bus.StateFailedScans, 1); err != nil {
			return err
		}
		payload["reason"] = e.Reason
		payload["error"] = e.Error
		if e.Stage != "" {
			payload["stage"] = e.Stage
		}
		if isStageReason(e.Reason) {
			if _, err := tx.Publish(bus.EventStageFailed, bus.Payload{
				"scan_id": e.ScanID,
				"stage":   e.Stage,
				"reason":  e.Reason,
				"error":   e.Error,
			}); err != nil {
				return err
			}
		}
		if _, err := tx.Publish(bus.EventFileFailed, payload); err != nil {
			return err
		}
		if cmdID != 0 {
			return tx.FailCommand(cmdID, e.Reason+": "+e.Error)
		}
		return nil
	}

	if _, err := tx.Publish(bus.EventFileProcessed, payload); err != nil {
		return err
	}
	if rag {
		request := bus.Payload{
			"scan_id":  e.ScanID,
			"filename": e.Filename,
			"file_id":  e.FileID,
			"version":  e.Version,
			"location": e.Location,
		}
		commandID, err := tx.Enqueue(bus.CommandRAGIndexFile, request)
		if err != nil {
			return err
		}
		request["command_id"] = commandID
		if _, err := tx.Publish(bus.EventRAGIndexRequested, request); err != nil {
			return err
		}
	}
	if cmdID != 0 {
		return tx.CompleteCommand(cmdID, bus.Payload{
			"scan_id":  e.ScanID,
			"status":   string(e.Status),
			"location": e.Location,
		})
	}
	return nil
}

func isStageReason(reason string) bool {
	switch reason {
	case staging.ReasonStageFailure, staging.ReasonStageTimeout, staging.ReasonInvalidFile:
		return true
	}
	return false
}

func (o *Orchestrator) ragEnabled(ctx context.Context) bool {
	if o.settings == nil {
		return o.Config().Features.RAGIntegrationEnabled
	}
	on, err := o.settings.FlagEnabled(ctx, settings.FlagRAGIntegration)
	if err != nil {
		o.logger.Warnw("Could not read RAG flag, using configured default", logger.FieldError, err)
	}
	return on
}

// scanInterval prefers the operator setting over the configured value
func (o *Orchestrator) scanInterval(ctx context.Context) time.Duration {
	fallback := o.Config().Staging.ScanInterval()
	if o.settings == nil {
		return fallback
	}
	seconds, err := o.settings.Int(ctx, settings.KeyScanIntervalSeconds)
	if err != nil || seconds < 1 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// exportIfDirty rewrites the manifest document when the manifest changed
func (o *Orchestrator) exportIfDirty(ctx context.Context) error {
	o.mu.Lock()
	dirty := o.dirty
	o.dirty = false
	o.mu.Unlock()
	if !dirty {
		return nil
	}

	path := o.documentPath()
	if _, err := o.manifest.ExportDocument(ctx, path); err != nil {
		o.markDirty()
		return errors.Wrap(err, "export manifest document")
	}
	o.logger.Debugw("Manifest document exported", logger.FieldPath, path)
	return nil
}

func (o *Orchestrator) documentPath() string {
	doc := o.Config().GetManifestDocument()
	if filepath.IsAbs(doc) {
		return doc
	}
	return o.area.Path(doc)
}
