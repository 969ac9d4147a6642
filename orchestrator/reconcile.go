package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/teranos/stagebus/bus"
	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/logger"
	"github.com/teranos/stagebus/staging"
)

// ReconcileGrace is how long an unfinished transition is left alone before
// reconciliation assumes its owner died
const ReconcileGrace = 30 * time.Second

// ReconcileReport lists what a reconciliation pass repaired
type ReconcileReport struct {
	Requeued    int64 // in_progress commands whose claimer went quiet
	Finalized   int   // FINALIZING scans whose move was completed
	Interrupted int   // in-flight scans whose work file vanished
	Released    int   // unregistered claims returned to incoming/
	Moved       int   // concluded scans whose work dir had not moved yet
	Duplicates  int   // scans found in two places at once
	Legacy      int   // stray processed/ files moved to legacy/
}

// Changed reports whether the pass repaired anything
func (r *ReconcileReport) Changed() bool {
	return r.Requeued > 0 || r.Finalized > 0 || r.Interrupted > 0 || r.Released > 0 ||
		r.Moved > 0 || r.Duplicates > 0 || r.Legacy > 0
}

// Reconcile brings the filesystem, the manifest and the command queue back in
// line after a crash. The manifest is authoritative; the filesystem is
// repaired to match it.
func (o *Orchestrator) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	log := logger.AddOpenSymbol(o.logger)
	now := o.now()

	staleAfter := o.Config().Staging.StageTimeout() * time.Duration(len(o.pipeline.Stages())+1)
	n, err := o.bus.RequeueStale(ctx, staleAfter, o.instance)
	if err != nil {
		return report, err
	}
	report.Requeued = n

	var softErr error
	keep := func(err error) error {
		if errors.IsStorageError(err) {
			return err
		}
		softErr = errors.CombineErrors(softErr, err)
		return nil
	}

	if err := o.reconcileInFlight(ctx, now, report, keep); err != nil {
		return report, err
	}
	if err := o.reconcileWorkDirs(ctx, now, report, keep); err != nil {
		return report, err
	}

	strays, err := o.area.StrayProcessedFiles()
	if err := keep(err); err != nil {
		return report, err
	}
	for _, p := range strays {
		moved, err := o.area.MoveToLegacy(p)
		if err != nil {
			softErr = errors.CombineErrors(softErr, err)
			continue
		}
		report.Legacy++
		log.Infow("Stray processed file moved to legacy", logger.FieldFile, filepath.Base(p), logger.FieldLocation, moved)
	}

	if report.Changed() {
		o.markDirty()
		if _, err := o.publish(ctx, bus.EventReconciled, bus.Payload{
			"instance":    o.instance,
			"requeued":    report.Requeued,
			"finalized":   report.Finalized,
			"interrupted": report.Interrupted,
			"released":    report.Released,
			"moved":       report.Moved,
			"duplicates":  report.Duplicates,
			"legacy":      report.Legacy,
		}); err != nil {
			return report, err
		}
		log.Infow("Reconciled staging area",
			"requeued", report.Requeued,
			"finalized", report.Finalized,
			"interrupted", report.Interrupted,
			"released", report.Released,
			"moved", report.Moved,
			"duplicates", report.Duplicates,
			"legacy", report.Legacy)
	}
	return report, softErr
}

// reconcileInFlight finishes FINALIZING scans and fails scans whose work file
// is gone. Scans updated within the grace period may still have a live owner.
func (o *Orchestrator) reconcileInFlight(ctx context.Context, now time.Time, report *ReconcileReport, keep func(error) error) error {
	entries, err := o.manifest.InFlight(ctx)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if now.Sub(e.UpdatedAt) < ReconcileGrace {
			continue
		}
		switch e.State {
		case staging.StateFinalizing:
			concluded, err := o.completeFinalizing(ctx, 0, e)
			if err := keep(err); err != nil {
				return err
			}
			if concluded != nil {
				report.Finalized++
			}

		case staging.StateClaimed, staging.StateStage:
			locations, err := o.area.Locate(e.ScanID)
			if err := keep(err); err != nil {
				return err
			}
			if final := finalLocations(locations); len(final) > 0 {
				if err := keep(o.resolveDoublePresence(ctx, e, final)); err != nil {
					return err
				}
				report.Duplicates++
				continue
			}

			if _, err := os.Stat(filepath.Join(o.area.WorkDir(e.ScanID), e.Filename)); err == nil {
				// Still processable: its command is requeued when stale
				continue
			}
			concluded, err := o.finalize(ctx, 0, e, &failure{
				reason: staging.ReasonInterrupted,
				stage:  e.Stage,
				err:    errors.Newf("work file for %s vanished while %s", e.ScanID, e.State),
			})
			if err := keep(err); err != nil {
				return err
			}
			if concluded != nil {
				report.Interrupted++
			}
		}
	}
	return nil
}

// finalLocations drops the .work entry from a Locate result
func finalLocations(locations []string) []string {
	var out []string
	for _, l := range locations {
		if filepath.Dir(filepath.FromSlash(l)) != staging.DirWork {
			out = append(out, l)
		}
	}
	return out
}

// resolveDoublePresence handles an in-flight scan that also exists in a
// final folder. Neither copy is trusted: the final copies go to legacy/ and
// the scan concludes FAILED with reason duplicate_claim.
func (o *Orchestrator) resolveDoublePresence(ctx context.Context, e *staging.Entry, final []string) error {
	var moved []string
	for _, loc := range final {
		to, err := o.area.MoveToLegacy(o.area.Abs(loc))
		if err != nil {
			return err
		}
		moved = append(moved, to)
	}
	if _, err := o.publish(ctx, bus.EventDuplicateClaim, bus.Payload{
		"scan_id":  e.ScanID,
		"filename": e.Filename,
		"found_in": final,
		"legacy":   moved,
	}); err != nil {
		return err
	}
	_, err := o.finalize(ctx, 0, e, &failure{
		reason: staging.ReasonDuplicateClaim,
		stage:  e.Stage,
		err:    errors.Newf("scan %s was in flight and present in %v", e.ScanID, final),
	})
	return err
}

// reconcileWorkDirs resolves .work/ directories the in-flight pass did not
// account for: claims never registered, and concluded scans not yet moved
func (o *Orchestrator) reconcileWorkDirs(ctx context.Context, now time.Time, report *ReconcileReport, keep func(error) error) error {
	scanIDs, err := o.area.WorkDirs()
	if err := keep(err); err != nil {
		return err
	}

	for _, scanID := range scanIDs {
		e, err := o.manifest.Get(ctx, nil, scanID)
		switch {
		case errors.IsNotFoundError(err):
			released, err := o.releaseOrphan(scanID, now)
			if err := keep(err); err != nil {
				return err
			}
			if released {
				report.Released++
			}

		case err != nil:
			return err

		case e.State.IsDone() && e.Location != "":
			err := o.area.Finalize(scanID, e.Location)
			if errors.Is(err, errors.ErrDuplicateClaim) {
				if err := keep(o.quarantineWorkDir(ctx, e, err)); err != nil {
					return err
				}
				report.Duplicates++
				continue
			}
			if err := keep(err); err != nil {
				return err
			}
			if err == nil {
				report.Moved++
			}
		}
	}
	return nil
}

// releaseOrphan returns the file of a claim that never reached the manifest
// to incoming/ so the next tick claims it again
func (o *Orchestrator) releaseOrphan(scanID string, now time.Time) (bool, error) {
	dir := o.area.WorkDir(scanID)
	info, err := os.Stat(dir)
	if err != nil {
		return false, errors.Wrapf(err, "stat work dir %s", scanID)
	}
	if now.Sub(info.ModTime()) < ReconcileGrace {
		// Possibly a claim whose registration is committing right now
		return false, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, errors.Wrapf(err, "read work dir %s", scanID)
	}
	for _, ent := range entries {
		if ent.Type().IsRegular() && !staging.IsIgnored(ent.Name()) {
			o.logger.Warnw("Releasing unregistered claim", logger.FieldScanID, scanID, logger.FieldFile, ent.Name())
			return true, o.area.Release(scanID, ent.Name())
		}
	}
	return true, errors.Wrapf(os.RemoveAll(dir), "remove empty work dir %s", scanID)
}
