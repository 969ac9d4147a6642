package orchestrator

import (
	"context"
	"path"
	"time"

	"github.com/teranos/stagebus/bus"
	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/settings"
	"github.com/teranos/stagebus/staging"
)

// SweepEvery is the minimum spacing of tick-triggered retention sweeps
const SweepEvery = time.Hour

func (o *Orchestrator) sweepDue() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.unrecorded != nil || o.lastSweep.IsZero() || o.now().Sub(o.lastSweep) >= SweepEvery
}

// retentionPolicy reads the operator settings, falling back to configuration
func (o *Orchestrator) retentionPolicy(ctx context.Context) staging.RetentionPolicy {
	cfg := o.Config().Staging
	policy := staging.RetentionPolicy{
		RetentionDays:       cfg.RetentionDays,
		FailedRetentionDays: cfg.FailedRetentionDays,
		AutoCleanup:         cfg.AutoCleanup,
	}
	if o.settings == nil {
		return policy
	}
	if n, err := o.settings.Int(ctx, settings.KeyRetentionDays); err == nil {
		policy.RetentionDays = n
	}
	if n, err := o.settings.Int(ctx, settings.KeyFailedRetentionDays); err == nil {
		policy.FailedRetentionDays = n
	}
	if b, err := o.settings.Bool(ctx, settings.KeyAutoCleanup); err == nil {
		policy.AutoCleanup = b
	}
	return policy
}

// Sweep applies the retention policy to the staging area and records every
// relocation in the manifest. Over unchanged state it changes nothing, not
// even the bus.
func (o *Orchestrator) Sweep(ctx context.Context) (*staging.SweepResult, error) {
	now := o.now()
	policy := o.retentionPolicy(ctx)

	result, sweepErr := o.area.Sweep(policy, now)
	if result == nil {
		result = &staging.SweepResult{}
	}

	o.mu.Lock()
	o.lastSweep = now
	if o.unrecorded != nil {
		// Moves from an earlier sweep whose manifest update failed
		result.Archived = append(o.unrecorded.Archived, result.Archived...)
		result.Deleted = append(o.unrecorded.Deleted, result.Deleted...)
		o.unrecorded = nil
	}
	o.mu.Unlock()

	if !result.Changed() {
		return result, sweepErr
	}

	err := o.bus.WithTx(ctx, func(tx *bus.Tx) error {
		q, at := tx.DBTX(), tx.Now()
		for _, r := range result.Archived {
			e, err := o.manifest.Get(ctx, q, r.ScanID)
			if errors.IsNotFoundError(err) {
				continue
			}
			if err != nil {
				return err
			}
			if err := o.manifest.Relocate(ctx, q, r.ScanID, path.Join(r.To, e.Filename), at); err != nil {
				return err
			}
		}
		for _, r := range result.Deleted {
			if err := o.manifest.Relocate(ctx, q, r.ScanID, "", at); err != nil {
				return err
			}
		}
		if _, err := tx.Publish(bus.EventRetentionSweep, bus.Payload{
			"archived":              len(result.Archived),
			"deleted":               len(result.Deleted),
			"retention_days":        policy.RetentionDays,
			"failed_retention_days": policy.FailedRetentionDays,
			"auto_cleanup":          policy.AutoCleanup,
		}); err != nil {
			return err
		}
		return tx.SetState(bus.StateLastSweep, now.Format(time.RFC3339))
	})
	if err != nil {
		o.mu.Lock()
		o.unrecorded = result
		o.mu.Unlock()
		return result, errors.CombineErrors(err, sweepErr)
	}

	o.markDirty()
	o.logger.Infow("Retention sweep recorded", "archived", len(result.Archived), "deleted", len(result.Deleted))
	return result, sweepErr
}
