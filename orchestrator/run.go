package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/logger"
	"github.com/teranos/stagebus/staging"
)

// Run drives the poll loop and the worker pool until ctx is cancelled, then
// records STOPPED. Commands held when ctx ends are requeued.
func (o *Orchestrator) Run(ctx context.Context) error {
	cfg := o.Config()
	if !cfg.Staging.Enabled {
		return errors.WithHint(
			errors.Wrap(errors.ErrInvalidRequest, "staging is disabled"),
			"set staging.enabled = true in am.toml")
	}

	workers := cfg.Staging.EffectiveWorkers()
	o.checkMemoryPressure(workers)
	logger.AddOpenSymbol(o.logger).Infow("Orchestrator starting",
		"workers", workers,
		"root", o.area.Root(),
		"stages", o.pipeline.Names(),
		logger.FieldInterval, cfg.Staging.ScanInterval())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.pollLoop(gctx) })
	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error { return o.worker(gctx, i) })
	}

	if cfg.Staging.WatchIncoming {
		w, err := staging.NewIncomingWatcher(o.area)
		if err != nil {
			o.logger.Warnw("Incoming watcher unavailable, relying on polling", logger.FieldError, err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-w.Nudges():
						o.Nudge()
					}
				}
			})
		}
	}

	err := g.Wait()
	o.shutdown()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (o *Orchestrator) pollLoop(ctx context.Context) error {
	for {
		if _, err := o.tick(ctx, false); err != nil && ctx.Err() == nil {
			o.logger.Debugw("Tick error", logger.FieldError, err)
		}

		interval := o.scanInterval(ctx)
		delay := o.nextDelay(interval)
		if delay != interval {
			o.logger.Debugw("Next tick delayed", logger.FieldBackoff, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case <-o.nudge:
			if delay == interval {
				timer.Stop()
				break
			}
			// Backing off: new files do not shorten the wait
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}
