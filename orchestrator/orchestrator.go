// Package orchestrator drives the staging mailbox. A poll loop claims new
// files out of incoming/ and registers them; a bounded worker pool runs each
// claimed file through the pipeline and finalizes it into processed/ or
// failed/. Every transition is persisted (manifest row, bus events, counters)
// in the same transaction, so the loop can resume after a crash at any point.
package orchestrator

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/stagebus/am"
	"github.com/teranos/stagebus/bus"
	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/logger"
	"github.com/teranos/stagebus/pipeline"
	"github.com/teranos/stagebus/settings"
	"github.com/teranos/stagebus/staging"
)

// Status is the value written to the orchestrator_status state key
type Status string

const (
	StatusRunning  Status = "RUNNING"
	StatusDegraded Status = "DEGRADED"
	StatusStopped  Status = "STOPPED"
)

// ReconcileEvery is how many ticks pass between reconciliation passes
// (the first tick always reconciles)
const ReconcileEvery = 12

// MessageBus is the part of the bus the orchestrator depends on
type MessageBus interface {
	Ping(ctx context.Context) error
	WithTx(ctx context.Context, fn func(*bus.Tx) error) error
	ClaimNextCommand(ctx context.Context, claimer string, types ...bus.CommandType) (*bus.Command, error)
	RequeueCommand(ctx context.Context, id int64) error
	RequeueStale(ctx context.Context, olderThan time.Duration, exceptClaimer string) (int64, error)
	TouchCommand(ctx context.Context, id int64) error
}

var _ MessageBus = (*bus.Bus)(nil)

// Deps wires an Orchestrator. Bus, Manifest, Area and Config are required.
type Deps struct {
	Bus        MessageBus
	Manifest   *staging.Manifest
	Area       *staging.Area
	Pipeline   *pipeline.Pipeline // default: scan stage only
	Settings   settings.Reader    // default: read the config directly
	Config     *am.Config
	Logger     *zap.SugaredLogger
	InstanceID string           // default: hostname plus a random suffix
	Clock      func() time.Time // default: time.Now in UTC
}

type statusChange struct {
	from, to Status
	reason   string
	at       time.Time
}

// Orchestrator is one instance of the staging control loop. Several
// instances may share a store and a staging root.
type Orchestrator struct {
	bus      MessageBus
	manifest *staging.Manifest
	area     *staging.Area
	pipeline *pipeline.Pipeline
	settings settings.Reader
	instance string
	now      func() time.Time
	logger   *zap.SugaredLogger

	cfgMu sync.RWMutex
	cfg   *am.Config

	mu         sync.Mutex
	status     Status
	pending    []statusChange // transitions not yet published
	failures   int            // consecutive storage-failed ticks
	ticks      int
	reconciled bool
	lastSweep  time.Time
	unrecorded *staging.SweepResult // moves not yet written to the manifest
	dirty      bool                 // manifest changed since the last document export
	orphans    []int64              // claimed commands that could not be requeued yet

	nudge chan struct{} // new files: tick early
	work  chan struct{} // new commands: wake idle workers
}

// New validates deps and returns an Orchestrator in RUNNING state
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Bus == nil:
		return nil, errors.New("orchestrator needs a message bus")
	case deps.Manifest == nil:
		return nil, errors.New("orchestrator needs a manifest")
	case deps.Area == nil:
		return nil, errors.New("orchestrator needs a staging area")
	case deps.Config == nil:
		return nil, errors.New("orchestrator needs a config")
	}

	log := deps.Logger
	if log == nil {
		log = logger.Logger
	}
	p := deps.Pipeline
	if p == nil {
		p = pipeline.New(pipeline.NewScanStage(deps.Config.Pipeline.MaxFileBytes))
	}
	instance := deps.InstanceID
	if instance == "" {
		instance = newInstanceID()
	}
	clock := deps.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	o := &Orchestrator{
		bus:      deps.Bus,
		manifest: deps.Manifest,
		area:     deps.Area,
		pipeline: p,
		settings: deps.Settings,
		instance: instance,
		now:      clock,
		logger:   logger.AddOrchestratorSymbol(log.Named("orchestrator")).With(logger.FieldInstance, instance),
		cfg:      deps.Config,
		status:   StatusRunning,
		dirty:    true,
		nudge:    make(chan struct{}, 1),
		work:     make(chan struct{}, am.MaxWorkers),
	}
	o.pending = append(o.pending, statusChange{from: StatusStopped, to: StatusRunning, reason: "started", at: clock()})
	return o, nil
}

func newInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "stagebus"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Instance returns the id this orchestrator claims commands under
func (o *Orchestrator) Instance() string {
	return o.instance
}

// Status returns the in-memory status; the persisted one may lag while
// storage is unreachable
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Config returns the current configuration
func (o *Orchestrator) Config() *am.Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// UpdateConfig swaps in a reloaded configuration. Interval, retention and
// timeout changes apply from the next tick; the worker count needs a restart.
func (o *Orchestrator) UpdateConfig(cfg *am.Config) {
	o.cfgMu.Lock()
	prev := o.cfg
	o.cfg = cfg
	o.cfgMu.Unlock()

	if prev.Staging.EffectiveWorkers() != cfg.Staging.EffectiveWorkers() {
		o.logger.Warnw("staging.workers changed; restart to apply",
			"running", prev.Staging.EffectiveWorkers(), "configured", cfg.Staging.EffectiveWorkers())
	}
	o.logger.Infow("Configuration reloaded", "interval", cfg.Staging.ScanInterval())
}

// Nudge asks the poll loop to tick now instead of waiting out the interval
func (o *Orchestrator) Nudge() {
	select {
	case o.nudge <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) wakeWorkers(n int) {
	for i := 0; i < n; i++ {
		select {
		case o.work <- struct{}{}:
		default:
			return
		}
	}
}

func (o *Orchestrator) markDirty() {
	o.mu.Lock()
	o.dirty = true
	o.mu.Unlock()
}

// transition must be called with o.mu held
func (o *Orchestrator) transition(to Status, reason string) {
	if o.status == to {
		return
	}
	o.pending = append(o.pending, statusChange{from: o.status, to: to, reason: reason, at: o.now()})
	o.logger.Warnw("Orchestrator status changed", "from", o.status, "to", to, logger.FieldReason, reason)
	o.status = to
}

func (o *Orchestrator) markFailed(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.failures++
	threshold := o.Config().Staging.DegradedAfterFailures
	if threshold < 1 {
		threshold = 1
	}
	if o.failures >= threshold {
		o.transition(StatusDegraded, err.Error())
	}
}

func (o *Orchestrator) markHealthy() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.failures > 0 {
		o.logger.Infow("Storage reachable again", "failed_ticks", o.failures)
	}
	o.failures = 0
	if o.status == StatusDegraded {
		o.transition(StatusRunning, "storage recovered")
	}
}

// nextDelay is the wait before the next tick: the scan interval, doubled for
// every consecutive storage failure, capped at max_backoff_seconds
func (o *Orchestrator) nextDelay(interval time.Duration) time.Duration {
	o.mu.Lock()
	failures := o.failures
	o.mu.Unlock()

	if failures == 0 {
		return interval
	}
	ceiling := o.Config().Staging.MaxBackoff()
	if failures > 16 {
		return ceiling
	}
	delay := interval << uint(failures)
	if delay > ceiling || delay <= 0 {
		return ceiling
	}
	return delay
}

// heartbeat persists status, last tick and instance, and publishes any
// status transitions that happened while storage was unreachable
func (o *Orchestrator) heartbeat(ctx context.Context) error {
	o.mu.Lock()
	status := o.status
	pending := append([]statusChange(nil), o.pending...)
	o.mu.Unlock()

	err := o.bus.WithTx(ctx, func(tx *bus.Tx) error {
		if err := tx.SetState(bus.StateOrchestratorStatus, string(status)); err != nil {
			return err
		}
		if err := tx.SetState(bus.StateLastTick, tx.Now().Format(time.RFC3339Nano)); err != nil {
			return err
		}
		if err := tx.SetState(bus.StateOrchestratorInstance, o.instance); err != nil {
			return err
		}
		for _, c := range pending {
			if _, err := tx.Publish(bus.EventStatusChanged, bus.Payload{
				"from":     string(c.from),
				"to":       string(c.to),
				"reason":   c.reason,
				"instance": o.instance,
				"at":       c.at.Format(time.RFC3339Nano),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.pending = o.pending[len(pending):]
	o.mu.Unlock()
	return nil
}

// shutdown records STOPPED. It uses its own context because the run context
// is already cancelled by the time it is called.
func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	o.transition(StatusStopped, "shutdown")
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.heartbeat(ctx); err != nil {
		logger.AddCloseSymbol(o.logger).Warnw("Could not record STOPPED status", logger.FieldError, err)
		return
	}
	logger.AddCloseSymbol(o.logger).Infow("Orchestrator stopped")
}
