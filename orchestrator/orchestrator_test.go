package orchestrator

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/stagebus/am"
	"github.com/teranos/stagebus/bus"
	"github.com/teranos/stagebus/errors"
	stagetest "github.com/teranos/stagebus/internal/testing"
	"github.com/teranos/stagebus/pipeline"
	"github.com/teranos/stagebus/staging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	db       *sql.DB
	bus      *bus.Bus
	area     *staging.Area
	manifest *staging.Manifest
	cfg      *am.Config
	clock    *fakeClock
	log      *zap.SugaredLogger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvAt(t, filepath.Join(t.TempDir(), "stagebus.db"), filepath.Join(t.TempDir(), "staging"))
}

// newEnvAt opens its own connection; two envs on the same paths behave like
// two processes sharing a store and a staging root
func newEnvAt(t *testing.T, dbPath, root string) *env {
	t.Helper()
	log := stagetest.Logger(t)
	conn := stagetest.OpenTestDB(t, dbPath)
	clock := &fakeClock{now: time.Now().UTC()}

	b := bus.New(conn, log)
	b.SetClock(clock.Now)

	area := staging.NewArea(root, log)
	require.NoError(t, area.Init())

	cfg := am.DefaultConfig()
	cfg.Database.Path = dbPath
	cfg.Staging.Root = root
	cfg.Staging.WatchIncoming = false

	return &env{
		db:       conn,
		bus:      b,
		area:     area,
		manifest: staging.NewManifest(conn),
		cfg:      cfg,
		clock:    clock,
		log:      log,
	}
}

func (e *env) orchestrator(t *testing.T, stages ...pipeline.Stage) *Orchestrator {
	t.Helper()
	return e.orchestratorWith(t, Deps{Pipeline: pipeline.New(stages...)})
}

func (e *env) orchestratorWith(t *testing.T, deps Deps) *Orchestrator {
	t.Helper()
	if deps.Bus == nil {
		deps.Bus = e.bus
	}
	deps.Manifest = e.manifest
	deps.Area = e.area
	deps.Config = e.cfg
	deps.Logger = e.log
	deps.Clock = e.clock.Now
	o, err := New(deps)
	require.NoError(t, err)
	return o
}

func (e *env) state(t *testing.T, key string) *bus.StateEntry {
	t.Helper()
	st, err := e.bus.GetState(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, st, "state %s not set", key)
	return st
}

func (e *env) entry(t *testing.T, filename string) *staging.Entry {
	t.Helper()
	entries, err := e.manifest.List(context.Background(), staging.ListQuery{Filename: filename})
	require.NoError(t, err)
	require.Len(t, entries, 1, "manifest rows for %s", filename)
	return entries[0]
}

func (e *env) events(t *testing.T, types ...bus.EventType) []*bus.Event {
	t.Helper()
	events, err := e.bus.GetEvents(context.Background(), bus.EventQuery{Types: types, Limit: 1000})
	require.NoError(t, err)
	return events
}

func (e *env) incoming(t *testing.T) []staging.IncomingFile {
	t.Helper()
	files, err := e.area.ListIncoming()
	require.NoError(t, err)
	return files
}

// stub stages

type okStage struct {
	name string
	runs atomic.Int32
}

func (s *okStage) Name() string { return s.name }

func (s *okStage) Run(ctx context.Context, in *pipeline.Input) (*pipeline.Result, error) {
	s.runs.Add(1)
	return &pipeline.Result{Summary: "ok", Artifact: map[string]string{"file": in.Filename}}, nil
}

type failOn struct {
	name string
	bad  string
}

func (s failOn) Name() string { return s.name }

func (s failOn) Run(ctx context.Context, in *pipeline.Input) (*pipeline.Result, error) {
	if in.Filename == s.bad {
		return nil, &pipeline.StageError{
			Stage: s.name,
			Err:   errors.WithHint(errors.Newf("%s is not analyzable", in.Filename), "fix the syntax error"),
		}
	}
	return &pipeline.Result{Summary: "analyzed"}, nil
}

type hangStage struct{}

func (hangStage) Name() string { return pipeline.StageAIAugmentation }

func (hangStage) Run(ctx context.Context, in *pipeline.Input) (*pipeline.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// deafStage never looks at ctx
type deafStage struct{ sleep time.Duration }

func (deafStage) Name() string { return pipeline.StageAIAugmentation }

func (s deafStage) Run(context.Context, *pipeline.Input) (*pipeline.Result, error) {
	time.Sleep(s.sleep)
	return &pipeline.Result{}, nil
}

// flakyBus fails every storage call while down
type flakyBus struct {
	*bus.Bus
	down atomic.Bool
}

func (f *flakyBus) unreachable() error {
	return errors.Storage(errors.New("database is locked by an unplugged disk"), "bus store")
}

func (f *flakyBus) Ping(ctx context.Context) error {
	if f.down.Load() {
		return f.unreachable()
	}
	return f.Bus.Ping(ctx)
}

func (f *flakyBus) WithTx(ctx context.Context, fn func(*bus.Tx) error) error {
	if f.down.Load() {
		return f.unreachable()
	}
	return f.Bus.WithTx(ctx, fn)
}

func TestNewRequiresCollaborators(t *testing.T) {
	e := newEnv(t)
	_, err := New(Deps{Manifest: e.manifest, Area: e.area, Config: e.cfg})
	assert.Error(t, err)
	_, err = New(Deps{Bus: e.bus, Area: e.area, Config: e.cfg})
	assert.Error(t, err)
	_, err = New(Deps{Bus: e.bus, Manifest: e.manifest, Config: e.cfg})
	assert.Error(t, err)
	_, err = New(Deps{Bus: e.bus, Manifest: e.manifest, Area: e.area})
	assert.Error(t, err)

	o, err := New(Deps{Bus: e.bus, Manifest: e.manifest, Area: e.area, Config: e.cfg, Logger: e.log})
	require.NoError(t, err)
	assert.NotEmpty(t, o.Instance())
	assert.Equal(t, StatusRunning, o.Status())
	assert.Equal(t, []string{pipeline.StageScan}, o.pipeline.Names())
}

func TestTickSuccessAndFailureInOneTick(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.area.Submit("a.py", []byte("print('a')\n")))
	require.NoError(t, e.area.Submit("b.py", []byte("print('b'\n")))

	o := e.orchestrator(t,
		pipeline.NewScanStage(0),
		failOn{name: pipeline.StageStaticAnalysis, bad: "b.py"})

	report, err := o.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Detected)
	assert.Equal(t, 2, report.Claimed)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Failed)

	assert.Equal(t, int64(2), e.state(t, bus.StateTotalScans).Int())
	assert.Equal(t, int64(1), e.state(t, bus.StateFailedScans).Int())
	assert.Equal(t, string(StatusRunning), e.state(t, bus.StateOrchestratorStatus).String())

	a := e.entry(t, "a.py")
	assert.Equal(t, staging.StatusSuccess, a.Status)
	assert.Equal(t, staging.StateDoneSuccess, a.State)
	assert.Equal(t, 1, a.Version)
	assert.FileExists(t, e.area.Abs(a.Location))
	assert.FileExists(t, filepath.Join(filepath.Dir(e.area.Abs(a.Location)), pipeline.StageScan+".json"))

	b := e.entry(t, "b.py")
	assert.Equal(t, staging.StatusFailed, b.Status)
	assert.Equal(t, staging.ReasonStageFailure, b.Reason)
	assert.Equal(t, pipeline.StageStaticAnalysis, b.Stage)
	assert.Equal(t, staging.FailureLocation(b.ScanID, "b.py", staging.ReasonStageFailure), b.Location)
	assert.FileExists(t, e.area.Abs(b.Location))

	elog, err := staging.ReadErrorLog(filepath.Dir(e.area.Abs(b.Location)))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageStaticAnalysis, elog.Stage)
	assert.Contains(t, elog.Error, "not analyzable")
	assert.Contains(t, elog.Hints, "fix the syntax error")

	assert.Empty(t, e.incoming(t))

	doc, err := staging.ReadDocument(e.area.Path("metadata.json"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.TotalFilesProcessed)
	assert.Equal(t, int64(1), doc.TotalFilesFailed)
	assert.Len(t, doc.Scans, 2)

	done, err := e.bus.ListCommands(ctx, bus.CommandQuery{Status: bus.CommandDone})
	require.NoError(t, err)
	assert.Len(t, done, 1)
	failed, err := e.bus.ListCommands(ctx, bus.CommandQuery{Status: bus.CommandFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	assert.Len(t, e.events(t, bus.EventFileDetected), 2)
	assert.Len(t, e.events(t, bus.EventStageStarted), 4)
	assert.Len(t, e.events(t, bus.EventStageCompleted), 3, "b.py never completes static analysis")
	assert.Len(t, e.events(t, bus.EventFileProcessed), 1)
	assert.Len(t, e.events(t, bus.EventFileFailed), 1)
	stageFailed := e.events(t, bus.EventStageFailed)
	require.Len(t, stageFailed, 1)
	assert.Equal(t, pipeline.StageStaticAnalysis, stageFailed[0].Payload.String("stage"))
}

func TestEveryFileEndsInExactlyOneFolder(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.cfg.Staging.Workers = 3
	names := []string{"a.py", "b.go", "c.js", "d.rs", "e.py", "f.ts"}
	for _, n := range names {
		require.NoError(t, e.area.Submit(n, []byte("// "+n+"\n")))
	}

	o := e.orchestrator(t, pipeline.NewScanStage(0), failOn{name: pipeline.StageExtraction, bad: "d.rs"})
	report, err := o.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Processed)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, e.incoming(t))

	for _, n := range names {
		entry := e.entry(t, n)
		assert.True(t, entry.State.IsDone(), n)
		locations, err := e.area.Locate(entry.ScanID)
		require.NoError(t, err)
		assert.Len(t, locations, 1, "%s in %v", n, locations)
	}
	assert.Equal(t, int64(6), e.state(t, bus.StateTotalScans).Int())
}

func TestEmptyTickStillHeartbeats(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	o := e.orchestrator(t, pipeline.NewScanStage(0))

	report, err := o.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Detected)

	first := e.state(t, bus.StateLastTick)
	assert.Equal(t, o.Instance(), e.state(t, bus.StateOrchestratorInstance).String())
	assert.Equal(t, string(StatusRunning), e.state(t, bus.StateOrchestratorStatus).String())

	e.clock.Advance(5 * time.Second)
	_, err = o.Tick(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.String(), e.state(t, bus.StateLastTick).String())

	changes := e.events(t, bus.EventStatusChanged)
	require.Len(t, changes, 1, "the start transition is published once")
	assert.Equal(t, string(StatusStopped), changes[0].Payload.String("from"))
	assert.Equal(t, string(StatusRunning), changes[0].Payload.String("to"))
}

func TestStorageOutageDegradesAndRecovers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	flaky := &flakyBus{Bus: e.bus}
	o := e.orchestratorWith(t, Deps{Bus: flaky, Pipeline: pipeline.New(pipeline.NewScanStage(0))})

	require.NoError(t, e.area.Submit("a.py", []byte("a = 1\n")))
	_, err := o.Tick(ctx)
	require.NoError(t, err)

	flaky.down.Store(true)
	require.NoError(t, e.area.Submit("b.py", []byte("b = 2\n")))

	statuses := make([]Status, 0, 3)
	for i := 0; i < 3; i++ {
		_, err := o.Tick(ctx)
		require.Error(t, err)
		assert.True(t, errors.IsStorageError(err))
		statuses = append(statuses, o.Status())
	}
	assert.Equal(t, []Status{StatusRunning, StatusDegraded, StatusDegraded}, statuses)
	assert.Equal(t, 40*time.Second, o.nextDelay(5*time.Second))
	assert.Len(t, e.incoming(t), 1, "nothing is claimed while storage is down")

	flaky.down.Store(false)
	report, err := o.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, StatusRunning, o.Status())
	assert.Equal(t, 5*time.Second, o.nextDelay(5*time.Second))

	assert.Equal(t, string(StatusRunning), e.state(t, bus.StateOrchestratorStatus).String())
	assert.Equal(t, int64(2), e.state(t, bus.StateTotalScans).Int())
	assert.Equal(t, staging.StatusSuccess, e.entry(t, "a.py").Status)
	assert.Equal(t, staging.StatusSuccess, e.entry(t, "b.py").Status)

	var transitions [][2]string
	for _, ev := range e.events(t, bus.EventStatusChanged) {
		transitions = append(transitions, [2]string{ev.Payload.String("from"), ev.Payload.String("to")})
	}
	assert.Equal(t, [][2]string{
		{"STOPPED", "RUNNING"},
		{"RUNNING", "DEGRADED"},
		{"DEGRADED", "RUNNING"},
	}, transitions)
}

func TestTwoInstancesShareOneStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	root := filepath.Join(t.TempDir(), "staging")
	first := newEnvAt(t, dbPath, root)
	second := newEnvAt(t, dbPath, root)

	oA := first.orchestrator(t, pipeline.NewScanStage(0))
	oB := second.orchestrator(t, pipeline.NewScanStage(0))
	require.NotEqual(t, oA.Instance(), oB.Instance())

	require.NoError(t, first.area.Submit("a.py", []byte("shared = True\n")))

	var (
		wg      sync.WaitGroup
		reports [2]*TickReport
		errs    [2]error
	)
	for i, o := range []*Orchestrator{oA, oB} {
		i, o := i, o
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = o.Tick(context.Background())
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, reports[0].Claimed+reports[1].Claimed, "exactly one instance claims the file")
	assert.Equal(t, 1, reports[0].Processed+reports[1].Processed)
	assert.Equal(t, reports[0].Detected+reports[1].Detected-1, reports[0].LostClaims+reports[1].LostClaims,
		"an instance that saw the file but did not claim it lost the race")

	assert.Equal(t, int64(1), first.state(t, bus.StateTotalScans).Int())
	entry := first.entry(t, "a.py")
	assert.Equal(t, staging.StatusSuccess, entry.Status)
	locations, err := first.area.Locate(entry.ScanID)
	require.NoError(t, err)
	assert.Len(t, locations, 1)
}

func TestUnchangedResubmissionSkipsStages(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	counter := &okStage{name: pipeline.StageStaticAnalysis}
	o := e.orchestrator(t, counter)

	require.NoError(t, e.area.Submit("a.py", []byte("v = 1\n")))
	_, err := o.Tick(ctx)
	require.NoError(t, err)

	e.clock.Advance(time.Second)
	require.NoError(t, e.area.Submit("a.py", []byte("v = 1\n")))
	report, err := o.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, int32(1), counter.runs.Load())

	e.clock.Advance(time.Second)
	require.NoError(t, e.area.Submit("a.py", []byte("v = 2\n")))
	report, err = o.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, int32(2), counter.runs.Load())

	entries, err := e.manifest.List(ctx, staging.ListQuery{FileID: staging.FileID("a.py")})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Equal(t, i+1, entry.Version)
		assert.Equal(t, staging.StatusSuccess, entry.Status)
		assert.FileExists(t, e.area.Abs(entry.Location))
	}
	assert.Equal(t, entries[0].ScanID, entries[1].DuplicateOf)
	assert.Empty(t, entries[2].DuplicateOf)
	assert.Equal(t, int64(3), e.state(t, bus.StateTotalScans).Int())
}

func TestDuplicateOfInFlightIsQuarantined(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	o := e.orchestrator(t, pipeline.NewScanStage(0))

	// A live claim of a.py that has not concluded yet
	require.NoError(t, e.area.Submit("a.py", []byte("x = 1\n")))
	live, err := e.area.Claim("a.py", "live-scan")
	require.NoError(t, err)
	require.NoError(t, e.bus.WithTx(ctx, func(tx *bus.Tx) error {
		_, err := e.manifest.Register(ctx, tx.DBTX(), live, tx.Now())
		return err
	}))

	require.NoError(t, e.area.Submit("a.py", []byte("x = 1\n")))
	report, err := o.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 1, report.Failed)

	entries, err := e.manifest.List(ctx, staging.ListQuery{Status: staging.StatusFailed})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	dup := entries[0]
	assert.Equal(t, staging.ReasonDuplicateClaim, dup.Reason)
	assert.Equal(t, "live-scan", dup.DuplicateOf)
	assert.Equal(t, 2, dup.Version)
	assert.FileExists(t, e.area.Abs(dup.Location))

	elog, err := staging.ReadErrorLog(filepath.Dir(e.area.Abs(dup.Location)))
	require.NoError(t, err)
	assert.Equal(t, staging.ReasonDuplicateClaim, elog.Reason)

	assert.Len(t, e.events(t, bus.EventDuplicateClaim), 1)
	assert.Equal(t, int64(1), e.state(t, bus.StateFailedScans).Int())
	assert.FileExists(t, live.Path, "the live claim is untouched")
}

func TestStageTimeoutFailsTheFile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.cfg.Staging.StageTimeoutSeconds = 1
	o := e.orchestrator(t, pipeline.NewScanStage(0), hangStage{})

	require.NoError(t, e.area.Submit("slow.py", []byte("pass\n")))
	report, err := o.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	entry := e.entry(t, "slow.py")
	assert.Equal(t, staging.ReasonStageTimeout, entry.Reason)
	assert.Equal(t, pipeline.StageAIAugmentation, entry.Stage)

	elog, err := staging.ReadErrorLog(filepath.Dir(e.area.Abs(entry.Location)))
	require.NoError(t, err)
	assert.True(t, elog.Timeout)
}

func TestStageIgnoringDeadlineDoesNotHoldTheTick(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.cfg.Staging.StageTimeoutSeconds = 1
	o := e.orchestrator(t, pipeline.NewScanStage(0), deafStage{sleep: 4 * time.Second})

	require.NoError(t, e.area.Submit("deaf.py", []byte("pass\n")))
	start := time.Now()
	report, err := o.Tick(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, 1, report.Failed)

	entry := e.entry(t, "deaf.py")
	assert.Equal(t, staging.ReasonStageTimeout, entry.Reason)
	assert.Equal(t, pipeline.StageAIAugmentation, entry.Stage)
}

func TestRAGIndexingRequestedWhenFlagOn(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.cfg.Features.RAGIntegrationEnabled = true
	o := e.orchestrator(t, pipeline.NewScanStage(0), failOn{name: pipeline.StageStaticAnalysis, bad: "bad.py"})

	require.NoError(t, e.area.Submit("good.py", []byte("ok = True\n")))
	require.NoError(t, e.area.Submit("bad.py", []byte("ok = False\n")))
	_, err := o.Tick(ctx)
	require.NoError(t, err)

	cmds, err := e.bus.ListCommands(ctx, bus.CommandQuery{Type: bus.CommandRAGIndexFile})
	require.NoError(t, err)
	require.Len(t, cmds, 1, "only successes are indexed")
	assert.Equal(t, bus.CommandPending, cmds[0].Status)
	assert.Equal(t, "good.py", cmds[0].Payload.String("filename"))

	requested := e.events(t, bus.EventRAGIndexRequested)
	require.Len(t, requested, 1)
	assert.Equal(t, cmds[0].ID, requested[0].Payload.Int64("command_id"))
}

func TestNextDelayBacksOff(t *testing.T) {
	e := newEnv(t)
	e.cfg.Staging.MaxBackoffSeconds = 60
	o := e.orchestrator(t)

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 60 * time.Second},
		{40, 60 * time.Second},
	}
	for _, tt := range tests {
		o.mu.Lock()
		o.failures = tt.failures
		o.mu.Unlock()
		assert.Equal(t, tt.want, o.nextDelay(5*time.Second), "failures=%d", tt.failures)
	}
}

func TestUpdateConfigAppliesNextTick(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(t)
	assert.Equal(t, 5*time.Second, o.scanInterval(context.Background()))

	next := am.DefaultConfig()
	next.Staging.ScanIntervalSeconds = 2
	o.UpdateConfig(next)
	assert.Equal(t, 2*time.Second, o.scanInterval(context.Background()))
	assert.Same(t, next, o.Config())
}

func TestSafeWorkerCount(t *testing.T) {
	tests := []struct {
		availableGB float64
		inference   bool
		want        int
	}{
		{1, false, 1},
		{2.2, false, 1},
		{3, false, 2},
		{64, false, am.MaxWorkers},
		{6, true, 1},
		{12, true, 2},
		{200, true, am.MaxWorkers},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, safeWorkerCount(tt.availableGB, tt.inference), "%.1fGB inference=%v", tt.availableGB, tt.inference)
	}
}

func TestDocumentPath(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(t)
	assert.Equal(t, e.area.Path("metadata.json"), o.documentPath())

	abs := filepath.Join(t.TempDir(), "out.json")
	e.cfg.Staging.ManifestDocument = abs
	assert.Equal(t, abs, o.documentPath())
}

func TestMain(m *testing.M) {
	memoryStats = func() (uint64, uint64, error) { return 16 * gib, 8 * gib, nil }
	os.Exit(m.Run())
}
