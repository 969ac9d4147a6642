package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/stagebus/am"
	"github.com/teranos/stagebus/bus"
	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/orchestrator"
	"github.com/teranos/stagebus/staging"
)

// cli points every command at a fresh database and staging root
func cli(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("STAGEBUS_DATABASE_PATH", filepath.Join(dir, "stagebus.db"))
	t.Setenv("STAGEBUS_STAGING_ROOT", filepath.Join(dir, "staging"))
	am.Reset()
	t.Cleanup(am.Reset)
	return dir
}

func run(t *testing.T, c *cobra.Command, args ...string) (string, error) {
	t.Helper()
	// Flag values live in package variables and survive between executions
	dbPath, busJSON, stagingJSON, eventFollow, initForce = "", false, false, false, false
	eventTypes, eventAfter, manifestExport, manifestFlight = nil, 0, false, false

	var out bytes.Buffer
	c.SetOut(&out)
	c.SetErr(io.Discard)
	c.SetArgs(args)
	err := c.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, c *cobra.Command, args ...string) string {
	t.Helper()
	out, err := run(t, c, args...)
	require.NoError(t, err)
	return out
}

func decodeAll[T any](t *testing.T, out string) []T {
	t.Helper()
	var items []T
	dec := json.NewDecoder(strings.NewReader(out))
	for dec.More() {
		var v T
		require.NoError(t, dec.Decode(&v))
		items = append(items, v)
	}
	return items
}

func TestBusCommandsLifecycle(t *testing.T) {
	cli(t)

	out := mustRun(t, BusCmd, "enqueue", "rag_index_file", `{"scan_id":"s1"}`)
	assert.Contains(t, out, "command 1")

	var cmds []*bus.Command
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, BusCmd, "commands", "--json")), &cmds))
	require.Len(t, cmds, 1)
	assert.Equal(t, bus.CommandPending, cmds[0].Status)
	assert.Equal(t, "s1", cmds[0].Payload.String("scan_id"))

	// Only in_progress commands can be completed
	_, err := run(t, BusCmd, "complete", "1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidStateTransition))

	mustRun(t, BusCmd, "publish", string(bus.EventRAGIndexCompleted), `{"scan_id":"s1"}`)
	mustRun(t, BusCmd, "publish", string(bus.EventRAGIndexFailed), `{"scan_id":"s2"}`)

	events := decodeAll[bus.Event](t, mustRun(t, BusCmd, "events", "--json", "--type", string(bus.EventRAGIndexCompleted)))
	require.Len(t, events, 1)
	assert.Equal(t, "s1", events[0].Payload.String("scan_id"))

	events = decodeAll[bus.Event](t, mustRun(t, BusCmd, "events", "--json", "--after", "1"))
	require.Len(t, events, 1)
	assert.Equal(t, bus.EventRAGIndexFailed, events[0].Type)
}

func TestBusRejectsBadInput(t *testing.T) {
	cli(t)

	_, err := run(t, BusCmd, "publish", "not_an_event")
	require.Error(t, err)

	_, err = run(t, BusCmd, "enqueue", "process_file", `[1,2]`)
	require.Error(t, err)
	assert.NotEmpty(t, errors.GetAllHints(err))

	_, err = run(t, BusCmd, "events", "--type", "nope")
	require.Error(t, err)

	_, err = run(t, BusCmd, "requeue", "abc")
	require.Error(t, err)
}

func TestSettingsCommands(t *testing.T) {
	cli(t)

	mustRun(t, SettingsCmd, "set", "scan_interval_seconds", "10")
	assert.Equal(t, "10\n", mustRun(t, SettingsCmd, "get", "scan_interval_seconds"))

	_, err := run(t, SettingsCmd, "set", "scan_interval_seconds", "0")
	require.Error(t, err, "below the minimum")

	mustRun(t, SettingsCmd, "flag", "rag_integration_enabled", "on")
	assert.Equal(t, "true\n", mustRun(t, SettingsCmd, "get", "rag_integration_enabled"))

	_, err = run(t, SettingsCmd, "flag", "rag_integration_enabled", "maybe")
	require.Error(t, err)

	_, err = run(t, SettingsCmd, "get", "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStagingSubmitTickManifest(t *testing.T) {
	dir := cli(t)

	src := filepath.Join(dir, "hello.go")
	require.NoError(t, os.WriteFile(src, []byte("package main\n\nfunc main() {}\n"), 0644))
	mustRun(t, StagingCmd, "submit", src)

	var report orchestrator.TickReport
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, StagingCmd, "tick", "--json")), &report))
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 1, report.Processed)

	var entries []*staging.Entry
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, StagingCmd, "manifest", "--json")), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "hello.go", entries[0].Filename)
	assert.Equal(t, staging.StatusSuccess, entries[0].Status)

	var st stagingStatus
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, StagingCmd, "status", "--json")), &st))
	assert.Equal(t, string(orchestrator.StatusRunning), st.Status)
	assert.EqualValues(t, 1, st.Processed)
	assert.EqualValues(t, 1, st.TotalScans)
	assert.Zero(t, st.InFlight)

	path := strings.TrimSpace(mustRun(t, StagingCmd, "manifest", "--export"))
	doc, err := staging.ReadDocument(path)
	require.NoError(t, err)
	assert.EqualValues(t, 1, doc.TotalFilesProcessed)
}

func TestAmInitRefusesToOverwrite(t *testing.T) {
	dir := cli(t)
	path := filepath.Join(dir, "am.toml")

	mustRun(t, AmCmd, "init", path)
	cfg, err := am.LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, am.DefaultConfig().Staging.ScanIntervalSeconds, cfg.Staging.ScanIntervalSeconds)

	_, err = run(t, AmCmd, "init", path)
	require.Error(t, err)

	mustRun(t, AmCmd, "init", path, "--force")
	assert.FileExists(t, path+".back1")
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, float64(3), parseValue("3"))
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, "hello", parseValue("hello"))

	p, err := parsePayload("")
	require.NoError(t, err)
	assert.Empty(t, p)

	on, err := parseSwitch("on")
	require.NoError(t, err)
	assert.True(t, on)

	_, err = parseID("0")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}
