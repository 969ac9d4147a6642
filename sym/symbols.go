// Package sym defines the glyphs stagebus attaches to log lines and CLI
// output so each subsystem is recognisable at a glance.
package sym

// Subsystem glyphs.
const (
	Bus          = "⇄" // message bus: events, commands, state
	Staging      = "⧉" // staging mailbox and manifest
	Orchestrator = "꩜" // poll loop and worker pool
	Open         = "✿" // startup, recovery of orphaned work
	Close        = "❀" // shutdown, draining workers
	DB           = "⊔" // database/storage layer
	AM           = "≡" // configuration and settings
	Stage        = "▸" // a single pipeline stage
)

type entry struct {
	glyph       string
	label       string
	description string
}

var registry = []entry{
	{Bus, "bus", "Durable events, commands and state"},
	{Staging, "staging", "File mailbox and manifest"},
	{Orchestrator, "orchestrator", "Poll loop and worker pool"},
	{Open, "open", "Startup and orphan recovery"},
	{Close, "close", "Graceful shutdown"},
	{DB, "db", "SQLite storage layer"},
	{AM, "am", "Configuration and settings"},
	{Stage, "stage", "Pipeline stage execution"},
}

// Label returns the short name for a glyph, or "" when unknown.
func Label(glyph string) string {
	for _, e := range registry {
		if e.glyph == glyph {
			return e.label
		}
	}
	return ""
}

// All returns glyph → description for every registered symbol.
func All() map[string]string {
	out := make(map[string]string, len(registry))
	for _, e := range registry {
		out[e.glyph] = e.description
	}
	return out
}
