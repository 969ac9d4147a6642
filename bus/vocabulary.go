// Package bus is the durable message bus: an append-only EventLog, a
// CommandQueue with exclusive claims, and a last-writer-wins StateStore,
// all sharing one SQLite store and one transaction boundary.
package bus

// EventType tags an event. The vocabulary is fixed; Publish rejects anything else.
type EventType string

const (
	EventFileDetected      EventType = "staging_file_detected"
	EventFileClaimed       EventType = "staging_file_claimed"
	EventStageStarted      EventType = "staging_stage_started"
	EventStageCompleted    EventType = "staging_stage_completed"
	EventStageFailed       EventType = "staging_stage_failed"
	EventFileProcessed     EventType = "staging_file_processed"
	EventFileFailed        EventType = "staging_file_failed"
	EventDuplicateClaim    EventType = "staging_duplicate_claim"
	EventReconciled        EventType = "staging_reconciled"
	EventRetentionSweep    EventType = "staging_retention_sweep"
	EventStatusChanged     EventType = "orchestrator_status_changed"
	EventRAGIndexRequested EventType = "rag_indexing_requested"
	EventRAGIndexCompleted EventType = "rag_indexing_completed"
	EventRAGIndexFailed    EventType = "rag_indexing_failed"
)

var knownEventTypes = map[EventType]bool{
	EventFileDetected:      true,
	EventFileClaimed:       true,
	EventStageStarted:      true,
	EventStageCompleted:    true,
	EventStageFailed:       true,
	EventFileProcessed:     true,
	EventFileFailed:        true,
	EventDuplicateClaim:    true,
	EventReconciled:        true,
	EventRetentionSweep:    true,
	EventStatusChanged:     true,
	EventRAGIndexRequested: true,
	EventRAGIndexCompleted: true,
	EventRAGIndexFailed:    true,
}

// IsKnownEventType reports whether t belongs to the vocabulary
func IsKnownEventType(t EventType) bool {
	return knownEventTypes[t]
}

// EventTypes returns the vocabulary, for CLI completion and help text
func EventTypes() []EventType {
	out := make([]EventType, 0, len(knownEventTypes))
	for t := range knownEventTypes {
		out = append(out, t)
	}
	return out
}

// CommandType names a requested action. Unlike events, command types are open:
// external consumers may define their own.
type CommandType string

const (
	CommandProcessFile  CommandType = "process_file"
	CommandRAGIndexFile CommandType = "rag_index_file"
)

// CommandStatus is the command life cycle: pending -> in_progress -> done | failed
type CommandStatus string

const (
	CommandPending    CommandStatus = "pending"
	CommandInProgress CommandStatus = "in_progress"
	CommandDone       CommandStatus = "done"
	CommandFailed     CommandStatus = "failed"
)

// IsValidCommandStatus returns true if s is one of the four statuses
func IsValidCommandStatus(s string) bool {
	switch CommandStatus(s) {
	case CommandPending, CommandInProgress, CommandDone, CommandFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed without a requeue
func (s CommandStatus) IsTerminal() bool {
	return s == CommandDone || s == CommandFailed
}

// Well-known state keys
const (
	StateTotalScans           = "total_scans"
	StateFailedScans          = "failed_scans"
	StateOrchestratorStatus   = "orchestrator_status"
	StateLastTick             = "last_tick"
	StateOrchestratorInstance = "orchestrator_instance"
	StateLastSweep            = "last_retention_sweep"
)
