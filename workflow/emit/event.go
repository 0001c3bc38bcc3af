// Package emit delivers run observability events to pluggable backends.
package emit

import "time"

// Event is one observability record from a run.
//
// Events fall into two families:
//   - Lifecycle: run_created, stage_started, stage_completed, suspended,
//     resumed, run_finished
//   - Activity: agent tool calls, sandbox command results, debug notes
//
// Seq is the store-assigned sequence number when the event was also
// journaled; zero for events that bypass the durable log.
type Event struct {
	RunID string
	Seq   int64
	Type  string
	Stage string
	Msg   string
	At    time.Time

	// Meta carries event-specific structured data. Common keys:
	//   - "status": run status after the event
	//   - "error": failure detail
	//   - "tool": agent tool name
	//   - "exitCode": sandbox command exit code
	Meta map[string]any
}

// Event types produced by the executor.
const (
	TypeRunCreated     = "run_created"
	TypeStageStarted   = "stage_started"
	TypeStageCompleted = "stage_completed"
	TypeSuspended      = "suspended"
	TypeResumed        = "resumed"
	TypeRunFinished    = "run_finished"
	TypeAgentActivity  = "agent_activity"
	TypeSandboxResult  = "sandbox_result"
	TypeDebug          = "debug"
)
