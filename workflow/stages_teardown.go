package workflow

import (
	"context"
	"fmt"

	"github.com/ticketpilot/ticketpilot/workflow/emit"
)

// Teardown stages: every run, whatever its fate, exits through cleanup.

// stageCleanup removes the run's worktree and decides the terminal
// status. Filesystem paths stay recorded in the context for audit even
// though they no longer resolve.
func (e *Executor) stageCleanup(ctx context.Context, st State) StageResult {
	if st.Context.WorktreePath != "" && e.deps.Git != nil {
		if err := e.deps.Git.RemoveWorktree(ctx, st.Context.WorktreePath); err != nil {
			e.event(ctx, st.RunID, emit.TypeDebug, StageCleanup, "worktree removal failed",
				map[string]any{"error": err.Error()})
		}
	}

	final := StatusDone
	switch {
	case st.EscalationReason != "":
		final = StatusEscalated
	case st.Error != "":
		final = StatusFailed
	case st.ResumeAction == ActionCancel || st.ResumeAction == ActionClose:
		final = StatusFailed
	}

	switch final {
	case StatusDone:
		e.notify(ctx, st, "run complete, pull request awaiting human review",
			map[string]any{"prUrl": st.Context.PRURL}, nil)
	case StatusFailed:
		msg := "run closed without a merged change"
		if st.Error != "" {
			msg = "run failed: " + st.Error
		}
		e.notify(ctx, st, msg, nil, nil)
	}

	return StageResult{Delta: Delta{Status: statusPtr(final)}}
}

// stageEscalate records why automation gave up and hands the ticket to
// a human. Cleanup still runs afterwards.
func (e *Executor) stageEscalate(ctx context.Context, st State) StageResult {
	reason := st.EscalationReason
	if reason == "" && st.Error != "" {
		reason = fmt.Sprintf("automated attempts exhausted after %d coding and %d review iterations: %s",
			st.CodeIterations, st.ReviewIterations, st.Error)
	}
	if reason == "" {
		reason = "escalated without a recorded reason"
	}

	e.notify(ctx, st, "escalated to a human: "+reason,
		map[string]any{"reason": reason}, nil)

	return StageResult{Delta: Delta{EscalationReason: &reason}}
}
