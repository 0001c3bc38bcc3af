package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ticketpilot/ticketpilot/workflow/emit"
)

// Intake stages: fetch the ticket, resolve and prepare the working
// copy, and surface ambiguities to the requester before any planning
// happens.

func (e *Executor) stageHydrate(ctx context.Context, st State) StageResult {
	issue, err := e.deps.Issues.FetchIssue(ctx, st.Payload.TicketURL)
	if err != nil {
		return StageResult{Err: stageErr(KindHydration, StageHydrate, "failed to fetch issue", err)}
	}

	rc := st.Context
	rc.Issue = &issue

	match, ok := e.deps.Knowledge.ResolveRepo(issue)
	if !ok {
		// Unresolvable mapping fails closed: a human picks the repo.
		reason := fmt.Sprintf("no repository mapping for issue %s", issue.Key)
		return StageResult{Delta: Delta{Context: &rc, EscalationReason: &reason}}
	}
	rc.RepoURL = match.RepoURL
	rc.TargetBranch = match.TargetBranch
	rc.ProjectKey = match.ProjectKey
	rc.RepoSlug = match.RepoSlug
	rc.RepoDescription = match.RepoDescription
	rc.BranchName = "ticketpilot/" + issue.Key

	mirror, err := e.deps.Git.EnsureMirror(ctx, match.RepoURL)
	if err != nil {
		return StageResult{Err: stageErr(KindWorkingCopy, StageHydrate, "failed to prepare mirror", err)}
	}
	rc.MirrorPath = mirror

	worktree, err := e.deps.Git.AddWorktree(ctx, mirror, rc.BranchName, match.TargetBranch)
	if err != nil {
		return StageResult{Err: stageErr(KindWorkingCopy, StageHydrate, "failed to add worktree", err)}
	}
	rc.WorktreePath = worktree

	cfg := e.deps.Knowledge.RepoConfig(worktree)
	rc.ValidationCommands = cfg.ValidationCommands
	rc.Conventions = cfg.Conventions

	// Marking the issue in progress is a courtesy, not a gate.
	if err := e.deps.Issues.TransitionIssue(ctx, issue.Key, "In Progress"); err != nil {
		e.event(ctx, st.RunID, emit.TypeDebug, StageHydrate, "issue transition failed",
			map[string]any{"error": err.Error()})
	}

	return StageResult{Delta: Delta{Context: &rc}}
}

// stageClarify asks a read-only agent whether the ticket is actionable
// as written. Ambiguity detection is advisory: a failing or
// unparseable clarifier never blocks the run.
func (e *Executor) stageClarify(ctx context.Context, st State) StageResult {
	none := []string{}
	if st.Plan != "" && st.ResumeAction == ActionApprove {
		// A re-run seeded with a vetted plan; clarification is settled.
		return StageResult{Delta: Delta{Questions: &none}}
	}
	out, err := e.deps.Agent.RunAgent(ctx, "clarify", st.Context.WorktreePath, st.Context, nil,
		e.activity(ctx, st.RunID, StageClarify))
	if err != nil {
		e.event(ctx, st.RunID, emit.TypeDebug, StageClarify, "clarify agent failed, proceeding",
			map[string]any{"error": err.Error()})
		return StageResult{Delta: Delta{Questions: &none}}
	}

	var verdict struct {
		Clear     bool     `json:"clear"`
		Questions []string `json:"questions"`
	}
	if err := parseJSONOutput(out, &verdict); err != nil {
		e.event(ctx, st.RunID, emit.TypeDebug, StageClarify, "clarify output unparseable, proceeding",
			map[string]any{"error": err.Error()})
		return StageResult{Delta: Delta{Questions: &none}}
	}
	if verdict.Clear || len(verdict.Questions) == 0 {
		return StageResult{Delta: Delta{Questions: &none}}
	}
	return StageResult{Delta: Delta{Questions: &verdict.Questions}}
}

func (e *Executor) stageAwaitClarification(ctx context.Context, st State, res *Resume) StageResult {
	if res == nil {
		e.notify(ctx, st, "ticket needs clarification before work can start",
			map[string]any{"questions": st.Questions},
			[]NotifyAction{
				{Label: "Answer", Endpoint: "resume", Body: map[string]any{"action": string(ActionAnswer)}},
				{Label: "Cancel", Endpoint: "resume", Body: map[string]any{"action": string(ActionCancel)}},
			})
		return suspend(StageAwaitClarification,
			[]ResumeAction{ActionAnswer, ActionCancel},
			map[string]any{"questions": st.Questions})
	}
	if res.Action == ActionCancel {
		return StageResult{Delta: Delta{ResumeAction: actionPtr(ActionCancel), ResumeComment: &res.Comment}}
	}
	// Questions are only meaningful while clarifying; the answers carry
	// the settled content forward.
	answered := []string{}
	return StageResult{Delta: Delta{Answers: &res.Answers, Questions: &answered, ResumeAction: actionPtr(ActionAnswer)}}
}

// parseJSONOutput extracts the first JSON object from agent text output.
// Models often wrap the object in prose or a code fence.
func parseJSONOutput(out string, v any) error {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in output")
	}
	return json.Unmarshal([]byte(out[start:end+1]), v)
}
