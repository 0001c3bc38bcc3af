package workflow

import (
	"context"
	"strings"

	"github.com/ticketpilot/ticketpilot/workflow/emit"
)

// Planning stages: produce an implementation plan and hold the run
// until the requester rules on it.

func (e *Executor) stageArchitect(ctx context.Context, st State) StageResult {
	if st.Plan != "" && st.ResumeAction == ActionApprove {
		// Seeded re-run fast path: the plan was already vetted, so skip
		// drafting and go straight to the approval gate with it.
		rc := st.Context
		rc.PlanMarkdown = st.Plan
		e.savePlanArtifact(ctx, st.RunID, st.Plan)
		consumed := ResumeAction("")
		return StageResult{Delta: Delta{Context: &rc, ResumeAction: &consumed}}
	}

	extra := map[string]string{}
	if len(st.Answers) > 0 {
		extra["answers"] = strings.Join(st.Answers, "\n")
	}
	if st.Plan != "" {
		// Either a revision round or a re-run seeded with an earlier plan.
		extra["previous_plan"] = st.Plan
	}
	if st.ResumeAction == ActionRevise && st.ResumeComment != "" {
		extra["revision"] = st.ResumeComment
	}

	out, err := e.deps.Agent.RunAgent(ctx, "architect", st.Context.WorktreePath, st.Context, extra,
		e.activity(ctx, st.RunID, StageArchitect))
	if err != nil {
		return StageResult{Err: err}
	}

	plan := strings.TrimSpace(out)
	rc := st.Context
	rc.PlanMarkdown = plan

	e.savePlanArtifact(ctx, st.RunID, plan)

	return StageResult{Delta: Delta{Plan: &plan, Context: &rc}}
}

func (e *Executor) savePlanArtifact(ctx context.Context, runID, plan string) {
	if e.deps.Artifacts == nil {
		return
	}
	if _, err := e.deps.Artifacts.Save(runID, "plan.md", []byte(plan)); err != nil {
		e.event(ctx, runID, emit.TypeDebug, StageArchitect, "plan artifact save failed",
			map[string]any{"error": err.Error()})
	}
}

func (e *Executor) stageAwaitApproval(ctx context.Context, st State, res *Resume) StageResult {
	if res == nil {
		e.notify(ctx, st, "implementation plan ready for approval",
			map[string]any{"plan": st.Plan},
			[]NotifyAction{
				{Label: "Approve", Endpoint: "resume", Body: map[string]any{"action": string(ActionApprove)}},
				{Label: "Request changes", Endpoint: "resume", Body: map[string]any{"action": string(ActionRevise)}},
				{Label: "Cancel", Endpoint: "resume", Body: map[string]any{"action": string(ActionCancel)}},
			})
		return suspend(StageAwaitApproval,
			[]ResumeAction{ActionApprove, ActionRevise, ActionCancel},
			map[string]any{"plan": st.Plan})
	}
	return StageResult{Delta: Delta{ResumeAction: actionPtr(res.Action), ResumeComment: &res.Comment}}
}
