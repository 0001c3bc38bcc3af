package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/ticketpilot/ticketpilot/workflow/emit"
)

// Coding stages: implement the approved plan, validate the working copy
// inside a sandbox, and gate the change on an automated review.

const (
	sandboxSourceDir  = "/workspace"
	sandboxScratchDir = "/tmp/workspace"
)

func (e *Executor) stageCoder(ctx context.Context, st State) StageResult {
	extra := map[string]string{"plan": st.Plan}
	if st.Error != "" {
		// Validation output or review comments from the previous loop.
		extra["feedback"] = st.Error
	}

	_, err := e.deps.Agent.RunAgent(ctx, "coder", st.Context.WorktreePath, st.Context, extra,
		e.activity(ctx, st.RunID, StageCoder))
	if err != nil {
		return StageResult{Err: err}
	}
	return StageResult{Delta: Delta{CodeIterations: 1, Error: ptr("")}}
}

func (e *Executor) stageValidate(ctx context.Context, st State) StageResult {
	cmds := st.Context.ValidationCommands
	if len(cmds) == 0 {
		return StageResult{Delta: Delta{Error: ptr("")}}
	}

	if e.deps.Validation != nil {
		if err := e.deps.Validation.Acquire(ctx); err != nil {
			return StageResult{Err: stageErr(KindSandbox, StageValidate, "waiting for validation slot", err)}
		}
		e.metrics.slotAcquired()
		defer func() {
			e.deps.Validation.Release()
			e.metrics.slotReleased()
		}()
	}

	var failure string
	binds := []string{st.Context.WorktreePath + ":" + sandboxSourceDir + ":ro"}
	err := e.deps.Sandbox.RunWithContainer(ctx, ValidatorProfile, binds, func(exec SandboxExec) error {
		// The worktree is mounted read-only; commands run against a
		// scratch copy so validation can never mutate the working copy.
		bootstrap := strings.Join([]string{
			"set -eu",
			"rm -rf " + sandboxScratchDir,
			"mkdir -p " + sandboxScratchDir,
			"cp -a " + sandboxSourceDir + "/. " + sandboxScratchDir,
		}, " && ")
		out, err := exec.Exec(ctx, []string{"sh", "-lc", bootstrap})
		if err != nil {
			return err
		}
		if out.ExitCode != 0 {
			failure = fmt.Sprintf("failed to stage validation workspace (exit %d):\n%s",
				out.ExitCode, tail(out.Stdout+out.Stderr, 4000))
			return nil
		}

		for _, cmd := range cmds {
			out, err := exec.Exec(ctx, []string{"sh", "-lc", "cd " + sandboxScratchDir + " && " + cmd})
			if err != nil {
				return err
			}
			e.event(ctx, st.RunID, emit.TypeSandboxResult, StageValidate, cmd,
				map[string]any{"exitCode": out.ExitCode})
			if out.ExitCode != 0 {
				failure = fmt.Sprintf("validation command %q exited %d:\n%s",
					cmd, out.ExitCode, tail(out.Stdout+out.Stderr, 4000))
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return StageResult{Err: stageErr(KindSandbox, StageValidate, "sandbox execution failed", err)}
	}
	return StageResult{Delta: Delta{Error: &failure}}
}

// stageReviewer runs a read-only review of the accumulated diff. Like
// the clarifier, an unparseable reviewer verdict fails open so a
// misbehaving model cannot wedge the run; the human PR review remains
// the real gate.
func (e *Executor) stageReviewer(ctx context.Context, st State) StageResult {
	diff, err := e.deps.Git.DiffAgainstMergeBase(ctx, st.Context.WorktreePath, st.Context.TargetBranch)
	if err != nil {
		return StageResult{Err: stageErr(KindWorkingCopy, StageReviewer, "failed to compute diff", err)}
	}

	extra := map[string]string{"plan": st.Plan, "diff": diff}
	out, err := e.deps.Agent.RunAgent(ctx, "reviewer", st.Context.WorktreePath, st.Context, extra,
		e.activity(ctx, st.RunID, StageReviewer))
	if err != nil {
		return StageResult{Err: err}
	}

	var verdict struct {
		Approved bool     `json:"approved"`
		Comments []string `json:"comments"`
	}
	if err := parseJSONOutput(out, &verdict); err != nil {
		e.event(ctx, st.RunID, emit.TypeDebug, StageReviewer, "review verdict unparseable, passing through",
			map[string]any{"error": err.Error()})
		return StageResult{Delta: Delta{Error: ptr(""), ReviewIterations: 1}}
	}
	if verdict.Approved {
		return StageResult{Delta: Delta{Error: ptr(""), ReviewIterations: 1}}
	}
	rejection := "code review rejected:\n- " + strings.Join(verdict.Comments, "\n- ")
	return StageResult{Delta: Delta{Error: &rejection, ReviewIterations: 1}}
}

// tail returns at most n trailing bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
