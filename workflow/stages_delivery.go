package workflow

import (
	"context"
	"fmt"
	"time"
)

// Delivery stages: land the change as a pull request and wait for CI to
// rule on it.

func (e *Executor) stageFinalize(ctx context.Context, st State) StageResult {
	rc := st.Context

	if err := e.deps.Git.FinalizeAndPush(ctx, rc.WorktreePath, rc.BranchName, true, rc.TargetBranch); err != nil {
		return StageResult{Err: stageErr(KindWorkingCopy, StageFinalize, "failed to finalize and push", err)}
	}
	hash, err := e.deps.Git.HeadCommit(ctx, rc.WorktreePath)
	if err != nil {
		return StageResult{Err: stageErr(KindWorkingCopy, StageFinalize, "failed to resolve head commit", err)}
	}
	rc.CommitHash = hash

	title := rc.BranchName
	if rc.Issue != nil {
		title = fmt.Sprintf("%s: %s", rc.Issue.Key, rc.Issue.Summary)
	}
	prURL, err := e.deps.Forge.CreateMergeRequest(ctx, MergeRequest{
		ProjectKey:   rc.ProjectKey,
		RepoSlug:     rc.RepoSlug,
		SourceBranch: rc.BranchName,
		TargetBranch: rc.TargetBranch,
		Title:        title,
		Description:  st.Plan,
	})
	if err != nil {
		return StageResult{Err: stageErr(KindIntegration, StageFinalize, "failed to create pull request", err)}
	}
	rc.PRURL = prURL

	e.notify(ctx, st, "pull request opened", map[string]any{"prUrl": prURL}, nil)
	return StageResult{Delta: Delta{Context: &rc}}
}

// stageAwaitCI polls the commit's build results. A fresh entry or a
// retry decision polls; close and cancel pass straight through to
// routing. A successful poll clears the resume action so the run does
// not re-enter the polling loop.
func (e *Executor) stageAwaitCI(ctx context.Context, st State, res *Resume) StageResult {
	if res != nil && res.Action != ActionRetry {
		return StageResult{Delta: Delta{ResumeAction: actionPtr(res.Action), ResumeComment: &res.Comment}}
	}

	for attempt := 1; attempt <= e.opts.CIPollMaxAttempts; attempt++ {
		builds, err := e.deps.Forge.CommitBuildStatus(ctx, st.Context.CommitHash)
		if err != nil {
			return StageResult{Err: stageErr(KindIntegration, StageAwaitCI, "failed to read build status", err)}
		}

		status, buildURL := summarizeBuilds(builds)
		switch status {
		case BuildSuccessful:
			none := ResumeAction("")
			return StageResult{Delta: Delta{
				CIStatus:     ptr(BuildSuccessful),
				CIBuildURL:   &buildURL,
				ResumeAction: &none,
			}}
		case BuildFailed:
			e.notify(ctx, st, "CI failed on the pull request",
				map[string]any{"buildUrl": buildURL},
				[]NotifyAction{
					{Label: "Retry", Endpoint: "resume", Body: map[string]any{"action": string(ActionRetry)}},
					{Label: "Close", Endpoint: "resume", Body: map[string]any{"action": string(ActionClose)}},
				})
			return StageResult{
				Delta: Delta{CIStatus: ptr(BuildFailed), CIBuildURL: &buildURL},
				Suspend: &Suspension{
					Stage:   StageAwaitCI,
					Accepts: []ResumeAction{ActionRetry, ActionClose, ActionCancel},
					Prompt:  map[string]any{"ciStatus": BuildFailed, "buildUrl": buildURL},
				},
			}
		}

		if attempt == e.opts.CIPollMaxAttempts {
			break
		}
		select {
		case <-time.After(e.opts.CIPollInterval):
		case <-ctx.Done():
			return StageResult{Err: ctx.Err()}
		}
	}

	// Polling budget exhausted with builds still pending.
	return StageResult{
		Delta: Delta{CIStatus: ptr(BuildInProgress)},
		Suspend: &Suspension{
			Stage:   StageAwaitCI,
			Accepts: []ResumeAction{ActionRetry, ActionClose, ActionCancel},
			Prompt:  map[string]any{"ciStatus": BuildInProgress, "note": "polling timed out"},
		},
	}
}

// summarizeBuilds collapses per-build results into one verdict: any
// failure fails the commit, and all builds must report success before
// the commit passes.
func summarizeBuilds(builds []BuildStatus) (string, string) {
	if len(builds) == 0 {
		return BuildInProgress, ""
	}
	url := builds[0].URL
	for _, b := range builds {
		if b.State == BuildFailed {
			return BuildFailed, b.URL
		}
	}
	for _, b := range builds {
		if b.State != BuildSuccessful {
			return BuildInProgress, b.URL
		}
	}
	return BuildSuccessful, url
}
