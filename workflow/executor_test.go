package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ticketpilot/ticketpilot/workflow/store"
)

// Shared fakes. Stage handlers only see the narrow collaborator
// interfaces, so each fake scripts just enough behavior to steer the
// routing.

type fakeIssues struct {
	mu          sync.Mutex
	issue       Issue
	fetchErr    error
	transitions []string
	gate        chan struct{} // when set, FetchIssue blocks until closed
}

func (f *fakeIssues) FetchIssue(ctx context.Context, ticketURL string) (Issue, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return Issue{}, ctx.Err()
		}
	}
	if f.fetchErr != nil {
		return Issue{}, f.fetchErr
	}
	return f.issue, nil
}

func (f *fakeIssues) TransitionIssue(ctx context.Context, key, transition string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, key+":"+transition)
	return nil
}

type fakeKnowledge struct {
	match    RepoMatch
	resolved bool
	config   RepoConfig
}

func (f *fakeKnowledge) ResolveRepo(issue Issue) (RepoMatch, bool) {
	return f.match, f.resolved
}

func (f *fakeKnowledge) RepoConfig(worktreePath string) RepoConfig {
	return f.config
}

type fakeGit struct {
	mu      sync.Mutex
	removed []string
	pushed  int
}

func (f *fakeGit) EnsureMirror(ctx context.Context, repoURL string) (string, error) {
	return "/mirrors/repo.git", nil
}

func (f *fakeGit) AddWorktree(ctx context.Context, mirrorPath, branch, targetBranch string) (string, error) {
	return "/worktrees/" + branch, nil
}

func (f *fakeGit) RemoveWorktree(ctx context.Context, worktreePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, worktreePath)
	return nil
}

func (f *fakeGit) FinalizeAndPush(ctx context.Context, worktreePath, branch string, squash bool, targetBranch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed++
	return nil
}

func (f *fakeGit) HeadCommit(ctx context.Context, worktreePath string) (string, error) {
	return "abc1234", nil
}

func (f *fakeGit) DiffAgainstMergeBase(ctx context.Context, worktreePath, targetBranch string) (string, error) {
	return "diff --git a/main.go b/main.go", nil
}

// scriptAgent replays canned outputs per role, in call order.
type scriptAgent struct {
	mu      sync.Mutex
	outputs map[string][]string
	errs    map[string]error
	calls   []string
}

func (a *scriptAgent) RunAgent(ctx context.Context, role, workDir string, rc Context, extra map[string]string, onEvent func(string, map[string]any)) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, role)
	if err, ok := a.errs[role]; ok && err != nil {
		return "", err
	}
	queue := a.outputs[role]
	if len(queue) == 0 {
		return "", fmt.Errorf("no scripted output for role %s", role)
	}
	out := queue[0]
	if len(queue) > 1 {
		a.outputs[role] = queue[1:]
	}
	return out, nil
}

func (a *scriptAgent) callCount(role string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c == role {
			n++
		}
	}
	return n
}

// fakeSandbox returns scripted exit codes, one per validation command.
// The workspace bootstrap call always succeeds.
type fakeSandbox struct {
	mu    sync.Mutex
	exits []int
	calls int
}

func (f *fakeSandbox) RunWithContainer(ctx context.Context, profile SandboxProfile, binds []string, fn func(SandboxExec) error) error {
	return fn(f)
}

func (f *fakeSandbox) Exec(ctx context.Context, cmd []string) (SandboxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(cmd) > 0 && strings.Contains(cmd[len(cmd)-1], "cp -a") {
		return SandboxResult{ExitCode: 0, Stdout: "staged"}, nil
	}
	code := 0
	if f.calls < len(f.exits) {
		code = f.exits[f.calls]
	}
	f.calls++
	if code != 0 {
		return SandboxResult{ExitCode: code, Stdout: "test_foo failed"}, nil
	}
	return SandboxResult{ExitCode: 0, Stdout: "ok"}, nil
}

type fakeForge struct {
	mu     sync.Mutex
	builds [][]BuildStatus
	polls  int
	prs    int
}

func (f *fakeForge) CreateMergeRequest(ctx context.Context, mr MergeRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prs++
	return "https://forge.example.com/pr/1", nil
}

func (f *fakeForge) CommitBuildStatus(ctx context.Context, commitHash string) ([]BuildStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b []BuildStatus
	if f.polls < len(f.builds) {
		b = f.builds[f.polls]
	} else if len(f.builds) > 0 {
		b = f.builds[len(f.builds)-1]
	}
	f.polls++
	return b, nil
}

type recordNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recordNotifier) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func passingBuilds() [][]BuildStatus {
	return [][]BuildStatus{{{State: BuildSuccessful, Name: "ci", URL: "https://ci.example.com/1"}}}
}

// happyDeps wires fakes for a run that sails through every stage.
func happyDeps() (Deps, *scriptAgent, *fakeGit, *recordNotifier) {
	agent := &scriptAgent{outputs: map[string][]string{
		"clarify":   {`{"clear": true}`},
		"architect": {"## Plan\n1. change main.go"},
		"coder":     {"done"},
		"reviewer":  {`{"approved": true}`},
	}}
	git := &fakeGit{}
	notes := &recordNotifier{}
	deps := Deps{
		Issues:     &fakeIssues{issue: Issue{Key: "PAY-7", Summary: "Fix rounding", Components: []string{"billing"}}},
		Knowledge:  &fakeKnowledge{resolved: true, match: RepoMatch{RepoURL: "ssh://git@example.com/pay/billing.git", TargetBranch: "main", ProjectKey: "PAY", RepoSlug: "billing"}, config: RepoConfig{ValidationCommands: []string{"make test"}}},
		Git:        git,
		Agent:      agent,
		Sandbox:    &fakeSandbox{},
		Forge:      &fakeForge{builds: passingBuilds()},
		Notifier:   notes,
		Validation: NewLimiter(2),
	}
	return deps, agent, git, notes
}

func fastOpts() Options {
	return Options{CIPollInterval: time.Millisecond}
}

// newRun seeds a registry row and an initial checkpoint the way the
// launcher does, but synchronously.
func newRun(t *testing.T, st store.Store[Snapshot], exec *Executor, runID, ticket string) {
	t.Helper()
	ctx := context.Background()
	state := NewState(runID, Payload{TicketURL: ticket, ChatID: "chat-1"})
	if err := st.CreateRun(ctx, store.RunRecord{
		ID:        runID,
		TicketURL: ticket,
		Status:    string(StatusReceived),
	}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := exec.checkpoint(ctx, runID, StageHydrate, state, nil, 0); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
}

func TestAdvance_HappyPath(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[Snapshot]()
	deps, agent, git, notes := happyDeps()
	exec := NewExecutor(st, nil, deps, fastOpts(), nil)
	newRun(t, st, exec, "run-1", "https://jira.example.com/browse/PAY-7")

	// First advance runs intake and planning, then pauses for approval.
	state, err := exec.Advance(ctx, "run-1", Trigger{Start: true})
	if err != nil {
		t.Fatalf("first advance: %v", err)
	}
	if state.Status != StatusAwaitingApproval {
		t.Fatalf("expected AWAITING_APPROVAL, got %s", state.Status)
	}
	if state.Plan == "" {
		t.Error("expected a plan before approval")
	}

	cp, err := st.LoadCheckpoint(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp.State.Suspension == nil {
		t.Fatal("expected a persisted suspension")
	}
	if !cp.State.Suspension.AcceptsAction(ActionApprove) {
		t.Errorf("approval suspension should accept approve, accepts %v", cp.State.Suspension.Accepts)
	}

	// Approval drives the run through coding, review, CI, and cleanup.
	state, err = exec.Advance(ctx, "run-1", Trigger{Resume: &Resume{Action: ActionApprove}})
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if state.Status != StatusDone {
		t.Fatalf("expected DONE, got %s (error=%q escalation=%q)", state.Status, state.Error, state.EscalationReason)
	}
	if state.CodeIterations != 1 || state.ReviewIterations != 1 {
		t.Errorf("expected 1 code and 1 review iteration, got %d/%d", state.CodeIterations, state.ReviewIterations)
	}
	if state.Context.PRURL == "" {
		t.Error("expected a pull request URL on the context")
	}
	if state.CIStatus != BuildSuccessful {
		t.Errorf("expected CI SUCCESSFUL, got %q", state.CIStatus)
	}
	if agent.callCount("coder") != 1 {
		t.Errorf("expected 1 coder call, got %d", agent.callCount("coder"))
	}
	if len(git.removed) != 1 {
		t.Errorf("expected worktree removal during cleanup, got %v", git.removed)
	}

	// Terminal runs drop their checkpoint; the registry keeps the result.
	if _, err := st.LoadCheckpoint(ctx, "run-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected checkpoint gone after finish, got %v", err)
	}
	rec, err := st.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Status != string(StatusDone) {
		t.Errorf("registry status = %s, want DONE", rec.Status)
	}

	found := false
	for _, n := range notes.notes {
		if strings.Contains(n.Message, "pull request") {
			found = true
		}
	}
	if !found {
		t.Error("expected a pull request notification")
	}
}

func TestAdvance_ClarificationRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[Snapshot]()
	deps, agent, _, _ := happyDeps()
	agent.outputs["clarify"] = []string{`{"clear": false, "questions": ["Which rounding mode?"]}`}
	exec := NewExecutor(st, nil, deps, fastOpts(), nil)
	newRun(t, st, exec, "run-1", "https://jira.example.com/browse/PAY-7")

	state, err := exec.Advance(ctx, "run-1", Trigger{Start: true})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if state.Status != StatusClarifying {
		t.Fatalf("expected CLARIFYING, got %s", state.Status)
	}
	if len(state.Questions) != 1 {
		t.Fatalf("expected 1 question, got %v", state.Questions)
	}

	state, err = exec.Advance(ctx, "run-1", Trigger{Resume: &Resume{
		Action:  ActionAnswer,
		Answers: []string{"banker's rounding"},
	}})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if state.Status != StatusAwaitingApproval {
		t.Fatalf("expected AWAITING_APPROVAL after answers, got %s", state.Status)
	}
	if len(state.Answers) != 1 {
		t.Errorf("expected answers recorded, got %v", state.Answers)
	}
	if len(state.Questions) != 0 {
		t.Errorf("questions should be cleared once answered, got %v", state.Questions)
	}
}

func TestAdvance_ValidationRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[Snapshot]()
	deps, agent, _, _ := happyDeps()
	agent.outputs["coder"] = []string{"attempt 1", "attempt 2", "attempt 3"}
	deps.Sandbox = &fakeSandbox{exits: []int{1, 1, 0}}
	opts := fastOpts()
	opts.MaxValidationLoops = 3
	exec := NewExecutor(st, nil, deps, opts, nil)
	newRun(t, st, exec, "run-1", "https://jira.example.com/browse/PAY-7")

	if _, err := exec.Advance(ctx, "run-1", Trigger{Start: true}); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	state, err := exec.Advance(ctx, "run-1", Trigger{Resume: &Resume{Action: ActionApprove}})
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if state.Status != StatusDone {
		t.Fatalf("expected DONE, got %s (escalation=%q)", state.Status, state.EscalationReason)
	}
	if state.CodeIterations != 3 {
		t.Errorf("expected 3 code iterations, got %d", state.CodeIterations)
	}
	if agent.callCount("coder") != 3 {
		t.Errorf("expected 3 coder calls, got %d", agent.callCount("coder"))
	}
}

func TestAdvance_ValidationEscalatesAtBound(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[Snapshot]()
	deps, agent, _, notes := happyDeps()
	agent.outputs["coder"] = []string{"attempt"}
	deps.Sandbox = &fakeSandbox{exits: []int{1, 1, 1, 1}}
	exec := NewExecutor(st, nil, deps, fastOpts(), nil)
	newRun(t, st, exec, "run-1", "https://jira.example.com/browse/PAY-7")

	if _, err := exec.Advance(ctx, "run-1", Trigger{Start: true}); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	state, err := exec.Advance(ctx, "run-1", Trigger{Resume: &Resume{Action: ActionApprove}})
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if state.Status != StatusEscalated {
		t.Fatalf("expected ESCALATED, got %s", state.Status)
	}
	// Default bound is 2 completed coder passes.
	if state.CodeIterations != DefaultMaxValidationLoops {
		t.Errorf("expected %d code iterations, got %d", DefaultMaxValidationLoops, state.CodeIterations)
	}
	if !strings.Contains(state.EscalationReason, "exhausted") {
		t.Errorf("escalation reason %q should mention exhausted attempts", state.EscalationReason)
	}

	found := false
	for _, n := range notes.notes {
		if strings.Contains(n.Message, "escalated") {
			found = true
		}
	}
	if !found {
		t.Error("expected an escalation notification")
	}
}

func TestAdvance_ReviewRejectionLoops(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[Snapshot]()
	deps, agent, _, _ := happyDeps()
	agent.outputs["coder"] = []string{"attempt 1", "attempt 2"}
	agent.outputs["reviewer"] = []string{
		`{"approved": false, "comments": ["missing error handling"]}`,
		`{"approved": true}`,
	}
	exec := NewExecutor(st, nil, deps, fastOpts(), nil)
	newRun(t, st, exec, "run-1", "https://jira.example.com/browse/PAY-7")

	if _, err := exec.Advance(ctx, "run-1", Trigger{Start: true}); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	state, err := exec.Advance(ctx, "run-1", Trigger{Resume: &Resume{Action: ActionApprove}})
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if state.Status != StatusDone {
		t.Fatalf("expected DONE, got %s (escalation=%q)", state.Status, state.EscalationReason)
	}
	if state.ReviewIterations != 2 {
		t.Errorf("expected 2 review iterations, got %d", state.ReviewIterations)
	}
	if agent.callCount("coder") != 2 {
		t.Errorf("expected 2 coder calls, got %d", agent.callCount("coder"))
	}
}

func TestAdvance_StepBudgetEscalates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[Snapshot]()
	deps, agent, _, _ := happyDeps()
	agent.errs = map[string]error{
		"coder": fmt.Errorf("coder agent exceeded 80 steps: %w", ErrStepBudgetExceeded),
	}
	exec := NewExecutor(st, nil, deps, fastOpts(), nil)
	newRun(t, st, exec, "run-1", "https://jira.example.com/browse/PAY-7")

	if _, err := exec.Advance(ctx, "run-1", Trigger{Start: true}); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	state, err := exec.Advance(ctx, "run-1", Trigger{Resume: &Resume{Action: ActionApprove}})
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if state.Status != StatusEscalated {
		t.Fatalf("expected ESCALATED, got %s", state.Status)
	}
	if !strings.Contains(state.EscalationReason, "exceeded 80 steps") {
		t.Errorf("escalation reason %q should carry the budget failure", state.EscalationReason)
	}
}

func TestAdvance_StageFailureCleansUp(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[Snapshot]()
	deps, _, git, _ := happyDeps()
	deps.Issues = &fakeIssues{fetchErr: fmt.Errorf("jira returned 503")}
	exec := NewExecutor(st, nil, deps, fastOpts(), nil)
	newRun(t, st, exec, "run-1", "https://jira.example.com/browse/PAY-7")

	state, err := exec.Advance(ctx, "run-1", Trigger{Start: true})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if state.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", state.Status)
	}
	if !strings.Contains(state.Error, "failed to fetch issue") {
		t.Errorf("error %q should name the failed step", state.Error)
	}
	// Hydration failed before any worktree existed.
	if len(git.removed) != 0 {
		t.Errorf("no worktree should be removed, got %v", git.removed)
	}
}

func TestAdvance_UnmappedRepoEscalates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[Snapshot]()
	deps, _, _, _ := happyDeps()
	deps.Knowledge = &fakeKnowledge{resolved: false}
	exec := NewExecutor(st, nil, deps, fastOpts(), nil)
	newRun(t, st, exec, "run-1", "https://jira.example.com/browse/PAY-7")

	state, err := exec.Advance(ctx, "run-1", Trigger{Start: true})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if state.Status != StatusEscalated {
		t.Fatalf("expected ESCALATED, got %s", state.Status)
	}
	if !strings.Contains(state.EscalationReason, "no repository mapping") {
		t.Errorf("escalation reason %q should name the missing mapping", state.EscalationReason)
	}
}

func TestAdvance_CancelAtApproval(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[Snapshot]()
	deps, _, git, _ := happyDeps()
	exec := NewExecutor(st, nil, deps, fastOpts(), nil)
	newRun(t, st, exec, "run-1", "https://jira.example.com/browse/PAY-7")

	if _, err := exec.Advance(ctx, "run-1", Trigger{Start: true}); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	state, err := exec.Advance(ctx, "run-1", Trigger{Resume: &Resume{Action: ActionCancel, Comment: "wrong repo"}})
	if err != nil {
		t.Fatalf("cancel advance: %v", err)
	}
	if state.Status != StatusFailed {
		t.Fatalf("cancelled run should finish FAILED, got %s", state.Status)
	}
	if len(git.removed) != 1 {
		t.Errorf("cancel must still run cleanup, removed %v", git.removed)
	}
}

func TestAdvance_CIFailureSuspendsAndRetries(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[Snapshot]()
	deps, _, _, notes := happyDeps()
	forge := &fakeForge{builds: [][]BuildStatus{
		{{State: BuildFailed, Name: "ci", URL: "https://ci.example.com/1"}},
		{{State: BuildSuccessful, Name: "ci", URL: "https://ci.example.com/2"}},
	}}
	deps.Forge = forge
	exec := NewExecutor(st, nil, deps, fastOpts(), nil)
	newRun(t, st, exec, "run-1", "https://jira.example.com/browse/PAY-7")

	if _, err := exec.Advance(ctx, "run-1", Trigger{Start: true}); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	state, err := exec.Advance(ctx, "run-1", Trigger{Resume: &Resume{Action: ActionApprove}})
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if state.Status != StatusWaitingForCI {
		t.Fatalf("expected suspension in WAITING_FOR_CI, got %s", state.Status)
	}
	if state.CIStatus != BuildFailed {
		t.Errorf("expected CI FAILED persisted before suspension, got %q", state.CIStatus)
	}

	cp, err := st.LoadCheckpoint(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp.State.Suspension == nil || !cp.State.Suspension.AcceptsAction(ActionRetry) {
		t.Fatal("CI failure suspension should accept retry")
	}

	found := false
	for _, n := range notes.notes {
		if strings.Contains(n.Message, "CI failed") {
			found = true
		}
	}
	if !found {
		t.Error("expected a CI failure notification")
	}

	state, err = exec.Advance(ctx, "run-1", Trigger{Resume: &Resume{Action: ActionRetry}})
	if err != nil {
		t.Fatalf("retry advance: %v", err)
	}
	if state.Status != StatusDone {
		t.Fatalf("expected DONE after retry, got %s", state.Status)
	}
	if state.CIStatus != BuildSuccessful {
		t.Errorf("expected CI SUCCESSFUL after retry, got %q", state.CIStatus)
	}
}

func TestAdvance_CIPollBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[Snapshot]()
	deps, _, _, _ := happyDeps()
	forge := &fakeForge{builds: [][]BuildStatus{
		{{State: BuildInProgress, Name: "ci", URL: "https://ci.example.com/1"}},
	}}
	deps.Forge = forge
	opts := fastOpts()
	opts.CIPollMaxAttempts = 5
	exec := NewExecutor(st, nil, deps, opts, nil)
	newRun(t, st, exec, "run-1", "https://jira.example.com/browse/PAY-7")

	if _, err := exec.Advance(ctx, "run-1", Trigger{Start: true}); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	state, err := exec.Advance(ctx, "run-1", Trigger{Resume: &Resume{Action: ActionApprove}})
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if state.Status != StatusWaitingForCI {
		t.Fatalf("expected suspension in WAITING_FOR_CI, got %s", state.Status)
	}
	if state.CIStatus != BuildInProgress {
		t.Errorf("expected CI INPROGRESS persisted, got %q", state.CIStatus)
	}
	if forge.polls != 5 {
		t.Errorf("polls = %d, want exactly the attempt budget", forge.polls)
	}

	cp, err := st.LoadCheckpoint(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp.State.Suspension == nil {
		t.Fatal("expected a persisted suspension")
	}
	for _, a := range []ResumeAction{ActionRetry, ActionClose, ActionCancel} {
		if !cp.State.Suspension.AcceptsAction(a) {
			t.Errorf("timeout suspension should accept %s", a)
		}
	}

	// Builds go green; a retry resumes polling and finishes the run.
	forge.builds = passingBuilds()
	forge.polls = 0
	state, err = exec.Advance(ctx, "run-1", Trigger{Resume: &Resume{Action: ActionRetry}})
	if err != nil {
		t.Fatalf("retry advance: %v", err)
	}
	if state.Status != StatusDone {
		t.Fatalf("expected DONE after retry, got %s", state.Status)
	}
}

func TestAdvance_CICloseFails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[Snapshot]()
	deps, _, _, _ := happyDeps()
	deps.Forge = &fakeForge{builds: [][]BuildStatus{
		{{State: BuildFailed, Name: "ci", URL: "https://ci.example.com/1"}},
	}}
	exec := NewExecutor(st, nil, deps, fastOpts(), nil)
	newRun(t, st, exec, "run-1", "https://jira.example.com/browse/PAY-7")

	if _, err := exec.Advance(ctx, "run-1", Trigger{Start: true}); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	if _, err := exec.Advance(ctx, "run-1", Trigger{Resume: &Resume{Action: ActionApprove}}); err != nil {
		t.Fatalf("second advance: %v", err)
	}
	state, err := exec.Advance(ctx, "run-1", Trigger{Resume: &Resume{Action: ActionClose, Comment: "not worth fixing"}})
	if err != nil {
		t.Fatalf("close advance: %v", err)
	}
	if state.Status != StatusFailed {
		t.Fatalf("closed run should finish FAILED, got %s", state.Status)
	}
}

func TestAdvance_ResumeValidation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[Snapshot]()
	deps, _, _, _ := happyDeps()
	exec := NewExecutor(st, nil, deps, fastOpts(), nil)
	newRun(t, st, exec, "run-1", "https://jira.example.com/browse/PAY-7")

	t.Run("resume before suspension", func(t *testing.T) {
		_, err := exec.Advance(ctx, "run-1", Trigger{Resume: &Resume{Action: ActionApprove}})
		if !errors.Is(err, ErrNotSuspended) {
			t.Fatalf("expected ErrNotSuspended, got %v", err)
		}
	})

	if _, err := exec.Advance(ctx, "run-1", Trigger{Start: true}); err != nil {
		t.Fatalf("advance: %v", err)
	}

	t.Run("plain advance while suspended", func(t *testing.T) {
		_, err := exec.Advance(ctx, "run-1", Trigger{Start: true})
		if !errors.Is(err, ErrSuspended) {
			t.Fatalf("expected ErrSuspended, got %v", err)
		}
	})

	t.Run("mismatched action", func(t *testing.T) {
		_, err := exec.Advance(ctx, "run-1", Trigger{Resume: &Resume{Action: ActionRetry}})
		var re *ResumeError
		if !errors.As(err, &re) {
			t.Fatalf("expected ResumeError, got %v", err)
		}
		if re.Stage != StageAwaitApproval {
			t.Errorf("ResumeError stage = %s, want await_approval", re.Stage)
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		_, err := exec.Advance(ctx, "missing", Trigger{Start: true})
		if !errors.Is(err, ErrRunNotFound) {
			t.Fatalf("expected ErrRunNotFound, got %v", err)
		}
	})

	t.Run("terminal run", func(t *testing.T) {
		state, err := exec.Advance(ctx, "run-1", Trigger{Resume: &Resume{Action: ActionApprove}})
		if err != nil {
			t.Fatalf("approve: %v", err)
		}
		if state.Status != StatusDone {
			t.Fatalf("expected DONE, got %s", state.Status)
		}
		if _, err := exec.Advance(ctx, "run-1", Trigger{Start: true}); !errors.Is(err, ErrTerminal) {
			t.Fatalf("expected ErrTerminal, got %v", err)
		}
	})
}

func TestAdvance_RecoversFromCheckpointWithFreshExecutor(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[Snapshot]()
	deps, _, _, _ := happyDeps()

	first := NewExecutor(st, nil, deps, fastOpts(), nil)
	newRun(t, st, first, "run-1", "https://jira.example.com/browse/PAY-7")
	if _, err := first.Advance(ctx, "run-1", Trigger{Start: true}); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// A new executor over the same store stands in for a restarted
	// process; the persisted suspension is all it needs.
	second := NewExecutor(st, nil, deps, fastOpts(), nil)
	state, err := second.Advance(ctx, "run-1", Trigger{Resume: &Resume{Action: ActionApprove}})
	if err != nil {
		t.Fatalf("resume on fresh executor: %v", err)
	}
	if state.Status != StatusDone {
		t.Fatalf("expected DONE, got %s", state.Status)
	}
}

func TestAdvance_SingleWriterPerRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[Snapshot]()
	deps, _, _, _ := happyDeps()
	gate := make(chan struct{})
	deps.Issues = &fakeIssues{issue: Issue{Key: "PAY-7"}, gate: gate}
	exec := NewExecutor(st, nil, deps, fastOpts(), nil)
	newRun(t, st, exec, "run-1", "https://jira.example.com/browse/PAY-7")

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		exec.Advance(ctx, "run-1", Trigger{Start: true})
		close(done)
	}()
	<-started
	for !exec.Active("run-1") {
		time.Sleep(time.Millisecond)
	}

	if _, err := exec.Advance(ctx, "run-1", Trigger{Start: true}); !errors.Is(err, ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}

	close(gate)
	<-done
}

func TestAdvance_RevisionReplansBeforeApproval(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[Snapshot]()
	deps, agent, _, _ := happyDeps()
	agent.outputs["architect"] = []string{"## Plan v1", "## Plan v2"}
	exec := NewExecutor(st, nil, deps, fastOpts(), nil)
	newRun(t, st, exec, "run-1", "https://jira.example.com/browse/PAY-7")

	if _, err := exec.Advance(ctx, "run-1", Trigger{Start: true}); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	state, err := exec.Advance(ctx, "run-1", Trigger{Resume: &Resume{Action: ActionRevise, Comment: "split into two steps"}})
	if err != nil {
		t.Fatalf("revise advance: %v", err)
	}
	if state.Status != StatusAwaitingApproval {
		t.Fatalf("revision should pause for approval again, got %s", state.Status)
	}
	if state.Plan != "## Plan v2" {
		t.Errorf("expected revised plan, got %q", state.Plan)
	}
	if agent.callCount("architect") != 2 {
		t.Errorf("expected 2 architect calls, got %d", agent.callCount("architect"))
	}
}
