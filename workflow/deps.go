package workflow

import (
	"context"
	"time"
)

// Collaborator contracts. The core only depends on these narrow
// interfaces; concrete clients (tracker, gitx, sandbox, forge, notify,
// agent) live in their own packages and are injected by the composition
// root.

// IssueSource fetches and transitions tracker issues.
type IssueSource interface {
	FetchIssue(ctx context.Context, ticketURL string) (Issue, error)
	TransitionIssue(ctx context.Context, key, transition string) error
}

// RepoMatch is a resolved issue-to-repository mapping.
type RepoMatch struct {
	RepoURL         string
	TargetBranch    string
	ProjectKey      string
	RepoSlug        string
	RepoDescription string
}

// RepoConfig is the per-repository pipeline configuration read from the
// working copy.
type RepoConfig struct {
	ValidationCommands []string
	Conventions        string
}

// KnowledgeResolver maps issues to repositories and reads per-repo
// configuration out of a working copy.
type KnowledgeResolver interface {
	ResolveRepo(issue Issue) (RepoMatch, bool)
	RepoConfig(worktreePath string) RepoConfig
}

// WorkingCopyManager owns git mirrors and per-run worktrees. All
// operations must be safe to retry: a re-run after a crash may call
// EnsureMirror or AddWorktree for paths that already exist.
type WorkingCopyManager interface {
	EnsureMirror(ctx context.Context, repoURL string) (mirrorPath string, err error)
	AddWorktree(ctx context.Context, mirrorPath, branch, targetBranch string) (worktreePath string, err error)
	RemoveWorktree(ctx context.Context, worktreePath string) error
	FinalizeAndPush(ctx context.Context, worktreePath, branch string, squash bool, targetBranch string) error
	HeadCommit(ctx context.Context, worktreePath string) (string, error)
	// DiffAgainstMergeBase returns the combined committed and uncommitted
	// changes relative to the merge-base with the target branch.
	DiffAgainstMergeBase(ctx context.Context, worktreePath, targetBranch string) (string, error)
}

// AgentRunner executes one agent role against a working copy and returns
// its final text output. Intermediate tool activity is reported through
// onEvent. Exhausting the role's step budget returns an error wrapping
// ErrStepBudgetExceeded.
type AgentRunner interface {
	RunAgent(ctx context.Context, role, workDir string, rc Context, extra map[string]string, onEvent func(eventType string, meta map[string]any)) (string, error)
}

// SandboxProfile caps the resources of a sandbox container.
type SandboxProfile struct {
	Role     string
	CPUs     int
	Memory   string
	Network  string // "none" or "bridge"
	ReadOnly bool
	Timeout  time.Duration
}

// ValidatorProfile is the default resource profile for validation runs.
var ValidatorProfile = SandboxProfile{
	Role:    "validator",
	CPUs:    2,
	Memory:  "4g",
	Network: "bridge",
	Timeout: 5 * time.Minute,
}

// SandboxResult is the outcome of one command inside a sandbox.
type SandboxResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// SandboxExec executes commands inside a running sandbox container.
type SandboxExec interface {
	Exec(ctx context.Context, cmd []string) (SandboxResult, error)
}

// SandboxExecutor provides isolated, resource-capped command execution.
// The container is removed when fn returns, regardless of outcome.
type SandboxExecutor interface {
	RunWithContainer(ctx context.Context, profile SandboxProfile, binds []string, fn func(exec SandboxExec) error) error
}

// MergeRequest are the parameters for opening a pull/merge request.
type MergeRequest struct {
	ProjectKey   string
	RepoSlug     string
	SourceBranch string
	TargetBranch string
	Title        string
	Description  string
}

// ForgeClient opens merge requests and reads commit build status.
type ForgeClient interface {
	CreateMergeRequest(ctx context.Context, mr MergeRequest) (url string, err error)
	CommitBuildStatus(ctx context.Context, commitHash string) ([]BuildStatus, error)
}

// NotifyAction is a suggested follow-up the front door can render
// alongside a notification (e.g. a resume button).
type NotifyAction struct {
	Label    string         `json:"label"`
	Endpoint string         `json:"endpoint"`
	Body     map[string]any `json:"body,omitempty"`
}

// Notification is a fire-and-forget message to the requester's channel.
type Notification struct {
	RunID     string         `json:"runId"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	TicketKey string         `json:"ticketKey,omitempty"`
	TicketURL string         `json:"ticketUrl,omitempty"`
	ChatID    string         `json:"chatId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Actions   []NotifyAction `json:"actions,omitempty"`
}

// Notifier delivers notifications. Failures are logged by the caller,
// never propagated into the run.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ArtifactStore persists run artifacts (plans, reports) for audit.
type ArtifactStore interface {
	Save(runID, name string, content []byte) (path string, err error)
}

// Deps bundles every collaborator a stage handler may touch. Optional
// fields (Artifacts, Metrics) may be nil.
type Deps struct {
	Issues    IssueSource
	Knowledge KnowledgeResolver
	Git       WorkingCopyManager
	Agent     AgentRunner
	Sandbox   SandboxExecutor
	Forge     ForgeClient
	Notifier  Notifier
	Artifacts ArtifactStore

	// Validation bounds concurrent sandbox validation slots. Required
	// when Sandbox is set.
	Validation *Limiter
}
