// Package workflow implements the ticket-to-pull-request run orchestration
// engine: a durable, checkpointed state machine that drives a fixed coding
// pipeline (hydrate, clarify, plan, code, validate, review, finalize, CI)
// interleaved with human decision points.
package workflow

import "time"

// Status is the externally visible lifecycle state of a run.
type Status string

const (
	StatusReceived         Status = "RECEIVED"
	StatusHydrating        Status = "HYDRATING"
	StatusClarifying       Status = "CLARIFYING"
	StatusPlanning         Status = "PLANNING"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusCoding           Status = "CODING"
	StatusValidating       Status = "VALIDATING"
	StatusReviewing        Status = "REVIEWING"
	StatusFinalizing       Status = "FINALIZING"
	StatusWaitingForCI     Status = "WAITING_FOR_CI"
	StatusDone             Status = "DONE"
	StatusFailed           Status = "FAILED"
	StatusEscalated        Status = "ESCALATED"
)

// Terminal reports whether no further status writes may occur.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusEscalated
}

// ResumeAction is an external decision supplied to a suspended run.
type ResumeAction string

const (
	ActionApprove ResumeAction = "approve"
	ActionRevise  ResumeAction = "revise"
	ActionCancel  ResumeAction = "cancel"
	ActionRetry   ResumeAction = "retry"
	ActionClose   ResumeAction = "close"
	ActionAnswer  ResumeAction = "answer"
)

// Payload is the immutable input a run is created with.
type Payload struct {
	TicketURL   string `json:"ticketUrl"`
	ChatID      string `json:"chatId"`
	RequesterID string `json:"requesterId"`
}

// Issue is the tracker issue a run works on.
type Issue struct {
	Key         string   `json:"key"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	Components  []string `json:"components,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Links       []string `json:"links,omitempty"`
}

// Context is the mutable working data accumulated across stages. It grows
// monotonically; filesystem paths remain recorded for audit after cleanup
// even though they are no longer valid.
type Context struct {
	RunID              string   `json:"runId"`
	TicketURL          string   `json:"ticketUrl"`
	ChatID             string   `json:"chatId"`
	RequesterID        string   `json:"requesterId"`
	Issue              *Issue   `json:"issue,omitempty"`
	RepoURL            string   `json:"repoUrl,omitempty"`
	TargetBranch       string   `json:"targetBranch,omitempty"`
	BranchName         string   `json:"branchName,omitempty"`
	MirrorPath         string   `json:"mirrorPath,omitempty"`
	WorktreePath       string   `json:"worktreePath,omitempty"`
	ValidationCommands []string `json:"validationCommands,omitempty"`
	Conventions        string   `json:"conventions,omitempty"`
	ProjectKey         string   `json:"projectKey,omitempty"`
	RepoSlug           string   `json:"repoSlug,omitempty"`
	RepoDescription    string   `json:"repoDescription,omitempty"`
	PlanMarkdown       string   `json:"planMarkdown,omitempty"`
	CommitHash         string   `json:"commitHash,omitempty"`
	PRURL              string   `json:"prUrl,omitempty"`
}

// BuildStatus is one CI build result for a commit.
type BuildStatus struct {
	State     string    `json:"state"` // SUCCESSFUL, FAILED, INPROGRESS
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	DateAdded time.Time `json:"dateAdded"`
}

const (
	BuildSuccessful = "SUCCESSFUL"
	BuildFailed     = "FAILED"
	BuildInProgress = "INPROGRESS"
)

// State is the full variable set of one run. It is what the checkpoint
// store persists at every stage boundary and must round-trip through JSON.
type State struct {
	RunID            string       `json:"runId"`
	Status           Status       `json:"status"`
	Payload          Payload      `json:"payload"`
	Context          Context      `json:"context"`
	Plan             string       `json:"plan,omitempty"`
	Questions        []string     `json:"questions,omitempty"`
	Answers          []string     `json:"answers,omitempty"`
	CodeIterations   int          `json:"codeIterations"`
	ReviewIterations int          `json:"reviewIterations"`
	Error            string       `json:"error,omitempty"`
	EscalationReason string       `json:"escalationReason,omitempty"`
	ResumeAction     ResumeAction `json:"resumeAction,omitempty"`
	ResumeComment    string       `json:"resumeComment,omitempty"`
	CIStatus         string       `json:"ciStatus,omitempty"`
	CIBuildURL       string       `json:"ciBuildUrl,omitempty"`
}

// Delta is a partial state update produced by a stage handler. Pointer
// fields distinguish "leave unchanged" (nil) from "set to this value"
// (including the zero value, which clears the field). The iteration
// counters are additive.
type Delta struct {
	Status           *Status
	Context          *Context
	Plan             *string
	Questions        *[]string
	Answers          *[]string
	CodeIterations   int
	ReviewIterations int
	Error            *string
	EscalationReason *string
	ResumeAction     *ResumeAction
	ResumeComment    *string
	CIStatus         *string
	CIBuildURL       *string
}

// Apply merges a delta into a state, the reducer of the workflow. Last
// write wins for every field except the iteration counters, which add.
func Apply(prev State, d Delta) State {
	next := prev
	if d.Status != nil {
		next.Status = *d.Status
	}
	if d.Context != nil {
		next.Context = *d.Context
	}
	if d.Plan != nil {
		next.Plan = *d.Plan
	}
	if d.Questions != nil {
		next.Questions = *d.Questions
	}
	if d.Answers != nil {
		next.Answers = *d.Answers
	}
	next.CodeIterations += d.CodeIterations
	next.ReviewIterations += d.ReviewIterations
	if d.Error != nil {
		next.Error = *d.Error
	}
	if d.EscalationReason != nil {
		next.EscalationReason = *d.EscalationReason
	}
	if d.ResumeAction != nil {
		next.ResumeAction = *d.ResumeAction
	}
	if d.ResumeComment != nil {
		next.ResumeComment = *d.ResumeComment
	}
	if d.CIStatus != nil {
		next.CIStatus = *d.CIStatus
	}
	if d.CIBuildURL != nil {
		next.CIBuildURL = *d.CIBuildURL
	}
	return next
}

// NewState builds the initial state for a fresh run.
func NewState(runID string, p Payload) State {
	return State{
		RunID:   runID,
		Status:  StatusReceived,
		Payload: p,
		Context: Context{
			RunID:       runID,
			TicketURL:   p.TicketURL,
			ChatID:      p.ChatID,
			RequesterID: p.RequesterID,
		},
	}
}

func ptr[T any](v T) *T { return &v }

func statusPtr(s Status) *Status             { return &s }
func actionPtr(a ResumeAction) *ResumeAction { return &a }
