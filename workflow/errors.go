package workflow

import (
	"errors"
	"fmt"
)

// Failure kinds. Validation failures and review rejections are routed
// outcomes, not errors, so they do not appear here.
const (
	KindHydration   = "hydration"
	KindWorkingCopy = "working_copy"
	KindSandbox     = "sandbox"
	KindIntegration = "integration"
	KindStepBudget  = "step_budget"
	KindInternal    = "internal"
)

// ErrStepBudgetExceeded marks an agent that exhausted its tool-call step
// budget. It is classified separately from ordinary failures so that
// operators can tell "the agent looped" from "the agent was wrong"; runs
// hitting it escalate instead of failing.
var ErrStepBudgetExceeded = errors.New("agent step budget exceeded")

// ErrRunNotFound is returned when no run exists for the given id.
var ErrRunNotFound = errors.New("run not found")

// ErrRunActive is returned when a second Advance is attempted while a
// stage of the same run is already in flight. The run id is a
// single-writer key.
var ErrRunActive = errors.New("run already has a stage in flight")

// ErrDuplicateTicket is returned when a new run is requested for a
// ticket that already has a non-terminal run.
var ErrDuplicateTicket = errors.New("an active run already exists for this ticket")

// ErrNotSuspended is returned when a resume targets a run that is not
// currently awaiting input. Duplicate or stale resumes are rejected
// rather than re-applied.
var ErrNotSuspended = errors.New("run is not awaiting a resume")

// ErrSuspended is returned when a plain (non-resume) advance hits a run
// that is awaiting an external decision.
var ErrSuspended = errors.New("run is suspended awaiting a resume")

// ErrTerminal is returned when an operation targets a run that has
// already reached DONE, FAILED, or ESCALATED.
var ErrTerminal = errors.New("run is in a terminal state")

// ResumeError reports a resume payload that does not satisfy the current
// suspension's contract. It never mutates run state.
type ResumeError struct {
	RunID   string
	Stage   Stage
	Action  ResumeAction
	Accepts []ResumeAction
}

func (e *ResumeError) Error() string {
	return fmt.Sprintf("run %s: stage %s does not accept resume action %q (accepts %v)",
		e.RunID, e.Stage, e.Action, e.Accepts)
}

// StageError is a classified failure raised inside a stage handler.
type StageError struct {
	Kind   string
	Stage  Stage
	Reason string
	Cause  error
}

func (e *StageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s failure: %s: %v", e.Stage, e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s failure: %s", e.Stage, e.Kind, e.Reason)
}

func (e *StageError) Unwrap() error { return e.Cause }

func stageErr(kind string, stage Stage, reason string, cause error) error {
	return &StageError{Kind: kind, Stage: stage, Reason: reason, Cause: cause}
}

// classify maps an arbitrary handler error onto the failure taxonomy.
func classify(err error) string {
	if errors.Is(err, ErrStepBudgetExceeded) {
		return KindStepBudget
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}
