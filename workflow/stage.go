package workflow

// Stage identifies one unit of work in the pipeline. The set is closed:
// the executor dispatches over it with an exhaustive switch, so an
// unknown stage is unreachable by construction rather than a runtime
// lookup failure.
type Stage string

const (
	StageHydrate            Stage = "hydrate"
	StageClarify            Stage = "clarify"
	StageAwaitClarification Stage = "await_clarification"
	StageArchitect          Stage = "architect"
	StageAwaitApproval      Stage = "await_approval"
	StageCoder              Stage = "coder"
	StageValidate           Stage = "validate"
	StageReviewer           Stage = "reviewer"
	StageFinalize           Stage = "finalize"
	StageAwaitCI            Stage = "await_ci"
	StageCleanup            Stage = "cleanup"
	StageEscalate           Stage = "escalate"
)

// Stages lists every stage the routing policy can resolve.
var Stages = []Stage{
	StageHydrate, StageClarify, StageAwaitClarification, StageArchitect,
	StageAwaitApproval, StageCoder, StageValidate, StageReviewer,
	StageFinalize, StageAwaitCI, StageCleanup, StageEscalate,
}

// Known reports whether s is a member of the closed stage set.
func (s Stage) Known() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

// Resume is the typed payload an external decision supplies to a
// suspended run.
type Resume struct {
	Action  ResumeAction `json:"action"`
	Comment string       `json:"comment,omitempty"`
	Answers []string     `json:"answers,omitempty"`
}

// Suspension is the first-class persisted marker for a paused run: which
// stage is waiting, which resume actions it accepts, and what the pending
// decision is about. It replaces the frozen-call-stack interrupt of
// coroutine-style engines with explicit state.
type Suspension struct {
	Stage   Stage          `json:"stage"`
	Accepts []ResumeAction `json:"accepts"`
	Prompt  map[string]any `json:"prompt,omitempty"`
}

// AcceptsAction reports whether the suspension admits the given action.
func (s *Suspension) AcceptsAction(a ResumeAction) bool {
	for _, ok := range s.Accepts {
		if ok == a {
			return true
		}
	}
	return false
}

// StageResult is the outcome of executing one stage handler: a delta to
// merge, a suspension to persist (optionally alongside a delta), or an
// error for the executor to classify.
type StageResult struct {
	Delta   Delta
	Suspend *Suspension
	Err     error
}

func suspend(stage Stage, accepts []ResumeAction, prompt map[string]any) StageResult {
	return StageResult{Suspend: &Suspension{Stage: stage, Accepts: accepts, Prompt: prompt}}
}
