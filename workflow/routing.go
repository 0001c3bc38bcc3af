package workflow

import (
	"fmt"
	"time"
)

// Routing policy: deterministic, side-effect-free functions from state to
// the next stage. All conditional edges of the pipeline live here; the
// executor never decides a transition itself.
//
// The loop bounds compare with >=, so a run whose Nth validation or
// review fails where N equals the bound escalates on that Nth failure.
// The counters count completed coder invocations, not failures.

// Options carries the tunable execution bounds. Zero values take the
// documented defaults; bounds are injected rather than read from package
// globals so tests and deployments can vary them independently.
type Options struct {
	// MaxValidationLoops bounds coder->validate cycles before escalation.
	MaxValidationLoops int

	// MaxReviewerLoops bounds coder->review cycles before escalation.
	MaxReviewerLoops int

	// CIPollInterval is the delay between CI status polls.
	CIPollInterval time.Duration

	// CIPollMaxAttempts bounds CI polling before the run suspends with a
	// timeout indication.
	CIPollMaxAttempts int

	// MaxStagesPerAdvance is a guard against routing cycles within one
	// Advance invocation.
	MaxStagesPerAdvance int
}

func (o Options) withDefaults() Options {
	if o.MaxValidationLoops == 0 {
		o.MaxValidationLoops = DefaultMaxValidationLoops
	}
	if o.MaxReviewerLoops == 0 {
		o.MaxReviewerLoops = DefaultMaxReviewerLoops
	}
	if o.CIPollInterval == 0 {
		o.CIPollInterval = DefaultCIPollInterval
	}
	if o.CIPollMaxAttempts == 0 {
		o.CIPollMaxAttempts = DefaultCIPollMaxAttempts
	}
	if o.MaxStagesPerAdvance == 0 {
		o.MaxStagesPerAdvance = DefaultMaxStagesPerAdvance
	}
	return o
}

// Default execution bounds.
const (
	DefaultMaxValidationLoops  = 2
	DefaultMaxReviewerLoops    = 2
	DefaultCIPollInterval      = 30 * time.Second
	DefaultCIPollMaxAttempts   = 40
	DefaultMaxStagesPerAdvance = 64
)

// NextStage resolves the stage that follows from at the given state.
// terminal is true when the run is complete and no stage follows.
func NextStage(from Stage, s State, o Options) (next Stage, terminal bool, err error) {
	o = o.withDefaults()
	switch from {
	case StageHydrate:
		return routeAfterHydrate(s), false, nil
	case StageClarify:
		return routeAfterClarify(s), false, nil
	case StageAwaitClarification:
		return routeAfterClarification(s), false, nil
	case StageArchitect:
		return StageAwaitApproval, false, nil
	case StageAwaitApproval:
		return routeAfterApproval(s), false, nil
	case StageCoder:
		return StageValidate, false, nil
	case StageValidate:
		return routeAfterValidation(s, o), false, nil
	case StageReviewer:
		return routeAfterReview(s, o), false, nil
	case StageFinalize:
		return StageAwaitCI, false, nil
	case StageAwaitCI:
		return routeAfterCI(s), false, nil
	case StageEscalate:
		return StageCleanup, false, nil
	case StageCleanup:
		return "", true, nil
	}
	return "", false, fmt.Errorf("no route defined from stage %q", from)
}

// routeAfterHydrate fails closed: an unresolvable repository mapping set
// an escalation reason, and the run goes straight to escalate.
func routeAfterHydrate(s State) Stage {
	if s.EscalationReason != "" {
		return StageEscalate
	}
	return StageClarify
}

func routeAfterClarify(s State) Stage {
	if len(s.Questions) > 0 {
		return StageAwaitClarification
	}
	return StageArchitect
}

func routeAfterClarification(s State) Stage {
	if s.ResumeAction == ActionCancel {
		return StageCleanup
	}
	return StageArchitect
}

func routeAfterApproval(s State) Stage {
	switch s.ResumeAction {
	case ActionApprove:
		return StageCoder
	case ActionRevise:
		return StageArchitect
	default:
		return StageCleanup
	}
}

func routeAfterValidation(s State, o Options) Stage {
	if s.Error == "" {
		return StageReviewer
	}
	if s.CodeIterations >= o.MaxValidationLoops {
		return StageEscalate
	}
	return StageCoder
}

func routeAfterReview(s State, o Options) Stage {
	if s.Error == "" {
		return StageFinalize
	}
	if s.ReviewIterations >= o.MaxReviewerLoops {
		return StageEscalate
	}
	return StageCoder
}

func routeAfterCI(s State) Stage {
	if s.ResumeAction == ActionRetry {
		return StageAwaitCI
	}
	return StageCleanup
}
