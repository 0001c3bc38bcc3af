package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ticketpilot/ticketpilot/workflow/emit"
	"github.com/ticketpilot/ticketpilot/workflow/store"
)

// Snapshot is what the checkpoint store persists at every stage
// boundary: the full run state plus, when the run is paused, the
// suspension describing the pending decision.
type Snapshot struct {
	State      State       `json:"state"`
	Suspension *Suspension `json:"suspension,omitempty"`
}

// Trigger tells Advance why it is running: a fresh start or an external
// decision for a suspended run.
type Trigger struct {
	Start  bool
	Resume *Resume
}

// Executor drives runs through the pipeline.
//
// Each Advance call loads the run's checkpoint, executes stages until
// the run suspends, finishes, or fails, and writes a new checkpoint at
// every stage boundary. The checkpoint always names the NEXT stage, so
// a crash mid-stage resumes at that stage without replaying the side
// effects of completed ones.
//
// The run id is a single-writer key: a second Advance for a run whose
// stage is already in flight fails with ErrRunActive.
type Executor struct {
	store   store.Store[Snapshot]
	emitter emit.Emitter
	deps    Deps
	opts    Options
	metrics *Metrics

	mu     sync.Mutex
	active map[string]struct{}
}

// NewExecutor creates an executor. emitter and metrics may be nil.
func NewExecutor(st store.Store[Snapshot], emitter emit.Emitter, deps Deps, opts Options, metrics *Metrics) *Executor {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Executor{
		store:   st,
		emitter: emitter,
		deps:    deps,
		opts:    opts.withDefaults(),
		metrics: metrics,
		active:  make(map[string]struct{}),
	}
}

// Advance executes the run from its checkpoint until it suspends,
// reaches a terminal status, or fails. For suspended runs the trigger
// must carry the resume decision; the decision is validated against the
// persisted suspension before any state changes.
func (e *Executor) Advance(ctx context.Context, runID string, trig Trigger) (State, error) {
	if err := e.acquire(runID); err != nil {
		return State{}, err
	}
	defer e.release(runID)
	e.metrics.advanceStarted()
	defer e.metrics.advanceFinished()

	cp, err := e.store.LoadCheckpoint(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		if _, gerr := e.store.GetRun(ctx, runID); gerr != nil {
			return State{}, ErrRunNotFound
		}
		// Registry row without a checkpoint: the run already finished.
		return State{}, ErrTerminal
	}
	if err != nil {
		return State{}, err
	}

	st := cp.State.State
	res := trig.Resume
	switch {
	case cp.State.Suspension != nil:
		if res == nil {
			return st, ErrSuspended
		}
		if !cp.State.Suspension.AcceptsAction(res.Action) {
			return st, &ResumeError{
				RunID:   runID,
				Stage:   cp.State.Suspension.Stage,
				Action:  res.Action,
				Accepts: cp.State.Suspension.Accepts,
			}
		}
		e.metrics.resumed(res.Action)
		e.event(ctx, runID, emit.TypeResumed, cp.State.Suspension.Stage, "",
			map[string]any{"action": string(res.Action)})
	case res != nil:
		return st, ErrNotSuspended
	}

	stage := Stage(cp.NextStage)
	step := cp.Step
	escalReason := "pipeline"

	for hops := 0; ; hops++ {
		if hops >= e.opts.MaxStagesPerAdvance {
			return st, stageErr(KindInternal, stage, "advance exceeded stage hop limit", nil)
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}

		if status, ok := stageStatus[stage]; ok && st.Status != status {
			st.Status = status
			e.syncRegistry(ctx, runID, st)
		}
		e.event(ctx, runID, emit.TypeStageStarted, stage, "", nil)

		began := time.Now()
		result := e.runStage(ctx, stage, st, res)
		res = nil

		if result.Err != nil {
			kind := classify(result.Err)
			e.metrics.observeStage(stage, "error", time.Since(began))
			e.event(ctx, runID, emit.TypeStageCompleted, stage, "",
				map[string]any{"outcome": "error", "kind": kind, "error": result.Err.Error()})

			if stage == StageCleanup || stage == StageEscalate {
				// Teardown itself failed; close the run out rather
				// than looping back into it.
				if st.Error == "" {
					st.Error = result.Err.Error()
				}
				st.Status = StatusFailed
				return e.finish(ctx, runID, st, escalReason)
			}
			if kind == KindStepBudget {
				st.EscalationReason = result.Err.Error()
				escalReason = KindStepBudget
				stage = StageEscalate
			} else {
				st.Error = result.Err.Error()
				stage = StageCleanup
			}
			step++
			if cerr := e.checkpoint(ctx, runID, stage, st, nil, step); cerr != nil {
				return st, cerr
			}
			continue
		}

		if result.Suspend != nil {
			st = Apply(st, result.Delta)
			e.metrics.observeStage(stage, "suspended", time.Since(began))
			if cerr := e.checkpoint(ctx, runID, stage, st, result.Suspend, step); cerr != nil {
				return st, cerr
			}
			e.syncRegistry(ctx, runID, st)
			e.event(ctx, runID, emit.TypeSuspended, stage, "",
				map[string]any{"accepts": actionStrings(result.Suspend.Accepts)})
			return st, nil
		}

		st = Apply(st, result.Delta)
		e.metrics.observeStage(stage, "ok", time.Since(began))
		e.event(ctx, runID, emit.TypeStageCompleted, stage, "", map[string]any{"outcome": "ok"})

		next, terminal, rerr := NextStage(stage, st, e.opts)
		if rerr != nil {
			return st, rerr
		}
		if terminal {
			return e.finish(ctx, runID, st, escalReason)
		}
		step++
		if cerr := e.checkpoint(ctx, runID, next, st, nil, step); cerr != nil {
			return st, cerr
		}
		e.syncRegistry(ctx, runID, st)
		stage = next
	}
}

// Active reports whether a stage of the run is currently in flight.
func (e *Executor) Active(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, busy := e.active[runID]
	return busy
}

func (e *Executor) acquire(runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[runID]; busy {
		return ErrRunActive
	}
	e.active[runID] = struct{}{}
	return nil
}

func (e *Executor) release(runID string) {
	e.mu.Lock()
	delete(e.active, runID)
	e.mu.Unlock()
}

// finish closes out a run: drops its checkpoint so no further advance
// can replay it, syncs the registry, and emits the terminal event.
func (e *Executor) finish(ctx context.Context, runID string, st State, escalReason string) (State, error) {
	if !st.Status.Terminal() {
		st.Status = StatusDone
	}
	if err := e.store.DeleteCheckpoint(ctx, runID); err != nil {
		e.event(ctx, runID, emit.TypeDebug, "", "checkpoint delete failed",
			map[string]any{"error": err.Error()})
	}
	e.syncRegistry(ctx, runID, st)
	e.metrics.runFinished(st.Status)
	if st.Status == StatusEscalated {
		e.metrics.escalated(escalReason)
	}
	e.event(ctx, runID, emit.TypeRunFinished, "", "", map[string]any{"status": string(st.Status)})
	return st, nil
}

func (e *Executor) checkpoint(ctx context.Context, runID string, next Stage, st State, susp *Suspension, step int) error {
	return e.store.SaveCheckpoint(ctx, store.Checkpoint[Snapshot]{
		RunID:     runID,
		NextStage: string(next),
		State:     Snapshot{State: st, Suspension: susp},
		Step:      step,
	})
}

// syncRegistry mirrors the run's externally visible fields into the
// registry. Registry writes are best-effort; the checkpoint is the
// source of truth and a failed mirror write must not fail the run.
func (e *Executor) syncRegistry(ctx context.Context, runID string, st State) {
	rctx, err := json.Marshal(st.Context)
	if err != nil {
		return
	}
	errText := st.Error
	if errText == "" {
		errText = st.EscalationReason
	}
	upd := store.RunUpdate{
		Status:  ptr(string(st.Status)),
		Context: rctx,
		Plan:    &st.Plan,
		Error:   &errText,
	}
	if uerr := e.store.UpdateRun(ctx, runID, upd); uerr != nil {
		e.emitter.Emit(emit.Event{
			RunID: runID,
			Type:  emit.TypeDebug,
			Msg:   "registry update failed",
			At:    time.Now().UTC(),
			Meta:  map[string]any{"error": uerr.Error()},
		})
	}
}

// event journals an event in the durable log, then emits it with the
// assigned sequence number. Journal failures degrade to live-only
// delivery.
func (e *Executor) event(ctx context.Context, runID string, typ string, stage Stage, msg string, meta map[string]any) {
	ev := emit.Event{
		RunID: runID,
		Type:  typ,
		Stage: string(stage),
		Msg:   msg,
		At:    time.Now().UTC(),
		Meta:  meta,
	}
	var raw json.RawMessage
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			raw = b
		}
	}
	if seq, err := e.store.AppendEvent(ctx, store.EventRecord{
		RunID: runID,
		Type:  typ,
		Stage: string(stage),
		Meta:  raw,
		At:    ev.At,
	}); err == nil {
		ev.Seq = seq
	}
	e.emitter.Emit(ev)
}

// notify sends a fire-and-forget message to the requester's channel.
// Delivery failures are logged as debug events, never surfaced into the
// run.
func (e *Executor) notify(ctx context.Context, st State, message string, data map[string]any, actions []NotifyAction) {
	if e.deps.Notifier == nil {
		return
	}
	n := Notification{
		RunID:     st.RunID,
		Status:    string(st.Status),
		Message:   message,
		TicketURL: st.Payload.TicketURL,
		ChatID:    st.Payload.ChatID,
		Data:      data,
		Actions:   actions,
	}
	if st.Context.Issue != nil {
		n.TicketKey = st.Context.Issue.Key
	}
	if err := e.deps.Notifier.Notify(ctx, n); err != nil {
		e.event(ctx, st.RunID, emit.TypeDebug, "", "notification failed",
			map[string]any{"error": err.Error()})
	}
}

// activity adapts the event pipeline into the callback shape agent and
// sandbox runs report through.
func (e *Executor) activity(ctx context.Context, runID string, stage Stage) func(string, map[string]any) {
	return func(eventType string, meta map[string]any) {
		e.event(ctx, runID, eventType, stage, "", meta)
	}
}

func (e *Executor) runStage(ctx context.Context, stage Stage, st State, res *Resume) StageResult {
	switch stage {
	case StageHydrate:
		return e.stageHydrate(ctx, st)
	case StageClarify:
		return e.stageClarify(ctx, st)
	case StageAwaitClarification:
		return e.stageAwaitClarification(ctx, st, res)
	case StageArchitect:
		return e.stageArchitect(ctx, st)
	case StageAwaitApproval:
		return e.stageAwaitApproval(ctx, st, res)
	case StageCoder:
		return e.stageCoder(ctx, st)
	case StageValidate:
		return e.stageValidate(ctx, st)
	case StageReviewer:
		return e.stageReviewer(ctx, st)
	case StageFinalize:
		return e.stageFinalize(ctx, st)
	case StageAwaitCI:
		return e.stageAwaitCI(ctx, st, res)
	case StageCleanup:
		return e.stageCleanup(ctx, st)
	case StageEscalate:
		return e.stageEscalate(ctx, st)
	}
	return StageResult{Err: stageErr(KindInternal, stage, "unknown stage", nil)}
}

// stageStatus maps each stage to the status the registry shows while it
// executes. Cleanup and escalate keep the current status; the terminal
// status is decided by the cleanup handler.
var stageStatus = map[Stage]Status{
	StageHydrate:            StatusHydrating,
	StageClarify:            StatusClarifying,
	StageAwaitClarification: StatusClarifying,
	StageArchitect:          StatusPlanning,
	StageAwaitApproval:      StatusAwaitingApproval,
	StageCoder:              StatusCoding,
	StageValidate:           StatusValidating,
	StageReviewer:           StatusReviewing,
	StageFinalize:           StatusFinalizing,
	StageAwaitCI:            StatusWaitingForCI,
}

func actionStrings(actions []ResumeAction) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a)
	}
	return out
}
