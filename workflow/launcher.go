package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ticketpilot/ticketpilot/workflow/emit"
	"github.com/ticketpilot/ticketpilot/workflow/store"
)

// Seed pre-populates a new run with material from an earlier one, so a
// re-run of the same ticket does not start from nothing.
type Seed struct {
	// Plan carries over a plan from an earlier run. Alone it is handed
	// to the architect as the previous plan to build on.
	Plan string

	// Action pre-arms a resume decision. Seeding approve together with
	// a plan skips clarification and planning entirely: the run goes
	// straight to the approval gate holding the seeded plan.
	Action ResumeAction

	// Comment annotates the pre-armed decision.
	Comment string
}

// Launcher is the front door of the engine: it creates runs, validates
// and applies external decisions, and exposes the registry and event
// log. Stage execution happens on background goroutines; Launcher
// methods return as soon as the decision is durable.
type Launcher struct {
	store store.Store[Snapshot]
	exec  *Executor
}

// NewLauncher creates a launcher over the executor's store.
func NewLauncher(st store.Store[Snapshot], exec *Executor) *Launcher {
	return &Launcher{store: st, exec: exec}
}

// CreateRun registers a new run for a ticket and starts it in the
// background. At most one non-terminal run may exist per ticket URL;
// violating that returns ErrDuplicateTicket. seed may be nil.
func (l *Launcher) CreateRun(ctx context.Context, p Payload, seed *Seed) (store.RunRecord, error) {
	if p.TicketURL == "" {
		return store.RunRecord{}, fmt.Errorf("ticket URL is required")
	}
	if existing, err := l.store.FindRunByTicket(ctx, p.TicketURL, terminalStatuses()); err == nil {
		return existing, ErrDuplicateTicket
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.RunRecord{}, err
	}

	runID := uuid.NewString()
	st := NewState(runID, p)
	if seed != nil {
		st.Plan = seed.Plan
		st.ResumeAction = seed.Action
		st.ResumeComment = seed.Comment
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return store.RunRecord{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	rec := store.RunRecord{
		ID:        runID,
		TicketURL: p.TicketURL,
		Status:    string(StatusReceived),
		Payload:   payload,
		Plan:      st.Plan,
	}
	if err := l.store.CreateRun(ctx, rec); err != nil {
		return store.RunRecord{}, err
	}
	if err := l.exec.checkpoint(ctx, runID, StageHydrate, st, nil, 0); err != nil {
		return store.RunRecord{}, err
	}

	l.exec.metrics.runStarted()
	l.exec.event(ctx, runID, emit.TypeRunCreated, "", "",
		map[string]any{"ticketUrl": p.TicketURL})

	l.launch(runID, Trigger{Start: true})
	return rec, nil
}

// Resume applies an external decision to a suspended run. The decision
// is validated against the persisted suspension before this returns;
// duplicate, stale, or mismatched resumes are rejected without touching
// run state. Execution continues in the background.
func (l *Launcher) Resume(ctx context.Context, runID string, res Resume) error {
	cp, err := l.store.LoadCheckpoint(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		if _, gerr := l.store.GetRun(ctx, runID); gerr != nil {
			return ErrRunNotFound
		}
		return ErrTerminal
	}
	if err != nil {
		return err
	}
	if cp.State.Suspension == nil {
		return ErrNotSuspended
	}
	if !cp.State.Suspension.AcceptsAction(res.Action) {
		return &ResumeError{
			RunID:   runID,
			Stage:   cp.State.Suspension.Stage,
			Action:  res.Action,
			Accepts: cp.State.Suspension.Accepts,
		}
	}
	if l.exec.Active(runID) {
		return ErrRunActive
	}

	l.launch(runID, Trigger{Resume: &res})
	return nil
}

// Cancel asks a suspended run to wind down through cleanup. Every
// suspension accepts cancel, so this fails only for runs that are not
// awaiting a decision.
func (l *Launcher) Cancel(ctx context.Context, runID string, comment string) error {
	return l.Resume(ctx, runID, Resume{Action: ActionCancel, Comment: comment})
}

// GetRun returns the registry row for a run.
func (l *Launcher) GetRun(ctx context.Context, runID string) (store.RunRecord, error) {
	rec, err := l.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return rec, ErrRunNotFound
	}
	return rec, err
}

// ListRuns returns registry rows, newest first.
func (l *Launcher) ListRuns(ctx context.Context, f store.ListFilter) ([]store.RunRecord, error) {
	return l.store.ListRuns(ctx, f)
}

// Events returns a run's journaled events with Seq > afterSeq.
func (l *Launcher) Events(ctx context.Context, runID string, afterSeq int64) ([]store.EventRecord, error) {
	return l.store.Events(ctx, runID, afterSeq)
}

// DeleteRun removes a run and its history. Runs with a stage in flight
// cannot be deleted.
func (l *Launcher) DeleteRun(ctx context.Context, runID string) error {
	if l.exec.Active(runID) {
		return ErrRunActive
	}
	err := l.store.DeleteRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrRunNotFound
	}
	return err
}

// FindActiveByTicket returns the non-terminal run for a ticket URL, if
// any.
func (l *Launcher) FindActiveByTicket(ctx context.Context, ticketURL string) (store.RunRecord, error) {
	rec, err := l.store.FindRunByTicket(ctx, ticketURL, terminalStatuses())
	if errors.Is(err, store.ErrNotFound) {
		return rec, ErrRunNotFound
	}
	return rec, err
}

// launch runs one Advance on a detached background goroutine. The
// advance owns its own lifetime; caller contexts must not cancel it.
func (l *Launcher) launch(runID string, trig Trigger) {
	go func() {
		ctx := context.Background()
		if _, err := l.exec.Advance(ctx, runID, trig); err != nil {
			l.exec.event(ctx, runID, emit.TypeDebug, "", "advance ended with error",
				map[string]any{"error": err.Error()})
		}
	}()
}

func terminalStatuses() []string {
	return []string{string(StatusDone), string(StatusFailed), string(StatusEscalated)}
}
