package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ticketpilot/ticketpilot/workflow/store"
)

// waitStatus polls the registry until the run reaches one of the wanted
// statuses. Launcher work happens on background goroutines, so tests
// observe it through the store like any other client.
func waitStatus(t *testing.T, l *Launcher, runID string, want ...Status) store.RunRecord {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := l.GetRun(ctx, runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		for _, w := range want {
			if rec.Status == string(w) {
				return rec
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := l.GetRun(ctx, runID)
	t.Fatalf("run %s never reached %v, last status %s", runID, want, rec.Status)
	return store.RunRecord{}
}

func newLauncher(deps Deps) (*Launcher, store.Store[Snapshot]) {
	st := store.NewMemStore[Snapshot]()
	exec := NewExecutor(st, nil, deps, fastOpts(), nil)
	return NewLauncher(st, exec), st
}

func TestLauncher_CreateRunLifecycle(t *testing.T) {
	ctx := context.Background()
	deps, _, _, _ := happyDeps()
	l, _ := newLauncher(deps)

	rec, err := l.CreateRun(ctx, Payload{TicketURL: "https://jira.example.com/browse/PAY-7"}, nil)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if rec.Status != string(StatusReceived) {
		t.Errorf("initial status = %s, want RECEIVED", rec.Status)
	}

	waitStatus(t, l, rec.ID, StatusAwaitingApproval)

	if err := l.Resume(ctx, rec.ID, Resume{Action: ActionApprove}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitStatus(t, l, rec.ID, StatusDone)

	events, err := l.Events(ctx, rec.ID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected journaled events")
	}
	var last int64
	for _, ev := range events {
		if ev.Seq <= last {
			t.Fatalf("event seq not strictly increasing: %d after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestLauncher_RejectsMissingTicketURL(t *testing.T) {
	deps, _, _, _ := happyDeps()
	l, _ := newLauncher(deps)
	if _, err := l.CreateRun(context.Background(), Payload{}, nil); err == nil {
		t.Fatal("expected an error for an empty ticket URL")
	}
}

func TestLauncher_DuplicateTicketRejected(t *testing.T) {
	ctx := context.Background()
	deps, _, _, _ := happyDeps()
	gate := make(chan struct{})
	deps.Issues = &fakeIssues{issue: Issue{Key: "PAY-7"}, gate: gate}
	l, _ := newLauncher(deps)

	first, err := l.CreateRun(ctx, Payload{TicketURL: "https://jira.example.com/browse/PAY-7"}, nil)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	dup, err := l.CreateRun(ctx, Payload{TicketURL: "https://jira.example.com/browse/PAY-7"}, nil)
	if !errors.Is(err, ErrDuplicateTicket) {
		t.Fatalf("expected ErrDuplicateTicket, got %v", err)
	}
	if dup.ID != first.ID {
		t.Errorf("duplicate error should surface the existing run, got %s want %s", dup.ID, first.ID)
	}

	// A different ticket is fine.
	if _, err := l.CreateRun(ctx, Payload{TicketURL: "https://jira.example.com/browse/PAY-8"}, nil); err != nil {
		t.Fatalf("CreateRun for second ticket: %v", err)
	}

	close(gate)
	waitStatus(t, l, first.ID, StatusAwaitingApproval)

	// Suspended is still non-terminal; the ticket stays claimed.
	if _, err := l.CreateRun(ctx, Payload{TicketURL: "https://jira.example.com/browse/PAY-7"}, nil); !errors.Is(err, ErrDuplicateTicket) {
		t.Fatalf("expected ErrDuplicateTicket while suspended, got %v", err)
	}

	if err := l.Cancel(ctx, first.ID, "superseded"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitStatus(t, l, first.ID, StatusFailed)

	// Terminal runs release the ticket for a re-run.
	if _, err := l.CreateRun(ctx, Payload{TicketURL: "https://jira.example.com/browse/PAY-7"}, nil); err != nil {
		t.Fatalf("CreateRun after terminal run: %v", err)
	}
}

func TestLauncher_ResumeValidation(t *testing.T) {
	ctx := context.Background()
	deps, _, _, _ := happyDeps()
	l, _ := newLauncher(deps)

	if err := l.Resume(ctx, "missing", Resume{Action: ActionApprove}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	rec, err := l.CreateRun(ctx, Payload{TicketURL: "https://jira.example.com/browse/PAY-7"}, nil)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	waitStatus(t, l, rec.ID, StatusAwaitingApproval)

	t.Run("mismatched action rejected synchronously", func(t *testing.T) {
		err := l.Resume(ctx, rec.ID, Resume{Action: ActionRetry})
		var re *ResumeError
		if !errors.As(err, &re) {
			t.Fatalf("expected ResumeError, got %v", err)
		}
	})

	if err := l.Resume(ctx, rec.ID, Resume{Action: ActionApprove}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitStatus(t, l, rec.ID, StatusDone)

	t.Run("resume after terminal", func(t *testing.T) {
		if err := l.Resume(ctx, rec.ID, Resume{Action: ActionApprove}); !errors.Is(err, ErrTerminal) {
			t.Fatalf("expected ErrTerminal, got %v", err)
		}
	})
}

func TestLauncher_SeedPlan(t *testing.T) {
	ctx := context.Background()

	t.Run("plan alone feeds the architect", func(t *testing.T) {
		deps, agent, _, _ := happyDeps()
		l, st := newLauncher(deps)

		rec, err := l.CreateRun(ctx, Payload{TicketURL: "https://jira.example.com/browse/PAY-7"},
			&Seed{Plan: "## Earlier plan"})
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if rec.Plan != "## Earlier plan" {
			t.Errorf("registry plan = %q, want the seed", rec.Plan)
		}
		waitStatus(t, l, rec.ID, StatusAwaitingApproval)

		cp, err := st.LoadCheckpoint(ctx, rec.ID)
		if err != nil {
			t.Fatalf("LoadCheckpoint: %v", err)
		}
		// The architect replaced the seed but saw it as previous_plan.
		if cp.State.State.Plan == "## Earlier plan" {
			t.Error("architect should have produced a fresh plan")
		}
		if agent.callCount("architect") != 1 {
			t.Errorf("architect calls = %d, want 1", agent.callCount("architect"))
		}
	})

	t.Run("plan with approve skips straight to the approval gate", func(t *testing.T) {
		deps, agent, _, _ := happyDeps()
		l, st := newLauncher(deps)

		rec, err := l.CreateRun(ctx, Payload{TicketURL: "https://jira.example.com/browse/PAY-9"},
			&Seed{Plan: "## Earlier plan", Action: ActionApprove})
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		waitStatus(t, l, rec.ID, StatusAwaitingApproval)

		cp, err := st.LoadCheckpoint(ctx, rec.ID)
		if err != nil {
			t.Fatalf("LoadCheckpoint: %v", err)
		}
		if cp.State.State.Plan != "## Earlier plan" {
			t.Errorf("plan = %q, want the seed kept verbatim", cp.State.State.Plan)
		}
		if cp.State.Suspension == nil || !cp.State.Suspension.AcceptsAction(ActionApprove) {
			t.Fatal("expected the approval suspension")
		}
		if n := agent.callCount("clarify"); n != 0 {
			t.Errorf("clarify calls = %d, want 0", n)
		}
		if n := agent.callCount("architect"); n != 0 {
			t.Errorf("architect calls = %d, want 0", n)
		}

		// The gate still works; approving drives the run to completion.
		if err := l.Resume(ctx, rec.ID, Resume{Action: ActionApprove}); err != nil {
			t.Fatalf("Resume: %v", err)
		}
		waitStatus(t, l, rec.ID, StatusDone)
	})
}

func TestLauncher_DeleteRun(t *testing.T) {
	ctx := context.Background()
	deps, _, _, _ := happyDeps()
	l, _ := newLauncher(deps)

	rec, err := l.CreateRun(ctx, Payload{TicketURL: "https://jira.example.com/browse/PAY-7"}, nil)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	waitStatus(t, l, rec.ID, StatusAwaitingApproval)

	if err := l.DeleteRun(ctx, rec.ID); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := l.GetRun(ctx, rec.ID); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound after delete, got %v", err)
	}
	if err := l.DeleteRun(ctx, rec.ID); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound on second delete, got %v", err)
	}
}

func TestLauncher_FindActiveByTicket(t *testing.T) {
	ctx := context.Background()
	deps, _, _, _ := happyDeps()
	l, _ := newLauncher(deps)

	if _, err := l.FindActiveByTicket(ctx, "https://jira.example.com/browse/PAY-7"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	rec, err := l.CreateRun(ctx, Payload{TicketURL: "https://jira.example.com/browse/PAY-7"}, nil)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	waitStatus(t, l, rec.ID, StatusAwaitingApproval)

	found, err := l.FindActiveByTicket(ctx, "https://jira.example.com/browse/PAY-7")
	if err != nil {
		t.Fatalf("FindActiveByTicket: %v", err)
	}
	if found.ID != rec.ID {
		t.Errorf("found %s, want %s", found.ID, rec.ID)
	}
}
