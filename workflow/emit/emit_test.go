package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLogEmitter_Text(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, false)

	l.Emit(Event{
		RunID: "run-1",
		Type:  TypeStageCompleted,
		Stage: "coder",
		Msg:   "done",
		Meta:  map[string]any{"outcome": "ok"},
	})

	out := buf.String()
	for _, want := range []string{"[stage_completed]", "run=run-1", "stage=coder", `msg="done"`, `"outcome":"ok"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestLogEmitter_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, true)

	l.Emit(Event{RunID: "run-1", Seq: 7, Type: TypeSuspended, Stage: "await_approval"})

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v: %q", err, buf.String())
	}
	if got["runId"] != "run-1" || got["type"] != TypeSuspended {
		t.Errorf("got %v", got)
	}
	if got["seq"] != float64(7) {
		t.Errorf("seq = %v, want 7", got["seq"])
	}
}

func TestBus_SubscribeAndCancel(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe("run-1", 4)

	b.Emit(Event{RunID: "run-1", Type: TypeStageStarted, Stage: "hydrate"})
	b.Emit(Event{RunID: "run-2", Type: TypeStageStarted, Stage: "hydrate"})

	select {
	case ev := <-ch:
		if ev.RunID != "run-1" {
			t.Errorf("got event for %s", ev.RunID)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected cross-run event: %+v", ev)
	default:
	}

	cancel()
	if _, open := <-ch; open {
		t.Error("channel should be closed after cancel")
	}

	// Emitting after cancel must not panic or deliver.
	b.Emit(Event{RunID: "run-1", Type: TypeRunFinished})
}

func TestBus_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe("run-1", 1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Emit(Event{RunID: "run-1", Type: TypeDebug})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Errorf("buffer holds %d events, want 1", len(ch))
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := NewBus()
	ch1, cancel1 := b.Subscribe("run-1", 4)
	ch2, cancel2 := b.Subscribe("run-1", 4)
	defer cancel1()
	defer cancel2()

	b.Emit(Event{RunID: "run-1", Type: TypeResumed})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TypeResumed {
				t.Errorf("subscriber %d got %s", i, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestMulti_SkipsNilAndFansOut(t *testing.T) {
	var a, b bytes.Buffer
	m := NewMulti(NewLogEmitter(&a, false), nil, NewLogEmitter(&b, false))

	m.Emit(Event{RunID: "run-1", Type: TypeRunCreated})

	if !strings.Contains(a.String(), "run_created") || !strings.Contains(b.String(), "run_created") {
		t.Errorf("event not fanned out: a=%q b=%q", a.String(), b.String())
	}
}

func TestNullEmitter(t *testing.T) {
	NewNullEmitter().Emit(Event{RunID: "run-1", Type: TypeDebug})
}
