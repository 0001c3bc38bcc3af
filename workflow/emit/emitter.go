package emit

// Emitter receives observability events from run execution.
//
// Implementations must be:
//   - Non-blocking: never slow down the executor
//   - Thread-safe: called concurrently from multiple runs
//   - Resilient: a failing backend must not fail the run
//
// Emit should not panic; backend errors are handled internally.
type Emitter interface {
	Emit(event Event)
}

// Multi fans one event out to several emitters in order.
type Multi []Emitter

// NewMulti combines emitters, skipping nils.
func NewMulti(emitters ...Emitter) Multi {
	out := make(Multi, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (m Multi) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
