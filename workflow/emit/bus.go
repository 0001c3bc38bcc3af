package emit

import "sync"

// Bus fans events out to live subscribers, keyed by run id. It backs
// real-time streaming surfaces (CLI event following, future SSE feeds).
//
// Delivery is best-effort: a subscriber whose buffer is full misses the
// event rather than blocking the executor. Consumers that need a gapless
// record should read the durable event log and use the store-assigned
// Seq to deduplicate against live delivery.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan Event
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan Event)}
}

// Subscribe registers interest in one run's events. buffer sets the
// channel capacity. The returned cancel function closes the channel and
// removes the subscription.
func (b *Bus) Subscribe(runID string, buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[int]chan Event)
	}
	b.subs[runID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subs[runID]; ok {
			if sub, ok := subs[id]; ok {
				delete(subs, id)
				close(sub)
				if len(subs) == 0 {
					delete(b.subs, runID)
				}
			}
		}
	}
	return ch, cancel
}

// Emit delivers the event to every subscriber of its run without
// blocking.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[event.RunID] {
		select {
		case ch <- event:
		default:
		}
	}
}
