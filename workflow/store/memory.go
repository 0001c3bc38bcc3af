package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store[S].
//
// Designed for:
//   - Testing and development
//   - Single-process deployments where durability isn't required
//
// MemStore is thread-safe and supports concurrent access. Data is lost
// when the process terminates; for durable runs use the SQLite, MySQL,
// or PostgreSQL stores.
type MemStore[S any] struct {
	mu          sync.RWMutex
	runs        map[string]RunRecord
	events      map[string][]EventRecord // runID -> ordered events
	checkpoints map[string]Checkpoint[S] // runID -> checkpoint
}

// NewMemStore creates a new in-memory store.
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{
		runs:        make(map[string]RunRecord),
		events:      make(map[string][]EventRecord),
		checkpoints: make(map[string]Checkpoint[S]),
	}
}

// CreateRun inserts a new registry row.
func (m *MemStore[S]) CreateRun(_ context.Context, rec RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	m.runs[rec.ID] = rec
	return nil
}

// GetRun retrieves a registry row by run id.
func (m *MemStore[S]) GetRun(_ context.Context, id string) (RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.runs[id]
	if !ok {
		return RunRecord{}, ErrNotFound
	}
	return rec, nil
}

// ListRuns returns registry rows, newest first.
func (m *MemStore[S]) ListRuns(_ context.Context, f ListFilter) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RunRecord, 0, len(m.runs))
	for _, rec := range m.runs {
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// UpdateRun applies a partial update to a registry row.
func (m *MemStore[S]) UpdateRun(_ context.Context, id string, upd RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if upd.Status != nil {
		rec.Status = *upd.Status
	}
	if upd.Context != nil {
		rec.Context = upd.Context
	}
	if upd.Plan != nil {
		rec.Plan = *upd.Plan
	}
	if upd.Error != nil {
		rec.Error = *upd.Error
	}
	rec.UpdatedAt = time.Now().UTC()
	m.runs[id] = rec
	return nil
}

// DeleteRun removes a run with its events and checkpoint.
func (m *MemStore[S]) DeleteRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[id]; !ok {
		return ErrNotFound
	}
	delete(m.runs, id)
	delete(m.events, id)
	delete(m.checkpoints, id)
	return nil
}

// FindRunByTicket returns the newest run for a ticket URL whose status
// is not in the excluded set.
func (m *MemStore[S]) FindRunByTicket(_ context.Context, ticketURL string, excludeStatuses []string) (RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	excluded := make(map[string]bool, len(excludeStatuses))
	for _, s := range excludeStatuses {
		excluded[s] = true
	}

	var best RunRecord
	found := false
	for _, rec := range m.runs {
		if rec.TicketURL != ticketURL || excluded[rec.Status] {
			continue
		}
		if !found || rec.CreatedAt.After(best.CreatedAt) {
			best = rec
			found = true
		}
	}
	if !found {
		return RunRecord{}, ErrNotFound
	}
	return best, nil
}

// AppendEvent appends to the run's event log and returns the assigned
// sequence number.
func (m *MemStore[S]) AppendEvent(_ context.Context, ev EventRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev.Seq = int64(len(m.events[ev.RunID])) + 1
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	m.events[ev.RunID] = append(m.events[ev.RunID], ev)
	return ev.Seq, nil
}

// Events returns a run's events with Seq > afterSeq, in order.
func (m *MemStore[S]) Events(_ context.Context, runID string, afterSeq int64) ([]EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evs := m.events[runID]
	out := make([]EventRecord, 0, len(evs))
	for _, ev := range evs {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// SaveCheckpoint writes the run's resume point, replacing any previous
// checkpoint for the same run.
func (m *MemStore[S]) SaveCheckpoint(_ context.Context, cp Checkpoint[S]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}
	m.checkpoints[cp.RunID] = cp
	return nil
}

// LoadCheckpoint retrieves the run's resume point.
func (m *MemStore[S]) LoadCheckpoint(_ context.Context, runID string) (Checkpoint[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[runID]
	if !ok {
		var zero Checkpoint[S]
		return zero, ErrNotFound
	}
	return cp, nil
}

// DeleteCheckpoint removes the run's resume point.
func (m *MemStore[S]) DeleteCheckpoint(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.checkpoints, runID)
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemStore[S]) Close() error { return nil }
