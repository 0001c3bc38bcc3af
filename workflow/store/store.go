// Package store provides persistence backends for the run registry, the
// append-only event log, and per-run checkpoints.
//
// Four implementations are provided:
//   - In-memory (for testing, see memory.go)
//   - SQLite (embedded, single-process deployments)
//   - MySQL
//   - PostgreSQL
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run, event, or checkpoint
// does not exist.
var ErrNotFound = errors.New("not found")

// RunRecord is the registry row for one run. Payload and Context are
// stored as JSON documents so the registry schema never changes when the
// working data grows a field.
type RunRecord struct {
	ID        string          `json:"id"`
	TicketURL string          `json:"ticketUrl"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	Context   json.RawMessage `json:"context,omitempty"`
	Plan      string          `json:"plan,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// RunUpdate is a partial registry update. Nil fields are left unchanged.
type RunUpdate struct {
	Status  *string
	Context json.RawMessage
	Plan    *string
	Error   *string
}

// EventRecord is one row of the append-only event log. Seq is assigned
// by the store on append and is strictly increasing per run.
type EventRecord struct {
	Seq   int64           `json:"seq"`
	RunID string          `json:"runId"`
	Type  string          `json:"type"`
	Stage string          `json:"stage,omitempty"`
	Meta  json.RawMessage `json:"meta,omitempty"`
	At    time.Time       `json:"at"`
}

// Checkpoint is the single durable resume point of a run. Each run has
// at most one; saving overwrites the previous. NextStage names the stage
// execution resumes at, so completed side effects are never replayed.
type Checkpoint[S any] struct {
	RunID     string    `json:"runId"`
	NextStage string    `json:"nextStage"`
	State     S         `json:"state"`
	Step      int       `json:"step"`
	SavedAt   time.Time `json:"savedAt"`
}

// ListFilter narrows ListRuns. Zero values mean "no constraint".
type ListFilter struct {
	Status string
	Limit  int
}

// Store persists the run registry, event log, and checkpoints.
//
// Type parameter S is the checkpointed state type. The registry and
// event log are schema-stable; only checkpoints carry S.
//
// All methods are safe for concurrent use.
type Store[S any] interface {
	// CreateRun inserts a new registry row.
	CreateRun(ctx context.Context, rec RunRecord) error

	// GetRun retrieves a registry row by run id.
	// Returns ErrNotFound if the run does not exist.
	GetRun(ctx context.Context, id string) (RunRecord, error)

	// ListRuns returns registry rows, newest first.
	ListRuns(ctx context.Context, f ListFilter) ([]RunRecord, error)

	// UpdateRun applies a partial update to a registry row.
	// Returns ErrNotFound if the run does not exist.
	UpdateRun(ctx context.Context, id string, upd RunUpdate) error

	// DeleteRun removes a run with its events and checkpoint.
	// Returns ErrNotFound if the run does not exist.
	DeleteRun(ctx context.Context, id string) error

	// FindRunByTicket returns the newest run for a ticket URL whose
	// status is not in the excluded set. Returns ErrNotFound when no
	// such run exists.
	FindRunByTicket(ctx context.Context, ticketURL string, excludeStatuses []string) (RunRecord, error)

	// AppendEvent appends to the run's event log and returns the
	// assigned sequence number (strictly increasing per run, from 1).
	AppendEvent(ctx context.Context, ev EventRecord) (seq int64, err error)

	// Events returns a run's events with Seq > afterSeq, in order.
	Events(ctx context.Context, runID string, afterSeq int64) ([]EventRecord, error)

	// SaveCheckpoint writes the run's resume point, replacing any
	// previous checkpoint for the same run.
	SaveCheckpoint(ctx context.Context, cp Checkpoint[S]) error

	// LoadCheckpoint retrieves the run's resume point.
	// Returns ErrNotFound if none exists.
	LoadCheckpoint(ctx context.Context, runID string) (Checkpoint[S], error)

	// DeleteCheckpoint removes the run's resume point. Deleting a
	// missing checkpoint is not an error.
	DeleteCheckpoint(ctx context.Context, runID string) error

	// Close releases any resources held by the store.
	Close() error
}
