package storage

import (
	"context"
	"time"

	"github.com/louisbranch/chronicle/internal/chronicle/event"
	apperrors "github.com/louisbranch/chronicle/internal/platform/errors"
)

// ErrNotFound indicates a requested persistence record is missing.
// Callers use this to differentiate between legitimate "no such entity"
// states and transport or data corruption failures.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrConcurrencyConflict indicates an append whose expected version no longer
// matches the stream head. The caller must reload the aggregate and retry the
// whole mutation; the store never merges concurrent writes.
var ErrConcurrencyConflict = apperrors.New(apperrors.CodeConcurrencyConflict, "stream head does not match expected version")

// ErrStoreUnavailable indicates a transient infrastructure failure.
// Safe to retry with backoff.
var ErrStoreUnavailable = apperrors.New(apperrors.CodeStoreUnavailable, "store is temporarily unavailable")

// EventStore owns the append-only event stream boundary that drives replay
// and command rehydration; this is the source of truth for state
// reconstruction.
type EventStore interface {
	// AppendEvents atomically appends a batch of envelopes to one stream.
	// Either every envelope commits with consecutive versions starting at
	// expectedVersion+1, or none do. Returns ErrConcurrencyConflict when the
	// stream head is not expectedVersion. The returned envelopes carry the
	// assigned EventID, Version, GlobalPos, and Timestamp.
	AppendEvents(ctx context.Context, aggregateID, aggregateType string, expectedVersion uint64, envelopes []event.Envelope) ([]event.Envelope, error)
	// ReadStream returns envelopes for one aggregate ordered by version
	// ascending, starting after fromVersion. A limit of 0 means no limit.
	ReadStream(ctx context.Context, aggregateID string, fromVersion uint64, limit int) ([]event.Envelope, error)
	// ReadAll returns committed envelopes across all streams ordered by
	// global position ascending, starting after fromGlobalPos. A limit of 0
	// means no limit.
	ReadAll(ctx context.Context, fromGlobalPos uint64, limit int) ([]event.Envelope, error)
	// LatestVersion returns the stream head version for an aggregate.
	// Returns 0 when the stream does not exist.
	LatestVersion(ctx context.Context, aggregateID string) (uint64, error)
	// ListEventsPage returns a cursor-paginated view of the committed feed
	// for history and introspection tooling.
	ListEventsPage(ctx context.Context, req ListEventsPageRequest) (ListEventsPageResult, error)
}

// Watcher exposes a coalesced commit notification channel. Feed consumers
// (projections, sagas) block on it instead of hot-polling; a receive means
// "at least one append happened since you last looked", never how many.
type Watcher interface {
	Watch() <-chan struct{}
}

// Snapshot is a materialized aggregate state checkpoint derived from the
// event stream. Snapshots are accelerators for replay, not the source of
// authority: a snapshot at version V folded with events after V must equal a
// full replay from version 1.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	Version       uint64
	StateJSON     []byte
	CreatedAt     time.Time
}

// SnapshotStore persists replay checkpoints used to bound replay cost.
type SnapshotStore interface {
	// PutSnapshot stores a snapshot. Later snapshots supersede earlier ones;
	// earlier ones stay until pruned.
	PutSnapshot(ctx context.Context, snap Snapshot) error
	// GetLatestSnapshot retrieves the highest-version snapshot for an aggregate.
	GetLatestSnapshot(ctx context.Context, aggregateID string) (Snapshot, error)
	// ListSnapshots returns snapshots ordered by version descending.
	ListSnapshots(ctx context.Context, aggregateID string, limit int) ([]Snapshot, error)
	// PruneSnapshots removes all but the keep most recent snapshots.
	PruneSnapshots(ctx context.Context, aggregateID string, keep int) error
}

// Checkpoint captures the last global position a projection has applied.
type Checkpoint struct {
	Name      string
	Position  uint64
	UpdatedAt time.Time
}

// CheckpointStore persists projection cursors so consumers resume after
// restart without reprocessing or skipping.
type CheckpointStore interface {
	// GetCheckpoint retrieves a checkpoint by projection name.
	// Returns ErrNotFound when the projection has never checkpointed.
	GetCheckpoint(ctx context.Context, name string) (Checkpoint, error)
	// SaveCheckpoint upserts a checkpoint.
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}

// SagaStatus is the lifecycle state of a saga instance.
type SagaStatus string

const (
	// SagaRunning indicates the saga is advancing through its steps.
	SagaRunning SagaStatus = "running"
	// SagaCompleted indicates every step succeeded. Terminal.
	SagaCompleted SagaStatus = "completed"
	// SagaCompensating indicates a step failed and applied steps are being
	// undone in reverse order.
	SagaCompensating SagaStatus = "compensating"
	// SagaFailed indicates compensation finished after a failure. Terminal.
	SagaFailed SagaStatus = "failed"
)

// IsTerminal reports whether the status permits no further transitions.
func (s SagaStatus) IsTerminal() bool {
	return s == SagaCompleted || s == SagaFailed
}

// SagaInstance tracks one multi-aggregate workflow execution.
type SagaInstance struct {
	SagaID     string
	Definition string
	Status     SagaStatus
	// CurrentStep is the zero-based index of the step being executed
	// (Running) or the next step to compensate (Compensating).
	CurrentStep int
	// AppliedSteps lists step names that completed, in application order,
	// for strict reverse-order compensation.
	AppliedSteps []string
	// TriggerEventID and TriggerGlobalPos record the feed event that started
	// the instance, for idempotent trigger handling across restarts.
	TriggerEventID   string
	TriggerGlobalPos uint64
	// StateJSON holds saga-private workflow state carried between steps.
	StateJSON []byte
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SagaStore persists saga instances so in-flight workflows survive restarts.
type SagaStore interface {
	// PutSagaInstance upserts a saga instance.
	PutSagaInstance(ctx context.Context, inst SagaInstance) error
	// GetSagaInstance retrieves an instance by id.
	GetSagaInstance(ctx context.Context, sagaID string) (SagaInstance, error)
	// GetSagaInstanceByTrigger retrieves the instance created for a trigger
	// event, if any. Used to deduplicate at-least-once trigger delivery.
	GetSagaInstanceByTrigger(ctx context.Context, triggerEventID string) (SagaInstance, error)
	// ListActiveSagaInstances returns non-terminal instances for a
	// definition, ordered by creation time ascending.
	ListActiveSagaInstances(ctx context.Context, definition string) ([]SagaInstance, error)
}

// Store is a composite interface for all persistence concerns used across
// event sourcing, snapshotting, projection application, and sagas.
type Store interface {
	EventStore
	SnapshotStore
	CheckpointStore
	SagaStore
	Close() error
}
