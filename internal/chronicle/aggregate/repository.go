package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/chronicle/internal/chronicle/event"
	"github.com/louisbranch/chronicle/internal/chronicle/storage"
	apperrors "github.com/louisbranch/chronicle/internal/platform/errors"
)

const (
	// DefaultSnapshotInterval is how many events accumulate past the last
	// snapshot before a new one is cut.
	DefaultSnapshotInterval = 64
	// DefaultSnapshotKeep is how many snapshots survive pruning.
	DefaultSnapshotKeep = 3

	snapshotTimeout = 10 * time.Second
)

// RepositoryConfig wires the collaborators a Repository needs.
type RepositoryConfig struct {
	Events    storage.EventStore
	Snapshots storage.SnapshotStore
	Registry  *event.Registry
	Folder    *Folder
	// SnapshotInterval overrides DefaultSnapshotInterval when > 0.
	SnapshotInterval uint64
	// SnapshotKeep overrides DefaultSnapshotKeep when > 0.
	SnapshotKeep int
}

// Repository loads and saves one aggregate type against the event store,
// using snapshots as replay accelerators. The event stream stays the source
// of truth: a snapshot is never consulted without folding the events after it.
type Repository struct {
	events           storage.EventStore
	snapshots        storage.SnapshotStore
	registry         *event.Registry
	folder           *Folder
	snapshotInterval uint64
	snapshotKeep     int
}

// NewRepository creates a repository for the folder's aggregate type.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Events == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if cfg.Snapshots == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}
	if cfg.Folder == nil {
		return nil, fmt.Errorf("folder is required")
	}
	interval := cfg.SnapshotInterval
	if interval == 0 {
		interval = DefaultSnapshotInterval
	}
	keep := cfg.SnapshotKeep
	if keep <= 0 {
		keep = DefaultSnapshotKeep
	}
	return &Repository{
		events:           cfg.Events,
		snapshots:        cfg.Snapshots,
		registry:         cfg.Registry,
		folder:           cfg.Folder,
		snapshotInterval: interval,
		snapshotKeep:     keep,
	}, nil
}

// Load rehydrates an aggregate: latest snapshot first, then the events after
// it folded in version order. Returns storage.ErrNotFound when the aggregate
// has neither a snapshot nor any events.
func (r *Repository) Load(ctx context.Context, aggregateID string) (any, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if r == nil {
		return nil, 0, fmt.Errorf("repository is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return nil, 0, apperrors.New(apperrors.CodeAggregateIDEmpty, "aggregate id is required")
	}

	state := r.folder.NewState()
	var version uint64

	snap, err := r.snapshots.GetLatestSnapshot(ctx, aggregateID)
	switch {
	case err == nil:
		if err := json.Unmarshal(snap.StateJSON, state); err != nil {
			return nil, 0, apperrors.Wrap(apperrors.CodeSerialization, "decode snapshot state", err)
		}
		version = snap.Version
	case errors.Is(err, storage.ErrNotFound):
		// Full replay from version 1.
	default:
		return nil, 0, err
	}

	envelopes, err := r.events.ReadStream(ctx, aggregateID, version, 0)
	if err != nil {
		return nil, 0, err
	}
	if version == 0 && len(envelopes) == 0 {
		return nil, 0, storage.ErrNotFound
	}

	for _, env := range envelopes {
		if env.Version != version+1 {
			return nil, 0, apperrors.WithMetadata(apperrors.CodeReplayGap, "stream version gap during replay", map[string]string{
				"aggregate_id": aggregateID,
				"expected":     fmt.Sprintf("%d", version+1),
				"got":          fmt.Sprintf("%d", env.Version),
			})
		}
		payload, err := r.registry.DecodePayload(env)
		if err != nil {
			return nil, 0, err
		}
		state, err = r.folder.Apply(state, env, payload)
		if err != nil {
			return nil, 0, err
		}
		version = env.Version
	}

	return state, version, nil
}

// Save validates and appends new envelopes for one aggregate, returning the
// new stream head version. When enough events have accumulated past the last
// snapshot, a snapshot is cut in the background; snapshot failures never fail
// the save.
func (r *Repository) Save(ctx context.Context, aggregateID string, expectedVersion uint64, envelopes []event.Envelope) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if r == nil {
		return 0, fmt.Errorf("repository is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return 0, apperrors.New(apperrors.CodeAggregateIDEmpty, "aggregate id is required")
	}
	if len(envelopes) == 0 {
		return 0, fmt.Errorf("at least one envelope is required")
	}

	validated := make([]event.Envelope, len(envelopes))
	for i, env := range envelopes {
		env.AggregateID = aggregateID
		env.AggregateType = r.folder.AggregateType()
		v, err := r.registry.ValidateForAppend(env)
		if err != nil {
			return 0, fmt.Errorf("envelope %d: %w", i, err)
		}
		validated[i] = v
	}

	committed, err := r.events.AppendEvents(ctx, aggregateID, r.folder.AggregateType(), expectedVersion, validated)
	if err != nil {
		return 0, err
	}
	newVersion := committed[len(committed)-1].Version

	if r.shouldSnapshot(ctx, aggregateID, newVersion) {
		go func() {
			snapCtx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
			defer cancel()
			if err := r.Snapshot(snapCtx, aggregateID); err != nil {
				log.Printf("snapshot aggregate_id=%s: %v", aggregateID, err)
			}
		}()
	}

	return newVersion, nil
}

// Snapshot materializes the current aggregate state as a snapshot at the
// stream head and prunes older snapshots past the retention count.
func (r *Repository) Snapshot(ctx context.Context, aggregateID string) error {
	if r == nil {
		return fmt.Errorf("repository is not configured")
	}
	state, version, err := r.Load(ctx, aggregateID)
	if err != nil {
		return err
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeSerialization, "encode snapshot state", err)
	}
	err = r.snapshots.PutSnapshot(ctx, storage.Snapshot{
		AggregateID:   aggregateID,
		AggregateType: r.folder.AggregateType(),
		Version:       version,
		StateJSON:     stateJSON,
	})
	if err != nil {
		return err
	}
	return r.snapshots.PruneSnapshots(ctx, aggregateID, r.snapshotKeep)
}

// shouldSnapshot reports whether newVersion is far enough past the last
// snapshot to justify cutting another one. Lookup failures mean "no snapshot
// yet" rather than blocking the save path.
func (r *Repository) shouldSnapshot(ctx context.Context, aggregateID string, newVersion uint64) bool {
	var last uint64
	snap, err := r.snapshots.GetLatestSnapshot(ctx, aggregateID)
	if err == nil {
		last = snap.Version
	}
	return newVersion-last >= r.snapshotInterval
}
