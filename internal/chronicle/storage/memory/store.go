// Package memory provides an in-memory Store for tests and embedded use.
// It honors the same contracts as the sqlite store: atomic batch appends,
// expected-version concurrency checks, and a strictly increasing global feed.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/louisbranch/chronicle/internal/chronicle/event"
	"github.com/louisbranch/chronicle/internal/chronicle/storage"
)

// Store keeps all engine state in process memory guarded by one mutex.
type Store struct {
	mu          sync.RWMutex
	global      []event.Envelope
	streams     map[string][]event.Envelope
	snapshots   map[string][]storage.Snapshot
	checkpoints map[string]storage.Checkpoint
	sagas       map[string]storage.SagaInstance
	sagaTrigger map[string]string
	watchers    []chan struct{}
	clock       func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		streams:     make(map[string][]event.Envelope),
		snapshots:   make(map[string][]storage.Snapshot),
		checkpoints: make(map[string]storage.Checkpoint),
		sagas:       make(map[string]storage.SagaInstance),
		sagaTrigger: make(map[string]string),
		clock:       time.Now,
	}
}

// Close releases nothing; it exists to satisfy storage.Store.
func (s *Store) Close() error {
	return nil
}

// Watch returns a coalesced commit notification channel. Each caller gets its
// own channel so multiple feed consumers can block independently.
func (s *Store) Watch() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{}, 1)
	s.watchers = append(s.watchers, ch)
	return ch
}

func (s *Store) notifyLocked() {
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// AppendEvents atomically appends a batch of envelopes to one stream.
func (s *Store) AppendEvents(ctx context.Context, aggregateID, aggregateType string, expectedVersion uint64, envelopes []event.Envelope) ([]event.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return nil, fmt.Errorf("aggregate id is required")
	}
	aggregateType = strings.TrimSpace(aggregateType)
	if aggregateType == "" {
		return nil, fmt.Errorf("aggregate type is required")
	}
	if len(envelopes) == 0 {
		return nil, fmt.Errorf("at least one envelope is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	head := uint64(len(s.streams[aggregateID]))
	if head != expectedVersion {
		return nil, storage.ErrConcurrencyConflict
	}

	now := s.clock().UTC().Truncate(time.Millisecond)
	committed := make([]event.Envelope, 0, len(envelopes))
	for i, env := range envelopes {
		env.AggregateID = aggregateID
		env.AggregateType = aggregateType
		env.Version = expectedVersion + uint64(i) + 1
		env.GlobalPos = uint64(len(s.global)) + uint64(len(committed)) + 1
		if env.EventID == "" {
			env.EventID = uuid.NewString()
		}
		if env.Timestamp.IsZero() {
			env.Timestamp = now
		} else {
			env.Timestamp = env.Timestamp.UTC().Truncate(time.Millisecond)
		}
		if len(env.Payload) == 0 {
			env.Payload = []byte("{}")
		}
		committed = append(committed, env)
	}

	s.global = append(s.global, committed...)
	s.streams[aggregateID] = append(s.streams[aggregateID], committed...)
	s.notifyLocked()

	result := make([]event.Envelope, len(committed))
	copy(result, committed)
	return result, nil
}

// ReadStream returns envelopes for one aggregate ordered by version ascending.
func (s *Store) ReadStream(ctx context.Context, aggregateID string, fromVersion uint64, limit int) ([]event.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return nil, fmt.Errorf("aggregate id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[aggregateID]
	if fromVersion >= uint64(len(stream)) {
		return nil, nil
	}
	tail := stream[fromVersion:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	result := make([]event.Envelope, len(tail))
	copy(result, tail)
	return result, nil
}

// ReadAll returns committed envelopes ordered by global position ascending.
func (s *Store) ReadAll(ctx context.Context, fromGlobalPos uint64, limit int) ([]event.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if fromGlobalPos >= uint64(len(s.global)) {
		return nil, nil
	}
	tail := s.global[fromGlobalPos:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	result := make([]event.Envelope, len(tail))
	copy(result, tail)
	return result, nil
}

// LatestVersion returns the stream head version, 0 when the stream is absent.
func (s *Store) LatestVersion(ctx context.Context, aggregateID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return 0, fmt.Errorf("aggregate id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.streams[aggregateID])), nil
}

// PutSnapshot stores a snapshot.
func (s *Store) PutSnapshot(ctx context.Context, snap storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("storage is not configured")
	}
	snap.AggregateID = strings.TrimSpace(snap.AggregateID)
	if snap.AggregateID == "" {
		return fmt.Errorf("aggregate id is required")
	}
	if snap.Version == 0 {
		return fmt.Errorf("snapshot version is required")
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.clock().UTC().Truncate(time.Millisecond)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.snapshots[snap.AggregateID]
	replaced := false
	for i, sn := range existing {
		if sn.Version == snap.Version {
			existing[i] = snap
			replaced = true
			break
		}
	}
	if !replaced {
		existing = append(existing, snap)
		sort.Slice(existing, func(i, j int) bool { return existing[i].Version < existing[j].Version })
	}
	s.snapshots[snap.AggregateID] = existing
	return nil
}

// GetLatestSnapshot retrieves the highest-version snapshot for an aggregate.
func (s *Store) GetLatestSnapshot(ctx context.Context, aggregateID string) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	if s == nil {
		return storage.Snapshot{}, fmt.Errorf("storage is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return storage.Snapshot{}, fmt.Errorf("aggregate id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := s.snapshots[aggregateID]
	if len(snaps) == 0 {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	return snaps[len(snaps)-1], nil
}

// ListSnapshots returns snapshots ordered by version descending.
func (s *Store) ListSnapshots(ctx context.Context, aggregateID string, limit int) ([]storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return nil, fmt.Errorf("aggregate id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := s.snapshots[aggregateID]
	result := make([]storage.Snapshot, 0, len(snaps))
	for i := len(snaps) - 1; i >= 0; i-- {
		result = append(result, snaps[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// PruneSnapshots removes all but the keep most recent snapshots.
func (s *Store) PruneSnapshots(ctx context.Context, aggregateID string, keep int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("storage is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return fmt.Errorf("aggregate id is required")
	}
	if keep < 1 {
		return fmt.Errorf("keep must be at least 1")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := s.snapshots[aggregateID]
	if len(snaps) <= keep {
		return nil
	}
	s.snapshots[aggregateID] = append([]storage.Snapshot(nil), snaps[len(snaps)-keep:]...)
	return nil
}

// GetCheckpoint retrieves a checkpoint by projection name.
func (s *Store) GetCheckpoint(ctx context.Context, name string) (storage.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return storage.Checkpoint{}, err
	}
	if s == nil {
		return storage.Checkpoint{}, fmt.Errorf("storage is not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.Checkpoint{}, fmt.Errorf("checkpoint name is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[name]
	if !ok {
		return storage.Checkpoint{}, storage.ErrNotFound
	}
	return cp, nil
}

// SaveCheckpoint upserts a checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp storage.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("storage is not configured")
	}
	cp.Name = strings.TrimSpace(cp.Name)
	if cp.Name == "" {
		return fmt.Errorf("checkpoint name is required")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.clock().UTC().Truncate(time.Millisecond)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.Name] = cp
	return nil
}

// PutSagaInstance upserts a saga instance.
func (s *Store) PutSagaInstance(ctx context.Context, inst storage.SagaInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("storage is not configured")
	}
	inst.SagaID = strings.TrimSpace(inst.SagaID)
	if inst.SagaID == "" {
		return fmt.Errorf("saga id is required")
	}
	if inst.Definition == "" {
		return fmt.Errorf("saga definition name is required")
	}
	now := s.clock().UTC().Truncate(time.Millisecond)
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	inst.AppliedSteps = append([]string(nil), inst.AppliedSteps...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sagas[inst.SagaID] = inst
	if inst.TriggerEventID != "" {
		s.sagaTrigger[inst.TriggerEventID] = inst.SagaID
	}
	return nil
}

// GetSagaInstance retrieves an instance by id.
func (s *Store) GetSagaInstance(ctx context.Context, sagaID string) (storage.SagaInstance, error) {
	if err := ctx.Err(); err != nil {
		return storage.SagaInstance{}, err
	}
	if s == nil {
		return storage.SagaInstance{}, fmt.Errorf("storage is not configured")
	}
	sagaID = strings.TrimSpace(sagaID)
	if sagaID == "" {
		return storage.SagaInstance{}, fmt.Errorf("saga id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.sagas[sagaID]
	if !ok {
		return storage.SagaInstance{}, storage.ErrNotFound
	}
	inst.AppliedSteps = append([]string(nil), inst.AppliedSteps...)
	return inst, nil
}

// GetSagaInstanceByTrigger retrieves the instance created for a trigger event.
func (s *Store) GetSagaInstanceByTrigger(ctx context.Context, triggerEventID string) (storage.SagaInstance, error) {
	if err := ctx.Err(); err != nil {
		return storage.SagaInstance{}, err
	}
	if s == nil {
		return storage.SagaInstance{}, fmt.Errorf("storage is not configured")
	}
	triggerEventID = strings.TrimSpace(triggerEventID)
	if triggerEventID == "" {
		return storage.SagaInstance{}, fmt.Errorf("trigger event id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sagaID, ok := s.sagaTrigger[triggerEventID]
	if !ok {
		return storage.SagaInstance{}, storage.ErrNotFound
	}
	inst := s.sagas[sagaID]
	inst.AppliedSteps = append([]string(nil), inst.AppliedSteps...)
	return inst, nil
}

// ListActiveSagaInstances returns non-terminal instances for a definition.
func (s *Store) ListActiveSagaInstances(ctx context.Context, definition string) ([]storage.SagaInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	definition = strings.TrimSpace(definition)
	if definition == "" {
		return nil, fmt.Errorf("saga definition name is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []storage.SagaInstance
	for _, inst := range s.sagas {
		if inst.Definition != definition || inst.Status.IsTerminal() {
			continue
		}
		inst.AppliedSteps = append([]string(nil), inst.AppliedSteps...)
		result = append(result, inst)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].SagaID < result[j].SagaID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}
