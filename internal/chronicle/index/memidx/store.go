// Package memidx provides an in-memory secondary index for tests and
// embedded use.
package memidx

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/louisbranch/chronicle/internal/chronicle/index"
)

// Store keeps index entries in process memory guarded by one mutex.
type Store struct {
	mu      sync.RWMutex
	entries map[string]index.Entry
	keys    map[string]string
}

// NewStore creates an empty in-memory index.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]index.Entry),
		keys:    make(map[string]string),
	}
}

// Close releases nothing; it exists to satisfy index.Store.
func (s *Store) Close() error {
	return nil
}

// Save upserts the entry for an aggregate and points every key at it.
func (s *Store) Save(ctx context.Context, aggregateID string, keys []string, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("index is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return fmt.Errorf("aggregate id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		if owner, ok := s.keys[key]; ok && owner != aggregateID {
			return index.ErrKeyConflict
		}
	}

	// Release keys dropped since the previous save.
	if prior, ok := s.entries[aggregateID]; ok {
		kept := make(map[string]struct{}, len(keys))
		for _, key := range keys {
			kept[key] = struct{}{}
		}
		for _, key := range prior.Keys {
			if _, ok := kept[key]; !ok {
				delete(s.keys, key)
			}
		}
	}

	entry := index.Entry{
		AggregateID: aggregateID,
		Keys:        append([]string(nil), keys...),
		State:       append([]byte(nil), state...),
	}
	s.entries[aggregateID] = entry
	for _, key := range keys {
		s.keys[key] = aggregateID
	}
	return nil
}

// Load retrieves the entry by aggregate id.
func (s *Store) Load(ctx context.Context, aggregateID string) (index.Entry, error) {
	if err := ctx.Err(); err != nil {
		return index.Entry{}, err
	}
	if s == nil {
		return index.Entry{}, fmt.Errorf("index is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return index.Entry{}, fmt.Errorf("aggregate id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[aggregateID]
	if !ok {
		return index.Entry{}, index.ErrNotFound
	}
	return entry, nil
}

// LoadByKey resolves a business key to its entry.
func (s *Store) LoadByKey(ctx context.Context, key string) (index.Entry, error) {
	if err := ctx.Err(); err != nil {
		return index.Entry{}, err
	}
	if s == nil {
		return index.Entry{}, fmt.Errorf("index is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return index.Entry{}, fmt.Errorf("index key is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	aggregateID, ok := s.keys[key]
	if !ok {
		return index.Entry{}, index.ErrNotFound
	}
	entry, ok := s.entries[aggregateID]
	if !ok {
		return index.Entry{}, index.ErrNotFound
	}
	return entry, nil
}

// Delete removes the entry and releases its keys.
func (s *Store) Delete(ctx context.Context, aggregateID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("index is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return fmt.Errorf("aggregate id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[aggregateID]
	if !ok {
		return nil
	}
	for _, key := range entry.Keys {
		delete(s.keys, key)
	}
	delete(s.entries, aggregateID)
	return nil
}

// Exists reports whether an entry exists for the aggregate.
func (s *Store) Exists(ctx context.Context, aggregateID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil {
		return false, fmt.Errorf("index is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return false, fmt.Errorf("aggregate id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[aggregateID]
	return ok, nil
}
