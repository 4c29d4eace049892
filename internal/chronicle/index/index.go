// Package index defines the secondary index contract: a read-optimized
// lookup track mapping business keys to aggregates, derived from the event
// log and rebuildable from it at any time.
package index

import (
	"context"

	apperrors "github.com/louisbranch/chronicle/internal/platform/errors"
)

// ErrNotFound indicates no index entry exists for the aggregate or key.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "index entry not found")

// ErrKeyConflict indicates a key already owned by a different aggregate.
// Keys are unique across the index; the writer must pick another key or
// release the old owner first.
var ErrKeyConflict = apperrors.New(apperrors.CodeIndexKeyConflict, "index key owned by another aggregate")

// ErrPartialIndexWrite indicates a multi-part index write that did not fully
// land. The entry is repairable by replaying the owning aggregate's events.
var ErrPartialIndexWrite = apperrors.New(apperrors.CodePartialIndexWrite, "index write landed partially")

// Entry is one indexed aggregate: its denormalized state plus the business
// keys that resolve to it.
type Entry struct {
	AggregateID string   `json:"aggregate_id"`
	Keys        []string `json:"keys,omitempty"`
	State       []byte   `json:"state,omitempty"`
}

// Store is the secondary index boundary. Implementations keep at most one
// live entry per key.
type Store interface {
	// Save upserts the entry for an aggregate and points every key at it.
	// Keys dropped since the previous save are released. Returns
	// ErrKeyConflict when a key is owned by a different aggregate.
	Save(ctx context.Context, aggregateID string, keys []string, state []byte) error
	// Load retrieves the entry by aggregate id.
	Load(ctx context.Context, aggregateID string) (Entry, error)
	// LoadByKey resolves a business key to its entry.
	LoadByKey(ctx context.Context, key string) (Entry, error)
	// Delete removes the entry and releases its keys. Deleting a missing
	// entry is not an error.
	Delete(ctx context.Context, aggregateID string) error
	// Exists reports whether an entry exists for the aggregate.
	Exists(ctx context.Context, aggregateID string) (bool, error)
	// Close releases backend resources.
	Close() error
}
