// Package storage defines the persistence boundary for the chronicle engine:
// the append-only event store, the snapshot store, projection checkpoints,
// and saga instances.
//
// The event store is the source of truth for state reconstruction; every
// other store holds derived or coordination state that can be rebuilt or
// resumed from the committed-event feed. Implementations live in
// storage/sqlite (durable) and storage/memory (tests and embedding).
package storage
