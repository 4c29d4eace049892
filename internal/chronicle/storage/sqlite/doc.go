// Package sqlite implements the persistence contracts for the event journal,
// snapshots, projection checkpoints, and saga instances.
//
// Why this package exists:
// - It is the concrete backend where the append-only write model and the replay paths meet.
// - It owns schema and durability behavior for stream history, including the
//   unique (aggregate_id, version) constraint that backstops optimistic concurrency.
// - It provides one global position sequence (the rowid) so feed consumers see a
//   total order across streams.
//
// Only this package translates engine-shaped records into concrete SQL rows
// and transactions.
package sqlite
