// Package event defines the canonical event envelope and event-type registry used by
// the chronicle write path.
//
// Envelopes are immutable facts: once the store has appended one, no field is
// ever mutated again. The registry enforces envelope completeness before
// persistence assigns version and global position, and owns the mapping from
// event type tags to concrete payload schemas, including versioned upcasting
// for schema evolution.
//
// A stable envelope contract is the foundation for replay determinism,
// projection correctness, and cross-process consumers that depend on the same
// semantic names.
package event
