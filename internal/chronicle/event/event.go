package event

import (
	"encoding/json"
	"strings"
	"time"
)

// Type identifies the kind of an event. Types use dotted names where the
// prefix is the owning aggregate domain (e.g. "account.created").
type Type string

// IsValid reports whether the event type is usable.
func (t Type) IsValid() bool {
	return strings.TrimSpace(string(t)) != ""
}

// Domain returns the domain prefix of the event type (e.g. "account").
func (t Type) Domain() string {
	for i, c := range t {
		if c == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}

// Envelope is the immutable record of one aggregate state transition.
//
// EventID, Timestamp, Version, and GlobalPos are assigned by the event store
// on append when unset; everything else is supplied by the caller. The
// Payload is opaque to the store: consumers dispatch on Type before
// interpreting it.
type Envelope struct {
	// EventID uniquely identifies this event across all streams.
	EventID string `json:"event_id"`
	// AggregateID identifies the stream this event belongs to.
	AggregateID string `json:"aggregate_id"`
	// AggregateType names the consistency boundary kind (e.g. "account").
	AggregateType string `json:"aggregate_type"`
	// Type identifies the kind of event.
	Type Type `json:"event_type"`
	// Version is the sequence number of this event within its aggregate's
	// stream: contiguous, strictly increasing, starting at 1.
	Version uint64 `json:"version"`
	// GlobalPos is the strictly increasing position in the committed-event
	// feed, independent of per-aggregate version. Assigned on append.
	GlobalPos uint64 `json:"global_pos,omitempty"`
	// Timestamp is when the event was committed (UTC, millisecond precision).
	Timestamp time.Time `json:"timestamp"`
	// Payload holds event-specific data as JSON, keyed by Type.
	Payload json.RawMessage `json:"payload"`
}
