// Package aggregate rebuilds aggregate state from event streams and owns the
// snapshot policy that keeps replay bounded.
package aggregate

import (
	"fmt"
	"strings"

	"github.com/louisbranch/chronicle/internal/chronicle/event"
	apperrors "github.com/louisbranch/chronicle/internal/platform/errors"
)

// Fold applies one decoded event payload to aggregate state and returns the
// updated state. Folds must be pure: no clocks, no randomness, no I/O, so a
// replay of the same stream always produces the same state.
type Fold func(state any, env event.Envelope, payload any) (any, error)

// Folder is the fold dispatch table for one aggregate type. Replaying a
// stream means starting from NewState and applying each event's fold in
// version order.
type Folder struct {
	aggregateType string
	newState      func() any
	folds         map[event.Type]Fold
	neutral       map[event.Type]struct{}
}

// NewFolder creates a fold registry for one aggregate type.
func NewFolder(aggregateType string, newState func() any) (*Folder, error) {
	aggregateType = strings.TrimSpace(aggregateType)
	if aggregateType == "" {
		return nil, apperrors.New(apperrors.CodeAggregateTypeEmpty, "aggregate type is required")
	}
	if newState == nil {
		return nil, fmt.Errorf("new state constructor is required")
	}
	return &Folder{
		aggregateType: aggregateType,
		newState:      newState,
		folds:         make(map[event.Type]Fold),
		neutral:       make(map[event.Type]struct{}),
	}, nil
}

// AggregateType returns the aggregate type this folder rebuilds.
func (f *Folder) AggregateType() string {
	if f == nil {
		return ""
	}
	return f.aggregateType
}

// NewState returns a fresh zero state for replay.
func (f *Folder) NewState() any {
	if f == nil || f.newState == nil {
		return nil
	}
	return f.newState()
}

// Handle registers the fold for one event type. Registering the same type
// twice is a programming error and is rejected.
func (f *Folder) Handle(t event.Type, fold Fold) error {
	if f == nil {
		return fmt.Errorf("folder is not configured")
	}
	if !t.IsValid() {
		return fmt.Errorf("event type %q is invalid", t)
	}
	if fold == nil {
		return fmt.Errorf("fold for %q is required", t)
	}
	if _, exists := f.folds[t]; exists {
		return fmt.Errorf("fold for %q already registered", t)
	}
	if _, exists := f.neutral[t]; exists {
		return fmt.Errorf("event type %q already registered as state-neutral", t)
	}
	f.folds[t] = fold
	return nil
}

// HandleNeutral registers an event type that is valid in the stream but does
// not change state, e.g. audit-only markers. Replay skips it silently.
func (f *Folder) HandleNeutral(t event.Type) error {
	if f == nil {
		return fmt.Errorf("folder is not configured")
	}
	if !t.IsValid() {
		return fmt.Errorf("event type %q is invalid", t)
	}
	if _, exists := f.folds[t]; exists {
		return fmt.Errorf("fold for %q already registered", t)
	}
	f.neutral[t] = struct{}{}
	return nil
}

// Apply dispatches one event to its registered fold. An event type with no
// fold and no neutral registration means the stream holds data this build
// cannot interpret, which is a replay error, not a skip.
func (f *Folder) Apply(state any, env event.Envelope, payload any) (any, error) {
	if f == nil {
		return nil, fmt.Errorf("folder is not configured")
	}
	if _, ok := f.neutral[env.Type]; ok {
		return state, nil
	}
	fold, ok := f.folds[env.Type]
	if !ok {
		return nil, apperrors.WithMetadata(apperrors.CodeEventTypeUnregistered, "no fold registered for event type", map[string]string{
			"event_type":     string(env.Type),
			"aggregate_type": f.aggregateType,
		})
	}
	return fold(state, env, payload)
}
