// Package saga coordinates multi-aggregate workflows driven by the event
// feed. A saga never spans aggregates with a transaction; it advances through
// discrete steps and undoes completed work with compensations when a later
// step fails.
package saga

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/chronicle/internal/chronicle/event"
	"github.com/louisbranch/chronicle/internal/chronicle/storage"
	apperrors "github.com/louisbranch/chronicle/internal/platform/errors"
)

// DefaultStepTimeout bounds a single step execution unless the step sets its
// own timeout.
const DefaultStepTimeout = 30 * time.Second

// Instance is the persisted execution state of one saga run.
type Instance = storage.SagaInstance

// Step is one unit of saga work. Execute and Compensate must be idempotent:
// crash recovery re-runs the step the instance was parked on.
type Step struct {
	Name string
	// Execute performs the step. The instance is mutable; changes to its
	// StateJSON are persisted after the step completes.
	Execute func(ctx context.Context, inst *Instance, trigger event.Envelope) error
	// Compensate undoes the step after a later step failed. Nil means the
	// step needs no undo.
	Compensate func(ctx context.Context, inst *Instance) error
	// Timeout bounds Execute; DefaultStepTimeout when zero.
	Timeout time.Duration
}

// Definition declares a saga: the event type that starts it and the ordered
// steps it runs.
type Definition struct {
	Name    string
	Trigger event.Type
	Steps   []Step
}

// Validate reports whether the definition is runnable.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return apperrors.New(apperrors.CodeSagaDefinitionEmpty, "saga name is required")
	}
	if !d.Trigger.IsValid() {
		return apperrors.New(apperrors.CodeSagaDefinitionEmpty, "saga trigger event type is required")
	}
	if len(d.Steps) == 0 {
		return apperrors.New(apperrors.CodeSagaDefinitionEmpty, "saga needs at least one step")
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i, step := range d.Steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			return apperrors.WithMetadata(apperrors.CodeSagaDefinitionEmpty, "saga step name is required", map[string]string{
				"step": strconv.Itoa(i),
			})
		}
		if _, dup := seen[name]; dup {
			return apperrors.WithMetadata(apperrors.CodeSagaDefinitionEmpty, "saga step names must be unique", map[string]string{
				"step": name,
			})
		}
		seen[name] = struct{}{}
		if step.Execute == nil {
			return apperrors.WithMetadata(apperrors.CodeSagaDefinitionEmpty, "saga step execute is required", map[string]string{
				"step": name,
			})
		}
	}
	return nil
}

func (d Definition) step(name string) (Step, bool) {
	for _, step := range d.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return Step{}, false
}
