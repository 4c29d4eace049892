package saga

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/louisbranch/chronicle/internal/chronicle/event"
	"github.com/louisbranch/chronicle/internal/chronicle/storage"
	apperrors "github.com/louisbranch/chronicle/internal/platform/errors"
	"github.com/louisbranch/chronicle/internal/platform/id"
)

const (
	defaultBatchSize    = 100
	defaultPollInterval = time.Second
)

// CoordinatorConfig wires the collaborators a Coordinator needs.
type CoordinatorConfig struct {
	Definition  Definition
	Events      storage.EventStore
	Checkpoints storage.CheckpointStore
	Sagas       storage.SagaStore
	// Watcher wakes the feed loop on commit; nil falls back to polling only.
	Watcher storage.Watcher
	// StepTimeout overrides DefaultStepTimeout for steps without their own.
	StepTimeout time.Duration
	// PollInterval bounds feed staleness without watch notifications.
	PollInterval time.Duration
	// RetryInitialInterval seeds the backoff for compensation retries.
	RetryInitialInterval time.Duration
}

// Coordinator watches the committed feed for trigger events, runs one saga
// instance per trigger, and persists every state transition so in-flight
// workflows survive restarts.
type Coordinator struct {
	def           Definition
	events        storage.EventStore
	checkpoints   storage.CheckpointStore
	sagas         storage.SagaStore
	watcher       storage.Watcher
	stepTimeout   time.Duration
	pollInterval  time.Duration
	retryInterval time.Duration
}

// NewCoordinator creates a coordinator for one saga definition.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if err := cfg.Definition.Validate(); err != nil {
		return nil, err
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if cfg.Sagas == nil {
		return nil, fmt.Errorf("saga store is required")
	}
	stepTimeout := cfg.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Coordinator{
		def:           cfg.Definition,
		events:        cfg.Events,
		checkpoints:   cfg.Checkpoints,
		sagas:         cfg.Sagas,
		watcher:       cfg.Watcher,
		stepTimeout:   stepTimeout,
		pollInterval:  pollInterval,
		retryInterval: cfg.RetryInitialInterval,
	}, nil
}

// checkpointName is the feed cursor key for this saga definition.
func (c *Coordinator) checkpointName() string {
	return "saga:" + c.def.Name
}

// Run recovers in-flight instances, then drives the feed until ctx is
// canceled. Cancellation is a clean stop, not an error, no matter where in
// the step machinery it lands.
func (c *Coordinator) Run(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("coordinator is not configured")
	}
	err := c.run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Coordinator) run(ctx context.Context) error {
	if err := c.recover(ctx); err != nil {
		return err
	}

	pos := uint64(0)
	cp, err := c.checkpoints.GetCheckpoint(ctx, c.checkpointName())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("saga %q: load checkpoint: %w", c.def.Name, err)
		}
	} else {
		pos = cp.Position
	}

	var watch <-chan struct{}
	if c.watcher != nil {
		watch = c.watcher.Watch()
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		batch, err := c.events.ReadAll(ctx, pos, defaultBatchSize)
		if err != nil {
			log.Printf("saga %q: read feed: %v", c.def.Name, err)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			continue
		}

		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-watch:
			case <-ticker.C:
			}
			continue
		}

		for _, env := range batch {
			if env.Type == c.def.Trigger {
				if err := c.handleTrigger(ctx, env); err != nil {
					return err
				}
			}
			pos = env.GlobalPos
			if err := c.checkpoints.SaveCheckpoint(ctx, storage.Checkpoint{Name: c.checkpointName(), Position: pos}); err != nil {
				return fmt.Errorf("saga %q: save checkpoint: %w", c.def.Name, err)
			}
		}
	}
}

// handleTrigger starts a new instance for a trigger event, skipping triggers
// that already produced one. Feed delivery is at least once; the trigger
// lookup is the dedup point.
func (c *Coordinator) handleTrigger(ctx context.Context, trigger event.Envelope) error {
	existing, err := c.sagas.GetSagaInstanceByTrigger(ctx, trigger.EventID)
	switch {
	case err == nil:
		if existing.Status.IsTerminal() {
			return nil
		}
		return c.resume(ctx, existing)
	case errors.Is(err, storage.ErrNotFound):
	default:
		return fmt.Errorf("saga %q: trigger lookup: %w", c.def.Name, err)
	}

	sagaID, err := id.NewID()
	if err != nil {
		return fmt.Errorf("saga %q: generate instance id: %w", c.def.Name, err)
	}
	inst := Instance{
		SagaID:           sagaID,
		Definition:       c.def.Name,
		Status:           storage.SagaRunning,
		TriggerEventID:   trigger.EventID,
		TriggerGlobalPos: trigger.GlobalPos,
		StateJSON:        []byte("{}"),
	}
	if err := c.sagas.PutSagaInstance(ctx, inst); err != nil {
		return fmt.Errorf("saga %q: persist new instance: %w", c.def.Name, err)
	}
	return c.runInstance(ctx, inst, trigger)
}

// recover resumes every non-terminal instance left over from a previous
// process. Running instances re-execute from their parked step; compensating
// instances continue unwinding.
func (c *Coordinator) recover(ctx context.Context) error {
	active, err := c.sagas.ListActiveSagaInstances(ctx, c.def.Name)
	if err != nil {
		return fmt.Errorf("saga %q: list active instances: %w", c.def.Name, err)
	}
	for _, inst := range active {
		if err := c.resume(ctx, inst); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) resume(ctx context.Context, inst Instance) error {
	switch inst.Status {
	case storage.SagaRunning:
		trigger, err := c.loadTrigger(ctx, inst)
		if err != nil {
			return err
		}
		return c.runInstance(ctx, inst, trigger)
	case storage.SagaCompensating:
		return c.compensate(ctx, inst)
	default:
		return apperrors.WithMetadata(apperrors.CodeSagaTerminalState, "cannot resume a terminal saga instance", map[string]string{
			"saga_id": inst.SagaID,
			"status":  string(inst.Status),
		})
	}
}

// loadTrigger re-reads the trigger envelope from the feed for resumed
// instances.
func (c *Coordinator) loadTrigger(ctx context.Context, inst Instance) (event.Envelope, error) {
	if inst.TriggerGlobalPos == 0 {
		return event.Envelope{}, fmt.Errorf("saga %q instance %s: missing trigger position", c.def.Name, inst.SagaID)
	}
	envs, err := c.events.ReadAll(ctx, inst.TriggerGlobalPos-1, 1)
	if err != nil {
		return event.Envelope{}, fmt.Errorf("saga %q instance %s: load trigger: %w", c.def.Name, inst.SagaID, err)
	}
	if len(envs) == 0 || envs[0].EventID != inst.TriggerEventID {
		return event.Envelope{}, fmt.Errorf("saga %q instance %s: trigger event not found at pos %d", c.def.Name, inst.SagaID, inst.TriggerGlobalPos)
	}
	return envs[0], nil
}

// runInstance advances an instance through its remaining steps. A step error
// or timeout flips the instance to compensating.
func (c *Coordinator) runInstance(ctx context.Context, inst Instance, trigger event.Envelope) error {
	if inst.Status.IsTerminal() {
		return apperrors.WithMetadata(apperrors.CodeSagaTerminalState, "saga instance is terminal", map[string]string{
			"saga_id": inst.SagaID,
		})
	}

	for idx := inst.CurrentStep; idx < len(c.def.Steps); idx++ {
		step := c.def.Steps[idx]
		if err := c.executeStep(ctx, &inst, step, trigger); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			inst.Status = storage.SagaCompensating
			inst.LastError = err.Error()
			// Compensation unwinds from the last applied step.
			inst.CurrentStep = len(inst.AppliedSteps)
			if putErr := c.sagas.PutSagaInstance(ctx, inst); putErr != nil {
				return fmt.Errorf("saga %q instance %s: persist compensating: %w", c.def.Name, inst.SagaID, putErr)
			}
			log.Printf("saga %q instance %s: step %q failed, compensating: %v", c.def.Name, inst.SagaID, step.Name, err)
			return c.compensate(ctx, inst)
		}
		inst.AppliedSteps = append(inst.AppliedSteps, step.Name)
		inst.CurrentStep = idx + 1
		if err := c.sagas.PutSagaInstance(ctx, inst); err != nil {
			return fmt.Errorf("saga %q instance %s: persist step: %w", c.def.Name, inst.SagaID, err)
		}
	}

	inst.Status = storage.SagaCompleted
	if err := c.sagas.PutSagaInstance(ctx, inst); err != nil {
		return fmt.Errorf("saga %q instance %s: persist completed: %w", c.def.Name, inst.SagaID, err)
	}
	return nil
}

func (c *Coordinator) executeStep(ctx context.Context, inst *Instance, step Step, trigger event.Envelope) error {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = c.stepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := step.Execute(stepCtx, inst, trigger)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return apperrors.WithMetadata(apperrors.CodeSagaStepTimeout, "saga step timed out", map[string]string{
			"saga_id": inst.SagaID,
			"step":    step.Name,
		})
	}
	return err
}

// compensate undoes applied steps in strict reverse order. Each compensation
// is retried with backoff until it succeeds; compensations are expected to be
// idempotent. The instance terminates Failed once unwinding finishes.
func (c *Coordinator) compensate(ctx context.Context, inst Instance) error {
	retry := backoff.NewExponentialBackOff()
	if c.retryInterval > 0 {
		retry.InitialInterval = c.retryInterval
		retry.Reset()
	}

	for idx := len(inst.AppliedSteps) - 1; idx >= 0; idx-- {
		name := inst.AppliedSteps[idx]
		step, ok := c.def.step(name)
		if !ok {
			return fmt.Errorf("saga %q instance %s: applied step %q not in definition", c.def.Name, inst.SagaID, name)
		}
		if step.Compensate != nil {
			for {
				err := step.Compensate(ctx, &inst)
				if err == nil {
					retry.Reset()
					break
				}
				if errors.Is(err, context.Canceled) {
					return err
				}
				log.Printf("saga %q instance %s: compensate %q: %v", c.def.Name, inst.SagaID, name, err)
				timer := time.NewTimer(retry.NextBackOff())
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
		}
		inst.AppliedSteps = inst.AppliedSteps[:idx]
		inst.CurrentStep = idx
		if err := c.sagas.PutSagaInstance(ctx, inst); err != nil {
			return fmt.Errorf("saga %q instance %s: persist compensation: %w", c.def.Name, inst.SagaID, err)
		}
	}

	inst.Status = storage.SagaFailed
	if err := c.sagas.PutSagaInstance(ctx, inst); err != nil {
		return fmt.Errorf("saga %q instance %s: persist failed: %w", c.def.Name, inst.SagaID, err)
	}
	return nil
}
