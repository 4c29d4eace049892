// Package projection drives read models from the committed event feed.
//
// Each subscription owns a durable checkpoint and receives events in global
// position order, at least once. Handlers must therefore be idempotent:
// after a crash between apply and checkpoint save, the same event is
// delivered again.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/chronicle/internal/chronicle/event"
	"github.com/louisbranch/chronicle/internal/chronicle/storage"
	apperrors "github.com/louisbranch/chronicle/internal/platform/errors"
)

const (
	defaultBatchSize    = 200
	defaultPollInterval = time.Second
)

// Handler applies one committed event to a read model.
type Handler func(ctx context.Context, env event.Envelope) error

// EngineConfig wires the collaborators an Engine needs.
type EngineConfig struct {
	Events      storage.EventStore
	Checkpoints storage.CheckpointStore
	// Watcher wakes subscriptions on commit; nil falls back to polling only.
	Watcher storage.Watcher
	// BatchSize bounds one feed read. Defaults when <= 0.
	BatchSize int
	// PollInterval bounds how stale a subscription can get without a watch
	// notification. Defaults when <= 0.
	PollInterval time.Duration
	// RetryInitialInterval seeds the exponential backoff applied to failing
	// handlers and feed reads. Defaults to the backoff package default.
	RetryInitialInterval time.Duration
}

type subscription struct {
	name          string
	aggregateType string
	handler       Handler
}

// Engine fans the committed feed out to named subscriptions, each with its
// own durable cursor.
type Engine struct {
	events        storage.EventStore
	checkpoints   storage.CheckpointStore
	watcher       storage.Watcher
	batchSize     int
	pollInterval  time.Duration
	retryInterval time.Duration

	mu      sync.Mutex
	subs    []subscription
	names   map[string]struct{}
	running bool
}

// NewEngine creates a projection engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Events == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Engine{
		events:        cfg.Events,
		checkpoints:   cfg.Checkpoints,
		watcher:       cfg.Watcher,
		batchSize:     batchSize,
		pollInterval:  pollInterval,
		retryInterval: cfg.RetryInitialInterval,
		names:         make(map[string]struct{}),
	}, nil
}

// Subscribe registers a named subscription. An empty aggregateType receives
// the whole feed. Subscriptions are fixed once Run starts.
func (e *Engine) Subscribe(name, aggregateType string, handler Handler) error {
	if e == nil {
		return fmt.Errorf("engine is not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return apperrors.New(apperrors.CodeProjectionNameEmpty, "projection name is required")
	}
	if handler == nil {
		return apperrors.New(apperrors.CodeHandlerRequired, "projection handler is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("cannot subscribe while the engine is running")
	}
	if _, exists := e.names[name]; exists {
		return fmt.Errorf("projection %q already subscribed", name)
	}
	e.names[name] = struct{}{}
	e.subs = append(e.subs, subscription{
		name:          name,
		aggregateType: strings.TrimSpace(aggregateType),
		handler:       handler,
	})
	return nil
}

// Run drives all subscriptions until ctx is canceled. Each subscription gets
// its own goroutine and advances independently; a failing handler pauses only
// its own cursor.
func (e *Engine) Run(ctx context.Context) error {
	if e == nil {
		return fmt.Errorf("engine is not configured")
	}
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine is already running")
	}
	if len(e.subs) == 0 {
		e.mu.Unlock()
		return fmt.Errorf("at least one subscription is required")
	}
	e.running = true
	subs := make([]subscription, len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			return e.runSubscription(gctx, sub)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Checkpoint returns the last applied global position for a projection,
// 0 when it has never checkpointed.
func (e *Engine) Checkpoint(ctx context.Context, name string) (uint64, error) {
	if e == nil {
		return 0, fmt.Errorf("engine is not configured")
	}
	cp, err := e.checkpoints.GetCheckpoint(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return cp.Position, nil
}

// Reset rewinds a projection to the start of the feed for a full rebuild.
// Call only while the engine is stopped.
func (e *Engine) Reset(ctx context.Context, name string) error {
	return e.Resume(ctx, name, 0)
}

// Resume moves a projection cursor to an arbitrary position. Call only while
// the engine is stopped; a running subscription would overwrite it.
func (e *Engine) Resume(ctx context.Context, name string, pos uint64) error {
	if e == nil {
		return fmt.Errorf("engine is not configured")
	}
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if running {
		return fmt.Errorf("cannot move cursors while the engine is running")
	}
	return e.checkpoints.SaveCheckpoint(ctx, storage.Checkpoint{Name: name, Position: pos})
}

func (e *Engine) runSubscription(ctx context.Context, sub subscription) error {
	pos, err := e.Checkpoint(ctx, sub.name)
	if err != nil {
		return fmt.Errorf("projection %q: load checkpoint: %w", sub.name, err)
	}

	var watch <-chan struct{}
	if e.watcher != nil {
		watch = e.watcher.Watch()
	}
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	retry := backoff.NewExponentialBackOff()
	if e.retryInterval > 0 {
		retry.InitialInterval = e.retryInterval
		retry.Reset()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := e.events.ReadAll(ctx, pos, e.batchSize)
		if err != nil {
			log.Printf("projection %q: read feed: %v", sub.name, err)
			if err := sleepCtx(ctx, retry.NextBackOff()); err != nil {
				return err
			}
			continue
		}

		if len(batch) == 0 {
			retry.Reset()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-watch:
			case <-ticker.C:
			}
			continue
		}

		for _, env := range batch {
			if sub.aggregateType == "" || env.AggregateType == sub.aggregateType {
				if err := e.applyWithRetry(ctx, sub, env, retry); err != nil {
					return err
				}
			}
			pos = env.GlobalPos
			if err := e.checkpoints.SaveCheckpoint(ctx, storage.Checkpoint{Name: sub.name, Position: pos}); err != nil {
				return fmt.Errorf("projection %q: save checkpoint: %w", sub.name, err)
			}
		}
		retry.Reset()
	}
}

// applyWithRetry delivers one event until the handler accepts it. The cursor
// does not move past a failing event; the subscription is paused on it.
func (e *Engine) applyWithRetry(ctx context.Context, sub subscription, env event.Envelope, retry *backoff.ExponentialBackOff) error {
	for {
		err := sub.handler(ctx, env)
		if err == nil {
			retry.Reset()
			return nil
		}
		log.Printf("projection %q: event %s at pos %d: %v", sub.name, env.Type, env.GlobalPos, err)
		if err := sleepCtx(ctx, retry.NextBackOff()); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
