package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/chronicle/internal/chronicle/event"
	"github.com/louisbranch/chronicle/internal/chronicle/storage"
	"github.com/louisbranch/chronicle/internal/chronicle/storage/memory"
)

type stepLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *stepLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *stepLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

func newTestCoordinator(t *testing.T, store *memory.Store, def Definition) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(CoordinatorConfig{
		Definition:           def,
		Events:               store,
		Checkpoints:          store,
		Sagas:                store,
		Watcher:              store,
		PollInterval:         10 * time.Millisecond,
		RetryInitialInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return c
}

func appendTrigger(t *testing.T, store *memory.Store, aggregateID string) event.Envelope {
	t.Helper()
	ctx := context.Background()
	version, err := store.LatestVersion(ctx, aggregateID)
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	committed, err := store.AppendEvents(ctx, aggregateID, "account", version, []event.Envelope{
		{Type: "account.created", Payload: []byte(`{"username":"alice"}`)},
	})
	if err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
	return committed[0]
}

func waitForInstance(t *testing.T, store *memory.Store, triggerEventID string, status storage.SagaStatus) Instance {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		inst, err := store.GetSagaInstanceByTrigger(context.Background(), triggerEventID)
		if err == nil && inst.Status == status {
			return inst
		}
		if time.Now().After(deadline) {
			if err != nil {
				t.Fatalf("instance for trigger %s never appeared: %v", triggerEventID, err)
			}
			t.Fatalf("instance status = %q, want %q", inst.Status, status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDefinitionValidate(t *testing.T) {
	noop := func(context.Context, *Instance, event.Envelope) error { return nil }

	cases := []struct {
		name string
		def  Definition
		ok   bool
	}{
		{"valid", Definition{Name: "provisioning", Trigger: "account.created", Steps: []Step{{Name: "a", Execute: noop}}}, true},
		{"blank name", Definition{Trigger: "account.created", Steps: []Step{{Name: "a", Execute: noop}}}, false},
		{"missing trigger", Definition{Name: "provisioning", Steps: []Step{{Name: "a", Execute: noop}}}, false},
		{"no steps", Definition{Name: "provisioning", Trigger: "account.created"}, false},
		{"blank step name", Definition{Name: "provisioning", Trigger: "account.created", Steps: []Step{{Execute: noop}}}, false},
		{"duplicate step", Definition{Name: "provisioning", Trigger: "account.created", Steps: []Step{{Name: "a", Execute: noop}, {Name: "a", Execute: noop}}}, false},
		{"nil execute", Definition{Name: "provisioning", Trigger: "account.created", Steps: []Step{{Name: "a"}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.def.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSagaRunsToCompletion(t *testing.T) {
	store := memory.NewStore()
	steps := &stepLog{}

	def := Definition{
		Name:    "account-provisioning",
		Trigger: "account.created",
		Steps: []Step{
			{
				Name: "reserve-username",
				Execute: func(ctx context.Context, inst *Instance, trigger event.Envelope) error {
					steps.add("reserve-username")
					return nil
				},
				Compensate: func(ctx context.Context, inst *Instance) error {
					steps.add("undo:reserve-username")
					return nil
				},
			},
			{
				Name: "provision-mailbox",
				Execute: func(ctx context.Context, inst *Instance, trigger event.Envelope) error {
					steps.add("provision-mailbox")
					return nil
				},
			},
		},
	}

	c := newTestCoordinator(t, store, def)
	trigger := appendTrigger(t, store, "acc-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	inst := waitForInstance(t, store, trigger.EventID, storage.SagaCompleted)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := steps.list()
	want := []string{"reserve-username", "provision-mailbox"}
	if len(got) != len(want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step %d = %q, want %q", i, got[i], want[i])
		}
	}
	if len(inst.AppliedSteps) != 2 {
		t.Fatalf("applied steps = %v, want both", inst.AppliedSteps)
	}
}

func TestSagaCompensatesInReverseOrder(t *testing.T) {
	store := memory.NewStore()
	steps := &stepLog{}

	def := Definition{
		Name:    "account-provisioning",
		Trigger: "account.created",
		Steps: []Step{
			{
				Name:    "reserve-username",
				Execute: func(ctx context.Context, inst *Instance, trigger event.Envelope) error { return nil },
				Compensate: func(ctx context.Context, inst *Instance) error {
					steps.add("undo:reserve-username")
					return nil
				},
			},
			{
				Name:    "provision-mailbox",
				Execute: func(ctx context.Context, inst *Instance, trigger event.Envelope) error { return nil },
				Compensate: func(ctx context.Context, inst *Instance) error {
					steps.add("undo:provision-mailbox")
					return nil
				},
			},
			{
				Name: "send-welcome",
				Execute: func(ctx context.Context, inst *Instance, trigger event.Envelope) error {
					return errors.New("smtp unavailable")
				},
			},
		},
	}

	c := newTestCoordinator(t, store, def)
	trigger := appendTrigger(t, store, "acc-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	inst := waitForInstance(t, store, trigger.EventID, storage.SagaFailed)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := steps.list()
	want := []string{"undo:provision-mailbox", "undo:reserve-username"}
	if len(got) != len(want) {
		t.Fatalf("compensations = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("compensation %d = %q, want %q", i, got[i], want[i])
		}
	}
	if inst.LastError == "" {
		t.Fatal("expected last error to be recorded")
	}
	if len(inst.AppliedSteps) != 0 {
		t.Fatalf("applied steps after unwinding = %v, want none", inst.AppliedSteps)
	}
}

func TestSagaCompensationRetriesUntilSuccess(t *testing.T) {
	store := memory.NewStore()
	steps := &stepLog{}
	var attempts int
	var mu sync.Mutex

	def := Definition{
		Name:    "account-provisioning",
		Trigger: "account.created",
		Steps: []Step{
			{
				Name:    "reserve-username",
				Execute: func(ctx context.Context, inst *Instance, trigger event.Envelope) error { return nil },
				Compensate: func(ctx context.Context, inst *Instance) error {
					mu.Lock()
					attempts++
					n := attempts
					mu.Unlock()
					if n < 3 {
						return errors.New("transient release failure")
					}
					steps.add("undo:reserve-username")
					return nil
				},
			},
			{
				Name: "provision-mailbox",
				Execute: func(ctx context.Context, inst *Instance, trigger event.Envelope) error {
					return errors.New("provider rejected mailbox")
				},
			},
		},
	}

	c := newTestCoordinator(t, store, def)
	trigger := appendTrigger(t, store, "acc-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitForInstance(t, store, trigger.EventID, storage.SagaFailed)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("compensation attempts = %d, want 3", attempts)
	}
	if len(steps.list()) != 1 {
		t.Fatalf("expected one successful compensation, got %v", steps.list())
	}
}

func TestSagaStepTimeoutTriggersCompensation(t *testing.T) {
	store := memory.NewStore()
	steps := &stepLog{}

	def := Definition{
		Name:    "account-provisioning",
		Trigger: "account.created",
		Steps: []Step{
			{
				Name:    "reserve-username",
				Execute: func(ctx context.Context, inst *Instance, trigger event.Envelope) error { return nil },
				Compensate: func(ctx context.Context, inst *Instance) error {
					steps.add("undo:reserve-username")
					return nil
				},
			},
			{
				Name:    "provision-mailbox",
				Timeout: 20 * time.Millisecond,
				Execute: func(ctx context.Context, inst *Instance, trigger event.Envelope) error {
					<-ctx.Done()
					return ctx.Err()
				},
			},
		},
	}

	c := newTestCoordinator(t, store, def)
	trigger := appendTrigger(t, store, "acc-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	inst := waitForInstance(t, store, trigger.EventID, storage.SagaFailed)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if inst.LastError == "" {
		t.Fatal("expected timeout recorded as last error")
	}
	if len(steps.list()) != 1 {
		t.Fatalf("expected compensation after timeout, got %v", steps.list())
	}
}

func TestSagaDeduplicatesTriggers(t *testing.T) {
	store := memory.NewStore()
	var mu sync.Mutex
	executions := 0

	def := Definition{
		Name:    "account-provisioning",
		Trigger: "account.created",
		Steps: []Step{
			{
				Name: "reserve-username",
				Execute: func(ctx context.Context, inst *Instance, trigger event.Envelope) error {
					mu.Lock()
					executions++
					mu.Unlock()
					return nil
				},
			},
		},
	}

	trigger := appendTrigger(t, store, "acc-1")

	// First pass completes the instance.
	c := newTestCoordinator(t, store, def)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	waitForInstance(t, store, trigger.EventID, storage.SagaCompleted)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	// A second coordinator with a rewound cursor sees the trigger again but
	// must not start a second instance.
	if err := store.SaveCheckpoint(context.Background(), storage.Checkpoint{Name: "saga:account-provisioning", Position: 0}); err != nil {
		t.Fatalf("rewind checkpoint: %v", err)
	}
	c2 := newTestCoordinator(t, store, def)
	ctx, cancel = context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() { done <- c2.Run(ctx) }()

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("second Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if executions != 1 {
		t.Fatalf("step executions = %d, want 1", executions)
	}
}

func TestSagaRecoversCompensatingInstanceOnStartup(t *testing.T) {
	store := memory.NewStore()
	steps := &stepLog{}

	def := Definition{
		Name:    "account-provisioning",
		Trigger: "account.created",
		Steps: []Step{
			{
				Name:    "reserve-username",
				Execute: func(ctx context.Context, inst *Instance, trigger event.Envelope) error { return nil },
				Compensate: func(ctx context.Context, inst *Instance) error {
					steps.add("undo:reserve-username")
					return nil
				},
			},
			{
				Name:    "provision-mailbox",
				Execute: func(ctx context.Context, inst *Instance, trigger event.Envelope) error { return nil },
			},
		},
	}

	trigger := appendTrigger(t, store, "acc-1")

	// Simulate a crash mid-compensation: the instance was parked
	// compensating with one applied step.
	parked := Instance{
		SagaID:           "saga-crashed",
		Definition:       "account-provisioning",
		Status:           storage.SagaCompensating,
		CurrentStep:      1,
		AppliedSteps:     []string{"reserve-username"},
		TriggerEventID:   trigger.EventID,
		TriggerGlobalPos: trigger.GlobalPos,
		LastError:        "mailbox provider unreachable",
	}
	if err := store.PutSagaInstance(context.Background(), parked); err != nil {
		t.Fatalf("PutSagaInstance: %v", err)
	}
	// The feed cursor already moved past the trigger before the crash.
	if err := store.SaveCheckpoint(context.Background(), storage.Checkpoint{Name: "saga:account-provisioning", Position: trigger.GlobalPos}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	c := newTestCoordinator(t, store, def)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	inst := waitForInstance(t, store, trigger.EventID, storage.SagaFailed)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(steps.list()) != 1 || steps.list()[0] != "undo:reserve-username" {
		t.Fatalf("expected recovery to finish compensating, got %v", steps.list())
	}
	if inst.Status != storage.SagaFailed {
		t.Fatalf("status = %q, want failed", inst.Status)
	}
}

func TestRunStopsCleanlyWhenCanceledMidStep(t *testing.T) {
	store := memory.NewStore()
	entered := make(chan struct{})

	def := Definition{
		Name:    "account-provisioning",
		Trigger: "account.created",
		Steps: []Step{
			{
				Name: "reserve-username",
				Execute: func(ctx context.Context, inst *Instance, trigger event.Envelope) error {
					close(entered)
					<-ctx.Done()
					return ctx.Err()
				},
			},
		},
	}

	c := newTestCoordinator(t, store, def)
	appendTrigger(t, store, "acc-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("step never started")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run after cancel = %v, want nil", err)
	}
}
