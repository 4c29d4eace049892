package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/chronicle/internal/chronicle/event"
	"github.com/louisbranch/chronicle/internal/chronicle/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chronicle.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("   "); err == nil {
		t.Fatal("expected error for blank path")
	}
}

func TestCloseNilSafe(t *testing.T) {
	var s *Store
	if err := s.Close(); err != nil {
		t.Fatalf("Close on nil store: %v", err)
	}
}

func TestAppendEventsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	committed, err := s.AppendEvents(ctx, "acc-1", "account", 0, []event.Envelope{
		{Type: "account.created", Payload: []byte(`{"username":"alice"}`)},
		{Type: "account.display_name_changed", Payload: []byte(`{"display_name":"Alice"}`)},
	})
	if err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
	if len(committed) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(committed))
	}
	if committed[0].Version != 1 || committed[1].Version != 2 {
		t.Fatalf("versions = %d,%d, want 1,2", committed[0].Version, committed[1].Version)
	}
	if committed[0].GlobalPos != 1 || committed[1].GlobalPos != 2 {
		t.Fatalf("global positions = %d,%d, want 1,2", committed[0].GlobalPos, committed[1].GlobalPos)
	}

	stream, err := s.ReadStream(ctx, "acc-1", 0, 0)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if len(stream) != 2 {
		t.Fatalf("expected 2 stream events, got %d", len(stream))
	}
	if string(stream[0].Payload) != `{"username":"alice"}` {
		t.Fatalf("payload round trip mismatch: %s", stream[0].Payload)
	}
	if stream[0].Timestamp.IsZero() {
		t.Fatal("expected persisted timestamp")
	}
	if !stream[0].Timestamp.Equal(committed[0].Timestamp) {
		t.Fatalf("timestamp round trip mismatch: %v vs %v", stream[0].Timestamp, committed[0].Timestamp)
	}
}

func TestAppendEventsConflictOnStaleVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendEvents(ctx, "acc-1", "account", 0, []event.Envelope{{Type: "account.created"}}); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}

	_, err := s.AppendEvents(ctx, "acc-1", "account", 0, []event.Envelope{{Type: "account.deleted"}})
	if !errors.Is(err, storage.ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}

	// Nothing from the rejected batch may be visible.
	version, err := s.LatestVersion(ctx, "acc-1")
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	if version != 1 {
		t.Fatalf("version after rejected append = %d, want 1", version)
	}
	all, err := s.ReadAll(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 event in feed, got %d", len(all))
	}
}

func TestGlobalPositionsSpanStreams(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendEvents(ctx, "acc-1", "account", 0, []event.Envelope{{Type: "account.created"}}); err != nil {
		t.Fatalf("append acc-1: %v", err)
	}
	if _, err := s.AppendEvents(ctx, "acc-2", "account", 0, []event.Envelope{{Type: "account.created"}}); err != nil {
		t.Fatalf("append acc-2: %v", err)
	}
	if _, err := s.AppendEvents(ctx, "acc-1", "account", 1, []event.Envelope{{Type: "account.deleted"}}); err != nil {
		t.Fatalf("append acc-1 again: %v", err)
	}

	all, err := s.ReadAll(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	for i, env := range all {
		if env.GlobalPos != uint64(i+1) {
			t.Errorf("event %d global pos = %d, want %d", i, env.GlobalPos, i+1)
		}
	}

	tail, err := s.ReadAll(ctx, 1, 1)
	if err != nil {
		t.Fatalf("ReadAll with limit: %v", err)
	}
	if len(tail) != 1 || tail[0].GlobalPos != 2 {
		t.Fatalf("expected single event at pos 2, got %+v", tail)
	}
}

func TestWatchNotifiesOnCommit(t *testing.T) {
	s := openTestStore(t)
	ch := s.Watch()

	if _, err := s.AppendEvents(context.Background(), "acc-1", "account", 0, []event.Envelope{{Type: "account.created"}}); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected watch notification after commit")
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetLatestSnapshot(ctx, "acc-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found before any snapshot, got %v", err)
	}

	for _, v := range []uint64{64, 128, 192} {
		err := s.PutSnapshot(ctx, storage.Snapshot{
			AggregateID:   "acc-1",
			AggregateType: "account",
			Version:       v,
			StateJSON:     []byte(`{"display_name":"Alice"}`),
		})
		if err != nil {
			t.Fatalf("PutSnapshot v%d: %v", v, err)
		}
	}

	latest, err := s.GetLatestSnapshot(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetLatestSnapshot: %v", err)
	}
	if latest.Version != 192 {
		t.Fatalf("latest snapshot version = %d, want 192", latest.Version)
	}
	if string(latest.StateJSON) != `{"display_name":"Alice"}` {
		t.Fatalf("state round trip mismatch: %s", latest.StateJSON)
	}

	if err := s.PruneSnapshots(ctx, "acc-1", 1); err != nil {
		t.Fatalf("PruneSnapshots: %v", err)
	}
	remaining, err := s.ListSnapshots(ctx, "acc-1", 0)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Version != 192 {
		t.Fatalf("expected only version 192 after prune, got %+v", remaining)
	}
}

func TestCheckpointUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetCheckpoint(ctx, "accounts-read-model"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for missing checkpoint, got %v", err)
	}

	if err := s.SaveCheckpoint(ctx, storage.Checkpoint{Name: "accounts-read-model", Position: 9}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, storage.Checkpoint{Name: "accounts-read-model", Position: 17}); err != nil {
		t.Fatalf("SaveCheckpoint update: %v", err)
	}

	cp, err := s.GetCheckpoint(ctx, "accounts-read-model")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp.Position != 17 {
		t.Fatalf("checkpoint position = %d, want 17", cp.Position)
	}
}

func TestSagaInstancePersistence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inst := storage.SagaInstance{
		SagaID:           "saga-1",
		Definition:       "account-provisioning",
		Status:           storage.SagaRunning,
		CurrentStep:      0,
		TriggerEventID:   "evt-1",
		TriggerGlobalPos: 4,
		StateJSON:        []byte(`{"username":"alice"}`),
	}
	if err := s.PutSagaInstance(ctx, inst); err != nil {
		t.Fatalf("PutSagaInstance: %v", err)
	}

	inst.Status = storage.SagaCompensating
	inst.CurrentStep = 1
	inst.AppliedSteps = []string{"reserve-username", "provision-mailbox"}
	inst.LastError = "mailbox provider timeout"
	if err := s.PutSagaInstance(ctx, inst); err != nil {
		t.Fatalf("PutSagaInstance update: %v", err)
	}

	got, err := s.GetSagaInstanceByTrigger(ctx, "evt-1")
	if err != nil {
		t.Fatalf("GetSagaInstanceByTrigger: %v", err)
	}
	if got.Status != storage.SagaCompensating {
		t.Fatalf("status = %q, want compensating", got.Status)
	}
	if len(got.AppliedSteps) != 2 || got.AppliedSteps[1] != "provision-mailbox" {
		t.Fatalf("applied steps round trip mismatch: %+v", got.AppliedSteps)
	}
	if got.LastError != "mailbox provider timeout" {
		t.Fatalf("last error = %q", got.LastError)
	}

	active, err := s.ListActiveSagaInstances(ctx, "account-provisioning")
	if err != nil {
		t.Fatalf("ListActiveSagaInstances: %v", err)
	}
	if len(active) != 1 || active[0].SagaID != "saga-1" {
		t.Fatalf("expected saga-1 active, got %+v", active)
	}

	inst.Status = storage.SagaFailed
	if err := s.PutSagaInstance(ctx, inst); err != nil {
		t.Fatalf("PutSagaInstance terminal: %v", err)
	}
	active, err = s.ListActiveSagaInstances(ctx, "account-provisioning")
	if err != nil {
		t.Fatalf("ListActiveSagaInstances after terminal: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active instances, got %+v", active)
	}
}
