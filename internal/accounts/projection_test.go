package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/louisbranch/chronicle/internal/chronicle/event"
	"github.com/louisbranch/chronicle/internal/chronicle/index"
	"github.com/louisbranch/chronicle/internal/chronicle/index/memidx"
)

func TestRebuildIndexReconstructsReadModel(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	aliceID, _, err := svc.Create(ctx, "alice", "Alice")
	if err != nil {
		t.Fatalf("Create alice: %v", err)
	}
	if _, err := svc.ChangeDisplayName(ctx, aliceID, 1, "Alice Liddell"); err != nil {
		t.Fatalf("ChangeDisplayName: %v", err)
	}
	bobID, _, err := svc.Create(ctx, "bob", "Bob")
	if err != nil {
		t.Fatalf("Create bob: %v", err)
	}
	if _, err := svc.Delete(ctx, bobID, 1, "left"); err != nil {
		t.Fatalf("Delete bob: %v", err)
	}

	// Replay the feed into a fresh backend, as after losing the index.
	rebuilt := memidx.NewStore()
	if err := RebuildIndex(ctx, store, svc.Registry(), rebuilt); err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}

	entry, err := rebuilt.LoadByKey(ctx, usernameKey("alice"))
	if err != nil {
		t.Fatalf("LoadByKey alice: %v", err)
	}
	if entry.AggregateID != aliceID {
		t.Fatalf("aggregate id = %q, want %q", entry.AggregateID, aliceID)
	}
	var account Account
	if err := json.Unmarshal(entry.State, &account); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if account.DisplayName != "Alice Liddell" {
		t.Fatalf("display name = %q, want %q", account.DisplayName, "Alice Liddell")
	}

	if _, err := rebuilt.LoadByKey(ctx, usernameKey("bob")); !errors.Is(err, index.ErrNotFound) {
		t.Fatalf("deleted account lookup = %v, want not found", err)
	}
}

func TestIndexHandlerSkipsRenameForDeletedAccount(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	accountID, _, err := svc.Create(ctx, "alice", "Alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.ChangeDisplayName(ctx, accountID, 1, "Alice Liddell"); err != nil {
		t.Fatalf("ChangeDisplayName: %v", err)
	}
	if _, err := svc.Delete(ctx, accountID, 2, "closed"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// Apply the feed out of order relative to the delete: the handler must
	// tolerate a rename arriving for an already-removed entry.
	idx := memidx.NewStore()
	handler, err := NewIndexHandler(svc.Registry(), idx)
	if err != nil {
		t.Fatalf("NewIndexHandler: %v", err)
	}
	feed, err := store.ReadAll(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	for i := len(feed) - 1; i >= 0; i-- {
		if err := handler(ctx, feed[i]); err != nil {
			t.Fatalf("handler at pos %d: %v", feed[i].GlobalPos, err)
		}
	}
}

func TestIndexHandlerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	aliceID, _, err := svc.Create(ctx, "alice", "Alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.ChangeDisplayName(ctx, aliceID, 1, "Alice Liddell"); err != nil {
		t.Fatalf("ChangeDisplayName: %v", err)
	}

	idx := memidx.NewStore()
	handler, err := NewIndexHandler(svc.Registry(), idx)
	if err != nil {
		t.Fatalf("NewIndexHandler: %v", err)
	}
	feed, err := store.ReadAll(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	// Delivery is at least once: applying every envelope twice must land the
	// same read model as applying it once.
	for _, env := range feed {
		if err := handler(ctx, env); err != nil {
			t.Fatalf("first delivery at pos %d: %v", env.GlobalPos, err)
		}
		if err := handler(ctx, env); err != nil {
			t.Fatalf("second delivery at pos %d: %v", env.GlobalPos, err)
		}
	}

	entry, err := idx.LoadByKey(ctx, usernameKey("alice"))
	if err != nil {
		t.Fatalf("LoadByKey: %v", err)
	}
	var account Account
	if err := json.Unmarshal(entry.State, &account); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if account.DisplayName != "Alice Liddell" {
		t.Fatalf("display name = %q, want %q", account.DisplayName, "Alice Liddell")
	}
}

func TestIndexHandlerSkipsCreatedForTakenUsername(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	// Two streams carrying a created event for the same username: the
	// second is the orphaned loser of a create race.
	for _, id := range []string{"acc-winner", "acc-loser"} {
		if _, err := store.AppendEvents(ctx, id, AggregateType, 0, []event.Envelope{{
			Type:    EventCreated,
			Payload: []byte(`{"username":"alice"}`),
		}}); err != nil {
			t.Fatalf("AppendEvents %s: %v", id, err)
		}
	}

	idx := memidx.NewStore()
	handler, err := NewIndexHandler(svc.Registry(), idx)
	if err != nil {
		t.Fatalf("NewIndexHandler: %v", err)
	}
	feed, err := store.ReadAll(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	for _, env := range feed {
		if err := handler(ctx, env); err != nil {
			t.Fatalf("handler at pos %d: %v", env.GlobalPos, err)
		}
	}

	entry, err := idx.LoadByKey(ctx, usernameKey("alice"))
	if err != nil {
		t.Fatalf("LoadByKey: %v", err)
	}
	if entry.AggregateID != "acc-winner" {
		t.Fatalf("username owner = %q, want %q", entry.AggregateID, "acc-winner")
	}
	if _, err := idx.Load(ctx, "acc-loser"); !errors.Is(err, index.ErrNotFound) {
		t.Fatalf("loser entry = %v, want not found", err)
	}
}
