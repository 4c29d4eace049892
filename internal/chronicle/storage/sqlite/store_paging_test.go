package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/louisbranch/chronicle/internal/chronicle/event"
	"github.com/louisbranch/chronicle/internal/chronicle/storage"
)

func seedPagingEvents(t *testing.T, s *Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		aggregateID := "acc-a"
		if i%2 == 1 {
			aggregateID = "acc-b"
		}
		version, err := s.LatestVersion(ctx, aggregateID)
		if err != nil {
			t.Fatalf("LatestVersion: %v", err)
		}
		if _, err := s.AppendEvents(ctx, aggregateID, "account", version, []event.Envelope{
			{Type: "account.display_name_changed", Payload: []byte(`{}`)},
		}); err != nil {
			t.Fatalf("AppendEvents: %v", err)
		}
	}
}

func TestListEventsPageForwardWalk(t *testing.T) {
	s := openTestStore(t)
	seedPagingEvents(t, s, 25)
	ctx := context.Background()

	var positions []uint64
	token := ""
	pages := 0
	for {
		page, err := s.ListEventsPage(ctx, storage.ListEventsPageRequest{PageSize: 10, PageToken: token})
		if err != nil {
			t.Fatalf("ListEventsPage: %v", err)
		}
		pages++
		for _, env := range page.Events {
			positions = append(positions, env.GlobalPos)
		}
		if !page.HasNext {
			break
		}
		token = page.NextPageToken
	}

	if pages != 3 {
		t.Fatalf("expected 3 pages, got %d", pages)
	}
	if len(positions) != 25 {
		t.Fatalf("expected 25 events, got %d", len(positions))
	}
	for i, pos := range positions {
		if pos != uint64(i+1) {
			t.Fatalf("position %d = %d, want %d (no gaps or duplicates)", i, pos, i+1)
		}
	}
}

func TestListEventsPageBackwardNavigation(t *testing.T) {
	s := openTestStore(t)
	seedPagingEvents(t, s, 25)
	ctx := context.Background()

	first, err := s.ListEventsPage(ctx, storage.ListEventsPageRequest{PageSize: 10})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	second, err := s.ListEventsPage(ctx, storage.ListEventsPageRequest{PageSize: 10, PageToken: first.NextPageToken})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	third, err := s.ListEventsPage(ctx, storage.ListEventsPageRequest{PageSize: 10, PageToken: second.NextPageToken})
	if err != nil {
		t.Fatalf("third page: %v", err)
	}
	if third.HasNext {
		t.Fatal("third page must be the last page")
	}
	if len(third.Events) != 5 {
		t.Fatalf("third page has %d events, want 5", len(third.Events))
	}

	back, err := s.ListEventsPage(ctx, storage.ListEventsPageRequest{PageSize: 10, PageToken: third.PrevPageToken})
	if err != nil {
		t.Fatalf("prev page: %v", err)
	}
	if len(back.Events) != 10 {
		t.Fatalf("prev page has %d events, want 10", len(back.Events))
	}
	for i := range back.Events {
		if back.Events[i].GlobalPos != second.Events[i].GlobalPos {
			t.Fatalf("prev page event %d pos = %d, want %d", i, back.Events[i].GlobalPos, second.Events[i].GlobalPos)
		}
	}
	if !back.HasNext {
		t.Fatal("page reached via prev token must report a next page")
	}
	if back.PrevPageToken == "" {
		t.Fatal("expected a prev token when an earlier page exists")
	}
}

func TestListEventsPageScopedToAggregate(t *testing.T) {
	s := openTestStore(t)
	seedPagingEvents(t, s, 10)
	ctx := context.Background()

	page, err := s.ListEventsPage(ctx, storage.ListEventsPageRequest{AggregateID: "acc-b", PageSize: 20})
	if err != nil {
		t.Fatalf("ListEventsPage: %v", err)
	}
	if len(page.Events) != 5 {
		t.Fatalf("expected 5 events for acc-b, got %d", len(page.Events))
	}
	for _, env := range page.Events {
		if env.AggregateID != "acc-b" {
			t.Fatalf("unexpected aggregate %q in scoped page", env.AggregateID)
		}
	}
}

func TestListEventsPageRejectsForeignTokens(t *testing.T) {
	s := openTestStore(t)
	seedPagingEvents(t, s, 6)
	ctx := context.Background()

	_, err := s.ListEventsPage(ctx, storage.ListEventsPageRequest{PageToken: "%%%not-a-token%%%"})
	if !errors.Is(err, storage.ErrCursorInvalid) {
		t.Fatalf("expected cursor invalid for malformed token, got %v", err)
	}

	scoped, err := s.ListEventsPage(ctx, storage.ListEventsPageRequest{AggregateID: "acc-a", PageSize: 2})
	if err != nil {
		t.Fatalf("ListEventsPage: %v", err)
	}
	_, err = s.ListEventsPage(ctx, storage.ListEventsPageRequest{PageToken: scoped.NextPageToken})
	if !errors.Is(err, storage.ErrCursorInvalid) {
		t.Fatalf("expected cursor invalid when filter changes, got %v", err)
	}
}
