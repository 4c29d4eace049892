package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/louisbranch/chronicle/internal/chronicle/event"
	"github.com/louisbranch/chronicle/internal/chronicle/storage"
	apperrors "github.com/louisbranch/chronicle/internal/platform/errors"
	"github.com/louisbranch/chronicle/internal/storage/cursor"
)

// ListEventsPage returns a cursor-paginated slice of the committed feed,
// ordered by global position ascending within each page.
func (s *Store) ListEventsPage(ctx context.Context, req storage.ListEventsPageRequest) (storage.ListEventsPageResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.ListEventsPageResult{}, err
	}
	if s == nil {
		return storage.ListEventsPageResult{}, fmt.Errorf("storage is not configured")
	}

	pageSize := cursor.ClampPageSize(req.PageSize, storage.DefaultEventsPageSize, storage.MinEventsPageSize, storage.MaxEventsPageSize)
	filter := pageFilterKey(req)

	var c cursor.Cursor
	hasToken := req.PageToken != ""
	if hasToken {
		decoded, err := cursor.Decode(req.PageToken)
		if err != nil {
			return storage.ListEventsPageResult{}, apperrors.Wrap(apperrors.CodeCursorInvalid, "decode page token", err)
		}
		if err := cursor.ValidateFilterHash(decoded, filter); err != nil {
			return storage.ListEventsPageResult{}, apperrors.Wrap(apperrors.CodeCursorInvalid, "page token filter mismatch", err)
		}
		c = decoded
	}

	s.mu.RLock()
	matched := make([]event.Envelope, 0, len(s.global))
	for _, env := range s.global {
		if req.AggregateID != "" && env.AggregateID != strings.TrimSpace(req.AggregateID) {
			continue
		}
		if req.AggregateType != "" && env.AggregateType != strings.TrimSpace(req.AggregateType) {
			continue
		}
		matched = append(matched, env)
	}
	s.mu.RUnlock()

	result := storage.ListEventsPageResult{PageSize: pageSize}

	backward := hasToken && c.Dir == cursor.DirectionBackward
	if backward {
		// Fetch the rows nearest the cursor from the high side, then
		// restore ascending order below.
		window := make([]event.Envelope, 0, pageSize+1)
		for i := len(matched) - 1; i >= 0; i-- {
			if matched[i].GlobalPos >= c.Pos {
				continue
			}
			window = append(window, matched[i])
			if len(window) > pageSize {
				break
			}
		}
		hasPrev := len(window) > pageSize
		if hasPrev {
			window = window[:pageSize]
		}
		for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
			window[i], window[j] = window[j], window[i]
		}
		result.Events = window
		result.HasNext = true
		if len(window) > 0 {
			next, err := cursor.Encode(cursor.NewNextPageCursor(window[len(window)-1].GlobalPos, filter))
			if err != nil {
				return storage.ListEventsPageResult{}, fmt.Errorf("encode next page token: %w", err)
			}
			result.NextPageToken = next
			if hasPrev {
				prev, err := cursor.Encode(cursor.NewPrevPageCursor(window[0].GlobalPos, filter))
				if err != nil {
					return storage.ListEventsPageResult{}, fmt.Errorf("encode prev page token: %w", err)
				}
				result.PrevPageToken = prev
			}
		}
		return result, nil
	}

	window := make([]event.Envelope, 0, pageSize+1)
	for _, env := range matched {
		if hasToken && env.GlobalPos <= c.Pos {
			continue
		}
		window = append(window, env)
		if len(window) > pageSize {
			break
		}
	}
	result.HasNext = len(window) > pageSize
	if result.HasNext {
		window = window[:pageSize]
	}
	result.Events = window
	if len(window) == 0 {
		return result, nil
	}
	if result.HasNext {
		next, err := cursor.Encode(cursor.NewNextPageCursor(window[len(window)-1].GlobalPos, filter))
		if err != nil {
			return storage.ListEventsPageResult{}, fmt.Errorf("encode next page token: %w", err)
		}
		result.NextPageToken = next
	}
	if hasToken {
		prev, err := cursor.Encode(cursor.NewPrevPageCursor(window[0].GlobalPos, filter))
		if err != nil {
			return storage.ListEventsPageResult{}, fmt.Errorf("encode prev page token: %w", err)
		}
		result.PrevPageToken = prev
	}
	return result, nil
}

// pageFilterKey derives the cursor filter hash input from a page request.
// Tokens issued under one filter are rejected under another.
func pageFilterKey(req storage.ListEventsPageRequest) string {
	return strings.TrimSpace(req.AggregateID) + "|" + strings.TrimSpace(req.AggregateType)
}
