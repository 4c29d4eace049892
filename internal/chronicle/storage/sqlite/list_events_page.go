package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/louisbranch/chronicle/internal/chronicle/storage"
	apperrors "github.com/louisbranch/chronicle/internal/platform/errors"
	"github.com/louisbranch/chronicle/internal/storage/cursor"
)

// ListEventsPage returns a cursor-paginated view of the committed feed,
// ordered by global position ascending within each page.
func (s *Store) ListEventsPage(ctx context.Context, req storage.ListEventsPageRequest) (storage.ListEventsPageResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.ListEventsPageResult{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ListEventsPageResult{}, fmt.Errorf("storage is not configured")
	}

	pageSize := cursor.ClampPageSize(req.PageSize, storage.DefaultEventsPageSize, storage.MinEventsPageSize, storage.MaxEventsPageSize)
	filter := strings.TrimSpace(req.AggregateID) + "|" + strings.TrimSpace(req.AggregateType)

	var c cursor.Cursor
	hasCursor := req.PageToken != ""
	if hasCursor {
		decoded, err := cursor.Decode(req.PageToken)
		if err != nil {
			return storage.ListEventsPageResult{}, apperrors.Wrap(apperrors.CodeCursorInvalid, "decode page token", err)
		}
		if err := cursor.ValidateFilterHash(decoded, filter); err != nil {
			return storage.ListEventsPageResult{}, apperrors.Wrap(apperrors.CodeCursorInvalid, "page token filter mismatch", err)
		}
		c = decoded
	}

	plan := buildListEventsPageSQLPlan(req, c, hasCursor, pageSize)
	query := `
		SELECT global_pos, aggregate_id, aggregate_type, version, event_id, event_type, timestamp, payload
		FROM events
		WHERE ` + plan.whereClause + `
		` + plan.orderClause + `
		` + plan.limitClause

	rows, err := s.sqlDB.QueryContext(ctx, query, plan.params...)
	if err != nil {
		return storage.ListEventsPageResult{}, mapStoreError("list events page", err)
	}
	defer rows.Close()

	window, err := scanEnvelopes(rows)
	if err != nil {
		return storage.ListEventsPageResult{}, err
	}

	result := storage.ListEventsPageResult{PageSize: pageSize}
	overflow := len(window) > pageSize
	if overflow {
		window = window[:pageSize]
	}

	backward := hasCursor && c.Dir == cursor.DirectionBackward
	if backward && c.Reverse {
		// Rows came back descending; restore ascending page order.
		for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
			window[i], window[j] = window[j], window[i]
		}
	}
	result.Events = window

	if backward {
		result.HasNext = true
	} else {
		result.HasNext = overflow
	}
	if len(window) == 0 {
		return result, nil
	}

	if result.HasNext {
		token, err := encodePageToken(cursor.NewNextPageCursor(window[len(window)-1].GlobalPos, filter))
		if err != nil {
			return storage.ListEventsPageResult{}, err
		}
		result.NextPageToken = token
	}

	hasPrev := (backward && overflow) || (!backward && hasCursor)
	if hasPrev {
		token, err := encodePageToken(cursor.NewPrevPageCursor(window[0].GlobalPos, filter))
		if err != nil {
			return storage.ListEventsPageResult{}, err
		}
		result.PrevPageToken = token
	}
	return result, nil
}

func encodePageToken(c cursor.Cursor) (string, error) {
	token, err := cursor.Encode(c)
	if err != nil {
		return "", fmt.Errorf("encode page token: %w", err)
	}
	return token, nil
}
