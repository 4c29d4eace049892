package sqlite

import (
	"fmt"
	"strings"

	"github.com/louisbranch/chronicle/internal/chronicle/storage"
	"github.com/louisbranch/chronicle/internal/storage/cursor"
)

type listEventsPageSQLPlan struct {
	whereClause string
	params      []any
	orderClause string
	limitClause string
}

// buildListEventsPageSQLPlan translates a page request plus its decoded
// cursor into SQL fragments. The cursor direction determines comparison
// operators; sort order is applied separately, and Reverse flips it so
// previous-page queries fetch near-edge rows first.
func buildListEventsPageSQLPlan(req storage.ListEventsPageRequest, c cursor.Cursor, hasCursor bool, pageSize int) listEventsPageSQLPlan {
	whereClause := "1 = 1"
	params := []any{}

	if id := strings.TrimSpace(req.AggregateID); id != "" {
		whereClause += " AND aggregate_id = ?"
		params = append(params, id)
	}
	if at := strings.TrimSpace(req.AggregateType); at != "" {
		whereClause += " AND aggregate_type = ?"
		params = append(params, at)
	}

	if hasCursor {
		if c.Dir == cursor.DirectionBackward {
			whereClause += " AND global_pos < ?"
		} else {
			whereClause += " AND global_pos > ?"
		}
		params = append(params, c.Pos)
	}

	orderClause := "ORDER BY global_pos ASC"
	if hasCursor && c.Reverse {
		orderClause = "ORDER BY global_pos DESC"
	}

	return listEventsPageSQLPlan{
		whereClause: whereClause,
		params:      params,
		orderClause: orderClause,
		limitClause: fmt.Sprintf("LIMIT %d", pageSize+1),
	}
}
