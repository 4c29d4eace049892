package storage

import (
	"github.com/louisbranch/chronicle/internal/chronicle/event"
	apperrors "github.com/louisbranch/chronicle/internal/platform/errors"
)

// ErrCursorInvalid indicates a page token that is malformed, truncated, or
// was issued for a different filter. The caller should restart from the
// first page.
var ErrCursorInvalid = apperrors.New(apperrors.CodeCursorInvalid, "page token is invalid")

// Page size bounds for event history listing. Requests outside the range are
// clamped, and absent sizes default.
const (
	DefaultEventsPageSize = 50
	MinEventsPageSize     = 1
	MaxEventsPageSize     = 200
)

// ListEventsPageRequest describes one page request over the committed feed.
type ListEventsPageRequest struct {
	// AggregateID optionally scopes the page to a single stream.
	AggregateID string
	// AggregateType optionally scopes the page to one aggregate kind.
	AggregateType string
	// PageSize is the requested page size, clamped to
	// [MinEventsPageSize, MaxEventsPageSize] and defaulted when zero.
	PageSize int
	// PageToken is the opaque cursor from a prior response. Empty requests
	// the first page.
	PageToken string
}

// ListEventsPageResult is one page of committed envelopes.
type ListEventsPageResult struct {
	// Events are ordered by global position ascending.
	Events []event.Envelope
	// PageSize is the effective (clamped) page size that was applied.
	PageSize int
	// HasNext reports whether more events exist after this page.
	HasNext bool
	// NextPageToken navigates forward; empty when HasNext is false.
	NextPageToken string
	// PrevPageToken navigates backward; empty on the first page.
	PrevPageToken string
}
