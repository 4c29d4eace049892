// Package cursor provides opaque pagination token encoding/decoding.
package cursor

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Direction indicates the pagination direction.
type Direction string

const (
	// DirectionForward paginates forward (pos > cursor).
	DirectionForward Direction = "fwd"
	// DirectionBackward paginates backward (pos < cursor).
	DirectionBackward Direction = "bwd"
)

// Cursor represents the internal state of a pagination cursor.
type Cursor struct {
	// Pos is the global position to paginate from.
	Pos uint64 `json:"pos"`
	// Dir is the pagination direction (fwd = pos > cursor, bwd = pos < cursor).
	Dir Direction `json:"dir"`
	// Reverse indicates whether to temporarily reverse sort order.
	// This is needed when going to a "previous" page to fetch from the near edge.
	Reverse bool `json:"rev,omitempty"`
	// FilterHash ensures tokens are invalidated if the filter changes.
	FilterHash string `json:"filter_hash,omitempty"`
}

// Encode encodes a cursor to an opaque base64 string.
func Encode(c Cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// Decode decodes an opaque base64 string to a cursor.
// Returns an error if the token is invalid or malformed.
func Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, fmt.Errorf("empty token")
	}

	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode base64: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("unmarshal cursor: %w", err)
	}

	// Validate direction
	if c.Dir != DirectionForward && c.Dir != DirectionBackward {
		return Cursor{}, fmt.Errorf("invalid cursor direction: %q", c.Dir)
	}

	return c, nil
}

// HashFilter computes a short hash of the filter string for cursor validation.
// Returns empty string for empty filter.
func HashFilter(filter string) string {
	if filter == "" {
		return ""
	}
	h := sha256.Sum256([]byte(filter))
	return hex.EncodeToString(h[:8]) // 64-bit hash is sufficient for validation
}

// ValidateFilterHash checks if the cursor's filter hash matches the current filter.
// Returns an error if the filter has changed since the cursor was created.
func ValidateFilterHash(c Cursor, currentFilter string) error {
	currentHash := HashFilter(currentFilter)
	if c.FilterHash != currentHash {
		return fmt.Errorf("filter changed since cursor was created")
	}
	return nil
}

// NewNextPageCursor builds the cursor that continues forward after the last
// item of the current page.
func NewNextPageCursor(pos uint64, filter string) Cursor {
	return Cursor{
		Pos:        pos,
		Dir:        DirectionForward,
		FilterHash: HashFilter(filter),
	}
}

// NewPrevPageCursor builds the cursor that navigates back before the first
// item of the current page. Reverse is set so the query fetches the rows
// nearest the cursor, then restores ascending order.
func NewPrevPageCursor(pos uint64, filter string) Cursor {
	return Cursor{
		Pos:        pos,
		Dir:        DirectionBackward,
		Reverse:    true,
		FilterHash: HashFilter(filter),
	}
}

// ClampPageSize normalizes a requested page size: zero or negative requests
// take the default, anything outside [min, max] is clamped to the bound.
func ClampPageSize(requested, def, min, max int) int {
	if requested <= 0 {
		return def
	}
	if requested < min {
		return min
	}
	if requested > max {
		return max
	}
	return requested
}
