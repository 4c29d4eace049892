// Package id generates compact, URL-safe unique identifiers.
//
// IDs are UUIDv4 values encoded as lowercase base32 without padding,
// producing 26-character strings that sort safely in logs and stay
// readable in cursors and storage keys.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a new 26-character lowercase base32 identifier.
func NewID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(u[:])), nil
}

// MustNewID returns a new identifier or panics when the system RNG fails.
// Reserved for test fixtures and process bootstrap where failure is fatal anyway.
func MustNewID() string {
	generated, err := NewID()
	if err != nil {
		panic(err)
	}
	return generated
}
