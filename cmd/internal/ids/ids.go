// Package ids provides the identifier primitives used across the client and the dev backend.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps envelope ids ordered in logs.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot act on an entropy failure.
// It falls back to a random UUID so callers always get a usable id.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		return uuid.NewString()
	}
	return id
}

// NewRequestID returns a random id for the X-Request-ID header.
func NewRequestID() string {
	return uuid.NewString()
}
