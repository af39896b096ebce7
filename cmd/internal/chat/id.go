package chat

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const localIDPrefix = "local-"

// NewMessageID returns a ULID used as a server-assigned message id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewMessageID(now time.Time) string {
	return newULID(now)
}

// NewSessionID returns a ULID used as a websocket session id.
func NewSessionID() string {
	return newULID(time.Now().UTC())
}

// NewEnvelopeID returns a ULID used as a wire envelope id.
func NewEnvelopeID() string {
	return newULID(time.Now().UTC())
}

// NewLocalID returns a temporary id for an optimistic local entry.
// Local ids are never persisted; the broadcast echo replaces them.
func NewLocalID() string {
	return localIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id is a temporary optimistic id.
func IsLocalID(id string) bool {
	return len(id) > len(localIDPrefix) && id[:len(localIDPrefix)] == localIDPrefix
}

// NewClientKey returns a per-send idempotency key. The store dedupes appends
// by (room, client key), which makes optimistic echo reconciliation exact.
func NewClientKey() string {
	return uuid.NewString()
}

func newULID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// ULID generation only fails if the entropy source fails; fall back to
		// a uuid so callers never observe an empty id.
		return uuid.NewString()
	}
	return id.String()
}
