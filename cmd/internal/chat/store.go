// Package chat contains Agora's realtime community-messaging core: room
// registry, message persistence, broadcast fan-out, presence, optimistic
// mutations, threads, and autocomplete.
package chat

import (
	"context"
	"time"
)

// Message is the canonical persisted message representation. Messages are
// immutable after creation; a non-empty ParentID makes the message a thread
// reply that never appears in the room's top-level feed.
type Message struct {
	ID        string
	RoomID    string
	AuthorID  string
	ClientKey string
	Body      string
	ParentID  string
	CreatedAt time.Time

	// Author is the resolved directory profile. Zero when unresolved.
	Author Profile
}

// TopLevel reports whether the message belongs to the room's main feed.
func (m Message) TopLevel() bool { return m.ParentID == "" }

// Cursor is an exact keyset pagination cursor: (created_at, id), with id as
// the stable tie-break for truly simultaneous rows.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Before reports whether m sorts strictly before the cursor position.
func (c Cursor) Before(m Message) bool {
	if m.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return m.CreatedAt.Equal(c.CreatedAt) && m.ID < c.ID
}

// CursorOf returns the keyset cursor addressing m.
func CursorOf(m Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// Profile is one identity-directory row.
type Profile struct {
	ID        string
	Name      string
	Handle    string
	AvatarURL string
}

// Reaction is one (message, actor, emoji) membership row. Existence is the
// only state that matters; the triple is unique.
type Reaction struct {
	MessageID string
	ActorID   string
	Emoji     string
}

// Resource is one searchable content-index row used by "/" autocomplete.
type Resource struct {
	ID    string
	Title string
}

// AppendInput describes a message append request.
type AppendInput struct {
	RoomID    string
	AuthorID  string
	ClientKey string
	Body      string
	ParentID  string
	Now       time.Time
}

// AppendResult is the append operation result. Duplicated is true when the
// (room, client key) pair was already stored; the existing row is returned
// and no event is re-published.
type AppendResult struct {
	Stored     Message
	Duplicated bool
}

// MessageStore persists and queries messages and reactions.
//
// Requirements:
//   - CreatedAt is assigned monotonically per room at write time.
//   - Idempotency per (room_id, client_key).
//   - FetchPage returns top-level rows descending by (created_at, id),
//     strictly older than the cursor when supplied.
//   - ToggleReaction flips membership of the unique triple.
type MessageStore interface {
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	FetchPage(ctx context.Context, roomID string, before *Cursor, limit int) ([]Message, bool, error)
	FetchSince(ctx context.Context, roomID string, after Cursor, limit int) ([]Message, error)
	FetchThread(ctx context.Context, parentID string) ([]Message, error)
	ThreadCounts(ctx context.Context, parentIDs []string) (map[string]int, error)
	ToggleReaction(ctx context.Context, messageID, actorID, emoji string) (added bool, err error)
	ListReactions(ctx context.Context, messageID string) ([]Reaction, error)
	Close() error
}

// Directory resolves and searches identity profiles.
//
// Profiles resolves a batch in one lookup; callers pass the distinct author
// ids of a whole page rather than resolving per message.
type Directory interface {
	Profiles(ctx context.Context, ids []string) (map[string]Profile, error)
	Search(ctx context.Context, query string, limit int) ([]Profile, error)
}

// ResourceIndex searches content titles for "/" autocomplete.
type ResourceIndex interface {
	SearchTitles(ctx context.Context, query string, limit int) ([]Resource, error)
}

func clampPageSize(limit int) int {
	if limit <= 0 {
		return PageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

func distinctAuthorIDs(msgs []Message) []string {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.AuthorID == "" {
			continue
		}
		if _, ok := seen[m.AuthorID]; ok {
			continue
		}
		seen[m.AuthorID] = struct{}{}
		out = append(out, m.AuthorID)
	}
	return out
}
