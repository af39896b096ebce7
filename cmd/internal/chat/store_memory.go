package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"agora/cmd/internal/metrics"
)

const memMaxMessagesPerRoom = 10_000

// MemoryStore is the in-process MessageStore used when no database is
// configured (and by tests). It mirrors the durable store's contract:
// monotonic per-room timestamps, (room, client_key) idempotency, keyset
// paging, reaction toggles, and event publication after commit.
type MemoryStore struct {
	broker *Broker

	mu    sync.Mutex
	rooms map[string]*memRoom

	reactions map[string][]Reaction // message id -> rows
}

type memRoom struct {
	lastTS time.Time
	dedupe map[string]Message // client_key -> stored message
	msgs   []Message          // ordered by (created_at, id) ascending
}

// NewMemoryStore constructs an in-memory MessageStore. Inserted rows and
// reaction changes are published to broker after the write commits.
func NewMemoryStore(broker *Broker) *MemoryStore {
	return &MemoryStore{
		broker:    broker,
		rooms:     make(map[string]*memRoom),
		reactions: make(map[string][]Reaction),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// Append persists a message with idempotency and monotonic per-room
// timestamp allocation, then publishes the insert event.
func (s *MemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if in.RoomID == "" || in.AuthorID == "" || in.ClientKey == "" {
		return AppendResult{}, storeErr("chat.Append", errInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()

	r := s.rooms[in.RoomID]
	if r == nil {
		r = &memRoom{
			dedupe: make(map[string]Message),
			msgs:   make([]Message, 0, 256),
		}
		s.rooms[in.RoomID] = r
	}

	if existing, ok := r.dedupe[in.ClientKey]; ok {
		s.mu.Unlock()
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}

	// Monotonic per room: two appends in the same instant still order.
	if !now.After(r.lastTS) {
		now = r.lastTS.Add(time.Microsecond)
	}
	r.lastTS = now

	msg := Message{
		ID:        NewMessageID(now),
		RoomID:    in.RoomID,
		AuthorID:  in.AuthorID,
		ClientKey: in.ClientKey,
		Body:      in.Body,
		ParentID:  in.ParentID,
		CreatedAt: now,
	}
	r.dedupe[in.ClientKey] = msg
	r.msgs = append(r.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(r.msgs) > memMaxMessagesPerRoom {
		r.msgs = r.msgs[len(r.msgs)-memMaxMessagesPerRoom:]
	}

	s.mu.Unlock()

	kind := "message"
	if !msg.TopLevel() {
		kind = "reply"
	}
	metrics.MessagesAppended.WithLabelValues(kind).Inc()

	s.broker.Publish(Event{Kind: EventInsert, Table: TableMessages, Message: msg})

	return AppendResult{Stored: msg, Duplicated: false}, nil
}

// FetchPage returns at most limit top-level messages for the room, descending
// by (created_at, id), strictly older than the cursor when supplied. HasMore
// uses a limit+1 sentinel rather than the count==limit heuristic.
func (s *MemoryStore) FetchPage(ctx context.Context, roomID string, before *Cursor, limit int) ([]Message, bool, error) {
	if roomID == "" {
		return nil, false, storeErr("chat.FetchPage", errInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	limit = clampPageSize(limit)
	fetch := limit + 1

	snap := s.snapshotRoom(roomID)

	out := make([]Message, 0, fetch)
	for i := len(snap) - 1; i >= 0; i-- {
		m := snap[i]
		if !m.TopLevel() {
			continue
		}
		if before != nil && !before.Before(m) {
			continue
		}
		out = append(out, m)
		if len(out) == fetch {
			break
		}
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

// FetchSince returns top-level messages strictly newer than the cursor,
// ascending. Used for the reconnect catch-up walk.
func (s *MemoryStore) FetchSince(ctx context.Context, roomID string, after Cursor, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampPageSize(limit)

	snap := s.snapshotRoom(roomID)

	out := make([]Message, 0, limit)
	for _, m := range snap {
		if !m.TopLevel() || !after.Before(m) {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// FetchThread returns the replies of parentID ordered ascending by creation.
func (s *MemoryStore) FetchThread(ctx context.Context, parentID string) ([]Message, error) {
	if parentID == "" {
		return nil, storeErr("chat.FetchThread", errInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, r := range s.rooms {
		for _, m := range r.msgs {
			if m.ParentID == parentID {
				out = append(out, m)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ThreadCounts returns the reply count per parent id in one batch.
func (s *MemoryStore) ThreadCounts(ctx context.Context, parentIDs []string) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	want := make(map[string]struct{}, len(parentIDs))
	for _, id := range parentIDs {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int, len(parentIDs))
	for _, r := range s.rooms {
		for _, m := range r.msgs {
			if m.ParentID == "" {
				continue
			}
			if _, ok := want[m.ParentID]; ok {
				counts[m.ParentID]++
			}
		}
	}
	return counts, nil
}

// ToggleReaction flips membership of the (message, actor, emoji) triple and
// publishes the corresponding insert or delete event.
func (s *MemoryStore) ToggleReaction(ctx context.Context, messageID, actorID, emoji string) (bool, error) {
	if messageID == "" || actorID == "" || strings.TrimSpace(emoji) == "" {
		return false, storeErr("chat.ToggleReaction", errInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	target := Reaction{MessageID: messageID, ActorID: actorID, Emoji: emoji}

	s.mu.Lock()
	rows := s.reactions[messageID]
	removed := false
	dst := rows[:0]
	for _, row := range rows {
		if row == target {
			removed = true
			continue
		}
		dst = append(dst, row)
	}
	if removed {
		s.reactions[messageID] = dst
	} else {
		s.reactions[messageID] = append(rows, target)
	}
	s.mu.Unlock()

	if removed {
		metrics.ReactionsToggled.WithLabelValues("remove").Inc()
		s.broker.Publish(Event{Kind: EventDelete, Table: TableReactions, Reaction: target})
		return false, nil
	}
	metrics.ReactionsToggled.WithLabelValues("add").Inc()
	s.broker.Publish(Event{Kind: EventInsert, Table: TableReactions, Reaction: target})
	return true, nil
}

// ListReactions returns the reaction rows of one message.
func (s *MemoryStore) ListReactions(ctx context.Context, messageID string) ([]Reaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Reaction(nil), s.reactions[messageID]...), nil
}

func (s *MemoryStore) snapshotRoom(roomID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[roomID]
	if r == nil {
		return nil
	}
	return append([]Message(nil), r.msgs...)
}
