package chat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// RoomFeed is the live view of one room's top-level conversation.
//
// It owns the room's broadcast subscription lifecycle: opening a room first
// loads the most recent history page, then subscribes to insert events.
// Delivery is deduplicated by message id before merging, which is the
// compensating control for the transport's at-least-once fan-out and for
// optimistic local echoes.
//
// All state mutation is guarded by one mutex; asynchronous callbacks check a
// generation counter so a room switch racing a pending fetch or a stale
// subscription can never apply updates to the wrong room.
type RoomFeed struct {
	log    *slog.Logger
	gw     *Gateway
	broker *Broker
	grace  time.Duration

	mu          sync.Mutex
	room        Room
	gen         int
	messages    []Message // ascending by (created_at, id); optimistic entries at the tail
	seen        map[string]struct{}
	byClientKey map[string]int // client key -> index of optimistic entry
	hasMore     bool
	loadFailed  bool // a read StoreError disables further pagination until Retry
	degraded    bool // ChannelError mode: feed stays usable, no live delivery
	sub         *Subscription

	onChange func()
}

// FeedOption configures RoomFeed behavior.
type FeedOption func(*RoomFeed)

// WithTeardownGrace overrides the subscription teardown grace delay.
func WithTeardownGrace(d time.Duration) FeedOption {
	return func(f *RoomFeed) {
		if d >= 0 {
			f.grace = d
		}
	}
}

// NewRoomFeed constructs a feed bound to a gateway and broker.
func NewRoomFeed(log *slog.Logger, gw *Gateway, broker *Broker, opts ...FeedOption) *RoomFeed {
	f := &RoomFeed{
		log:    log,
		gw:     gw,
		broker: broker,
		grace:  TeardownGrace,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// SetOnChange registers a view-layer hook invoked after every state change.
func (f *RoomFeed) SetOnChange(fn func()) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

// Open switches the feed to room: it cancels interest in any prior room,
// loads the most recent page, and subscribes to new inserts. The prior
// room's subscription is torn down after a short grace delay so an in-flight
// handshake is not aborted; the dedup layer bounds the overlap window.
func (f *RoomFeed) Open(ctx context.Context, room Room) error {
	f.mu.Lock()
	f.gen++
	gen := f.gen
	f.room = room
	f.messages = nil
	f.seen = make(map[string]struct{})
	f.byClientKey = make(map[string]int)
	f.hasMore = false
	f.loadFailed = false
	f.degraded = false

	prior := f.sub
	f.sub = f.broker.Subscribe(TableMessages, Filter{Column: "room_id", Equals: room.ID}, func(ev Event) {
		f.applyInsert(gen, ev)
	})
	f.mu.Unlock()

	f.deferredTeardown(prior)

	page, err := f.gw.FetchPage(ctx, room.ID, nil)

	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return nil // room switched while the fetch was in flight
	}
	if err != nil {
		f.loadFailed = true
		f.mu.Unlock()
		f.notify()
		return err
	}
	for _, m := range page.Messages {
		f.mergeLocked(m)
	}
	f.hasMore = page.HasMore
	f.mu.Unlock()

	f.log.Info("feed.open", "room_id", room.ID, "loaded", len(page.Messages), "has_more", page.HasMore)
	f.notify()
	return nil
}

// LoadOlder walks history backward by one keyset page. The cursor is the
// oldest message currently held, passed as an exclusive upper bound, so no
// row is duplicated or skipped regardless of concurrent inserts. After a
// read failure pagination stays disabled until Retry.
func (f *RoomFeed) LoadOlder(ctx context.Context) error {
	f.mu.Lock()
	if f.loadFailed {
		f.mu.Unlock()
		return OpError{Op: "chat.LoadOlder", Kind: ErrStore, Msg: "pagination disabled after failure"}
	}
	if !f.hasMore {
		f.mu.Unlock()
		return nil
	}
	gen := f.gen
	roomID := f.room.ID
	var before *Cursor
	if oldest, ok := f.oldestDurableLocked(); ok {
		c := CursorOf(oldest)
		before = &c
	}
	f.mu.Unlock()

	page, err := f.gw.FetchPage(ctx, roomID, before)

	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return nil
	}
	if err != nil {
		f.loadFailed = true
		f.mu.Unlock()
		f.notify()
		return err
	}
	for _, m := range page.Messages {
		f.mergeLocked(m)
	}
	f.hasMore = page.HasMore
	f.mu.Unlock()

	f.notify()
	return nil
}

// Retry clears the error-flagged state and reissues the failed walk.
func (f *RoomFeed) Retry(ctx context.Context) error {
	f.mu.Lock()
	wasEmpty := len(f.messages) == 0
	f.loadFailed = false
	f.hasMore = f.hasMore || wasEmpty
	room := f.room
	f.mu.Unlock()

	if wasEmpty {
		return f.Open(ctx, room)
	}
	return f.LoadOlder(ctx)
}

// Resync fetches messages created after the newest durable row held, for use
// after a transport reconnect: the broadcast layer does not replay events
// missed during a disconnect window, so the feed backfills explicitly.
func (f *RoomFeed) Resync(ctx context.Context) error {
	f.mu.Lock()
	gen := f.gen
	roomID := f.room.ID
	newest, ok := f.newestDurableLocked()
	f.mu.Unlock()

	if !ok {
		return f.Open(ctx, f.Room())
	}

	msgs, err := f.gw.FetchSince(ctx, roomID, CursorOf(newest))
	if err != nil {
		return err
	}

	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return nil
	}
	for _, m := range msgs {
		f.mergeLocked(m)
	}
	f.degraded = false
	f.mu.Unlock()

	f.log.Info("feed.resync", "room_id", roomID, "recovered", len(msgs))
	f.notify()
	return nil
}

// MarkDegraded records a ChannelError: live delivery is lost but reading and
// sending keep working. Resync clears the flag.
func (f *RoomFeed) MarkDegraded(err error) {
	f.mu.Lock()
	f.degraded = true
	roomID := f.room.ID
	f.mu.Unlock()
	f.log.Warn("feed.degraded", "room_id", roomID, "err", err)
	f.notify()
}

// AppendLocal inserts an optimistic entry carrying a temporary id. The entry
// is replaced in place when the authoritative broadcast row with the same
// client key arrives.
func (f *RoomFeed) AppendLocal(m Message) {
	f.mu.Lock()
	f.seen[m.ID] = struct{}{}
	f.messages = append(f.messages, m)
	if m.ClientKey != "" {
		f.byClientKey[m.ClientKey] = len(f.messages) - 1
	}
	f.mu.Unlock()
	f.notify()
}

// RemoveLocal drops an optimistic entry on rollback. Reports whether the
// entry was still present.
func (f *RoomFeed) RemoveLocal(id string) bool {
	f.mu.Lock()
	idx := -1
	for i, m := range f.messages {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		f.mu.Unlock()
		return false
	}
	removed := f.messages[idx]
	f.messages = append(f.messages[:idx], f.messages[idx+1:]...)
	delete(f.seen, removed.ID)
	delete(f.byClientKey, removed.ClientKey)
	f.reindexLocked()
	f.mu.Unlock()
	f.notify()
	return true
}

// Snapshot returns a copy of the current ascending view state.
func (f *RoomFeed) Snapshot() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.messages...)
}

// Room returns the currently open room.
func (f *RoomFeed) Room() Room {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.room
}

// HasMore reports whether older history remains.
func (f *RoomFeed) HasMore() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasMore
}

// Degraded reports whether live delivery is currently lost.
func (f *RoomFeed) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

// Close tears the feed down. The subscription is removed after the grace
// delay; the generation bump invalidates any in-flight callbacks at once.
func (f *RoomFeed) Close() {
	f.mu.Lock()
	f.gen++
	prior := f.sub
	f.sub = nil
	f.mu.Unlock()
	f.deferredTeardown(prior)
}

// applyInsert merges one broadcast event: top-level rows only, author
// resolved before delivery, deduplicated by id.
func (f *RoomFeed) applyInsert(gen int, ev Event) {
	if ev.Kind != EventInsert || !ev.Message.TopLevel() {
		return
	}

	msg, err := f.gw.ResolveAuthor(context.Background(), ev.Message)
	if err != nil {
		// Deliver unresolved rather than dropping the row.
		msg = ev.Message
	}

	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return
	}
	changed := f.mergeLocked(msg)
	f.mu.Unlock()

	if changed {
		f.notify()
	}
}

// mergeLocked inserts m unless its id was already delivered. An optimistic
// entry with the same client key is replaced in place by the authoritative
// row. Reports whether state changed.
func (f *RoomFeed) mergeLocked(m Message) bool {
	if _, dup := f.seen[m.ID]; dup {
		return false
	}

	if m.ClientKey != "" {
		if idx, ok := f.byClientKey[m.ClientKey]; ok && IsLocalID(f.messages[idx].ID) {
			delete(f.seen, f.messages[idx].ID)
			f.messages[idx] = m
			f.seen[m.ID] = struct{}{}
			// The authoritative timestamp may sort before a neighbor that
			// merged while the echo was in flight.
			f.sortLocked()
			return true
		}
	}

	f.seen[m.ID] = struct{}{}
	f.messages = append(f.messages, m)
	f.sortLocked()
	return true
}

// sortLocked restores ascending (created_at, id) order, keeping optimistic
// local entries after durable rows with equal timestamps.
func (f *RoomFeed) sortLocked() {
	sort.SliceStable(f.messages, func(i, j int) bool {
		a, b := f.messages[i], f.messages[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	f.reindexLocked()
}

func (f *RoomFeed) reindexLocked() {
	for i, m := range f.messages {
		if m.ClientKey != "" && IsLocalID(m.ID) {
			f.byClientKey[m.ClientKey] = i
		}
	}
}

func (f *RoomFeed) oldestDurableLocked() (Message, bool) {
	for _, m := range f.messages {
		if !IsLocalID(m.ID) {
			return m, true
		}
	}
	return Message{}, false
}

func (f *RoomFeed) newestDurableLocked() (Message, bool) {
	for i := len(f.messages) - 1; i >= 0; i-- {
		if !IsLocalID(f.messages[i].ID) {
			return f.messages[i], true
		}
	}
	return Message{}, false
}

func (f *RoomFeed) deferredTeardown(sub *Subscription) {
	if sub == nil {
		return
	}
	if f.grace == 0 {
		sub.Unsubscribe()
		return
	}
	time.AfterFunc(f.grace, sub.Unsubscribe)
}

func (f *RoomFeed) notify() {
	f.mu.Lock()
	fn := f.onChange
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}
