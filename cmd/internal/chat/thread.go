package chat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// ThreadView is the reply pane under one parent message. It starts collapsed
// showing only a live reply count; expanding fetches the reply list once and
// switches to live delivery. Collapsing keeps the fetched replies so a
// re-expand needs no second fetch.
type ThreadView struct {
	log    *slog.Logger
	gw     *Gateway
	broker *Broker
	parent Message

	mu       sync.Mutex
	gen      int
	expanded bool
	loaded   bool
	count    int
	replies  []Message
	seen     map[string]struct{}
	sub      *Subscription

	onChange func()
}

// NewThreadView constructs a collapsed view under parent, seeded with the
// known reply count.
func NewThreadView(log *slog.Logger, gw *Gateway, broker *Broker, parent Message, count int) *ThreadView {
	t := &ThreadView{
		log:    log,
		gw:     gw,
		broker: broker,
		parent: parent,
		count:  count,
		seen:   make(map[string]struct{}),
	}
	t.subscribe()
	return t
}

// SetOnChange registers a view-layer hook invoked after every state change.
func (t *ThreadView) SetOnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Expand opens the pane. The reply list is fetched on first expand only.
func (t *ThreadView) Expand(ctx context.Context) error {
	t.mu.Lock()
	if t.expanded {
		t.mu.Unlock()
		return nil
	}
	t.expanded = true
	loaded := t.loaded
	gen := t.gen
	t.mu.Unlock()

	if loaded {
		t.notify()
		return nil
	}

	replies, err := t.gw.Thread(ctx, t.parent.ID)

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return nil
	}
	if err != nil {
		t.expanded = false
		t.mu.Unlock()
		return err
	}
	t.loaded = true
	for _, r := range replies {
		t.mergeLocked(r)
	}
	t.count = len(t.replies)
	t.mu.Unlock()
	t.notify()
	return nil
}

// Collapse closes the pane. Fetched replies are kept; the live count keeps
// updating from the subscription.
func (t *ThreadView) Collapse() {
	t.mu.Lock()
	t.expanded = false
	t.mu.Unlock()
	t.notify()
}

// Reply posts under the parent through the composer and merges the stored
// row immediately so the sender sees it without waiting for broadcast.
func (t *ThreadView) Reply(ctx context.Context, c *Composer, body string) error {
	stored, err := c.Reply(ctx, t.parent.ID, body)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.mergeLocked(stored)
	t.mu.Unlock()
	t.notify()
	return nil
}

// Expanded reports whether the pane is open.
func (t *ThreadView) Expanded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expanded
}

// Count returns the live reply count.
func (t *ThreadView) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Replies returns a copy of the fetched reply list, ascending.
func (t *ThreadView) Replies() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.replies...)
}

// Parent returns the root message.
func (t *ThreadView) Parent() Message {
	return t.parent
}

// Close cancels the live subscription.
func (t *ThreadView) Close() {
	t.mu.Lock()
	t.gen++
	prior := t.sub
	t.sub = nil
	t.mu.Unlock()
	if prior != nil {
		prior.Unsubscribe()
	}
}

func (t *ThreadView) subscribe() {
	t.mu.Lock()
	gen := t.gen
	t.sub = t.broker.Subscribe(TableMessages, Filter{Column: "parent_id", Equals: t.parent.ID}, func(ev Event) {
		t.applyInsert(gen, ev)
	})
	t.mu.Unlock()
}

func (t *ThreadView) applyInsert(gen int, ev Event) {
	if ev.Kind != EventInsert {
		return
	}
	msg, err := t.gw.ResolveAuthor(context.Background(), ev.Message)
	if err != nil {
		msg = ev.Message
	}

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	changed := t.mergeLocked(msg)
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

// mergeLocked adds one reply, deduplicated by id, and keeps count in step
// with the list once loaded.
func (t *ThreadView) mergeLocked(m Message) bool {
	if _, dup := t.seen[m.ID]; dup {
		return false
	}
	t.seen[m.ID] = struct{}{}
	t.replies = append(t.replies, m)
	sort.SliceStable(t.replies, func(i, j int) bool {
		a, b := t.replies[i], t.replies[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if t.loaded {
		t.count = len(t.replies)
	} else {
		t.count++
	}
	return true
}

func (t *ThreadView) notify() {
	t.mu.Lock()
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}
