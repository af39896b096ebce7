package chat

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newComposerFixture(t *testing.T, store MessageStore) (*Composer, *RoomFeed) {
	t.Helper()
	broker := NewBroker(testLogger())
	gw := NewGateway(testLogger(), store, NewMemoryDirectory())
	feed := NewRoomFeed(testLogger(), gw, broker, WithTeardownGrace(0))
	t.Cleanup(feed.Close)

	actor := Profile{ID: "alice", Name: "Alice", Handle: "alice"}
	return NewComposer(testLogger(), gw, feed, actor, nil), feed
}

func TestComposerSendOptimistic(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	store := NewMemoryStore(broker)
	c, feed := newComposerFixture(t, store)
	ctx := context.Background()

	if err := feed.Open(ctx, Room{ID: "general"}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	c.SetDraft("  hello world  ")
	if err := c.Send(ctx); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if c.Draft() != "" {
		t.Fatalf("draft must clear on send, got %q", c.Draft())
	}
	snap := feed.Snapshot()
	if len(snap) != 1 || snap[0].Body != "hello world" {
		t.Fatalf("got %+v", snap)
	}
}

func TestComposerSendValidationLeavesDraft(t *testing.T) {
	t.Parallel()

	c, _ := newComposerFixture(t, NewMemoryStore(NewBroker(testLogger())))
	ctx := context.Background()

	c.SetDraft("   ")
	if err := c.Send(ctx); !IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}

	long := strings.Repeat("x", maxBodyChars+1)
	c.SetDraft(long)
	if err := c.Send(ctx); !IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}
	if c.Draft() != long {
		t.Fatal("validation failure must leave the draft untouched")
	}
}

func TestComposerSendRollbackOnStoreFailure(t *testing.T) {
	t.Parallel()

	c, feed := newComposerFixture(t, failingStore{})
	ctx := context.Background()

	_ = feed.Open(ctx, Room{ID: "general"}) // history load fails; sending still works

	c.SetDraft("important words")
	if err := c.Send(ctx); !IsStore(err) {
		t.Fatalf("want store error, got %v", err)
	}

	if n := len(feed.Snapshot()); n != 0 {
		t.Fatalf("optimistic echo must roll back: %d rows left", n)
	}
	if c.Draft() != "important words" {
		t.Fatalf("draft must be restored, got %q", c.Draft())
	}
}

func TestComposerSendKeepsNewerDraftOnFailure(t *testing.T) {
	t.Parallel()

	slow := &gatedStore{release: make(chan struct{})}
	c, feed := newComposerFixture(t, slow)
	ctx := context.Background()

	_ = feed.Open(ctx, Room{ID: "general"})

	c.SetDraft("first")
	done := make(chan error, 1)
	go func() { done <- c.Send(ctx) }()

	// User types again while the failing write is in flight.
	waitUntil(t, func() bool { return c.Draft() == "" })
	c.SetDraft("second")
	close(slow.release)

	if err := <-done; !IsStore(err) {
		t.Fatalf("want store error, got %v", err)
	}
	if c.Draft() != "second" {
		t.Fatalf("newer draft must win, got %q", c.Draft())
	}
}

// gatedStore blocks Append until released, then fails.
type gatedStore struct {
	failingStore
	release chan struct{}
}

func (s *gatedStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	select {
	case <-s.release:
	case <-time.After(2 * time.Second):
	}
	return AppendResult{}, errBoom
}

func TestComposerSendRateLimited(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	store := NewMemoryStore(broker)
	gw := NewGateway(testLogger(), store, NewMemoryDirectory())
	feed := NewRoomFeed(testLogger(), gw, broker, WithTeardownGrace(0))
	defer feed.Close()

	ctx := context.Background()
	if err := feed.Open(ctx, Room{ID: "general"}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	limiter := NewRateLimiter(2, time.Minute)
	c := NewComposer(testLogger(), gw, feed, Profile{ID: "alice"}, limiter)

	for i := 0; i < 2; i++ {
		c.SetDraft("ok")
		if err := c.Send(ctx); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	c.SetDraft("blocked")
	if err := c.Send(ctx); !IsValidation(err) {
		t.Fatalf("want rate-limit validation error, got %v", err)
	}
}

func TestComposerReply(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	store := NewMemoryStore(broker)
	c, feed := newComposerFixture(t, store)
	ctx := context.Background()

	if err := feed.Open(ctx, Room{ID: "general"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	parent := mustAppend(t, store, AppendInput{RoomID: "general", AuthorID: "bob", ClientKey: "p", Body: "root"})

	stored, err := c.Reply(ctx, parent.ID, " a reply ")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if stored.ParentID != parent.ID {
		t.Fatalf("got parent %q", stored.ParentID)
	}
	if stored.Body != "a reply" {
		t.Fatalf("got body %q", stored.Body)
	}
	if stored.Author.ID != "alice" {
		t.Fatal("reply must carry the resolved author")
	}

	if _, err := c.Reply(ctx, "", "x"); !IsValidation(err) {
		t.Fatalf("missing parent: want validation error, got %v", err)
	}
	if _, err := c.Reply(ctx, parent.ID, "  "); !IsValidation(err) {
		t.Fatalf("empty body: want validation error, got %v", err)
	}
}
