package chat

import (
	"testing"
	"time"
)

func waitFor(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBrokerFilterByRoom(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	got := make(chan Event, 16)

	sub := b.Subscribe(TableMessages, Filter{Column: "room_id", Equals: "r1"}, func(ev Event) {
		got <- ev
	})
	defer sub.Unsubscribe()

	b.Publish(Event{Kind: EventInsert, Table: TableMessages, Message: Message{ID: "m1", RoomID: "r1"}})
	b.Publish(Event{Kind: EventInsert, Table: TableMessages, Message: Message{ID: "m2", RoomID: "r2"}})

	if ev := waitFor(t, got); ev.Message.ID != "m1" {
		t.Fatalf("got %s, want m1", ev.Message.ID)
	}
	assertNoEvent(t, got)
}

func TestBrokerFilterByParent(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	got := make(chan Event, 16)

	sub := b.Subscribe(TableMessages, Filter{Column: "parent_id", Equals: "p1"}, func(ev Event) {
		got <- ev
	})
	defer sub.Unsubscribe()

	b.Publish(Event{Kind: EventInsert, Table: TableMessages, Message: Message{ID: "m1", RoomID: "r1"}})
	b.Publish(Event{Kind: EventInsert, Table: TableMessages, Message: Message{ID: "m2", RoomID: "r1", ParentID: "p1"}})

	if ev := waitFor(t, got); ev.Message.ID != "m2" {
		t.Fatalf("got %s, want m2", ev.Message.ID)
	}
}

func TestBrokerTableScoping(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	got := make(chan Event, 16)

	sub := b.Subscribe(TableReactions, Filter{}, func(ev Event) {
		got <- ev
	})
	defer sub.Unsubscribe()

	b.Publish(Event{Kind: EventInsert, Table: TableMessages, Message: Message{ID: "m1", RoomID: "r1"}})
	b.Publish(Event{Kind: EventInsert, Table: TableReactions, Reaction: Reaction{MessageID: "m1", ActorID: "u", Emoji: "🔥"}})

	ev := waitFor(t, got)
	if ev.Table != TableReactions || ev.Reaction.MessageID != "m1" {
		t.Fatalf("got %+v, want reaction on m1", ev)
	}
	assertNoEvent(t, got)
}

func TestBrokerDeliveryOrder(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	got := make(chan Event, 64)

	sub := b.Subscribe(TableMessages, Filter{Column: "room_id", Equals: "r"}, func(ev Event) {
		got <- ev
	})
	defer sub.Unsubscribe()

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		b.Publish(Event{Kind: EventInsert, Table: TableMessages, Message: Message{ID: id, RoomID: "r"}})
	}
	for _, want := range ids {
		if ev := waitFor(t, got); ev.Message.ID != want {
			t.Fatalf("out of order: got=%s want=%s", ev.Message.ID, want)
		}
	}
}

func TestBrokerUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	got := make(chan Event, 16)

	sub := b.Subscribe(TableMessages, Filter{}, func(ev Event) { got <- ev })
	sub.Unsubscribe()
	sub.Unsubscribe()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("Done must be closed after Unsubscribe")
	}

	b.Publish(Event{Kind: EventInsert, Table: TableMessages, Message: Message{ID: "m", RoomID: "r"}})
	assertNoEvent(t, got)
}

func TestBrokerNilSubscriptionSafe(t *testing.T) {
	t.Parallel()

	var sub *Subscription
	sub.Unsubscribe()
	select {
	case <-sub.Done():
	default:
		t.Fatal("nil subscription Done must be closed")
	}
}

func TestBrokerPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	block := make(chan struct{})

	sub := b.Subscribe(TableMessages, Filter{}, func(Event) {
		<-block
	})
	defer func() {
		close(block)
		sub.Unsubscribe()
	}()

	// Overfill the subscriber queue; Publish must return regardless.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriptionQueueSize*2; i++ {
			b.Publish(Event{Kind: EventInsert, Table: TableMessages, Message: Message{ID: "m", RoomID: "r"}})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}
