package chat

import (
	"log/slog"
	"sync"

	"agora/cmd/internal/metrics"
)

// Table names row-level event scopes.
type Table string

const (
	TableMessages  Table = "messages"
	TableReactions Table = "reactions"
)

// EventKind tags row-level change events.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventDelete EventKind = "delete"
)

// Event is one row-level change. Exactly one of Message/Reaction is set,
// matching Table.
type Event struct {
	Kind     EventKind
	Table    Table
	Message  Message
	Reaction Reaction
}

// Filter is a simple equality predicate over event columns, mirroring the
// only filter shape the core needs: room_id, parent_id, message_id.
type Filter struct {
	Column string
	Equals string
}

func (f Filter) matches(ev Event) bool {
	if f.Column == "" {
		return true
	}
	switch ev.Table {
	case TableMessages:
		switch f.Column {
		case "room_id":
			return ev.Message.RoomID == f.Equals
		case "parent_id":
			return ev.Message.ParentID == f.Equals
		case "id":
			return ev.Message.ID == f.Equals
		}
	case TableReactions:
		if f.Column == "message_id" {
			return ev.Reaction.MessageID == f.Equals
		}
	}
	return false
}

const subscriptionQueueSize = 256

// Broker is the in-process pub/sub primitive: it fans row-level change
// events out to table/predicate-filtered subscribers.
//
// Concurrency guarantees:
//   - Subscribe/Unsubscribe are safe under concurrent Publish.
//   - Publish never blocks (drops under backpressure).
//   - Per-subscriber delivery preserves arrival order.
//   - Delivery is at-least-once; consumers dedup by row id.
type Broker struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[int64]*Subscription
	nextID int64
}

// NewBroker constructs a Broker instance.
func NewBroker(log *slog.Logger) *Broker {
	return &Broker{
		log:  log,
		subs: make(map[int64]*Subscription),
	}
}

// Subscription is one live event feed. Events matching the filter are
// delivered to the callback in arrival order on a dedicated goroutine.
type Subscription struct {
	id     int64
	table  Table
	filter Filter
	fn     func(Event)

	broker    *Broker
	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe opens a filtered event feed on table. The callback runs on the
// subscription's own goroutine; it must not block indefinitely.
func (b *Broker) Subscribe(table Table, filter Filter, fn func(Event)) *Subscription {
	b.mu.Lock()
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		table:  table,
		filter: filter,
		fn:     fn,
		broker: b,
		queue:  make(chan Event, subscriptionQueueSize),
		done:   make(chan struct{}),
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run()

	b.log.Debug("broker.subscribe", "table", string(table), "column", filter.Column, "equals", filter.Equals)
	return sub
}

// Publish fans an event out to all matching subscribers. Non-blocking: a
// subscriber whose queue is full is skipped rather than stalling the bus;
// consumers are expected to resync from the store when they fall behind.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.table != ev.Table || !sub.filter.matches(ev) {
			continue
		}

		select {
		case <-sub.done:
			continue
		default:
		}

		select {
		case sub.queue <- ev:
			metrics.BroadcastDeliveries.Inc()
		default:
			metrics.BroadcastDrops.Inc()
		}
	}
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			s.fn(ev)
		}
	}
}

// Unsubscribe stops delivery (idempotent).
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s.id)
		s.broker.mu.Unlock()
		close(s.done)
	})
}

// Done returns a channel closed when the subscription has been torn down.
func (s *Subscription) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}
