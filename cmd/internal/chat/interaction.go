package chat

import (
	"log/slog"
	"sync"
	"time"
)

// InteractionKind names a logged user action.
type InteractionKind string

const (
	InteractionMessage  InteractionKind = "message"
	InteractionReply    InteractionKind = "reply"
	InteractionReaction InteractionKind = "reaction"
	InteractionCommand  InteractionKind = "command"
	InteractionJoin     InteractionKind = "join"
)

// InteractionEvent is one recorded action.
type InteractionEvent struct {
	ActorID  string
	Kind     InteractionKind
	TargetID string
	At       time.Time
}

const interactionLogCap = 4096

// InteractionLog is a bounded in-memory record of user actions, kept for
// engagement reporting. The oldest entries are dropped once the cap is hit.
type InteractionLog struct {
	log *slog.Logger

	mu      sync.Mutex
	events  []InteractionEvent
	counts  map[InteractionKind]int
	nowFunc func() time.Time
}

// NewInteractionLog constructs an empty log.
func NewInteractionLog(log *slog.Logger) *InteractionLog {
	return &InteractionLog{
		log:     log,
		counts:  make(map[InteractionKind]int),
		nowFunc: time.Now,
	}
}

// Record appends one event.
func (l *InteractionLog) Record(actorID string, kind InteractionKind, targetID string) {
	l.mu.Lock()
	l.events = append(l.events, InteractionEvent{
		ActorID:  actorID,
		Kind:     kind,
		TargetID: targetID,
		At:       l.nowFunc(),
	})
	if len(l.events) > interactionLogCap {
		l.events = l.events[len(l.events)-interactionLogCap:]
	}
	l.counts[kind]++
	l.mu.Unlock()
}

// Recent returns up to n newest events, newest first.
func (l *InteractionLog) Recent(n int) []InteractionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.events) {
		n = len(l.events)
	}
	out := make([]InteractionEvent, 0, n)
	for i := len(l.events) - 1; i >= len(l.events)-n; i-- {
		out = append(out, l.events[i])
	}
	return out
}

// Counts returns per-kind totals since startup.
func (l *InteractionLog) Counts() map[InteractionKind]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[InteractionKind]int, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}
