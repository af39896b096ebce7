package chat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// ReactionPresets is the quick-pick emoji row offered on every message.
var ReactionPresets = []string{"❤️", "🔥", "💡", "✊"}

// ReactionView is one emoji's aggregate on a message.
type ReactionView struct {
	Emoji string
	Count int
	Mine  bool
}

// ReactionBoard holds per-message reaction state for one actor's view of a
// room. Toggles apply locally first and reconcile against the store; a write
// failure restores the exact prior state of that message. Remote toggles
// arrive through the broker subscription.
type ReactionBoard struct {
	log   *slog.Logger
	gw    *Gateway
	actor string

	mu        sync.Mutex
	gen       int
	byMessage map[string]map[string]map[string]struct{} // message id -> emoji -> actor ids
	sub       *Subscription

	onChange func()
}

// NewReactionBoard constructs a board for actorID.
func NewReactionBoard(log *slog.Logger, gw *Gateway, actorID string) *ReactionBoard {
	return &ReactionBoard{
		log:       log,
		gw:        gw,
		actor:     actorID,
		byMessage: make(map[string]map[string]map[string]struct{}),
	}
}

// SetOnChange registers a view-layer hook invoked after every state change.
func (b *ReactionBoard) SetOnChange(fn func()) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Load primes the board with the stored reactions for messageIDs and
// switches the live subscription to broker, keyed on nothing: reaction
// events carry no room id, so the board filters by tracked message ids.
func (b *ReactionBoard) Load(ctx context.Context, broker *Broker, messageIDs []string) error {
	reactions, err := b.gw.ListReactions(ctx, messageIDs)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.gen++
	gen := b.gen
	prior := b.sub
	b.byMessage = make(map[string]map[string]map[string]struct{})
	for _, id := range messageIDs {
		b.byMessage[id] = make(map[string]map[string]struct{})
	}
	for _, r := range reactions {
		b.applyLocked(r, true)
	}
	b.sub = broker.Subscribe(TableReactions, Filter{}, func(ev Event) {
		b.applyRemote(gen, ev)
	})
	b.mu.Unlock()

	if prior != nil {
		prior.Unsubscribe()
	}
	b.notify()
	return nil
}

// Track begins aggregating reactions for a message that arrived after Load.
func (b *ReactionBoard) Track(messageID string) {
	b.mu.Lock()
	if _, ok := b.byMessage[messageID]; !ok {
		b.byMessage[messageID] = make(map[string]map[string]struct{})
	}
	b.mu.Unlock()
}

// Toggle flips the actor's reaction on a message. The flip is applied
// locally before the write; on failure the message's prior reaction state is
// restored bit for bit.
func (b *ReactionBoard) Toggle(ctx context.Context, messageID, emoji string) error {
	b.mu.Lock()
	perMessage, tracked := b.byMessage[messageID]
	if !tracked {
		perMessage = make(map[string]map[string]struct{})
		b.byMessage[messageID] = perMessage
	}
	snapshot := cloneReactionSet(perMessage)
	b.applyLocked(Reaction{MessageID: messageID, ActorID: b.actor, Emoji: emoji}, !b.mineLocked(messageID, emoji))
	b.mu.Unlock()
	b.notify()

	_, err := b.gw.ToggleReaction(ctx, b.actor, messageID, emoji)
	if err != nil {
		b.mu.Lock()
		b.byMessage[messageID] = snapshot
		b.mu.Unlock()
		b.log.Warn("reactions.toggle failed", "message_id", messageID, "err", err)
		b.notify()
		return err
	}
	return nil
}

// Summary returns the message's reactions sorted by emoji, counts first seen
// by the local actor marked Mine.
func (b *ReactionBoard) Summary(messageID string) []ReactionView {
	b.mu.Lock()
	defer b.mu.Unlock()
	perMessage := b.byMessage[messageID]
	out := make([]ReactionView, 0, len(perMessage))
	for emoji, actors := range perMessage {
		if len(actors) == 0 {
			continue
		}
		_, mine := actors[b.actor]
		out = append(out, ReactionView{Emoji: emoji, Count: len(actors), Mine: mine})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Emoji < out[j].Emoji })
	return out
}

// Close cancels the live subscription.
func (b *ReactionBoard) Close() {
	b.mu.Lock()
	b.gen++
	prior := b.sub
	b.sub = nil
	b.mu.Unlock()
	if prior != nil {
		prior.Unsubscribe()
	}
}

func (b *ReactionBoard) applyRemote(gen int, ev Event) {
	if ev.Table != TableReactions {
		return
	}
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	if _, tracked := b.byMessage[ev.Reaction.MessageID]; !tracked {
		b.mu.Unlock()
		return
	}
	b.applyLocked(ev.Reaction, ev.Kind == EventInsert)
	b.mu.Unlock()
	b.notify()
}

// applyLocked sets or clears one (message, emoji, actor) membership.
func (b *ReactionBoard) applyLocked(r Reaction, present bool) {
	perMessage, ok := b.byMessage[r.MessageID]
	if !ok {
		perMessage = make(map[string]map[string]struct{})
		b.byMessage[r.MessageID] = perMessage
	}
	actors, ok := perMessage[r.Emoji]
	if !ok {
		actors = make(map[string]struct{})
		perMessage[r.Emoji] = actors
	}
	if present {
		actors[r.ActorID] = struct{}{}
	} else {
		delete(actors, r.ActorID)
	}
}

func (b *ReactionBoard) notify() {
	b.mu.Lock()
	fn := b.onChange
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (b *ReactionBoard) mineLocked(messageID, emoji string) bool {
	if actors, ok := b.byMessage[messageID][emoji]; ok {
		_, mine := actors[b.actor]
		return mine
	}
	return false
}

func cloneReactionSet(src map[string]map[string]struct{}) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(src))
	for emoji, actors := range src {
		cp := make(map[string]struct{}, len(actors))
		for id := range actors {
			cp[id] = struct{}{}
		}
		out[emoji] = cp
	}
	return out
}
