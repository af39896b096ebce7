package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Composer owns the message input for one actor in one feed. Send is
// optimistic: the draft is cleared and a local echo entry is appended before
// the write is acknowledged. On failure the echo is removed and the draft is
// restored so nothing the user typed is lost.
type Composer struct {
	log   *slog.Logger
	gw    *Gateway
	feed  *RoomFeed
	actor Profile

	limiter *RateLimiter

	mu    sync.Mutex
	draft string
}

// NewComposer binds a composer to an actor and a feed.
func NewComposer(log *slog.Logger, gw *Gateway, feed *RoomFeed, actor Profile, limiter *RateLimiter) *Composer {
	return &Composer{log: log, gw: gw, feed: feed, actor: actor, limiter: limiter}
}

// SetDraft replaces the working draft.
func (c *Composer) SetDraft(s string) {
	c.mu.Lock()
	c.draft = s
	c.mu.Unlock()
}

// Draft returns the working draft.
func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Send posts the current draft to the open room. Validation failures leave
// the draft untouched. A store failure rolls the optimistic echo back and
// restores the draft unless the user has already typed a new one.
func (c *Composer) Send(ctx context.Context) error {
	c.mu.Lock()
	body := strings.TrimSpace(c.draft)
	c.mu.Unlock()

	if body == "" {
		return validationErr("chat.Send", "empty message body")
	}
	if len([]rune(body)) > maxBodyChars {
		return validationErr("chat.Send", "message body too long")
	}
	if c.limiter != nil && !c.limiter.Allow(c.actor.ID) {
		return validationErr("chat.Send", "rate limit exceeded")
	}

	room := c.feed.Room()
	clientKey := NewClientKey()
	local := Message{
		ID:        NewLocalID(),
		RoomID:    room.ID,
		AuthorID:  c.actor.ID,
		ClientKey: clientKey,
		Body:      body,
		CreatedAt: time.Now().UTC(),
		Author:    c.actor,
	}

	c.mu.Lock()
	c.draft = ""
	c.mu.Unlock()
	c.feed.AppendLocal(local)

	_, err := c.gw.Append(ctx, AppendInput{
		RoomID:    room.ID,
		AuthorID:  c.actor.ID,
		ClientKey: clientKey,
		Body:      body,
	})
	if err != nil {
		c.feed.RemoveLocal(local.ID)
		c.mu.Lock()
		if c.draft == "" {
			c.draft = body
		}
		c.mu.Unlock()
		c.log.Warn("composer.send failed", "room_id", room.ID, "err", err)
		return err
	}
	return nil
}

// Reply posts a threaded reply under parentID. Thread views own their
// optimistic state, so Reply returns the stored row directly.
func (c *Composer) Reply(ctx context.Context, parentID, body string) (Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Message{}, validationErr("chat.Reply", "empty message body")
	}
	if parentID == "" {
		return Message{}, validationErr("chat.Reply", "missing parent id")
	}
	if c.limiter != nil && !c.limiter.Allow(c.actor.ID) {
		return Message{}, validationErr("chat.Reply", "rate limit exceeded")
	}

	res, err := c.gw.Append(ctx, AppendInput{
		RoomID:    c.feed.Room().ID,
		AuthorID:  c.actor.ID,
		ClientKey: NewClientKey(),
		Body:      body,
		ParentID:  parentID,
	})
	if err != nil {
		return Message{}, err
	}
	res.Stored.Author = c.actor
	return res.Stored, nil
}
