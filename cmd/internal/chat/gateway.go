package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"agora/cmd/internal/metrics"
)

// Page is one ascending window of top-level history.
type Page struct {
	Messages []Message
	HasMore  bool
}

// Gateway is the message-store gateway: it executes keyset-paginated reads
// and ordered writes, resolving author identities for a whole page in a
// single batched directory lookup.
type Gateway struct {
	log   *slog.Logger
	store MessageStore
	dir   Directory
}

// NewGateway constructs a Gateway over a store and directory.
func NewGateway(log *slog.Logger, store MessageStore, dir Directory) *Gateway {
	return &Gateway{log: log, store: store, dir: dir}
}

// FetchPage returns at most PageSize top-level messages for the room,
// strictly older than the cursor when supplied, re-ordered ascending for
// display. The underlying query fetches descending-by-recency.
func (g *Gateway) FetchPage(ctx context.Context, roomID string, before *Cursor) (Page, error) {
	return g.fetchPageLimited(ctx, roomID, before, PageSize)
}

func (g *Gateway) fetchPageLimited(ctx context.Context, roomID string, before *Cursor, limit int) (Page, error) {
	desc, hasMore, err := g.store.FetchPage(ctx, roomID, before, clampPageSize(limit))
	if err != nil {
		return Page{}, storeErr("chat.FetchPage", err)
	}

	// Reverse to ascending.
	asc := make([]Message, len(desc))
	for i, m := range desc {
		asc[len(desc)-1-i] = m
	}

	if err := g.resolveAuthors(ctx, asc); err != nil {
		return Page{}, err
	}

	metrics.HistoryPages.Inc()
	return Page{Messages: asc, HasMore: hasMore}, nil
}

// FetchSince returns top-level messages strictly newer than the cursor,
// ascending, with authors resolved. Used for reconnect catch-up.
func (g *Gateway) FetchSince(ctx context.Context, roomID string, after Cursor) ([]Message, error) {
	msgs, err := g.store.FetchSince(ctx, roomID, after, maxPageSize)
	if err != nil {
		return nil, storeErr("chat.FetchSince", err)
	}
	if err := g.resolveAuthors(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Append performs the durable write for a message or reply. Validation and
// auth failures are rejected before any store call.
func (g *Gateway) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	const op = "chat.Append"

	if strings.TrimSpace(in.AuthorID) == "" {
		return AppendResult{}, authErr(op)
	}

	in.Body = strings.TrimSpace(in.Body)
	if in.Body == "" {
		return AppendResult{}, validationErr(op, "empty body")
	}
	if len([]rune(in.Body)) > maxBodyChars {
		return AppendResult{}, validationErr(op, "body too long")
	}
	if strings.TrimSpace(in.RoomID) == "" {
		return AppendResult{}, validationErr(op, "missing room_id")
	}
	if in.ClientKey == "" {
		in.ClientKey = NewClientKey()
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	res, err := g.store.Append(ctx, in)
	if err != nil {
		return AppendResult{}, storeErr(op, err)
	}
	return res, nil
}

// Thread returns the replies of parentID ascending with authors resolved.
func (g *Gateway) Thread(ctx context.Context, parentID string) ([]Message, error) {
	msgs, err := g.store.FetchThread(ctx, parentID)
	if err != nil {
		return nil, storeErr("chat.Thread", err)
	}
	if err := g.resolveAuthors(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ThreadCounts returns reply counts for a batch of parent ids.
func (g *Gateway) ThreadCounts(ctx context.Context, parentIDs []string) (map[string]int, error) {
	counts, err := g.store.ThreadCounts(ctx, parentIDs)
	if err != nil {
		return nil, storeErr("chat.ThreadCounts", err)
	}
	return counts, nil
}

// ToggleReaction flips the (actor, message, emoji) membership.
func (g *Gateway) ToggleReaction(ctx context.Context, actorID, messageID, emoji string) (bool, error) {
	const op = "chat.ToggleReaction"

	if strings.TrimSpace(actorID) == "" {
		return false, authErr(op)
	}
	if strings.TrimSpace(emoji) == "" {
		return false, validationErr(op, "missing emoji")
	}

	added, err := g.store.ToggleReaction(ctx, messageID, actorID, emoji)
	if err != nil {
		return false, storeErr(op, err)
	}
	return added, nil
}

// ListReactions returns the authoritative reaction rows for a batch of
// messages, in input order.
func (g *Gateway) ListReactions(ctx context.Context, messageIDs []string) ([]Reaction, error) {
	var out []Reaction
	for _, id := range messageIDs {
		rows, err := g.store.ListReactions(ctx, id)
		if err != nil {
			return nil, storeErr("chat.ListReactions", err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// ResolveAuthor resolves the author of a single broadcast row. Inserts are
// infrequent relative to page loads, so the per-row lookup is acceptable.
func (g *Gateway) ResolveAuthor(ctx context.Context, m Message) (Message, error) {
	profiles, err := g.dir.Profiles(ctx, []string{m.AuthorID})
	if err != nil {
		return m, storeErr("chat.ResolveAuthor", err)
	}
	if p, ok := profiles[m.AuthorID]; ok {
		m.Author = p
	}
	return m, nil
}

// resolveAuthors attaches profiles with ONE batched lookup over the page's
// distinct author ids, avoiding per-message request amplification.
func (g *Gateway) resolveAuthors(ctx context.Context, msgs []Message) error {
	ids := distinctAuthorIDs(msgs)
	if len(ids) == 0 {
		return nil
	}

	profiles, err := g.dir.Profiles(ctx, ids)
	if err != nil {
		return storeErr("chat.resolveAuthors", err)
	}
	for i := range msgs {
		if p, ok := profiles[msgs[i].AuthorID]; ok {
			msgs[i].Author = p
		}
	}
	return nil
}
