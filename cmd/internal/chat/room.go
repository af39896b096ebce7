package chat

import (
	"log/slog"
	"strings"
	"sync"
)

// RoomKind classifies a room.
type RoomKind string

const (
	RoomPublic  RoomKind = "public"
	RoomPrivate RoomKind = "private"
	RoomDirect  RoomKind = "direct"
)

// Room is a named fan-out scope for messages and subscriptions.
type Room struct {
	ID   string
	Name string
	Kind RoomKind
}

// DefaultRoomID is the well-known fallback room.
const DefaultRoomID = "general"

// Catalogue returns the fixed, ordered public room catalogue known at startup.
func Catalogue() []Room {
	return []Room{
		{ID: "general", Name: "General Assembly", Kind: RoomPublic},
		{ID: "legislation", Name: "Policy Watch", Kind: RoomPublic},
		{ID: "impact", Name: "Field Reports", Kind: RoomPublic},
	}
}

// DirectRoomID derives the stable two-party room identifier from the sorted
// pair of participant ids. Both participants always compute the same id.
func DirectRoomID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "vault:" + a + ":" + b
}

// TopicRoomID derives the room identifier bridging a blog post to chat.
func TopicRoomID(slug string) string {
	return "blog-" + slug
}

// Registry resolves room identifiers against the catalogue and synthesizes
// direct rooms on first contact. Resolution never fails: unknown ids fall
// back to the default room.
type Registry struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms []Room
}

// NewRegistry constructs a Registry seeded with the public catalogue.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:   log,
		rooms: Catalogue(),
	}
}

// Resolve returns the room for requestedID, or the direct room for
// {actorID, peerID} when peerID is non-empty. Synthesized direct rooms are
// registered into the room list, replacing any prior direct entry: only one
// direct conversation is modeled active at a time.
func (r *Registry) Resolve(requestedID, actorID, peerID string) Room {
	if peerID = strings.TrimSpace(peerID); peerID != "" {
		room := Room{
			ID:   DirectRoomID(actorID, peerID),
			Name: "Direct Message",
			Kind: RoomDirect,
		}
		r.register(room, true)
		r.log.Info("registry.room.direct", "room_id", room.ID)
		return room
	}

	requestedID = strings.TrimSpace(requestedID)

	r.mu.RLock()
	for _, room := range r.rooms {
		if room.ID == requestedID {
			r.mu.RUnlock()
			return room
		}
	}
	r.mu.RUnlock()

	return r.defaultRoom()
}

// ResolveTopic returns (or synthesizes and registers) the discussion room
// bridging a blog post, derived from its slug.
func (r *Registry) ResolveTopic(slug, title string) Room {
	id := TopicRoomID(strings.TrimSpace(slug))

	r.mu.RLock()
	for _, room := range r.rooms {
		if room.ID == id {
			r.mu.RUnlock()
			return room
		}
	}
	r.mu.RUnlock()

	room := Room{ID: id, Name: "Discussion: " + title, Kind: RoomPublic}
	r.register(room, false)
	r.log.Info("registry.room.topic", "room_id", room.ID)
	return room
}

// Rooms returns a copy of the client-visible room list.
func (r *Registry) Rooms() []Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Room(nil), r.rooms...)
}

func (r *Registry) register(room Room, replaceDirect bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if replaceDirect {
		dst := r.rooms[:0]
		for _, existing := range r.rooms {
			if existing.Kind != RoomDirect {
				dst = append(dst, existing)
			}
		}
		r.rooms = dst
	} else {
		for _, existing := range r.rooms {
			if existing.ID == room.ID {
				return
			}
		}
	}

	r.rooms = append(r.rooms, room)
}

func (r *Registry) defaultRoom() Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, room := range r.rooms {
		if room.ID == DefaultRoomID {
			return room
		}
	}
	// Catalogue always contains the default; this path exists for safety only.
	return Room{ID: DefaultRoomID, Name: "General Assembly", Kind: RoomPublic}
}
