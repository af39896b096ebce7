// Package v1 defines the Agora realtime chat protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeRoomJoin joins a room (client -> server) and is echoed back with the resolved room.
	TypeRoomJoin = "room_join"

	// TypeMessageSend requests sending a new message or reply (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew broadcasts a newly inserted message (server -> room subscribers).
	TypeMessageNew = "message_new"

	// TypeHistoryFetch requests a keyset page of room history (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns a page of history (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeThreadFetch requests the replies of a parent message (client -> server).
	TypeThreadFetch = "thread_fetch"
	// TypeThreadChunk returns a thread's replies (server -> client).
	TypeThreadChunk = "thread_chunk"

	// TypeReactionToggle flips one (actor, message, emoji) membership (client -> server).
	TypeReactionToggle = "reaction_toggle"
	// TypeReactionState returns the authoritative reaction set of a message (server -> client).
	TypeReactionState = "reaction_state"

	// TypePresenceSync delivers the merged online set (server -> every tracked client).
	TypePresenceSync = "presence_sync"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper. Payload schemas are tagged by Type;
// unknown types are rejected at the boundary rather than passed through.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	RoomID  string          `json:"room_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeRoomJoin,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeThreadFetch,
		TypeThreadChunk,
		TypeReactionToggle,
		TypeReactionState,
		TypePresenceSync,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload identifies the authenticated actor opening the session.
type HelloPayload struct {
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// RoomJoinPayload requests joining a room. When PeerID is set the server
// resolves the direct room for {actor, peer} instead of the catalogue entry.
type RoomJoinPayload struct {
	RoomID string `json:"room_id,omitempty"`
	PeerID string `json:"peer_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// MessageSendPayload requests sending a message into a room.
// A non-empty ParentID makes the message a thread reply.
type MessageSendPayload struct {
	RoomID    string `json:"room_id"`
	ClientKey string `json:"client_key"`
	Body      string `json:"body"`
	ParentID  string `json:"parent_id,omitempty"`
}

// MessageAckPayload acknowledges a send request with the canonical server row.
type MessageAckPayload struct {
	RoomID    string    `json:"room_id"`
	ClientKey string    `json:"client_key"`
	MessageID string    `json:"message_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MessagePayload is the wire representation of a stored message.
// Used both for broadcast inserts and history/thread chunks.
type MessagePayload struct {
	MessageID  string    `json:"message_id"`
	RoomID     string    `json:"room_id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	AvatarURL  string    `json:"avatar_url,omitempty"`
	ClientKey  string    `json:"client_key,omitempty"`
	Body       string    `json:"body"`
	ParentID   string    `json:"parent_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// HistoryFetchPayload requests top-level history strictly older than the cursor.
type HistoryFetchPayload struct {
	RoomID   string     `json:"room_id"`
	BeforeTS *time.Time `json:"before_ts,omitempty"`
	BeforeID string     `json:"before_id,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

// HistoryChunkPayload returns one ascending page of top-level messages.
type HistoryChunkPayload struct {
	RoomID   string           `json:"room_id"`
	Messages []MessagePayload `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// ThreadFetchPayload requests the replies anchored to one parent message.
type ThreadFetchPayload struct {
	ParentID string `json:"parent_id"`
}

// ThreadChunkPayload returns a thread's replies ordered ascending.
type ThreadChunkPayload struct {
	ParentID string           `json:"parent_id"`
	Messages []MessagePayload `json:"messages"`
}

// ReactionTogglePayload flips membership of one (actor, message, emoji) triple.
type ReactionTogglePayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// ReactionPayload is one reaction row.
type ReactionPayload struct {
	MessageID string `json:"message_id"`
	ActorID   string `json:"actor_id"`
	Emoji     string `json:"emoji"`
}

// ReactionStatePayload returns the authoritative reaction set after a toggle.
type ReactionStatePayload struct {
	MessageID string            `json:"message_id"`
	Reactions []ReactionPayload `json:"reactions"`
}

// PresenceEntryPayload is one online actor in the merged presence set.
type PresenceEntryPayload struct {
	ActorID   string    `json:"actor_id"`
	Name      string    `json:"name,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	Since     time.Time `json:"since"`
}

// PresenceSyncPayload delivers the full merged online set (whole-state replace).
type PresenceSyncPayload struct {
	Online []PresenceEntryPayload `json:"online"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
