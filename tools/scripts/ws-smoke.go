// Package main provides a CI-friendly WebSocket smoke test for Agora chat.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - join echo + presence sync
//   - send -> ack
//   - fanout message_new to another client
//   - idempotent dedupe by client_key
//   - history fetch
//   - thread reply fetch
//   - reaction toggle -> reaction_state
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "agora/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "agora.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	actorID   string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		roomID  = flag.String("room", "general", "Room ID to join")
		body    = flag.String("body", "hello agora 👋", "Message body to send")
		emoji   = flag.String("emoji", "🔥", "Reaction emoji to toggle")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", "smoke-actor-a", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", "smoke-actor-b", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	joinedRoom := mustJoin(root, a, *roomID, *timeout)
	if got := mustJoin(root, b, *roomID, *timeout); got != joinedRoom {
		fatalf("join room mismatch: A=%q B=%q", joinedRoom, got)
	}

	mustPresenceIncludes(root, b, a.actorID, *timeout)

	clientKey := fmt.Sprintf("ckey-%d", time.Now().UnixNano())

	messageID := mustSendAndAssertAck(root, a, joinedRoom, clientKey, *body, "", *timeout)

	mustAssertNew(root, b, joinedRoom, clientKey, messageID, a.actorID, *body, *timeout)

	_ = drainOptionalNew(root, a, 750*time.Millisecond)

	mustHistoryContains(root, b, joinedRoom, messageID, a.actorID, *body, *timeout)

	// Dedupe: the same client key must return the original row and never
	// produce a second broadcast.
	messageID2 := mustSendAndAssertAck(root, a, joinedRoom, clientKey, *body, "", *timeout)
	if messageID2 != messageID {
		fatalf("dedupe: message_id mismatch: first=%q second=%q", messageID, messageID2)
	}
	mustAssertNoType(root, b, v1.TypeMessageNew, 1200*time.Millisecond)

	replyKey := fmt.Sprintf("ckey-reply-%d", time.Now().UnixNano())
	replyID := mustSendAndAssertAck(root, b, joinedRoom, replyKey, "agreed!", messageID, *timeout)

	mustThreadContains(root, a, messageID, replyID, *timeout)

	mustToggleReaction(root, b, messageID, *emoji, true, *timeout)
	mustToggleReaction(root, b, messageID, *emoji, false, *timeout)

	fmt.Printf("OK: A=%s B=%s room=%s message_id=%s reply_id=%s\n", a.sessionID, b.sessionID, joinedRoom, messageID, replyID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, actorID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:    name,
		actorID: actorID,
		conn:    conn,
		inbox:   make(chan v1.Envelope, 512),
		errCh:   make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeHello,
		ID:   fmt.Sprintf("%s-hello", name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{
			ActorID: actorID,
			Name:    "Smoke " + name,
		}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, roomID string, stepTimeout time.Duration) string {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeRoomJoin,
		ID:   fmt.Sprintf("%s-join", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.RoomJoinPayload{
			RoomID: roomID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypePresenceSync: {}}
	echo := c.mustReadUntilType(parent, v1.TypeRoomJoin, stepTimeout, skip)

	var p v1.RoomJoinPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal join echo payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.RoomID) == "" {
		fatalf("join echo missing room_id (%s)", c.name)
	}
	if strings.TrimSpace(p.Kind) == "" {
		fatalf("join echo missing kind (%s)", c.name)
	}
	return p.RoomID
}

func mustPresenceIncludes(parent context.Context, c *smokeClient, actorID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustReadUntilTypeCtx(ctx, v1.TypePresenceSync, nil)

		var p v1.PresenceSyncPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal presence_sync payload (%s): %v", c.name, err)
		}
		for _, e := range p.Online {
			if e.ActorID == actorID {
				return
			}
		}
		// Keep waiting: an earlier snapshot may predate the other join.
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, roomID, clientKey, body, parentID string, stepTimeout time.Duration) string {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   fmt.Sprintf("%s-send-%s", c.name, clientKey),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			RoomID:    roomID,
			ClientKey: clientKey,
			Body:      body,
			ParentID:  parentID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{
		v1.TypeMessageNew:    {},
		v1.TypePresenceSync:  {},
		v1.TypeReactionState: {},
	}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("ack room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
	if p.ClientKey != clientKey {
		fatalf("ack client_key mismatch (%s): got=%q want=%q", c.name, p.ClientKey, clientKey)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("ack missing message_id (%s)", c.name)
	}
	if p.CreatedAt.IsZero() {
		fatalf("ack missing created_at (%s)", c.name)
	}
	return p.MessageID
}

func mustAssertNew(parent context.Context, c *smokeClient, roomID, clientKey, messageID, authorID, body string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypePresenceSync: {}}
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, skip)

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_new payload (%s): %v", c.name, err)
	}

	if p.RoomID != roomID {
		fatalf("new room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
	if p.ClientKey != clientKey {
		fatalf("new client_key mismatch (%s): got=%q want=%q", c.name, p.ClientKey, clientKey)
	}
	if p.MessageID != messageID {
		fatalf("new message_id mismatch (%s): got=%q want=%q", c.name, p.MessageID, messageID)
	}
	if p.AuthorID != authorID {
		fatalf("new author_id mismatch (%s): got=%q want=%q", c.name, p.AuthorID, authorID)
	}
	if p.Body != body {
		fatalf("new body mismatch (%s): got=%q want=%q", c.name, p.Body, body)
	}
	if p.CreatedAt.IsZero() {
		fatalf("new created_at missing/zero (%s)", c.name)
	}
}

func mustHistoryContains(parent context.Context, c *smokeClient, roomID, messageID, authorID, body string, stepTimeout time.Duration) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeHistoryFetch,
		ID:   fmt.Sprintf("%s-history-fetch", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.HistoryFetchPayload{
			RoomID: roomID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	skip := map[string]struct{}{v1.TypePresenceSync: {}, v1.TypeMessageNew: {}}
	chunk := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout, skip)

	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history_chunk payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("history_chunk room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}

	for _, m := range p.Messages {
		if m.MessageID == messageID && m.AuthorID == authorID && m.Body == body && !m.CreatedAt.IsZero() {
			return
		}
	}
	fatalf("history_chunk missing expected message (%s)", c.name)
}

func mustThreadContains(parent context.Context, c *smokeClient, parentID, replyID string, stepTimeout time.Duration) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeThreadFetch,
		ID:   fmt.Sprintf("%s-thread-fetch", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ThreadFetchPayload{
			ParentID: parentID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	skip := map[string]struct{}{v1.TypePresenceSync: {}, v1.TypeMessageNew: {}}
	chunk := c.mustReadUntilType(parent, v1.TypeThreadChunk, stepTimeout, skip)

	var p v1.ThreadChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal thread_chunk payload (%s): %v", c.name, err)
	}
	if p.ParentID != parentID {
		fatalf("thread_chunk parent_id mismatch (%s): got=%q want=%q", c.name, p.ParentID, parentID)
	}
	for _, m := range p.Messages {
		if m.MessageID == replyID && m.ParentID == parentID {
			return
		}
	}
	fatalf("thread_chunk missing expected reply (%s)", c.name)
}

func mustToggleReaction(parent context.Context, c *smokeClient, messageID, emoji string, wantPresent bool, stepTimeout time.Duration) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeReactionToggle,
		ID:   fmt.Sprintf("%s-reaction-%v", c.name, wantPresent),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ReactionTogglePayload{
			MessageID: messageID,
			Emoji:     emoji,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	skip := map[string]struct{}{v1.TypePresenceSync: {}, v1.TypeMessageNew: {}}
	state := c.mustReadUntilType(parent, v1.TypeReactionState, stepTimeout, skip)

	var p v1.ReactionStatePayload
	if err := json.Unmarshal(state.Payload, &p); err != nil {
		fatalf("unmarshal reaction_state payload (%s): %v", c.name, err)
	}
	if p.MessageID != messageID {
		fatalf("reaction_state message_id mismatch (%s): got=%q want=%q", c.name, p.MessageID, messageID)
	}

	present := false
	for _, r := range p.Reactions {
		if r.ActorID == c.actorID && r.Emoji == emoji {
			present = true
			break
		}
	}
	if present != wantPresent {
		fatalf("reaction_state mismatch (%s): present=%v want=%v", c.name, present, wantPresent)
	}
}

func drainOptionalNew(parent context.Context, c *smokeClient, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			if err != nil {
				return err
			}
			return errors.New("connection closed while draining")
		case env, ok := <-c.inbox:
			if !ok {
				return errors.New("connection closed while draining")
			}
			if env.Type == v1.TypeMessageNew {
				return nil
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	return c.mustReadUntilTypeCtx(ctx, wantType, skipTypes)
}

func (c *smokeClient) mustReadUntilTypeCtx(ctx context.Context, wantType string, skipTypes map[string]struct{}) v1.Envelope {
	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
