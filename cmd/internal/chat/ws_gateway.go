package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "agora/shared/contracts/chat/v1"

	"github.com/coder/websocket"

	"agora/cmd/internal/metrics"
)

const (
	wsSubprotocolV1 = "agora.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// ProfileSink records the profile a session announces at handshake so the
// directory can resolve authors and serve mention search.
type ProfileSink interface {
	Put(Profile)
}

// WSGateway is the WebSocket entrypoint for Agora chat.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the message gateway, presence tracker,
// and broker fan-out.
type WSGateway struct {
	log      *slog.Logger
	gw       *Gateway
	broker   *Broker
	presence *Presence
	rooms    *Registry
	profiles ProfileSink
	activity *InteractionLog

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
func NewWSGateway(log *slog.Logger, gw *Gateway, broker *Broker, presence *Presence, rooms *Registry, profiles ProfileSink, activity *InteractionLog) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &WSGateway{
		log:      log,
		gw:       gw,
		broker:   broker,
		presence: presence,
		rooms:    rooms,
		profiles: profiles,
		activity: activity,
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("AGORA_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("AGORA_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("AGORA_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("AGORA_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("AGORA_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("AGORA_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("AGORA_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("AGORA_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("AGORA_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("AGORA_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// roomSession is the per-connection state for the currently joined room.
// Presence is not part of it: the community presence set is session-scoped
// and survives room switches.
type roomSession struct {
	room   Room
	msgSub *Subscription
	rxnSub *Subscription
}

func (s *roomSession) leave() {
	if s == nil {
		return
	}
	if s.msgSub != nil {
		s.msgSub.Unsubscribe()
	}
	if s.rxnSub != nil {
		s.rxnSub.Unsubscribe()
	}
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the chat loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := NewSessionID()
	client := NewClient(sessionID, g.sendQueueSize)

	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce   sync.Once
		joined      *roomSession
		greeted     bool
		presHandle  *PresenceHandle
		presWatcher *PresenceSub
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: subscription removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			joined.leave()
			joined = nil

			if presWatcher != nil {
				presWatcher.Cancel()
			}
			if presHandle != nil {
				presHandle.Leave()
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(sessionID) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			// Community presence is session-scoped: tracked once here and
			// released at shutdown, regardless of room switches.
			if !greeted {
				presHandle = g.presence.Track(client.SessionID, client.Actor)
				presWatcher = g.presence.Watch(func(entries []PresenceEntry) {
					g.fanoutPresence(ctx, client, entries)
				})
			}
			greeted = true

		case v1.TypeRoomJoin:
			if !greeted {
				g.trySendError(ctx, client, "not_greeted", "hello first")
				continue readLoop
			}
			sess, err := g.onJoin(ctx, client, env)
			if err != nil {
				g.trySendError(ctx, client, "join_failed", err.Error())
				continue readLoop
			}

			// Membership stability: a prior channel for any room, the same
			// one included, is torn down before the replacement attaches so
			// inserts are never delivered twice.
			joined.leave()
			joined = sess

		case v1.TypeMessageSend:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onMessageSend(ctx, client, joined, env); err != nil {
				g.trySendError(ctx, client, "send_failed", err.Error())
				continue readLoop
			}

		case v1.TypeHistoryFetch:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onHistoryFetch(ctx, client, joined, env); err != nil {
				g.trySendError(ctx, client, "history_failed", err.Error())
				continue readLoop
			}

		case v1.TypeThreadFetch:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onThreadFetch(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "thread_failed", err.Error())
				continue readLoop
			}

		case v1.TypeReactionToggle:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onReactionToggle(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "reaction_failed", err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	actorID := strings.TrimSpace(p.ActorID)
	if actorID == "" {
		return errors.New("missing actor_id")
	}

	client.Actor = Profile{
		ID:        actorID,
		Name:      strings.TrimSpace(p.Name),
		Handle:    handleFromName(p.Name, actorID),
		AvatarURL: p.AvatarURL,
	}
	if g.profiles != nil {
		g.profiles.Put(client.Actor)
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: client.SessionID})
	ack := newEnvelope(v1.TypeHelloAck, "", ackPayload)

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *WSGateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) (*roomSession, error) {
	var p v1.RoomJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	room := g.rooms.Resolve(strings.TrimSpace(p.RoomID), client.Actor.ID, strings.TrimSpace(p.PeerID))

	sess := &roomSession{room: room}

	// Broadcast fan-out: every insert in the room reaches this session.
	// Client-side views deduplicate by message id.
	sess.msgSub = g.broker.Subscribe(TableMessages, Filter{Column: "room_id", Equals: room.ID}, func(ev Event) {
		g.fanoutMessage(ctx, client, ev)
	})
	sess.rxnSub = g.broker.Subscribe(TableReactions, Filter{}, func(ev Event) {
		g.fanoutReaction(ctx, client, ev)
	})
	echoPayload, _ := json.Marshal(v1.RoomJoinPayload{
		RoomID: room.ID,
		Name:   room.Name,
		Kind:   string(room.Kind),
	})
	echo := newEnvelope(v1.TypeRoomJoin, room.ID, echoPayload)

	if !g.enqueue(ctx, client, echo) {
		sess.leave()
		return nil, errors.New("backpressure: join echo")
	}

	if g.activity != nil {
		g.activity.Record(client.Actor.ID, InteractionJoin, room.ID)
	}
	return sess, nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, sess *roomSession, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if strings.TrimSpace(p.RoomID) == "" || p.RoomID != sess.room.ID {
		return errors.New("invalid room_id")
	}
	if strings.TrimSpace(p.ClientKey) == "" {
		return errors.New("missing client_key")
	}

	res, err := g.gw.Append(ctx, AppendInput{
		RoomID:    p.RoomID,
		AuthorID:  client.Actor.ID,
		ClientKey: p.ClientKey,
		Body:      p.Body,
		ParentID:  strings.TrimSpace(p.ParentID),
	})
	if err != nil {
		return err
	}

	stored := res.Stored

	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		RoomID:    stored.RoomID,
		ClientKey: stored.ClientKey,
		MessageID: stored.ID,
		CreatedAt: stored.CreatedAt,
	})
	ack := newEnvelope(v1.TypeMessageAck, stored.RoomID, ackPayload)

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: ack")
	}

	// Broadcast is driven by the store's insert event, so a duplicated
	// append (client retry) never produces a second message_new.
	if g.activity != nil && !res.Duplicated {
		kind := InteractionMessage
		if !stored.TopLevel() {
			kind = InteractionReply
		}
		if strings.HasPrefix(strings.TrimSpace(p.Body), "/") {
			kind = InteractionCommand
		}
		g.activity.Record(client.Actor.ID, kind, stored.ID)
	}
	return nil
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, client *Client, sess *roomSession, env v1.Envelope) error {
	var p v1.HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return errors.New("missing room_id")
	}
	if roomID != sess.room.ID {
		return errors.New("not a member of room_id")
	}

	var before *Cursor
	if p.BeforeTS != nil && p.BeforeID != "" {
		before = &Cursor{CreatedAt: *p.BeforeTS, ID: p.BeforeID}
	}

	page, err := g.gw.fetchPageLimited(ctx, roomID, before, p.Limit)
	if err != nil {
		return err
	}

	chunkPayload, _ := json.Marshal(v1.HistoryChunkPayload{
		RoomID:   roomID,
		Messages: wireMessages(page.Messages),
		HasMore:  page.HasMore,
	})
	chunk := newEnvelope(v1.TypeHistoryChunk, roomID, chunkPayload)

	if !g.enqueue(ctx, client, chunk) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

func (g *WSGateway) onThreadFetch(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ThreadFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	parentID := strings.TrimSpace(p.ParentID)
	if parentID == "" {
		return errors.New("missing parent_id")
	}

	replies, err := g.gw.Thread(ctx, parentID)
	if err != nil {
		return err
	}

	chunkPayload, _ := json.Marshal(v1.ThreadChunkPayload{
		ParentID: parentID,
		Messages: wireMessages(replies),
	})
	chunk := newEnvelope(v1.TypeThreadChunk, "", chunkPayload)

	if !g.enqueue(ctx, client, chunk) {
		return errors.New("backpressure: thread chunk")
	}
	return nil
}

func (g *WSGateway) onReactionToggle(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ReactionTogglePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if _, err := g.gw.ToggleReaction(ctx, client.Actor.ID, p.MessageID, p.Emoji); err != nil {
		return err
	}

	if g.activity != nil {
		g.activity.Record(client.Actor.ID, InteractionReaction, p.MessageID)
	}

	// The authoritative set goes back to the caller directly; other sessions
	// converge through the reaction fan-out.
	return g.sendReactionState(ctx, client, p.MessageID)
}

// ---- fan-out ----

func (g *WSGateway) fanoutMessage(ctx context.Context, client *Client, ev Event) {
	if ev.Kind != EventInsert {
		return
	}
	msg, err := g.gw.ResolveAuthor(ctx, ev.Message)
	if err != nil {
		msg = ev.Message
	}

	payload, _ := json.Marshal(wireMessage(msg))
	env := newEnvelope(v1.TypeMessageNew, msg.RoomID, payload)
	if g.enqueue(ctx, client, env) {
		metrics.BroadcastDeliveries.Inc()
	} else {
		metrics.BroadcastDrops.Inc()
	}
}

func (g *WSGateway) fanoutReaction(ctx context.Context, client *Client, ev Event) {
	if err := g.sendReactionState(ctx, client, ev.Reaction.MessageID); err != nil {
		g.log.Debug("ws.reaction.fanout.drop", "session_id", client.SessionID, "err", err)
	}
}

func (g *WSGateway) fanoutPresence(ctx context.Context, client *Client, entries []PresenceEntry) {
	online := make([]v1.PresenceEntryPayload, 0, len(entries))
	for _, e := range entries {
		online = append(online, v1.PresenceEntryPayload{
			ActorID:   e.Profile.ID,
			Name:      e.Profile.Name,
			AvatarURL: e.Profile.AvatarURL,
			Since:     e.Since,
		})
	}
	payload, _ := json.Marshal(v1.PresenceSyncPayload{Online: online})
	env := newEnvelope(v1.TypePresenceSync, "", payload)
	if !g.enqueue(ctx, client, env) {
		metrics.BroadcastDrops.Inc()
	}
}

func (g *WSGateway) sendReactionState(ctx context.Context, client *Client, messageID string) error {
	reactions, err := g.gw.ListReactions(ctx, []string{messageID})
	if err != nil {
		return err
	}
	rows := make([]v1.ReactionPayload, 0, len(reactions))
	for _, r := range reactions {
		rows = append(rows, v1.ReactionPayload{MessageID: r.MessageID, ActorID: r.ActorID, Emoji: r.Emoji})
	}
	payload, _ := json.Marshal(v1.ReactionStatePayload{MessageID: messageID, Reactions: rows})
	env := newEnvelope(v1.TypeReactionState, "", payload)
	if !g.enqueue(ctx, client, env) {
		return errors.New("backpressure: reaction state")
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, "", p)
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ, roomID string, payload json.RawMessage) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(),
		RoomID:  roomID,
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}

func wireMessage(m Message) v1.MessagePayload {
	return v1.MessagePayload{
		MessageID:  m.ID,
		RoomID:     m.RoomID,
		AuthorID:   m.AuthorID,
		AuthorName: m.Author.Name,
		AvatarURL:  m.Author.AvatarURL,
		ClientKey:  m.ClientKey,
		Body:       m.Body,
		ParentID:   m.ParentID,
		CreatedAt:  m.CreatedAt,
	}
}

func wireMessages(msgs []Message) []v1.MessagePayload {
	out := make([]v1.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wireMessage(m))
	}
	return out
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// handleFromName derives a mention handle when the client sends none.
func handleFromName(name, fallback string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.Join(strings.Fields(s), ".")
	if s == "" {
		return fallback
	}
	return s
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
