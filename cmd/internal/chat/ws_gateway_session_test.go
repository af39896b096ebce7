package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	v1 "agora/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

// In-process session tests: a real httptest server with a real websocket
// client, no external services.

type wsTestEnv struct {
	store  *MemoryStore
	broker *Broker
	srv    *httptest.Server
}

func newWSTestEnv(t *testing.T) *wsTestEnv {
	t.Helper()

	t.Setenv("AGORA_WS_ORIGIN_REQUIRED", "false")

	broker := NewBroker(testLogger())
	store := NewMemoryStore(broker)
	dir := NewMemoryDirectory()
	gw := NewGateway(testLogger(), store, dir)
	ws := NewWSGateway(testLogger(), gw, broker, NewPresence(testLogger()), NewRegistry(testLogger()), dir, NewInteractionLog(testLogger()))

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &wsTestEnv{store: store, broker: broker, srv: srv}
}

func dialChatWS(t *testing.T, baseHTTPURL string) *websocket.Conn {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func writeClientEnvelope(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: raw}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readUntilType discards interleaved frames until one of the wanted type
// arrives. Fails on server error envelopes and on timeout.
func readUntilType(t *testing.T, conn *websocket.Conn, typ string, timeout time.Duration) v1.Envelope {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("timeout waiting for %s", typ)
		}
		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if env.Type == v1.TypeError {
			t.Fatalf("server error while waiting for %s: %s", typ, string(env.Payload))
		}
		if env.Type == typ {
			return env
		}
	}
}

// countType drains frames for the whole window and counts envelopes of typ.
func countType(t *testing.T, conn *websocket.Conn, typ string, window time.Duration) int {
	t.Helper()

	n := 0
	deadline := time.Now().Add(window)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return n
		}
		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			return n
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == typ {
			n++
		}
	}
}

func helloAndJoin(t *testing.T, conn *websocket.Conn, actorID, name, roomID string) {
	t.Helper()

	writeClientEnvelope(t, conn, v1.TypeHello, v1.HelloPayload{ActorID: actorID, Name: name})
	readUntilType(t, conn, v1.TypeHelloAck, 3*time.Second)

	writeClientEnvelope(t, conn, v1.TypeRoomJoin, v1.RoomJoinPayload{RoomID: roomID})
	readUntilType(t, conn, v1.TypeRoomJoin, 3*time.Second)
}

func TestWSGatewaySameRoomRejoinDeliversOnce(t *testing.T) {
	env := newWSTestEnv(t)

	conn := dialChatWS(t, env.srv.URL)
	helloAndJoin(t, conn, "actor-a", "Ada", "general")

	// Rejoin the same room. The prior channel must be torn down first.
	writeClientEnvelope(t, conn, v1.TypeRoomJoin, v1.RoomJoinPayload{RoomID: "general"})
	readUntilType(t, conn, v1.TypeRoomJoin, 3*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := env.store.Append(ctx, AppendInput{
		RoomID:    "general",
		AuthorID:  "actor-b",
		ClientKey: NewClientKey(),
		Body:      "after rejoin",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if got := countType(t, conn, v1.TypeMessageNew, 1200*time.Millisecond); got != 1 {
		t.Fatalf("message_new delivered %d times after same-room rejoin, want 1", got)
	}
}

func TestWSGatewayRoomSwitchDeliversOnce(t *testing.T) {
	env := newWSTestEnv(t)

	conn := dialChatWS(t, env.srv.URL)
	helloAndJoin(t, conn, "actor-a", "Ada", "general")

	writeClientEnvelope(t, conn, v1.TypeRoomJoin, v1.RoomJoinPayload{RoomID: "legislation"})
	readUntilType(t, conn, v1.TypeRoomJoin, 3*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := env.store.Append(ctx, AppendInput{
		RoomID:    "legislation",
		AuthorID:  "actor-b",
		ClientKey: NewClientKey(),
		Body:      "in the new room",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if got := countType(t, conn, v1.TypeMessageNew, 1200*time.Millisecond); got != 1 {
		t.Fatalf("message_new delivered %d times after room switch, want 1", got)
	}
}

func TestWSGatewayPresenceSpansRooms(t *testing.T) {
	env := newWSTestEnv(t)

	connA := dialChatWS(t, env.srv.URL)
	helloAndJoin(t, connA, "actor-a", "Ada", "general")

	connB := dialChatWS(t, env.srv.URL)
	helloAndJoin(t, connB, "actor-b", "Bram", "legislation")

	// B views legislation yet must still see A, who views general: the
	// community presence set is one server-wide channel.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for actor-a in actor-b's presence snapshot")
		}
		sync := readUntilType(t, connB, v1.TypePresenceSync, 3*time.Second)
		var p v1.PresenceSyncPayload
		if err := json.Unmarshal(sync.Payload, &p); err != nil {
			t.Fatalf("unmarshal presence_sync: %v", err)
		}
		for _, e := range p.Online {
			if e.ActorID == "actor-a" {
				return
			}
		}
	}
}
