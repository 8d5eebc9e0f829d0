package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meathill/pvp-games/internal/engine"
	"github.com/meathill/pvp-games/internal/proto"
	"github.com/meathill/pvp-games/internal/telemetry"
)

// relayServer is a minimal coordinator stand-in: it upgrades /ws sessions
// and hands the sockets to the test for scripting.
type relayServer struct {
	ts       *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	next  chan *websocket.Conn
}

func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	rs := &relayServer{next: make(chan *websocket.Conn, 4)}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := rs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rs.mu.Lock()
		rs.conns = append(rs.conns, conn)
		rs.mu.Unlock()
		rs.next <- conn
	})
	rs.ts = httptest.NewServer(mux)
	t.Cleanup(rs.close)
	return rs
}

func (rs *relayServer) url() string {
	return "ws" + strings.TrimPrefix(rs.ts.URL, "http") + "/ws"
}

func (rs *relayServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-rs.next:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("no peer connected to the relay server")
		return nil
	}
}

func (rs *relayServer) close() {
	rs.mu.Lock()
	for _, conn := range rs.conns {
		conn.Close()
	}
	rs.conns = nil
	rs.mu.Unlock()
	rs.ts.Close()
}

func serverRead(t *testing.T, conn *websocket.Conn) *proto.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	env, err := proto.Decode(payload)
	if err != nil {
		t.Fatalf("server decode: %v", err)
	}
	return env
}

func serverWrite(t *testing.T, conn *websocket.Conn, env *proto.Envelope) {
	t.Helper()
	data, err := proto.Encode(env)
	if err != nil {
		t.Fatalf("server encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func TestRelaySplitsGameAndSignalFrames(t *testing.T) {
	rs := newRelayServer(t)

	signals := make(chan *proto.Envelope, 4)
	relay, err := DialRelay(context.Background(), RelayConfig{
		URL:      rs.url(),
		Room:     "duel-1",
		Slot:     engine.SlotFirst,
		OnSignal: func(env *proto.Envelope) { signals <- env },
	})
	if err != nil {
		t.Fatalf("DialRelay: %v", err)
	}
	defer relay.Dispose()

	games := make(chan *proto.Envelope, 4)
	unsubscribe := relay.Subscribe(func(env *proto.Envelope) { games <- env })
	defer unsubscribe()

	server := rs.accept(t)
	serverWrite(t, server, proto.New("", proto.TypeJoined))
	serverWrite(t, server, proto.New(engine.SlotSecond, proto.TypeReady))

	select {
	case env := <-signals:
		if env.Type != proto.TypeJoined {
			t.Fatalf("expected joined signal, got %s", env.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("signal frame never surfaced")
	}
	select {
	case env := <-games:
		if env.Type != proto.TypeReady {
			t.Fatalf("expected ready game frame, got %s", env.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("game frame never surfaced")
	}

	if err := relay.Send(proto.New(engine.SlotFirst, proto.TypeSyncRequest)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := serverRead(t, server); got.Type != proto.TypeSyncRequest {
		t.Fatalf("expected syncRequest at the server, got %s", got.Type)
	}
}

func TestRelayReconnectsAfterDrop(t *testing.T) {
	rs := newRelayServer(t)

	ups := make(chan struct{}, 1)
	relay, err := DialRelay(context.Background(), RelayConfig{
		URL:  rs.url(),
		Room: "duel-1",
		Slot: engine.SlotSecond,
		OnUp: func() { ups <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("DialRelay: %v", err)
	}
	defer relay.Dispose()

	first := rs.accept(t)
	first.Close()

	select {
	case <-ups:
	case <-time.After(5 * time.Second):
		t.Fatalf("relay never reconnected")
	}

	second := rs.accept(t)
	if err := relay.Send(proto.New(engine.SlotSecond, proto.TypePing)); err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
	if got := serverRead(t, second); got.Type != proto.TypePing {
		t.Fatalf("expected ping on the new socket, got %s", got.Type)
	}
}

func TestRelaySurfacesExhaustionWhenCoordinatorStaysDown(t *testing.T) {
	rs := newRelayServer(t)

	errs := make(chan error, 1)
	downs := make(chan struct{}, 1)
	relay, err := DialRelay(context.Background(), RelayConfig{
		URL:         rs.url(),
		Room:        "duel-1",
		Slot:        engine.SlotFirst,
		MaxAttempts: 2,
		OnDown:      func() { downs <- struct{}{} },
		OnError:     func(err error) { errs <- err },
	})
	if err != nil {
		t.Fatalf("DialRelay: %v", err)
	}
	defer relay.Dispose()

	rs.accept(t)
	rs.close()

	select {
	case <-downs:
	case <-time.After(2 * time.Second):
		t.Fatalf("relay never reported the drop")
	}
	select {
	case err := <-errs:
		if !errors.Is(err, ErrReconnectExhausted) {
			t.Fatalf("expected ErrReconnectExhausted, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("relay never exhausted its reconnect budget")
	}
	if relay.Ready() {
		t.Fatalf("exhausted relay still reports ready")
	}
}

func TestRelayFlushKeepsUnsentTailInOrder(t *testing.T) {
	r := &Relay{cfg: RelayConfig{Logger: telemetry.LoggerFunc(func(string, ...any) {})}}

	ready := proto.New(engine.SlotFirst, proto.TypeReady)
	input1 := proto.New(engine.SlotFirst, proto.TypeInput)
	input1.Input = &proto.InputPayload{Direction: engine.DirUp, Seq: 1}
	input2 := proto.New(engine.SlotFirst, proto.TypeInput)
	input2.Input = &proto.InputPayload{Direction: engine.DirLeft, Seq: 2}
	r.queue.push(ready)
	r.queue.push(input1)
	r.queue.push(input2)

	var wrote []*proto.Envelope
	record := func(data []byte) error {
		env, err := proto.Decode(data)
		if err != nil {
			t.Fatalf("decode written frame: %v", err)
		}
		wrote = append(wrote, env)
		return nil
	}

	// The socket dies after the first buffered envelope hits the wire.
	calls := 0
	r.writeFrame = func(data []byte) error {
		calls++
		if calls > 1 {
			return ErrConnection
		}
		return record(data)
	}
	r.adopt(nil)

	if r.Ready() {
		t.Fatalf("relay must stay unready after a stalled flush")
	}
	if got := r.queue.len(); got != 2 {
		t.Fatalf("expected the unsent tail to stay queued, have %d envelopes", got)
	}

	// Sends during the stall queue behind the tail instead of overtaking it.
	input3 := proto.New(engine.SlotFirst, proto.TypeInput)
	input3.Input = &proto.InputPayload{Direction: engine.DirDown, Seq: 3}
	if err := r.Send(input3); err != nil {
		t.Fatalf("Send while unready: %v", err)
	}
	if got := r.queue.len(); got != 3 {
		t.Fatalf("expected send to join the queue, have %d envelopes", got)
	}

	// The next adopt replays everything exactly once, oldest first.
	r.writeFrame = record
	r.adopt(nil)

	if !r.Ready() {
		t.Fatalf("relay should be ready after a clean flush")
	}
	if got := r.queue.len(); got != 0 {
		t.Fatalf("expected an empty queue after the flush, have %d envelopes", got)
	}
	if len(wrote) != 4 {
		t.Fatalf("expected 4 envelopes on the wire, got %d", len(wrote))
	}
	if wrote[0].Type != proto.TypeReady {
		t.Fatalf("expected ready first, got %s", wrote[0].Type)
	}
	for i, want := range []uint64{1, 2, 3} {
		env := wrote[i+1]
		if env.Type != proto.TypeInput || env.Input == nil || env.Input.Seq != want {
			t.Fatalf("expected input seq %d at position %d, got %+v", want, i+1, env)
		}
	}
}

func TestRelayDialFailureIsAConnectionError(t *testing.T) {
	_, err := DialRelay(context.Background(), RelayConfig{
		URL:  "ws://127.0.0.1:1/ws",
		Room: "duel-1",
		Slot: engine.SlotFirst,
	})
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}
