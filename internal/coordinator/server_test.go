package coordinator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meathill/pvp-games/internal/proto"
	"github.com/meathill/pvp-games/internal/room"
)

func newTestServer(t *testing.T, assist *proto.AssistConfig) (*httptest.Server, *room.Manager) {
	t.Helper()
	manager := room.NewManager(room.ManagerConfig{
		Store:  room.NewMemoryStore(),
		Assist: assist,
	})
	t.Cleanup(manager.Close)
	srv := NewServer(Config{Manager: manager, Assist: assist})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, manager
}

func wsURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
}

func dialPeer(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, query), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *proto.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := proto.Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestConfigEndpointReturnsAssist(t *testing.T) {
	assist := &proto.AssistConfig{DirectHost: "203.0.113.9"}
	ts, _ := newTestServer(t, assist)

	resp, err := http.Get(ts.URL + "/config")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	defer resp.Body.Close()

	var payload struct {
		ServerTime int64               `json:"serverTime"`
		Assist     *proto.AssistConfig `json:"assist"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if payload.Assist == nil || payload.Assist.DirectHost != "203.0.113.9" {
		t.Fatalf("unexpected assist %+v", payload.Assist)
	}
	if payload.ServerTime == 0 {
		t.Fatalf("expected server time")
	}
}

func TestWebsocketRejectsMissingParams(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	for _, query := range []string{"", "?room=duel-1", "?slot=first", "?room=duel-1&slot=third"} {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, query), nil)
		if err != nil {
			t.Fatalf("dial with query %q: %v", query, err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = conn.ReadMessage()
		if !websocket.IsCloseError(err, proto.CloseMissingParams) {
			t.Fatalf("query %q: expected close %d, got %v", query, proto.CloseMissingParams, err)
		}
		conn.Close()
	}
}

func TestWebsocketRejectsSlotConflict(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	first := dialPeer(t, ts, "?room=duel-1&slot=first")
	if env := readEnvelope(t, first); env.Type != proto.TypeJoined {
		t.Fatalf("expected joined ack, got %s", env.Type)
	}

	intruder, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "?room=duel-1&slot=first"), nil)
	if err != nil {
		t.Fatalf("dial intruder: %v", err)
	}
	defer intruder.Close()
	intruder.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := intruder.ReadMessage(); !websocket.IsCloseError(err, proto.CloseSlotConflict) {
		t.Fatalf("expected close %d, got %v", proto.CloseSlotConflict, err)
	}
}

func TestWebsocketRelaysFramesBetweenPeers(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	first := dialPeer(t, ts, "?room=duel-1&slot=first")
	if env := readEnvelope(t, first); env.Type != proto.TypeJoined {
		t.Fatalf("expected joined, got %s", env.Type)
	}

	second := dialPeer(t, ts, "?room=duel-1&slot=second")
	if env := readEnvelope(t, second); env.Type != proto.TypeJoined {
		t.Fatalf("expected joined, got %s", env.Type)
	}
	if env := readEnvelope(t, first); env.Type != proto.TypePeersPresent {
		t.Fatalf("expected peersPresent for first, got %s", env.Type)
	}
	if env := readEnvelope(t, second); env.Type != proto.TypePeersPresent {
		t.Fatalf("expected peersPresent for second, got %s", env.Type)
	}

	ready := proto.New("first", proto.TypeReady)
	data, err := proto.Encode(ready)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := first.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if env := readEnvelope(t, second); env.Type != proto.TypeReady {
		t.Fatalf("expected relayed ready, got %s", env.Type)
	}
}

func TestWebsocketDisconnectNotifiesPeer(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	first := dialPeer(t, ts, "?room=duel-1&slot=first")
	readEnvelope(t, first) // joined
	second := dialPeer(t, ts, "?room=duel-1&slot=second")
	readEnvelope(t, second) // joined
	readEnvelope(t, first)  // peersPresent
	readEnvelope(t, second) // peersPresent

	second.Close()

	env := readEnvelope(t, first)
	if env.Type != proto.TypeLeave {
		t.Fatalf("expected leave notice, got %s", env.Type)
	}
	if env.Room == nil || env.Room.Slot != "second" {
		t.Fatalf("expected vacated slot in leave payload, got %+v", env.Room)
	}
}

func TestRoomsEndpointReportsOccupancy(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/rooms")
	if err != nil {
		t.Fatalf("get rooms: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without id, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/rooms?id=nope")
	if err != nil {
		t.Fatalf("get unknown room: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown room, got %d", resp.StatusCode)
	}

	first := dialPeer(t, ts, "?room=duel-1&slot=first")
	readEnvelope(t, first) // joined

	resp, err = http.Get(ts.URL + "/rooms?id=duel-1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	defer resp.Body.Close()
	var payload struct {
		ID             string `json:"id"`
		FirstOccupied  bool   `json:"firstOccupied"`
		SecondOccupied bool   `json:"secondOccupied"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode room: %v", err)
	}
	if payload.ID != "duel-1" || !payload.FirstOccupied || payload.SecondOccupied {
		t.Fatalf("unexpected occupancy %+v", payload)
	}
}
